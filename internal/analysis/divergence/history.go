package divergence

// History keeps the most recent confirmed pivot of each kind for a single
// oscillator. Classification only ever compares against the immediately
// preceding pivot, so one slot per kind is all the state required.
type History struct {
	low     PivotEvent
	high    PivotEvent
	hasLow  bool
	hasHigh bool
}

// Previous returns the stored pivot of the given kind, if one exists.
func (h *History) Previous(kind PivotKind) (PivotEvent, bool) {
	if kind == PivotHigh {
		return h.high, h.hasHigh
	}
	return h.low, h.hasLow
}

// Record overwrites the slot for the event's kind. Every confirmed
// oscillator pivot is recorded, whether or not it classified.
func (h *History) Record(ev PivotEvent) {
	if ev.Kind == PivotHigh {
		h.high = ev
		h.hasHigh = true
		return
	}
	h.low = ev
	h.hasLow = true
}
