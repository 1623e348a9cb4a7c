package divergence

import "math"

type PivotKind int

const (
	PivotLow PivotKind = iota
	PivotHigh
)

func (k PivotKind) String() string {
	if k == PivotHigh {
		return "high"
	}
	return "low"
}

// PivotEvent is one confirmed swing point: the oscillator value and the
// price extreme of the same kind at the pivot bar.
type PivotEvent struct {
	BarIndex int
	Kind     PivotKind
	Value    float64
	Price    float64
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// isPivot reports whether values[idx] is a strict local extreme against
// left bars on the left and right bars on the right. Ties with any
// neighbor disqualify the bar, as does any non-finite value inside the
// window or a window that runs off either end of the series.
func isPivot(values []float64, idx, left, right int, isHigh bool) bool {
	if idx-left < 0 || idx+right >= len(values) {
		return false
	}
	center := values[idx]
	if !isFinite(center) {
		return false
	}
	for i := idx - left; i <= idx+right; i++ {
		if i == idx {
			continue
		}
		v := values[i]
		if !isFinite(v) {
			return false
		}
		if isHigh && v >= center {
			return false
		}
		if !isHigh && v <= center {
			return false
		}
	}
	return true
}
