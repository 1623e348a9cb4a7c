package divergence

import (
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"divscan/internal/market"
)

// Series is one oscillator feed, aligned 1:1 with the scanned candles.
// Warmup marks how many leading bars carry values that are not yet
// meaningful; nothing confirmed inside that region is counted.
type Series struct {
	Name   string
	Values []float64
	Warmup int
}

// Config tunes the detector. The zero value does not validate; Default
// returns the stock parameters.
type Config struct {
	PivotLeft  int // bars to the left that a swing point must dominate
	PivotRight int // bars to the right that confirm it
	RangeLower int // minimum bar distance between compared pivots
	RangeUpper int // maximum bar distance between compared pivots
	MinCount   int // oscillators that must agree before an event fires
	WarmupBars int // leading bars excluded from counting

	PositiveRegular bool
	PositiveHidden  bool
	NegativeRegular bool
	NegativeHidden  bool

	Parallel bool
}

// Default mirrors the stock indicator inputs: symmetric 5-bar pivots,
// pivot distance 5..60, single oscillator suffices, regular divergences
// only.
func Default() Config {
	return Config{
		PivotLeft:       5,
		PivotRight:      5,
		RangeLower:      5,
		RangeUpper:      60,
		MinCount:        1,
		PositiveRegular: true,
		NegativeRegular: true,
	}
}

// Enable turns on emission of the given type.
func (c *Config) Enable(t Type) {
	switch t {
	case PositiveRegular:
		c.PositiveRegular = true
	case PositiveHidden:
		c.PositiveHidden = true
	case NegativeRegular:
		c.NegativeRegular = true
	case NegativeHidden:
		c.NegativeHidden = true
	}
}

// DisableAll turns off emission of every type.
func (c *Config) DisableAll() {
	c.PositiveRegular = false
	c.PositiveHidden = false
	c.NegativeRegular = false
	c.NegativeHidden = false
}

func (c Config) validate() error {
	if c.PivotLeft < 1 || c.PivotRight < 1 {
		return fmt.Errorf("divergence: pivot lookback must be >= 1 (left=%d right=%d)", c.PivotLeft, c.PivotRight)
	}
	if c.RangeLower < 1 {
		return fmt.Errorf("divergence: range lower must be >= 1, got %d", c.RangeLower)
	}
	if c.RangeUpper < c.RangeLower {
		return fmt.Errorf("divergence: range upper %d below range lower %d", c.RangeUpper, c.RangeLower)
	}
	if c.MinCount < 1 {
		return fmt.Errorf("divergence: min count must be >= 1, got %d", c.MinCount)
	}
	if c.WarmupBars < 0 {
		return fmt.Errorf("divergence: warmup bars must be >= 0, got %d", c.WarmupBars)
	}
	return nil
}

// Mark is one oscillator's classified divergence, anchored at the bar
// where its new pivot confirmed.
type Mark struct {
	Oscillator string  `json:"oscillator"`
	Type       Type    `json:"type"`
	PivotBar   int     `json:"pivot_bar"`
	ConfirmBar int     `json:"confirm_bar"`
	Distance   int     `json:"distance"`
	Price      float64 `json:"price"`
	PrevPrice  float64 `json:"prev_price"`
	Value      float64 `json:"value"`
	PrevValue  float64 `json:"prev_value"`
}

// Tally aggregates the marks of one type confirming on one bar.
type Tally struct {
	Bar         int      `json:"bar"`
	Type        Type     `json:"type"`
	Count       int      `json:"count"`
	Oscillators []string `json:"oscillators"`
}

// Marker placement and glyph names carried on emitted events.
const (
	PositionBelowBar  = "below_bar"
	PositionAboveBar  = "above_bar"
	ShapeTriangleUp   = "triangle_up"
	ShapeTriangleDown = "triangle_down"
)

// Event is an emitted signal: at least MinCount oscillators agreed on one
// bar and the type is enabled. Position, Shape and Color describe how the
// signal is drawn; Text is the agreement count.
type Event struct {
	Bar      int    `json:"bar"`
	Time     int64  `json:"time"`
	Type     Type   `json:"type"`
	Count    int    `json:"count"`
	Position string `json:"position"`
	Shape    string `json:"shape"`
	Color    string `json:"color"`
	Text     string `json:"text"`
}

// Result carries everything one Scan produced, ordered by confirmation
// bar and, within a bar, by the order of the input series.
type Result struct {
	Marks   []Mark  `json:"marks"`
	Tallies []Tally `json:"tallies"`
	Events  []Event `json:"events"`
}

// Engine runs the pivot -> classify -> aggregate pass over one batch of
// closed bars. An Engine is immutable after New and safe for concurrent
// use.
type Engine struct {
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the validated configuration the engine runs with.
func (e *Engine) Config() Config { return e.cfg }

// Scan detects divergences for every oscillator series over one batch of
// candles. Candles must be non-empty with strictly increasing open times
// and every series must match their length; NaN oscillator values are
// legal and simply never form pivots. The result is identical whether
// the per-oscillator passes run sequentially or in parallel.
func (e *Engine) Scan(candles []market.Candle, series []Series) (Result, error) {
	if err := market.ValidateBars(candles); err != nil {
		return Result{}, err
	}
	if len(series) == 0 {
		return Result{}, fmt.Errorf("divergence: no oscillator series")
	}
	for _, s := range series {
		if len(s.Values) != len(candles) {
			return Result{}, fmt.Errorf("divergence: series %s has %d values for %d candles",
				s.Name, len(s.Values), len(candles))
		}
	}

	n := len(candles)
	lows := make([]float64, n)
	highs := make([]float64, n)
	for i, c := range candles {
		lows[i] = c.Low
		highs[i] = c.High
	}

	perOsc := make([][]Mark, len(series))
	if e.cfg.Parallel && len(series) > 1 {
		var g errgroup.Group
		for i := range series {
			i := i
			g.Go(func() error {
				perOsc[i] = e.scanSeries(series[i], lows, highs)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Result{}, err
		}
	} else {
		for i := range series {
			perOsc[i] = e.scanSeries(series[i], lows, highs)
		}
	}

	marks := make([]Mark, 0)
	for _, ms := range perOsc {
		marks = append(marks, ms...)
	}
	// Stable by confirmation bar keeps input-series order within a bar,
	// so sequential and parallel scans aggregate identically.
	sort.SliceStable(marks, func(i, j int) bool { return marks[i].ConfirmBar < marks[j].ConfirmBar })

	tallies := e.tally(marks)
	events := e.emit(tallies, candles)
	return Result{Marks: marks, Tallies: tallies, Events: events}, nil
}

// scanSeries walks one oscillator left to right. A pivot candidate at idx
// is only examined once its confirmation bar idx+PivotRight exists, so a
// confirmed pivot can never be revised by later bars.
func (e *Engine) scanSeries(s Series, lows, highs []float64) []Mark {
	cfg := e.cfg
	warm := cfg.WarmupBars
	if s.Warmup > warm {
		warm = s.Warmup
	}
	marks := make([]Mark, 0)
	var hist History
	n := len(s.Values)
	for idx := cfg.PivotLeft; idx+cfg.PivotRight < n; idx++ {
		confirm := idx + cfg.PivotRight
		if isPivot(s.Values, idx, cfg.PivotLeft, cfg.PivotRight, false) {
			ev := PivotEvent{BarIndex: idx, Kind: PivotLow, Value: s.Values[idx], Price: lows[idx]}
			if isPivot(lows, idx, cfg.PivotLeft, cfg.PivotRight, false) {
				if prev, ok := hist.Previous(PivotLow); ok && confirm >= warm {
					if m, found := e.compare(s.Name, ev, prev, confirm); found {
						marks = append(marks, m)
					}
				}
			}
			hist.Record(ev)
		}
		if isPivot(s.Values, idx, cfg.PivotLeft, cfg.PivotRight, true) {
			ev := PivotEvent{BarIndex: idx, Kind: PivotHigh, Value: s.Values[idx], Price: highs[idx]}
			if isPivot(highs, idx, cfg.PivotLeft, cfg.PivotRight, true) {
				if prev, ok := hist.Previous(PivotHigh); ok && confirm >= warm {
					if m, found := e.compare(s.Name, ev, prev, confirm); found {
						marks = append(marks, m)
					}
				}
			}
			hist.Record(ev)
		}
	}
	return marks
}

func (e *Engine) compare(name string, cur, prev PivotEvent, confirm int) (Mark, bool) {
	dist := cur.BarIndex - prev.BarIndex
	if dist < e.cfg.RangeLower || dist > e.cfg.RangeUpper {
		return Mark{}, false
	}
	t := classify(cur.Kind, cur.Price, prev.Price, cur.Value, prev.Value)
	if t == "" {
		return Mark{}, false
	}
	return Mark{
		Oscillator: name,
		Type:       t,
		PivotBar:   cur.BarIndex,
		ConfirmBar: confirm,
		Distance:   dist,
		Price:      cur.Price,
		PrevPrice:  prev.Price,
		Value:      cur.Value,
		PrevValue:  prev.Value,
	}, true
}

func (e *Engine) tally(marks []Mark) []Tally {
	type key struct {
		bar int
		t   Type
	}
	index := make(map[key]int)
	tallies := make([]Tally, 0)
	for _, m := range marks {
		k := key{m.ConfirmBar, m.Type}
		if i, ok := index[k]; ok {
			tallies[i].Count++
			tallies[i].Oscillators = append(tallies[i].Oscillators, m.Oscillator)
			continue
		}
		index[k] = len(tallies)
		tallies = append(tallies, Tally{
			Bar:         m.ConfirmBar,
			Type:        m.Type,
			Count:       1,
			Oscillators: []string{m.Oscillator},
		})
	}
	return tallies
}

func (e *Engine) emit(tallies []Tally, candles []market.Candle) []Event {
	events := make([]Event, 0)
	for _, tl := range tallies {
		if tl.Count < e.cfg.MinCount || !e.enabled(tl.Type) {
			continue
		}
		position, shape, color := styleFor(tl.Type)
		events = append(events, Event{
			Bar:      tl.Bar,
			Time:     candles[tl.Bar].CloseTime,
			Type:     tl.Type,
			Count:    tl.Count,
			Position: position,
			Shape:    shape,
			Color:    color,
			Text:     strconv.Itoa(tl.Count),
		})
	}
	return events
}

func (e *Engine) enabled(t Type) bool {
	switch t {
	case PositiveRegular:
		return e.cfg.PositiveRegular
	case PositiveHidden:
		return e.cfg.PositiveHidden
	case NegativeRegular:
		return e.cfg.NegativeRegular
	case NegativeHidden:
		return e.cfg.NegativeHidden
	}
	return false
}

func styleFor(t Type) (position, shape, color string) {
	switch t {
	case PositiveRegular:
		return PositionBelowBar, ShapeTriangleUp, "#26a69a"
	case PositiveHidden:
		return PositionBelowBar, ShapeTriangleUp, "#80cbc4"
	case NegativeRegular:
		return PositionAboveBar, ShapeTriangleDown, "#ef5350"
	case NegativeHidden:
		return PositionAboveBar, ShapeTriangleDown, "#ef9a9a"
	}
	return "", "", ""
}
