package divergence

import (
	"math"
	"reflect"
	"testing"

	"divscan/internal/market"
)

// testCandles builds a bar batch whose lows and highs rise strictly, so
// no price pivot exists until a test dips a low or spikes a high.
func testCandles(n int) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		low := 1000.0 + float64(i)
		high := 2000.0 + float64(i)
		out[i] = market.Candle{
			OpenTime:  int64(i) * 60_000,
			CloseTime: int64(i)*60_000 + 59_999,
			Open:      low + 10,
			High:      high,
			Low:       low,
			Close:     low + 20,
			Volume:    1,
			Trades:    1,
		}
	}
	return out
}

func flatSeries(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func allEnabled(cfg Config) Config {
	cfg.PositiveRegular = true
	cfg.PositiveHidden = true
	cfg.NegativeRegular = true
	cfg.NegativeHidden = true
	return cfg
}

func scenarioConfig() Config {
	return allEnabled(Config{
		PivotLeft:  3,
		PivotRight: 1,
		RangeLower: 1,
		RangeUpper: 60,
		MinCount:   2,
	})
}

func mustEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func TestScanConcreteScenario(t *testing.T) {
	candles := testCandles(22)
	candles[10].Low = 100
	candles[20].Low = 90

	oscA := flatSeries(22, 50)
	oscA[10], oscA[20] = 20, 30
	oscB := flatSeries(22, 50)
	oscB[10], oscB[20] = 20, 30

	eng := mustEngine(t, scenarioConfig())
	res, err := eng.Scan(candles, []Series{
		{Name: "osc_a", Values: oscA},
		{Name: "osc_b", Values: oscB},
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(res.Events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d: %+v", len(res.Events), res.Events)
	}
	ev := res.Events[0]
	if ev.Bar != 21 || ev.Type != PositiveRegular || ev.Count != 2 {
		t.Fatalf("event=%+v want bar=21 type=%s count=2", ev, PositiveRegular)
	}
	if ev.Text != "2" || ev.Position != "below_bar" || ev.Shape != "triangle_up" {
		t.Fatalf("event presentation wrong: %+v", ev)
	}
	if ev.Time != candles[21].CloseTime {
		t.Fatalf("event time=%d want close time of bar 21 (%d)", ev.Time, candles[21].CloseTime)
	}

	if len(res.Marks) != 2 {
		t.Fatalf("expected 2 marks, got %d", len(res.Marks))
	}
	for _, m := range res.Marks {
		if m.PivotBar != 20 || m.ConfirmBar != 21 || m.Distance != 10 {
			t.Fatalf("mark anchoring wrong: %+v", m)
		}
		if m.Price != 90 || m.PrevPrice != 100 || m.Value != 30 || m.PrevValue != 20 {
			t.Fatalf("mark values wrong: %+v", m)
		}
	}
	if len(res.Tallies) != 1 || res.Tallies[0].Count != 2 {
		t.Fatalf("tallies wrong: %+v", res.Tallies)
	}
	wantOsc := []string{"osc_a", "osc_b"}
	if !reflect.DeepEqual(res.Tallies[0].Oscillators, wantOsc) {
		t.Fatalf("tally oscillators=%v want %v", res.Tallies[0].Oscillators, wantOsc)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	bad := []Config{
		{PivotLeft: 0, PivotRight: 1, RangeLower: 1, RangeUpper: 60, MinCount: 1},
		{PivotLeft: 1, PivotRight: 0, RangeLower: 1, RangeUpper: 60, MinCount: 1},
		{PivotLeft: 1, PivotRight: 1, RangeLower: 0, RangeUpper: 60, MinCount: 1},
		{PivotLeft: 1, PivotRight: 1, RangeLower: 10, RangeUpper: 9, MinCount: 1},
		{PivotLeft: 1, PivotRight: 1, RangeLower: 1, RangeUpper: 60, MinCount: 0},
		{PivotLeft: 1, PivotRight: 1, RangeLower: 1, RangeUpper: 60, MinCount: 1, WarmupBars: -1},
	}
	for i, cfg := range bad {
		if _, err := New(cfg); err == nil {
			t.Fatalf("case %d: invalid config accepted: %+v", i, cfg)
		}
	}
	if _, err := New(Default()); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
}

func TestScanInputContract(t *testing.T) {
	eng := mustEngine(t, scenarioConfig())
	series := []Series{{Name: "osc", Values: flatSeries(10, 50)}}

	if _, err := eng.Scan(nil, series); err == nil {
		t.Fatalf("empty candles accepted")
	}

	candles := testCandles(10)
	candles[5].OpenTime = candles[4].OpenTime
	if _, err := eng.Scan(candles, series); err == nil {
		t.Fatalf("non-increasing open times accepted")
	}

	candles = testCandles(10)
	short := []Series{{Name: "osc", Values: flatSeries(9, 50)}}
	if _, err := eng.Scan(candles, short); err == nil {
		t.Fatalf("length mismatch accepted")
	}

	if _, err := eng.Scan(candles, nil); err == nil {
		t.Fatalf("empty series list accepted")
	}
}

func TestScanAllNaNSeriesIsQuiet(t *testing.T) {
	candles := testCandles(30)
	candles[10].Low = 100
	candles[20].Low = 90
	values := make([]float64, 30)
	for i := range values {
		values[i] = math.NaN()
	}
	eng := mustEngine(t, allEnabled(scenarioConfig()))
	res, err := eng.Scan(candles, []Series{{Name: "osc", Values: values}})
	if err != nil {
		t.Fatalf("NaN series must not error: %v", err)
	}
	if len(res.Marks) != 0 || len(res.Events) != 0 {
		t.Fatalf("NaN series produced output: %+v", res)
	}
}

func TestScanRangeGate(t *testing.T) {
	candles := testCandles(22)
	candles[10].Low = 100
	candles[20].Low = 90
	osc := flatSeries(22, 50)
	osc[10], osc[20] = 20, 30
	series := []Series{{Name: "osc", Values: osc}}

	cases := []struct {
		lower, upper int
		wantEvents   int
	}{
		{1, 60, 1},
		{10, 10, 1}, // both bounds inclusive
		{11, 60, 0}, // distance below lower bound
		{1, 9, 0},   // distance above upper bound
	}
	for _, tc := range cases {
		cfg := scenarioConfig()
		cfg.MinCount = 1
		cfg.RangeLower = tc.lower
		cfg.RangeUpper = tc.upper
		res, err := mustEngine(t, cfg).Scan(candles, series)
		if err != nil {
			t.Fatalf("range [%d,%d]: %v", tc.lower, tc.upper, err)
		}
		if len(res.Events) != tc.wantEvents {
			t.Fatalf("range [%d,%d]: events=%d want %d", tc.lower, tc.upper, len(res.Events), tc.wantEvents)
		}
	}
}

func TestScanMinCountGate(t *testing.T) {
	candles := testCandles(22)
	candles[10].Low = 100
	candles[20].Low = 90
	osc := flatSeries(22, 50)
	osc[10], osc[20] = 20, 30

	eng := mustEngine(t, scenarioConfig()) // MinCount: 2
	res, err := eng.Scan(candles, []Series{{Name: "osc", Values: osc}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Events) != 0 {
		t.Fatalf("single agreeing oscillator must not reach min count 2: %+v", res.Events)
	}
	// Counting itself is unaffected by the threshold.
	if len(res.Tallies) != 1 || res.Tallies[0].Count != 1 {
		t.Fatalf("tally should record the lone mark: %+v", res.Tallies)
	}
}

func TestScanEnableFlagsGateEmissionOnly(t *testing.T) {
	candles := testCandles(22)
	candles[10].Low = 100
	candles[20].Low = 90
	osc := flatSeries(22, 50)
	osc[10], osc[20] = 20, 30

	cfg := scenarioConfig()
	cfg.MinCount = 1
	cfg.PositiveRegular = false
	res, err := mustEngine(t, cfg).Scan(candles, []Series{{Name: "osc", Values: osc}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Events) != 0 {
		t.Fatalf("disabled type emitted: %+v", res.Events)
	}
	if len(res.Tallies) != 1 {
		t.Fatalf("disabled type must still be counted: %+v", res.Tallies)
	}
}

func TestScanWarmupBoundary(t *testing.T) {
	candles := testCandles(22)
	candles[10].Low = 100
	candles[20].Low = 90
	osc := flatSeries(22, 50)
	osc[10], osc[20] = 20, 30

	cfg := scenarioConfig()
	cfg.MinCount = 1

	cfg.WarmupBars = 22
	res, err := mustEngine(t, cfg).Scan(candles, []Series{{Name: "osc", Values: osc}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Marks) != 0 || len(res.Events) != 0 {
		t.Fatalf("confirmation inside warmup must not count: %+v", res)
	}

	// The confirmation bar equal to the threshold is the first counted bar.
	cfg.WarmupBars = 21
	res, err = mustEngine(t, cfg).Scan(candles, []Series{{Name: "osc", Values: osc}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("confirmation at warmup boundary must count: %+v", res.Events)
	}

	// A per-series warmup behaves the same as the config threshold.
	cfg.WarmupBars = 0
	res, err = mustEngine(t, cfg).Scan(candles, []Series{{Name: "osc", Values: osc, Warmup: 22}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Events) != 0 {
		t.Fatalf("series warmup ignored: %+v", res.Events)
	}
}

func TestScanHiddenBullish(t *testing.T) {
	candles := testCandles(22)
	candles[10].Low = 100
	candles[20].Low = 110 // higher price low
	osc := flatSeries(22, 50)
	osc[10], osc[20] = 30, 20 // lower oscillator low

	cfg := scenarioConfig()
	cfg.MinCount = 1
	res, err := mustEngine(t, cfg).Scan(candles, []Series{{Name: "osc", Values: osc}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].Type != PositiveHidden {
		t.Fatalf("expected one positive_hidden event, got %+v", res.Events)
	}
	if res.Events[0].Position != "below_bar" {
		t.Fatalf("hidden bullish must draw below the bar: %+v", res.Events[0])
	}
}

func TestScanBearishSide(t *testing.T) {
	candles := testCandles(22)
	candles[10].High = 3000
	candles[20].High = 3100 // higher price high
	osc := flatSeries(22, 50)
	osc[10], osc[20] = 80, 60 // lower oscillator high

	cfg := scenarioConfig()
	cfg.MinCount = 1
	res, err := mustEngine(t, cfg).Scan(candles, []Series{{Name: "osc", Values: osc}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].Type != NegativeRegular {
		t.Fatalf("expected one negative_regular event, got %+v", res.Events)
	}
	ev := res.Events[0]
	if ev.Position != "above_bar" || ev.Shape != "triangle_down" {
		t.Fatalf("bearish presentation wrong: %+v", ev)
	}
}

func TestScanRecordsPivotWithoutPricePivot(t *testing.T) {
	// The oscillator pivots at bar 10 without a price pivot there: nothing
	// classifies, but the pivot still enters history and anchors the next
	// comparison.
	candles := testCandles(22)
	candles[20].Low = 90
	osc := flatSeries(22, 50)
	osc[10], osc[20] = 20, 30

	cfg := scenarioConfig()
	cfg.MinCount = 1
	res, err := mustEngine(t, cfg).Scan(candles, []Series{{Name: "osc", Values: osc}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Marks) != 1 {
		t.Fatalf("expected 1 mark, got %+v", res.Marks)
	}
	m := res.Marks[0]
	if m.Distance != 10 || m.PrevValue != 20 {
		t.Fatalf("comparison must anchor on the recorded bar-10 pivot: %+v", m)
	}
	if m.PrevPrice != candles[10].Low {
		t.Fatalf("previous price must be the low at the recorded pivot bar: %+v", m)
	}
}

func TestScanPrefixStability(t *testing.T) {
	// Appending bars never changes signals that were already confirmed.
	candles := testCandles(60)
	candles[10].Low = 100
	candles[20].Low = 90
	candles[30].Low = 80
	candles[40].Low = 70
	osc := flatSeries(60, 50)
	osc[10], osc[20], osc[30], osc[40] = 20, 30, 35, 40

	cfg := scenarioConfig()
	cfg.MinCount = 1
	eng := mustEngine(t, cfg)

	full, err := eng.Scan(candles, []Series{{Name: "osc", Values: osc}})
	if err != nil {
		t.Fatalf("Scan full: %v", err)
	}
	for _, cut := range []int{22, 32, 45} {
		prefix, err := eng.Scan(candles[:cut], []Series{{Name: "osc", Values: osc[:cut]}})
		if err != nil {
			t.Fatalf("Scan prefix %d: %v", cut, err)
		}
		confirmed := make([]Event, 0)
		for _, ev := range full.Events {
			if ev.Bar < cut {
				confirmed = append(confirmed, ev)
			}
		}
		if !reflect.DeepEqual(prefix.Events, confirmed) {
			t.Fatalf("prefix %d repainted: prefix=%+v full=%+v", cut, prefix.Events, confirmed)
		}
	}
}

func TestScanParallelMatchesSequential(t *testing.T) {
	n := 400
	candles := testCandles(n)
	for i := 15; i < n-5; i += 17 {
		candles[i].Low = 500 - float64(i%7)*10
	}
	for i := 23; i < n-5; i += 29 {
		candles[i].High = 5000 + float64(i%5)*10
	}

	series := make([]Series, 0, 8)
	for s := 0; s < 8; s++ {
		values := flatSeries(n, 50)
		for i := 15; i < n-5; i += 17 {
			values[i] = 10 + float64((i+s*3)%13)
		}
		for i := 23; i < n-5; i += 29 {
			values[i] = 90 - float64((i+s*5)%11)
		}
		series = append(series, Series{Name: "osc_" + string(rune('a'+s)), Values: values, Warmup: 10})
	}

	cfg := allEnabled(Config{PivotLeft: 4, PivotRight: 2, RangeLower: 2, RangeUpper: 80, MinCount: 2})
	seq := mustEngine(t, cfg)
	cfg.Parallel = true
	par := mustEngine(t, cfg)

	want, err := seq.Scan(candles, series)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	for run := 0; run < 5; run++ {
		got, err := par.Scan(candles, series)
		if err != nil {
			t.Fatalf("parallel run %d: %v", run, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("parallel run %d diverged from sequential result", run)
		}
	}
}

func TestScanDeterministic(t *testing.T) {
	candles := testCandles(22)
	candles[10].Low = 100
	candles[20].Low = 90
	osc := flatSeries(22, 50)
	osc[10], osc[20] = 20, 30
	series := []Series{{Name: "osc", Values: osc}}

	cfg := scenarioConfig()
	cfg.MinCount = 1
	eng := mustEngine(t, cfg)
	first, err := eng.Scan(candles, series)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	second, err := eng.Scan(candles, series)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("same input produced different results")
	}
}
