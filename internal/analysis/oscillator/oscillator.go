// Package oscillator computes the derived momentum series the divergence
// engine consumes. Every series is aligned 1:1 with its source candles;
// warm-up regions are masked to NaN instead of the zero padding talib
// emits, so they can never form pivots downstream.
package oscillator

import (
	"fmt"
	"math"
	"strings"

	talib "github.com/markcheno/go-talib"

	"divscan/internal/market"
)

const (
	macdFastPeriod   = 12
	macdSlowPeriod   = 26
	macdSignalPeriod = 9
	rsiPeriod        = 14
	stochPeriod      = 14
	stochSmooth      = 3
	cciPeriod        = 10
	momPeriod        = 10
	vwmacdFastPeriod = 12
	vwmacdSlowPeriod = 26
	cmfPeriod        = 21
	mfiPeriod        = 14
	dmiPeriod        = 14
	atrPeriod        = 14
)

// Series is one computed oscillator. Warmup counts the leading bars whose
// values are masked to NaN.
type Series struct {
	Name   string
	Values []float64
	Warmup int
}

type builder struct {
	name string
	warm int
	fn   func(closes, highs, lows, volumes []float64) []float64
}

var builders = []builder{
	{"macd", macdSlowPeriod + macdSignalPeriod, func(closes, highs, lows, volumes []float64) []float64 {
		line, _, _ := talib.Macd(closes, macdFastPeriod, macdSlowPeriod, macdSignalPeriod)
		return line
	}},
	{"macd_hist", macdSlowPeriod + macdSignalPeriod, func(closes, highs, lows, volumes []float64) []float64 {
		_, _, hist := talib.Macd(closes, macdFastPeriod, macdSlowPeriod, macdSignalPeriod)
		return hist
	}},
	{"rsi", rsiPeriod, func(closes, highs, lows, volumes []float64) []float64 {
		return talib.Rsi(closes, rsiPeriod)
	}},
	{"stoch", stochPeriod + stochSmooth, func(closes, highs, lows, volumes []float64) []float64 {
		return smaSeries(stochFastK(closes, highs, lows, stochPeriod), stochSmooth)
	}},
	{"cci", cciPeriod, func(closes, highs, lows, volumes []float64) []float64 {
		return talib.Cci(highs, lows, closes, cciPeriod)
	}},
	{"mom", momPeriod, func(closes, highs, lows, volumes []float64) []float64 {
		return talib.Mom(closes, momPeriod)
	}},
	{"obv", 1, func(closes, highs, lows, volumes []float64) []float64 {
		return talib.Obv(closes, volumes)
	}},
	{"vwmacd", vwmacdSlowPeriod, func(closes, highs, lows, volumes []float64) []float64 {
		return diffSeries(vwmaSeries(closes, volumes, vwmacdFastPeriod), vwmaSeries(closes, volumes, vwmacdSlowPeriod))
	}},
	{"cmf", cmfPeriod, func(closes, highs, lows, volumes []float64) []float64 {
		return cmfSeries(highs, lows, closes, volumes, cmfPeriod)
	}},
	{"mfi", mfiPeriod + 1, func(closes, highs, lows, volumes []float64) []float64 {
		return talib.Mfi(highs, lows, closes, volumes, mfiPeriod)
	}},
	{"dmi", dmiPeriod + 1, func(closes, highs, lows, volumes []float64) []float64 {
		return diffSeries(talib.PlusDI(highs, lows, closes, dmiPeriod), talib.MinusDI(highs, lows, closes, dmiPeriod))
	}},
	{"wtmfi", 0, nil}, // warm-up depends on settings, handled in Compute
}

// Names returns every registered oscillator in canonical order.
func Names() []string {
	out := make([]string, 0, len(builders))
	for _, b := range builders {
		out = append(out, b.name)
	}
	return out
}

// DefaultNames is the stock scan set: every registered oscillator except
// the hybrid, which profiles opt into explicitly.
func DefaultNames() []string {
	out := make([]string, 0, len(builders)-1)
	for _, b := range builders {
		if b.name == "wtmfi" {
			continue
		}
		out = append(out, b.name)
	}
	return out
}

// Compute resolves each requested name against the registry and returns
// the series in request order. An empty name list means DefaultNames.
// Unknown names fail the whole call.
func Compute(candles []market.Candle, names []string) ([]Series, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("oscillator: no candles")
	}
	if len(names) == 0 {
		names = DefaultNames()
	}
	closes, highs, lows, volumes := market.ExtractSeries(candles)
	out := make([]Series, 0, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "wtmfi" {
			out = append(out, WTMFISeries(candles, WTMFISettings{}))
			continue
		}
		found := false
		for _, b := range builders {
			if b.name != name {
				continue
			}
			values := b.fn(closes, highs, lows, volumes)
			out = append(out, newSeries(name, values, b.warm))
			found = true
			break
		}
		if !found {
			return nil, fmt.Errorf("oscillator: unknown name %q", raw)
		}
	}
	return out, nil
}

// ATRSeries returns an average true range series aligned with the
// candles, for post-signal evaluation. period <= 0 selects the default.
func ATRSeries(candles []market.Candle, period int) ([]float64, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("oscillator: no candles")
	}
	if period <= 0 {
		period = atrPeriod
	}
	closes, highs, lows, _ := market.ExtractSeries(candles)
	values := talib.Atr(highs, lows, closes, period)
	return maskWarmup(values, period), nil
}

func newSeries(name string, values []float64, warmup int) Series {
	if warmup > len(values) {
		warmup = len(values)
	}
	return Series{Name: name, Values: maskWarmup(values, warmup), Warmup: warmup}
}

func maskWarmup(values []float64, warmup int) []float64 {
	for i := 0; i < warmup && i < len(values); i++ {
		values[i] = math.NaN()
	}
	return values
}
