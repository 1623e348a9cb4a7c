package oscillator

import (
	"math"

	talib "github.com/markcheno/go-talib"

	"divscan/internal/market"
)

const (
	wtmfiChannelLen = 10
	wtmfiAvgLen     = 8
	wtmfiSmoothLen  = 5
	wtmfiMFILen     = 10
	wtmfiWeight     = 0.3
	wtmfiMFIScale   = 1.5

	wtmfiPostMult     = 1.2
	wtmfiPostOscMax   = 60.0
	wtmfiPostOscMin   = -60.0
	wtmfiPostStepSize = 6.6
)

// WTMFISettings tunes the wave-trend / money-flow hybrid. Zero fields
// fall back to the stock parameters.
type WTMFISettings struct {
	ChannelLen int
	AvgLen     int
	SmoothLen  int
	MFILen     int
	WTWeight   float64
	MFIScale   float64
}

func (s WTMFISettings) normalized() WTMFISettings {
	if s.ChannelLen <= 0 {
		s.ChannelLen = wtmfiChannelLen
	}
	if s.AvgLen <= 0 {
		s.AvgLen = wtmfiAvgLen
	}
	if s.SmoothLen <= 0 {
		s.SmoothLen = wtmfiSmoothLen
	}
	if s.MFILen <= 0 {
		s.MFILen = wtmfiMFILen
	}
	if s.WTWeight <= 0 {
		s.WTWeight = wtmfiWeight
	}
	if s.MFIScale <= 0 {
		s.MFIScale = wtmfiMFIScale
	}
	return s
}

func (s WTMFISettings) warmup() int {
	return maxInt(s.ChannelLen, s.AvgLen, s.SmoothLen, s.MFILen) + s.SmoothLen
}

// WTMFISeries blends a wave-trend channel with scaled money flow into a
// single zero-centered series, then smooths, clamps and quantizes it.
func WTMFISeries(candles []market.Candle, settings WTMFISettings) Series {
	settings = settings.normalized()
	closes, highs, lows, volumes := market.ExtractSeries(candles)
	hybrid := wtmfiHybrid(highs, lows, closes, volumes, settings)
	values := wtmfiPostProcess(hybrid, settings.SmoothLen)
	return newSeries("wtmfi", values, settings.warmup())
}

func wtmfiHybrid(highs, lows, closes, volumes []float64, settings WTMFISettings) []float64 {
	n := len(closes)
	if n == 0 {
		return nil
	}
	src := make([]float64, n)
	for i := range closes {
		src[i] = (highs[i] + lows[i] + closes[i]) / 3
	}

	esa := talib.Ema(src, settings.ChannelLen)
	absDiff := make([]float64, n)
	for i := range src {
		absDiff[i] = math.Abs(src[i] - esa[i])
	}
	d := talib.Ema(absDiff, settings.ChannelLen)
	ci := make([]float64, n)
	for i := range src {
		denom := 0.015 * d[i]
		if denom == 0 {
			ci[i] = 0
			continue
		}
		ci[i] = (src[i] - esa[i]) / denom
	}
	wt := almaSeries(talib.Ema(ci, settings.AvgLen), settings.SmoothLen, 0.85, 6)
	mfi := talib.Mfi(highs, lows, closes, volumes, settings.MFILen)

	hybrid := make([]float64, n)
	for i := range hybrid {
		mfiVal := (mfi[i] - 50) * settings.MFIScale
		hybrid[i] = settings.WTWeight*wt[i] + (1-settings.WTWeight)*mfiVal
	}
	return hybrid
}

func wtmfiPostProcess(series []float64, smoothLen int) []float64 {
	if len(series) == 0 {
		return nil
	}
	scaled := make([]float64, len(series))
	for i, v := range series {
		if !isFinite(v) {
			scaled[i] = math.NaN()
			continue
		}
		scaled[i] = v * wtmfiPostMult
	}
	smoothed := almaSeries(scaled, smoothLen, 0.85, 6)
	out := make([]float64, len(series))
	for i, v := range smoothed {
		if i < smoothLen-1 || !isFinite(v) || !isFinite(scaled[i]) {
			out[i] = math.NaN()
			continue
		}
		val := clamp(v, wtmfiPostOscMin, wtmfiPostOscMax)
		val = quantizeStep(val, wtmfiPostStepSize)
		out[i] = clamp(val, wtmfiPostOscMin, wtmfiPostOscMax)
	}
	return out
}

func clamp(val, minVal, maxVal float64) float64 {
	if val < minVal {
		return minVal
	}
	if val > maxVal {
		return maxVal
	}
	return val
}

func quantizeStep(val, step float64) float64 {
	if step <= 0 {
		return val
	}
	steps := math.Round(math.Abs(val) / step)
	quantized := steps * step
	if val < 0 {
		return -quantized
	}
	return quantized
}
