package oscillator

import "math"

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func stochFastK(closes, highs, lows []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if period <= 1 || len(closes) == 0 {
		return out
	}
	for i := range closes {
		if i < period-1 {
			out[i] = math.NaN()
			continue
		}
		lo := lows[i]
		hi := highs[i]
		for j := i - period + 1; j <= i; j++ {
			if lows[j] < lo {
				lo = lows[j]
			}
			if highs[j] > hi {
				hi = highs[j]
			}
		}
		if hi-lo == 0 {
			out[i] = 0
			continue
		}
		out[i] = (closes[i] - lo) / (hi - lo) * 100.0
	}
	return out
}

func smaSeries(series []float64, period int) []float64 {
	out := make([]float64, len(series))
	if period <= 1 || len(series) == 0 {
		copy(out, series)
		return out
	}
	for i := range series {
		if i < period-1 {
			out[i] = math.NaN()
			continue
		}
		sum := 0.0
		valid := true
		for j := i - period + 1; j <= i; j++ {
			if !isFinite(series[j]) {
				valid = false
				break
			}
			sum += series[j]
		}
		if !valid {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(period)
	}
	return out
}

func vwmaSeries(closes, volumes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if period <= 1 || len(closes) == 0 {
		return out
	}
	for i := range closes {
		if i < period-1 {
			out[i] = math.NaN()
			continue
		}
		sumPV := 0.0
		sumV := 0.0
		valid := true
		for j := i - period + 1; j <= i; j++ {
			if !isFinite(closes[j]) || !isFinite(volumes[j]) {
				valid = false
				break
			}
			sumPV += closes[j] * volumes[j]
			sumV += volumes[j]
		}
		if !valid || sumV == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sumPV / sumV
	}
	return out
}

func diffSeries(a, b []float64) []float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		if !isFinite(a[i]) || !isFinite(b[i]) {
			out[i] = math.NaN()
			continue
		}
		out[i] = a[i] - b[i]
	}
	return out
}

func cmfSeries(highs, lows, closes, volumes []float64, period int) []float64 {
	n := len(closes)
	out := make([]float64, n)
	if n == 0 || period <= 1 {
		return out
	}
	mfv := make([]float64, n)
	for i := range closes {
		hl := highs[i] - lows[i]
		if hl == 0 {
			mfv[i] = 0
			continue
		}
		cmfm := ((closes[i] - lows[i]) - (highs[i] - closes[i])) / hl
		mfv[i] = cmfm * volumes[i]
	}
	mfvSma := smaSeries(mfv, period)
	volSma := smaSeries(volumes, period)
	for i := range out {
		if !isFinite(mfvSma[i]) || !isFinite(volSma[i]) || volSma[i] == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = mfvSma[i] / volSma[i]
	}
	return out
}

func almaSeries(values []float64, length int, offset, sigma float64) []float64 {
	out := make([]float64, len(values))
	if length <= 0 || len(values) == 0 {
		return out
	}
	m := offset * float64(length-1)
	s := float64(length) / sigma
	denom := 2 * s * s
	for i := range values {
		if i+1 < length {
			out[i] = 0
			continue
		}
		sum := 0.0
		wSum := 0.0
		for j := 0; j < length; j++ {
			idx := i - length + 1 + j
			w := math.Exp(-((float64(j) - m) * (float64(j) - m)) / denom)
			sum += w * values[idx]
			wSum += w
		}
		if wSum == 0 {
			out[i] = 0
		} else {
			out[i] = sum / wSum
		}
	}
	return out
}

func maxInt(values ...int) int {
	if len(values) == 0 {
		return 0
	}
	maxVal := values[0]
	for _, v := range values[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	return maxVal
}
