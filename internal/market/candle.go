package market

import (
	"errors"
	"fmt"
	"time"
)

// Candle 表示单根已收盘的 K 线，时间戳为 Unix 毫秒。
type Candle struct {
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Trades    int64
}

// OpenAt 返回开盘时间对应的 UTC 时刻。
func (c Candle) OpenAt() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

// ValidateBars 校验 K 线批量输入契约：非空且 OpenTime 严格递增。
// 违反契约视为调用方错误，立即返回而不做任何分析。
func ValidateBars(candles []Candle) error {
	if len(candles) == 0 {
		return errors.New("candles 不能为空")
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].OpenTime <= candles[i-1].OpenTime {
			return fmt.Errorf("candles OpenTime 必须严格递增: index %d (%d -> %d)",
				i, candles[i-1].OpenTime, candles[i].OpenTime)
		}
	}
	return nil
}

// ExtractSeries 拆出常用的价格与成交量序列，顺序与输入一致。
func ExtractSeries(candles []Candle) (closes, highs, lows, volumes []float64) {
	n := len(candles)
	if n == 0 {
		return nil, nil, nil, nil
	}
	closes = make([]float64, n)
	highs = make([]float64, n)
	lows = make([]float64, n)
	volumes = make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}
	return closes, highs, lows, volumes
}
