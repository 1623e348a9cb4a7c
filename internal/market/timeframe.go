package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IntervalDuration 将 Binance 风格的周期字符串（1m/15m/1h/4h/1d/1w）转为时长。
// 月线（1M）不做换算，视为无法识别；其余无法识别的周期同样返回错误。
func IntervalDuration(interval string) (time.Duration, error) {
	iv := strings.TrimSpace(interval)
	if len(iv) < 2 {
		return 0, fmt.Errorf("无法识别的周期: %q", interval)
	}
	unit := iv[len(iv)-1]
	num, err := strconv.Atoi(iv[:len(iv)-1])
	if err != nil || num <= 0 {
		return 0, fmt.Errorf("无法识别的周期: %q", interval)
	}
	switch unit {
	case 'm':
		return time.Duration(num) * time.Minute, nil
	case 'h':
		return time.Duration(num) * time.Hour, nil
	case 'd':
		return time.Duration(num) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(num) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("无法识别的周期: %q", interval)
	}
}

// IntervalMillis 返回周期对应的毫秒数，便于和 K 线时间戳对齐。
func IntervalMillis(interval string) (int64, error) {
	d, err := IntervalDuration(interval)
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}

// AlignDown 将毫秒时间戳向下对齐到周期边界。
func AlignDown(ts, intervalMs int64) int64 {
	if intervalMs <= 0 {
		return ts
	}
	return ts - ts%intervalMs
}

// ExpectedBars 估算 [start, end] 区间内应有的 K 线数量（按开盘时间对齐后计）。
func ExpectedBars(start, end, intervalMs int64) int {
	if intervalMs <= 0 || end < start {
		return 0
	}
	return int((AlignDown(end, intervalMs)-AlignDown(start, intervalMs))/intervalMs) + 1
}
