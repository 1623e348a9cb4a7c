package scan

import (
	"fmt"
	"math"

	"divscan/internal/analysis/divergence"
	"divscan/internal/analysis/oscillator"
	"divscan/internal/market"
)

// EvalConfig 控制信号验证：以确认价为基准，看价格在窗口期内是否到达
// ATR 倍数的目标价。窗口按周期区分，短周期给更多根K线。
type EvalConfig struct {
	ATRPeriod     int
	ATRMultiplier float64
	DefaultWindow int
	WindowBars    map[string]int
}

func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		ATRPeriod:     14,
		ATRMultiplier: 1.5,
		DefaultWindow: 12,
		WindowBars:    map[string]int{"15m": 20, "1h": 12, "4h": 8},
	}
}

func (c EvalConfig) window(interval string) int {
	if n, ok := c.WindowBars[interval]; ok && n > 0 {
		return n
	}
	if c.DefaultWindow > 0 {
		return c.DefaultWindow
	}
	return 12
}

// Outcome 是单个事件的验证结果。Resolved 为 false 表示窗口尚未走完
// 且目标未触达，这类事件不计入命中率。
type Outcome struct {
	Bar      int             `json:"bar"`
	Time     int64           `json:"time"`
	Type     divergence.Type `json:"type"`
	Price    float64         `json:"price"`
	Target   float64         `json:"target"`
	Extreme  float64         `json:"extreme"`
	Hit      bool            `json:"hit"`
	Resolved bool            `json:"resolved"`
	MovePct  float64         `json:"move_pct"`
}

// TypeStat 汇总一种类型的命中情况，HitRate 取百分数。
type TypeStat struct {
	Type     divergence.Type `json:"type"`
	Total    int             `json:"total"`
	Resolved int             `json:"resolved"`
	Hits     int             `json:"hits"`
	HitRate  float64         `json:"hit_rate"`
}

// Evaluation 是一次扫描全部事件的验证产出。
type Evaluation struct {
	Outcomes []Outcome  `json:"outcomes"`
	Stats    []TypeStat `json:"stats"`
}

// EvaluateEvents 对一批事件做逐个验证。candles 必须是产生这些事件的
// 同一批K线。ATR 尚未就绪的事件保留在结果里但视为未判定。
func EvaluateEvents(candles []market.Candle, events []divergence.Event, interval string, cfg EvalConfig) (Evaluation, error) {
	if len(events) == 0 {
		return Evaluation{}, nil
	}
	if cfg.ATRPeriod <= 0 || cfg.ATRMultiplier <= 0 {
		return Evaluation{}, fmt.Errorf("eval 参数无效: period=%d mult=%v", cfg.ATRPeriod, cfg.ATRMultiplier)
	}
	atr, err := oscillator.ATRSeries(candles, cfg.ATRPeriod)
	if err != nil {
		return Evaluation{}, err
	}

	window := cfg.window(interval)
	last := len(candles) - 1
	outcomes := make([]Outcome, 0, len(events))
	for _, ev := range events {
		if ev.Bar < 0 || ev.Bar > last {
			return Evaluation{}, fmt.Errorf("事件越界: bar=%d len=%d", ev.Bar, len(candles))
		}
		price := candles[ev.Bar].Close
		out := Outcome{Bar: ev.Bar, Time: ev.Time, Type: ev.Type, Price: price, Extreme: price}

		a := atr[ev.Bar]
		if math.IsNaN(a) {
			// ATR 预热未完成，无法定目标价。
			outcomes = append(outcomes, out)
			continue
		}

		bullish := ev.Type.Bullish()
		if bullish {
			out.Target = price + a*cfg.ATRMultiplier
		} else {
			out.Target = price - a*cfg.ATRMultiplier
		}

		end := ev.Bar + window
		if end > last {
			end = last
		}
		for i := ev.Bar + 1; i <= end; i++ {
			if bullish {
				if candles[i].High > out.Extreme {
					out.Extreme = candles[i].High
				}
				if out.Extreme >= out.Target {
					out.Hit = true
				}
			} else {
				if candles[i].Low < out.Extreme {
					out.Extreme = candles[i].Low
				}
				if out.Extreme <= out.Target {
					out.Hit = true
				}
			}
			if out.Hit {
				break
			}
		}

		// 命中即判定；未命中则要求窗口完整走完。
		out.Resolved = out.Hit || ev.Bar+window <= last
		if price != 0 {
			if bullish {
				out.MovePct = (out.Extreme - price) / price * 100
			} else {
				out.MovePct = (price - out.Extreme) / price * 100
			}
		}
		outcomes = append(outcomes, out)
	}

	return Evaluation{Outcomes: outcomes, Stats: statsFor(outcomes)}, nil
}

// AggregateStats 跨多个交易对合并验证结果，按类型重新汇总命中率。
func AggregateStats(results []SymbolResult) []TypeStat {
	var all []Outcome
	for _, res := range results {
		all = append(all, res.Outcomes...)
	}
	return statsFor(all)
}

func statsFor(outcomes []Outcome) []TypeStat {
	byType := make(map[divergence.Type]*TypeStat)
	for _, out := range outcomes {
		st, ok := byType[out.Type]
		if !ok {
			st = &TypeStat{Type: out.Type}
			byType[out.Type] = st
		}
		st.Total++
		if out.Resolved {
			st.Resolved++
			if out.Hit {
				st.Hits++
			}
		}
	}

	stats := make([]TypeStat, 0, len(byType))
	for _, t := range divergence.Types() {
		st, ok := byType[t]
		if !ok {
			continue
		}
		if st.Resolved > 0 {
			st.HitRate = float64(st.Hits) / float64(st.Resolved) * 100
		}
		stats = append(stats, *st)
	}
	return stats
}
