package binance

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// TopSymbols 按 24 小时计价量从高到低返回前 n 个 USDT 交易对。
// 用于构建动态扫描清单。
func (s *Source) TopSymbols(ctx context.Context, n int) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("binance source not initialized")
	}
	if n <= 0 {
		n = 30
	}
	stats, err := s.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, err
	}
	type ranked struct {
		symbol string
		volume float64
	}
	list := make([]ranked, 0, len(stats))
	for _, st := range stats {
		if st == nil {
			continue
		}
		sym := strings.ToUpper(strings.TrimSpace(st.Symbol))
		if !strings.HasSuffix(sym, "USDT") {
			continue
		}
		list = append(list, ranked{symbol: sym, volume: parseFloat(st.QuoteVolume)})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].volume > list[j].volume })
	if n > len(list) {
		n = len(list)
	}
	out := make([]string, 0, n)
	for _, r := range list[:n] {
		out = append(out, r.symbol)
	}
	return out, nil
}
