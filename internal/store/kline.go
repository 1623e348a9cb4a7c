package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"divscan/internal/market"
)

// 内存缓存默认保留的最大根数，与交易所单次拉取上限保持一致。
const defaultMaxBars = 1500

// KlineStore 抽象：按 symbol+interval 读写 K 线序列。
type KlineStore interface {
	Put(ctx context.Context, symbol, interval string, ks []market.Candle, max int) error
	Get(ctx context.Context, symbol, interval string) ([]market.Candle, error)
}

// SnapshotExporter 导出固定窗口 K 线的抽象。
type SnapshotExporter interface {
	Export(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
}

// MemoryKlineStore 内存实现，批量扫描的默认缓存。
type MemoryKlineStore struct {
	mu   sync.RWMutex
	data map[string][]market.Candle
}

func NewMemoryKlineStore() *MemoryKlineStore {
	return &MemoryKlineStore{data: make(map[string][]market.Candle)}
}

func key(symbol, interval string) string { return symbol + "@" + interval }

// Put 按开盘时间合并写入并裁剪到 max 根。
// 回补批次之间可能重叠，重复的开盘时间以新数据覆盖，结果始终升序。
func (s *MemoryKlineStore) Put(ctx context.Context, symbol, interval string, ks []market.Candle, max int) error {
	if symbol == "" || interval == "" {
		return errors.New("symbol/interval 不能为空")
	}
	if len(ks) == 0 {
		return nil
	}
	if max <= 0 {
		max = defaultMaxBars
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(symbol, interval)
	merged := mergeCandles(s.data[k], ks)
	if len(merged) > max {
		merged = merged[len(merged)-max:]
	}
	s.data[k] = merged
	return nil
}

// Set 全量替换指定 symbol+interval 的序列。
func (s *MemoryKlineStore) Set(ctx context.Context, symbol, interval string, ks []market.Candle) error {
	if symbol == "" || interval == "" {
		return errors.New("symbol/interval 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dst := make([]market.Candle, len(ks))
	copy(dst, ks)
	s.data[key(symbol, interval)] = dst
	return nil
}

// Get 返回拷贝。
func (s *MemoryKlineStore) Get(ctx context.Context, symbol, interval string) ([]market.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.data[key(symbol, interval)]
	out := make([]market.Candle, len(cur))
	copy(out, cur)
	return out, nil
}

// Export 返回最近 limit 根 K 线（按时间升序）。
func (s *MemoryKlineStore) Export(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if symbol == "" || interval == "" {
		return nil, errors.New("symbol/interval 不能为空")
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.data[key(symbol, interval)]
	if len(cur) == 0 {
		return nil, nil
	}
	if limit > len(cur) {
		limit = len(cur)
	}
	out := make([]market.Candle, limit)
	copy(out, cur[len(cur)-limit:])
	return out, nil
}

func mergeCandles(cur, incoming []market.Candle) []market.Candle {
	byOpen := make(map[int64]market.Candle, len(cur)+len(incoming))
	for _, c := range cur {
		byOpen[c.OpenTime] = c
	}
	for _, c := range incoming {
		byOpen[c.OpenTime] = c
	}
	out := make([]market.Candle, 0, len(byOpen))
	for _, c := range byOpen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out
}
