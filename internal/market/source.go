package market

import "context"

// Source 统一对接外部行情供应商。本系统只做批量扫描，
// 因此接口只覆盖历史拉取，不提供实时订阅。
type Source interface {
	// FetchHistory 拉取最近 limit 根已收盘 K 线并按时间升序返回。
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	// FetchHistoryRange 拉取开盘时间落在 [start, end]（毫秒）内的 K 线，
	// 单次最多 limit 根，按时间升序返回；用于分页补齐历史。
	FetchHistoryRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]Candle, error)
	// Close 释放底层资源。
	Close() error
}
