package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"divscan/internal/logger"
	"divscan/internal/market"
)

const maxHistoryLimit = 1500

// Source 基于官方合约客户端实现 market.Source。
type Source struct {
	cfg    Config
	client *futures.Client
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.HTTPClient.Timeout = final.HTTPTimeout
	if final.RESTBaseURL != "" {
		client.BaseURL = final.RESTBaseURL
	}
	return &Source{cfg: final, client: client}, nil
}

// FetchHistory 拉取最近 limit 根 K 线（升序），limit 超出交易所上限时截断。
func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("binance source not initialized")
	}
	symbol, interval, err := normalizeRequest(symbol, interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	logger.Debugf("[binance] klines %s %s limit=%d", symbol, interval, limit)
	raw, err := s.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	return convertKlines(raw), nil
}

// FetchHistoryRange 分页拉取 [start, end] 区间内的 K 线（升序）。
// limit<=0 表示拉满整个区间，分页之间按 RateLimitPerMin 主动限速。
func (s *Source) FetchHistoryRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]market.Candle, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("binance source not initialized")
	}
	symbol, interval, err := normalizeRequest(symbol, interval)
	if err != nil {
		return nil, err
	}
	if start <= 0 || end <= 0 || end < start {
		return nil, fmt.Errorf("invalid time range [%d, %d]", start, end)
	}
	page := s.cfg.PageLimit
	var out []market.Candle
	cursor := start
	for {
		logger.Debugf("[binance] klines %s %s cursor=%d end=%d", symbol, interval, cursor, end)
		raw, err := s.client.NewKlinesService().
			Symbol(symbol).Interval(interval).
			StartTime(cursor).EndTime(end).Limit(page).
			Do(ctx)
		if err != nil {
			return nil, err
		}
		batch := convertKlines(raw)
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
		if limit > 0 && len(out) >= limit {
			out = out[:limit]
			break
		}
		cursor = batch[len(batch)-1].OpenTime + 1
		if cursor > end || len(batch) < page {
			break
		}
		if err := s.pause(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Close 实现 market.Source；REST 客户端没有需要释放的长连接。
func (s *Source) Close() error { return nil }

// pause 在分页之间按额定速率等待，ctx 取消时立即返回。
func (s *Source) pause(ctx context.Context) error {
	if s.cfg.RateLimitPerMin <= 0 {
		return nil
	}
	t := time.NewTimer(time.Minute / time.Duration(s.cfg.RateLimitPerMin))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func normalizeRequest(symbol, interval string) (string, string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", "", fmt.Errorf("symbol is required")
	}
	interval = strings.TrimSpace(interval)
	if interval == "" {
		return "", "", fmt.Errorf("interval is required")
	}
	return symbol, interval, nil
}

func convertKlines(raw []*futures.Kline) []market.Candle {
	out := make([]market.Candle, 0, len(raw))
	for _, k := range raw {
		if k == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  k.OpenTime,
			CloseTime: k.CloseTime,
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			Trades:    k.TradeNum,
		})
	}
	return out
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
