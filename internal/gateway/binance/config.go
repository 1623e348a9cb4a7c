package binance

import "time"

// Config 描述 Binance Source 运行所需的参数。
// 全部字段可留空，withDefaults 会补齐。
type Config struct {
	APIKey          string
	APISecret       string
	RESTBaseURL     string
	RateLimitPerMin int
	PageLimit       int
	HTTPTimeout     time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RateLimitPerMin <= 0 {
		out.RateLimitPerMin = 1200
	}
	if out.PageLimit <= 0 || out.PageLimit > maxHistoryLimit {
		out.PageLimit = maxHistoryLimit
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	return out
}
