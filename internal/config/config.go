// Package config 负责加载主配置文件 (TOML)，应用环境变量覆盖并填充默认值。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"divscan/internal/analysis/divergence"
	"divscan/internal/analysis/oscillator"
	"divscan/internal/logger"
	"divscan/internal/market"
)

// Config 是进程级配置的根。字段按 TOML 小节组织，未出现在文件里的
// 字段由 applyDefaults 填充。
type Config struct {
	Binance  BinanceConfig  `toml:"binance"`
	Store    StoreConfig    `toml:"store"`
	Scan     ScanConfig     `toml:"scan"`
	Eval     EvalConfig     `toml:"eval"`
	HTTP     HTTPConfig     `toml:"http"`
	Telegram TelegramConfig `toml:"telegram"`
	Schedule ScheduleConfig `toml:"schedule"`
	Render   RenderConfig   `toml:"render"`
	Log      LogConfig      `toml:"log"`
}

type BinanceConfig struct {
	APIKey             string `toml:"api_key"`
	APISecret          string `toml:"api_secret"`
	RESTBaseURL        string `toml:"rest_base_url"`
	RateLimitPerMin    int    `toml:"rate_limit_per_min"`
	PageLimit          int    `toml:"page_limit"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`
}

// HTTPTimeout 返回请求超时时长。
func (c BinanceConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

type StoreConfig struct {
	SQLitePath string `toml:"sqlite_path"`
	MaxBars    int    `toml:"max_bars"`
}

type ScanConfig struct {
	Symbols     []string        `toml:"symbols"`
	Interval    string          `toml:"interval"`
	Bars        int             `toml:"bars"`
	Oscillators []string        `toml:"oscillators"`
	Concurrency int             `toml:"concurrency"`
	ProfileFile string          `toml:"profile_file"`
	TopVolume   TopVolumeConfig `toml:"top_volume"`
	Engine      EngineConfig    `toml:"engine"`
}

type TopVolumeConfig struct {
	Enabled        bool `toml:"enabled"`
	Count          int  `toml:"count"`
	RefreshSeconds int  `toml:"refresh_seconds"`
}

// EngineConfig 是检测参数在配置文件里的形态，types 用字符串列表而不是
// 四个布尔，方便在 TOML 里书写。
type EngineConfig struct {
	PivotLeft  int      `toml:"pivot_left"`
	PivotRight int      `toml:"pivot_right"`
	RangeLower int      `toml:"range_lower"`
	RangeUpper int      `toml:"range_upper"`
	MinCount   int      `toml:"min_count"`
	WarmupBars int      `toml:"warmup_bars"`
	Types      []string `toml:"types"`
	Parallel   bool     `toml:"parallel"`
}

// Divergence 把配置形态转换为引擎配置。types 为空时启用两种常规背离。
func (e EngineConfig) Divergence() (divergence.Config, error) {
	cfg := divergence.Config{
		PivotLeft:  e.PivotLeft,
		PivotRight: e.PivotRight,
		RangeLower: e.RangeLower,
		RangeUpper: e.RangeUpper,
		MinCount:   e.MinCount,
		WarmupBars: e.WarmupBars,
		Parallel:   e.Parallel,
	}
	if len(e.Types) == 0 {
		cfg.PositiveRegular = true
		cfg.NegativeRegular = true
		return cfg, nil
	}
	for _, raw := range e.Types {
		t, err := divergence.ParseType(raw)
		if err != nil {
			return divergence.Config{}, fmt.Errorf("scan.engine.types 含未知类型 %q", raw)
		}
		cfg.Enable(t)
	}
	return cfg, nil
}

type EvalConfig struct {
	ATRPeriod     int            `toml:"atr_period"`
	ATRMultiplier float64        `toml:"atr_multiplier"`
	DefaultWindow int            `toml:"default_window"`
	WindowBars    map[string]int `toml:"window_bars"`
}

type HTTPConfig struct {
	Addr string `toml:"addr"`
}

type TelegramConfig struct {
	BotToken         string `toml:"bot_token"`
	ChatID           int64  `toml:"chat_id"`
	MaxRetries       int    `toml:"max_retries"`
	RetryBaseSeconds int    `toml:"retry_base_seconds"`
}

// RetryBase 返回首次重试前的等待时长。
func (c TelegramConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

type ScheduleConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
}

type RenderConfig struct {
	OutputDir              string `toml:"output_dir"`
	MaxBars                int    `toml:"max_bars"`
	SnapshotEnabled        bool   `toml:"snapshot_enabled"`
	SnapshotTimeoutSeconds int    `toml:"snapshot_timeout_seconds"`
}

// SnapshotTimeout 返回截图超时时长。
func (c RenderConfig) SnapshotTimeout() time.Duration {
	return time.Duration(c.SnapshotTimeoutSeconds) * time.Second
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Load 读取配置文件并返回完整配置。文件不存在时按全默认值运行；
// .env 文件若存在会先被载入进程环境。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logger.Debugf("[config] 已载入 .env")
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if len(data) > 0 {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnv 用环境变量覆盖敏感字段与部署相关字段。
func (c *Config) applyEnv() {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		c.Binance.APISecret = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.ChatID = id
		} else {
			logger.Warnf("[config] TELEGRAM_CHAT_ID 无法解析: %q", v)
		}
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.Binance.RateLimitPerMin <= 0 {
		c.Binance.RateLimitPerMin = 1200
	}
	if c.Binance.PageLimit <= 0 {
		c.Binance.PageLimit = 1500
	}
	if c.Binance.HTTPTimeoutSeconds <= 0 {
		c.Binance.HTTPTimeoutSeconds = 15
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "data/divscan.db"
	}
	if c.Store.MaxBars <= 0 {
		c.Store.MaxBars = 1500
	}
	if c.Scan.Interval == "" {
		c.Scan.Interval = "15m"
	}
	if c.Scan.Bars <= 0 {
		c.Scan.Bars = 500
	}
	if len(c.Scan.Oscillators) == 0 {
		c.Scan.Oscillators = oscillator.DefaultNames()
	}
	if c.Scan.Concurrency <= 0 {
		c.Scan.Concurrency = 4
	}
	if c.Scan.ProfileFile == "" {
		c.Scan.ProfileFile = "data/profiles.yaml"
	}
	if c.Scan.TopVolume.Count <= 0 {
		c.Scan.TopVolume.Count = 30
	}
	if c.Scan.TopVolume.RefreshSeconds <= 0 {
		c.Scan.TopVolume.RefreshSeconds = 3600
	}
	def := divergence.Default()
	if c.Scan.Engine.PivotLeft <= 0 {
		c.Scan.Engine.PivotLeft = def.PivotLeft
	}
	if c.Scan.Engine.PivotRight <= 0 {
		c.Scan.Engine.PivotRight = def.PivotRight
	}
	if c.Scan.Engine.RangeLower <= 0 {
		c.Scan.Engine.RangeLower = def.RangeLower
	}
	if c.Scan.Engine.RangeUpper <= 0 {
		c.Scan.Engine.RangeUpper = def.RangeUpper
	}
	if c.Scan.Engine.MinCount <= 0 {
		c.Scan.Engine.MinCount = def.MinCount
	}
	if c.Eval.ATRPeriod <= 0 {
		c.Eval.ATRPeriod = 14
	}
	if c.Eval.ATRMultiplier <= 0 {
		c.Eval.ATRMultiplier = 1.5
	}
	if c.Eval.DefaultWindow <= 0 {
		c.Eval.DefaultWindow = 12
	}
	if len(c.Eval.WindowBars) == 0 {
		c.Eval.WindowBars = map[string]int{"15m": 20, "1h": 12, "4h": 8}
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Telegram.MaxRetries <= 0 {
		c.Telegram.MaxRetries = 2
	}
	if c.Telegram.RetryBaseSeconds <= 0 {
		c.Telegram.RetryBaseSeconds = 2
	}
	if c.Schedule.Cron == "" {
		c.Schedule.Cron = "0 */15 * * * *"
	}
	if c.Render.OutputDir == "" {
		c.Render.OutputDir = "data/charts"
	}
	if c.Render.MaxBars <= 0 {
		c.Render.MaxBars = 1500
	}
	if c.Render.SnapshotTimeoutSeconds <= 0 {
		c.Render.SnapshotTimeoutSeconds = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate 做跨字段校验，错误信息按 TOML 键路径提示。
func (c *Config) Validate() error {
	if _, err := market.IntervalDuration(c.Scan.Interval); err != nil {
		return fmt.Errorf("scan.interval 无法识别: %w", err)
	}
	known := make(map[string]bool, len(oscillator.Names()))
	for _, name := range oscillator.Names() {
		known[name] = true
	}
	for _, name := range c.Scan.Oscillators {
		if !known[strings.ToLower(strings.TrimSpace(name))] {
			return fmt.Errorf("scan.oscillators 含未知指标 %q", name)
		}
	}
	engCfg, err := c.Scan.Engine.Divergence()
	if err != nil {
		return err
	}
	if _, err := divergence.New(engCfg); err != nil {
		return fmt.Errorf("scan.engine 参数无效: %w", err)
	}
	for iv := range c.Eval.WindowBars {
		if _, err := market.IntervalDuration(iv); err != nil {
			return fmt.Errorf("eval.window_bars 周期 %q 无法识别: %w", iv, err)
		}
	}
	if c.Schedule.Enabled && strings.TrimSpace(c.Schedule.Cron) == "" {
		return fmt.Errorf("schedule.cron 不能为空")
	}
	return nil
}
