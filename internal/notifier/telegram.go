// Package notifier 把扫描产出的信号推送到外部渠道，目前实现了 Telegram。
package notifier

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"divscan/internal/analysis/divergence"
	"divscan/internal/logger"
)

// Config 描述 Telegram 推送所需的全部配置。BotToken 或 ChatID 缺失时
// 推送被视为未启用。
type Config struct {
	BotToken    string
	ChatID      int64
	APIEndpoint string        // 留空使用官方 endpoint，测试时可指向本地服务
	MaxRetries  int           // 单条消息发送失败后的额外重试次数
	RetryBase   time.Duration // 首次重试前的等待，之后逐次翻倍
}

func (c Config) withDefaults() Config {
	if c.APIEndpoint == "" {
		c.APIEndpoint = tgbotapi.APIEndpoint
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	return c
}

// Signal 是推送给用户的单条信号视图，由调用方从扫描结果映射而来。
type Signal struct {
	Symbol   string
	Interval string
	Type     divergence.Type
	Count    int
	Price    float64
	Time     int64 // 确认K线收盘时间，毫秒
}

// Telegram 通过 bot API 推送消息。nil 接收者上的所有方法都是空操作，
// 因此未配置推送的调用方不需要做判空以外的任何处理。
type Telegram struct {
	cfg Config
	bot *tgbotapi.BotAPI
}

// New 根据配置创建 Telegram 通知器。未配置 token 或 chat id 时返回
// (nil, nil) 表示推送停用。
func New(cfg Config) (*Telegram, error) {
	if strings.TrimSpace(cfg.BotToken) == "" || cfg.ChatID == 0 {
		logger.Debugf("[notifier] telegram 未配置，推送停用")
		return nil, nil
	}
	cfg = cfg.withDefaults()
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.BotToken, cfg.APIEndpoint)
	if err != nil {
		return nil, fmt.Errorf("创建 telegram bot 失败: %w", err)
	}
	logger.Infof("[notifier] telegram 已连接: @%s", bot.Self.UserName)
	return &Telegram{cfg: cfg, bot: bot}, nil
}

// Enabled 报告通知器是否真正可用。
func (t *Telegram) Enabled() bool { return t != nil && t.bot != nil }

// Notify 把一批信号按交易对归组后推送，每个交易对一条消息。
// 信号为空或通知器未启用时直接返回 nil。
func (t *Telegram) Notify(ctx context.Context, signals []Signal) error {
	if !t.Enabled() || len(signals) == 0 {
		return nil
	}
	groups := make(map[string][]Signal)
	for _, sig := range signals {
		groups[sig.Symbol] = append(groups[sig.Symbol], sig)
	}
	order := make([]string, 0, len(groups))
	for sym := range groups {
		order = append(order, sym)
	}
	sort.Strings(order)
	for _, sym := range order {
		if err := t.Send(ctx, formatSignals(groups[sym])); err != nil {
			return fmt.Errorf("推送 %s 信号失败: %w", sym, err)
		}
	}
	return nil
}

// Send 发送一条 HTML 消息，失败时按配置指数退避重试。
func (t *Telegram) Send(ctx context.Context, text string) error {
	if !t.Enabled() || strings.TrimSpace(text) == "" {
		return nil
	}
	msg := tgbotapi.NewMessage(t.cfg.ChatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	var lastErr error
	wait := t.cfg.RetryBase
	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.Warnf("[notifier] 发送失败，%s 后第 %d 次重试: %v", wait, attempt, lastErr)
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			wait *= 2
		}
		if _, lastErr = t.bot.Send(msg); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("发送 telegram 消息失败: %w", lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var typeLabels = map[divergence.Type]string{
	divergence.PositiveRegular: "常规底背离",
	divergence.PositiveHidden:  "隐藏底背离",
	divergence.NegativeRegular: "常规顶背离",
	divergence.NegativeHidden:  "隐藏顶背离",
}

func typeLabel(t divergence.Type) string {
	if label, ok := typeLabels[t]; ok {
		return label
	}
	return string(t)
}

func typeEmoji(t divergence.Type) string {
	if t.Bullish() {
		return "🟢"
	}
	return "🔴"
}

// formatSignals 把同一交易对的信号渲染成一条 HTML 消息。
func formatSignals(signals []Signal) string {
	if len(signals) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📡 <b>%s</b> %s 背离信号 %d 条\n\n", signals[0].Symbol, signals[0].Interval, len(signals))
	for _, sig := range signals {
		fmt.Fprintf(&b, "%s %s ×%d  <code>%s</code>  %s\n",
			typeEmoji(sig.Type), typeLabel(sig.Type), sig.Count,
			formatPrice(sig.Price),
			time.UnixMilli(sig.Time).UTC().Format("01-02 15:04"))
	}
	return b.String()
}

// formatPrice 按最短十进制表示输出价格，避免小币种被科学计数法截断。
func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
