package notifier

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"divscan/internal/analysis/divergence"
)

type sentMessage struct {
	chatID    string
	text      string
	parseMode string
}

// fakeBotServer 模拟 bot API 的 getMe 与 sendMessage 两个方法。
type fakeBotServer struct {
	srv      *httptest.Server
	messages []sentMessage
	failures int // 前 N 次 sendMessage 返回失败
	calls    int
}

func newFakeBotServer(t *testing.T) *fakeBotServer {
	t.Helper()
	f := &fakeBotServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			fmt.Fprint(w, `{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"divscan","username":"divscan_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			f.calls++
			if f.calls <= f.failures {
				fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests"}`)
				return
			}
			if err := r.ParseForm(); err != nil {
				t.Errorf("ParseForm: %v", err)
			}
			f.messages = append(f.messages, sentMessage{
				chatID:    r.FormValue("chat_id"),
				text:      r.FormValue("text"),
				parseMode: r.FormValue("parse_mode"),
			})
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"date":1,"chat":{"id":7,"type":"private"},"text":"ok"}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBotServer) config() Config {
	return Config{
		BotToken:    "test-token",
		ChatID:      7,
		APIEndpoint: f.srv.URL + "/bot%s/%s",
		RetryBase:   time.Millisecond,
	}
}

func TestNewUnconfigured(t *testing.T) {
	tg, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tg != nil {
		t.Fatalf("expected nil notifier without token")
	}
	if tg.Enabled() {
		t.Fatalf("nil notifier reports enabled")
	}
	if err := tg.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("nil Send: %v", err)
	}
	if err := tg.Notify(context.Background(), []Signal{{Symbol: "BTCUSDT"}}); err != nil {
		t.Fatalf("nil Notify: %v", err)
	}
}

func TestNotifyGroupsBySymbol(t *testing.T) {
	f := newFakeBotServer(t)
	tg, err := New(f.config())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !tg.Enabled() {
		t.Fatalf("notifier should be enabled")
	}

	at := time.Date(2026, 2, 21, 14, 30, 0, 0, time.UTC).UnixMilli()
	signals := []Signal{
		{Symbol: "ETHUSDT", Interval: "1h", Type: divergence.NegativeRegular, Count: 1, Price: 2500, Time: at},
		{Symbol: "BTCUSDT", Interval: "15m", Type: divergence.PositiveRegular, Count: 2, Price: 43210.5, Time: at},
		{Symbol: "BTCUSDT", Interval: "15m", Type: divergence.PositiveHidden, Count: 1, Price: 43900, Time: at},
	}
	if err := tg.Notify(context.Background(), signals); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if len(f.messages) != 2 {
		t.Fatalf("expected one message per symbol, got %d", len(f.messages))
	}
	first := f.messages[0]
	if first.chatID != "7" || first.parseMode != "HTML" {
		t.Fatalf("unexpected envelope: %+v", first)
	}
	if !strings.Contains(first.text, "<b>BTCUSDT</b>") || !strings.Contains(first.text, "15m") {
		t.Fatalf("BTCUSDT message malformed: %q", first.text)
	}
	if !strings.Contains(first.text, "常规底背离 ×2") || !strings.Contains(first.text, "43210.5") {
		t.Fatalf("signal line missing: %q", first.text)
	}
	if !strings.Contains(first.text, "02-21 14:30") {
		t.Fatalf("confirm time missing: %q", first.text)
	}
	if !strings.Contains(f.messages[1].text, "<b>ETHUSDT</b>") || !strings.Contains(f.messages[1].text, "🔴") {
		t.Fatalf("ETHUSDT message malformed: %q", f.messages[1].text)
	}
}

func TestNotifyEmpty(t *testing.T) {
	f := newFakeBotServer(t)
	tg, err := New(f.config())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tg.Notify(context.Background(), nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(f.messages) != 0 {
		t.Fatalf("empty batch must not send, got %d messages", len(f.messages))
	}
}

func TestSendRetries(t *testing.T) {
	f := newFakeBotServer(t)
	f.failures = 1
	cfg := f.config()
	cfg.MaxRetries = 2
	tg, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tg.Send(context.Background(), "retry me"); err != nil {
		t.Fatalf("Send should recover after retry: %v", err)
	}
	if f.calls != 2 {
		t.Fatalf("expected 2 sendMessage calls, got %d", f.calls)
	}
}

func TestSendExhaustsRetries(t *testing.T) {
	f := newFakeBotServer(t)
	f.failures = 10
	cfg := f.config()
	cfg.MaxRetries = 1
	tg, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tg.Send(context.Background(), "doomed"); err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if f.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", f.calls)
	}
}

func TestFormatPrice(t *testing.T) {
	cases := map[float64]string{
		43210.5:  "43210.5",
		0.000123: "0.000123",
		2500:     "2500",
	}
	for in, want := range cases {
		if got := formatPrice(in); got != want {
			t.Fatalf("formatPrice(%v) = %q, want %q", in, got, want)
		}
	}
}
