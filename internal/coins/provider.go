package coins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"divscan/internal/logger"
)

// SymbolProvider 提供一次扫描的交易对清单。
type SymbolProvider interface {
	List(ctx context.Context) ([]string, error)
	Name() string
}

// NormalizeSymbols 规范化交易对：去空白、转大写、补 USDT 后缀并去重。
func NormalizeSymbols(symbols []string) ([]string, error) {
	if len(symbols) == 0 {
		return nil, errors.New("symbol list is empty")
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if !strings.HasSuffix(s, "USDT") {
			s += "USDT"
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, errors.New("symbol list is empty after normalization")
	}
	return out, nil
}

// DefaultSymbolProvider 返回静态配置的清单。
type DefaultSymbolProvider struct{ symbols []string }

func NewDefaultProvider(symbols []string) *DefaultSymbolProvider {
	return &DefaultSymbolProvider{symbols: symbols}
}

func (p *DefaultSymbolProvider) Name() string { return "default" }

func (p *DefaultSymbolProvider) List(_ context.Context) ([]string, error) {
	return NormalizeSymbols(p.symbols)
}

// HTTPSymbolProvider 从远端 JSON 接口拉取清单，
// 接受字符串数组或 {"symbols": [...]} 两种响应。
type HTTPSymbolProvider struct {
	URL    string
	Client *http.Client
}

func NewHTTPSymbolProvider(url string) *HTTPSymbolProvider {
	return &HTTPSymbolProvider{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (p *HTTPSymbolProvider) Name() string { return "http" }

func (p *HTTPSymbolProvider) List(ctx context.Context) ([]string, error) {
	if p.URL == "" {
		return nil, errors.New("symbol API URL not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching symbols: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("HTTP status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var arr []string
	if err := json.Unmarshal(body, &arr); err == nil {
		return NormalizeSymbols(arr)
	}
	var obj struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return NormalizeSymbols(obj.Symbols)
}

// VolumeRanker 按成交额返回头部交易对，gateway/binance.Source 实现。
type VolumeRanker interface {
	TopSymbols(ctx context.Context, n int) ([]string, error)
}

// TopVolumeConfig 配置动态清单的规模、刷新节奏与兜底列表。
type TopVolumeConfig struct {
	Count          int
	RefreshSeconds int
	Fallback       []string
	Override       bool
}

// TopVolumeProvider 周期性拉取成交额排名作为扫描清单，
// 拉取失败或尚未刷新时回退到静态 fallback。
type TopVolumeProvider struct {
	ranker         VolumeRanker
	count          int
	refreshSeconds int
	fallback       []string
	override       bool

	mu          sync.RWMutex
	targets     []string
	lastFetched time.Time
}

func NewTopVolumeProvider(ranker VolumeRanker, cfg TopVolumeConfig) *TopVolumeProvider {
	count := cfg.Count
	if count <= 0 {
		count = 30
	}
	refresh := cfg.RefreshSeconds
	if refresh <= 0 {
		refresh = 3600
	}
	fallback, _ := NormalizeSymbols(cfg.Fallback)
	return &TopVolumeProvider{
		ranker:         ranker,
		count:          count,
		refreshSeconds: refresh,
		fallback:       fallback,
		override:       cfg.Override,
		targets:        fallback,
	}
}

func (p *TopVolumeProvider) Name() string { return "top_volume" }

// List 先尽力刷新再返回当前清单；刷新失败时沿用上一份结果。
func (p *TopVolumeProvider) List(ctx context.Context) ([]string, error) {
	_ = p.Refresh(ctx)
	targets := p.Targets()
	if len(targets) == 0 {
		return nil, errors.New("symbol list is empty")
	}
	return targets, nil
}

// Targets 返回当前清单的拷贝。
func (p *TopVolumeProvider) Targets() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.targets))
	copy(out, p.targets)
	return out
}

// Refresh 超过刷新窗口时重新拉取排名。
func (p *TopVolumeProvider) Refresh(ctx context.Context) error {
	if p.ranker == nil {
		return nil
	}
	p.mu.RLock()
	lastFetched := p.lastFetched
	p.mu.RUnlock()
	if !lastFetched.IsZero() && time.Since(lastFetched) < time.Duration(p.refreshSeconds)*time.Second {
		return nil
	}

	symbols, err := p.ranker.TopSymbols(ctx, p.count)
	if err != nil {
		logger.Warnf("[coins] 成交额排名拉取失败，沿用现有清单: %v", err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.override {
		p.targets = symbols
	} else {
		p.targets = mergeAndDedup(symbols, p.fallback)
	}
	p.lastFetched = time.Now()
	logger.Infof("[coins] 清单已更新，共 %d 个交易对", len(p.targets))
	return nil
}

// StartAutoRefresh 启动后台定时刷新，ctx 取消时退出。
func (p *TopVolumeProvider) StartAutoRefresh(ctx context.Context) {
	if p.ranker == nil {
		return
	}
	if err := p.Refresh(ctx); err != nil {
		logger.Warnf("[coins] 初始刷新失败: %v", err)
	}
	go func() {
		ticker := time.NewTicker(time.Duration(p.refreshSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.Refresh(ctx); err != nil {
					logger.Warnf("[coins] 定时刷新失败: %v", err)
				}
			}
		}
	}()
}

func mergeAndDedup(a, b []string) []string {
	seen := make(map[string]struct{})
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		seen[s] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
