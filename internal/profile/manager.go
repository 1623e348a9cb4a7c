// Package profile 把 profiles.yaml 里的扫描预设编译成可直接执行的运行时
// 视图，并维护 symbol 到 profile 的路由。
package profile

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"divscan/internal/analysis/divergence"
	"divscan/internal/analysis/oscillator"
	"divscan/internal/coins"
	"divscan/internal/config/writer"
	"divscan/internal/logger"
	"divscan/internal/market"
)

// Defaults 是 profile 未显式给出的字段的回退值，来自主配置。
type Defaults struct {
	Interval    string
	Bars        int
	Oscillators []string
	Engine      divergence.Config
}

// Runtime 是一个编译完成的 profile：所有字段都已校验并补全。
type Runtime struct {
	Name        string
	Symbols     []string // 规范化后的交易对，为空表示只作为默认兜底
	Interval    string
	Bars        int
	Oscillators []string
	Engine      divergence.Config
	Default     bool
}

// Manager 负责加载 profile 并在写入后重建运行时索引。
type Manager struct {
	w        *writer.ProfileWriter
	defaults Defaults

	mu          sync.RWMutex
	profiles    map[string]*Runtime
	symbolIndex map[string]*Runtime
	defaultProf *Runtime
}

func NewManager(w *writer.ProfileWriter, defaults Defaults) *Manager {
	return &Manager{w: w, defaults: defaults}
}

// Reload 重新读取 profiles.yaml 并重建索引。文件为空时写入一个由
// 默认值构成的 default profile，保证后续增删改有基础可用。
func (m *Manager) Reload() error {
	cfg, err := m.w.Read()
	if err != nil {
		return err
	}
	if len(cfg.Profiles) == 0 {
		seed := writer.ProfileEntry{
			Interval:    m.defaults.Interval,
			Bars:        m.defaults.Bars,
			Oscillators: append([]string(nil), m.defaults.Oscillators...),
			Default:     true,
		}
		if err := m.w.UpdateProfile("default", seed); err != nil {
			return fmt.Errorf("写入默认 profile 失败: %w", err)
		}
		logger.Infof("[profile] 首次运行，已生成 default profile: %s", m.w.Path())
		cfg.Profiles = map[string]writer.ProfileEntry{"default": seed}
	}

	newProfiles := make(map[string]*Runtime)
	newIndex := make(map[string]*Runtime)
	var defaultRt *Runtime
	for name, entry := range cfg.Profiles {
		rt, err := m.buildRuntime(name, entry)
		if err != nil {
			logger.Warnf("[profile] %s 无效，跳过: %v", name, err)
			continue
		}
		newProfiles[name] = rt
		if rt.Default {
			defaultRt = rt
		}
		for _, sym := range rt.Symbols {
			newIndex[sym] = rt
		}
	}

	m.mu.Lock()
	m.profiles = newProfiles
	m.symbolIndex = newIndex
	m.defaultProf = defaultRt
	m.mu.Unlock()
	logger.Infof("[profile] 已加载 %d 个 profile (default=%v)", len(newProfiles), defaultRt != nil)
	return nil
}

func (m *Manager) buildRuntime(name string, entry writer.ProfileEntry) (*Runtime, error) {
	interval := strings.TrimSpace(entry.Interval)
	if interval == "" {
		interval = m.defaults.Interval
	}
	if _, err := market.IntervalDuration(interval); err != nil {
		return nil, err
	}

	bars := entry.Bars
	if bars <= 0 {
		bars = m.defaults.Bars
	}

	oscs := entry.Oscillators
	if len(oscs) == 0 {
		oscs = m.defaults.Oscillators
	}
	known := make(map[string]bool)
	for _, n := range oscillator.Names() {
		known[n] = true
	}
	for _, n := range oscs {
		if !known[strings.ToLower(strings.TrimSpace(n))] {
			return nil, fmt.Errorf("未知指标 %q", n)
		}
	}

	eng := m.defaults.Engine
	if entry.PivotLeft > 0 {
		eng.PivotLeft = entry.PivotLeft
	}
	if entry.PivotRight > 0 {
		eng.PivotRight = entry.PivotRight
	}
	if entry.RangeLower > 0 {
		eng.RangeLower = entry.RangeLower
	}
	if entry.RangeUpper > 0 {
		eng.RangeUpper = entry.RangeUpper
	}
	if entry.MinCount > 0 {
		eng.MinCount = entry.MinCount
	}
	if entry.WarmupBars > 0 {
		eng.WarmupBars = entry.WarmupBars
	}
	if len(entry.Types) > 0 {
		eng.DisableAll()
		for _, raw := range entry.Types {
			t, err := divergence.ParseType(raw)
			if err != nil {
				return nil, err
			}
			eng.Enable(t)
		}
	}
	if _, err := divergence.New(eng); err != nil {
		return nil, err
	}

	var symbols []string
	if len(entry.Symbols) > 0 {
		var err error
		symbols, err = coins.NormalizeSymbols(entry.Symbols)
		if err != nil {
			return nil, err
		}
	}

	return &Runtime{
		Name:        name,
		Symbols:     symbols,
		Interval:    interval,
		Bars:        bars,
		Oscillators: append([]string(nil), oscs...),
		Engine:      eng,
		Default:     entry.Default,
	}, nil
}

// Resolve 返回负责某个交易对的 profile，没有专属 profile 时落到默认。
func (m *Manager) Resolve(symbol string) (*Runtime, bool) {
	if m == nil {
		return nil, false
	}
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rt, ok := m.symbolIndex[sym]; ok {
		return rt, true
	}
	if m.defaultProf != nil {
		return m.defaultProf, true
	}
	return nil, false
}

// Get 按名字返回 profile 运行时。
func (m *Manager) Get(name string) (*Runtime, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.profiles[name]
	return rt, ok
}

// Profiles 返回全部运行时，按名字排序。
func (m *Manager) Profiles() []*Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Runtime, 0, len(m.profiles))
	for _, rt := range m.profiles {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AllSymbols 返回所有 profile 显式列出的交易对并集，按字典序。
func (m *Manager) AllSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, rt := range m.profiles {
		for _, sym := range rt.Symbols {
			seen[sym] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Entries 返回磁盘上的原始 profile 表，供管理接口展示。
func (m *Manager) Entries() (map[string]writer.ProfileEntry, error) {
	cfg, err := m.w.Read()
	if err != nil {
		return nil, err
	}
	return cfg.Profiles, nil
}

// Entry 返回单个原始 profile。
func (m *Manager) Entry(name string) (*writer.ProfileEntry, error) {
	return m.w.GetProfile(name)
}

// Validate 检查一个 entry 能否编译为运行时，不做任何写入。
func (m *Manager) Validate(name string, entry writer.ProfileEntry) error {
	_, err := m.buildRuntime(name, entry)
	return err
}

// Update 校验并写入一个 profile，然后重建索引。
func (m *Manager) Update(name string, entry writer.ProfileEntry) error {
	if err := m.Validate(name, entry); err != nil {
		return err
	}
	if err := m.w.UpdateProfile(name, entry); err != nil {
		return err
	}
	return m.Reload()
}

// Delete 删除一个 profile 并重建索引，最后一个 profile 不可删除。
func (m *Manager) Delete(name string) error {
	if err := m.w.DeleteProfile(name); err != nil {
		return err
	}
	return m.Reload()
}
