// Package scan 驱动整条扫描链路：取K线、算振荡指标、跑背离检测、
// 验证信号并推送，同时以内存任务的形式暴露给 HTTP 层。
package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"divscan/internal/analysis/divergence"
	"divscan/internal/analysis/oscillator"
	"divscan/internal/coins"
	"divscan/internal/logger"
	"divscan/internal/market"
	"divscan/internal/notifier"
	"divscan/internal/profile"
	"divscan/internal/store"
)

// Config 是没有命中任何 profile 时的扫描默认参数。CacheBars 限制
// 内存缓存每个序列保留的根数，0 用缓存自身的默认值。
type Config struct {
	Interval    string
	Bars        int
	Oscillators []string
	Engine      divergence.Config
	Concurrency int
	CacheBars   int
}

func (c Config) withDefaults() Config {
	if c.Interval == "" {
		c.Interval = "15m"
	}
	if c.Bars <= 0 {
		c.Bars = 500
	}
	if len(c.Oscillators) == 0 {
		c.Oscillators = oscillator.DefaultNames()
	}
	if c.Engine.PivotLeft == 0 {
		c.Engine = divergence.Default()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// ServiceParams 汇集服务依赖。Source 为空时只用本地数据，Store 为空时
// 不落盘，Profiles/Symbols/Notifier 为空时对应能力停用。
type ServiceParams struct {
	Source   market.Source
	Store    *store.SQLiteStore
	Cache    store.KlineStore
	Profiles *profile.Manager
	Symbols  coins.SymbolProvider
	Notifier *notifier.Telegram
	Config   Config
	Eval     EvalConfig
	BaseCtx  context.Context
}

// Service 承载扫描执行与任务登记，所有方法并发安全。
type Service struct {
	source  market.Source
	db      *store.SQLiteStore
	cache   store.KlineStore
	mgr     *profile.Manager
	symbols coins.SymbolProvider
	tg      *notifier.Telegram
	cfg     Config
	eval    EvalConfig
	baseCtx context.Context

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewService(p ServiceParams) (*Service, error) {
	if p.Source == nil && p.Store == nil && p.Cache == nil {
		return nil, errors.New("行情来源不能全部为空")
	}
	cache := p.Cache
	if cache == nil {
		cache = store.NewMemoryKlineStore()
	}
	eval := p.Eval
	if eval.ATRPeriod == 0 && eval.ATRMultiplier == 0 {
		eval = DefaultEvalConfig()
	}
	baseCtx := p.BaseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Service{
		source:  p.Source,
		db:      p.Store,
		cache:   cache,
		mgr:     p.Profiles,
		symbols: p.Symbols,
		tg:      p.Notifier,
		cfg:     p.Config.withDefaults(),
		eval:    eval,
		baseCtx: baseCtx,
		jobs:    make(map[string]*Job),
	}, nil
}

// request 是单个交易对解析完成的扫描参数：profile 路由与请求覆盖
// 都已套用。
type request struct {
	symbol   string
	interval string
	bars     int
	oscs     []string
	engine   divergence.Config
	profile  string
}

func (s *Service) resolve(symbol string, p Params) (request, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return request{}, errors.New("symbol 不能为空")
	}
	req := request{
		symbol:   sym,
		interval: s.cfg.Interval,
		bars:     s.cfg.Bars,
		oscs:     s.cfg.Oscillators,
		engine:   s.cfg.Engine,
	}
	if s.mgr != nil {
		var rt *profile.Runtime
		var ok bool
		if p.Profile != "" {
			if rt, ok = s.mgr.Get(p.Profile); !ok {
				return request{}, fmt.Errorf("profile '%s' 不存在", p.Profile)
			}
		} else {
			rt, ok = s.mgr.Resolve(sym)
		}
		if ok {
			req.interval = rt.Interval
			req.bars = rt.Bars
			req.oscs = rt.Oscillators
			req.engine = rt.Engine
			req.profile = rt.Name
		}
	}
	if p.Interval != "" {
		req.interval = p.Interval
	}
	if p.Bars > 0 {
		req.bars = p.Bars
	}
	if _, err := market.IntervalDuration(req.interval); err != nil {
		return request{}, err
	}
	if req.bars <= 0 {
		return request{}, fmt.Errorf("bars 必须大于 0, got %d", req.bars)
	}
	return req, nil
}

// ScanSymbol 对单个交易对跑一轮完整扫描。
func (s *Service) ScanSymbol(ctx context.Context, symbol string, p Params) (SymbolResult, error) {
	req, err := s.resolve(symbol, p)
	if err != nil {
		return SymbolResult{}, err
	}
	return s.run(ctx, req)
}

func (s *Service) run(ctx context.Context, req request) (SymbolResult, error) {
	candles, err := s.loadCandles(ctx, req.symbol, req.interval, req.bars)
	if err != nil {
		return SymbolResult{}, err
	}
	return s.compute(candles, req)
}

// ChartData 跑一轮扫描并连同所用K线一起返回，事件的 bar 下标
// 对应返回的切片。
func (s *Service) ChartData(ctx context.Context, symbol string, p Params) ([]market.Candle, SymbolResult, error) {
	req, err := s.resolve(symbol, p)
	if err != nil {
		return nil, SymbolResult{}, err
	}
	candles, err := s.loadCandles(ctx, req.symbol, req.interval, req.bars)
	if err != nil {
		return nil, SymbolResult{}, err
	}
	res, err := s.compute(candles, req)
	if err != nil {
		return nil, SymbolResult{}, err
	}
	return candles, res, nil
}

func (s *Service) compute(candles []market.Candle, req request) (SymbolResult, error) {
	series, err := oscillator.Compute(candles, req.oscs)
	if err != nil {
		return SymbolResult{}, err
	}
	engine, err := divergence.New(req.engine)
	if err != nil {
		return SymbolResult{}, err
	}
	res, err := engine.Scan(candles, toDivergenceSeries(series))
	if err != nil {
		return SymbolResult{}, err
	}
	eval, err := EvaluateEvents(candles, res.Events, req.interval, s.eval)
	if err != nil {
		return SymbolResult{}, err
	}

	logger.Infof("[scan] %s %s bars=%d 信号=%d", req.symbol, req.interval, len(candles), len(res.Events))
	return SymbolResult{
		Symbol:   req.symbol,
		Interval: req.interval,
		Profile:  req.profile,
		Bars:     len(candles),
		Events:   res.Events,
		Tallies:  res.Tallies,
		Outcomes: eval.Outcomes,
		Stats:    eval.Stats,
	}, nil
}

func toDivergenceSeries(in []oscillator.Series) []divergence.Series {
	out := make([]divergence.Series, len(in))
	for i, s := range in {
		out[i] = divergence.Series{Name: s.Name, Values: s.Values, Warmup: s.Warmup}
	}
	return out
}

// loadCandles 优先拉新数据并落地；拉取失败或无行情来源时回退本地。
func (s *Service) loadCandles(ctx context.Context, symbol, interval string, bars int) ([]market.Candle, error) {
	if s.source != nil {
		candles, err := s.source.FetchHistory(ctx, symbol, interval, bars)
		if err == nil && len(candles) > 0 {
			s.persist(ctx, symbol, interval, candles)
			return candles, nil
		}
		if err != nil {
			logger.Warnf("[scan] %s %s 拉取失败，回退本地数据: %v", symbol, interval, err)
		}
	}
	return s.localCandles(ctx, symbol, interval, bars)
}

func (s *Service) persist(ctx context.Context, symbol, interval string, candles []market.Candle) {
	if err := s.cache.Put(ctx, symbol, interval, candles, s.cfg.CacheBars); err != nil {
		logger.Warnf("[scan] 写入内存缓存失败 %s %s: %v", symbol, interval, err)
	}
	if s.db != nil {
		if err := s.db.Upsert(ctx, symbol, interval, candles); err != nil {
			logger.Warnf("[scan] 写入 sqlite 失败 %s %s: %v", symbol, interval, err)
		}
	}
}

func (s *Service) localCandles(ctx context.Context, symbol, interval string, bars int) ([]market.Candle, error) {
	if ex, ok := s.cache.(store.SnapshotExporter); ok {
		snap, err := ex.Export(ctx, symbol, interval, bars)
		if err == nil && len(snap) >= bars {
			return snap, nil
		}
	}
	cached, err := s.cache.Get(ctx, symbol, interval)
	if err == nil && len(cached) >= bars {
		return cached[len(cached)-bars:], nil
	}
	if s.db != nil {
		stored, err := s.db.LoadRecent(ctx, symbol, interval, bars)
		if err != nil {
			return nil, err
		}
		if len(stored) > 0 {
			return stored, nil
		}
	}
	if len(cached) > 0 {
		return cached, nil
	}
	return nil, fmt.Errorf("%s %s 无可用K线", symbol, interval)
}

// targetSymbols 求一次批量任务的目标列表：请求指定的优先，其次指定
// profile 的清单，再到动态清单（比如成交额排名），最后是全部 profile
// 的并集。
func (s *Service) targetSymbols(ctx context.Context, p Params) ([]string, error) {
	if len(p.Symbols) > 0 {
		return coins.NormalizeSymbols(p.Symbols)
	}
	if p.Profile != "" && s.mgr != nil {
		if rt, ok := s.mgr.Get(p.Profile); ok && len(rt.Symbols) > 0 {
			return rt.Symbols, nil
		}
	}
	if s.symbols != nil {
		symbols, err := s.symbols.List(ctx)
		if err != nil {
			logger.Warnf("[scan] %s 清单获取失败: %v", s.symbols.Name(), err)
		} else if len(symbols) > 0 {
			return symbols, nil
		}
	}
	if s.mgr != nil {
		if symbols := s.mgr.AllSymbols(); len(symbols) > 0 {
			return symbols, nil
		}
	}
	return nil, errors.New("没有可扫描的交易对")
}

// TargetSymbols 返回一次批量任务将要覆盖的交易对列表。
func (s *Service) TargetSymbols(ctx context.Context, p Params) ([]string, error) {
	return s.targetSymbols(ctx, p)
}

// ScanMany 并发扫描多个交易对。单个交易对的失败写进它自己的结果，
// 不打断其余交易对。
func (s *Service) ScanMany(ctx context.Context, p Params, onResult func(SymbolResult)) ([]SymbolResult, error) {
	symbols, err := s.targetSymbols(ctx, p)
	if err != nil {
		return nil, err
	}
	results := make([]SymbolResult, len(symbols))
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for i, sym := range symbols {
		i, sym := i, sym
		g.Go(func() error {
			res, err := s.ScanSymbol(ctx, sym, p)
			if err != nil {
				res = SymbolResult{Symbol: sym, Interval: p.Interval, Profile: p.Profile, Error: err.Error()}
			}
			results[i] = res
			if onResult != nil {
				onResult(res)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// SubmitScan 登记一个异步扫描任务并立即返回快照。
func (s *Service) SubmitScan(p Params) (Job, error) {
	if len(p.Symbols) > 0 {
		symbols, err := coins.NormalizeSymbols(p.Symbols)
		if err != nil {
			return Job{}, err
		}
		p.Symbols = symbols
	}
	if p.Interval != "" {
		if _, err := market.IntervalDuration(p.Interval); err != nil {
			return Job{}, err
		}
	}
	if p.Profile != "" && s.mgr != nil {
		if _, ok := s.mgr.Get(p.Profile); !ok {
			return Job{}, fmt.Errorf("profile '%s' 不存在", p.Profile)
		}
	}
	symbols, err := s.targetSymbols(s.baseCtx, p)
	if err != nil {
		return Job{}, err
	}

	job := s.register(JobKindScan, p, len(symbols))
	go s.runScanJob(job.ID)
	return job, nil
}

// SubmitBackfill 登记一个异步历史补齐任务。
func (s *Service) SubmitBackfill(p Params) (Job, error) {
	if s.source == nil || s.db == nil {
		return Job{}, errors.New("补齐历史需要行情来源和 sqlite 存储")
	}
	symbols, err := coins.NormalizeSymbols(p.Symbols)
	if err != nil {
		return Job{}, err
	}
	p.Symbols = symbols
	if p.Interval == "" {
		p.Interval = s.cfg.Interval
	}
	if _, err := market.IntervalDuration(p.Interval); err != nil {
		return Job{}, err
	}
	if p.Start <= 0 || p.End <= 0 || p.End < p.Start {
		return Job{}, fmt.Errorf("时间范围无效 [%d, %d]", p.Start, p.End)
	}

	job := s.register(JobKindBackfill, p, len(symbols))
	go s.runBackfillJob(job.ID)
	return job, nil
}

func (s *Service) register(kind string, p Params, total int) Job {
	now := time.Now()
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    JobStatusPending,
		Params:    p,
		Total:     total,
		StartedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job.copy()
}

func (s *Service) updateJob(id string, fn func(*Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		fn(job)
		job.UpdatedAt = time.Now()
	}
}

// JobSnapshot 返回单个任务的拷贝。
func (s *Service) JobSnapshot(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.copy(), true
}

// JobsSnapshot 返回全部任务的拷贝，新任务在前。
func (s *Service) JobsSnapshot() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (s *Service) runScanJob(id string) {
	s.updateJob(id, func(j *Job) { j.Status = JobStatusRunning })
	snap, ok := s.JobSnapshot(id)
	if !ok {
		return
	}

	results, err := s.ScanMany(s.baseCtx, snap.Params, func(res SymbolResult) {
		s.updateJob(id, func(j *Job) {
			j.Completed++
			if res.Error != "" {
				j.Warnings = append(j.Warnings, res.Symbol+": "+res.Error)
			}
		})
	})
	if err != nil {
		s.updateJob(id, func(j *Job) {
			j.Status = JobStatusFailed
			j.Message = err.Error()
		})
		return
	}

	failed, events := 0, 0
	for _, res := range results {
		if res.Error != "" {
			failed++
		}
		events += len(res.Events)
	}
	s.updateJob(id, func(j *Job) {
		j.Results = results
		j.Message = fmt.Sprintf("%d/%d 个交易对完成，共 %d 条信号", len(results)-failed, len(results), events)
		switch {
		case failed == len(results):
			j.Status = JobStatusFailed
		case failed > 0:
			j.Status = JobStatusPartial
		default:
			j.Status = JobStatusDone
		}
	})

	s.NotifyResults(results)
}

// NotifyResults 把结果里的信号推送到通知渠道，失败只记日志。
// 未配置通知或没有信号时是空操作。
func (s *Service) NotifyResults(results []SymbolResult) {
	if !s.tg.Enabled() {
		return
	}
	var signals []notifier.Signal
	for _, res := range results {
		for i, ev := range res.Events {
			sig := notifier.Signal{
				Symbol:   res.Symbol,
				Interval: res.Interval,
				Type:     ev.Type,
				Count:    ev.Count,
				Time:     ev.Time,
			}
			if i < len(res.Outcomes) {
				sig.Price = res.Outcomes[i].Price
			}
			signals = append(signals, sig)
		}
	}
	if len(signals) == 0 {
		return
	}
	if err := s.tg.Notify(s.baseCtx, signals); err != nil {
		logger.Warnf("[scan] telegram 推送失败: %v", err)
	}
}

// Backfill 同步补齐一段历史并返回完整性报告。
func (s *Service) Backfill(ctx context.Context, symbol, interval string, start, end int64) (store.IntegrityReport, error) {
	if s.source == nil || s.db == nil {
		return store.IntegrityReport{}, errors.New("补齐历史需要行情来源和 sqlite 存储")
	}
	candles, err := s.source.FetchHistoryRange(ctx, symbol, interval, start, end, 0)
	if err != nil {
		return store.IntegrityReport{}, err
	}
	if len(candles) > 0 {
		if err := s.db.Upsert(ctx, symbol, interval, candles); err != nil {
			return store.IntegrityReport{}, err
		}
	}
	report, err := s.db.CheckIntegrity(ctx, symbol, interval, start, end)
	if err != nil {
		return store.IntegrityReport{}, err
	}
	logger.Infof("[scan] 补齐 %s %s: %d/%d 根, 缺口 %d 段",
		symbol, interval, report.Present, report.Expected, len(report.Gaps))
	return report, nil
}

func (s *Service) runBackfillJob(id string) {
	s.updateJob(id, func(j *Job) { j.Status = JobStatusRunning })
	snap, ok := s.JobSnapshot(id)
	if !ok {
		return
	}

	failed := 0
	for _, sym := range snap.Params.Symbols {
		report, err := s.Backfill(s.baseCtx, sym, snap.Params.Interval, snap.Params.Start, snap.Params.End)
		s.updateJob(id, func(j *Job) {
			j.Completed++
			if err != nil {
				j.Warnings = append(j.Warnings, sym+": "+err.Error())
				return
			}
			if !report.Complete() {
				j.Warnings = append(j.Warnings, fmt.Sprintf("%s: 缺 %d 根", sym, report.Expected-report.Present))
				j.Missing = append(j.Missing, report.Gaps...)
			}
		})
		if err != nil {
			failed++
		}
	}

	s.updateJob(id, func(j *Job) {
		j.Message = fmt.Sprintf("%d/%d 个交易对补齐完成", j.Total-failed, j.Total)
		switch {
		case failed == j.Total:
			j.Status = JobStatusFailed
		case failed > 0:
			j.Status = JobStatusPartial
		default:
			j.Status = JobStatusDone
		}
	})
}

// Candles 查询本地K线，供图表与接口使用。优先 sqlite，缺了用缓存。
func (s *Service) Candles(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]market.Candle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if s.db != nil {
		candles, err := s.db.Load(ctx, symbol, interval, start, end, limit)
		if err != nil {
			return nil, err
		}
		if len(candles) > 0 {
			return candles, nil
		}
	}
	cached, err := s.cache.Get(ctx, symbol, interval)
	if err != nil {
		return nil, err
	}
	out := make([]market.Candle, 0, len(cached))
	for _, c := range cached {
		if start > 0 && c.OpenTime < start {
			continue
		}
		if end > 0 && c.OpenTime > end {
			continue
		}
		out = append(out, c)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ManifestInfo 返回 sqlite 中某交易对的数据清单。
func (s *Service) ManifestInfo(ctx context.Context, symbol, interval string) (store.Manifest, error) {
	if s.db == nil {
		return store.Manifest{}, errors.New("未启用 sqlite 存储")
	}
	return s.db.Manifest(ctx, symbol, interval)
}
