package scan

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"divscan/internal/analysis/divergence"
	"divscan/internal/coins"
	"divscan/internal/config/writer"
	"divscan/internal/market"
	"divscan/internal/profile"
	"divscan/internal/store"
)

// fakeSource 内存行情源，按 symbol@interval 供数，指定交易对可强制失败。
type fakeSource struct {
	mu      sync.Mutex
	data    map[string][]market.Candle
	fail    map[string]bool
	fetches int
	closed  bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{data: make(map[string][]market.Candle), fail: make(map[string]bool)}
}

func (f *fakeSource) put(symbol, interval string, ks []market.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[symbol+"@"+interval] = ks
}

func (f *fakeSource) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fail[symbol] {
		return nil, errors.New("fake source down")
	}
	ks := f.data[symbol+"@"+interval]
	if limit > 0 && len(ks) > limit {
		ks = ks[len(ks)-limit:]
	}
	out := make([]market.Candle, len(ks))
	copy(out, ks)
	return out, nil
}

func (f *fakeSource) FetchHistoryRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]market.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[symbol] {
		return nil, errors.New("fake source down")
	}
	var out []market.Candle
	for _, c := range f.data[symbol+"@"+interval] {
		if c.OpenTime < start || c.OpenTime > end {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testConfig() Config {
	return Config{
		Interval:    "15m",
		Bars:        80,
		Oscillators: []string{"rsi"},
		Engine:      divergence.Default(),
		Concurrency: 2,
	}
}

func newTestService(t *testing.T, p ServiceParams) *Service {
	t.Helper()
	if p.Config.Interval == "" {
		p.Config = testConfig()
	}
	svc, err := NewService(p)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func openTestDB(t *testing.T) *store.SQLiteStore {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "scan.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestScanSymbolFetchesAndPersists(t *testing.T) {
	src := newFakeSource()
	src.put("BTCUSDT", "15m", flatCandles(80))
	cache := store.NewMemoryKlineStore()
	db := openTestDB(t)
	svc := newTestService(t, ServiceParams{Source: src, Store: db, Cache: cache})

	ctx := context.Background()
	res, err := svc.ScanSymbol(ctx, "btcusdt", Params{})
	if err != nil {
		t.Fatalf("ScanSymbol: %v", err)
	}
	if res.Symbol != "BTCUSDT" || res.Interval != "15m" || res.Bars != 80 {
		t.Fatalf("result = %s %s bars=%d, want BTCUSDT 15m 80", res.Symbol, res.Interval, res.Bars)
	}
	if len(res.Events) != 0 {
		t.Fatalf("flat candles produced %d events, want 0", len(res.Events))
	}

	cached, err := cache.Get(ctx, "BTCUSDT", "15m")
	if err != nil || len(cached) != 80 {
		t.Fatalf("cache after scan: %d candles, err=%v", len(cached), err)
	}
	stored, err := db.LoadRecent(ctx, "BTCUSDT", "15m", 100)
	if err != nil || len(stored) != 80 {
		t.Fatalf("sqlite after scan: %d candles, err=%v", len(stored), err)
	}
}

func TestScanSymbolFallsBackToLocal(t *testing.T) {
	src := newFakeSource()
	src.fail["BTCUSDT"] = true
	cache := store.NewMemoryKlineStore()
	ctx := context.Background()
	if err := cache.Put(ctx, "BTCUSDT", "15m", flatCandles(80), 0); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	cfg := testConfig()
	cfg.Bars = 50
	svc := newTestService(t, ServiceParams{Source: src, Cache: cache, Config: cfg})

	res, err := svc.ScanSymbol(ctx, "BTCUSDT", Params{})
	if err != nil {
		t.Fatalf("ScanSymbol with dead source: %v", err)
	}
	if res.Bars != 50 {
		t.Fatalf("Bars = %d, want trailing 50 from cache", res.Bars)
	}
}

func TestScanSymbolNoData(t *testing.T) {
	svc := newTestService(t, ServiceParams{Cache: store.NewMemoryKlineStore()})
	if _, err := svc.ScanSymbol(context.Background(), "BTCUSDT", Params{}); err == nil {
		t.Fatalf("expected error when no candles are available anywhere")
	}
}

func TestResolveProfileRouting(t *testing.T) {
	w := writer.NewProfileWriter(filepath.Join(t.TempDir(), "profiles.yaml"))
	mgr := profile.NewManager(w, profile.Defaults{
		Interval:    "15m",
		Bars:        500,
		Oscillators: []string{"rsi"},
		Engine:      divergence.Default(),
	})
	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if err := mgr.Update("alts", writer.ProfileEntry{
		Symbols:  []string{"ETHUSDT"},
		Interval: "1h",
		Bars:     300,
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	svc := newTestService(t, ServiceParams{Cache: store.NewMemoryKlineStore(), Profiles: mgr})

	req, err := svc.resolve("ethusdt", Params{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if req.interval != "1h" || req.bars != 300 || req.profile != "alts" {
		t.Fatalf("resolve = %+v, want alts profile 1h/300", req)
	}

	req, err = svc.resolve("BTCUSDT", Params{})
	if err != nil {
		t.Fatalf("resolve default: %v", err)
	}
	if req.profile != "default" || req.interval != "15m" {
		t.Fatalf("resolve = %+v, want default profile 15m", req)
	}

	req, err = svc.resolve("ETHUSDT", Params{Interval: "4h", Bars: 120})
	if err != nil {
		t.Fatalf("resolve override: %v", err)
	}
	if req.interval != "4h" || req.bars != 120 {
		t.Fatalf("resolve = %+v, request overrides must win", req)
	}

	if _, err := svc.resolve("ETHUSDT", Params{Profile: "ghost"}); err == nil {
		t.Fatalf("expected error for unknown profile")
	}
	if _, err := svc.resolve("ETHUSDT", Params{Interval: "9q"}); err == nil {
		t.Fatalf("expected error for bad interval override")
	}
}

func TestScanManyIsolatesFailures(t *testing.T) {
	src := newFakeSource()
	src.put("BTCUSDT", "15m", flatCandles(80))
	src.fail["ETHUSDT"] = true
	svc := newTestService(t, ServiceParams{Source: src, Cache: store.NewMemoryKlineStore()})

	var seen int32
	results, err := svc.ScanMany(context.Background(), Params{Symbols: []string{"BTCUSDT", "ETHUSDT"}}, func(SymbolResult) {
		atomic.AddInt32(&seen, 1)
	})
	if err != nil {
		t.Fatalf("ScanMany: %v", err)
	}
	if len(results) != 2 || seen != 2 {
		t.Fatalf("results=%d callbacks=%d, want 2/2", len(results), seen)
	}
	if results[0].Symbol != "BTCUSDT" || results[0].Error != "" {
		t.Fatalf("results[0] = %+v, want clean BTCUSDT", results[0])
	}
	if results[1].Symbol != "ETHUSDT" || results[1].Error == "" {
		t.Fatalf("results[1] = %+v, want ETHUSDT with error", results[1])
	}
}

func TestScanManyUsesSymbolProvider(t *testing.T) {
	src := newFakeSource()
	src.put("BTCUSDT", "15m", flatCandles(80))
	src.put("ETHUSDT", "15m", flatCandles(80))
	svc := newTestService(t, ServiceParams{
		Source:  src,
		Cache:   store.NewMemoryKlineStore(),
		Symbols: coins.NewDefaultProvider([]string{"btc", "eth"}),
	})

	results, err := svc.ScanMany(context.Background(), Params{}, nil)
	if err != nil {
		t.Fatalf("ScanMany: %v", err)
	}
	if len(results) != 2 || results[0].Symbol != "BTCUSDT" || results[1].Symbol != "ETHUSDT" {
		t.Fatalf("results = %+v, want provider-normalized BTCUSDT/ETHUSDT", results)
	}
}

func waitJob(t *testing.T, svc *Service, id string) Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := svc.JobSnapshot(id)
		if !ok {
			t.Fatalf("job %s disappeared", id)
		}
		if job.Status != JobStatusPending && job.Status != JobStatusRunning {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish in time", id)
	return Job{}
}

func TestSubmitScanLifecycle(t *testing.T) {
	src := newFakeSource()
	src.put("BTCUSDT", "15m", flatCandles(80))
	src.put("ETHUSDT", "15m", flatCandles(80))
	svc := newTestService(t, ServiceParams{Source: src, Cache: store.NewMemoryKlineStore()})

	job, err := svc.SubmitScan(Params{Symbols: []string{"btcusdt", "ethusdt"}})
	if err != nil {
		t.Fatalf("SubmitScan: %v", err)
	}
	if job.Kind != JobKindScan || job.Total != 2 {
		t.Fatalf("job = %+v, want scan kind with total 2", job)
	}

	done := waitJob(t, svc, job.ID)
	if done.Status != JobStatusDone {
		t.Fatalf("status = %s, want %s (message: %s)", done.Status, JobStatusDone, done.Message)
	}
	if done.Completed != 2 || len(done.Results) != 2 {
		t.Fatalf("completed=%d results=%d, want 2/2", done.Completed, len(done.Results))
	}
	if !strings.Contains(done.Message, "2/2") {
		t.Fatalf("message = %q, want completion summary", done.Message)
	}
}

func TestSubmitScanPartialFailure(t *testing.T) {
	src := newFakeSource()
	src.put("BTCUSDT", "15m", flatCandles(80))
	src.fail["ETHUSDT"] = true
	svc := newTestService(t, ServiceParams{Source: src, Cache: store.NewMemoryKlineStore()})

	job, err := svc.SubmitScan(Params{Symbols: []string{"BTCUSDT", "ETHUSDT"}})
	if err != nil {
		t.Fatalf("SubmitScan: %v", err)
	}
	done := waitJob(t, svc, job.ID)
	if done.Status != JobStatusPartial {
		t.Fatalf("status = %s, want %s", done.Status, JobStatusPartial)
	}
	if len(done.Warnings) != 1 || !strings.Contains(done.Warnings[0], "ETHUSDT") {
		t.Fatalf("warnings = %v, want single ETHUSDT entry", done.Warnings)
	}
}

func TestSubmitScanValidation(t *testing.T) {
	svc := newTestService(t, ServiceParams{Cache: store.NewMemoryKlineStore()})

	if _, err := svc.SubmitScan(Params{Symbols: []string{"BTCUSDT"}, Interval: "9q"}); err == nil {
		t.Fatalf("expected error for bad interval")
	}
	if _, err := svc.SubmitScan(Params{}); err == nil {
		t.Fatalf("expected error when no symbols can be derived")
	}
}

func TestBackfillReportsGaps(t *testing.T) {
	step := int64(60_000)
	var ks []market.Candle
	for i := int64(0); i < 10; i++ {
		if i == 4 || i == 5 {
			continue
		}
		open := i * step
		ks = append(ks, market.Candle{
			OpenTime: open, CloseTime: open + step - 1,
			Open: 100, High: 101, Low: 99, Close: 100, Volume: 1,
		})
	}
	src := newFakeSource()
	src.put("BTCUSDT", "1m", ks)
	db := openTestDB(t)
	svc := newTestService(t, ServiceParams{Source: src, Store: db})

	report, err := svc.Backfill(context.Background(), "BTCUSDT", "1m", 0, 9*step)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if report.Expected != 10 || report.Present != 8 {
		t.Fatalf("report = %+v, want expected=10 present=8", report)
	}
	if len(report.Gaps) != 1 || report.Gaps[0].From != 4*step || report.Gaps[0].Count != 2 {
		t.Fatalf("gaps = %+v, want one 2-bar gap at %d", report.Gaps, 4*step)
	}
}

func TestSubmitBackfillLifecycle(t *testing.T) {
	step := int64(60_000)
	var ks []market.Candle
	for i := int64(0); i < 10; i++ {
		open := i * step
		ks = append(ks, market.Candle{
			OpenTime: open, CloseTime: open + step - 1,
			Open: 100, High: 101, Low: 99, Close: 100, Volume: 1,
		})
	}
	src := newFakeSource()
	src.put("BTCUSDT", "1m", ks)
	db := openTestDB(t)
	svc := newTestService(t, ServiceParams{Source: src, Store: db})

	job, err := svc.SubmitBackfill(Params{Symbols: []string{"btcusdt"}, Interval: "1m", Start: 0, End: 9 * step})
	if err != nil {
		t.Fatalf("SubmitBackfill: %v", err)
	}
	if job.Kind != JobKindBackfill {
		t.Fatalf("kind = %s, want %s", job.Kind, JobKindBackfill)
	}
	done := waitJob(t, svc, job.ID)
	if done.Status != JobStatusDone || done.Completed != 1 {
		t.Fatalf("job = %+v, want done with 1 completed", done)
	}
	if len(done.Missing) != 0 || len(done.Warnings) != 0 {
		t.Fatalf("missing=%v warnings=%v, want clean backfill", done.Missing, done.Warnings)
	}

	stored, err := db.LoadRecent(context.Background(), "BTCUSDT", "1m", 20)
	if err != nil || len(stored) != 10 {
		t.Fatalf("sqlite after backfill: %d candles, err=%v", len(stored), err)
	}
}

func TestSubmitBackfillValidation(t *testing.T) {
	src := newFakeSource()
	db := openTestDB(t)

	svc := newTestService(t, ServiceParams{Cache: store.NewMemoryKlineStore()})
	if _, err := svc.SubmitBackfill(Params{Symbols: []string{"BTCUSDT"}, Start: 1, End: 2}); err == nil {
		t.Fatalf("expected error without source and store")
	}

	svc = newTestService(t, ServiceParams{Source: src, Store: db})
	if _, err := svc.SubmitBackfill(Params{Symbols: []string{"BTCUSDT"}, Start: 100, End: 1}); err == nil {
		t.Fatalf("expected error for inverted range")
	}
	if _, err := svc.SubmitBackfill(Params{Start: 1, End: 2}); err == nil {
		t.Fatalf("expected error for empty symbols")
	}
}

func TestJobsSnapshotNewestFirst(t *testing.T) {
	src := newFakeSource()
	src.put("BTCUSDT", "15m", flatCandles(80))
	svc := newTestService(t, ServiceParams{Source: src, Cache: store.NewMemoryKlineStore()})

	first, err := svc.SubmitScan(Params{Symbols: []string{"BTCUSDT"}})
	if err != nil {
		t.Fatalf("SubmitScan #1: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := svc.SubmitScan(Params{Symbols: []string{"BTCUSDT"}})
	if err != nil {
		t.Fatalf("SubmitScan #2: %v", err)
	}

	jobs := svc.JobsSnapshot()
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	if jobs[0].ID != second.ID || jobs[1].ID != first.ID {
		t.Fatalf("order = [%s %s], want newest first", jobs[0].ID, jobs[1].ID)
	}
	waitJob(t, svc, first.ID)
	waitJob(t, svc, second.ID)
}

func TestCandlesQuery(t *testing.T) {
	cache := store.NewMemoryKlineStore()
	ctx := context.Background()
	if err := cache.Put(ctx, "BTCUSDT", "15m", flatCandles(10), 0); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	svc := newTestService(t, ServiceParams{Cache: cache})

	ks, err := svc.Candles(ctx, "btcusdt", "15m", 2*60_000, 5*60_000, 0)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(ks) != 4 {
		t.Fatalf("candles = %d, want 4 in [2m, 5m]", len(ks))
	}
	for _, c := range ks {
		if c.OpenTime < 2*60_000 || c.OpenTime > 5*60_000 {
			t.Fatalf("candle %d outside requested range", c.OpenTime)
		}
	}

	ks, err = svc.Candles(ctx, "BTCUSDT", "15m", 0, 0, 3)
	if err != nil {
		t.Fatalf("Candles limit: %v", err)
	}
	if len(ks) != 3 {
		t.Fatalf("candles = %d, want limit 3", len(ks))
	}
}
