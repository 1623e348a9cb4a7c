package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"divscan/internal/coins"
	"divscan/internal/config"
	"divscan/internal/config/writer"
	"divscan/internal/gateway/binance"
	"divscan/internal/logger"
	"divscan/internal/market"
	"divscan/internal/notifier"
	"divscan/internal/profile"
	"divscan/internal/render"
	"divscan/internal/scan"
	"divscan/internal/scheduler"
	"divscan/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "scan":
		err = runScan(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "fetch":
		err = runFetch(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "未知子命令 %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Errorf("[main] %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `divscan - 多振荡指标背离扫描

用法:
  divscan scan   [flags]   跑一轮扫描并打印结果
  divscan serve  [flags]   启动 HTTP 服务与定时扫描
  divscan fetch  [flags]   补齐历史K线到本地 sqlite

各子命令支持 -h 查看参数，配置文件默认 config.toml，
也可用 CONFIG_PATH 环境变量指定。
`)
}

func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		return v
	}
	return "config.toml"
}

// app 聚合一次运行用到的全部组件。可选组件缺失时保持 nil，
// 扫描服务对 nil 依赖自行降级。
type app struct {
	cfg *config.Config
	src *binance.Source
	db  *store.SQLiteStore
	mgr *profile.Manager
	svc *scan.Service
}

func buildApp(ctx context.Context, cfgPath string, offline bool) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}
	logger.SetLevel(cfg.Log.Level)

	a := &app{cfg: cfg}
	if !offline {
		src, err := binance.New(binance.Config{
			APIKey:          cfg.Binance.APIKey,
			APISecret:       cfg.Binance.APISecret,
			RESTBaseURL:     cfg.Binance.RESTBaseURL,
			RateLimitPerMin: cfg.Binance.RateLimitPerMin,
			PageLimit:       cfg.Binance.PageLimit,
			HTTPTimeout:     cfg.Binance.HTTPTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("初始化行情来源失败: %w", err)
		}
		a.src = src
	}

	db, err := store.OpenSQLite(cfg.Store.SQLitePath)
	if err != nil {
		logger.Warnf("[main] sqlite 打开失败，本次运行不落盘: %v", err)
	} else {
		a.db = db
	}

	engineCfg, err := cfg.Scan.Engine.Divergence()
	if err != nil {
		return nil, err
	}
	mgr := profile.NewManager(writer.NewProfileWriter(cfg.Scan.ProfileFile), profile.Defaults{
		Interval:    cfg.Scan.Interval,
		Bars:        cfg.Scan.Bars,
		Oscillators: cfg.Scan.Oscillators,
		Engine:      engineCfg,
	})
	if err := mgr.Reload(); err != nil {
		return nil, fmt.Errorf("加载 profile 失败: %w", err)
	}
	a.mgr = mgr

	tg, err := notifier.New(notifier.Config{
		BotToken:   cfg.Telegram.BotToken,
		ChatID:     cfg.Telegram.ChatID,
		MaxRetries: cfg.Telegram.MaxRetries,
		RetryBase:  cfg.Telegram.RetryBase(),
	})
	if err != nil {
		logger.Warnf("[main] telegram 初始化失败，通知停用: %v", err)
		tg = nil
	}

	var symbols coins.SymbolProvider
	if cfg.Scan.TopVolume.Enabled && a.src != nil {
		p := coins.NewTopVolumeProvider(a.src, coins.TopVolumeConfig{
			Count:          cfg.Scan.TopVolume.Count,
			RefreshSeconds: cfg.Scan.TopVolume.RefreshSeconds,
			Fallback:       cfg.Scan.Symbols,
		})
		p.StartAutoRefresh(ctx)
		symbols = p
	} else if len(cfg.Scan.Symbols) > 0 {
		symbols = coins.NewDefaultProvider(cfg.Scan.Symbols)
	}

	params := scan.ServiceParams{
		Store:    a.db,
		Cache:    store.NewMemoryKlineStore(),
		Profiles: mgr,
		Symbols:  symbols,
		Notifier: tg,
		Config: scan.Config{
			Interval:    cfg.Scan.Interval,
			Bars:        cfg.Scan.Bars,
			Oscillators: cfg.Scan.Oscillators,
			Engine:      engineCfg,
			Concurrency: cfg.Scan.Concurrency,
			CacheBars:   cfg.Store.MaxBars,
		},
		Eval: scan.EvalConfig{
			ATRPeriod:     cfg.Eval.ATRPeriod,
			ATRMultiplier: cfg.Eval.ATRMultiplier,
			DefaultWindow: cfg.Eval.DefaultWindow,
			WindowBars:    cfg.Eval.WindowBars,
		},
		BaseCtx: ctx,
	}
	if a.src != nil {
		params.Source = a.src
	}
	svc, err := scan.NewService(params)
	if err != nil {
		return nil, err
	}
	a.svc = svc
	return a, nil
}

func (a *app) close() {
	if a == nil {
		return
	}
	if a.src != nil {
		_ = a.src.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	cfgPath := fs.String("config", "", "配置文件路径")
	symbolsFlag := fs.String("symbols", "", "逗号分隔的交易对，留空用配置或 profile")
	interval := fs.String("interval", "", "覆盖扫描周期")
	bars := fs.Int("bars", 0, "覆盖K线根数")
	profileName := fs.String("profile", "", "只扫指定 profile")
	charts := fs.Bool("charts", false, "把带标记的K线图写到 render.output_dir")
	notify := fs.Bool("notify", false, "扫描完成后推送信号")
	offline := fs.Bool("offline", false, "只用本地数据，不访问行情接口")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, configPath(*cfgPath), *offline)
	if err != nil {
		return err
	}
	defer a.close()

	p := scan.Params{Interval: *interval, Bars: *bars, Profile: *profileName}
	if *symbolsFlag != "" {
		p.Symbols = strings.Split(*symbolsFlag, ",")
	}

	var results []scan.SymbolResult
	if *charts {
		results, err = scanWithCharts(ctx, a, p, a.cfg.Render.OutputDir)
	} else {
		results, err = a.svc.ScanMany(ctx, p, nil)
	}
	if err != nil {
		return err
	}

	fmt.Println(scan.FormatScanTable(results))
	for _, res := range results {
		if len(res.Events) == 0 {
			continue
		}
		fmt.Printf("\n%s %s\n%s\n", res.Symbol, res.Interval, scan.FormatEventsTable(res))
	}
	if stats := scan.AggregateStats(results); len(stats) > 0 {
		fmt.Printf("\n%s\n", scan.FormatStatsTable(stats))
	}

	if *notify {
		a.svc.NotifyResults(results)
	}
	return nil
}

// scanWithCharts 逐个交易对扫描并落图。图表需要与事件对齐的原始K线，
// 因此不走并发批量路径。
func scanWithCharts(ctx context.Context, a *app, p scan.Params, dir string) ([]scan.SymbolResult, error) {
	symbols, err := a.svc.TargetSymbols(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建图表目录失败: %w", err)
	}

	results := make([]scan.SymbolResult, 0, len(symbols))
	for _, sym := range symbols {
		candles, res, err := a.svc.ChartData(ctx, sym, p)
		if err != nil {
			results = append(results, scan.SymbolResult{Symbol: sym, Error: err.Error()})
			continue
		}
		results = append(results, res)

		htmlPath := filepath.Join(dir, fmt.Sprintf("%s_%s.html", res.Symbol, res.Interval))
		chartCfg := render.ChartConfig{
			Title:   fmt.Sprintf("%s %s", res.Symbol, res.Interval),
			MaxBars: a.cfg.Render.MaxBars,
		}
		if err := render.SaveKlineChart(htmlPath, candles, res.Events, chartCfg); err != nil {
			logger.Warnf("[main] %s 图表写入失败: %v", res.Symbol, err)
			continue
		}
		logger.Infof("[main] 图表已写入 %s", htmlPath)

		if a.cfg.Render.SnapshotEnabled {
			pngPath := strings.TrimSuffix(htmlPath, ".html") + ".png"
			if err := render.Snapshot(ctx, htmlPath, pngPath, a.cfg.Render.SnapshotTimeout()); err != nil {
				logger.Warnf("[main] %s 截图失败: %v", res.Symbol, err)
			}
		}
	}
	return results, nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "", "配置文件路径")
	addr := fs.String("addr", "", "覆盖监听地址")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, configPath(*cfgPath), false)
	if err != nil {
		return err
	}
	defer a.close()

	listen := a.cfg.HTTP.Addr
	if *addr != "" {
		listen = *addr
	}
	srv, err := scan.NewHTTPServer(scan.HTTPConfig{
		Addr:      listen,
		Svc:       a.svc,
		Profiles:  a.mgr,
		ChartBars: a.cfg.Render.MaxBars,
	})
	if err != nil {
		return err
	}

	if a.cfg.Schedule.Enabled {
		sched, err := scheduler.New(a.svc, a.cfg.Schedule.Cron, scan.Params{})
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	logger.Infof("[main] http 服务监听 %s", listen)
	return srv.Start(ctx)
}

func runFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	cfgPath := fs.String("config", "", "配置文件路径")
	symbolsFlag := fs.String("symbols", "", "逗号分隔的交易对（必填）")
	interval := fs.String("interval", "", "K线周期，留空用配置默认值")
	startStr := fs.String("start", "", "起始日期 2006-01-02（UTC）")
	endStr := fs.String("end", "", "结束日期 2006-01-02（UTC），留空到当前")
	days := fs.Int("days", 0, "只取最近 N 天，替代 -start/-end")
	csvDir := fs.String("csv", "", "补齐后把区间内K线导出为 CSV 到该目录")
	_ = fs.Parse(args)

	if *symbolsFlag == "" {
		return errors.New("fetch 需要 -symbols")
	}
	start, end, err := resolveRange(*startStr, *endStr, *days)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, configPath(*cfgPath), false)
	if err != nil {
		return err
	}
	defer a.close()

	iv := *interval
	if iv == "" {
		iv = a.cfg.Scan.Interval
	}
	symbols, err := coins.NormalizeSymbols(strings.Split(*symbolsFlag, ","))
	if err != nil {
		return err
	}

	if *csvDir != "" {
		if err := os.MkdirAll(*csvDir, 0o755); err != nil {
			return fmt.Errorf("创建 CSV 目录失败: %w", err)
		}
	}
	for _, sym := range symbols {
		report, err := a.svc.Backfill(ctx, sym, iv, start, end)
		if err != nil {
			logger.Errorf("[main] %s 补齐失败: %v", sym, err)
			continue
		}
		fmt.Printf("%-12s %s  %d/%d 根", sym, iv, report.Present, report.Expected)
		if report.Complete() {
			fmt.Println("  完整")
		} else {
			fmt.Printf("  缺口 %d 段\n", len(report.Gaps))
			for _, gap := range report.Gaps {
				fmt.Printf("    %s ~ %s (%d 根)\n",
					time.UnixMilli(gap.From).UTC().Format("2006-01-02 15:04"),
					time.UnixMilli(gap.To).UTC().Format("2006-01-02 15:04"),
					gap.Count)
			}
		}
		if *csvDir != "" {
			if err := exportCSV(ctx, a, sym, iv, start, end, *csvDir); err != nil {
				logger.Warnf("[main] %s CSV 导出失败: %v", sym, err)
			}
		}
	}
	return nil
}

func exportCSV(ctx context.Context, a *app, symbol, interval string, start, end int64, dir string) error {
	candles, err := a.svc.Candles(ctx, symbol, interval, start, end, 0)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.csv", symbol, interval))
	if err := market.SaveCSV(path, candles); err != nil {
		return err
	}
	logger.Infof("[main] 已导出 %d 根K线到 %s", len(candles), path)
	return nil
}

func resolveRange(startStr, endStr string, days int) (int64, int64, error) {
	if days > 0 {
		end := time.Now().UTC()
		start := end.AddDate(0, 0, -days)
		return start.UnixMilli(), end.UnixMilli(), nil
	}
	if startStr == "" {
		return 0, 0, errors.New("fetch 需要 -start 或 -days")
	}
	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		return 0, 0, fmt.Errorf("起始日期无法解析: %w", err)
	}
	end := time.Now().UTC()
	if endStr != "" {
		end, err = time.Parse("2006-01-02", endStr)
		if err != nil {
			return 0, 0, fmt.Errorf("结束日期无法解析: %w", err)
		}
		// 结束日期取当天最后一毫秒，让整天落在区间内。
		end = end.AddDate(0, 0, 1).Add(-time.Millisecond)
	}
	if end.Before(start) {
		return 0, 0, fmt.Errorf("时间范围无效: %s 在 %s 之后", startStr, endStr)
	}
	return start.UnixMilli(), end.UnixMilli(), nil
}
