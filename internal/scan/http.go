package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"divscan/internal/profile"
	"divscan/internal/render"
	"divscan/internal/scan/ui"
	profileapi "divscan/internal/transport/http/profile"
)

// HTTPServer 提供 Gin 接口，供前端触发扫描/补齐并查询进度。
type HTTPServer struct {
	addr      string
	svc       *Service
	router    *gin.Engine
	indexHTML []byte
	chartBars int
}

type HTTPConfig struct {
	Addr      string
	Svc       *Service
	Profiles  *profile.Manager
	ChartBars int
}

func NewHTTPServer(cfg HTTPConfig) (*HTTPServer, error) {
	if cfg.Svc == nil {
		return nil, errors.New("service 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	staticFS, err := ui.StaticFS()
	if err != nil {
		return nil, fmt.Errorf("加载前端静态资源失败: %w", err)
	}
	indexHTML, err := ui.Index()
	if err != nil {
		return nil, fmt.Errorf("加载前端首页失败: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.StaticFS("/static", staticFS)

	s := &HTTPServer{
		addr:      cfg.Addr,
		svc:       cfg.Svc,
		router:    router,
		indexHTML: indexHTML,
		chartBars: cfg.ChartBars,
	}
	s.registerRoutes()
	if cfg.Profiles != nil {
		profileapi.NewRouter(cfg.Profiles).Register(router.Group("/api/profiles"))
	}
	return s, nil
}

func (s *HTTPServer) registerRoutes() {
	s.router.GET("/", s.handleIndex)
	api := s.router.Group("/api/scan")
	api.POST("/jobs", s.handleSubmitScan)
	api.GET("/jobs", s.handleJobs)
	api.GET("/jobs/:id", s.handleJobStatus)
	api.POST("/backfill", s.handleBackfill)
	api.GET("/data", s.handleManifest)
	api.GET("/candles", s.handleCandles)
	api.GET("/chart", s.handleChart)
}

func (s *HTTPServer) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", s.indexHTML)
}

func (s *HTTPServer) handleSubmitScan(c *gin.Context) {
	var req struct {
		Symbols  []string `json:"symbols"`
		Interval string   `json:"interval"`
		Bars     int      `json:"bars"`
		Profile  string   `json:"profile"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.svc.SubmitScan(Params{
		Symbols:  req.Symbols,
		Interval: req.Interval,
		Bars:     req.Bars,
		Profile:  req.Profile,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *HTTPServer) handleJobStatus(c *gin.Context) {
	id := c.Param("id")
	job, ok := s.svc.JobSnapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *HTTPServer) handleJobs(c *gin.Context) {
	list := s.svc.JobsSnapshot()
	c.JSON(http.StatusOK, gin.H{"jobs": list})
}

func (s *HTTPServer) handleBackfill(c *gin.Context) {
	var req struct {
		Symbols  []string `json:"symbols" binding:"required"`
		Interval string   `json:"interval"`
		StartTS  int64    `json:"start_ts" binding:"required"`
		EndTS    int64    `json:"end_ts" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.svc.SubmitBackfill(Params{
		Symbols:  req.Symbols,
		Interval: req.Interval,
		Start:    req.StartTS,
		End:      req.EndTS,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *HTTPServer) handleManifest(c *gin.Context) {
	symbol := c.Query("symbol")
	interval := c.Query("interval")
	if symbol == "" || interval == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/interval 必填"})
		return
	}
	info, err := s.svc.ManifestInfo(c.Request.Context(), symbol, interval)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": info})
}

func (s *HTTPServer) handleCandles(c *gin.Context) {
	symbol := c.Query("symbol")
	interval := c.Query("interval")
	if symbol == "" || interval == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/interval 必填"})
		return
	}
	start, _ := strconv.ParseInt(c.Query("start_ts"), 10, 64)
	end, _ := strconv.ParseInt(c.Query("end_ts"), 10, 64)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	data, err := s.svc.Candles(c.Request.Context(), symbol, interval, start, end, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": data})
}

// handleChart 同步跑一轮扫描并以 HTML 返回带标记的 K 线图。
func (s *HTTPServer) handleChart(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol 必填"})
		return
	}
	bars, _ := strconv.Atoi(c.Query("bars"))
	candles, res, err := s.svc.ChartData(c.Request.Context(), symbol, Params{
		Interval: c.Query("interval"),
		Bars:     bars,
		Profile:  c.Query("profile"),
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var buf bytes.Buffer
	cfg := render.ChartConfig{
		Title:   fmt.Sprintf("%s %s", res.Symbol, res.Interval),
		MaxBars: s.chartBars,
	}
	if err := render.WriteKlineChart(&buf, candles, res.Events, cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *HTTPServer) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
