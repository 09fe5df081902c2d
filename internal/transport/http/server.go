package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"qtf/internal/market"
	"qtf/internal/service"
	"qtf/internal/store/candle"
	"qtf/internal/store/results"
	"qtf/internal/strategy"
)

// Server 提供回测与数据查询的 HTTP API。
type Server struct {
	addr     string
	runner   *service.Runner
	results  *results.Store
	registry *strategy.Registry
	candles  *candle.Store
	router   *gin.Engine
}

// Config 描述 HTTP Server 的依赖。
type Config struct {
	Addr     string
	Runner   *service.Runner
	Results  *results.Store
	Registry *strategy.Registry
	Candles  *candle.Store
}

// NewServer 构建 HTTP Server。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, errors.New("runner 不能为空")
	}
	if cfg.Results == nil {
		return nil, errors.New("results store 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9980"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		addr:     cfg.Addr,
		runner:   cfg.Runner,
		results:  cfg.Results,
		registry: cfg.Registry,
		candles:  cfg.Candles,
		router:   router,
	}
	s.registerRoutes()
	return s, nil
}

// Handler 暴露底层 handler，测试用。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	api := s.router.Group("/api/backtest")
	api.POST("/runs", s.handleRunStart)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
	api.GET("/runs/:id/equity", s.handleRunEquity)
	api.GET("/runs/:id/orders", s.handleRunOrders)
	api.GET("/runs/:id/fills", s.handleRunFills)

	s.router.GET("/api/strategies", s.handleStrategies)
	s.router.GET("/api/data/manifest", s.handleManifest)
	s.router.GET("/api/data/candles", s.handleCandles)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UnixMilli()})
}

func (s *Server) handleRunStart(c *gin.Context) {
	var req service.RunParams
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	runID, err := s.runner.Submit(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func (s *Server) handleRunList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.results.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	run, err := s.results.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, results.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleRunEquity(c *gin.Context) {
	curve, err := s.results.EquityCurve(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"equity": curve})
}

func (s *Server) handleRunOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	orders, err := s.results.ListOrders(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) handleRunFills(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	fills, err := s.results.ListFills(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fills": fills})
}

func (s *Server) handleStrategies(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "策略模板未启用"})
		return
	}
	snap := s.registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version":   snap.Version,
		"loaded_at": snap.LoadedAt.UnixMilli(),
		"templates": snap.Templates,
	})
}

func (s *Server) handleManifest(c *gin.Context) {
	if s.candles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "K 线缓存未启用"})
		return
	}
	symbol := c.Query("symbol")
	interval := c.Query("interval")
	if symbol == "" || interval == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/interval 必填"})
		return
	}
	m, err := s.candles.Manifest(c.Request.Context(), symbol, interval)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": m})
}

func (s *Server) handleCandles(c *gin.Context) {
	if s.candles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "K 线缓存未启用"})
		return
	}
	symbol := c.Query("symbol")
	interval := c.Query("interval")
	if symbol == "" || interval == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/interval 必填"})
		return
	}
	if _, err := market.ParseInterval(interval); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, _ := strconv.ParseInt(c.Query("start_ts"), 10, 64)
	end, _ := strconv.ParseInt(c.Query("end_ts"), 10, 64)
	var (
		bars []market.Bar
		err  error
	)
	if start > 0 && end >= start {
		bars, err = s.candles.Range(c.Request.Context(), symbol, interval,
			time.UnixMilli(start).UTC(), time.UnixMilli(end).UTC())
	} else {
		limit, convErr := strconv.Atoi(c.DefaultQuery("limit", "200"))
		if convErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
			return
		}
		bars, err = s.candles.Latest(c.Request.Context(), symbol, interval, limit)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": bars})
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
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
