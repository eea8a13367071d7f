package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"stockpipe/pkg/core"
	pipeerr "stockpipe/pkg/error"
	"stockpipe/pkg/logger"
	"stockpipe/pkg/pipeline"
	"stockpipe/pkg/storage"
	"stockpipe/pkg/universe"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CheckpointSource 提供最近一次运行的检查点，*pipeline.Pipeline 满足此接口
type CheckpointSource interface {
	Latest() *core.Checkpoint
}

// PartitionReader 读取分区元数据，*storage.PartitionedStore 满足此接口
type PartitionReader interface {
	ListPartitions(ticker string) ([]core.PartitionMetadata, error)
	ReadMetadata(ticker string, day time.Time) (*core.PartitionMetadata, error)
	Verify(ticker string, day time.Time) (*core.PartitionMetadata, error)
}

// CatalogLister 从目录查询分区，*storage.Catalog 满足此接口
type CatalogLister interface {
	List(ctx context.Context, ticker string) ([]core.PartitionMetadata, error)
}

// StatusReporter 提供组件状态，例如限流器
type StatusReporter interface {
	GetStatus() map[string]interface{}
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// PartitionResponse 分区信息
type PartitionResponse struct {
	core.PartitionMetadata
	Day      string `json:"day"`
	Path     string `json:"path,omitempty"`
	Provider string `json:"provider,omitempty"`
	Verified *bool  `json:"verified,omitempty"`
}

// Options 状态服务的数据来源，未设置的来源对应的接口返回 404 或省略
type Options struct {
	Checkpoints    CheckpointSource
	CheckpointPath string // 内存中没有检查点时从该文件读取
	Partitions     PartitionReader
	Catalog        CatalogLister
	Limiter        StatusReporter
	Mode           string
}

// Server 只读的运行状态查询服务
type Server struct {
	opts    Options
	started time.Time
	server  *http.Server
	log     *logrus.Entry
}

// NewServer 创建状态服务
func NewServer(opts Options, log *logrus.Entry) *Server {
	if log == nil {
		log = logger.WithComponent("APIServer")
	}
	return &Server{opts: opts, started: time.Now(), log: log}
}

// Router 构建 gin 路由
func (s *Server) Router() *gin.Engine {
	if s.opts.Mode != "" {
		gin.SetMode(s.opts.Mode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/health", s.healthCheck)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/runs/latest", s.getLatestRun)
		v1.GET("/partitions/:ticker", s.getPartitions)
		v1.GET("/partitions/:ticker/:date", s.getPartition)
		v1.GET("/providers", s.getProviders)
	}
	return router
}

// Start 同步绑定 addr，绑定失败（例如端口被占用）直接返回错误，随后在后台提供服务
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.server = &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithField("addr", s.server.Addr).Info("启动状态查询服务")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("状态查询服务异常退出")
		}
	}()
	return nil
}

// Addr 实际监听地址，Start 之前为空
func (s *Server) Addr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).Round(time.Microsecond),
		}).Debug("HTTP 请求")
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	health := gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}
	if cp := s.latest(); cp != nil {
		health["last_run"] = gin.H{
			"run_id":       cp.RunID,
			"timestamp":    cp.Timestamp,
			"success_rate": cp.DataQuality.SuccessRate,
		}
	}
	c.JSON(http.StatusOK, health)
}

func (s *Server) latest() *core.Checkpoint {
	if s.opts.Checkpoints != nil {
		if cp := s.opts.Checkpoints.Latest(); cp != nil {
			return cp
		}
	}
	if s.opts.CheckpointPath != "" {
		if cp, err := pipeline.ReadCheckpoint(s.opts.CheckpointPath); err == nil {
			return cp
		}
	}
	return nil
}

func (s *Server) getLatestRun(c *gin.Context) {
	cp := s.latest()
	if cp == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "No run has completed yet"})
		return
	}
	c.JSON(http.StatusOK, cp)
}

func (s *Server) getPartitions(c *gin.Context) {
	ticker := universe.Normalize(c.Param("ticker"))
	if ticker == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "Ticker is required"})
		return
	}

	var (
		parts []core.PartitionMetadata
		err   error
	)
	switch {
	case s.opts.Catalog != nil:
		parts, err = s.opts.Catalog.List(c.Request.Context(), ticker)
	case s.opts.Partitions != nil:
		parts, err = s.opts.Partitions.ListPartitions(ticker)
	default:
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Partition storage is not configured"})
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("ticker", ticker).Error("查询分区失败")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "Failed to list partitions"})
		return
	}

	out := make([]PartitionResponse, 0, len(parts))
	for _, p := range parts {
		out = append(out, toResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{
		"ticker":     ticker,
		"count":      len(out),
		"partitions": out,
	})
}

func (s *Server) getPartition(c *gin.Context) {
	if s.opts.Partitions == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Partition storage is not configured"})
		return
	}
	ticker := universe.Normalize(c.Param("ticker"))
	day, err := time.Parse("2006-01-02", c.Param("date"))
	if ticker == "" || err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "Expected /partitions/:ticker/YYYY-MM-DD"})
		return
	}

	verify := c.Query("verify") == "true"
	var meta *core.PartitionMetadata
	if verify {
		meta, err = s.opts.Partitions.Verify(ticker, day)
	} else {
		meta, err = s.opts.Partitions.ReadMetadata(ticker, day)
	}

	switch {
	case err == nil:
	case pipeerr.IsCode(err, storage.ErrPartitionNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Partition not found"})
		return
	case verify && meta != nil && pipeerr.IsCode(err, storage.ErrStorageCorrupted):
		failed := false
		resp := toResponse(*meta)
		resp.Verified = &failed
		c.JSON(http.StatusConflict, gin.H{"partition": resp, "error": err.Error()})
		return
	default:
		s.log.WithError(err).WithField("ticker", ticker).Error("读取分区失败")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()})
		return
	}

	resp := toResponse(*meta)
	if verify {
		ok := true
		resp.Verified = &ok
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getProviders(c *gin.Context) {
	if s.opts.Limiter == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Rate limiter is not configured"})
		return
	}
	c.JSON(http.StatusOK, s.opts.Limiter.GetStatus())
}

func toResponse(p core.PartitionMetadata) PartitionResponse {
	return PartitionResponse{
		PartitionMetadata: p,
		Day:               p.DateRange.Start.UTC().Format("2006-01-02"),
		Path:              p.Path,
		Provider:          p.Provider,
	}
}
