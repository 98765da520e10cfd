package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"priceoracle/internal/errors"
	"priceoracle/internal/journal"
	"priceoracle/internal/monitor"
	"priceoracle/internal/updater"
	"priceoracle/pkg/models"
)

const (
	defaultSubmissionLimit = 20
	maxSubmissionLimit     = 500
)

// StatusProvider 更新控制器状态
type StatusProvider interface {
	Snapshot() updater.Snapshot
}

// SubmissionStore 提交日志只读视图
type SubmissionStore interface {
	Recent(limit int) ([]*models.SubmissionRecord, error)
	GetStats() *journal.Stats
}

// Options 服务器依赖，除 Metrics 外都可以为空
type Options struct {
	Status  StatusProvider
	Journal SubmissionStore
	Metrics *monitor.Metrics
	Errors  *errors.ErrorHandler
	Config  ConfigStore // 为空时不注册配置覆盖接口
}

// Server 状态接口服务器
type Server struct {
	opts       Options
	logger     *logrus.Logger
	logManager *LogManager
	router     *gin.Engine
	startedAt  time.Time

	mu     sync.Mutex
	server *http.Server
}

// NewServer 创建状态接口服务器
func NewServer(opts Options, logger *logrus.Logger) *Server {
	if opts.Metrics == nil {
		opts.Metrics = monitor.NewMetrics(nil)
	}

	// 最多保存1000条日志
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	s := &Server{
		opts:       opts,
		logger:     logger,
		logManager: logManager,
		startedAt:  time.Now(),
	}
	s.router = s.newRouter()
	return s
}

// Handler 返回路由，用于测试或挂载到其他服务器
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// 添加CORS中间件
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	router.Use(gin.Recovery())
	router.Use(s.opts.Metrics.GinMiddleware())

	s.setupRoutes(router)
	return router
}

// Start 启动服务器，阻塞直到 Stop 被调用
func (s *Server) Start(bind string) error {
	srv := &http.Server{
		Addr:              bind,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Infof("状态接口启动在 %s", bind)
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("正在停止状态接口")
	return srv.Shutdown(ctx)
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)
	router.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/status", s.getStatus)
		api.GET("/submissions", s.getSubmissions)

		// 日志管理
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		// 配置覆盖项
		if s.opts.Config != nil {
			cm := NewConfigManager(s.opts.Config, s.logger)
			api.GET("/config", cm.ListConfigs)
			api.GET("/config/:key", cm.GetConfig)
			api.PUT("/config", cm.UpdateConfig)
			api.DELETE("/config/:key", cm.DisableConfig)
		}
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "priceoracle",
	})
}

// getStatus 控制器状态、提交统计和错误统计
func (s *Server) getStatus(c *gin.Context) {
	resp := gin.H{
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}

	if s.opts.Status != nil {
		resp["updater"] = s.opts.Status.Snapshot()
	} else {
		resp["updater"] = gin.H{"state": "not_running"}
	}

	if s.opts.Journal != nil {
		resp["journal"] = s.opts.Journal.GetStats()
	}

	if s.opts.Errors != nil {
		resp["errors"] = errorSummary(s.opts.Errors.GetStats())
	}

	c.JSON(http.StatusOK, resp)
}

// errorSummary 错误统计按名称展开，便于阅读
func errorSummary(stats errors.ErrorStats) gin.H {
	byType := make(map[string]int, len(stats.ErrorsByType))
	for t, n := range stats.ErrorsByType {
		byType[t.String()] = n
	}
	bySeverity := make(map[string]int, len(stats.ErrorsBySeverity))
	for sev, n := range stats.ErrorsBySeverity {
		bySeverity[sev.String()] = n
	}

	summary := gin.H{
		"total":         stats.TotalErrors,
		"by_type":       byType,
		"by_severity":   bySeverity,
		"by_component":  stats.ErrorsByComponent,
		"rate_per_hour": stats.GetErrorRate(time.Hour),
	}
	if stats.LastError != nil {
		summary["last_error"] = stats.LastError.Error()
		summary["last_error_time"] = stats.LastErrorTime
	}
	return summary
}

// getSubmissions 最近的提交记录，最新的在前
func (s *Server) getSubmissions(c *gin.Context) {
	if s.opts.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "提交日志未启用"})
		return
	}

	limit := defaultSubmissionLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit 必须为正整数"})
			return
		}
		limit = l
	}
	if limit > maxSubmissionLimit {
		limit = maxSubmissionLimit
	}

	records, err := s.opts.Journal.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "读取提交日志失败",
			"message": err.Error(),
		})
		return
	}
	if records == nil {
		records = []*models.SubmissionRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"submissions": records,
		"count":       len(records),
		"limit":       limit,
	})
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")
	pageStr := c.Query("page")
	pageSizeStr := c.Query("pageSize")

	page := 1 // 默认第1页
	if pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	pageSize := 20 // 默认每页20条
	if pageSizeStr != "" {
		if ps, err := strconv.Atoi(pageSizeStr); err == nil && ps > 0 {
			pageSize = ps
		}
	}

	logs, total := s.logManager.GetLogsWithPagination(level, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()

	c.JSON(http.StatusOK, gin.H{
		"message": "日志已清空",
	})
}
