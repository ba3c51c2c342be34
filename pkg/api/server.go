// Package api 提供管理用 HTTP 接口：提交丰富请求、查询任务和运维缓存/提供商。
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"trackenrich/pkg/config"
	"trackenrich/pkg/core"
	"trackenrich/pkg/enrich"
	"trackenrich/pkg/logger"
	"trackenrich/pkg/scheduler"
)

// Server 管理 API 服务器。
type Server struct {
	svc    *enrich.Service
	server *http.Server
	log    *logrus.Entry
}

// trackRequest 单条曲目请求体。
type trackRequest struct {
	Artist   string `json:"artist" binding:"required"`
	Title    string `json:"title" binding:"required"`
	Album    string `json:"album"`
	Year     int    `json:"year"`
	Priority int    `json:"priority"`
}

func (r trackRequest) track() core.Track {
	return core.Track{Artist: r.Artist, Title: r.Title, Album: r.Album, Year: r.Year}
}

func (r trackRequest) priority() int {
	if r.Priority == 0 {
		return scheduler.PriorityNormal
	}
	return r.Priority
}

// batchRequest 批量请求体。
type batchRequest struct {
	Tracks   []trackRequest `json:"tracks" binding:"required"`
	Priority int            `json:"priority"`
}

// NewServer 创建管理 API 服务器。
func NewServer(cfg config.APIConfig, svc *enrich.Service) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		svc: svc,
		log: logger.WithComponent("api"),
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	router.GET("/stats", s.stats)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/enrich", s.enrichSync)
		v1.POST("/tasks", s.submitTask)
		v1.GET("/tasks/:id", s.getTask)
		v1.DELETE("/tasks/:id", s.cancelTask)
		v1.POST("/batches", s.submitBatch)
		v1.GET("/batches/:id", s.getBatch)

		v1.GET("/providers", s.allProviders)
		v1.GET("/providers/:name", s.providerStatus)
		v1.POST("/providers/:name/reset", s.resetProvider)
		v1.POST("/providers/:name/recover", s.recoverProvider)

		v1.GET("/cache", s.cacheReport)
		v1.DELETE("/cache", s.clearCache)
		v1.DELETE("/cache/:source", s.invalidateSource)
	}

	s.server = &http.Server{
		Addr:    cfg.Listen,
		Handler: router,
	}
	return s
}

// Start 在后台启动监听。
func (s *Server) Start() {
	go func() {
		s.log.Infof("管理 API 监听于 %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("API 服务器异常退出: %v", err)
		}
	}()
}

// Stop 优雅关闭监听。
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now()})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Stats())
}

// enrichSync 同步丰富一条曲目，阻塞到聚合完成。
func (s *Server) enrichSync(c *gin.Context) {
	var req trackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.svc.Enrich(c.Request.Context(), req.track())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) submitTask(c *gin.Context) {
	var req trackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	taskID, err := s.svc.EnrichAsync(req.track(), req.priority(), nil)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.svc.GetTaskStatus(c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) cancelTask(c *gin.Context) {
	if err := s.svc.CancelTask(c.Param("id")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": c.Param("id")})
}

func (s *Server) submitBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tracks := make([]core.Track, 0, len(req.Tracks))
	for _, tr := range req.Tracks {
		tracks = append(tracks, tr.track())
	}
	priority := req.Priority
	if priority == 0 {
		priority = scheduler.PriorityNormal
	}

	batchID, err := s.svc.EnrichBatchAsync(tracks, priority, nil)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batch_id": batchID})
}

func (s *Server) getBatch(c *gin.Context) {
	batch, err := s.svc.GetBatchStatus(c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (s *Server) allProviders(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.GetAllProviderStatus())
}

func (s *Server) providerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.GetProviderStatus(c.Param("name")))
}

func (s *Server) resetProvider(c *gin.Context) {
	s.svc.ResetProvider(c.Param("name"))
	c.JSON(http.StatusOK, gin.H{"reset": c.Param("name")})
}

func (s *Server) recoverProvider(c *gin.Context) {
	s.svc.ForceRecovery(c.Param("name"))
	c.JSON(http.StatusOK, gin.H{"recovered": c.Param("name")})
}

func (s *Server) cacheReport(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.GetCacheReport())
}

func (s *Server) clearCache(c *gin.Context) {
	s.svc.ClearCache(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (s *Server) invalidateSource(c *gin.Context) {
	removed := s.svc.InvalidateSource(c.Request.Context(), c.Param("source"))
	c.JSON(http.StatusOK, gin.H{"source": c.Param("source"), "removed": removed})
}

// statusFor 把错误代码映射到 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case core.IsCode(err, core.ErrInvalidTrack), core.IsCode(err, core.ErrNoProviders):
		return http.StatusBadRequest
	case core.IsCode(err, core.ErrTaskNotFound):
		return http.StatusNotFound
	case core.IsCode(err, core.ErrTaskNotCancellable):
		return http.StatusConflict
	case core.IsCode(err, core.ErrSystemShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
