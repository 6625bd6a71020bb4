// Package api exposes the job queue over HTTP: enqueue endpoints for the
// known jobs plus read-only views of queues and worker stats.
package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Ichablog-AI/ichablog-api/internal/jobs"
	"github.com/Ichablog-AI/ichablog-api/internal/mail"
	"github.com/Ichablog-AI/ichablog-api/internal/queue"
	"github.com/Ichablog-AI/ichablog-api/internal/store"
)

type Server struct {
	client *queue.Client
	jobs   *jobs.Set
	stats  *store.Store
	log    *zap.Logger
}

func NewServer(client *queue.Client, set *jobs.Set, log *zap.Logger) *Server {
	return &Server{
		client: client,
		jobs:   set,
		stats:  store.New(client.Redis(), client.Namespace()),
		log:    log,
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.healthz)
	r.POST("/jobs/hello", s.enqueueHello)
	r.POST("/jobs/mail", s.enqueueMail)
	r.GET("/queues", s.queues)
	r.GET("/stats", s.statsHandler)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.client.Redis().Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type helloRequest struct {
	jobs.HelloWorldParams
	DelayMS int64 `json:"delay_ms"`
}

func (s *Server) enqueueHello(c *gin.Context) {
	var req helloRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	job := s.jobs.HelloWorld
	var err error
	if req.DelayMS > 0 {
		err = job.EnqueueIn(c.Request.Context(), time.Duration(req.DelayMS)*time.Millisecond, req.HelloWorldParams)
	} else {
		err = job.Enqueue(c.Request.Context(), req.HelloWorldParams)
	}
	s.accepted(c, job.QueueName(), job.JobName(), req.DelayMS, err)
}

type mailRequest struct {
	mail.Message
	DelayMS int64 `json:"delay_ms"`
}

func (s *Server) enqueueMail(c *gin.Context) {
	var req mailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.To.Address == "" || req.TemplateName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to and templateName are required"})
		return
	}

	job := s.jobs.MailSender
	var err error
	if req.DelayMS > 0 {
		err = job.EnqueueIn(c.Request.Context(), time.Duration(req.DelayMS)*time.Millisecond, req.Message)
	} else {
		err = job.Enqueue(c.Request.Context(), req.Message)
	}
	s.accepted(c, job.QueueName(), job.JobName(), req.DelayMS, err)
}

func (s *Server) accepted(c *gin.Context, queueName, job string, delayMS int64, err error) {
	if err != nil {
		s.log.Error("enqueue failed", zap.String("job", job), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := "queued"
	if delayMS > 0 {
		status = "scheduled"
	}
	c.JSON(http.StatusAccepted, gin.H{"queue": queueName, "job": job, "status": status})
}

type queueInfo struct {
	Name   string `json:"name"`
	Length int64  `json:"length"`
}

func (s *Server) queues(c *gin.Context) {
	ctx := c.Request.Context()
	names, err := s.client.Queues(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	sort.Strings(names)

	out := make([]queueInfo, 0, len(names))
	for _, name := range names {
		n, err := s.client.Length(ctx, name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out = append(out, queueInfo{Name: name, Length: n})
	}
	delayed, err := s.client.DelayedCount(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": out, "delayed": delayed})
}

func (s *Server) statsHandler(c *gin.Context) {
	st, err := s.stats.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if st.Workers == nil {
		st.Workers = []string{}
	}
	c.JSON(http.StatusOK, st)
}
