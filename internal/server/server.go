// Package server exposes the scheduler, dashboard and digest setting as a
// JSON API for the presentation layer.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"jobcrawler/internal/jobs"
	"jobcrawler/internal/recurrence"
	rtsup "jobcrawler/internal/runtime/supervisor"
	"jobcrawler/internal/scheduler"
	"jobcrawler/internal/stats"
	logx "jobcrawler/pkg/logx"
)

type Config struct {
	Enabled      bool
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pprof mounts /debug/pprof. PprofToken, when set, guards it.
	Pprof      bool
	PprofToken string
}

// Scheduler is the part of *scheduler.Service the API drives.
type Scheduler interface {
	Add(ctx context.Context, j jobs.Job) (jobs.Job, error)
	Update(ctx context.Context, id jobs.ID, j jobs.Job) (jobs.Job, error)
	Delete(ctx context.Context, id jobs.ID) error
	Get(ctx context.Context, id jobs.ID) (jobs.Job, error)
	List(ctx context.Context) ([]jobs.Job, error)
	Trigger(ctx context.Context, id jobs.ID) (jobs.RunRecord, error)
	Snapshot() []scheduler.JobState
}

type Dashboard interface {
	Snapshot(ctx context.Context) (stats.Snapshot, error)
}

// DigestTime is satisfied by *digest.Controller.
type DigestTime interface {
	Load(ctx context.Context) (recurrence.TimeOfDay, error)
	Observe(ctx context.Context, v recurrence.TimeOfDay) (bool, error)
}

type Deps struct {
	Scheduler Scheduler
	Dashboard Dashboard
	Digest    DigestTime
	// Health adds fields to /health. Optional.
	Health func() map[string]any
}

type Server struct {
	deps Deps
	log  logx.Logger

	router *gin.Engine

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	addr string
	sup  *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	s := &Server{deps: deps, log: log, cfg: cfg}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/health", s.health)
	api := r.Group("/api/v1")
	{
		api.GET("/dashboard", s.dashboard)
		api.GET("/jobs", s.listJobs)
		api.POST("/jobs", s.createJob)
		api.GET("/jobs/:id", s.getJob)
		api.PUT("/jobs/:id", s.updateJob)
		api.DELETE("/jobs/:id", s.deleteJob)
		api.POST("/jobs/:id/run", s.runJob)
		api.GET("/schedules", s.schedules)
		api.GET("/settings/digest-time", s.getDigestTime)
		api.PUT("/settings/digest-time", s.putDigestTime)
	}
	if s.cfg.Pprof {
		s.mountPprof(r, s.cfg.PprofToken)
	}
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("dur", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("http", fields...)
			return
		}
		s.log.Debug("http", fields...)
	}
}

// Start listens on the configured address and serves until Stop or ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil || !s.cfg.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.Addr)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	s.srv, s.addr = srv, ln.Addr().String()
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("listening", logx.String("addr", s.addr))
	return nil
}

// Addr is the bound address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.addr = nil, nil, ""
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	_ = sup.Stop(ctx)
	return err
}
