// Package http exposes the machine-facing run API.
package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"revaudit/internal/config/loader"
	"revaudit/internal/recon"
	"revaudit/internal/scheduler"
	"revaudit/internal/store/runstore"
)

// Server serves run triggering and result inspection over HTTP.
type Server struct {
	addr    string
	svc     *scheduler.Service
	store   *runstore.Store
	clients *loader.Registry
	router  *gin.Engine
}

type ServerConfig struct {
	Addr    string
	Service *scheduler.Service
	Store   *runstore.Store
	Clients *loader.Registry
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Service == nil || cfg.Store == nil {
		return nil, errors.New("service and store are required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9821"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		addr:    cfg.Addr,
		svc:     cfg.Service,
		store:   cfg.Store,
		clients: cfg.Clients,
		router:  router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	api := s.router.Group("/api")
	api.GET("/clients", s.handleClients)
	api.POST("/runs", s.handleTrigger)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
	api.GET("/runs/:id/findings", s.handleRunFindings)
	api.POST("/runs/:id/cancel", s.handleRunCancel)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleClients(c *gin.Context) {
	if s.clients == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "client registry not enabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"clients": s.clients.Active()})
}

func (s *Server) handleTrigger(c *gin.Context) {
	var req struct {
		ClientID string `json:"client_id" binding:"required"`
		Date     string `json:"date"`
		Start    string `json:"start"`
		End      string `json:"end"`
		Force    bool   `json:"force"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, err := parseWindow(req.Date, req.Start, req.End)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.svc.Trigger(c.Request.Context(), req.ClientID, w, req.Force)
	if err != nil {
		if errors.Is(err, runstore.ErrAlreadyReconciled) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

func (s *Server) handleRunList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.store.ListRuns(c.Request.Context(), c.Query("client_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	run, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleRunFindings(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	findings, err := s.store.ListFindings(c.Request.Context(), c.Param("id"), c.Query("kind"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"findings": findings})
}

func (s *Server) handleRunCancel(c *gin.Context) {
	if err := s.svc.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}

// parseWindow accepts either a single date (one full UTC day) or an
// explicit start/end pair, both half-open.
func parseWindow(date, start, end string) (recon.Window, error) {
	if date != "" {
		day, err := time.Parse("2006-01-02", date)
		if err != nil {
			return recon.Window{}, err
		}
		return recon.DayWindow(day), nil
	}
	from, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return recon.Window{}, errors.New("start must be RFC3339 (or pass date)")
	}
	to, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return recon.Window{}, errors.New("end must be RFC3339 (or pass date)")
	}
	return recon.Window{Start: from, End: to}, nil
}

// Start runs the HTTP server until ctx is canceled.
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
