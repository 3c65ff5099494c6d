// Package server exposes the model lifecycle over HTTP.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/roundhouse/internal/coordinator"
	"github.com/zulandar/roundhouse/internal/nlu"
	"go.uber.org/zap"
)

// Lifecycle is the coordinator surface the API drives.
type Lifecycle interface {
	EnsureModel(ctx context.Context, botID, language string, def nlu.Definition, progress func(float64)) (*coordinator.Outcome, error)
	Predict(ctx context.Context, botID, language, utterance string) (*nlu.PredictOutput, error)
	DetectLanguage(ctx context.Context, botID, utterance string) (string, error)
	CancelTraining(ctx context.Context, botID, language string) error
	Status(ctx context.Context, botID, language string) (*coordinator.KeyStatus, error)
	RemoveModel(ctx context.Context, botID, language string) error
	RemoveBot(ctx context.Context, botID string) ([]string, error)
	Reconcile(ctx context.Context) (*coordinator.ReconcileReport, error)
}

// InfoSource reports the remote service capabilities.
type InfoSource interface {
	Info(ctx context.Context) (*nlu.Info, error)
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Lifecycle Lifecycle
	Info      InfoSource
	Port      int
	Logger    *zap.Logger
	Out       io.Writer
}

// Server routes API requests to the coordinator. Trainings started without
// waiting run on the server's context and stop with it.
type Server struct {
	lifecycle Lifecycle
	info      InfoSource
	logger    *zap.Logger
	router    *gin.Engine
	baseCtx   context.Context
	wg        sync.WaitGroup
}

// New builds the router. baseCtx bounds background trainings.
func New(baseCtx context.Context, opts StartOpts) (*Server, error) {
	if opts.Lifecycle == nil {
		return nil, fmt.Errorf("server: lifecycle is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		lifecycle: opts.Lifecycle,
		info:      opts.Info,
		logger:    opts.Logger.Named("server"),
		router:    router,
		baseCtx:   baseCtx,
	}
	router.Use(s.accessLog())
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Wait blocks until background trainings return.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) background(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.baseCtx)
	}()
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully and waits for background trainings.
func Start(ctx context.Context, opts StartOpts) error {
	s, err := New(ctx, opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8380
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}
	s.logger.Info("listening", zap.Int("port", opts.Port))

	err = srv.ListenAndServe()
	s.Wait()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
