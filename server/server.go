// Package server assembles the HTTP server around the pipeline services.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/reelsmith/reelsmith/internal/profile"
	"github.com/reelsmith/reelsmith/plugin/generation"
	"github.com/reelsmith/reelsmith/server/ledger"
	"github.com/reelsmith/reelsmith/server/pipeline"
	"github.com/reelsmith/reelsmith/server/polling"
	apiv1 "github.com/reelsmith/reelsmith/server/router/api/v1"
	"github.com/reelsmith/reelsmith/store"
)

// Server is the assembled HTTP server.
type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer   *echo.Echo
	orchestrator *pipeline.Orchestrator
	scheduler    *polling.Scheduler
}

// NewServer wires the generation client, scheduler, ledger and orchestrator
// behind the v1 API.
func NewServer(ctx context.Context, p *profile.Profile, s *store.Store) (*Server, error) {
	if s != nil {
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate store: %w", err)
		}
	}

	video := generation.NewVideoAPI(generation.VideoAPIConfig{
		BaseURL: p.VideoAPIBaseURL,
		APIKey:  p.VideoAPIKey,
	})
	client := generation.NewOpenAIClient(generation.OpenAIConfig{
		BaseURL:     p.OpenAIBaseURL,
		APIKey:      p.OpenAIAPIKey,
		ChatModel:   p.ChatModel,
		VisionModel: p.VisionModel,
	}, video)

	scheduler := polling.NewScheduler(client, polling.Config{
		Interval:      p.PollInterval,
		Timeout:       p.PollTimeout,
		MaxConcurrent: p.MaxConcurrentPolls,
	})
	creditLedger := ledger.New(s)
	orchestrator := pipeline.New(client, scheduler, creditLedger, s, pipeline.Config{
		MaxRetryAttempts:      p.MaxRetryAttempts,
		RetryBackoffBase:      p.RetryBackoffBase,
		VideoJobCreditCost:    p.VideoJobCreditCost,
		RequiredContextFields: p.RequiredContextFields,
	})

	echoServer := echo.New()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(echomw.Recover())
	echoServer.Use(echomw.BodyLimit("12M"))

	echoServer.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})

	apiService := apiv1.NewAPIV1Service(p, s, orchestrator, creditLedger)
	apiService.Register(echoServer)

	return &Server{
		Profile:      p,
		Store:        s,
		echoServer:   echoServer,
		orchestrator: orchestrator,
		scheduler:    scheduler,
	}, nil
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start(_ context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	slog.Info("server started", "address", address, "version", s.Profile.Version)
	return s.echoServer.Start(address)
}

// Shutdown stops the HTTP listener and closes the store.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", "error", err)
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}
	slog.Info("server shutdown")
}
