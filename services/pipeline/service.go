// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline assembles the backlog generation service: the
// adaptive generation engine, quality gate, durable staging ledger,
// reliable uploader, and the HTTP API that fronts them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/llm"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/config"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/orchestrator"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/progress"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/quality"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/routes"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/runner"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/staging"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/uploader"
)

// Service is the assembled pipeline application.
//
// Thread Safety: Run blocks and must be called at most once; the
// underlying components are safe for concurrent API traffic.
type Service struct {
	config   config.Config
	logger   *slog.Logger
	ledger   *staging.Ledger
	reporter *progress.Reporter
	runner   *runner.Runner
	router   *gin.Engine
}

// New wires the service from validated configuration.
func New(cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ledger, err := staging.Open(cfg.Ledger())
	if err != nil {
		return nil, fmt.Errorf("open staging ledger: %w", err)
	}

	generator, err := buildGenerator(cfg.Generator)
	if err != nil {
		ledger.Close()
		return nil, err
	}

	gateCfg, err := cfg.Gate()
	if err != nil {
		ledger.Close()
		return nil, err
	}
	gate, err := quality.NewGate(gateCfg)
	if err != nil {
		ledger.Close()
		return nil, err
	}

	reporter := progress.NewReporter()

	engineCfg, err := cfg.Orchestrator()
	if err != nil {
		ledger.Close()
		return nil, err
	}
	engine, err := orchestrator.New(engineCfg, generator, gate, ledger, reporter, logger)
	if err != nil {
		ledger.Close()
		return nil, err
	}

	remoteClient, err := cfg.RemoteClient()
	if err != nil {
		ledger.Close()
		return nil, err
	}
	uploadCfg, err := cfg.Uploader()
	if err != nil {
		ledger.Close()
		return nil, err
	}
	up, err := uploader.New(uploadCfg, ledger, remoteClient, reporter, logger)
	if err != nil {
		ledger.Close()
		return nil, err
	}

	run := runner.New(engine, up, ledger, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, run, reporter)

	return &Service{
		config:   cfg,
		logger:   logger,
		ledger:   ledger,
		reporter: reporter,
		runner:   run,
		router:   router,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails. In-flight jobs are waited for during shutdown.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.config.Server.Address,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("pipeline server listening", "address", s.config.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		s.close()
		return err
	case <-ctx.Done():
	}

	grace := time.Duration(s.config.Server.ShutdownGraceSeconds) * time.Second
	s.logger.Info("shutting down", "grace", grace.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)

	s.runner.Wait()
	s.close()
	return err
}

// Runner exposes job control for the CLI one-shot mode.
func (s *Service) Runner() *runner.Runner {
	return s.runner
}

// Router returns the underlying Gin engine for testing.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Close releases resources without running the server. Run calls it
// automatically.
func (s *Service) Close() {
	s.runner.Wait()
	s.close()
}

func (s *Service) close() {
	if err := s.ledger.Close(); err != nil {
		s.logger.Warn("failed to close staging ledger", "error", err.Error())
	}
}

// buildGenerator selects the generation backend from configuration.
func buildGenerator(cfg config.GeneratorConfig) (llm.Generator, error) {
	switch cfg.Provider {
	case "stub":
		return llm.NewStubGenerator(), nil
	case "openai":
		return llm.NewOpenAIGenerator()
	case "ollama":
		return llm.NewOllamaGenerator(cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
	}
}
