// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the pipeline service configuration.
//
// Configuration is a YAML file layered over defaults; every validation
// failure is fatal and reported before any generation begins. Durations
// are expressed in seconds (or milliseconds where noted) because the
// YAML surface stays plain integers.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/artifact"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/concurrent"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/orchestrator"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/quality"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/remote"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/staging"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/uploader"
)

// =============================================================================
// Errors
// =============================================================================

// FatalError marks a configuration problem that must stop startup.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal configuration error: %v", e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

func fatal(format string, args ...any) error {
	return &FatalError{Cause: fmt.Errorf(format, args...)}
}

// =============================================================================
// Sections
// =============================================================================

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Address is the listen address. Default: ":8181"
	Address string `yaml:"address" validate:"required"`

	// ShutdownGraceSeconds bounds graceful shutdown. Default: 15
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds" validate:"min=1"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: "info"
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Dir enables file logging when set.
	Dir string `yaml:"dir"`

	// JSON switches stderr output to JSON.
	JSON bool `yaml:"json"`
}

// GeneratorConfig selects and configures the generation backend.
type GeneratorConfig struct {
	// Provider is one of openai, ollama, stub. Default: "stub"
	Provider string `yaml:"provider" validate:"oneof=openai ollama stub"`

	// Model names the model for openai and ollama providers.
	Model string `yaml:"model"`

	// BaseURL overrides the backend URL (ollama, or an OpenAI-compatible
	// gateway).
	BaseURL string `yaml:"base_url"`

	// Endpoints optionally lists equivalent backend endpoints for
	// round-robin rotation across replicas.
	Endpoints []string `yaml:"endpoints"`
}

// StageConfig declares one generation stage.
type StageConfig struct {
	Name             string `yaml:"name" validate:"required"`
	Kind             string `yaml:"kind" validate:"oneof=epic feature story task"`
	QuotaPerParent   int    `yaml:"quota_per_parent" validate:"min=0"`
	AttemptCeiling   int    `yaml:"attempt_ceiling" validate:"min=1"`
	HaltOnExhaustion bool   `yaml:"halt_on_exhaustion"`
}

// ConcurrencyConfig tunes the adaptive worker pool shared by all stages.
type ConcurrencyConfig struct {
	MinWorkers         int     `yaml:"min_workers" validate:"min=1"`
	MaxWorkers         int     `yaml:"max_workers" validate:"min=1"`
	InitialWorkers     int     `yaml:"initial_workers" validate:"min=1"`
	UnitTimeoutSeconds int     `yaml:"unit_timeout_seconds" validate:"min=1"`
	WindowSize         int     `yaml:"window_size" validate:"min=1"`
	TokensPerSecond    float64 `yaml:"tokens_per_second" validate:"gt=0"`
	Burst              int     `yaml:"burst" validate:"min=1"`

	// BreakerFailureThreshold trips the per-endpoint circuit breaker.
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" validate:"min=1"`

	// BreakerReopenSeconds is the open-state cool-down before a probe.
	BreakerReopenSeconds int `yaml:"breaker_reopen_seconds" validate:"min=1"`
}

// QualityConfig tunes the acceptance gate.
type QualityConfig struct {
	MinScore int `yaml:"min_score" validate:"min=0,max=100"`
}

// DeliveryConfig tunes the reliable uploader.
type DeliveryConfig struct {
	TimeoutSeconds       int `yaml:"timeout_seconds" validate:"min=1"`
	MaxAttempts          int `yaml:"max_attempts" validate:"min=1"`
	InitialBackoffMillis int `yaml:"initial_backoff_ms" validate:"min=1"`
	MaxBackoffSeconds    int `yaml:"max_backoff_seconds" validate:"min=1"`
	SpacingMillis        int `yaml:"spacing_ms" validate:"min=0"`
	Concurrency          int `yaml:"concurrency" validate:"min=1"`
}

// StagingConfig locates the durable ledger.
type StagingConfig struct {
	// Path is the Badger database directory. Default: "data/staging"
	Path string `yaml:"path" validate:"required"`

	// InMemory runs the ledger without disk persistence. Tests only.
	InMemory bool `yaml:"in_memory"`
}

// RemoteConfig selects the system-of-record backend.
type RemoteConfig struct {
	// Provider is one of azure_devops, fake. Default: "fake"
	Provider string `yaml:"provider" validate:"oneof=azure_devops fake"`

	// AzureDevOps applies when Provider is azure_devops. The personal
	// access token is never read from YAML; it comes from the
	// AZURE_DEVOPS_PAT environment variable. Validated only when the
	// provider selects it.
	AzureDevOps remote.AzureDevOpsConfig `yaml:"azure_devops" validate:"-"`
}

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Generator   GeneratorConfig   `yaml:"generator"`
	Stages      []StageConfig     `yaml:"stages" validate:"min=1,dive"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Quality     QualityConfig     `yaml:"quality"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Staging     StagingConfig     `yaml:"staging"`
	Remote      RemoteConfig      `yaml:"remote"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	cc := concurrent.DefaultConfig()
	dc := uploader.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Address:              ":8181",
			ShutdownGraceSeconds: 15,
		},
		Logging: LoggingConfig{Level: "info"},
		Generator: GeneratorConfig{
			Provider: "stub",
			Model:    "gpt-4o-mini",
		},
		Stages: stagesFrom(orchestrator.DefaultStages()),
		Concurrency: ConcurrencyConfig{
			MinWorkers:              cc.MinWorkers,
			MaxWorkers:              cc.MaxWorkers,
			InitialWorkers:          cc.InitialWorkers,
			UnitTimeoutSeconds:      int(cc.UnitTimeout / time.Second),
			WindowSize:              cc.WindowSize,
			TokensPerSecond:         cc.Rate.TokensPerSecond,
			Burst:                   cc.Rate.Burst,
			BreakerFailureThreshold: cc.Breaker.FailureThreshold,
			BreakerReopenSeconds:    int(cc.Breaker.ReopenAfter / time.Second),
		},
		Quality: QualityConfig{MinScore: quality.DefaultConfig().MinScore},
		Delivery: DeliveryConfig{
			TimeoutSeconds:       int(dc.Timeout / time.Second),
			MaxAttempts:          dc.MaxAttempts,
			InitialBackoffMillis: int(dc.InitialBackoff / time.Millisecond),
			MaxBackoffSeconds:    int(dc.MaxBackoff / time.Second),
			SpacingMillis:        int(dc.Spacing / time.Millisecond),
			Concurrency:          dc.Concurrency,
		},
		Staging: StagingConfig{Path: "data/staging"},
		Remote:  RemoteConfig{Provider: "fake"},
	}
}

func stagesFrom(defs []orchestrator.StageDefinition) []StageConfig {
	out := make([]StageConfig, 0, len(defs))
	for _, d := range defs {
		out = append(out, StageConfig{
			Name:             d.Name,
			Kind:             d.Kind.String(),
			QuotaPerParent:   d.QuotaPerParent,
			AttemptCeiling:   d.AttemptCeiling,
			HaltOnExhaustion: d.HaltOnExhaustion,
		})
	}
	return out
}

// =============================================================================
// Loading
// =============================================================================

// Load reads a YAML file over the defaults and validates the result.
// An empty path returns validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fatal("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fatal("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks structural constraints and cross-field invariants.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return &FatalError{Cause: err}
	}
	if c.Concurrency.MaxWorkers < c.Concurrency.MinWorkers {
		return fatal("concurrency: max_workers %d below min_workers %d",
			c.Concurrency.MaxWorkers, c.Concurrency.MinWorkers)
	}
	// Building the component configs exercises their own validation.
	if _, err := c.Orchestrator(); err != nil {
		return err
	}
	if _, err := c.Uploader(); err != nil {
		return err
	}
	if _, err := c.Gate(); err != nil {
		return err
	}
	if c.Remote.Provider == "azure_devops" {
		if c.Remote.AzureDevOps.OrganizationURL == "" || c.Remote.AzureDevOps.Project == "" {
			return fatal("remote: azure_devops requires organization_url and project")
		}
	}
	return nil
}

// =============================================================================
// Component config builders
// =============================================================================

// Orchestrator materializes the pipeline engine configuration.
func (c Config) Orchestrator() (orchestrator.Config, error) {
	stages := make([]orchestrator.StageDefinition, 0, len(c.Stages))
	for _, s := range c.Stages {
		kind, ok := artifact.KindFromString(s.Kind)
		if !ok {
			return orchestrator.Config{}, fatal("stage %s: unknown kind %q", s.Name, s.Kind)
		}
		stages = append(stages, orchestrator.StageDefinition{
			Name:             s.Name,
			Kind:             kind,
			QuotaPerParent:   s.QuotaPerParent,
			AttemptCeiling:   s.AttemptCeiling,
			HaltOnExhaustion: s.HaltOnExhaustion,
		})
	}

	cc := concurrent.DefaultConfig()
	cc.MinWorkers = c.Concurrency.MinWorkers
	cc.MaxWorkers = c.Concurrency.MaxWorkers
	cc.InitialWorkers = c.Concurrency.InitialWorkers
	cc.UnitTimeout = time.Duration(c.Concurrency.UnitTimeoutSeconds) * time.Second
	cc.WindowSize = c.Concurrency.WindowSize
	cc.Rate.TokensPerSecond = c.Concurrency.TokensPerSecond
	cc.Rate.Burst = c.Concurrency.Burst
	cc.Breaker.FailureThreshold = c.Concurrency.BreakerFailureThreshold
	cc.Breaker.ReopenAfter = time.Duration(c.Concurrency.BreakerReopenSeconds) * time.Second
	cc.Endpoints = c.Generator.Endpoints

	out := orchestrator.Config{Stages: stages, Concurrency: cc}
	if err := out.Validate(); err != nil {
		return out, &FatalError{Cause: err}
	}
	return out, nil
}

// Uploader materializes the delivery configuration.
func (c Config) Uploader() (uploader.Config, error) {
	out := uploader.DefaultConfig()
	out.Timeout = time.Duration(c.Delivery.TimeoutSeconds) * time.Second
	out.MaxAttempts = c.Delivery.MaxAttempts
	out.InitialBackoff = time.Duration(c.Delivery.InitialBackoffMillis) * time.Millisecond
	out.MaxBackoff = time.Duration(c.Delivery.MaxBackoffSeconds) * time.Second
	out.Spacing = time.Duration(c.Delivery.SpacingMillis) * time.Millisecond
	out.Concurrency = c.Delivery.Concurrency
	if err := out.Validate(); err != nil {
		return out, &FatalError{Cause: err}
	}
	return out, nil
}

// Gate materializes the quality gate configuration.
func (c Config) Gate() (quality.Config, error) {
	out := quality.DefaultConfig()
	out.MinScore = c.Quality.MinScore
	if err := out.Validate(); err != nil {
		return out, &FatalError{Cause: err}
	}
	return out, nil
}

// Ledger materializes the staging ledger configuration.
func (c Config) Ledger() staging.Config {
	cfg := staging.DefaultConfig()
	cfg.Path = c.Staging.Path
	cfg.InMemory = c.Staging.InMemory
	return cfg
}

// RemoteClient builds the system-of-record client. For azure_devops the
// personal access token is read from AZURE_DEVOPS_PAT.
func (c Config) RemoteClient() (remote.Client, error) {
	switch c.Remote.Provider {
	case "fake":
		return remote.NewFakeClient(), nil
	case "azure_devops":
		cfg := c.Remote.AzureDevOps
		cfg.PersonalAccessToken = os.Getenv("AZURE_DEVOPS_PAT")
		if cfg.PersonalAccessToken == "" {
			return nil, fatal("remote: AZURE_DEVOPS_PAT is not set")
		}
		return remote.NewAzureDevOpsClient(cfg)
	default:
		return nil, fatal("remote: unknown provider %q", c.Remote.Provider)
	}
}

// IsFatal reports whether err is a fatal configuration error.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
