// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/config"
)

var runCmd = &cobra.Command{
	Use:   "run [vision]",
	Short: "Generate and deliver a backlog for a vision, then exit",
	Args:  cobra.MinimumNArgs(1),
	Run:   runOnce,
}

func runOnce(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logger := newLogger(cfg, "pipeline-run")
	defer logger.Close()

	svc, err := pipeline.New(cfg, logger.Slog())
	if err != nil {
		log.Fatalf("Failed to build pipeline service: %v", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vision := strings.Join(args, " ")
	job, result, report, err := svc.Runner().RunJob(ctx, vision)
	if err != nil {
		if job != nil {
			log.Fatalf("Pipeline run failed (job %s): %v", job.ID, err)
		}
		log.Fatalf("Pipeline run failed: %v", err)
	}

	fmt.Printf("Job %s: %s\n", job.ID, job.Status)
	for _, stage := range result.Stages {
		fmt.Printf("  stage %-10s accepted %d/%d rejected %d attempts %d/%d\n",
			stage.Stage, stage.Accepted, stage.TargetQuota,
			stage.Rejected, stage.Attempts, stage.AttemptCeiling)
	}
	if report != nil {
		fmt.Printf("  delivery: %d delivered, %d failed, %d skipped (%s)\n",
			report.Delivered, report.Failed, report.Skipped, job.Delivery)
	}
}
