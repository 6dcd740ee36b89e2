// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command pipeline runs the backlog generation service.
//
// # Usage
//
//	# Start the HTTP API
//	pipeline serve --config pipeline.yaml
//
//	# One-shot: generate and deliver a backlog for a vision
//	pipeline run --config pipeline.yaml "Build a unified onboarding experience"
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Quality-gated backlog generation pipeline",
	Long: "Generates an agile backlog (epics, features, stories, tasks) from a " +
		"product vision through a quality-gated, adaptively concurrent pipeline, " +
		"stages every artifact durably, and delivers it to the configured " +
		"system of record.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to the YAML configuration file (defaults apply when omitted)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
}
