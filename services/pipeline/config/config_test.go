// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/artifact"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8181", cfg.Server.Address)
	assert.Equal(t, "stub", cfg.Generator.Provider)
	assert.Equal(t, "fake", cfg.Remote.Provider)
	assert.Len(t, cfg.Stages, 4)

	oc, err := cfg.Orchestrator()
	require.NoError(t, err)
	assert.Equal(t, artifact.KindEpic, oc.Stages[0].Kind)

	uc, err := cfg.Uploader()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, uc.Timeout)
	assert.Equal(t, time.Second, uc.InitialBackoff)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9999"
generator:
  provider: ollama
  model: llama3
  base_url: http://localhost:11434
stages:
  - name: epics
    kind: epic
    quota_per_parent: 2
    attempt_ceiling: 4
    halt_on_exhaustion: true
concurrency:
  max_workers: 16
delivery:
  max_attempts: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, "ollama", cfg.Generator.Provider)
	require.Len(t, cfg.Stages, 1)
	assert.Equal(t, 4, cfg.Stages[0].AttemptCeiling)
	assert.Equal(t, 16, cfg.Concurrency.MaxWorkers)

	uc, err := cfg.Uploader()
	require.NoError(t, err)
	assert.Equal(t, 5, uc.MaxAttempts)
}

func TestLoadRejectsFatalErrors(t *testing.T) {
	cases := map[string]string{
		"unknown provider": `
generator:
  provider: carrier-pigeon
`,
		"zero workers": `
concurrency:
  min_workers: 0
`,
		"negative quota": `
stages:
  - name: epics
    kind: epic
    quota_per_parent: -1
    attempt_ceiling: 1
`,
		"zero attempt ceiling": `
stages:
  - name: epics
    kind: epic
    quota_per_parent: 1
    attempt_ceiling: 0
`,
		"azure devops missing org": `
remote:
  provider: azure_devops
`,
		"decreasing stage level": `
stages:
  - name: tasks
    kind: task
    quota_per_parent: 1
    attempt_ceiling: 1
  - name: epics
    kind: epic
    quota_per_parent: 1
    attempt_ceiling: 1
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			require.Error(t, err)
			assert.True(t, IsFatal(err), "expected fatal configuration error, got %v", err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/pipeline.yaml")
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestRemoteClientFakeProvider(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	client, err := cfg.RemoteClient()
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestRemoteClientAzureRequiresToken(t *testing.T) {
	t.Setenv("AZURE_DEVOPS_PAT", "")
	cfg := Default()
	cfg.Remote.Provider = "azure_devops"
	cfg.Remote.AzureDevOps.OrganizationURL = "https://dev.azure.com/example"
	cfg.Remote.AzureDevOps.Project = "Backlog"

	_, err := cfg.RemoteClient()
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}
