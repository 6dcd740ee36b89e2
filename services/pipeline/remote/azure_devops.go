// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/artifact"
)

const adoAPIVersion = "7.0"

// workItemTypeFor maps artifact kinds to Azure DevOps work item types.
func workItemTypeFor(kind artifact.Kind) string {
	switch kind {
	case artifact.KindEpic:
		return "Epic"
	case artifact.KindFeature:
		return "Feature"
	case artifact.KindStory:
		return "User Story"
	case artifact.KindTask:
		return "Task"
	default:
		return "Issue"
	}
}

// AzureDevOpsConfig configures the work-item tracker client.
type AzureDevOpsConfig struct {
	// OrganizationURL is the base URL, e.g.
	// "https://dev.azure.com/myorg".
	OrganizationURL string `yaml:"organization_url" validate:"required,url"`

	// Project is the team project name.
	Project string `yaml:"project" validate:"required"`

	// PersonalAccessToken authenticates requests. Read from the
	// environment in production deployments, never from the YAML file.
	PersonalAccessToken string `yaml:"-"`

	// RequestTimeout is the per-request HTTP timeout. Default: 30s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AzureDevOpsClient implements Client against the Azure DevOps
// work-item REST API.
//
// Thread Safety: Safe for concurrent use.
type AzureDevOpsClient struct {
	httpClient *http.Client
	baseURL    string
	project    string
	authHeader string
}

// NewAzureDevOpsClient creates a tracker client.
func NewAzureDevOpsClient(cfg AzureDevOpsConfig) (*AzureDevOpsClient, error) {
	if cfg.OrganizationURL == "" || cfg.Project == "" {
		return nil, fmt.Errorf("remote: organization URL and project are required")
	}
	if cfg.PersonalAccessToken == "" {
		return nil, fmt.Errorf("remote: personal access token is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// ADO basic auth: empty user, PAT as password.
	token := base64.StdEncoding.EncodeToString([]byte(":" + cfg.PersonalAccessToken))

	return &AzureDevOpsClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(cfg.OrganizationURL, "/"),
		project:    cfg.Project,
		authHeader: "Basic " + token,
	}, nil
}

// patchOp is one JSON-patch operation in a work item create request.
type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

type workItemResponse struct {
	ID int `json:"id"`
}

// CreateWorkItem implements the Client interface.
//
// The parent link, when present, is attached in the same create call
// so the item is never observable without its hierarchy relation.
func (c *AzureDevOpsClient) CreateWorkItem(ctx context.Context, item WorkItem) (string, error) {
	ops := []patchOp{
		{Op: "add", Path: "/fields/System.Title", Value: item.Title},
		{Op: "add", Path: "/fields/System.Description", Value: item.Description},
	}
	if len(item.AcceptanceCriteria) > 0 {
		ops = append(ops, patchOp{
			Op:    "add",
			Path:  "/fields/Microsoft.VSTS.Common.AcceptanceCriteria",
			Value: strings.Join(item.AcceptanceCriteria, "\n"),
		})
	}
	if item.ParentRemoteID != "" {
		ops = append(ops, patchOp{
			Op:   "add",
			Path: "/relations/-",
			Value: map[string]any{
				"rel": "System.LinkTypes.Hierarchy-Reverse",
				"url": fmt.Sprintf("%s/%s/_apis/wit/workItems/%s",
					c.baseURL, url.PathEscape(c.project), item.ParentRemoteID),
			},
		})
	}

	body, err := json.Marshal(ops)
	if err != nil {
		return "", fmt.Errorf("marshal work item patch: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/_apis/wit/workitems/$%s?api-version=%s",
		c.baseURL, url.PathEscape(c.project),
		url.PathEscape(workItemTypeFor(item.Kind)), adoAPIVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build work item request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json-patch+json")
	req.Header.Set("Authorization", c.authHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create work item: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("work item create returned status %d: %s",
			resp.StatusCode, string(data))
	}

	var decoded workItemResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode work item response: %w", err)
	}

	slog.Debug("Created work item",
		"remote_id", decoded.ID,
		"type", workItemTypeFor(item.Kind),
		"parent", item.ParentRemoteID,
	)
	return fmt.Sprintf("%d", decoded.ID), nil
}
