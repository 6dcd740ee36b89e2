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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/artifact"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*AzureDevOpsClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewAzureDevOpsClient(AzureDevOpsConfig{
		OrganizationURL:     srv.URL,
		Project:             "Backlog Project",
		PersonalAccessToken: "secret-pat",
	})
	require.NoError(t, err)
	return client, srv
}

func TestNewAzureDevOpsClientValidation(t *testing.T) {
	_, err := NewAzureDevOpsClient(AzureDevOpsConfig{Project: "p", PersonalAccessToken: "t"})
	assert.Error(t, err, "missing organization URL")

	_, err = NewAzureDevOpsClient(AzureDevOpsConfig{
		OrganizationURL: "https://dev.azure.com/org", Project: "p",
	})
	assert.Error(t, err, "missing token")
}

func TestCreateWorkItemRequestShape(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	var gotOps []map[string]any

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotOps))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id": 4711}`))
	})

	id, err := client.CreateWorkItem(context.Background(), WorkItem{
		Kind:               artifact.KindStory,
		Title:              "As a user I can sign in",
		Description:        "Sign-in flow with SSO.",
		AcceptanceCriteria: []string{"SSO works", "Errors are surfaced"},
		ParentRemoteID:     "42",
	})
	require.NoError(t, err)
	assert.Equal(t, "4711", id)

	assert.Contains(t, gotPath, "/Backlog%20Project/_apis/wit/workitems/$User%20Story")
	assert.Contains(t, gotPath, "api-version=7.0")
	assert.Contains(t, gotAuth, "Basic ")
	assert.Equal(t, "application/json-patch+json", gotContentType)

	paths := make(map[string]any, len(gotOps))
	for _, op := range gotOps {
		assert.Equal(t, "add", op["op"])
		paths[op["path"].(string)] = op["value"]
	}
	assert.Equal(t, "As a user I can sign in", paths["/fields/System.Title"])
	assert.Equal(t, "SSO works\nErrors are surfaced",
		paths["/fields/Microsoft.VSTS.Common.AcceptanceCriteria"])

	relation, ok := paths["/relations/-"].(map[string]any)
	require.True(t, ok, "parent relation must be attached in the create call")
	assert.Equal(t, "System.LinkTypes.Hierarchy-Reverse", relation["rel"])
	assert.Contains(t, relation["url"], "/_apis/wit/workItems/42")
}

func TestCreateWorkItemNoParentOmitsRelation(t *testing.T) {
	var gotOps []map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotOps))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 1}`))
	})

	_, err := client.CreateWorkItem(context.Background(), WorkItem{
		Kind:        artifact.KindEpic,
		Title:       "Epic: onboarding",
		Description: "Unify the onboarding flows.",
	})
	require.NoError(t, err)

	for _, op := range gotOps {
		assert.NotEqual(t, "/relations/-", op["path"])
	}
}

func TestCreateWorkItemErrorStatus(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message": "access denied"}`))
	})

	_, err := client.CreateWorkItem(context.Background(), WorkItem{
		Kind:  artifact.KindTask,
		Title: "A task",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "access denied")
}

func TestWorkItemTypeMapping(t *testing.T) {
	assert.Equal(t, "Epic", workItemTypeFor(artifact.KindEpic))
	assert.Equal(t, "Feature", workItemTypeFor(artifact.KindFeature))
	assert.Equal(t, "User Story", workItemTypeFor(artifact.KindStory))
	assert.Equal(t, "Task", workItemTypeFor(artifact.KindTask))
	assert.Equal(t, "Issue", workItemTypeFor(artifact.KindVision))
}
