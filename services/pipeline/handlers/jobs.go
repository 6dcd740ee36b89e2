// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP API for the backlog pipeline.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/runner"
)

// CreateJobRequest starts a pipeline run.
type CreateJobRequest struct {
	// Vision is the root input text the backlog is generated from.
	Vision string `json:"vision" binding:"required"`
}

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateJob starts a background pipeline run for the posted vision.
func CreateJob(r *runner.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "vision is required"})
			return
		}

		job, err := r.StartJob(c.Request.Context(), req.Vision)
		if err != nil {
			slog.Error("failed to start job", "error", err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		slog.Info("job started", "job_id", job.ID)
		c.JSON(http.StatusAccepted, job)
	}
}

// GetJob returns the persisted job snapshot.
func GetJob(r *runner.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := r.Job(c.Request.Context(), c.Param("jobId"))
		if err != nil {
			if errors.Is(err, runner.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// CancelJob signals cancellation to a running job.
func CancelJob(r *runner.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("jobId")
		if err := r.CancelJob(jobID); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": "cancelling"})
	}
}

// ListRecords returns the job's staging records in delivery order.
func ListRecords(r *runner.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("jobId")
		if _, err := r.Job(c.Request.Context(), jobID); err != nil {
			if errors.Is(err, runner.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		records, err := r.Records(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"job_id": jobID, "records": records})
	}
}

// RetryDelivery re-attempts the job's failed deliveries.
func RetryDelivery(r *runner.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("jobId")
		report, err := r.RetryDelivery(c.Request.Context(), jobID)
		if err != nil {
			if errors.Is(err, runner.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
				return
			}
			slog.Error("delivery retry failed", "job_id", jobID, "error", err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}
