// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/handlers"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/progress"
	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/runner"
)

// SetupRoutes registers the pipeline API on the router.
func SetupRoutes(router *gin.Engine, r *runner.Runner, reporter *progress.Reporter) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", handlers.CreateJob(r))
			jobs.GET("/:jobId", handlers.GetJob(r))
			jobs.POST("/:jobId/cancel", handlers.CancelJob(r))
			jobs.GET("/:jobId/records", handlers.ListRecords(r))
			jobs.POST("/:jobId/deliveries/retry", handlers.RetryDelivery(r))
			jobs.GET("/:jobId/progress/ws", handlers.ProgressWebSocket(reporter))
		}
	}
}
