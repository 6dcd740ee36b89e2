// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/progress"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

const wsWriteTimeout = 10 * time.Second

// ProgressWebSocket streams progress updates for one job until the
// client disconnects or the job reaches a terminal status.
//
// The subscription is registered before the snapshot is sent, so a
// connecting client never misses an update in between.
func ProgressWebSocket(reporter *progress.Reporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("jobId")

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade progress websocket", "error", err.Error())
			return
		}
		defer ws.Close()
		slog.Info("progress websocket connected", "job_id", jobID)

		updates, cancel := reporter.Subscribe()
		defer cancel()

		// Drain reads so client-side close is noticed.
		go func() {
			for {
				if _, _, err := ws.NextReader(); err != nil {
					cancel()
					return
				}
			}
		}()

		send := func(u progress.Update) bool {
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(u); err != nil {
				slog.Info("progress websocket disconnected",
					"job_id", jobID, "error", err.Error())
				return false
			}
			return true
		}

		if snap, ok := reporter.Snapshot(jobID); ok {
			if !send(snap) {
				return
			}
			if terminal(snap.Status) {
				return
			}
		}

		for u := range updates {
			if u.JobID != jobID {
				continue
			}
			if !send(u) {
				return
			}
			if terminal(u.Status) {
				return
			}
		}
	}
}

func terminal(status string) bool {
	return status == "completed" || status == "failed"
}
