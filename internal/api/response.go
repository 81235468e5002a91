// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/arbormap/arbormap/internal/logging"
	"github.com/arbormap/arbormap/internal/models"
	"github.com/arbormap/arbormap/internal/sync"
)

func respondJSON(w http.ResponseWriter, status int, response *models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func respondSuccess(w http.ResponseWriter, status int, data interface{}) {
	respondJSON(w, status, &models.APIResponse{
		Status:   "success",
		Data:     data,
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
	})
}

func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	if err != nil {
		logging.Error().Err(err).Str("code", code).Msg("API error")
	}
	respondJSON(w, status, &models.APIResponse{
		Status:   "error",
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
		Error:    &models.APIError{Code: code, Message: message},
	})
}

// runSummary is the wire form of one step run's statistics.
type runSummary struct {
	Domain     string `json:"domain"`
	Step       string `json:"step"`
	DurationMS int64  `json:"duration_ms"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
}

func summarize(stats *sync.RunStats) runSummary {
	return runSummary{
		Domain:     stats.Domain,
		Step:       stats.Step,
		DurationMS: stats.Duration.Milliseconds(),
		Created:    stats.Count(sync.OutcomeCreated),
		Updated:    stats.Count(sync.OutcomeUpdated),
		Skipped:    stats.Count(sync.OutcomeSkipped),
		Failed:     stats.Count(sync.OutcomeFailed),
	}
}
