package api

import "github.com/mattjoyce/tryextender/internal/queue"

// TriggerRequest is the JSON body for POST /revisions/{rev}/trigger
type TriggerRequest struct {
	Builders []string `json:"builders"`
	Priority string   `json:"priority,omitempty"`
}

// TriggeredJob describes one builder of a trigger request.
type TriggeredJob struct {
	JobID   string     `json:"job_id"`
	Builder string     `json:"builder"`
	Kind    queue.Kind `json:"kind"`
	// Created is false when an identical job was already queued or running.
	Created bool `json:"created"`
}

// TriggerResponse is returned once every builder is queued
type TriggerResponse struct {
	Revision string         `json:"revision"`
	Priority queue.Priority `json:"priority"`
	Jobs     []TriggeredJob `json:"jobs"`
}

// CatalogReloadResponse is returned by POST /catalog/reload
type CatalogReloadResponse struct {
	Changed     bool   `json:"changed"`
	Fingerprint string `json:"fingerprint"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status             string `json:"status"`
	UptimeSeconds      int64  `json:"uptime_seconds"`
	QueueDepth         int    `json:"queue_depth"`
	CatalogFingerprint string `json:"catalog_fingerprint"`
}
