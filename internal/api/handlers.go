package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/tryextender/internal/classify"
	"github.com/mattjoyce/tryextender/internal/events"
	"github.com/mattjoyce/tryextender/internal/queue"
	"github.com/mattjoyce/tryextender/internal/revision"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.deps.Queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}
	total := 0
	for _, n := range depth {
		total += n
	}

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    total,
	}
	if s.deps.Catalog != nil {
		resp.CatalogFingerprint = s.deps.Catalog.Fingerprint()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetRevision handles GET /revisions/{rev}.
func (s *Server) handleGetRevision(w http.ResponseWriter, r *http.Request) {
	report, ok := s.classify(w, r)
	if !ok {
		return
	}

	if s.deps.Sink != nil {
		if err := s.deps.Sink.Publish(r.Context(), report); err != nil {
			s.logger.Warn("failed to publish report", "revision", report.Revision(), "error", err)
		}
	}

	s.deps.Events.Publish(events.TypeReportClassified, events.ReportClassified{
		Revision:  report.Revision(),
		Keys:      len(report.Keys()),
		NewBuilds: len(report.NewBuilds().Possible),
	})
	respondJSON(w, http.StatusOK, report)
}

// handleTrigger handles POST /revisions/{rev}/trigger.
// Only builders the current report lists as possible are accepted.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Builders) == 0 {
		s.writeError(w, http.StatusBadRequest, "builders must not be empty")
		return
	}
	priority, err := queue.ParsePriority(req.Priority)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, ok := s.classify(w, r)
	if !ok {
		return
	}

	var rejected []string
	for _, b := range req.Builders {
		if !report.Triggerable(b) {
			rejected = append(rejected, b)
		}
	}
	if len(rejected) > 0 {
		s.writeError(w, http.StatusBadRequest, "not triggerable for this revision: "+strings.Join(rejected, ", "))
		return
	}

	resp := TriggerResponse{
		Revision: report.Revision(),
		Priority: priority,
		Jobs:     make([]TriggeredJob, 0, len(req.Builders)),
	}
	for i, b := range req.Builders {
		kind := queue.KindDownstream
		if report.IsNewBuild(b) {
			kind = queue.KindBuild
		}

		jobID, created, err := s.deps.Queue.Enqueue(r.Context(), queue.EnqueueRequest{
			Revision:    report.Revision(),
			Builder:     b,
			Kind:        kind,
			Priority:    priority,
			SubmittedBy: "api",
			MaxAttempts: s.config.MaxAttempts,
		})
		if err != nil {
			s.logger.Error("failed to enqueue trigger", "revision", report.Revision(), "builder", b, "error", err)
			if i == 0 {
				s.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
			} else {
				s.writeError(w, http.StatusInternalServerError, "trigger partially enqueued; check prior job status and retry")
			}
			return
		}

		resp.Jobs = append(resp.Jobs, TriggeredJob{JobID: jobID, Builder: b, Kind: kind, Created: created})
		if created {
			s.deps.Events.Publish(events.TypeTriggerEnqueued, events.TriggerEnqueued{
				JobID:    jobID,
				Revision: report.Revision(),
				Builder:  b,
				Priority: priority.String(),
			})
		}
	}

	respondJSON(w, http.StatusAccepted, resp)
}

// handleGetJob handles GET /jobs/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.deps.Queue.GetJobByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleCatalogReload handles POST /catalog/reload.
func (s *Server) handleCatalogReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		s.writeError(w, http.StatusNotImplemented, "catalog reload not configured")
		return
	}
	changed, err := s.deps.Catalog.Tick(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("catalog reload failed: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, CatalogReloadResponse{
		Changed:     changed,
		Fingerprint: s.deps.Catalog.Fingerprint(),
	})
}

// classify validates the {rev} parameter and classifies it, writing the error
// response itself when it returns false.
func (s *Server) classify(w http.ResponseWriter, r *http.Request) (*classify.Report, bool) {
	rev := chi.URLParam(r, "rev")
	if err := revision.Validate(rev); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	report, err := s.deps.Classifier.Classify(r.Context(), rev)
	switch {
	case err == nil:
		return report, true
	case errors.Is(err, classify.ErrRevisionNotFound), errors.Is(err, classify.ErrFetchFailed):
		s.writeError(w, http.StatusNotFound, "commit not found")
	case errors.Is(err, classify.ErrCatalogUnavailable):
		s.logger.Error("catalog unavailable", "revision", rev, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "builder catalog unavailable")
	default:
		s.logger.Error("classification failed", "revision", rev, "error", err)
		s.writeError(w, http.StatusInternalServerError, "classification failed")
	}
	return nil, false
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
