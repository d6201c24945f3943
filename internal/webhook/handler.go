// Package webhook accepts signed push notifications from the repository that
// holds the builder catalog and reloads the catalog on each one.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// Reloader is satisfied by *watch.Watcher.
type Reloader interface {
	Tick(ctx context.Context) (bool, error)
	Fingerprint() string
}

// Config holds the settings of the catalog hook.
type Config struct {
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
}

type reloadResponse struct {
	Changed     bool   `json:"changed"`
	Fingerprint string `json:"fingerprint"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler verifies the signature of a POSTed notification and reloads the
// catalog. The body itself is not interpreted.
type Handler struct {
	cfg      Config
	reloader Reloader
	logger   *slog.Logger
}

func New(cfg Config, reloader Reloader, logger *slog.Logger) *Handler {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	return &Handler{cfg: cfg, reloader: reloader, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBodySize+1))
	if err != nil {
		respond(w, http.StatusInternalServerError, errorResponse{Error: "failed to read request body"})
		return
	}
	if int64(len(body)) > h.cfg.MaxBodySize {
		respond(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
		return
	}

	if err := verifyHMACSignature(body, r.Header.Get(h.cfg.SignatureHeader), h.cfg.Secret); err != nil {
		h.logger.Warn("webhook signature verification failed",
			"path", r.URL.Path,
			"header", h.cfg.SignatureHeader,
			"remote_addr", r.RemoteAddr,
		)
		respond(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
		return
	}

	changed, err := h.reloader.Tick(r.Context())
	if err != nil {
		h.logger.Error("catalog reload from webhook failed", "error", err)
		respond(w, http.StatusBadGateway, errorResponse{Error: "catalog reload failed"})
		return
	}

	h.logger.Info("catalog reloaded from webhook", "changed", changed)
	respond(w, http.StatusOK, reloadResponse{Changed: changed, Fingerprint: h.reloader.Fingerprint()})
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
