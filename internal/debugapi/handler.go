package debugapi

import (
	"net/http"
	"strings"

	"chat/streamkit/internal/chaterr"
	"chat/streamkit/internal/config"
	"chat/streamkit/internal/stream"
)

type Handler struct {
	cfg   config.Config
	store *stream.StateStore
	errs  *chaterr.Handler
}

func NewHandler(cfg config.Config, store *stream.StateStore, errs *chaterr.Handler) Handler {
	return Handler{cfg: cfg, store: store, errs: errs}
}

func (h Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h Handler) StreamStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := h.store.StorageStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h Handler) RecoverableStreams(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversationId"))
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "conversationId query parameter is required")
		return
	}
	recoverable, err := h.store.RecoverableStreams(conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": recoverable})
}

func (h Handler) CleanupStreams(w http.ResponseWriter, _ *http.Request) {
	removed, err := h.store.CleanupOldStreams(h.cfg.MaxStreamAge)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// ClearStreams wipes every persisted stream record. Destructive, so the
// caller must pass confirm=true explicitly.
func (h Handler) ClearStreams(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		writeError(w, http.StatusBadRequest, "confirmation_required", "pass confirm=true to clear all stream data")
		return
	}
	if err := h.store.ClearAllStreams(); err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h Handler) ErrorStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.errs.Stats())
}
