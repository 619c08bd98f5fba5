package debugapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chat/streamkit/internal/chaterr"
	"chat/streamkit/internal/config"
	"chat/streamkit/internal/kv"
	"chat/streamkit/internal/stream"
)

func newTestRouter(t *testing.T) (http.Handler, *stream.StateStore, *chaterr.Handler) {
	t.Helper()

	store := stream.NewStateStore(kv.NewMemory(0), stream.Options{
		Namespace: "test",
		Logger:    log.New(io.Discard, "", 0),
	})
	errs := chaterr.NewHandler(chaterr.HandlerOptions{Logger: log.New(io.Discard, "", 0)})
	cfg := config.Config{
		AllowedOrigins: []string{"http://localhost:3000"},
		MaxStreamAge:   24 * time.Hour,
	}
	return NewRouter(cfg, store, errs), store, errs
}

func seedStream(t *testing.T, store *stream.StateStore, streamID, conversationID string, age time.Duration, complete bool) {
	t.Helper()
	now := time.Now().Add(-age).UnixMilli()
	state := stream.State{
		StreamID:       streamID,
		ConversationID: conversationID,
		MessageID:      "msg-" + streamID,
		Content:        "partial content",
		ChunkIndex:     2,
		Model:          "openrouter/free",
		Provider:       "openrouter",
		StartTime:      now,
		LastUpdateTime: now,
		IsComplete:     complete,
	}
	if err := store.SaveStreamState(state); err != nil {
		t.Fatalf("seed %s: %v", streamID, err)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	router, _, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStreamStats(t *testing.T) {
	t.Parallel()

	router, store, _ := newTestRouter(t)
	seedStream(t, store, "s1", "c1", 0, false)
	seedStream(t, store, "s2", "c1", 0, true)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/debug/streams/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var stats stream.StorageStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalStreams != 2 || stats.IncompleteStreams != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRecoverableStreamsRequiresConversation(t *testing.T) {
	t.Parallel()

	router, store, _ := newTestRouter(t)
	seedStream(t, store, "s1", "c1", 0, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/debug/streams/recoverable", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without conversationId, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/debug/streams/recoverable?conversationId=c1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var payload struct {
		Streams []stream.RecoveryData `json:"streams"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Streams) != 1 || payload.Streams[0].StreamID != "s1" {
		t.Fatalf("unexpected recoverable streams: %+v", payload.Streams)
	}
}

func TestCleanupStreams(t *testing.T) {
	t.Parallel()

	router, store, _ := newTestRouter(t)
	seedStream(t, store, "stale", "c1", 25*time.Hour, false)
	seedStream(t, store, "fresh", "c1", 0, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/debug/streams/cleanup", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var payload map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["removed"] != 1 {
		t.Fatalf("expected 1 removal, got %d", payload["removed"])
	}
	if _, err := store.GetStreamState("fresh"); err != nil {
		t.Fatalf("fresh stream should survive: %v", err)
	}
}

func TestClearStreamsRequiresConfirmation(t *testing.T) {
	t.Parallel()

	router, store, _ := newTestRouter(t)
	seedStream(t, store, "s1", "c1", 0, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/debug/streams", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without confirm, got %d", rec.Code)
	}
	if _, err := store.GetStreamState("s1"); err != nil {
		t.Fatalf("stream must survive unconfirmed clear: %v", err)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/debug/streams?confirm=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := store.GetStreamState("s1"); !errors.Is(err, stream.ErrStreamNotFound) {
		t.Fatalf("expected empty store after confirmed clear, got %v", err)
	}
}

func TestErrorStats(t *testing.T) {
	t.Parallel()

	router, _, errs := newTestRouter(t)
	errs.Handle(&chaterr.NetworkError{Err: errors.New("down")}, chaterr.Context{ConversationID: "c1"})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/debug/errors/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var stats chaterr.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Total != 1 || stats.ByCategory[chaterr.CategoryNetwork] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
