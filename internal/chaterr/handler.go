package chaterr

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	historyCap     = 50
	recentWindow   = 30 * time.Minute
	recentCap      = 10
	baseRetryDelay = time.Second
	globalKey      = "global"
)

// Handler classifies failures, enforces per-key retry budgets, and keeps a
// bounded in-memory error history for diagnostics.
type Handler struct {
	mu       sync.Mutex
	history  map[string][]*ChatError
	attempts map[string]int

	logger *log.Logger
	now    func() time.Time
	wait   func(context.Context, time.Duration) error
}

// HandlerOptions tune the handler; zero values pick production defaults.
type HandlerOptions struct {
	Logger *log.Logger
	Now    func() time.Time
	Wait   func(context.Context, time.Duration) error
}

func NewHandler(opts HandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Wait == nil {
		opts.Wait = waitForRetry
	}
	return &Handler{
		history:  make(map[string][]*ChatError),
		attempts: make(map[string]int),
		logger:   opts.Logger,
		now:      opts.Now,
		wait:     opts.Wait,
	}
}

// Handle classifies an arbitrary failure. It never returns nil for a
// non-nil error and never re-raises; callers inspect the result.
func (h *Handler) Handle(err error, chatCtx Context) *ChatError {
	if err == nil {
		return nil
	}
	category, interrupted := classify(err)
	chatErr := newChatError(err, category, interrupted, chatCtx, h.now())
	h.record(chatErr)
	return chatErr
}

// HandleStreaming classifies a failure from an active response stream.
// The category is always streaming; an interrupted stream additionally
// offers a resume action.
func (h *Handler) HandleStreaming(err error, streamID string, chatCtx Context) *ChatError {
	if err == nil {
		return nil
	}
	interrupted := false
	var streamErr *StreamingError
	if errors.As(err, &streamErr) {
		interrupted = streamErr.Interrupted
		if streamID == "" {
			streamID = streamErr.StreamID
		}
	}
	chatErr := newChatError(err, CategoryStreaming, interrupted, chatCtx, h.now())
	chatErr.TechnicalMessage = fmt.Sprintf("%s stream=%s", chatErr.TechnicalMessage, streamID)
	h.record(chatErr)
	return chatErr
}

// HandleFile classifies a file-processing failure. Never auto-retried.
func (h *Handler) HandleFile(err error, filename string, chatCtx Context) *ChatError {
	if err == nil {
		return nil
	}
	chatCtx.Filename = filename
	chatErr := newChatError(err, CategoryFileProcessing, false, chatCtx, h.now())
	h.record(chatErr)
	return chatErr
}

// HandleAPI classifies a failure from a named endpoint and, for the
// auto-retry categories, drives bounded exponential-backoff retries of the
// supplied callback. A nil return means a retry eventually succeeded.
// This is the only entry point that retries on its own.
func (h *Handler) HandleAPI(ctx context.Context, endpoint string, chatCtx Context, err error, retry func(context.Context) error) *ChatError {
	if err == nil {
		return nil
	}
	chatCtx.Endpoint = endpoint
	category, interrupted := classify(err)
	key := retryKey(endpoint, chatCtx)

	// Every classified failure on a key counts against its budget,
	// whether the retry is driven here or by the caller. The counter
	// moves before any wait so a concurrent failure on the same key
	// cannot schedule a duplicate retry at this attempt number.
	h.mu.Lock()
	attempts := h.attempts[key]
	h.attempts[key] = attempts + 1
	h.mu.Unlock()

	chatErr := newChatError(err, category, interrupted, chatCtx, h.now())
	chatErr.RetryCount = attempts
	if attempts >= chatErr.MaxRetries {
		h.exhaust(chatErr)
		h.record(chatErr)
		return chatErr
	}
	h.record(chatErr)

	if !chatErr.IsRetryable || !autoRetryable(category) || retry == nil {
		return chatErr
	}

	delay := baseRetryDelay * (1 << attempts)
	h.logger.Printf("retrying %s (%d/%d) in %s", endpoint, attempts+1, chatErr.MaxRetries, delay)
	if waitErr := h.wait(ctx, delay); waitErr != nil {
		return chatErr
	}

	retryErr := retry(ctx)
	if retryErr == nil {
		h.mu.Lock()
		delete(h.attempts, key)
		h.mu.Unlock()
		return nil
	}
	return h.HandleAPI(ctx, endpoint, chatCtx, retryErr, retry)
}

// Stats summarizes the rolling error history.
type Stats struct {
	Total      int              `json:"total"`
	ByCategory map[Category]int `json:"byCategory"`
	BySeverity map[Severity]int `json:"bySeverity"`
	Recent     []*ChatError     `json:"recent"`
}

// Stats aggregates every recorded error plus the most recent ones within
// the last half hour.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := Stats{
		ByCategory: make(map[Category]int),
		BySeverity: make(map[Severity]int),
	}
	cutoff := h.now().Add(-recentWindow)

	var recent []*ChatError
	for _, entries := range h.history {
		for _, entry := range entries {
			stats.Total++
			stats.ByCategory[entry.Category]++
			stats.BySeverity[entry.Severity]++
			if entry.OccurredAt.After(cutoff) {
				recent = append(recent, entry)
			}
		}
	}

	// Newest first, capped.
	for i := 0; i < len(recent); i++ {
		for j := i + 1; j < len(recent); j++ {
			if recent[j].OccurredAt.After(recent[i].OccurredAt) {
				recent[i], recent[j] = recent[j], recent[i]
			}
		}
	}
	if len(recent) > recentCap {
		recent = recent[:recentCap]
	}
	stats.Recent = recent
	return stats
}

// ClearHistory drops the history for one conversation (or the global
// bucket when empty) and purges retry counters referencing the
// conversation or message.
func (h *Handler) ClearHistory(conversationID, messageID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.history, historyKey(conversationID))
	for key := range h.attempts {
		if conversationID != "" && containsSegment(key, conversationID) {
			delete(h.attempts, key)
			continue
		}
		if messageID != "" && containsSegment(key, messageID) {
			delete(h.attempts, key)
		}
	}
}

func (h *Handler) record(chatErr *ChatError) {
	key := historyKey(chatErr.Context.ConversationID)
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := append(h.history[key], chatErr)
	if len(entries) > historyCap {
		entries = entries[len(entries)-historyCap:]
	}
	h.history[key] = entries
	h.logger.Printf("chat error [%s/%s] %s", chatErr.Category, chatErr.Severity, chatErr.TechnicalMessage)
}

// exhaust finalizes an error whose retry budget ran out. A high-impact
// failure that survived its whole budget is critical, and critical always
// carries the contact-support action.
func (h *Handler) exhaust(chatErr *ChatError) {
	chatErr.IsRetryable = false
	chatErr.RetryCount = chatErr.MaxRetries
	chatErr.UserMessage = exhaustedUserMessage(chatErr.MaxRetries)
	if chatErr.Severity == SeverityHigh {
		chatErr.Severity = SeverityCritical
		chatErr.Actions = actionsFor(chatErr.Category, chatErr.Severity, false)
	}
}

func autoRetryable(category Category) bool {
	return category == CategoryNetwork || category == CategoryRateLimit
}

func retryKey(endpoint string, chatCtx Context) string {
	return fmt.Sprintf("%s|%s|%s", endpoint, chatCtx.ConversationID, chatCtx.MessageID)
}

func historyKey(conversationID string) string {
	if conversationID == "" {
		return globalKey
	}
	return conversationID
}

func containsSegment(key, id string) bool {
	if id == "" {
		return false
	}
	for _, segment := range splitKey(key) {
		if segment == id {
			return true
		}
	}
	return false
}

func splitKey(key string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			segments = append(segments, key[start:i])
			start = i + 1
		}
	}
	return append(segments, key[start:])
}

func waitForRetry(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
