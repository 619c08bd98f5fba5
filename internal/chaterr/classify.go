package chaterr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category is the closed failure taxonomy. Every error entering the
// handler maps to exactly one category.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategoryValidation     Category = "validation"
	CategoryAIProvider     Category = "ai_provider"
	CategoryStreaming      Category = "streaming"
	CategoryFileProcessing Category = "file_processing"
	CategoryRateLimit      Category = "rate_limit"
	CategoryUnknown        Category = "unknown"
)

// Severity ranks user impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Context carries correlation fields attached to a classified error.
type Context struct {
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Model          string `json:"model,omitempty"`
	Provider       string `json:"provider,omitempty"`
	UserID         string `json:"userId,omitempty"`
	Endpoint       string `json:"endpoint,omitempty"`
	Filename       string `json:"filename,omitempty"`
}

// Action is a short imperative recovery suggestion for the UI.
type Action string

const (
	ActionRetry          Action = "Retry Message"
	ActionResume         Action = "Resume Stream"
	ActionSwitchModel    Action = "Switch to Different Model"
	ActionRetryLater     Action = "Retry After a Short Wait"
	ActionRefreshSession Action = "Refresh Session"
	ActionEditMessage    Action = "Edit Message"
	ActionRetryFile      Action = "Try the File Again"
	ActionContactSupport Action = "Contact Support"
)

// ChatError is the structured result of classifying one failure. It is the
// only shape callers are expected to inspect; the handler never re-raises.
type ChatError struct {
	ID               string    `json:"id"`
	Category         Category  `json:"category"`
	Severity         Severity  `json:"severity"`
	Message          string    `json:"message"`
	TechnicalMessage string    `json:"technicalMessage"`
	UserMessage      string    `json:"userMessage"`
	IsRetryable      bool      `json:"isRetryable"`
	RetryCount       int       `json:"retryCount"`
	MaxRetries       int       `json:"maxRetries"`
	Context          Context   `json:"context"`
	Actions          []Action  `json:"actions"`
	OccurredAt       time.Time `json:"occurredAt"`
}

// Retry budgets per category. Categories not listed get one attempt.
const defaultMaxRetries = 1

var maxRetriesByCategory = map[Category]int{
	CategoryNetwork:    3,
	CategoryAIProvider: 2,
	CategoryRateLimit:  1,
	CategoryStreaming:  3,
}

// MaxRetriesFor returns the retry budget for a category.
func MaxRetriesFor(category Category) int {
	if n, ok := maxRetriesByCategory[category]; ok {
		return n
	}
	return defaultMaxRetries
}

func severityFor(category Category) Severity {
	switch category {
	case CategoryAuthentication, CategoryAIProvider:
		return SeverityHigh
	case CategoryValidation:
		return SeverityLow
	case CategoryNetwork, CategoryStreaming, CategoryFileProcessing, CategoryRateLimit:
		return SeverityMedium
	default:
		return SeverityMedium
	}
}

func retryableFor(category Category) bool {
	switch category {
	case CategoryAuthentication, CategoryValidation:
		return false
	default:
		return true
	}
}

func userMessageFor(category Category) string {
	switch category {
	case CategoryNetwork:
		return "Connection problem. Please check your network and try again."
	case CategoryAuthentication:
		return "Your session has expired. Please sign in again."
	case CategoryValidation:
		return "The message could not be sent as written. Please adjust it and try again."
	case CategoryAIProvider:
		return "The AI service is having trouble right now. You can retry or switch to a different model."
	case CategoryStreaming:
		return "The response was interrupted. You can resume where it left off."
	case CategoryFileProcessing:
		return "The attached file could not be processed."
	case CategoryRateLimit:
		return "Too many requests right now. Please wait a moment before retrying."
	default:
		return "Something went wrong. Please try again."
	}
}

// classify maps a tagged error to its category. Untagged errors fall back
// to a coarse text match so failures from code that predates the tagged
// types still land in a sensible bucket.
func classify(err error) (Category, bool) {
	var (
		netErr    *NetworkError
		authErr   *AuthError
		valErr    *ValidationError
		provErr   *ProviderError
		streamErr *StreamingError
		fileErr   *FileError
		rateErr   *RateLimitError
	)
	switch {
	case errors.As(err, &rateErr):
		return CategoryRateLimit, false
	case errors.As(err, &netErr):
		return CategoryNetwork, false
	case errors.As(err, &authErr):
		return CategoryAuthentication, false
	case errors.As(err, &valErr):
		return CategoryValidation, false
	case errors.As(err, &provErr):
		return CategoryAIProvider, false
	case errors.As(err, &fileErr):
		return CategoryFileProcessing, false
	case errors.As(err, &streamErr):
		return CategoryStreaming, streamErr.Interrupted
	}

	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "rate limit") || strings.Contains(text, "429"):
		return CategoryRateLimit, false
	case strings.Contains(text, "unauthorized") || strings.Contains(text, "forbidden") || strings.Contains(text, "401"):
		return CategoryAuthentication, false
	case strings.Contains(text, "network") || strings.Contains(text, "timeout") || strings.Contains(text, "connection"):
		return CategoryNetwork, false
	case strings.Contains(text, "server error") || strings.Contains(text, "internal error"):
		return CategoryAIProvider, false
	}
	return CategoryUnknown, false
}

func actionsFor(category Category, severity Severity, interrupted bool) []Action {
	var actions []Action
	switch category {
	case CategoryNetwork:
		actions = []Action{ActionRetry}
	case CategoryAuthentication:
		actions = []Action{ActionRefreshSession}
	case CategoryValidation:
		actions = []Action{ActionEditMessage}
	case CategoryAIProvider:
		actions = []Action{ActionRetry, ActionSwitchModel}
	case CategoryStreaming:
		if interrupted {
			actions = []Action{ActionResume, ActionRetry}
		} else {
			actions = []Action{ActionRetry}
		}
	case CategoryFileProcessing:
		actions = []Action{ActionRetryFile}
	case CategoryRateLimit:
		actions = []Action{ActionRetryLater}
	default:
		actions = []Action{ActionRetry}
	}
	if severity == SeverityCritical {
		actions = append(actions, ActionContactSupport)
	}
	return actions
}

// RecoverySuggestions returns the recovery actions appropriate for an
// already classified error, recomputed from its category and severity so
// callers can refresh them after mutating retry state.
func RecoverySuggestions(chatErr *ChatError) []Action {
	if chatErr == nil {
		return nil
	}
	interrupted := false
	for _, action := range chatErr.Actions {
		if action == ActionResume {
			interrupted = true
			break
		}
	}
	return actionsFor(chatErr.Category, chatErr.Severity, interrupted)
}

func newChatError(err error, category Category, interrupted bool, chatCtx Context, now time.Time) *ChatError {
	severity := severityFor(category)
	if provErr := (*ProviderError)(nil); errors.As(err, &provErr) && provErr.StatusCode >= 500 {
		severity = SeverityHigh
	}
	return &ChatError{
		ID:               uuid.NewString(),
		Category:         category,
		Severity:         severity,
		Message:          err.Error(),
		TechnicalMessage: technicalMessage(err, chatCtx),
		UserMessage:      userMessageFor(category),
		IsRetryable:      retryableFor(category),
		MaxRetries:       MaxRetriesFor(category),
		Context:          chatCtx,
		Actions:          actionsFor(category, severity, interrupted),
		OccurredAt:       now,
	}
}

func technicalMessage(err error, chatCtx Context) string {
	parts := []string{err.Error()}
	if chatCtx.Endpoint != "" {
		parts = append(parts, "endpoint="+chatCtx.Endpoint)
	}
	if chatCtx.ConversationID != "" {
		parts = append(parts, "conversation="+chatCtx.ConversationID)
	}
	if chatCtx.MessageID != "" {
		parts = append(parts, "message="+chatCtx.MessageID)
	}
	if chatCtx.Model != "" {
		parts = append(parts, "model="+chatCtx.Model)
	}
	if chatCtx.Filename != "" {
		parts = append(parts, "file="+chatCtx.Filename)
	}
	return strings.Join(parts, " ")
}

func exhaustedUserMessage(maxRetries int) string {
	return fmt.Sprintf("The request failed after reaching the maximum of %d retry attempts. Please try again later.", maxRetries)
}
