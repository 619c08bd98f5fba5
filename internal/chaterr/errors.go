// Package chaterr classifies chat failures into a fixed taxonomy, decides
// retryability, and drives bounded exponential-backoff retries. Collaborators
// report failures as tagged error types; classification is a direct mapping
// over those tags with a small text fallback for errors from code that has
// not adopted them yet.
package chaterr

import "fmt"

// NetworkError tags a transport-level failure: DNS, dial, TLS, timeout.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("network failure during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network failure: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError tags a rejected or expired credential.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication failed: %v", e.Err) }

func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError tags rejected input before any upstream call was made.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ProviderError tags a failure reported by an AI provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("provider %s failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("provider failed: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// StreamingError tags a failure inside an active response stream.
// Interrupted means the stream has recoverable persisted state and a
// resume should be offered instead of a plain retry.
type StreamingError struct {
	StreamID    string
	Interrupted bool
	Err         error
}

func (e *StreamingError) Error() string {
	if e.StreamID != "" {
		return fmt.Sprintf("stream %s failed: %v", e.StreamID, e.Err)
	}
	return fmt.Sprintf("streaming failed: %v", e.Err)
}

func (e *StreamingError) Unwrap() error { return e.Err }

// FileError tags a failure while processing an attached file.
type FileError struct {
	Filename string
	Err      error
}

func (e *FileError) Error() string {
	if e.Filename != "" {
		return fmt.Sprintf("processing file %s: %v", e.Filename, e.Err)
	}
	return fmt.Sprintf("file processing failed: %v", e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// RateLimitError tags a quota rejection from an upstream service.
type RateLimitError struct {
	RetryAfterSeconds int
	Err               error
}

func (e *RateLimitError) Error() string { return fmt.Sprintf("rate limited: %v", e.Err) }

func (e *RateLimitError) Unwrap() error { return e.Err }
