// Package stream implements resumable AI response streaming: durable
// stream state with quota-aware eviction, a recovery protocol for
// interrupted streams, and a chunk consumer that applies a live feed.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Phase describes where a live stream currently is.
type Phase string

const (
	PhaseStarting   Phase = "starting"
	PhaseStreaming  Phase = "streaming"
	PhasePaused     Phase = "paused"
	PhaseCompleting Phase = "completing"
	PhaseComplete   Phase = "complete"
	PhaseError      Phase = "error"
	PhaseResumed    Phase = "resumed"
)

// ChunkType identifies the kind of event carried by a chunk.
type ChunkType string

const (
	ChunkTypeContent  ChunkType = "content"
	ChunkTypeDone     ChunkType = "done"
	ChunkTypeError    ChunkType = "error"
	ChunkTypeProgress ChunkType = "progress"
)

// State is the persisted record of one in-flight or finished stream.
// Timestamps are Unix milliseconds.
type State struct {
	StreamID            string  `json:"streamId"`
	ConversationID      string  `json:"conversationId"`
	MessageID           string  `json:"messageId"`
	UserMessageID       string  `json:"userMessageId,omitempty"`
	Content             string  `json:"content"`
	ChunkIndex          int     `json:"chunkIndex"`
	TotalTokens         int     `json:"totalTokens"`
	TokensPerSecond     int     `json:"tokensPerSecond"`
	TimeToFirstTokenMs  int64   `json:"timeToFirstToken"`
	ElapsedTimeMs       int64   `json:"elapsedTime"`
	BytesReceived       int64   `json:"bytesReceived"`
	IsComplete          bool    `json:"isComplete"`
	IsPaused            bool    `json:"isPaused"`
	Error               string  `json:"error,omitempty"`
	Model               string  `json:"model"`
	Provider            string  `json:"provider"`
	StartTime           int64   `json:"startTime"`
	LastUpdateTime      int64   `json:"lastUpdateTime"`
	EstimatedCompletion *int    `json:"estimatedCompletion,omitempty"`
	SavedAt             int64   `json:"savedAt,omitempty"`
}

// Terminal reports whether the record reached a terminal status and must
// not be mutated further except by deletion.
func (s State) Terminal() bool {
	return s.IsComplete || s.Error != ""
}

// Index is the store's directory: every persisted stream ID plus its
// conversation. The store keeps it in lockstep with the state records.
type Index struct {
	Streams       []string          `json:"streams"`
	Conversations map[string]string `json:"conversations"`
	LastUpdated   int64             `json:"lastUpdated"`
}

// Chunk is one incremental unit of a stream as delivered by the producer.
type Chunk struct {
	Type          ChunkType `json:"type,omitempty"`
	Content       string    `json:"content"`
	Finished      bool      `json:"finished"`
	ChunkIndex    int       `json:"chunkIndex"`
	TotalChunks   int       `json:"totalChunks,omitempty"`
	StreamID      string    `json:"streamId"`
	Timestamp     int64     `json:"timestamp"`
	Checksum      string    `json:"checksum,omitempty"`
	BytesReceived int64     `json:"bytesReceived,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// ResumeRequest asks the producer to continue an interrupted stream.
type ResumeRequest struct {
	StreamID         string `json:"streamId"`
	FromChunkIndex   int    `json:"fromChunkIndex"`
	ConversationID   string `json:"conversationId"`
	MessageID        string `json:"messageId"`
	Model            string `json:"model"`
	LastKnownContent string `json:"lastKnownContent"`
}

// ResumeResponse reports where the producer actually resumed. The offset
// may differ from the requested one; the consumer reconciles the delta.
type ResumeResponse struct {
	Success          bool   `json:"success"`
	ResumedFromChunk int    `json:"resumedFromChunk"`
	Error            string `json:"error,omitempty"`
}

// Progress is the derived, UI-facing projection of a live stream. The
// percentage is only present when the producer advertised a total.
type Progress struct {
	Phase            Phase  `json:"phase"`
	ChunksReceived   int    `json:"chunksReceived"`
	TokensPerSecond  int    `json:"tokensPerSecond"`
	TimeToFirstToken int64  `json:"timeToFirstToken"`
	ElapsedTime      int64  `json:"elapsedTime"`
	BytesReceived    int64  `json:"bytesReceived"`
	Percentage       *int   `json:"percentage,omitempty"`
	CanPause         bool   `json:"canPause"`
	CanResume        bool   `json:"canResume"`
	StreamID         string `json:"streamId"`
}

// RecoveryData is the per-conversation view a UI needs to offer resuming
// an interrupted stream.
type RecoveryData struct {
	StreamID      string `json:"streamId"`
	MessageID     string `json:"messageId"`
	LastContent   string `json:"lastContent"`
	Progress      int    `json:"progress"`
	InterruptedAt int64  `json:"interruptedAt"`
	Model         string `json:"model"`
	Provider      string `json:"provider"`
	CanRecover    bool   `json:"canRecover"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// PersistenceOp names the storage operation that failed.
type PersistenceOp string

const (
	OpSave    PersistenceOp = "save"
	OpLoad    PersistenceOp = "load"
	OpCleanup PersistenceOp = "cleanup"
)

// PersistenceError is raised when the storage layer exhausts its local
// recovery (retry-after-cleanup, skip-corrupt-records).
type PersistenceError struct {
	Op  PersistenceOp
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("stream persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RecoveryError is raised when resuming an interrupted stream fails.
type RecoveryError struct {
	StreamID string
	Err      error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recover stream %s: %v", e.StreamID, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// ErrCorruptRecord marks a persisted record that failed validation. The
// store deletes such records and moves on rather than propagating them.
var ErrCorruptRecord = errors.New("corrupt stream record")

// NewStreamID composes a stream identifier unique per attempt: retries of
// the same message must not collide with the interrupted stream before
// recovery has consumed it.
func NewStreamID(conversationID, messageID string) string {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("%s-%s-%d-%s", conversationID, messageID, time.Now().UnixMilli(), suffix)
}

// ProgressPercent estimates completion from chunk counts. The total is
// advisory; an unknown or zero total yields 0 rather than a guess.
func ProgressPercent(chunksReceived, estimatedTotal int) int {
	if estimatedTotal <= 0 {
		return 0
	}
	percent := int(math.Round(float64(chunksReceived) / float64(estimatedTotal) * 100))
	if percent > 100 {
		return 100
	}
	return percent
}

// TokensPerSecond derives throughput from a token count and elapsed time.
func TokensPerSecond(totalTokens int, elapsed time.Duration) int {
	ms := elapsed.Milliseconds()
	if ms <= 0 {
		return 0
	}
	return int(math.Round(float64(totalTokens) / float64(ms) * 1000))
}

func decodeState(raw string) (State, error) {
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if strings.TrimSpace(state.StreamID) == "" {
		return State{}, fmt.Errorf("%w: missing stream id", ErrCorruptRecord)
	}
	if state.StartTime <= 0 {
		return State{}, fmt.Errorf("%w: missing start time", ErrCorruptRecord)
	}
	return state, nil
}

func encodeState(state State) (string, error) {
	encoded, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode stream state: %w", err)
	}
	return string(encoded), nil
}
