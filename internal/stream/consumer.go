package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Consumer applies a live chunk feed to one stream's state, persisting
// after every applied chunk so an interruption at any point leaves a
// recoverable record.
type Consumer struct {
	store *StateStore

	state          State
	phase          Phase
	lastIndex      int
	chunksReceived int
	totalChunks    int
	created        bool
}

func NewConsumer(store *StateStore, streamID, conversationID, messageID, model, provider string) *Consumer {
	return &Consumer{
		store: store,
		state: State{
			StreamID:       streamID,
			ConversationID: conversationID,
			MessageID:      messageID,
			Model:          model,
			Provider:       provider,
		},
		phase:     PhaseStarting,
		lastIndex: -1,
	}
}

// State returns a copy of the consumer's current stream state.
func (c *Consumer) State() State {
	return c.state
}

// Apply folds one chunk into the stream state and persists the result.
// A chunk whose index does not advance past the last applied one is
// treated as already applied: content is untouched and no error is
// returned. Terminal states are never mutated.
func (c *Consumer) Apply(chunk Chunk) error {
	if c.state.Terminal() {
		return nil
	}

	now := c.store.nowMs()
	if !c.created {
		c.state.StartTime = now
		c.state.ChunkIndex = -1
		c.created = true
	}

	if chunk.Type == ChunkTypeError || chunk.Error != "" {
		message := strings.TrimSpace(chunk.Error)
		if message == "" {
			message = "stream producer reported an error"
		}
		c.state.Error = message
		c.state.LastUpdateTime = now
		c.phase = PhaseError
		if err := c.store.SaveStreamState(c.state); err != nil {
			return err
		}
		return errors.New(message)
	}

	if chunk.ChunkIndex <= c.lastIndex {
		return nil
	}

	if chunk.TotalChunks > 0 {
		c.totalChunks = chunk.TotalChunks
	}

	if chunk.Content != "" {
		if c.state.TimeToFirstTokenMs == 0 {
			c.state.TimeToFirstTokenMs = now - c.state.StartTime
		}
		c.state.Content += chunk.Content
		c.state.TotalTokens += estimateTokens(chunk.Content)
	}

	c.lastIndex = chunk.ChunkIndex
	c.chunksReceived++
	c.state.ChunkIndex = chunk.ChunkIndex
	c.state.LastUpdateTime = now
	c.state.ElapsedTimeMs = now - c.state.StartTime
	if chunk.BytesReceived > 0 {
		c.state.BytesReceived = chunk.BytesReceived
	} else {
		c.state.BytesReceived += int64(len(chunk.Content))
	}
	if c.state.ElapsedTimeMs > 0 {
		c.state.TokensPerSecond = int(float64(c.state.TotalTokens) / float64(c.state.ElapsedTimeMs) * 1000)
	}
	if c.totalChunks > 0 {
		percent := ProgressPercent(c.chunksReceived, c.totalChunks)
		c.state.EstimatedCompletion = &percent
	}

	if c.phase == PhaseStarting {
		c.phase = PhaseStreaming
	}

	if chunk.Finished || chunk.Type == ChunkTypeDone {
		c.phase = PhaseCompleting
		c.state.IsComplete = true
		c.state.IsPaused = false
		if err := c.store.SaveStreamState(c.state); err != nil {
			return err
		}
		c.phase = PhaseComplete
		return nil
	}

	return c.store.SaveStreamState(c.state)
}

// Pause marks the stream paused and persists it, making it eligible for
// recovery listing while the producer connection is down.
func (c *Consumer) Pause() error {
	if c.state.Terminal() {
		return nil
	}
	c.state.IsPaused = true
	c.state.LastUpdateTime = c.store.nowMs()
	c.phase = PhasePaused
	return c.store.SaveStreamState(c.state)
}

// Run consumes an SSE-framed chunk feed until the producer finishes or
// the context is cancelled. On cancellation the last known state is
// flushed before unwinding; accumulated content is never dropped.
func (c *Consumer) Run(ctx context.Context, body io.Reader) error {
	if ctx == nil {
		ctx = context.Background()
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			c.flush()
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return c.finish()
		}

		var chunk Chunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if err := c.Apply(chunk); err != nil {
			return err
		}
		if c.state.IsComplete {
			return nil
		}
	}

	if err := ctx.Err(); err != nil {
		c.flush()
		return err
	}
	if err := scanner.Err(); err != nil {
		c.flush()
		return fmt.Errorf("read chunk feed: %w", err)
	}

	// Feed ended without a done marker: leave the stream incomplete so
	// recovery can pick it up.
	c.flush()
	return nil
}

// Resume asks the producer to continue from the last acknowledged
// position. The producer's actual offset wins: an earlier offset is
// reconciled by the monotonic-index rule dropping overlapping chunks, a
// later one is accepted as a gap.
func (c *Consumer) Resume(ctx context.Context, do func(context.Context, ResumeRequest) (ResumeResponse, error)) error {
	persisted, err := c.store.GetStreamState(c.state.StreamID)
	if err != nil {
		return &RecoveryError{StreamID: c.state.StreamID, Err: err}
	}
	if persisted.Terminal() {
		return &RecoveryError{StreamID: c.state.StreamID, Err: errors.New("stream already terminal")}
	}

	c.state = persisted
	c.lastIndex = persisted.ChunkIndex
	c.created = true

	req := ResumeRequest{
		StreamID:         persisted.StreamID,
		FromChunkIndex:   persisted.ChunkIndex + 1,
		ConversationID:   persisted.ConversationID,
		MessageID:        persisted.MessageID,
		Model:            persisted.Model,
		LastKnownContent: persisted.Content,
	}

	resp, err := do(ctx, req)
	if err != nil {
		return &RecoveryError{StreamID: c.state.StreamID, Err: err}
	}
	if !resp.Success {
		cause := errors.New("producer declined to resume")
		if strings.TrimSpace(resp.Error) != "" {
			cause = errors.New(resp.Error)
		}
		return &RecoveryError{StreamID: c.state.StreamID, Err: cause}
	}

	if resp.ResumedFromChunk > req.FromChunkIndex {
		// The producer skipped ahead; accept the gap at its offset.
		c.lastIndex = resp.ResumedFromChunk - 1
		c.state.ChunkIndex = c.lastIndex
	}

	c.state.IsPaused = false
	c.state.LastUpdateTime = c.store.nowMs()
	c.phase = PhaseResumed
	return c.store.SaveStreamState(c.state)
}

// ProgressSnapshot projects the live UI view of the stream.
func (c *Consumer) ProgressSnapshot() Progress {
	progress := Progress{
		Phase:            c.phase,
		ChunksReceived:   c.chunksReceived,
		TokensPerSecond:  c.state.TokensPerSecond,
		TimeToFirstToken: c.state.TimeToFirstTokenMs,
		ElapsedTime:      c.state.ElapsedTimeMs,
		BytesReceived:    c.state.BytesReceived,
		CanPause:         c.phase == PhaseStreaming || c.phase == PhaseResumed,
		CanResume:        c.phase == PhasePaused,
		StreamID:         c.state.StreamID,
	}
	if c.totalChunks > 0 {
		percent := ProgressPercent(c.chunksReceived, c.totalChunks)
		progress.Percentage = &percent
	}
	return progress
}

func (c *Consumer) finish() error {
	if c.state.Terminal() {
		return nil
	}
	if !c.created {
		return nil
	}
	c.phase = PhaseCompleting
	c.state.IsComplete = true
	c.state.IsPaused = false
	c.state.LastUpdateTime = c.store.nowMs()
	if err := c.store.SaveStreamState(c.state); err != nil {
		return err
	}
	c.phase = PhaseComplete
	return nil
}

func (c *Consumer) flush() {
	if !c.created {
		return
	}
	if err := c.store.SaveStreamState(c.state); err != nil {
		c.store.opts.Logger.Printf("flush stream state %s: %v", c.state.StreamID, err)
	}
}

// estimateTokens approximates token count from text length; providers
// that report exact usage do so out of band.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
