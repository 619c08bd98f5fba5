package stream

import (
	"strings"
	"testing"
	"time"
)

func TestProgressPercent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		received int
		total    int
		want     int
	}{
		{"nothing received", 0, 100, 0},
		{"halfway", 50, 100, 50},
		{"unknown total", 10, 0, 0},
		{"negative total", 10, -5, 0},
		{"overshoot clamps", 200, 100, 100},
		{"rounding", 1, 3, 33},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ProgressPercent(tc.received, tc.total); got != tc.want {
				t.Fatalf("ProgressPercent(%d, %d) = %d, want %d", tc.received, tc.total, got, tc.want)
			}
		})
	}
}

func TestTokensPerSecond(t *testing.T) {
	t.Parallel()

	if got := TokensPerSecond(1000, 0); got != 0 {
		t.Fatalf("expected 0 for zero elapsed, got %d", got)
	}
	if got := TokensPerSecond(500, time.Second); got != 500 {
		t.Fatalf("expected 500 tokens/sec, got %d", got)
	}
	if got := TokensPerSecond(100, 250*time.Millisecond); got != 400 {
		t.Fatalf("expected 400 tokens/sec, got %d", got)
	}
}

func TestNewStreamIDUniquePerAttempt(t *testing.T) {
	t.Parallel()

	first := NewStreamID("conv-1", "msg-1")
	second := NewStreamID("conv-1", "msg-1")
	if first == second {
		t.Fatalf("expected distinct stream ids for retried message, got %q twice", first)
	}
	if !strings.HasPrefix(first, "conv-1-msg-1-") {
		t.Fatalf("stream id missing conversation/message prefix: %q", first)
	}
}

func TestDecodeStateRejectsCorruptRecords(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "{nope"},
		{"missing stream id", `{"content":"x","startTime":123}`},
		{"missing start time", `{"streamId":"s1","content":"x"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := decodeState(tc.raw); err == nil {
				t.Fatal("expected corrupt record error")
			}
		})
	}
}

func TestDecodeStateRoundTrip(t *testing.T) {
	t.Parallel()

	percent := 40
	original := State{
		StreamID:            "s1",
		ConversationID:      "c1",
		MessageID:           "m1",
		Content:             "partial answer",
		ChunkIndex:          7,
		StartTime:           1700000000000,
		LastUpdateTime:      1700000004000,
		EstimatedCompletion: &percent,
		Model:               "openrouter/free",
		Provider:            "openrouter",
	}

	encoded, err := encodeState(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeState(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.StreamID != "s1" || decoded.ChunkIndex != 7 || decoded.Content != "partial answer" {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if decoded.EstimatedCompletion == nil || *decoded.EstimatedCompletion != 40 {
		t.Fatalf("estimated completion lost in round trip: %+v", decoded.EstimatedCompletion)
	}
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()

	if (State{}).Terminal() {
		t.Fatal("fresh state should not be terminal")
	}
	if !(State{IsComplete: true}).Terminal() {
		t.Fatal("complete state should be terminal")
	}
	if !(State{Error: "boom"}).Terminal() {
		t.Fatal("errored state should be terminal")
	}
}
