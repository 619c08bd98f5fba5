package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"chat/streamkit/internal/kv"
)

const (
	defaultNamespace       = "streamkit"
	defaultMaxStorageBytes = 5 * 1024 * 1024
	defaultMaxStreamAge    = 24 * time.Hour
	defaultCleanupInterval = 10 * time.Minute

	// Emergency cleanup escalates to evicting incomplete streams when
	// removing terminal records freed fewer entries than this.
	minTerminalEvictions = 10

	// The hard cleanup trigger sits above the warning threshold.
	emergencyRatio = 1.25
)

// ErrStreamNotFound is returned when no live record exists for an ID,
// including records that were just removed by lazy expiry.
var ErrStreamNotFound = errors.New("stream not found")

// Options configure a StateStore. Zero values fall back to defaults.
type Options struct {
	Namespace        string
	MaxStorageBytes  int64
	WarnStorageBytes int64
	MaxStreamAge     time.Duration
	CleanupInterval  time.Duration

	// Reserved flags; accepted but currently no-ops.
	CompressionEnabled bool
	EncryptionEnabled  bool

	Logger *log.Logger
	Now    func() time.Time
}

// StateStore persists stream state and its directory index in a bounded
// key-value store. Construct with NewStateStore; there is no package
// singleton. Start launches the periodic cleanup sweep, Stop halts it.
type StateStore struct {
	kv   kv.Store
	opts Options

	mu        sync.Mutex
	sizes     map[string]int64
	used      int64
	usedKnown bool
	stop      chan struct{}
	done      chan struct{}
}

func NewStateStore(store kv.Store, opts Options) *StateStore {
	if strings.TrimSpace(opts.Namespace) == "" {
		opts.Namespace = defaultNamespace
	}
	if opts.MaxStorageBytes <= 0 {
		opts.MaxStorageBytes = defaultMaxStorageBytes
	}
	if opts.WarnStorageBytes <= 0 || opts.WarnStorageBytes > opts.MaxStorageBytes {
		opts.WarnStorageBytes = opts.MaxStorageBytes * 4 / 5
	}
	if opts.MaxStreamAge <= 0 {
		opts.MaxStreamAge = defaultMaxStreamAge
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &StateStore{
		kv:    store,
		opts:  opts,
		sizes: make(map[string]int64),
	}
}

func (s *StateStore) stateKey(streamID string) string {
	return s.opts.Namespace + ":stream-state:" + streamID
}

func (s *StateStore) indexKey() string {
	return s.opts.Namespace + ":stream-index"
}

func (s *StateStore) lastCleanupKey() string {
	return s.opts.Namespace + ":stream-last-cleanup"
}

func (s *StateStore) statePrefix() string {
	return s.opts.Namespace + ":stream-state:"
}

func (s *StateStore) nowMs() int64 {
	return s.opts.Now().UnixMilli()
}

// Start runs the periodic cleanup sweep until Stop is called. If the
// recorded last-cleanup time is older than the interval, a sweep runs
// immediately.
func (s *StateStore) Start() {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	if s.cleanupOverdue() {
		if _, err := s.CleanupOldStreams(s.opts.MaxStreamAge); err != nil {
			s.opts.Logger.Printf("startup stream cleanup failed: %v", err)
		}
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := s.CleanupOldStreams(s.opts.MaxStreamAge); err != nil {
					s.opts.Logger.Printf("periodic stream cleanup failed: %v", err)
				}
			}
		}
	}()
}

// Stop halts the periodic sweep. Safe to call without Start and more
// than once.
func (s *StateStore) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *StateStore) cleanupOverdue() bool {
	raw, err := s.kv.Get(s.lastCleanupKey())
	if err != nil {
		return true
	}
	last, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return true
	}
	return s.nowMs()-last > s.opts.CleanupInterval.Milliseconds()
}

// SaveStreamState writes or overwrites the record for state.StreamID and
// keeps the directory index in lockstep. On a quota failure the eviction
// cascade runs and the write is retried before a persistence error is
// surfaced.
func (s *StateStore) SaveStreamState(state State) error {
	if strings.TrimSpace(state.StreamID) == "" {
		return &PersistenceError{Op: OpSave, Err: errors.New("empty stream id")}
	}

	state.SavedAt = s.nowMs()
	encoded, err := encodeState(state)
	if err != nil {
		return &PersistenceError{Op: OpSave, Err: err}
	}

	key := s.stateKey(state.StreamID)
	s.checkStorageQuota(kv.EstimateBytes(key, encoded))

	if err := s.writeWithRecovery(key, encoded); err != nil {
		return &PersistenceError{Op: OpSave, Err: err}
	}

	if err := s.updateIndex(func(index *Index) {
		addToIndex(index, state.StreamID, state.ConversationID)
	}); err != nil {
		return &PersistenceError{Op: OpSave, Err: err}
	}
	return nil
}

// GetStreamState loads a record. Records older than MaxStreamAge are
// deleted on read and reported as not found; corrupt records are treated
// the same way.
func (s *StateStore) GetStreamState(streamID string) (State, error) {
	raw, err := s.kv.Get(s.stateKey(streamID))
	if errors.Is(err, kv.ErrNotFound) {
		return State{}, ErrStreamNotFound
	}
	if err != nil {
		return State{}, &PersistenceError{Op: OpLoad, Err: err}
	}

	state, err := decodeState(raw)
	if err != nil {
		s.opts.Logger.Printf("removing corrupt stream record %s: %v", streamID, err)
		if removeErr := s.RemoveStreamState(streamID); removeErr != nil {
			return State{}, &PersistenceError{Op: OpLoad, Err: removeErr}
		}
		return State{}, ErrStreamNotFound
	}

	if s.nowMs()-state.LastUpdateTime > s.opts.MaxStreamAge.Milliseconds() {
		if removeErr := s.RemoveStreamState(streamID); removeErr != nil {
			return State{}, &PersistenceError{Op: OpLoad, Err: removeErr}
		}
		return State{}, ErrStreamNotFound
	}

	return state, nil
}

// IncompleteStreams lists every record that is neither complete nor
// errored, most recently active first.
func (s *StateStore) IncompleteStreams() ([]State, error) {
	states, err := s.loadAll(false)
	if err != nil {
		return nil, err
	}

	out := make([]State, 0, len(states))
	for _, state := range states {
		if !state.Terminal() {
			out = append(out, state)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUpdateTime > out[j].LastUpdateTime
	})
	return out, nil
}

// RecoverableStreams projects the incomplete streams of one conversation
// into the view a UI needs to offer resumption.
func (s *StateStore) RecoverableStreams(conversationID string) ([]RecoveryData, error) {
	incomplete, err := s.IncompleteStreams()
	if err != nil {
		return nil, err
	}

	out := make([]RecoveryData, 0, len(incomplete))
	for _, state := range incomplete {
		if state.ConversationID != conversationID {
			continue
		}
		progress := 0
		if state.EstimatedCompletion != nil {
			progress = *state.EstimatedCompletion
		}
		out = append(out, RecoveryData{
			StreamID:      state.StreamID,
			MessageID:     state.MessageID,
			LastContent:   state.Content,
			Progress:      progress,
			InterruptedAt: state.LastUpdateTime,
			Model:         state.Model,
			Provider:      state.Provider,
			CanRecover:    !state.Terminal(),
			ErrorMessage:  state.Error,
		})
	}
	return out, nil
}

// RemoveStreamState deletes the record and its index entry. Removing an
// absent ID is not an error.
func (s *StateStore) RemoveStreamState(streamID string) error {
	if err := s.deleteKey(s.stateKey(streamID)); err != nil {
		return &PersistenceError{Op: OpSave, Err: err}
	}
	if err := s.updateIndex(func(index *Index) {
		removeFromIndex(index, streamID)
	}); err != nil {
		return &PersistenceError{Op: OpSave, Err: err}
	}
	return nil
}

// MarkStreamComplete flags the record terminal. No-op when the stream
// does not exist.
func (s *StateStore) MarkStreamComplete(streamID string) error {
	state, err := s.GetStreamState(streamID)
	if errors.Is(err, ErrStreamNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	state.IsComplete = true
	state.LastUpdateTime = s.nowMs()
	return s.SaveStreamState(state)
}

// CleanupOldStreams deletes every record older than maxAge or already
// complete, returning how many were removed. Corrupt records are removed
// without failing the sweep. A non-positive maxAge uses the configured
// default.
func (s *StateStore) CleanupOldStreams(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = s.opts.MaxStreamAge
	}
	cutoff := s.nowMs() - maxAge.Milliseconds()

	keys, err := s.kv.Keys(s.statePrefix())
	if err != nil {
		return 0, &PersistenceError{Op: OpCleanup, Err: err}
	}

	removed := 0
	for _, key := range keys {
		raw, err := s.kv.Get(key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, &PersistenceError{Op: OpCleanup, Err: err}
		}

		state, decodeErr := decodeState(raw)
		stale := decodeErr != nil || state.IsComplete || state.LastUpdateTime < cutoff
		if !stale {
			continue
		}

		streamID := strings.TrimPrefix(key, s.statePrefix())
		if decodeErr != nil {
			s.opts.Logger.Printf("removing corrupt stream record %s: %v", streamID, decodeErr)
		}
		if err := s.RemoveStreamState(streamID); err != nil {
			return removed, err
		}
		removed++
	}

	if err := s.writeWithRecovery(s.lastCleanupKey(), strconv.FormatInt(s.nowMs(), 10)); err != nil {
		s.opts.Logger.Printf("record cleanup time: %v", err)
	}
	return removed, nil
}

// StorageStats summarizes the store for the diagnostic surface.
type StorageStats struct {
	TotalStreams      int   `json:"totalStreams"`
	IncompleteStreams int   `json:"incompleteStreams"`
	ApproxBytes       int64 `json:"approxBytes"`
	OldestStream      int64 `json:"oldestStream,omitempty"`
}

func (s *StateStore) StorageStats() (StorageStats, error) {
	states, err := s.loadAll(true)
	if err != nil {
		return StorageStats{}, err
	}

	stats := StorageStats{TotalStreams: len(states)}
	for _, state := range states {
		if !state.Terminal() {
			stats.IncompleteStreams++
		}
		if stats.OldestStream == 0 || state.StartTime < stats.OldestStream {
			stats.OldestStream = state.StartTime
		}
	}
	stats.ApproxBytes = s.usage()
	return stats, nil
}

// ClearAllStreams wipes every record and the index. Destructive; callers
// opt in explicitly.
func (s *StateStore) ClearAllStreams() error {
	keys, err := s.kv.Keys(s.opts.Namespace + ":")
	if err != nil {
		return &PersistenceError{Op: OpCleanup, Err: err}
	}
	for _, key := range keys {
		if err := s.deleteKey(key); err != nil {
			return &PersistenceError{Op: OpCleanup, Err: err}
		}
	}

	s.mu.Lock()
	s.sizes = make(map[string]int64)
	s.used = 0
	s.usedKnown = true
	s.mu.Unlock()
	return nil
}

// usage returns the running byte estimate for this namespace, scanning
// the store once to initialize it.
func (s *StateStore) usage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureUsageLocked()
	return s.used
}

func (s *StateStore) ensureUsageLocked() {
	if s.usedKnown {
		return
	}
	s.sizes = make(map[string]int64)
	s.used = 0
	keys, err := s.kv.Keys(s.opts.Namespace + ":")
	if err != nil {
		s.opts.Logger.Printf("estimate storage usage: %v", err)
		return
	}
	for _, key := range keys {
		value, err := s.kv.Get(key)
		if err != nil {
			continue
		}
		size := kv.EstimateBytes(key, value)
		s.sizes[key] = size
		s.used += size
	}
	s.usedKnown = true
}

func (s *StateStore) recordWriteLocked(key string, size int64) {
	s.ensureUsageLocked()
	s.used += size - s.sizes[key]
	s.sizes[key] = size
}

func (s *StateStore) recordDeleteLocked(key string) {
	s.ensureUsageLocked()
	s.used -= s.sizes[key]
	delete(s.sizes, key)
}

// checkStorageQuota applies the proactive side of the eviction policy:
// log past the warning threshold, evict past the emergency threshold.
func (s *StateStore) checkStorageQuota(pending int64) {
	projected := s.usage() + pending
	warn := s.opts.WarnStorageBytes
	if projected <= warn {
		return
	}
	s.opts.Logger.Printf("stream storage near quota: %d of %d bytes projected", projected, s.opts.MaxStorageBytes)
	if float64(projected) > float64(warn)*emergencyRatio {
		s.emergencyCleanup()
	}
}

// emergencyCleanup runs the eviction cascade: terminal records first,
// then the oldest half of incomplete streams when that freed too little.
func (s *StateStore) emergencyCleanup() {
	states, err := s.loadAll(true)
	if err != nil {
		s.opts.Logger.Printf("emergency cleanup scan failed: %v", err)
		return
	}

	removed := 0
	live := make([]State, 0, len(states))
	for _, state := range states {
		if state.Terminal() {
			if err := s.RemoveStreamState(state.StreamID); err != nil {
				s.opts.Logger.Printf("evict terminal stream %s: %v", state.StreamID, err)
				continue
			}
			removed++
			continue
		}
		live = append(live, state)
	}

	if removed >= minTerminalEvictions || len(live) == 0 {
		return
	}

	sort.SliceStable(live, func(i, j int) bool {
		return live[i].LastUpdateTime < live[j].LastUpdateTime
	})
	for _, state := range live[:(len(live)+1)/2] {
		if err := s.RemoveStreamState(state.StreamID); err != nil {
			s.opts.Logger.Printf("evict stale stream %s: %v", state.StreamID, err)
		}
	}
}

// writeWithRecovery writes a key, running the eviction cascade and
// retrying once when the backend reports quota exhaustion; a full wipe is
// the last resort before giving up.
func (s *StateStore) writeWithRecovery(key, value string) error {
	err := s.trackedSet(key, value)
	if err == nil {
		return nil
	}
	if !errors.Is(err, kv.ErrQuotaExceeded) {
		return err
	}

	s.emergencyCleanup()
	value, err = s.refreshIndexValue(key, value)
	if err != nil {
		return err
	}
	if err := s.trackedSet(key, value); err == nil {
		return nil
	} else if !errors.Is(err, kv.ErrQuotaExceeded) {
		return err
	}

	s.opts.Logger.Printf("stream storage still over quota after cleanup; clearing all stream data")
	if err := s.ClearAllStreams(); err != nil {
		return err
	}
	value, err = s.refreshIndexValue(key, value)
	if err != nil {
		return err
	}
	return s.trackedSet(key, value)
}

// refreshIndexValue re-derives the directory from the records that
// actually survived a cleanup. Retrying a pre-cleanup index snapshot
// would resurrect entries for records that were just evicted or wiped.
func (s *StateStore) refreshIndexValue(key, value string) (string, error) {
	if key != s.indexKey() {
		return value, nil
	}
	states, err := s.loadAll(true)
	if err != nil {
		return "", err
	}
	index := Index{Conversations: make(map[string]string), LastUpdated: s.nowMs()}
	for _, state := range states {
		addToIndex(&index, state.StreamID, state.ConversationID)
	}
	return encodeIndex(index)
}

func (s *StateStore) trackedSet(key, value string) error {
	if err := s.kv.Set(key, value); err != nil {
		return err
	}
	s.mu.Lock()
	s.recordWriteLocked(key, kv.EstimateBytes(key, value))
	s.mu.Unlock()
	return nil
}

func (s *StateStore) deleteKey(key string) error {
	if err := s.kv.Delete(key); err != nil {
		return err
	}
	s.mu.Lock()
	s.recordDeleteLocked(key)
	s.mu.Unlock()
	return nil
}

// loadAll reads every state record under the namespace. Corrupt records
// are skipped (and logged); includeTerminal selects whether complete and
// errored records are returned.
func (s *StateStore) loadAll(includeTerminal bool) ([]State, error) {
	keys, err := s.kv.Keys(s.statePrefix())
	if err != nil {
		return nil, &PersistenceError{Op: OpLoad, Err: err}
	}

	out := make([]State, 0, len(keys))
	for _, key := range keys {
		raw, err := s.kv.Get(key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, &PersistenceError{Op: OpLoad, Err: err}
		}
		state, err := decodeState(raw)
		if err != nil {
			s.opts.Logger.Printf("skipping corrupt stream record %s: %v", key, err)
			continue
		}
		if !includeTerminal && state.Terminal() {
			continue
		}
		out = append(out, state)
	}
	return out, nil
}

func (s *StateStore) updateIndex(mutate func(*Index)) error {
	index := s.loadIndex()
	mutate(&index)
	index.LastUpdated = s.nowMs()

	encoded, err := encodeIndex(index)
	if err != nil {
		return err
	}
	return s.writeWithRecovery(s.indexKey(), encoded)
}

// loadIndex tolerates a missing or corrupt index by rebuilding an empty
// one; the next save repopulates it.
func (s *StateStore) loadIndex() Index {
	empty := Index{Conversations: make(map[string]string)}
	raw, err := s.kv.Get(s.indexKey())
	if err != nil {
		return empty
	}
	index, err := decodeIndex(raw)
	if err != nil {
		s.opts.Logger.Printf("rebuilding corrupt stream index: %v", err)
		return empty
	}
	return index
}

func addToIndex(index *Index, streamID, conversationID string) {
	if index.Conversations == nil {
		index.Conversations = make(map[string]string)
	}
	for _, existing := range index.Streams {
		if existing == streamID {
			index.Conversations[streamID] = conversationID
			return
		}
	}
	index.Streams = append(index.Streams, streamID)
	index.Conversations[streamID] = conversationID
}

func removeFromIndex(index *Index, streamID string) {
	streams := index.Streams[:0]
	for _, existing := range index.Streams {
		if existing != streamID {
			streams = append(streams, existing)
		}
	}
	index.Streams = streams
	delete(index.Conversations, streamID)
}

func encodeIndex(index Index) (string, error) {
	encoded, err := json.Marshal(index)
	if err != nil {
		return "", fmt.Errorf("encode stream index: %w", err)
	}
	return string(encoded), nil
}

func decodeIndex(raw string) (Index, error) {
	var index Index
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		return Index{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return index, nil
}
