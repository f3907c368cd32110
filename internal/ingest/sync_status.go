package ingest

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/david/tender-agent/internal/models"
)

// SyncState is the last known ingestion state of one source. It lives for
// the process lifetime; the durable history is the ingest_runs table.
type SyncState struct {
	Source              models.Source `json:"source"`
	Running             bool          `json:"running"`
	CurrentRunID        uuid.UUID     `json:"currentRunId,omitempty"`
	LastStartedAt       *time.Time    `json:"lastStartedAt,omitempty"`
	LastFinishedAt      *time.Time    `json:"lastFinishedAt,omitempty"`
	LastSuccessAt       *time.Time    `json:"lastSuccessAt,omitempty"`
	LastResult          *Result       `json:"lastResult,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

// SyncStatusStore keeps a SyncState per source.
type SyncStatusStore struct {
	mu     sync.RWMutex
	states map[models.Source]*SyncState
}

func NewSyncStatusStore() *SyncStatusStore {
	return &SyncStatusStore{states: make(map[models.Source]*SyncState)}
}

func (s *SyncStatusStore) state(source models.Source) *SyncState {
	st, ok := s.states[source]
	if !ok {
		st = &SyncState{Source: source}
		s.states[source] = st
	}
	return st
}

func (s *SyncStatusStore) markStarted(source models.Source, runID uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(source)
	st.Running = true
	st.CurrentRunID = runID
	st.LastStartedAt = &at
}

func (s *SyncStatusStore) markFinished(res Result, startedAt, finishedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(res.Source)
	st.Running = false
	st.CurrentRunID = uuid.Nil
	st.LastFinishedAt = &finishedAt
	r := res
	st.LastResult = &r
	switch {
	case res.ErrorCount == 0 && res.Truncated:
		// Clean but incomplete: keep the cursor so the next run covers
		// the pages left behind.
		st.ConsecutiveFailures = 0
	case res.ErrorCount == 0:
		st.LastSuccessAt = &startedAt
		st.ConsecutiveFailures = 0
	default:
		st.ConsecutiveFailures++
	}
}

// since is the publication lower bound for the next fetch: the start of the
// last clean run, or nil to let the connector apply its lookback.
func (s *SyncStatusStore) since(source models.Source) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[source]
	if !ok || st.LastSuccessAt == nil {
		return nil
	}
	t := *st.LastSuccessAt
	return &t
}

// Get returns a copy of the state for source.
func (s *SyncStatusStore) Get(source models.Source) (SyncState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[source]
	if !ok {
		return SyncState{}, false
	}
	return *st, true
}

// Snapshot returns copies of all states ordered by source.
func (s *SyncStatusStore) Snapshot() []SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SyncState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Clear forgets all states.
func (s *SyncStatusStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[models.Source]*SyncState)
}
