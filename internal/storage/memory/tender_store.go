package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/david/tender-agent/internal/models"
	"github.com/david/tender-agent/internal/storage"
)

type tenderKey struct {
	source     models.Source
	externalID string
}

// TenderStore is an in-memory implementation of storage.TenderRepository.
type TenderStore struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*models.Tender
	byKey   map[tenderKey]uuid.UUID
	runs    map[uuid.UUID]*models.IngestRun
	runList []uuid.UUID
	now     func() time.Time
}

// NewTenderStore creates an empty store.
func NewTenderStore() *TenderStore {
	return &TenderStore{
		byID:  make(map[uuid.UUID]*models.Tender),
		byKey: make(map[tenderKey]uuid.UUID),
		runs:  make(map[uuid.UUID]*models.IngestRun),
		now:   time.Now,
	}
}

var _ storage.TenderRepository = (*TenderStore)(nil)

func (s *TenderStore) FindByExternalID(_ context.Context, source models.Source, externalID string) (*models.Tender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[tenderKey{source, externalID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyTender(s.byID[id]), nil
}

func (s *TenderStore) Insert(_ context.Context, t *models.Tender) (uuid.UUID, error) {
	if t == nil || t.ExternalID == "" || !t.Source.Valid() {
		return uuid.Nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenderKey{t.Source, t.ExternalID}
	if _, exists := s.byKey[key]; exists {
		return uuid.Nil, storage.ErrDuplicateKey
	}

	stored := copyTender(t)
	stored.ID = uuid.New()
	stored.Status = models.StatusNew
	stored.CreatedAt = s.now()
	stored.UpdatedAt = stored.CreatedAt

	s.byID[stored.ID] = stored
	s.byKey[key] = stored.ID
	return stored.ID, nil
}

func (s *TenderStore) UpdateInformationalFields(_ context.Context, id uuid.UUID, update models.InformationalUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return storage.ErrNotFound
	}
	if update.Title != nil {
		t.Title = *update.Title
	}
	if update.DeadlineAt != nil {
		d := *update.DeadlineAt
		t.DeadlineAt = &d
	}
	if update.EstimatedValue != nil {
		v := *update.EstimatedValue
		t.EstimatedValue = &v
	}
	if update.Currency != nil {
		t.Currency = *update.Currency
	}
	t.UpdatedAt = s.now()
	return nil
}

// SetStatus stands in for the human review workflow, which is the only
// writer of status after ingestion.
func (s *TenderStore) SetStatus(_ context.Context, id uuid.UUID, status models.Status) error {
	if !status.Valid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !t.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, t.Status, status)
	}
	t.Status = status
	t.UpdatedAt = s.now()
	return nil
}

// Count returns the number of stored tenders.
func (s *TenderStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *TenderStore) RecordIngestRun(_ context.Context, run *models.IngestRun) error {
	if run == nil || run.RunID == uuid.Nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.RunID]
	if ok && existing.Finalized() {
		return storage.ErrRunFinalized
	}
	if !ok {
		s.runList = append(s.runList, run.RunID)
	}
	s.runs[run.RunID] = copyRun(run)
	return nil
}

func (s *TenderStore) ListIngestRuns(_ context.Context, source models.Source, limit int) ([]models.IngestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.IngestRun
	for _, id := range s.runList {
		r := s.runs[id]
		if source != "" && r.Source != source {
			continue
		}
		result = append(result, *copyRun(r))
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copyTender(t *models.Tender) *models.Tender {
	c := *t
	c.ClassificationCodes = append([]string(nil), t.ClassificationCodes...)
	c.Tags = append([]string(nil), t.Tags...)
	c.Flags = append([]string(nil), t.Flags...)
	if t.EstimatedValue != nil {
		v := *t.EstimatedValue
		c.EstimatedValue = &v
	}
	if t.DeadlineAt != nil {
		d := *t.DeadlineAt
		c.DeadlineAt = &d
	}
	if t.PublicationDate != nil {
		p := *t.PublicationDate
		c.PublicationDate = &p
	}
	return &c
}

func copyRun(r *models.IngestRun) *models.IngestRun {
	c := *r
	c.Errors = append([]string(nil), r.Errors...)
	if r.FinishedAt != nil {
		f := *r.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}
