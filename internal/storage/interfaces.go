// Package storage defines the repository contract the ingestion agent
// persists through. Implementations live in internal/db (Postgres) and
// internal/storage/memory.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/david/tender-agent/internal/models"
)

// TenderRepository stores tenders keyed by (source, external_id) and the
// ingest-run audit trail.
type TenderRepository interface {
	// FindByExternalID returns ErrNotFound when no tender has the pair.
	FindByExternalID(ctx context.Context, source models.Source, externalID string) (*models.Tender, error)

	// Insert stores a new tender with status new. It is insert-if-absent:
	// a concurrent insert of the same pair returns ErrDuplicateKey.
	Insert(ctx context.Context, t *models.Tender) (uuid.UUID, error)

	// UpdateInformationalFields refreshes the non-nil fields of update.
	// Status and decision fields are never written.
	UpdateInformationalFields(ctx context.Context, id uuid.UUID, update models.InformationalUpdate) error

	// RecordIngestRun creates or updates a run keyed by RunID. A finalized
	// run can no longer be changed (ErrRunFinalized).
	RecordIngestRun(ctx context.Context, run *models.IngestRun) error

	// ListIngestRuns returns the most recent runs, newest first. An empty
	// source lists all sources.
	ListIngestRuns(ctx context.Context, source models.Source, limit int) ([]models.IngestRun, error)
}
