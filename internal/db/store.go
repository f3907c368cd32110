package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/david/tender-agent/internal/models"
	"github.com/david/tender-agent/internal/storage"
)

// TenderStore is the Postgres implementation of storage.TenderRepository.
type TenderStore struct {
	pool *pgxpool.Pool
}

func NewTenderStore(pool *pgxpool.Pool) *TenderStore {
	return &TenderStore{pool: pool}
}

var _ storage.TenderRepository = (*TenderStore)(nil)

// selectCols is the column list shared by tender queries.
const selectCols = `id, source, external_id, external_url, title, buyer, buyer_location,
	classification_codes, estimated_value, currency, publication_date, deadline_at,
	match_score, tags, status, flags, description_html, created_at, updated_at`

func scanTender(scan func(dest ...interface{}) error) (*models.Tender, error) {
	var t models.Tender
	var source, status string

	err := scan(
		&t.ID, &source, &t.ExternalID, &t.ExternalURL, &t.Title, &t.Buyer, &t.BuyerLocation,
		&t.ClassificationCodes, &t.EstimatedValue, &t.Currency, &t.PublicationDate, &t.DeadlineAt,
		&t.MatchScore, &t.Tags, &status, &t.Flags, &t.DescriptionHTML, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Source = models.Source(source)
	t.Status = models.Status(status)
	return &t, nil
}

func (s *TenderStore) FindByExternalID(ctx context.Context, source models.Source, externalID string) (*models.Tender, error) {
	sql := fmt.Sprintf(`
		SELECT %s
		FROM tenders
		WHERE source = $1 AND external_id = $2
	`, selectCols)
	row := s.pool.QueryRow(ctx, sql, string(source), externalID)

	t, err := scanTender(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find tender %s/%s: %w", source, externalID, err)
	}
	return t, nil
}

// Insert stores t with status new. The unique (source, external_id)
// constraint makes the insert atomic; a conflicting row yields no id.
func (s *TenderStore) Insert(ctx context.Context, t *models.Tender) (uuid.UUID, error) {
	if t == nil || strings.TrimSpace(t.ExternalID) == "" || !t.Source.Valid() {
		return uuid.Nil, storage.ErrInvalidInput
	}

	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tenders (
			source, external_id, external_url, title, buyer, buyer_location,
			classification_codes, estimated_value, currency, publication_date, deadline_at,
			match_score, tags, status, flags, description_html
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 'new', $14, $15)
		ON CONFLICT (source, external_id) DO NOTHING
		RETURNING id
	`,
		string(t.Source), t.ExternalID, t.ExternalURL, t.Title, t.Buyer, t.BuyerLocation,
		nonNil(t.ClassificationCodes), t.EstimatedValue, t.Currency, t.PublicationDate, t.DeadlineAt,
		t.MatchScore, nonNil(t.Tags), nonNil(t.Flags), t.DescriptionHTML,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, storage.ErrDuplicateKey
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert tender %s/%s: %w", t.Source, t.ExternalID, err)
	}
	return id, nil
}

// UpdateInformationalFields never touches status or review fields.
func (s *TenderStore) UpdateInformationalFields(ctx context.Context, id uuid.UUID, update models.InformationalUpdate) error {
	if update.Empty() {
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE tenders SET
			title = COALESCE($2, title),
			deadline_at = COALESCE($3, deadline_at),
			estimated_value = COALESCE($4, estimated_value),
			currency = COALESCE($5, currency),
			updated_at = NOW()
		WHERE id = $1
	`, id, update.Title, update.DeadlineAt, update.EstimatedValue, update.Currency)
	if err != nil {
		return fmt.Errorf("update tender %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetStatus is used by review tooling; ingestion never calls it. The row is
// locked while the lifecycle transition is checked.
func (s *TenderStore) SetStatus(ctx context.Context, id uuid.UUID, status models.Status) error {
	if !status.Valid() {
		return storage.ErrInvalidInput
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM tenders WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load tender status %s: %w", id, err)
		}
		if !models.Status(current).CanTransition(status) {
			return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, current, status)
		}

		if _, err := tx.Exec(ctx, `UPDATE tenders SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status)); err != nil {
			return fmt.Errorf("set tender status %s: %w", id, err)
		}
		return nil
	})
}

// RecordIngestRun upserts the run by id. The conditional update leaves a
// finalized row untouched, which is reported as ErrRunFinalized.
func (s *TenderStore) RecordIngestRun(ctx context.Context, run *models.IngestRun) error {
	if run == nil || run.RunID == uuid.Nil {
		return storage.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_runs (
			run_id, source, started_at, finished_at,
			tenders_found, tenders_imported, tenders_skipped, tenders_updated, errors
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			tenders_found = EXCLUDED.tenders_found,
			tenders_imported = EXCLUDED.tenders_imported,
			tenders_skipped = EXCLUDED.tenders_skipped,
			tenders_updated = EXCLUDED.tenders_updated,
			errors = EXCLUDED.errors
		WHERE ingest_runs.finished_at IS NULL
	`,
		run.RunID, string(run.Source), run.StartedAt, run.FinishedAt,
		run.TendersFound, run.TendersImported, run.TendersSkipped, run.TendersUpdated, nonNil(run.Errors),
	)
	if err != nil {
		return fmt.Errorf("record ingest run %s: %w", run.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrRunFinalized
	}
	return nil
}

func (s *TenderStore) ListIngestRuns(ctx context.Context, source models.Source, limit int) ([]models.IngestRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT run_id, source, started_at, finished_at,
			tenders_found, tenders_imported, tenders_skipped, tenders_updated, errors
		FROM ingest_runs
		WHERE $1 = '' OR source = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, string(source), limit)
	if err != nil {
		return nil, fmt.Errorf("list ingest runs: %w", err)
	}
	defer rows.Close()

	var runs []models.IngestRun
	for rows.Next() {
		var r models.IngestRun
		var src string
		if err := rows.Scan(&r.RunID, &src, &r.StartedAt, &r.FinishedAt,
			&r.TendersFound, &r.TendersImported, &r.TendersSkipped, &r.TendersUpdated, &r.Errors); err != nil {
			return nil, fmt.Errorf("scan ingest run: %w", err)
		}
		r.Source = models.Source(src)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SourceStats counts stored tenders of one source by status.
type SourceStats struct {
	Source models.Source
	Total  int
	Status map[models.Status]int
}

// GetStats summarises stored tenders per source.
func (s *TenderStore) GetStats(ctx context.Context) ([]SourceStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source, status, COUNT(*)
		FROM tenders
		GROUP BY source, status
		ORDER BY source, status
	`)
	if err != nil {
		return nil, fmt.Errorf("tender stats: %w", err)
	}
	defer rows.Close()

	var out []SourceStats
	for rows.Next() {
		var source, status string
		var count int
		if err := rows.Scan(&source, &status, &count); err != nil {
			return nil, fmt.Errorf("scan tender stats: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].Source != models.Source(source) {
			out = append(out, SourceStats{Source: models.Source(source), Status: map[models.Status]int{}})
		}
		last := &out[len(out)-1]
		last.Status[models.Status(status)] = count
		last.Total += count
	}
	return out, rows.Err()
}

// nonNil keeps NOT NULL array columns from receiving NULL.
func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
