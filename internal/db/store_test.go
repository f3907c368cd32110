package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/david/tender-agent/internal/models"
	"github.com/david/tender-agent/internal/storage"
)

// setupTestDB starts a PostgreSQL container and applies the embedded
// migrations.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("tender_agent"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := ConnectURL(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, ApplyMigrations(ctx, pool))
	require.NoError(t, ApplyMigrations(ctx, pool), "migrations are idempotent")
	return pool
}

func ptr[T any](v T) *T {
	return &v
}

func sampleTender(id string) *models.Tender {
	published := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	return &models.Tender{
		Source:              models.SourceRegistry,
		ExternalID:          id,
		ExternalURL:         "https://ted.europa.eu/en/notice/-/detail/" + id,
		Title:               "Roof renovation of primary school",
		Buyer:               "Gemeente Utrecht",
		BuyerLocation:       "Utrecht",
		ClassificationCodes: []string{"45261000-4"},
		EstimatedValue:      ptr(1250000.0),
		Currency:            "EUR",
		PublicationDate:     &published,
		DeadlineAt:          ptr(published.AddDate(0, 1, 0)),
		MatchScore:          100,
		Tags:                []string{"education", "roofing"},
		Status:              models.StatusGo,
	}
}

func TestTenderStore_InsertAndFind(t *testing.T) {
	store := NewTenderStore(setupTestDB(t))
	ctx := context.Background()

	id, err := store.Insert(ctx, sampleTender("00001-2024"))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	got, err := store.FindByExternalID(ctx, models.SourceRegistry, "00001-2024")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, models.StatusNew, got.Status, "inserts always start as new")
	assert.Equal(t, "Roof renovation of primary school", got.Title)
	assert.Equal(t, []string{"45261000-4"}, got.ClassificationCodes)
	assert.Equal(t, []string{"education", "roofing"}, got.Tags)
	assert.Equal(t, []string{}, got.Flags)
	require.NotNil(t, got.EstimatedValue)
	assert.Equal(t, 1250000.0, *got.EstimatedValue)
	assert.Equal(t, 100, got.MatchScore)
	assert.NotZero(t, got.CreatedAt)

	_, err = store.FindByExternalID(ctx, models.SourceEProcurement, "00001-2024")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTenderStore_InsertIfAbsent(t *testing.T) {
	store := NewTenderStore(setupTestDB(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Insert(ctx, sampleTender("00002-2024"))
		}(i)
	}
	wg.Wait()

	inserted := 0
	for _, err := range errs {
		if err == nil {
			inserted++
			continue
		}
		assert.ErrorIs(t, err, storage.ErrDuplicateKey)
	}
	assert.Equal(t, 1, inserted)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Total)
}

func TestTenderStore_UpdateInformationalFieldsKeepsStatus(t *testing.T) {
	store := NewTenderStore(setupTestDB(t))
	ctx := context.Background()

	id, err := store.Insert(ctx, sampleTender("00003-2024"))
	require.NoError(t, err)
	for _, status := range []models.Status{models.StatusAnalyzing, models.StatusGo, models.StatusInPreparation} {
		require.NoError(t, store.SetStatus(ctx, id, status))
	}

	newDeadline := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err = store.UpdateInformationalFields(ctx, id, models.InformationalUpdate{
		Title:      ptr("Roof and facade renovation"),
		DeadlineAt: &newDeadline,
	})
	require.NoError(t, err)

	got, err := store.FindByExternalID(ctx, models.SourceRegistry, "00003-2024")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInPreparation, got.Status)
	assert.Equal(t, "Roof and facade renovation", got.Title)
	assert.True(t, newDeadline.Equal(*got.DeadlineAt))
	assert.Equal(t, 1250000.0, *got.EstimatedValue, "nil fields are left untouched")

	err = store.UpdateInformationalFields(ctx, uuid.New(), models.InformationalUpdate{Title: ptr("x")})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTenderStore_IngestRuns(t *testing.T) {
	store := NewTenderStore(setupTestDB(t))
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Millisecond)
	run := &models.IngestRun{RunID: uuid.New(), Source: models.SourceRegistry, StartedAt: started}
	require.NoError(t, store.RecordIngestRun(ctx, run))

	run.TendersFound = 3
	run.TendersImported = 2
	run.TendersSkipped = 1
	run.Errors = []string{"registry record 00009-2024: malformed record: missing title"}
	finished := started.Add(time.Second)
	run.FinishedAt = &finished
	require.NoError(t, store.RecordIngestRun(ctx, run))

	run.TendersImported = 99
	assert.ErrorIs(t, store.RecordIngestRun(ctx, run), storage.ErrRunFinalized)

	older := &models.IngestRun{RunID: uuid.New(), Source: models.SourceEProcurement, StartedAt: started.Add(-time.Hour)}
	require.NoError(t, store.RecordIngestRun(ctx, older))

	runs, err := store.ListIngestRuns(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, run.RunID, runs[0].RunID)
	assert.Equal(t, 2, runs[0].TendersImported)
	assert.Equal(t, run.Errors, runs[0].Errors)
	assert.True(t, runs[0].Finalized())
	assert.False(t, runs[1].Finalized())

	runs, err = store.ListIngestRuns(ctx, models.SourceEProcurement, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, older.RunID, runs[0].RunID)
}

func TestTenderStore_EndOfDayDeadlineRoundTrips(t *testing.T) {
	store := NewTenderStore(setupTestDB(t))
	ctx := context.Background()

	deadline := time.Date(2024, 3, 1, 23, 59, 59, 999999000, time.UTC)
	tender := sampleTender("00009-2024")
	tender.DeadlineAt = &deadline
	_, err := store.Insert(ctx, tender)
	require.NoError(t, err)

	got, err := store.FindByExternalID(ctx, models.SourceRegistry, "00009-2024")
	require.NoError(t, err)
	require.NotNil(t, got.DeadlineAt)
	assert.True(t, deadline.Equal(*got.DeadlineAt), "stored %s, read back %s", deadline, got.DeadlineAt)
}

func TestTenderStore_SetStatusFollowsLifecycle(t *testing.T) {
	store := NewTenderStore(setupTestDB(t))
	ctx := context.Background()

	id, err := store.Insert(ctx, sampleTender("00010-2024"))
	require.NoError(t, err)

	assert.ErrorIs(t, store.SetStatus(ctx, id, models.StatusGo), storage.ErrInvalidTransition)
	assert.ErrorIs(t, store.SetStatus(ctx, uuid.New(), models.StatusAnalyzing), storage.ErrNotFound)
	require.NoError(t, store.SetStatus(ctx, id, models.StatusAnalyzing))

	got, err := store.FindByExternalID(ctx, models.SourceRegistry, "00010-2024")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAnalyzing, got.Status)
}
