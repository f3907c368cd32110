package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/tender-agent/internal/auth"
	"github.com/david/tender-agent/internal/ingest"
	"github.com/david/tender-agent/internal/metrics"
	"github.com/david/tender-agent/internal/models"
	"github.com/david/tender-agent/internal/storage/memory"
)

const testSecret = "trigger-secret"

type stubConnector struct {
	source  models.Source
	tenders []models.Tender
	errs    []string
	block   chan struct{}

	mu    sync.Mutex
	calls int
}

func (s *stubConnector) Source() models.Source { return s.source }

func (s *stubConnector) FetchAndNormalize(ctx context.Context, _ ingest.FetchOptions) (ingest.FetchResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
		}
	}
	return ingest.FetchResult{Tenders: s.tenders, Errors: s.errs, Pages: 1}, nil
}

func (s *stubConnector) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func tender(source models.Source, id string) models.Tender {
	return models.Tender{
		Source:     source,
		ExternalID: id,
		Title:      "Tender " + id,
		Currency:   "EUR",
		Status:     models.StatusNew,
	}
}

type fixture struct {
	server *Server
	store  *memory.TenderStore
	agent  *ingest.Agent
}

func newFixture(t *testing.T, secret string, connectors ...ingest.Connector) fixture {
	t.Helper()
	store := memory.NewTenderStore()
	m := metrics.New(nil)
	agent, err := ingest.New(ingest.Options{Repository: store, Connectors: connectors, Metrics: m})
	require.NoError(t, err)
	srv, err := NewServer(Options{Agent: agent, Repo: store, Metrics: m, Secret: secret})
	require.NoError(t, err)
	return fixture{server: srv, store: store, agent: agent}
}

func (f fixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Echo.ServeHTTP(rec, req)
	return rec
}

func decodeRun(t *testing.T, rec *httptest.ResponseRecorder) RunResponse {
	t.Helper()
	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func runCount(t *testing.T, f fixture) int {
	t.Helper()
	runs, err := f.store.ListIngestRuns(context.Background(), "", 0)
	require.NoError(t, err)
	return len(runs)
}

func TestRunAll_RejectsMissingOrWrongToken(t *testing.T) {
	reg := &stubConnector{source: models.SourceRegistry}
	f := newFixture(t, testSecret, reg)

	for _, token := range []string{"", "wrong"} {
		rec := f.do(http.MethodPost, "/api/v1/ingest/run", token, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	assert.Equal(t, 0, reg.callCount())
	assert.Equal(t, 0, runCount(t, f))
}

func TestRunAll_FailsClosedWithoutSecret(t *testing.T) {
	reg := &stubConnector{source: models.SourceRegistry}
	f := newFixture(t, "", reg)

	rec := f.do(http.MethodPost, "/api/v1/ingest/run", "anything", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "ingest secret not configured")
	assert.Equal(t, 0, reg.callCount())
	assert.Equal(t, 0, runCount(t, f))
}

func TestRunAll_ReturnsOneResultPerSource(t *testing.T) {
	reg := &stubConnector{
		source:  models.SourceRegistry,
		tenders: []models.Tender{tender(models.SourceRegistry, "R-1"), tender(models.SourceRegistry, "R-2")},
	}
	eproc := &stubConnector{
		source:  models.SourceEProcurement,
		tenders: []models.Tender{tender(models.SourceEProcurement, "E-1")},
	}
	f := newFixture(t, testSecret, reg, eproc)

	rec := f.do(http.MethodPost, "/api/v1/ingest/run", testSecret, "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeRun(t, rec)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Duration)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, models.SourceRegistry, resp.Results[0].Source)
	assert.Equal(t, 2, resp.Results[0].TendersImported)
	assert.Equal(t, models.SourceEProcurement, resp.Results[1].Source)
	assert.Equal(t, 1, resp.Results[1].TendersImported)
	assert.Equal(t, 3, f.store.Count())
	assert.Equal(t, 2, runCount(t, f))
}

func TestRunAll_AcceptsSignedToken(t *testing.T) {
	reg := &stubConnector{source: models.SourceRegistry}
	f := newFixture(t, testSecret, reg)

	token, err := auth.IssueToken(testSecret, "scheduler", time.Minute)
	require.NoError(t, err)

	rec := f.do(http.MethodPost, "/api/v1/ingest/run", token, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, reg.callCount())
}

func TestRunAll_SuccessFalseWhenAnySourceReportsErrors(t *testing.T) {
	reg := &stubConnector{source: models.SourceRegistry, errs: []string{"registry page 2: upstream returned 502"}}
	eproc := &stubConnector{source: models.SourceEProcurement}
	f := newFixture(t, testSecret, reg, eproc)

	rec := f.do(http.MethodPost, "/api/v1/ingest/run", testSecret, "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeRun(t, rec)
	assert.False(t, resp.Success)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, 1, resp.Results[0].ErrorCount)
	assert.Equal(t, 0, resp.Results[1].ErrorCount)
}

func TestRunAll_RejectsOverlappingRun(t *testing.T) {
	block := make(chan struct{})
	reg := &stubConnector{source: models.SourceRegistry, block: block}
	f := newFixture(t, testSecret, reg)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- f.do(http.MethodPost, "/api/v1/ingest/run", testSecret, "")
	}()
	require.Eventually(t, f.agent.Running, time.Second, 5*time.Millisecond)

	rec := f.do(http.MethodPost, "/api/v1/ingest/run", testSecret, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(http.MethodPost, "/api/v1/ingest/source/registry", testSecret, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(block)
	first := <-done
	assert.Equal(t, http.StatusOK, first.Code)
	assert.False(t, f.agent.Running())
	assert.Equal(t, 1, reg.callCount())
}

func TestRunSource(t *testing.T) {
	reg := &stubConnector{source: models.SourceRegistry}
	eproc := &stubConnector{source: models.SourceEProcurement, tenders: []models.Tender{tender(models.SourceEProcurement, "E-1")}}
	f := newFixture(t, testSecret, reg, eproc)

	rec := f.do(http.MethodPost, "/api/v1/ingest/source/eprocurement", testSecret, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeRun(t, rec)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, models.SourceEProcurement, resp.Results[0].Source)
	assert.Equal(t, 0, reg.callCount())

	rec = f.do(http.MethodPost, "/api/v1/ingest/source/nope", testSecret, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRunsAndStatus(t *testing.T) {
	reg := &stubConnector{source: models.SourceRegistry}
	eproc := &stubConnector{source: models.SourceEProcurement}
	f := newFixture(t, testSecret, reg, eproc)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/ingest/run", testSecret, "").Code)

	rec := f.do(http.MethodGet, "/api/v1/ingest/runs?source=registry&limit=10", testSecret, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs struct {
		Runs []models.IngestRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, models.SourceRegistry, runs.Runs[0].Source)
	assert.NotNil(t, runs.Runs[0].FinishedAt)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/ingest/runs?source=bogus", testSecret, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/ingest/runs?limit=-1", testSecret, "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/v1/ingest/runs", "", "").Code)

	rec = f.do(http.MethodGet, "/api/v1/ingest/status", testSecret, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Running bool               `json:"running"`
		Sources []ingest.SyncState `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Running)
	assert.Len(t, status.Sources, 2)
}

func TestManualSubmitThenIngest(t *testing.T) {
	manual := ingest.NewManualConnector(ingest.SourceConfig{ID: models.SourceManual, Kind: ingest.KindManual}, ingest.Deps{})
	f := newFixture(t, testSecret, manual)

	body := `[
		{"externalId": "M-1", "title": "Renovation of town hall", "classificationCodes": ["45210000"]},
		{"externalId": "M-2", "title": "Road maintenance"}
	]`
	rec := f.do(http.MethodPost, "/api/v1/ingest/manual", testSecret, body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"accepted": 2, "pending": 2}`, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/v1/ingest/manual", testSecret, `{"externalId": "M-3", "title": "Office furniture"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 3, manual.Pending())

	rec = f.do(http.MethodPost, "/api/v1/ingest/source/manual", testSecret, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeRun(t, rec)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 3, resp.Results[0].TendersImported)
	assert.Equal(t, 0, manual.Pending())

	stored, err := f.store.FindByExternalID(context.Background(), models.SourceManual, "M-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNew, stored.Status)
}

func TestManualSubmit_Validation(t *testing.T) {
	manual := ingest.NewManualConnector(ingest.SourceConfig{ID: models.SourceManual, Kind: ingest.KindManual}, ingest.Deps{})
	f := newFixture(t, testSecret, manual)

	for _, body := range []string{"", "[]", "{not json", `{"title": "no id"}`} {
		rec := f.do(http.MethodPost, "/api/v1/ingest/manual", testSecret, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Equal(t, 0, manual.Pending())

	noManual := newFixture(t, testSecret, &stubConnector{source: models.SourceRegistry})
	rec := noManual.do(http.MethodPost, "/api/v1/ingest/manual", testSecret, `{"externalId": "M-1", "title": "x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	f := newFixture(t, testSecret, &stubConnector{source: models.SourceRegistry})

	rec := f.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/ingest/run", testSecret, "").Code)
	rec = f.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tender_ingest_runs_total")
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}
