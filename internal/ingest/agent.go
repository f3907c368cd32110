package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/david/tender-agent/internal/metrics"
	"github.com/david/tender-agent/internal/models"
	"github.com/david/tender-agent/internal/storage"
)

const (
	// DefaultMaxReportedErrors bounds the errors returned to callers. The
	// persisted run keeps all of them.
	DefaultMaxReportedErrors = 5

	defaultFetchGrace   = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Options configures an Agent.
type Options struct {
	Repository storage.TenderRepository
	// Connectors run in this order and results are returned in it.
	Connectors []Connector
	Metrics    *metrics.Metrics
	// RunBudget is the wall-clock budget of one run. Zero means no budget.
	RunBudget time.Duration
	// FetchGrace is how long past the budget an in-flight page may take
	// before its request is cancelled. Defaults to 30s.
	FetchGrace        time.Duration
	WriteTimeout      time.Duration
	MaxReportedErrors int
	Concurrent        bool
	Clock             func() time.Time
}

// Result summarises one source's ingest run for the caller.
type Result struct {
	Source          models.Source `json:"source"`
	RunID           uuid.UUID     `json:"runId"`
	TendersFound    int           `json:"tendersFound"`
	TendersImported int           `json:"tendersImported"`
	TendersSkipped  int           `json:"tendersSkipped"`
	TendersUpdated  int           `json:"tendersUpdated"`
	ErrorCount      int           `json:"errorCount"`
	Errors          []string      `json:"errors"`
	// Truncated is set when the source had more pages than one run may
	// fetch. The since cursor does not advance past a truncated run.
	Truncated       bool          `json:"truncated,omitempty"`
}

// Agent runs the connectors, persists what they return and keeps one
// ingest-run audit record per source and invocation.
type Agent struct {
	repo       storage.TenderRepository
	connectors []Connector
	bySource   map[models.Source]Connector
	metrics    *metrics.Metrics
	budget     time.Duration
	fetchGrace time.Duration
	writeTO    time.Duration
	maxErrors  int
	concurrent bool
	now        func() time.Time

	running atomic.Bool
	status  *SyncStatusStore
}

// New creates an agent. Each source may have only one connector.
func New(opts Options) (*Agent, error) {
	if opts.Repository == nil {
		return nil, errors.New("ingest agent: repository is required")
	}

	a := &Agent{
		repo:       opts.Repository,
		bySource:   make(map[models.Source]Connector, len(opts.Connectors)),
		metrics:    opts.Metrics,
		budget:     opts.RunBudget,
		fetchGrace: opts.FetchGrace,
		writeTO:    opts.WriteTimeout,
		maxErrors:  opts.MaxReportedErrors,
		concurrent: opts.Concurrent,
		now:        opts.Clock,
		status:     NewSyncStatusStore(),
	}
	if a.fetchGrace <= 0 {
		a.fetchGrace = defaultFetchGrace
	}
	if a.writeTO <= 0 {
		a.writeTO = defaultWriteTimeout
	}
	if a.maxErrors <= 0 {
		a.maxErrors = DefaultMaxReportedErrors
	}
	if a.now == nil {
		a.now = time.Now
	}

	for _, c := range opts.Connectors {
		src := c.Source()
		if _, dup := a.bySource[src]; dup {
			return nil, fmt.Errorf("ingest agent: two connectors for source %q", src)
		}
		a.bySource[src] = c
		a.connectors = append(a.connectors, c)
	}
	return a, nil
}

// Sources returns the registered sources in run order.
func (a *Agent) Sources() []models.Source {
	out := make([]models.Source, len(a.connectors))
	for i, c := range a.connectors {
		out[i] = c.Source()
	}
	return out
}

// Connector returns the connector registered for source.
func (a *Agent) Connector(source models.Source) (Connector, bool) {
	c, ok := a.bySource[source]
	return c, ok
}

// SyncStatus returns the last known state of every source that has run.
func (a *Agent) SyncStatus() []SyncState {
	return a.status.Snapshot()
}

// TryStart claims the agent for one run. It returns false while another
// claimed run is in progress; otherwise release must be called when done.
func (a *Agent) TryStart() (release func(), ok bool) {
	if !a.running.CompareAndSwap(false, true) {
		return nil, false
	}
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			a.running.Store(false)
		}
	}, true
}

// Running reports whether a claimed run is in progress.
func (a *Agent) Running() bool {
	return a.running.Load()
}

// RunAllIngests runs every registered connector and returns one result per
// source in registration order. It never fails: connector errors and
// panics are reported in the corresponding result.
func (a *Agent) RunAllIngests(ctx context.Context) []Result {
	start := a.now()
	deadline := a.deadline(start)
	results := make([]Result, len(a.connectors))

	log.Printf("[Agent] Starting run over %d sources (concurrent=%t)", len(a.connectors), a.concurrent)

	if a.concurrent {
		var g errgroup.Group
		for i, c := range a.connectors {
			i, c := i, c
			g.Go(func() error {
				results[i] = a.runConnector(ctx, c, deadline)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, c := range a.connectors {
			results[i] = a.runConnector(ctx, c, deadline)
		}
	}

	log.Printf("[Agent] Run finished in %s", a.now().Sub(start).Round(time.Millisecond))
	return results
}

// RunIngest runs a single source in isolation.
func (a *Agent) RunIngest(ctx context.Context, source models.Source) Result {
	c, ok := a.bySource[source]
	if !ok {
		msg := fmt.Sprintf("%v: %s", ErrUnknownSource, source)
		return Result{Source: source, ErrorCount: 1, Errors: []string{msg}}
	}
	return a.runConnector(ctx, c, a.deadline(a.now()))
}

func (a *Agent) deadline(start time.Time) time.Time {
	if a.budget <= 0 {
		return time.Time{}
	}
	return start.Add(a.budget)
}

func (a *Agent) runConnector(ctx context.Context, c Connector, deadline time.Time) (res Result) {
	source := c.Source()
	run := &models.IngestRun{
		RunID:     uuid.New(),
		Source:    source,
		StartedAt: a.now(),
	}
	var reportErrs []string
	var truncated bool
	since := a.status.since(source)
	a.status.markStarted(source, run.RunID, run.StartedAt)

	log.Printf("[Agent] Starting ingestion for source: %s (run %s)", source, run.RunID)
	if err := a.writeRun(ctx, run); err != nil {
		log.Printf("[Agent] Failed to create ingest run for %s: %v", source, err)
		run.Errors = append(run.Errors, fmt.Sprintf("record ingest run: %v", err))
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Agent] Connector %s panicked: %v\n%s", source, r, debug.Stack())
			run.Errors = append(run.Errors, fmt.Sprintf("%s connector panic: %v", source, r))
		}

		finished := a.now()
		run.FinishedAt = &finished
		if err := a.writeRun(ctx, run); err != nil {
			log.Printf("[Agent] Failed to finalize ingest run %s: %v", run.RunID, err)
			reportErrs = append(reportErrs, fmt.Sprintf("finalize ingest run: %v", err))
		}

		res = a.resultFor(run, reportErrs)
		res.Truncated = truncated
		a.status.markFinished(res, run.StartedAt, finished)
		a.metrics.RecordRun(string(source), finished.Sub(run.StartedAt), res.ErrorCount, finished)
		a.metrics.RecordTenders(string(source), metrics.OutcomeImported, run.TendersImported)
		a.metrics.RecordTenders(string(source), metrics.OutcomeSkipped, run.TendersSkipped-run.TendersUpdated)
		a.metrics.RecordTenders(string(source), metrics.OutcomeUpdated, run.TendersUpdated)

		log.Printf("[Agent] Ingestion finished for %s. Found: %d, Imported: %d, Skipped: %d, Updated: %d, Errors: %d",
			source, run.TendersFound, run.TendersImported, run.TendersSkipped, run.TendersUpdated, res.ErrorCount)
	}()

	fetchCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithDeadline(ctx, deadline.Add(a.fetchGrace))
		defer cancel()
	}

	fetched, err := c.FetchAndNormalize(fetchCtx, FetchOptions{Since: since, Deadline: deadline})
	run.Errors = append(run.Errors, fetched.Errors...)
	truncated = fetched.Truncated
	if err != nil {
		log.Printf("[Agent] Connector %s failed: %v", source, err)
		run.Errors = append(run.Errors, fmt.Sprintf("%s connector failed: %v", source, err))
		return res
	}
	run.TendersFound = len(fetched.Tenders)

	for i := range fetched.Tenders {
		if !deadline.IsZero() && !a.now().Before(deadline) {
			run.Errors = append(run.Errors, fmt.Sprintf("timeout: %s persisted %d of %d tenders before the run budget was exhausted",
				source, i, len(fetched.Tenders)))
			if rq, ok := c.(Requeuer); ok {
				pending := rq.Requeue(fetched.Tenders[i:])
				log.Printf("[Agent] Requeued %d unpersisted %s tenders (%d pending)", len(fetched.Tenders)-i, source, pending)
			}
			break
		}

		t := fetched.Tenders[i]
		outcome, err := a.persist(ctx, &t)
		switch outcome {
		case outcomeImported:
			run.TendersImported++
		case outcomeUpdated:
			run.TendersSkipped++
			run.TendersUpdated++
		case outcomeSkipped:
			run.TendersSkipped++
		default:
			run.Errors = append(run.Errors, recordError(source, t.ExternalID, i+1, err))
			a.metrics.RecordTenders(string(source), metrics.OutcomeFailed, 1)
		}
	}

	return res
}

func (a *Agent) resultFor(run *models.IngestRun, extra []string) Result {
	all := append(append([]string(nil), run.Errors...), extra...)
	reported := all
	if len(reported) > a.maxErrors {
		reported = reported[:a.maxErrors]
	}
	if reported == nil {
		reported = []string{}
	}
	return Result{
		Source:          run.Source,
		RunID:           run.RunID,
		TendersFound:    run.TendersFound,
		TendersImported: run.TendersImported,
		TendersSkipped:  run.TendersSkipped,
		TendersUpdated:  run.TendersUpdated,
		ErrorCount:      len(all),
		Errors:          reported,
	}
}

// writeRun persists the run on a context that the run budget cannot cancel.
func (a *Agent) writeRun(ctx context.Context, run *models.IngestRun) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.writeTO)
	defer cancel()
	snapshot := *run
	snapshot.Errors = append([]string(nil), run.Errors...)
	return a.repo.RecordIngestRun(wctx, &snapshot)
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeImported
	outcomeSkipped
	outcomeUpdated
)

// persist stores t if its (source, external id) is new. Existing tenders
// keep their status; only informational fields that changed upstream are
// refreshed.
func (a *Agent) persist(ctx context.Context, t *models.Tender) (outcome, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.writeTO)
	defer cancel()

	existing, err := a.repo.FindByExternalID(wctx, t.Source, t.ExternalID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		t.Status = models.StatusNew
		if _, err := a.repo.Insert(wctx, t); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				// Lost the insert race to an overlapping run.
				return outcomeSkipped, nil
			}
			return outcomeFailed, fmt.Errorf("insert: %w", err)
		}
		return outcomeImported, nil
	case err != nil:
		return outcomeFailed, fmt.Errorf("lookup: %w", err)
	}

	update := materialChange(existing, t)
	if update.Empty() {
		return outcomeSkipped, nil
	}
	if err := a.repo.UpdateInformationalFields(wctx, existing.ID, update); err != nil {
		return outcomeFailed, fmt.Errorf("update: %w", err)
	}
	return outcomeUpdated, nil
}

// materialChange lists the informational fields that differ upstream.
// Fields the source no longer sends are left as stored.
func materialChange(existing, incoming *models.Tender) models.InformationalUpdate {
	var u models.InformationalUpdate
	if incoming.Title != "" && incoming.Title != existing.Title {
		title := incoming.Title
		u.Title = &title
	}
	if incoming.DeadlineAt != nil && (existing.DeadlineAt == nil || !sameInstant(*incoming.DeadlineAt, *existing.DeadlineAt)) {
		deadline := *incoming.DeadlineAt
		u.DeadlineAt = &deadline
	}
	if incoming.EstimatedValue != nil && (existing.EstimatedValue == nil || *incoming.EstimatedValue != *existing.EstimatedValue) {
		value := *incoming.EstimatedValue
		u.EstimatedValue = &value
	}
	if incoming.Currency != "" && incoming.Currency != existing.Currency {
		currency := incoming.Currency
		u.Currency = &currency
	}
	return u
}

// sameInstant compares at the microsecond precision the store keeps.
func sameInstant(a, b time.Time) bool {
	return a.Truncate(time.Microsecond).Equal(b.Truncate(time.Microsecond))
}
