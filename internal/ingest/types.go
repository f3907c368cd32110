package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/david/tender-agent/internal/models"
)

var (
	// ErrRateLimited is reported when the per-source window is exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrMalformedRecord marks an upstream record that failed validation.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrUnknownSource is returned for a source with no registered connector.
	ErrUnknownSource = errors.New("unknown source")
)

// HTTPError is a non-2xx upstream response.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d (%s)", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("upstream returned %d (%s): %s", e.StatusCode, e.URL, e.Body)
}

// FetchOptions bounds one connector invocation.
type FetchOptions struct {
	// Since restricts the fetch to notices published on or after it.
	Since *time.Time
	// Deadline is the soft stop: once passed, the connector finishes the
	// current page and returns what it has.
	Deadline time.Time
}

func (o FetchOptions) expired(now time.Time) bool {
	return !o.Deadline.IsZero() && !now.Before(o.Deadline)
}

// FetchResult is what a connector hands back to the agent.
type FetchResult struct {
	Tenders   []models.Tender
	Errors    []string
	Pages     int
	Truncated bool
}

func (r *FetchResult) addError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Requeuer is implemented by connectors whose notices exist only in
// process. The agent hands back tenders it fetched but did not persist.
type Requeuer interface {
	Requeue(tenders []models.Tender) int
}

// Connector fetches notices from one external source and normalizes them.
//
// Per-page and per-record failures are reported in FetchResult.Errors and
// never abort results already collected. A returned error means the
// connector could not run at all.
type Connector interface {
	Source() models.Source
	FetchAndNormalize(ctx context.Context, opts FetchOptions) (FetchResult, error)
}
