package models

import (
	"time"

	"github.com/google/uuid"
)

// HomeCurrency is applied when a source does not state a currency.
const HomeCurrency = "EUR"

// Source identifies where a tender was ingested from. Together with the
// external id it forms the dedup key.
type Source string

const (
	SourceRegistry     Source = "registry"
	SourceEProcurement Source = "eprocurement"
	SourceManual       Source = "manual"
)

func (s Source) Valid() bool {
	switch s {
	case SourceRegistry, SourceEProcurement, SourceManual:
		return true
	}
	return false
}

// Status is the review lifecycle of a tender. Ingestion only ever creates
// StatusNew; everything after that belongs to human decision workflows.
type Status string

const (
	StatusNew           Status = "new"
	StatusAnalyzing     Status = "analyzing"
	StatusGo            Status = "go"
	StatusNoGo          Status = "no_go"
	StatusInPreparation Status = "in_preparation"
	StatusSubmitted     Status = "submitted"
	StatusWon           Status = "won"
	StatusLost          Status = "lost"
)

var statusTransitions = map[Status][]Status{
	StatusNew:           {StatusAnalyzing},
	StatusAnalyzing:     {StatusGo, StatusNoGo},
	StatusGo:            {StatusInPreparation},
	StatusInPreparation: {StatusSubmitted},
	StatusSubmitted:     {StatusWon, StatusLost},
}

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusAnalyzing, StatusGo, StatusNoGo, StatusInPreparation, StatusSubmitted, StatusWon, StatusLost:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next follows the lifecycle.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FlagDeadlineBeforePublication marks a tender whose deadline precedes its
// publication date. Such tenders are stored, not rejected.
const FlagDeadlineBeforePublication = "deadline_before_publication"

// Tender is the canonical representation of a procurement notice.
type Tender struct {
	ID                  uuid.UUID  `json:"id"`
	Source              Source     `json:"source"`
	ExternalID          string     `json:"external_id"`
	ExternalURL         string     `json:"external_url"`
	Title               string     `json:"title"`
	Buyer               string     `json:"buyer"`
	BuyerLocation       string     `json:"buyer_location"`
	ClassificationCodes []string   `json:"classification_codes"`
	EstimatedValue      *float64   `json:"estimated_value"`
	Currency            string     `json:"currency"`
	PublicationDate     *time.Time `json:"publication_date"`
	DeadlineAt          *time.Time `json:"deadline_at"`
	MatchScore          int        `json:"match_score"`
	Tags                []string   `json:"tags"`
	Status              Status     `json:"status"`
	Flags               []string   `json:"flags"`
	DescriptionHTML     string     `json:"description_html"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// InformationalUpdate carries the fields re-ingestion may refresh on an
// existing tender. Nil fields are left untouched. Status and decision fields
// are deliberately absent.
type InformationalUpdate struct {
	Title          *string
	DeadlineAt     *time.Time
	EstimatedValue *float64
	Currency       *string
}

// Empty reports whether the update would change nothing.
func (u InformationalUpdate) Empty() bool {
	return u.Title == nil && u.DeadlineAt == nil && u.EstimatedValue == nil && u.Currency == nil
}

// IngestRun is the audit record of one source's fetch-normalize-persist cycle.
type IngestRun struct {
	RunID           uuid.UUID  `json:"run_id"`
	Source          Source     `json:"source"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	TendersFound    int        `json:"tenders_found"`
	TendersImported int        `json:"tenders_imported"`
	TendersSkipped  int        `json:"tenders_skipped"`
	TendersUpdated  int        `json:"tenders_updated"`
	Errors          []string   `json:"errors"`
}

// Finalized reports whether the run has been closed and is now immutable.
func (r IngestRun) Finalized() bool {
	return r.FinishedAt != nil
}
