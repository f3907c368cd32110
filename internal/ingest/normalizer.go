package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/david/tender-agent/internal/match"
	"github.com/david/tender-agent/internal/models"
)

const (
	maxTitleLen = 500
	maxBuyerLen = 300
)

// normalizer turns a connector's field mapping into a canonical tender:
// it cleans text, validates required fields, applies defaults and scores.
type normalizer struct {
	source   models.Source
	currency string
	calc     *match.Calculator
}

func newNormalizer(cfg SourceConfig, calc *match.Calculator) normalizer {
	currency := cfg.Currency
	if currency == "" {
		currency = models.HomeCurrency
	}
	return normalizer{source: cfg.ID, currency: currency, calc: calc}
}

// finalize validates t and fills in the computed fields. The returned error
// wraps ErrMalformedRecord.
func (n normalizer) finalize(t models.Tender) (models.Tender, error) {
	t.Source = n.source
	t.ExternalID = strings.TrimSpace(t.ExternalID)
	t.ExternalURL = strings.TrimSpace(t.ExternalURL)
	t.Title = TruncateText(HTMLToText(t.Title), maxTitleLen)
	t.Buyer = TruncateText(HTMLToText(t.Buyer), maxBuyerLen)
	t.BuyerLocation = cleanText(t.BuyerLocation)
	listed := nonBlankCodes(t.ClassificationCodes)
	t.ClassificationCodes = uniqueCodes(listed)
	t.DescriptionHTML = sanitizeHTML(t.DescriptionHTML)

	if t.ExternalID == "" {
		return t, fmt.Errorf("%w: missing external id", ErrMalformedRecord)
	}
	if t.Title == "" {
		return t, fmt.Errorf("%w: missing title", ErrMalformedRecord)
	}
	if t.EstimatedValue != nil && *t.EstimatedValue < 0 {
		return t, fmt.Errorf("%w: negative estimated value %.2f", ErrMalformedRecord, *t.EstimatedValue)
	}

	t.Currency = strings.ToUpper(strings.TrimSpace(t.Currency))
	if t.Currency == "" {
		t.Currency = n.currency
	}

	t.Flags = nil
	if t.PublicationDate != nil && t.DeadlineAt != nil && t.DeadlineAt.Before(*t.PublicationDate) {
		t.Flags = append(t.Flags, models.FlagDeadlineBeforePublication)
	}

	// Repeated codes weigh in the score as the source listed them.
	t.MatchScore = n.calc.Score(listed)
	t.Tags = n.calc.Tags(t.ClassificationCodes, t.Title)
	t.Status = models.StatusNew
	return t, nil
}

// recordError renders a per-record failure. Records without an id are
// identified by their position in the page.
func recordError(source models.Source, externalID string, position int, err error) string {
	id := strings.TrimSpace(externalID)
	if id == "" {
		id = fmt.Sprintf("#%d", position)
	}
	return fmt.Sprintf("%s record %s: %v", source, id, err)
}

// parseOptionalDate parses a date field that may be absent. A present but
// unparseable value is malformed.
func parseOptionalDate(field, value string, parse func(string) (time.Time, error)) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	t, err := parse(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, field, err)
	}
	return &t, nil
}
