package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/david/tender-agent/internal/models"
)

// ManualNotice is a notice registered by hand, through the admin API or the
// manual_ingest tool.
type ManualNotice struct {
	ExternalID          string     `json:"externalId"`
	ExternalURL         string     `json:"externalUrl"`
	Title               string     `json:"title"`
	Buyer               string     `json:"buyer"`
	BuyerLocation       string     `json:"buyerLocation"`
	ClassificationCodes []string   `json:"classificationCodes"`
	EstimatedValue      *float64   `json:"estimatedValue"`
	Currency            string     `json:"currency"`
	PublicationDate     *time.Time `json:"publicationDate"`
	DeadlineAt          *time.Time `json:"deadlineAt"`
	Description         string     `json:"description"`
}

// ManualConnector serves queued manual notices through the same
// normalize, score and persist path as the remote sources. Each fetch
// drains the queue.
type ManualConnector struct {
	cfg  SourceConfig
	deps Deps

	mu      sync.Mutex
	pending []ManualNotice
}

// NewManualConnector creates the connector for a manual source.
func NewManualConnector(cfg SourceConfig, deps Deps) *ManualConnector {
	return &ManualConnector{cfg: cfg.withDefaults(), deps: deps}
}

func (c *ManualConnector) Source() models.Source {
	return c.cfg.ID
}

// Submit queues notices for the next run and returns the queue length.
func (c *ManualConnector) Submit(notices ...ManualNotice) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, notices...)
	return len(c.pending)
}

// Requeue puts tenders that were fetched but never persisted back at the
// front of the queue and returns the queue length.
func (c *ManualConnector) Requeue(tenders []models.Tender) int {
	notices := make([]ManualNotice, len(tenders))
	for i, t := range tenders {
		notices[i] = ManualNotice{
			ExternalID:          t.ExternalID,
			ExternalURL:         t.ExternalURL,
			Title:               t.Title,
			Buyer:               t.Buyer,
			BuyerLocation:       t.BuyerLocation,
			ClassificationCodes: t.ClassificationCodes,
			EstimatedValue:      t.EstimatedValue,
			Currency:            t.Currency,
			PublicationDate:     t.PublicationDate,
			DeadlineAt:          t.DeadlineAt,
			Description:         t.DescriptionHTML,
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(notices, c.pending...)
	return len(c.pending)
}

// Pending returns the number of queued notices.
func (c *ManualConnector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *ManualConnector) FetchAndNormalize(ctx context.Context, opts FetchOptions) (FetchResult, error) {
	var res FetchResult

	calc, err := c.deps.calculator(ctx)
	if err != nil {
		return res, err
	}
	norm := newNormalizer(c.cfg, calc)

	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	for i, n := range batch {
		tender, err := norm.finalize(models.Tender{
			ExternalID:          n.ExternalID,
			ExternalURL:         n.ExternalURL,
			Title:               n.Title,
			Buyer:               n.Buyer,
			BuyerLocation:       n.BuyerLocation,
			ClassificationCodes: n.ClassificationCodes,
			EstimatedValue:      n.EstimatedValue,
			Currency:            n.Currency,
			PublicationDate:     n.PublicationDate,
			DeadlineAt:          n.DeadlineAt,
			DescriptionHTML:     n.Description,
		})
		if err != nil {
			res.addError("%s", recordError(c.cfg.ID, n.ExternalID, i+1, err))
			continue
		}
		res.Tenders = append(res.Tenders, tender)
	}
	if len(batch) > 0 {
		res.Pages = 1
	}
	return res, nil
}
