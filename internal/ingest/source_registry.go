package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/david/tender-agent/internal/models"
)

// registryFields are requested from the notice search endpoint.
var registryFields = []string{
	"publication-number",
	"notice-title",
	"buyer-name",
	"buyer-city",
	"classification-cpv",
	"publication-date",
	"deadline-receipt-tender-date-lot",
	"estimated-value-glo",
	"estimated-value-cur-glo",
	"description-glo",
	"links",
}

type registrySearchRequest struct {
	Query          string   `json:"query"`
	Fields         []string `json:"fields"`
	Page           int      `json:"page"`
	Limit          int      `json:"limit"`
	Scope          string   `json:"scope"`
	PaginationMode string   `json:"paginationMode"`
}

type registrySearchResponse struct {
	Notices          []json.RawMessage `json:"notices"`
	TotalNoticeCount int               `json:"totalNoticeCount"`
}

type registryNotice struct {
	PublicationNumber string       `json:"publication-number"`
	Title             multilingual `json:"notice-title"`
	BuyerName         multilingual `json:"buyer-name"`
	BuyerCity         multilingual `json:"buyer-city"`
	CPV               stringList   `json:"classification-cpv"`
	PublicationDate   string       `json:"publication-date"`
	Deadlines         stringList   `json:"deadline-receipt-tender-date-lot"`
	EstimatedValue    amount       `json:"estimated-value-glo"`
	EstimatedCurrency string       `json:"estimated-value-cur-glo"`
	Description       multilingual `json:"description-glo"`
	Links             struct {
		HTML multilingual `json:"html"`
	} `json:"links"`
}

// RegistryConnector reads the European notice registry search API
// (POST /v3/notices/search, page-number pagination).
type RegistryConnector struct {
	httpConnector
}

// NewRegistryConnector creates the connector for a notice_registry source.
func NewRegistryConnector(cfg SourceConfig, deps Deps) *RegistryConnector {
	c := &RegistryConnector{httpConnector: newHTTPConnector(cfg, deps, "Registry")}
	if c.cfg.APIKey != "" {
		c.fetcher.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	return c
}

func (c *RegistryConnector) FetchAndNormalize(ctx context.Context, opts FetchOptions) (FetchResult, error) {
	query := c.buildQuery(c.since(opts))
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v3/notices/search"

	return c.paginate(ctx, opts, 1, func(ctx context.Context, page int, norm normalizer, res *FetchResult) (bool, error) {
		body, err := json.Marshal(registrySearchRequest{
			Query:          query,
			Fields:         registryFields,
			Page:           page,
			Limit:          c.cfg.PageSize,
			Scope:          "ACTIVE",
			PaginationMode: "PAGE_NUMBER",
		})
		if err != nil {
			return false, fmt.Errorf("marshal search request: %w", err)
		}

		payload, err := c.fetcher.Do(ctx, http.MethodPost, endpoint, body, c.admit)
		if err != nil {
			return false, err
		}

		var resp registrySearchResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return false, fmt.Errorf("decode search response: %w", err)
		}

		for i, raw := range resp.Notices {
			position := (page-1)*c.cfg.PageSize + i + 1
			tender, id, err := c.normalize(raw, norm)
			if err != nil {
				res.addError("%s", recordError(c.cfg.ID, id, position, err))
				continue
			}
			res.Tenders = append(res.Tenders, tender)
		}

		if len(resp.Notices) == 0 {
			return false, nil
		}
		if resp.TotalNoticeCount > 0 && page*c.cfg.PageSize >= resp.TotalNoticeCount {
			return false, nil
		}
		return len(resp.Notices) >= c.cfg.PageSize, nil
	})
}

// buildQuery appends the publication-date filter to the configured query.
func (c *RegistryConnector) buildQuery(since time.Time) string {
	filter := "publication-date>=" + since.UTC().Format("20060102")
	if q := strings.TrimSpace(c.cfg.Query); q != "" {
		return "(" + q + ") AND " + filter
	}
	return filter
}

// normalize maps one raw notice. The returned id is best-effort so that
// errors can name the record even when decoding failed.
func (c *RegistryConnector) normalize(raw json.RawMessage, norm normalizer) (models.Tender, string, error) {
	var n registryNotice
	if err := json.Unmarshal(raw, &n); err != nil {
		var idOnly struct {
			PublicationNumber string `json:"publication-number"`
		}
		_ = json.Unmarshal(raw, &idOnly)
		return models.Tender{}, idOnly.PublicationNumber, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	lang := c.cfg.Language
	published, err := parseOptionalDate("publication-date", n.PublicationDate, parseStartOfDay)
	if err != nil {
		return models.Tender{}, n.PublicationNumber, err
	}
	deadline, err := earliestDeadline(n.Deadlines)
	if err != nil {
		return models.Tender{}, n.PublicationNumber, err
	}

	tender := models.Tender{
		ExternalID:          n.PublicationNumber,
		ExternalURL:         n.Links.HTML.pick(lang),
		Title:               n.Title.pick(lang),
		Buyer:               n.BuyerName.pick(lang),
		BuyerLocation:       n.BuyerCity.pick(lang),
		ClassificationCodes: n.CPV,
		EstimatedValue:      n.EstimatedValue.Value,
		Currency:            n.EstimatedCurrency,
		PublicationDate:     published,
		DeadlineAt:          deadline,
		DescriptionHTML:     n.Description.pick(lang),
	}

	tender, err = norm.finalize(tender)
	return tender, n.PublicationNumber, err
}

// earliestDeadline returns the earliest lot deadline. Notices with several
// lots list one deadline per lot.
func earliestDeadline(values []string) (*time.Time, error) {
	var earliest *time.Time
	for _, v := range values {
		t, err := parseOptionalDate("deadline", v, parseDateRobust)
		if err != nil {
			return nil, err
		}
		if t != nil && (earliest == nil || t.Before(*earliest)) {
			earliest = t
		}
	}
	return earliest, nil
}
