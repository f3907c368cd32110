package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/david/tender-agent/internal/models"
)

type eprocPage struct {
	Content    []json.RawMessage `json:"content"`
	TotalPages int               `json:"totalPages"`
	Last       bool              `json:"last"`
}

type eprocPublication struct {
	PublicatieID         flexString `json:"publicatieId"`
	AanbestedingNaam     string     `json:"aanbestedingNaam"`
	OpdrachtgeverNaam    string     `json:"opdrachtgeverNaam"`
	Plaats               string     `json:"plaats"`
	Location             string     `json:"location"`
	PublicatieDatum      string     `json:"publicatieDatum"`
	SluitingsDatum       string     `json:"sluitingsDatum"`
	CPVCodes             []eprocCPV `json:"cpvCodes"`
	GeraamdeWaarde       amount     `json:"geraamdeWaarde"`
	Valuta               string     `json:"valuta"`
	OpdrachtBeschrijving string     `json:"opdrachtBeschrijving"`
	Link                 struct {
		Href string `json:"href"`
	} `json:"link"`
}

type eprocCPV struct {
	Code         string `json:"code"`
	Omschrijving string `json:"omschrijving"`
}

// EProcurementConnector reads the national e-procurement platform
// (GET /publicaties, zero-based page numbers). Pages are requested until one
// comes back empty, the platform marks the last page, or max_pages is hit.
type EProcurementConnector struct {
	httpConnector
}

// NewEProcurementConnector creates the connector for an eprocurement_rest source.
func NewEProcurementConnector(cfg SourceConfig, deps Deps) *EProcurementConnector {
	c := &EProcurementConnector{httpConnector: newHTTPConnector(cfg, deps, "EProcurement")}
	if c.cfg.APIKey != "" {
		c.fetcher.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return c
}

func (c *EProcurementConnector) FetchAndNormalize(ctx context.Context, opts FetchOptions) (FetchResult, error) {
	since := c.since(opts).UTC().Format("2006-01-02")
	base := strings.TrimRight(c.cfg.BaseURL, "/") + "/publicaties"

	return c.paginate(ctx, opts, 0, func(ctx context.Context, page int, norm normalizer, res *FetchResult) (bool, error) {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("size", strconv.Itoa(c.cfg.PageSize))
		q.Set("publicatieDatumVanaf", since)

		payload, err := c.fetcher.Do(ctx, http.MethodGet, base+"?"+q.Encode(), nil, c.admit)
		if err != nil {
			return false, err
		}

		var resp eprocPage
		if err := json.Unmarshal(payload, &resp); err != nil {
			return false, fmt.Errorf("decode page: %w", err)
		}

		for i, raw := range resp.Content {
			position := page*c.cfg.PageSize + i + 1
			tender, id, err := c.normalize(raw, norm)
			if err != nil {
				res.addError("%s", recordError(c.cfg.ID, id, position, err))
				continue
			}
			res.Tenders = append(res.Tenders, tender)
		}

		if len(resp.Content) == 0 || resp.Last {
			return false, nil
		}
		if resp.TotalPages > 0 && page+1 >= resp.TotalPages {
			return false, nil
		}
		return true, nil
	})
}

func (c *EProcurementConnector) normalize(raw json.RawMessage, norm normalizer) (models.Tender, string, error) {
	var p eprocPublication
	if err := json.Unmarshal(raw, &p); err != nil {
		var idOnly struct {
			PublicatieID flexString `json:"publicatieId"`
		}
		_ = json.Unmarshal(raw, &idOnly)
		return models.Tender{}, string(idOnly.PublicatieID), fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	id := string(p.PublicatieID)

	published, err := parseOptionalDate("publicatieDatum", p.PublicatieDatum, parseStartOfDay)
	if err != nil {
		return models.Tender{}, id, err
	}
	deadline, err := parseOptionalDate("sluitingsDatum", p.SluitingsDatum, parseDateRobust)
	if err != nil {
		return models.Tender{}, id, err
	}

	codes := make([]string, 0, len(p.CPVCodes))
	for _, cpv := range p.CPVCodes {
		codes = append(codes, cpv.Code)
	}

	tender := models.Tender{
		ExternalID:          id,
		ExternalURL:         p.Link.Href,
		Title:               p.AanbestedingNaam,
		Buyer:               p.OpdrachtgeverNaam,
		BuyerLocation:       firstNonEmpty(p.Plaats, p.Location),
		ClassificationCodes: codes,
		EstimatedValue:      p.GeraamdeWaarde.Value,
		Currency:            p.Valuta,
		PublicationDate:     published,
		DeadlineAt:          deadline,
		DescriptionHTML:     p.OpdrachtBeschrijving,
	}

	tender, err = norm.finalize(tender)
	return tender, id, err
}
