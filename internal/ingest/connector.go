package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/david/tender-agent/internal/match"
	"github.com/david/tender-agent/internal/metrics"
	"github.com/david/tender-agent/internal/models"
	"github.com/david/tender-agent/internal/ratelimit"
)

// Scorer hands out the match calculator for a fetch. *match.ReferenceCache
// implements it.
type Scorer interface {
	Calculator(ctx context.Context) (*match.Calculator, error)
}

// Deps are the collaborators shared by all connectors.
type Deps struct {
	Limiter *ratelimit.Limiter
	Scorer  Scorer
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) calculator(ctx context.Context) (*match.Calculator, error) {
	if d.Scorer == nil {
		return match.NewCalculator(match.DefaultPrefixes), nil
	}
	calc, err := d.Scorer.Calculator(ctx)
	if err != nil {
		return nil, fmt.Errorf("load reference prefixes: %w", err)
	}
	return calc, nil
}

// pageFunc fetches and normalizes one page into res. It reports whether
// another page should be requested.
type pageFunc func(ctx context.Context, page int, norm normalizer, res *FetchResult) (more bool, err error)

// httpConnector holds what the HTTP-backed connectors have in common:
// limiter admission, bounded pagination and error bookkeeping.
type httpConnector struct {
	cfg     SourceConfig
	deps    Deps
	fetcher *HTTPFetcher
	tag     string
}

func newHTTPConnector(cfg SourceConfig, deps Deps, tag string) httpConnector {
	cfg = cfg.withDefaults()
	if deps.Limiter != nil && cfg.RateLimit.Limit > 0 {
		deps.Limiter.Configure(string(cfg.ID), cfg.RateLimit)
	}
	return httpConnector{
		cfg:     cfg,
		deps:    deps,
		fetcher: NewHTTPFetcher(cfg.Fetch),
		tag:     tag,
	}
}

func (c *httpConnector) Source() models.Source {
	return c.cfg.ID
}

// admit takes one slot from the source's rate-limit window.
func (c *httpConnector) admit() error {
	if c.deps.Limiter == nil {
		return nil
	}
	d := c.deps.Limiter.TryAcquire(string(c.cfg.ID))
	if !d.Allowed {
		c.deps.Metrics.RecordRateLimitDenied(string(c.cfg.ID))
		return fmt.Errorf("%w for %s (window resets at %s)", ErrRateLimited, c.cfg.ID, d.ResetAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// since resolves the lower publication bound for a fetch.
func (c *httpConnector) since(opts FetchOptions) time.Time {
	if opts.Since != nil {
		return *opts.Since
	}
	return c.deps.now().AddDate(0, 0, -c.cfg.LookbackDays)
}

// paginate requests pages starting at first until fetchPage reports no
// more, an error occurs, the page budget is used up or the soft deadline
// passes. Errors end paging but keep everything collected so far.
func (c *httpConnector) paginate(ctx context.Context, opts FetchOptions, first int, fetchPage pageFunc) (FetchResult, error) {
	var res FetchResult

	calc, err := c.deps.calculator(ctx)
	if err != nil {
		return res, err
	}
	norm := newNormalizer(c.cfg, calc)

	more := true
	for page := first; more && page < first+c.cfg.MaxPages; page++ {
		if opts.expired(c.deps.now()) {
			res.Truncated = true
			res.addError("timeout: %s stopped after %d pages, run budget exhausted", c.cfg.ID, res.Pages)
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			res.Truncated = true
			res.addError("timeout: %s stopped after %d pages: %v", c.cfg.ID, res.Pages, err)
			return res, nil
		}

		more, err = fetchPage(ctx, page, norm, &res)
		if err != nil {
			res.Truncated = true
			if errors.Is(err, ErrRateLimited) {
				log.Printf("[%s] Rate limited on page %d, stopping", c.tag, page)
				res.addError("%v", err)
			} else {
				log.Printf("[%s] Page %d failed: %v", c.tag, page, err)
				res.addError("%s page %d: %v", c.cfg.ID, page, err)
			}
			return res, nil
		}
		res.Pages++
		log.Printf("[%s] Page %d: %d tenders so far", c.tag, page, len(res.Tenders))
	}

	if more {
		res.Truncated = true
		log.Printf("[%s] Page limit %d reached, remaining pages left for the next run", c.tag, c.cfg.MaxPages)
	}
	return res, nil
}
