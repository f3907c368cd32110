package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/david/tender-agent/internal/models"
	"github.com/david/tender-agent/internal/ratelimit"
)

// fastFetch disables retries and pacing so tests run without delays.
var fastFetch = FetchConfig{TimeoutSeconds: 5, MaxRetries: -1, RateLimitRPS: 1000}

func registryConfig(baseURL string) SourceConfig {
	return SourceConfig{
		ID:       models.SourceRegistry,
		Name:     "Test registry",
		Kind:     KindNoticeRegistry,
		BaseURL:  baseURL,
		Language: "ENG",
		PageSize: 10,
		MaxPages: 5,
		Fetch:    fastFetch,
	}
}

func eprocConfig(baseURL string) SourceConfig {
	return SourceConfig{
		ID:       models.SourceEProcurement,
		Name:     "Test e-procurement",
		Kind:     KindEProcurement,
		BaseURL:  baseURL,
		PageSize: 3,
		MaxPages: 5,
		Fetch:    fastFetch,
	}
}

func testDeps() Deps {
	return Deps{Limiter: ratelimit.New(ratelimit.Config{Limit: 1000, Window: time.Minute})}
}

func registryNoticeJSON(id, title string, codes ...string) map[string]interface{} {
	n := map[string]interface{}{
		"publication-number":               id,
		"buyer-name":                       map[string][]string{"ENG": {"Gemeente Utrecht"}},
		"buyer-city":                       map[string][]string{"ENG": {"Utrecht"}},
		"classification-cpv":               codes,
		"publication-date":                 "2024-01-15+01:00",
		"deadline-receipt-tender-date-lot": []string{"2024-03-01+01:00", "2024-02-20+01:00"},
		"estimated-value-glo":              1250000,
		"estimated-value-cur-glo":          "EUR",
		"links": map[string]interface{}{
			"html": map[string]string{"ENG": "https://ted.europa.eu/en/notice/-/detail/" + id},
		},
	}
	if title != "" {
		n["notice-title"] = map[string]string{"ENG": title, "NLD": "NL " + title}
	}
	return n
}

func registryBatch(n int) []map[string]interface{} {
	out := make([]map[string]interface{}, n)
	for i := range out {
		out[i] = registryNoticeJSON(fmt.Sprintf("%05d-2024", i+1), fmt.Sprintf("Construction works lot %d", i+1), "45210000-2")
	}
	return out
}

// registryServer serves notices in pages of the requested size and records
// every request body.
type registryServer struct {
	*httptest.Server

	mu       sync.Mutex
	notices  []map[string]interface{}
	requests []registrySearchRequest
	apiKeys  []string
	failPage map[int]int
	// transient answers 503 to this many requests before serving pages.
	transient int
}

func newRegistryServer(t *testing.T, notices []map[string]interface{}) *registryServer {
	s := &registryServer{notices: notices, failPage: map[int]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *registryServer) setNotices(notices []map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = notices
}

func (s *registryServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/v3/notices/search" {
		http.NotFound(w, r)
		return
	}
	var req registrySearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.apiKeys = append(s.apiKeys, r.Header.Get("X-API-Key"))
	status := s.failPage[req.Page]
	if s.transient > 0 {
		s.transient--
		status = http.StatusServiceUnavailable
	}
	notices := s.notices
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, "upstream unavailable", status)
		return
	}

	start := (req.Page - 1) * req.Limit
	end := start + req.Limit
	if start > len(notices) {
		start = len(notices)
	}
	if end > len(notices) {
		end = len(notices)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"notices":          notices[start:end],
		"totalNoticeCount": len(notices),
	})
}

func (s *registryServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func eprocPublicationJSON(id int, title string) map[string]interface{} {
	p := map[string]interface{}{
		"publicatieId":      id,
		"opdrachtgeverNaam": "Rijksvastgoedbedrijf",
		"plaats":            "Den Haag",
		"publicatieDatum":   "2024-01-10",
		"sluitingsDatum":    "2024-02-28T12:00:00+01:00",
		"cpvCodes": []map[string]string{
			{"code": "45453000-7", "omschrijving": "Revisie- en renovatiewerkzaamheden"},
		},
		"geraamdeWaarde":       "450.000,00",
		"valuta":               "EUR",
		"link":                 map[string]string{"href": fmt.Sprintf("https://www.tenderned.nl/aankondigingen/overzicht/%d", id)},
		"opdrachtBeschrijving": "<p>Renovatie van het <b>rijksmonument</b></p>",
	}
	if title != "" {
		p["aanbestedingNaam"] = title
	}
	return p
}

// eprocServer serves zero-based pages and marks the final one with last=true.
type eprocServer struct {
	*httptest.Server

	mu      sync.Mutex
	items   []map[string]interface{}
	pages   []int
	queries []string
	hits    atomic.Int32
}

func newEProcServer(t *testing.T, items []map[string]interface{}) *eprocServer {
	s := &eprocServer{items: items}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *eprocServer) setItems(items []map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
}

func (s *eprocServer) handle(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	if r.URL.Path != "/publicaties" {
		http.NotFound(w, r)
		return
	}
	var page, size int
	fmt.Sscan(r.URL.Query().Get("page"), &page)
	fmt.Sscan(r.URL.Query().Get("size"), &size)

	s.mu.Lock()
	s.pages = append(s.pages, page)
	s.queries = append(s.queries, r.URL.RawQuery)
	items := s.items
	s.mu.Unlock()

	start := page * size
	end := start + size
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}
	totalPages := (len(items) + size - 1) / size
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"content":    items[start:end],
		"totalPages": totalPages,
		"last":       end >= len(items),
	})
}
