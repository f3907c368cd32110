package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/david/tender-agent/internal/auth"
	"github.com/david/tender-agent/internal/ingest"
	"github.com/david/tender-agent/internal/metrics"
	"github.com/david/tender-agent/internal/models"
	"github.com/david/tender-agent/internal/storage"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 200
	maxManualBody    = 1 << 20
)

type Options struct {
	Agent   *ingest.Agent
	Repo    storage.TenderRepository
	Metrics *metrics.Metrics
	// Secret guards every /api/v1 route. Empty refuses them all with 503.
	Secret string
}

type Server struct {
	Echo *echo.Echo

	agent   *ingest.Agent
	repo    storage.TenderRepository
	metrics *metrics.Metrics
	secret  string
}

// RunResponse is the body returned by the trigger endpoints.
type RunResponse struct {
	Success  bool            `json:"success"`
	Duration string          `json:"duration"`
	Results  []ingest.Result `json:"results"`
}

func NewServer(opts Options) (*Server, error) {
	if opts.Agent == nil {
		return nil, errors.New("api: agent is required")
	}
	if opts.Repo == nil {
		return nil, errors.New("api: repository is required")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		Echo:    e,
		agent:   opts.Agent,
		repo:    opts.Repo,
		metrics: opts.Metrics,
		secret:  opts.Secret,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	s.Echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	v1 := s.Echo.Group("/api/v1")
	v1.Use(auth.Guard(s.secret))
	v1.POST("/ingest/run", s.handleRunAll)
	v1.POST("/ingest/source/:source", s.handleRunSource)
	v1.GET("/ingest/runs", s.handleListRuns)
	v1.GET("/ingest/status", s.handleStatus)
	v1.POST("/ingest/manual", s.handleManualSubmit)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleRunAll(c echo.Context) error {
	release, ok := s.agent.TryStart()
	if !ok {
		return c.JSON(http.StatusConflict, map[string]string{"error": "ingest already running"})
	}
	defer release()

	log.Printf("[API] Ingest run triggered by %s", auth.CallerFromContext(c))
	start := time.Now()
	results := s.agent.RunAllIngests(c.Request().Context())
	return c.JSON(http.StatusOK, runResponse(results, time.Since(start)))
}

func (s *Server) handleRunSource(c echo.Context) error {
	source := models.Source(c.Param("source"))
	if _, ok := s.agent.Connector(source); !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown source: " + string(source)})
	}

	release, ok := s.agent.TryStart()
	if !ok {
		return c.JSON(http.StatusConflict, map[string]string{"error": "ingest already running"})
	}
	defer release()

	log.Printf("[API] Ingest of %s triggered by %s", source, auth.CallerFromContext(c))
	start := time.Now()
	res := s.agent.RunIngest(c.Request().Context(), source)
	return c.JSON(http.StatusOK, runResponse([]ingest.Result{res}, time.Since(start)))
}

func runResponse(results []ingest.Result, elapsed time.Duration) RunResponse {
	success := true
	for _, r := range results {
		if r.ErrorCount > 0 {
			success = false
			break
		}
	}
	if results == nil {
		results = []ingest.Result{}
	}
	return RunResponse{
		Success:  success,
		Duration: elapsed.Round(time.Millisecond).String(),
		Results:  results,
	}
}

func (s *Server) handleListRuns(c echo.Context) error {
	source := models.Source(strings.TrimSpace(c.QueryParam("source")))
	if source != "" && !source.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid source"})
	}

	limit := defaultRunsLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.repo.ListIngestRuns(c.Request().Context(), source, limit)
	if err != nil {
		log.Printf("[API] List ingest runs failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list ingest runs"})
	}
	if runs == nil {
		runs = []models.IngestRun{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"running": s.agent.Running(),
		"sources": s.agent.SyncStatus(),
	})
}

// handleManualSubmit queues one notice or a list of notices for the manual
// source. They are persisted by the next run of that source.
func (s *Server) handleManualSubmit(c echo.Context) error {
	conn, _ := s.agent.Connector(models.SourceManual)
	manual, ok := conn.(*ingest.ManualConnector)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "manual source is not enabled"})
	}

	notices, err := decodeNotices(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	for i, n := range notices {
		if strings.TrimSpace(n.ExternalID) == "" || strings.TrimSpace(n.Title) == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "notice " + strconv.Itoa(i) + ": externalId and title are required",
			})
		}
	}

	queued := manual.Submit(notices...)
	log.Printf("[API] %d manual notices queued by %s (%d pending)", len(notices), auth.CallerFromContext(c), queued)
	return c.JSON(http.StatusAccepted, map[string]int{"accepted": len(notices), "pending": queued})
}

func decodeNotices(body io.Reader) ([]ingest.ManualNotice, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxManualBody))
	if err != nil {
		return nil, errors.New("failed to read body")
	}
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}

	if raw[0] == '[' {
		var list []ingest.ManualNotice
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, errors.New("invalid notice list")
		}
		if len(list) == 0 {
			return nil, errors.New("empty notice list")
		}
		return list, nil
	}

	var one ingest.ManualNotice
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, errors.New("invalid notice")
	}
	return []ingest.ManualNotice{one}, nil
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}
