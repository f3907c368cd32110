package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/david/tender-agent/internal/api"
	"github.com/david/tender-agent/internal/db"
	"github.com/david/tender-agent/internal/ingest"
	"github.com/david/tender-agent/internal/match"
	"github.com/david/tender-agent/internal/metrics"
	"github.com/david/tender-agent/internal/ratelimit"
)

// defaultRunBudget stays under the five-minute ceiling of the scheduler
// that calls the trigger endpoint.
const defaultRunBudget = 4 * time.Minute

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	reg, err := ingest.LoadRegistry(os.Getenv("INGEST_SOURCES_FILE"))
	if err != nil {
		log.Fatalf("Failed to load source registry: %v", err)
	}

	m := metrics.New(nil)
	deps := ingest.Deps{
		Limiter: ratelimit.New(ratelimit.Config{Limit: 60, Window: time.Minute}),
		Scorer:  referenceCache(),
		Metrics: m,
	}
	connectors, err := ingest.BuildConnectors(reg, deps)
	if err != nil {
		log.Fatalf("Failed to build connectors: %v", err)
	}

	store := db.NewTenderStore(pool)
	agent, err := ingest.New(ingest.Options{
		Repository: store,
		Connectors: connectors,
		Metrics:    m,
		RunBudget:  durationEnv("INGEST_RUN_BUDGET", defaultRunBudget),
		Concurrent: boolEnv("INGEST_CONCURRENT"),
	})
	if err != nil {
		log.Fatalf("Failed to create ingest agent: %v", err)
	}

	secret := os.Getenv("INGEST_SECRET")
	if secret == "" {
		log.Println("WARNING: INGEST_SECRET is not set; ingest endpoints will refuse every request")
	}

	srv, err := api.NewServer(api.Options{Agent: agent, Repo: store, Metrics: m, Secret: secret})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Echo.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s with %d sources...", port, len(connectors))
	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func referenceCache() *match.ReferenceCache {
	if path := os.Getenv("MATCH_PREFIXES_FILE"); path != "" {
		return match.NewReferenceCache(match.FilePrefixes{Path: path})
	}
	return match.NewReferenceCache(nil)
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Printf("Ignoring invalid %s=%q, using %s", key, raw, fallback)
		return fallback
	}
	return d
}

func boolEnv(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
