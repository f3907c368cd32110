package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/david/tender-agent/internal/db"
	"github.com/david/tender-agent/internal/ingest"
	"github.com/david/tender-agent/internal/match"
	"github.com/david/tender-agent/internal/metrics"
	"github.com/david/tender-agent/internal/models"
	"github.com/david/tender-agent/internal/ratelimit"
)

func main() {
	sourceID := flag.String("source", "", "Source ID to ingest (registry, eprocurement or manual)")
	noticesFile := flag.String("file", "", "JSON file with manual notices (array), for -source manual")
	budget := flag.Duration("budget", 4*time.Minute, "Run budget")
	flag.Parse()

	if *sourceID == "" {
		log.Fatal("Please provide a source ID using -source flag")
	}
	source := models.Source(*sourceID)

	ctx := context.Background()
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

	var cfg *ingest.SourceConfig
	for _, src := range reg.Enabled() {
		if src.ID == source {
			src := src
			cfg = &src
			break
		}
	}
	if cfg == nil {
		log.Fatalf("Source %q is not enabled in the registry", source)
	}

	scorer := match.NewReferenceCache(nil)
	if path := os.Getenv("MATCH_PREFIXES_FILE"); path != "" {
		scorer = match.NewReferenceCache(match.FilePrefixes{Path: path})
	}

	conn, err := ingest.NewConnector(*cfg, ingest.Deps{
		Limiter: ratelimit.New(ratelimit.Config{Limit: 60, Window: time.Minute}),
		Scorer:  scorer,
	})
	if err != nil {
		log.Fatalf("Failed to build connector: %v", err)
	}

	if *noticesFile != "" {
		manual, ok := conn.(*ingest.ManualConnector)
		if !ok {
			log.Fatalf("-file is only valid for the manual source")
		}
		notices, err := readNotices(*noticesFile)
		if err != nil {
			log.Fatalf("Failed to read notices: %v", err)
		}
		log.Printf("Queued %d manual notices", manual.Submit(notices...))
	}

	agent, err := ingest.New(ingest.Options{
		Repository: db.NewTenderStore(pool),
		Connectors: []ingest.Connector{conn},
		Metrics:    metrics.New(nil),
		RunBudget:  *budget,
	})
	if err != nil {
		log.Fatalf("Failed to create ingest agent: %v", err)
	}

	log.Printf("Starting manual ingestion for source: %s", source)
	res := agent.RunIngest(ctx, source)
	log.Printf("Ingestion finished for %s (run %s). Found: %d, Imported: %d, Skipped: %d, Updated: %d, Errors: %d",
		source, res.RunID, res.TendersFound, res.TendersImported, res.TendersSkipped, res.TendersUpdated, res.ErrorCount)
	for _, e := range res.Errors {
		log.Printf("  %s", e)
	}
	if res.ErrorCount > 0 {
		os.Exit(2)
	}
}

func readNotices(path string) ([]ingest.ManualNotice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var notices []ingest.ManualNotice
	if err := json.Unmarshal(data, &notices); err != nil {
		return nil, err
	}
	return notices, nil
}
