package main

import (
	"context"
	"flag"
	"log"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/david/tender-agent/internal/db"
	"github.com/david/tender-agent/internal/models"
)

func main() {
	source := flag.String("source", "", "Only show runs of this source")
	limit := flag.Int("limit", 10, "Number of runs to show")
	flag.Parse()

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	store := db.NewTenderStore(pool)
	runs, err := store.ListIngestRuns(ctx, models.Source(*source), *limit)
	if err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Source", "Found", "Imported", "Skipped", "Updated", "Errors", "Duration", "Started At"})

	for _, r := range runs {
		duration := "Running..."
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		t.AppendRow(table.Row{
			r.Source, r.TendersFound, r.TendersImported, r.TendersSkipped, r.TendersUpdated,
			len(r.Errors), duration, r.StartedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	t.Render()

	stats, err := store.GetStats(ctx)
	if err != nil {
		log.Fatal(err)
	}

	s := table.NewWriter()
	s.SetOutputMirror(os.Stdout)
	s.AppendHeader(table.Row{"Source", "Status", "Count", "Source Total"})
	for _, st := range stats {
		statuses := make([]string, 0, len(st.Status))
		for status := range st.Status {
			statuses = append(statuses, string(status))
		}
		sort.Strings(statuses)
		for _, status := range statuses {
			s.AppendRow(table.Row{st.Source, status, st.Status[models.Status(status)], st.Total})
		}
	}
	s.Render()
}
