package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/david/tender-agent/internal/api"
	"github.com/david/tender-agent/internal/auth"
)

func main() {
	baseURL := flag.String("base-url", "http://localhost:8081", "API base URL")
	source := flag.String("source", "", "Only run this source (default: all sources)")
	useJWT := flag.Bool("jwt", false, "Send a short-lived signed token instead of the raw secret")
	timeout := flag.Duration("timeout", 5*time.Minute, "HTTP timeout")
	flag.Parse()

	secret := strings.TrimSpace(os.Getenv("INGEST_SECRET"))
	if secret == "" {
		fmt.Println("Missing INGEST_SECRET environment variable")
		os.Exit(1)
	}

	token := secret
	if *useJWT {
		var err error
		token, err = auth.IssueToken(secret, "trigger-cli", auth.DefaultTokenTTL)
		if err != nil {
			fmt.Printf("Error issuing token: %v\n", err)
			os.Exit(1)
		}
	}

	url := strings.TrimRight(*baseURL, "/") + "/api/v1/ingest/run"
	if *source != "" {
		url = strings.TrimRight(*baseURL, "/") + "/api/v1/ingest/source/" + *source
	}
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		fmt.Printf("Error creating request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("Error sending request: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	fmt.Printf("Response Status: %s\n", resp.Status)
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}

	var summary api.RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		os.Exit(1)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Source", "Found", "Imported", "Skipped", "Updated", "Errors"})
	for _, r := range summary.Results {
		t.AppendRow(table.Row{r.Source, r.TendersFound, r.TendersImported, r.TendersSkipped, r.TendersUpdated, r.ErrorCount})
	}
	t.Render()

	for _, r := range summary.Results {
		for _, e := range r.Errors {
			fmt.Printf("  [%s] %s\n", r.Source, e)
		}
	}
	fmt.Printf("Success: %t, duration: %s\n", summary.Success, summary.Duration)
	if !summary.Success {
		os.Exit(2)
	}
}
