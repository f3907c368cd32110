package ingest

import (
	"embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/david/tender-agent/internal/models"
	"github.com/david/tender-agent/internal/ratelimit"
)

//go:embed config/sources.yaml
var sourcesYAML embed.FS

// Connector kinds understood by BuildConnectors.
const (
	KindNoticeRegistry = "notice_registry"
	KindEProcurement   = "eprocurement_rest"
	KindManual         = "manual"
)

// Registry holds the configuration for all tender sources.
type Registry struct {
	Sources []SourceConfig `yaml:"sources"`
}

// FetchConfig defines HTTP fetching configuration for a source.
type FetchConfig struct {
	TimeoutSeconds int     `yaml:"timeout_seconds,omitempty"` // Default: 30
	MaxRetries     int     `yaml:"max_retries,omitempty"`     // Default: 2, negative disables retries
	RateLimitRPS   float64 `yaml:"rate_limit_rps,omitempty"`  // Pacing between requests, default: 2.0
	UserAgent      string  `yaml:"user_agent,omitempty"`
	AcceptLanguage string  `yaml:"accept_language,omitempty"`
}

// SourceConfig defines a single tender source.
type SourceConfig struct {
	ID           models.Source    `yaml:"id"`
	Name         string           `yaml:"name"`
	Kind         string           `yaml:"kind"`
	Disabled     bool             `yaml:"disabled,omitempty"`
	BaseURL      string           `yaml:"base_url,omitempty"`
	APIKey       string           `yaml:"api_key,omitempty"`
	Query        string           `yaml:"query,omitempty"`
	Language     string           `yaml:"language,omitempty"` // preferred language for multilingual fields
	Currency     string           `yaml:"currency,omitempty"`
	PageSize     int              `yaml:"page_size,omitempty"`
	MaxPages     int              `yaml:"max_pages,omitempty"`
	LookbackDays int              `yaml:"lookback_days,omitempty"`
	RateLimit    ratelimit.Config `yaml:"rate_limit,omitempty"`
	Fetch        FetchConfig      `yaml:"fetch,omitempty"`
}

// Validate checks the fields every connector kind needs.
func (c SourceConfig) Validate() error {
	if !c.ID.Valid() {
		return fmt.Errorf("source %q: unknown source id", c.ID)
	}
	switch c.Kind {
	case KindNoticeRegistry, KindEProcurement:
		if c.BaseURL == "" {
			return fmt.Errorf("source %q: base_url is required for kind %s", c.ID, c.Kind)
		}
	case KindManual:
	default:
		return fmt.Errorf("source %q: unknown kind %q", c.ID, c.Kind)
	}
	return nil
}

func (c SourceConfig) withDefaults() SourceConfig {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 10
	}
	if c.Currency == "" {
		c.Currency = models.HomeCurrency
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = 7
	}
	return c
}

// LoadRegistry reads the embedded sources.yaml, or path when it is set.
// Environment variables in the YAML (e.g. ${REGISTRY_API_KEY}) are expanded.
func LoadRegistry(path string) (*Registry, error) {
	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
	} else {
		data, err = sourcesYAML.ReadFile("config/sources.yaml")
	}
	if err != nil {
		return nil, fmt.Errorf("read source registry: %w", err)
	}

	return parseRegistry(data)
}

func parseRegistry(data []byte) (*Registry, error) {
	expanded := os.ExpandEnv(string(data))

	var reg Registry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, fmt.Errorf("parse source registry: %w", err)
	}

	seen := make(map[models.Source]bool)
	for i, src := range reg.Sources {
		if err := src.Validate(); err != nil {
			return nil, err
		}
		if seen[src.ID] {
			return nil, fmt.Errorf("source %q: declared twice", src.ID)
		}
		seen[src.ID] = true
		reg.Sources[i] = src.withDefaults()
	}

	return &reg, nil
}

// Enabled returns the sources that are not disabled, in declaration order.
func (r *Registry) Enabled() []SourceConfig {
	var out []SourceConfig
	for _, src := range r.Sources {
		if !src.Disabled {
			out = append(out, src)
		}
	}
	return out
}
