package match

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultPrefixes are the construction-domain CPV families considered relevant:
// construction work (45), structures and materials (44), architectural and
// engineering services (71) and building installation maintenance (507).
var DefaultPrefixes = []string{"45", "44", "71", "507"}

// PrefixSource loads the relevant-prefix reference list.
type PrefixSource interface {
	LoadPrefixes(ctx context.Context) ([]string, error)
}

// StaticPrefixes serves a fixed list.
type StaticPrefixes []string

func (s StaticPrefixes) LoadPrefixes(context.Context) ([]string, error) {
	out := make([]string, len(s))
	copy(out, s)
	return out, nil
}

// FilePrefixes reads a YAML document of the form `prefixes: ["45", ...]`.
type FilePrefixes struct {
	Path string
}

func (f FilePrefixes) LoadPrefixes(context.Context) ([]string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read prefix file: %w", err)
	}

	var doc struct {
		Prefixes []string `yaml:"prefixes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse prefix file %s: %w", f.Path, err)
	}
	if len(doc.Prefixes) == 0 {
		return nil, fmt.Errorf("prefix file %s lists no prefixes", f.Path)
	}
	return doc.Prefixes, nil
}

// ReferenceCache memoizes the prefix list so connectors share one load.
type ReferenceCache struct {
	source PrefixSource

	mu       sync.Mutex
	prefixes []string
	loaded   bool
}

// NewReferenceCache wraps source. A nil source serves DefaultPrefixes.
func NewReferenceCache(source PrefixSource) *ReferenceCache {
	if source == nil {
		source = StaticPrefixes(DefaultPrefixes)
	}
	return &ReferenceCache{source: source}
}

// Prefixes returns the cached list, loading it on first use. A failed load
// is not cached.
func (c *ReferenceCache) Prefixes(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		out := make([]string, len(c.prefixes))
		copy(out, c.prefixes)
		return out, nil
	}

	prefixes, err := c.source.LoadPrefixes(ctx)
	if err != nil {
		return nil, err
	}
	c.prefixes = prefixes
	c.loaded = true

	out := make([]string, len(prefixes))
	copy(out, prefixes)
	return out, nil
}

// Calculator builds a scorer from the current snapshot.
func (c *ReferenceCache) Calculator(ctx context.Context) (*Calculator, error) {
	prefixes, err := c.Prefixes(ctx)
	if err != nil {
		return nil, err
	}
	return NewCalculator(prefixes), nil
}

// ClearCache forces the next Prefixes call to reload.
func (c *ReferenceCache) ClearCache() {
	c.mu.Lock()
	c.prefixes = nil
	c.loaded = false
	c.mu.Unlock()
}
