package ingest

import (
	"fmt"
)

// BuildConnectors creates one connector per enabled source, in registry
// order.
func BuildConnectors(reg *Registry, deps Deps) ([]Connector, error) {
	var out []Connector
	for _, src := range reg.Enabled() {
		c, err := NewConnector(src, deps)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// NewConnector creates the connector for a single source config.
func NewConnector(cfg SourceConfig, deps Deps) (Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindNoticeRegistry:
		return NewRegistryConnector(cfg, deps), nil
	case KindEProcurement:
		return NewEProcurementConnector(cfg, deps), nil
	case KindManual:
		return NewManualConnector(cfg, deps), nil
	default:
		return nil, fmt.Errorf("source %q: unknown kind %q", cfg.ID, cfg.Kind)
	}
}
