// Package ratelimit provides per-source fixed-window admission control for
// outbound requests. State is process-local: a restart starts every source
// with a fresh window.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultSweepInterval is how often expired windows are dropped.
const DefaultSweepInterval = 5 * time.Minute

// Config bounds a single key to Limit requests per Window.
type Config struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Decision is the outcome of one TryAcquire call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter tracks one counting window per key.
type Limiter struct {
	mu            sync.Mutex
	configs       map[string]Config
	windows       map[string]*window
	defaultConfig Config
	sweepInterval time.Duration
	lastSweep     time.Time
	now           func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepInterval = d }
}

// New creates a limiter. defaultConfig applies to keys never configured.
func New(defaultConfig Config, opts ...Option) *Limiter {
	if defaultConfig.Limit <= 0 {
		defaultConfig.Limit = 60
	}
	if defaultConfig.Window <= 0 {
		defaultConfig.Window = time.Minute
	}
	l := &Limiter{
		configs:       make(map[string]Config),
		windows:       make(map[string]*window),
		defaultConfig: defaultConfig,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.now()
	return l
}

// Configure sets the limit for key. Non-positive values fall back to the
// limiter default.
func (l *Limiter) Configure(key string, cfg Config) {
	if cfg.Limit <= 0 {
		cfg.Limit = l.defaultConfig.Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = l.defaultConfig.Window
	}

	l.mu.Lock()
	l.configs[key] = cfg
	l.mu.Unlock()
}

// TryAcquire records an attempt for key and reports whether it is admitted.
// It never blocks.
func (l *Limiter) TryAcquire(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.sweepInterval {
		l.sweepLocked(now)
	}

	cfg, ok := l.configs[key]
	if !ok {
		cfg = l.defaultConfig
	}

	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{count: 1, resetAt: now.Add(cfg.Window)}
		l.windows[key] = w
		return Decision{Allowed: true, Remaining: cfg.Limit - 1, ResetAt: w.resetAt}
	}

	if w.count > cfg.Limit {
		// Already denied in this window; the count stays at limit+1.
		return Decision{Allowed: false, Remaining: 0, ResetAt: w.resetAt}
	}

	w.count++
	if w.count > cfg.Limit {
		return Decision{Allowed: false, Remaining: 0, ResetAt: w.resetAt}
	}
	return Decision{Allowed: true, Remaining: cfg.Limit - w.count, ResetAt: w.resetAt}
}

// Sweep drops every window that has expired.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(l.now())
}

func (l *Limiter) sweepLocked(now time.Time) {
	for key, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, key)
		}
	}
	l.lastSweep = now
}

// Clear forgets all windows. Configured limits are kept.
func (l *Limiter) Clear() {
	l.mu.Lock()
	l.windows = make(map[string]*window)
	l.mu.Unlock()
}

// Tracked returns the number of live windows.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
