// Package admission resolves declarative configuration for an incoming
// request: the resource ceilings an endpoint executes under, and the
// X402 accepts clause a paid endpoint advertises. It never makes a
// client-identity-keyed authorization decision — possession of a
// session's channel key is the only authorization concept this gateway
// has; admission only answers "what limits/price apply to this route".
package admission

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/open-policy-agent/opa/topdown"
	"github.com/zeebo/blake3"
)

// Config defines the compiled rego module(s) and backing data an Engine
// evaluates against.
type Config struct {
	Query           string
	Modules         map[string]string
	Data            map[string]any
	EvalTimeout     time.Duration
	CacheTTL        time.Duration
	MaxCacheEntries int
	Tracer          topdown.Tracer
}

// Decision is the resolved configuration for one route.
type Decision struct {
	MemoryMaxBytes   int64
	WallClockSeconds float64
	Accepts          map[string]any // route-specific accepts clause fields, or nil for free routes
	RawResult        any
}

// Engine evaluates a prepared rego query with a bounded decision cache.
// Every field is safe for concurrent use after New returns.
type Engine struct {
	query    rego.PreparedEvalQuery
	timeout  time.Duration
	cache    *decisionCache
	evalOpts []rego.EvalOption
}

// New compiles cfg.Query over cfg.Modules and cfg.Data.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Query == "" {
		return nil, errors.New("admission: query cannot be empty")
	}

	opts := []func(*rego.Rego){rego.Query(cfg.Query)}
	for path, module := range cfg.Modules {
		opts = append(opts, rego.Module(path, module))
	}
	var evalOpts []rego.EvalOption
	if cfg.Tracer != nil {
		evalOpts = append(evalOpts, rego.EvalTracer(cfg.Tracer))
	}
	if cfg.Data != nil {
		opts = append(opts, rego.Store(inmem.NewFromObject(cfg.Data)))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("admission: compile: %w", err)
	}

	timeout := cfg.EvalTimeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}

	return &Engine{
		query:    prepared,
		timeout:  timeout,
		cache:    newDecisionCache(cfg.MaxCacheEntries, cfg.CacheTTL),
		evalOpts: evalOpts,
	}, nil
}

// Resolve evaluates the compiled policy against input (typically the
// route name and endpoint kind) and returns the resolved limits/accepts
// configuration.
func (e *Engine) Resolve(ctx context.Context, input any) (Decision, error) {
	if e == nil {
		return Decision{}, errors.New("admission: engine is nil")
	}

	cacheKey, err := fingerprintInput(input)
	if err != nil {
		return Decision{}, err
	}
	if decision, ok := e.cache.Get(cacheKey); ok {
		return decision, nil
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	evalOptions := append([]rego.EvalOption{rego.EvalInput(input)}, e.evalOpts...)
	rs, err := e.query.Eval(evalCtx, evalOptions...)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, errors.New("admission: empty result set")
	}

	decision, err := normalizeResult(rs[0].Expressions[0].Value)
	if err != nil {
		return Decision{}, err
	}

	e.cache.Set(cacheKey, decision)
	return decision, nil
}

func normalizeResult(val any) (Decision, error) {
	m, ok := val.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("admission: unsupported result type %T", val)
	}
	d := Decision{RawResult: m, MemoryMaxBytes: 64 << 20, WallClockSeconds: 10}
	if mem, ok := numberOf(m["memory_max_bytes"]); ok {
		d.MemoryMaxBytes = int64(mem)
	}
	if wc, ok := numberOf(m["wall_clock_seconds"]); ok {
		d.WallClockSeconds = wc
	}
	if accepts, ok := m["accepts"].(map[string]any); ok {
		d.Accepts = accepts
	}
	return d, nil
}

func numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// decisionCache is a bounded TTL cache keyed by a blake3 fingerprint of
// the evaluation input. blake3 is used here only to key a non-security-
// critical cache, not for anything carrying cryptographic weight.
type decisionCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	value     Decision
	expiresAt time.Time
}

func newDecisionCache(max int, ttl time.Duration) *decisionCache {
	if max <= 0 {
		max = 512
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &decisionCache{
		entries: make(map[string]cacheEntry, max),
		maxSize: max,
		ttl:     ttl,
	}
}

func (c *decisionCache) Get(key string) (Decision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return Decision{}, false
	}
	return entry.value, true
}

func (c *decisionCache) Set(key string, decision Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.evict()
	}
	c.entries[key] = cacheEntry{value: decision, expiresAt: time.Now().Add(c.ttl)}
}

func (c *decisionCache) evict() {
	var oldestKey string
	var oldest time.Time
	for k, v := range c.entries {
		if oldestKey == "" || v.expiresAt.Before(oldest) {
			oldestKey = k
			oldest = v.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func fingerprintInput(input any) (string, error) {
	b, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("admission: input marshal: %w", err)
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
