package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/redact"
)

// ProviderConfig wires one provider into the chain.
type ProviderConfig struct {
	Provider Provider

	// RequestsPerMinute sizes the provider's token bucket. Tokens replenish
	// evenly (one every minute/RPM); acquisition blocks until a token or
	// the context deadline arrives.
	RequestsPerMinute int

	// MaxAttempts bounds in-provider retries before failing over. Zero
	// means a single attempt.
	MaxAttempts int

	// BaseDelay and MaxDelay shape the exponential backoff between
	// in-provider attempts.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Options selects the model and generation parameters for one call.
type Options struct {
	// Model is a symbolic name (fast, smart, code). Empty selects fast.
	Model  string
	Params Params
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// Providers in fallback order. The first is primary.
	Providers []ProviderConfig

	// CacheTTL bounds how long successful responses are served from cache.
	// Zero disables caching.
	CacheTTL time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Tracer defaults to the global tracer provider.
	Tracer trace.Tracer
}

type providerEntry struct {
	cfg     ProviderConfig
	limiter *rate.Limiter
	healthy atomic.Bool
}

type cacheEntry struct {
	resp    Response
	expires time.Time
}

// Gateway multiplexes generation requests across the provider chain.
//
// Concurrency discipline: the cache is safe for parallel readers and a
// singleflight group coalesces concurrent misses on the same key into one
// upstream call whose response is shared.
type Gateway struct {
	entries  []*providerEntry
	cacheTTL time.Duration
	clock    clock.Clock
	tracer   trace.Tracer

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewGateway builds a Gateway from the config. At least one provider is
// required.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("llm gateway needs at least one provider")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("loom/llm")
	}
	g := &Gateway{
		cacheTTL: cfg.CacheTTL,
		clock:    cfg.Clock,
		tracer:   cfg.Tracer,
		cache:    make(map[string]cacheEntry),
	}
	for _, pc := range cfg.Providers {
		if pc.Provider == nil {
			return nil, fmt.Errorf("llm gateway: nil provider in chain")
		}
		rpm := pc.RequestsPerMinute
		if rpm <= 0 {
			rpm = 60
		}
		e := &providerEntry{
			cfg:     pc,
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		}
		e.healthy.Store(true)
		g.entries = append(g.entries, e)
	}
	return g, nil
}

// Healthy reports the health flag of a named provider, maintained from the
// outcome of its most recent call.
func (g *Gateway) Healthy(name string) bool {
	for _, e := range g.entries {
		if e.cfg.Provider.Name() == name {
			return e.healthy.Load()
		}
	}
	return false
}

// cacheKey hashes the identity of a request. The primary provider name is
// part of the key so distinct chains never share responses.
func (g *Gateway) cacheKey(model, prompt string, p Params) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%g\x00%d",
		g.entries[0].cfg.Provider.Name(), model, prompt, p.Temperature, p.MaxTokens)
	return hex.EncodeToString(h.Sum(nil))
}

// Generate produces text for the prompt, consulting the cache, then the
// provider chain in order. Within a provider transient failures are retried
// with exponential backoff before failing over. Exhausting the chain
// returns an error wrapping ErrUnavailable.
func (g *Gateway) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = ModelFast
	}
	key := g.cacheKey(model, prompt, opts.Params)

	start := g.clock.Now()
	ctx, span := g.tracer.Start(ctx, "llm.request")
	defer span.End()

	if resp, ok := g.cached(key); ok {
		span.SetAttributes(
			attribute.String("provider", g.entries[0].cfg.Provider.Name()),
			attribute.String("model", model),
			attribute.Bool("cache_hit", true),
			attribute.Int("tokens", resp.Tokens),
			attribute.Int64("duration_ms", g.clock.Now().Sub(start).Milliseconds()),
		)
		return resp.Text, nil
	}

	v, err, _ := g.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have filled
		// the cache between our miss and this closure running.
		if resp, ok := g.cached(key); ok {
			return resp, nil
		}
		resp, provider, callErr := g.callChain(ctx, model, prompt, opts.Params)
		if callErr != nil {
			return generation{}, callErr
		}
		if g.cacheTTL > 0 {
			g.mu.Lock()
			g.cache[key] = cacheEntry{resp: resp, expires: g.clock.Now().Add(g.cacheTTL)}
			g.mu.Unlock()
		}
		return generation{resp: resp, provider: provider}, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, redact.Error(err))
		return "", err
	}

	var resp Response
	provider := g.entries[0].cfg.Provider.Name()
	switch out := v.(type) {
	case Response: // served from cache inside the flight
		resp = out
	case generation:
		resp = out.resp
		provider = out.provider
	}
	span.SetAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.Bool("cache_hit", false),
		attribute.Int("tokens", resp.Tokens),
		attribute.Int64("duration_ms", g.clock.Now().Sub(start).Milliseconds()),
	)
	return resp.Text, nil
}

type generation struct {
	resp     Response
	provider string
}

func (g *Gateway) cached(key string) (Response, bool) {
	if g.cacheTTL <= 0 {
		return Response{}, false
	}
	g.mu.RLock()
	entry, ok := g.cache[key]
	g.mu.RUnlock()
	if !ok || g.clock.Now().After(entry.expires) {
		return Response{}, false
	}
	return entry.resp, true
}

// callChain walks providers in order. Each provider gets MaxAttempts tries
// with backoff; any error falls through to the next provider. The winning
// provider's name is returned for span attribution.
func (g *Gateway) callChain(ctx context.Context, model, prompt string, params Params) (Response, string, error) {
	var lastErr error
	for _, e := range g.entries {
		concrete, ok := e.cfg.Provider.Resolve(model)
		if !ok {
			continue
		}
		attempts := e.cfg.MaxAttempts
		if attempts < 1 {
			attempts = 1
		}
		for attempt := 0; attempt < attempts; attempt++ {
			if attempt > 0 {
				if err := g.sleep(ctx, backoff(attempt-1, e.cfg.BaseDelay, e.cfg.MaxDelay)); err != nil {
					return Response{}, "", err
				}
			}
			if err := e.limiter.Wait(ctx); err != nil {
				return Response{}, "", err
			}
			resp, err := e.cfg.Provider.Generate(ctx, concrete, prompt, params)
			if err == nil {
				e.healthy.Store(true)
				return resp, e.cfg.Provider.Name(), nil
			}
			if ctx.Err() != nil {
				return Response{}, "", ctx.Err()
			}
			e.healthy.Store(false)
			lastErr = err
		}
	}
	if lastErr != nil {
		return Response{}, "", fmt.Errorf("%w: last error: %s", ErrUnavailable, redact.Error(lastErr))
	}
	return Response{}, "", fmt.Errorf("%w: no provider resolves model %q", ErrUnavailable, model)
}

func (g *Gateway) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.clock.After(d):
		return nil
	}
}

// backoff doubles the base per attempt, capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << attempt
	if max > 0 && d > max {
		d = max
	}
	return d
}
