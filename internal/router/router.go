// Package router routes logical requests through an ordered list of
// providers, each guarded by its own circuit breaker, stopping at the
// first acceptable result.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentops/dispatch/internal/breaker"
	"github.com/agentops/dispatch/internal/config"
	"github.com/agentops/dispatch/internal/metrics"
)

var (
	// ErrAllProvidersExhausted is returned when every candidate
	// provider was skipped or failed.
	ErrAllProvidersExhausted = errors.New("all providers exhausted")

	// ErrProviderTimeout marks a provider call aborted by its
	// configured timeout.
	ErrProviderTimeout = errors.New("provider timed out")
)

// Request is a logical request to route.
type Request struct {
	// Category selects a per-category provider preference, when one is
	// configured.
	Category string

	Prompt   string
	Metadata map[string]string
}

// Response is one provider's answer.
type Response struct {
	Provider   string  `json:"provider"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// Provider is an external dependency reachable through the router.
// Implementations live outside the core; the router only sequences and
// guards them.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Attempt outcomes.
const (
	OutcomeSkipped       = "skipped"
	OutcomeFailed        = "failed"
	OutcomeLowConfidence = "low_confidence"
	OutcomeSuccess       = "success"
)

// Attempt records what happened with one candidate provider.
type Attempt struct {
	Provider string `json:"provider"`
	Outcome  string `json:"outcome"`
	Err      string `json:"error,omitempty"`
}

// Result is a routing outcome: the winning response plus the attempt
// trail that produced it.
type Result struct {
	Response Response  `json:"response"`
	Provider string    `json:"provider"`
	Attempts []Attempt `json:"attempts"`

	// LowConfidence marks a best-effort result returned after every
	// provider fell below the confidence threshold.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// Router tries providers in priority order, each call guarded by its
// breaker, falling back on error, timeout or low confidence per policy.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider

	configs       map[string]config.ProviderConfig
	priority      []string
	categoryPrefs map[string][]string
	policy        config.FallbackPolicy

	breakers *breaker.Manager
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics wires Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// New creates a router over the given provider configuration. Provider
// implementations are attached afterwards with Register; a configured
// provider with no implementation is skipped at routing time.
func New(routing config.RoutingConfig, providers []config.ProviderConfig, breakers *breaker.Manager, opts ...Option) *Router {
	configs := make(map[string]config.ProviderConfig, len(providers))
	for _, p := range providers {
		configs[p.Name] = p
	}

	r := &Router{
		providers:     make(map[string]Provider),
		configs:       configs,
		priority:      append([]string(nil), routing.Priority...),
		categoryPrefs: routing.CategoryPreferences,
		policy:        routing.Fallback,
		breakers:      breakers,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register attaches a provider implementation.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Route resolves the effective provider ordering, then tries each
// candidate in turn. The explicit preference wins over the category
// override, which wins over the global priority list. Returns the first
// acceptable response along with the attempt trail.
func (r *Router) Route(ctx context.Context, req Request, preference ...string) (*Result, error) {
	order := r.resolveOrder(req.Category, preference)
	if len(order) == 0 {
		return nil, fmt.Errorf("%w: no enabled providers for request", ErrAllProvidersExhausted)
	}

	var (
		attempts []Attempt
		bestLow  *Response
		lastErr  error
	)

	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cfg := r.configs[name]
		provider := r.provider(name)
		cb := r.breakers.Get(name)

		resp, err := r.tryProvider(ctx, cb, provider, cfg, req)
		switch {
		case errors.Is(err, breaker.ErrCircuitOpen):
			// Breaker rejected without a call being attempted.
			attempts = append(attempts, Attempt{Provider: name, Outcome: OutcomeSkipped, Err: err.Error()})
			r.metrics.RouterAttempt(name, OutcomeSkipped)
			lastErr = err
			continue

		case err != nil:
			attempts = append(attempts, Attempt{Provider: name, Outcome: OutcomeFailed, Err: err.Error()})
			r.metrics.RouterAttempt(name, OutcomeFailed)
			lastErr = err
			r.logger.Warn("provider attempt failed", "provider", name, "error", err)

			timedOut := errors.Is(err, ErrProviderTimeout)
			if timedOut && !r.policy.FallbackOnTimeout {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			if !timedOut && !r.policy.FallbackOnError {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}

		default:
			if r.policy.FallbackOnLowConf && resp.Confidence < r.policy.ConfidenceThreshold {
				// Nominal success treated as a fallback trigger; keep
				// the best-scoring response as a last resort.
				attempts = append(attempts, Attempt{Provider: name, Outcome: OutcomeLowConfidence})
				r.metrics.RouterAttempt(name, OutcomeLowConfidence)
				if bestLow == nil || resp.Confidence > bestLow.Confidence {
					cp := resp
					bestLow = &cp
				}
			} else {
				attempts = append(attempts, Attempt{Provider: name, Outcome: OutcomeSuccess})
				r.metrics.RouterAttempt(name, OutcomeSuccess)
				return &Result{Response: resp, Provider: name, Attempts: attempts}, nil
			}
		}

		if !r.policy.EnableFallback {
			break
		}
	}

	if r.policy.FallbackOnLowConf && r.policy.BestEffort && bestLow != nil {
		// Best-effort policy: a degraded answer beats a hard failure.
		return &Result{
			Response:      *bestLow,
			Provider:      bestLow.Provider,
			Attempts:      attempts,
			LowConfidence: true,
		}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrAllProvidersExhausted, len(attempts), lastErr)
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrAllProvidersExhausted, len(attempts))
}

// resolveOrder returns the effective candidate list: explicit
// preference, else category override, else global priority, filtered to
// enabled providers with registered implementations.
func (r *Router) resolveOrder(category string, preference []string) []string {
	order := preference
	if len(order) == 0 && category != "" {
		order = r.categoryPrefs[category]
	}
	if len(order) == 0 {
		order = r.priority
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	filtered := make([]string, 0, len(order))
	for _, name := range order {
		cfg, ok := r.configs[name]
		if !ok || !cfg.Enabled {
			continue
		}
		if _, registered := r.providers[name]; !registered {
			continue
		}
		filtered = append(filtered, name)
	}
	return filtered
}

func (r *Router) provider(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// tryProvider calls one provider through its breaker, retrying
// transient failures within the provider up to its configured retry
// budget before giving up on it.
func (r *Router) tryProvider(ctx context.Context, cb *breaker.Breaker, p Provider, cfg config.ProviderConfig, req Request) (Response, error) {
	var resp Response

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		result, err := cb.Execute(func() (any, error) {
			return r.invokeOnce(ctx, p, cfg, req)
		})
		if err != nil {
			// Breaker rejection: retrying immediately cannot help.
			if errors.Is(err, breaker.ErrCircuitOpen) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		resp = result.(Response)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	retries := uint64(0)
	if cfg.MaxRetries > 1 {
		retries = uint64(cfg.MaxRetries - 1)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx)

	if err := backoff.Retry(operation, bo); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// invokeOnce runs a single provider call under the configured timeout.
// A deadline hit is surfaced as ErrProviderTimeout and counts as a
// breaker failure like any other error.
func (r *Router) invokeOnce(ctx context.Context, p Provider, cfg config.ProviderConfig, req Request) (Response, error) {
	callCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout.Std())
		defer cancel()
	}

	resp, err := p.Invoke(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Response{}, fmt.Errorf("%w after %s: %v", ErrProviderTimeout, cfg.Timeout.Std(), err)
		}
		return Response{}, err
	}

	resp.Provider = p.Name()
	return resp, nil
}
