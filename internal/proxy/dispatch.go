package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/fluxnote/llm-gateway/internal/keypool"
	"github.com/fluxnote/llm-gateway/internal/provider"
	"github.com/fluxnote/llm-gateway/internal/provider/freetier"
	"github.com/fluxnote/llm-gateway/internal/provider/gemini"
	"github.com/fluxnote/llm-gateway/internal/provider/openai"
)

// Dispatcher selects a protocol adapter for a request. The protocol set is
// closed: one switch arm per family, selected once at request entry. Pools
// for caller credentials come from the shared registry so rotation state
// survives across requests.
type Dispatcher struct {
	pools    *keypool.Registry
	freeTier *freetier.Adapter
	breakers map[provider.Protocol]*gobreaker.CircuitBreaker

	// adapter construction knobs, overridable in tests
	retryPolicy      provider.RetryPolicy
	geminiThoughtsOK bool
}

func NewDispatcher(pools *keypool.Registry, freeTier *freetier.Adapter) *Dispatcher {
	breakers := make(map[provider.Protocol]*gobreaker.CircuitBreaker)
	for _, p := range []provider.Protocol{provider.ProtocolOpenAI, provider.ProtocolGemini, provider.ProtocolFreeTier} {
		settings := gobreaker.Settings{
			Name:        string(p),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}
		breakers[p] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Dispatcher{
		pools:       pools,
		freeTier:    freeTier,
		breakers:    breakers,
		retryPolicy: provider.DefaultRetryPolicy(),
	}
}

// WithRetryPolicy overrides the policy used for constructed adapters.
func (d *Dispatcher) WithRetryPolicy(p provider.RetryPolicy) *Dispatcher {
	d.retryPolicy = p
	return d
}

// WithGeminiThoughtFallback lets thought-only Gemini answers degrade to
// their reasoning text instead of failing hard.
func (d *Dispatcher) WithGeminiThoughtFallback(ok bool) *Dispatcher {
	d.geminiThoughtsOK = ok
	return d
}

// Pools exposes the registry for observability endpoints.
func (d *Dispatcher) Pools() *keypool.Registry { return d.pools }

// AdapterFor builds (or reuses) the adapter for one credential set.
func (d *Dispatcher) AdapterFor(creds provider.Credentials) (provider.Adapter, error) {
	switch creds.Protocol {
	case provider.ProtocolOpenAI:
		pool := d.pools.ForConfig(creds.ConfigID(), creds.APIKey)
		return openai.New(pool, creds.BaseURL, openai.WithRetryPolicy(d.retryPolicy)), nil
	case provider.ProtocolGemini:
		return gemini.New(creds.APIKey, creds.BaseURL,
			gemini.WithRetryPolicy(d.retryPolicy),
			gemini.WithThoughtFallback(d.geminiThoughtsOK)), nil
	case provider.ProtocolFreeTier:
		return d.freeTier, nil
	default:
		return nil, provider.ErrUnknownProtocol(creds.Protocol)
	}
}

// Execute runs a non-streaming completion behind the protocol's breaker.
func (d *Dispatcher) Execute(ctx context.Context, protocol provider.Protocol, a provider.Adapter, req *provider.Request) (*provider.Response, error) {
	cb := d.breakers[protocol]
	result, err := cb.Execute(func() (any, error) {
		return a.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.Response), nil
}

// ExecuteStream runs a streaming completion. The breaker observes stream
// startup and mid-stream errors; chunks are forwarded untouched.
func (d *Dispatcher) ExecuteStream(ctx context.Context, protocol provider.Protocol, a provider.Adapter, req *provider.Request) (<-chan *provider.Chunk, error) {
	cb := d.breakers[protocol]
	if cb.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("circuit breaker open for protocol %s", protocol)
	}

	upstream, err := a.CompleteStream(ctx, req)
	if err != nil {
		_, _ = cb.Execute(func() (any, error) { return nil, err })
		return nil, err
	}

	wrapped := make(chan *provider.Chunk)
	go func() {
		defer close(wrapped)
		for chunk := range upstream {
			if chunk.Err != nil {
				_, _ = cb.Execute(func() (any, error) { return nil, chunk.Err })
			}
			select {
			case wrapped <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return wrapped, nil
}
