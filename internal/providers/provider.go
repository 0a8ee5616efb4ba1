// Package providers adapts upstream LLM vendors behind a uniform Completion
// interface. Adapters translate the shared message shape into vendor calls,
// clamp temperature and token limits to catalog caps, and always compute
// cost from the catalog pricing table rather than vendor-reported figures.
package providers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/postpilot/coordinator/internal/models"
)

// DefaultTimeout bounds every provider call.
const DefaultTimeout = 60 * time.Second

// Provider is the single-operation adapter contract.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error)
}

// Pool owns the provider clients and dispatches requests to the adapter
// backing the requested model. It is one of the process-wide singletons and
// carries explicit Start/Stop hooks so tests can build fresh instances.
type Pool struct {
	catalog   *models.Catalog
	providers map[string]Provider
	limiters  map[string]*rate.Limiter
	timeout   time.Duration
	rps       float64
	logger    *zap.Logger
	started   bool
}

// PoolOptions configures the pool.
type PoolOptions struct {
	Timeout time.Duration
	// RequestsPerSecond smooths bursts toward each vendor; zero disables.
	RequestsPerSecond float64
}

// NewPool creates an empty pool; adapters are attached with Register.
func NewPool(catalog *models.Catalog, opts PoolOptions, logger *zap.Logger) *Pool {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := &Pool{
		catalog:   catalog,
		providers: make(map[string]Provider),
		limiters:  make(map[string]*rate.Limiter),
		timeout:   timeout,
		rps:       opts.RequestsPerSecond,
		logger:    logger,
	}
	return p
}

// registerLimiter builds the per-vendor smoothing limiter; zero rps means
// unlimited.
func (p *Pool) registerLimiter(name string) {
	if p.rps > 0 {
		p.limiters[name] = rate.NewLimiter(rate.Limit(p.rps), int(p.rps)+1)
	}
}

// Register attaches an adapter under its provider name.
func (p *Pool) Register(prov Provider) {
	p.providers[prov.Name()] = prov
	p.registerLimiter(prov.Name())
}

// Start marks the pool live. Adapters hold no connections of their own, so
// this only validates that every catalog provider is covered.
func (p *Pool) Start() error {
	for _, id := range p.catalog.IDs() {
		d, _ := p.catalog.Get(id)
		if _, ok := p.providers[d.Provider]; !ok {
			return fmt.Errorf("no adapter registered for provider %q (model %s)", d.Provider, id)
		}
	}
	p.started = true
	return nil
}

// Stop releases the pool. Present for symmetry with other singletons.
func (p *Pool) Stop() { p.started = false }

// Complete dispatches the request to the adapter for req.Model under the
// pool deadline. The request must already carry a routed model.
func (p *Pool) Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	d, ok := p.catalog.Get(req.Model)
	if !ok {
		return nil, &models.ValidationError{Field: "model", Reason: fmt.Sprintf("unknown model %q", req.Model)}
	}
	prov, ok := p.providers[d.Provider]
	if !ok {
		return nil, &UpstreamError{Kind: KindUnavailable, Provider: d.Provider,
			Err: fmt.Errorf("no adapter for provider %q", d.Provider)}
	}
	if lim := p.limiters[d.Provider]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, wrapTransport(d.Provider, err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := prov.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// clampRequest bounds temperature and max tokens against a descriptor.
// Temperature outside [0,2] is rejected earlier by validation; this only
// applies vendor caps.
func clampRequest(req *models.CompletionRequest, d models.Descriptor) (temperature float64, maxTokens int) {
	temperature = req.Temperature
	if temperature < 0 {
		temperature = 0
	}
	if temperature > 2 {
		temperature = 2
	}
	maxTokens = req.MaxTokens
	if maxTokens <= 0 || maxTokens > d.MaxOutputTokens {
		maxTokens = d.MaxOutputTokens
	}
	return temperature, maxTokens
}

// finalizeUsage normalizes usage: missing vendor counts fall back to the
// local estimator and the total is always prompt+completion.
func finalizeUsage(req *models.CompletionRequest, text string, usage models.TokenUsage) models.TokenUsage {
	if usage.PromptTokens <= 0 {
		usage.PromptTokens = EstimatePromptTokens(req.Messages)
	}
	if usage.CompletionTokens <= 0 && text != "" {
		usage.CompletionTokens = EstimateCompletionTokens(text)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage
}
