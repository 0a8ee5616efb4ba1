package models

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Model tiers
const (
	TierPremium   = "premium"
	TierEfficient = "efficient"
)

// Well-known model identifiers in the default catalog.
const (
	ModelGPT4oMini    = "gpt-4o-mini"
	ModelGPT4o        = "gpt-4o"
	ModelClaudeHaiku  = "claude-3-5-haiku"
	ModelClaudeSonnet = "claude-sonnet-4"
)

// Providers backing catalog models.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Descriptor describes a routable model: its tier, per-million-token prices
// and vendor-reported caps. The catalog is the sole source of cost figures;
// vendor-reported costs are never trusted.
type Descriptor struct {
	ID              string  `json:"id" yaml:"id"`
	Provider        string  `json:"provider" yaml:"provider"`
	Tier            string  `json:"tier" yaml:"tier"`
	InputPerMtok    float64 `json:"input_price_per_mtok" yaml:"input_per_mtok"`
	OutputPerMtok   float64 `json:"output_price_per_mtok" yaml:"output_per_mtok"`
	MaxOutputTokens int     `json:"max_output_tokens" yaml:"max_output_tokens"`
	ContextWindow   int     `json:"context_window" yaml:"context_window"`
}

// CombinedPerMtok is the blend used when ranking models by cheapness.
func (d Descriptor) CombinedPerMtok() float64 {
	return (d.InputPerMtok + d.OutputPerMtok) / 2
}

// Catalog is the process-wide model descriptor table. It is immutable after
// construction except through Reload, which swaps the table atomically.
type Catalog struct {
	mu   sync.RWMutex
	byID map[string]Descriptor
}

func defaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			ID: ModelGPT4oMini, Provider: ProviderOpenAI, Tier: TierEfficient,
			InputPerMtok: 0.15, OutputPerMtok: 0.60,
			MaxOutputTokens: 16384, ContextWindow: 128000,
		},
		{
			ID: ModelClaudeHaiku, Provider: ProviderAnthropic, Tier: TierEfficient,
			InputPerMtok: 0.80, OutputPerMtok: 4.00,
			MaxOutputTokens: 8192, ContextWindow: 200000,
		},
		{
			ID: ModelGPT4o, Provider: ProviderOpenAI, Tier: TierPremium,
			InputPerMtok: 2.50, OutputPerMtok: 10.00,
			MaxOutputTokens: 16384, ContextWindow: 128000,
		},
		{
			ID: ModelClaudeSonnet, Provider: ProviderAnthropic, Tier: TierPremium,
			InputPerMtok: 3.00, OutputPerMtok: 15.00,
			MaxOutputTokens: 64000, ContextWindow: 200000,
		},
	}
}

// NewCatalog builds the default catalog.
func NewCatalog() *Catalog {
	c := &Catalog{byID: make(map[string]Descriptor)}
	for _, d := range defaultDescriptors() {
		c.byID[d.ID] = d
	}
	return c
}

// NewCatalogFromFile builds the default catalog and applies overrides from a
// models.yaml file. Missing file is not an error; the defaults stand.
func NewCatalogFromFile(path string) (*Catalog, error) {
	c := NewCatalog()
	if path == "" {
		return c, nil
	}
	if err := c.LoadOverrides(path); err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	return c, nil
}

type catalogFile struct {
	Models []Descriptor `yaml:"models"`
}

// LoadOverrides merges descriptors from a yaml file into the catalog.
// Entries replace same-ID defaults; new IDs are added. Invalid entries
// reject the whole file so a bad reload never clears pricing.
func (c *Catalog) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse model catalog %s: %w", path, err)
	}
	for _, d := range f.Models {
		if err := validateDescriptor(d); err != nil {
			return fmt.Errorf("model catalog %s: %w", path, err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range f.Models {
		c.byID[d.ID] = d
	}
	return nil
}

func validateDescriptor(d Descriptor) error {
	if d.ID == "" {
		return fmt.Errorf("model id is required")
	}
	if d.Tier != TierPremium && d.Tier != TierEfficient {
		return fmt.Errorf("model %s: unknown tier %q", d.ID, d.Tier)
	}
	if d.InputPerMtok < 0 || d.OutputPerMtok < 0 {
		return fmt.Errorf("model %s: negative pricing", d.ID)
	}
	return nil
}

// Get returns the descriptor for a model ID.
func (c *Catalog) Get(id string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byID[id]
	return d, ok
}

// Tier returns the descriptors of a tier ordered by ID so that routing
// alternation is deterministic.
func (c *Catalog) Tier(tier string) []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Descriptor
	for _, d := range c.byID {
		if d.Tier == tier {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheapestEfficient returns the efficient model with the lowest combined
// per-token price.
func (c *Catalog) CheapestEfficient() (Descriptor, bool) {
	tier := c.Tier(TierEfficient)
	if len(tier) == 0 {
		return Descriptor{}, false
	}
	best := tier[0]
	for _, d := range tier[1:] {
		if d.CombinedPerMtok() < best.CombinedPerMtok() {
			best = d
		}
	}
	return best, true
}

// Cost computes USD cost for a token split against the catalog prices.
// Unknown models cost zero; the caller decides whether that is an error.
func (c *Catalog) Cost(model string, promptTokens, completionTokens int) float64 {
	d, ok := c.Get(model)
	if !ok {
		return 0
	}
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	return (float64(promptTokens)*d.InputPerMtok + float64(completionTokens)*d.OutputPerMtok) / 1e6
}

// IDs returns all model IDs in deterministic order.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byID))
	for id := range c.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
