// Package usage accumulates per-agent token usage and cost from the
// stream-json output of claude CLI sessions.
package usage

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/archhq/arch/internal/log"
)

// Rates holds per-million-token prices in USD for one model.
type Rates struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheRead  float64 `yaml:"cache_read"`
	CacheWrite float64 `yaml:"cache_write"`
}

// Pricing maps model ids to their rates.
type Pricing map[string]Rates

// FallbackModel is used to price usage from models with no pricing entry.
const FallbackModel = "claude-sonnet-4-6"

// DefaultPricing returns the compiled-in rate table, used when no
// pricing.yaml is available.
func DefaultPricing() Pricing {
	return Pricing{
		"claude-opus-4-5":   {Input: 15.00, Output: 75.00, CacheRead: 1.50, CacheWrite: 18.75},
		"claude-opus-4-6":   {Input: 15.00, Output: 75.00, CacheRead: 1.50, CacheWrite: 18.75},
		"claude-sonnet-4-5": {Input: 3.00, Output: 15.00, CacheRead: 0.30, CacheWrite: 3.75},
		"claude-sonnet-4-6": {Input: 3.00, Output: 15.00, CacheRead: 0.30, CacheWrite: 3.75},
		"claude-haiku-4-5":  {Input: 0.80, Output: 4.00, CacheRead: 0.08, CacheWrite: 1.00},
	}
}

// LoadPricing reads a pricing table from a YAML file. A missing or invalid
// file falls back to the compiled-in defaults.
func LoadPricing(path string) Pricing {
	if path == "" {
		return DefaultPricing()
	}

	buf, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied pricing file
	if err != nil {
		return DefaultPricing()
	}

	var p Pricing
	if err := yaml.Unmarshal(buf, &p); err != nil || !p.valid() {
		log.Warn(log.CatUsage, "Invalid pricing file, using defaults", "path", path, "error", err)
		return DefaultPricing()
	}
	return p
}

// valid reports whether the table is usable. YAML garbage like ":::" parses
// without error into a map with junk keys and all-zero rates, which would
// price every turn at $0.
func (p Pricing) valid() bool {
	if len(p) == 0 {
		return false
	}
	for model, r := range p {
		if model == "" {
			return false
		}
		if r.Input <= 0 && r.Output <= 0 && r.CacheRead <= 0 && r.CacheWrite <= 0 {
			return false
		}
	}
	return true
}

// Event is the token usage from one turn of a claude session.
type Event struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
}

// Cost prices a single turn in USD, rounded to six fractional digits.
// Unknown models are priced at the fallback model's rates.
func (p Pricing) Cost(model string, ev Event) float64 {
	rates, ok := p[model]
	if !ok {
		log.Warn(log.CatUsage, "Unknown model, using fallback pricing", "model", model, "fallback", FallbackModel)
		rates, ok = p[FallbackModel]
		if !ok {
			log.Error(log.CatUsage, "No pricing available", "model", model)
			return 0
		}
	}

	cost := float64(ev.InputTokens)/1e6*rates.Input +
		float64(ev.OutputTokens)/1e6*rates.Output +
		float64(ev.CacheReadTokens)/1e6*rates.CacheRead +
		float64(ev.CacheCreationTokens)/1e6*rates.CacheWrite

	return round6(cost)
}

// round6 rounds to six fractional digits to keep accumulated costs free of
// floating point noise.
func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// String renders rates for debug logging.
func (r Rates) String() string {
	return fmt.Sprintf("in=%.2f out=%.2f cr=%.2f cw=%.2f", r.Input, r.Output, r.CacheRead, r.CacheWrite)
}
