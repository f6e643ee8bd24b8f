// Package registry implements the Model Registry: a closed enumeration of
// (service, modelFamily) pairs, regex-based classification of raw model
// IDs, and a static price table. Grounded in the teacher's
// internal/app/router.go ResolveModel pattern, generalized from route
// resolution to family classification.
package registry

import (
	"regexp"

	gateway "github.com/arcwell/relaygate/internal"
)

// familyRule is one entry of an ordered (pattern, family) table. The first
// matching pattern wins, per spec.md §4.1 "first-match over a prioritized
// regex list per service".
type familyRule struct {
	pattern *regexp.Regexp
	family  gateway.ModelFamily
}

// Model families. Closed enumeration; unknown raw models fall back to the
// per-service default held in Registry.defaultFamily.
const (
	FamilyGPT4o          gateway.ModelFamily = "openai-gpt4o"
	FamilyGPTReasoning   gateway.ModelFamily = "openai-reasoning" // o1/o3/gpt-5 class
	FamilyGPTLegacy      gateway.ModelFamily = "openai-legacy"
	FamilyGPTImage       gateway.ModelFamily = "openai-image"
	FamilyDallE          gateway.ModelFamily = "dall-e"
	FamilyClaudeOpus     gateway.ModelFamily = "claude-opus"
	FamilyClaudeSonnet   gateway.ModelFamily = "claude-sonnet"
	FamilyClaudeHaiku    gateway.ModelFamily = "claude-haiku"
	FamilyClaudeLegacy   gateway.ModelFamily = "claude-legacy"
	FamilyGeminiPro      gateway.ModelFamily = "gemini-pro"
	FamilyGeminiFlash    gateway.ModelFamily = "gemini-flash"
	FamilyMistralLarge   gateway.ModelFamily = "mistral-large"
	FamilyMistralSmall   gateway.ModelFamily = "mistral-small"
	FamilyOllamaDefault  gateway.ModelFamily = "ollama-default"
	FamilyUnknownDefault gateway.ModelFamily = "unknown"
)

// Registry holds the compiled classification tables and price table.
// Both are built once at construction and never mutated, so Registry
// requires no synchronization.
type Registry struct {
	tables map[gateway.Service][]familyRule
	prices map[gateway.ModelFamily]gateway.Price
	defaultFamily map[gateway.Service]gateway.ModelFamily
}

// New compiles the classification tables and price table.
func New() *Registry {
	r := &Registry{
		prices: map[gateway.ModelFamily]gateway.Price{
			FamilyGPT4o:        {InputPerM: 2.50, OutputPerM: 10.00},
			FamilyGPTReasoning: {InputPerM: 15.00, OutputPerM: 60.00},
			FamilyGPTLegacy:    {InputPerM: 0.50, OutputPerM: 1.50},
			FamilyGPTImage:     {PerImage: 0.04},
			FamilyDallE:        {PerImage: 0.02},
			FamilyClaudeOpus:   {InputPerM: 15.00, OutputPerM: 75.00},
			FamilyClaudeSonnet: {InputPerM: 3.00, OutputPerM: 15.00},
			FamilyClaudeHaiku:  {InputPerM: 0.80, OutputPerM: 4.00},
			FamilyClaudeLegacy: {InputPerM: 8.00, OutputPerM: 24.00},
			FamilyGeminiPro:    {InputPerM: 1.25, OutputPerM: 5.00},
			FamilyGeminiFlash:  {InputPerM: 0.075, OutputPerM: 0.30},
			FamilyMistralLarge: {InputPerM: 2.00, OutputPerM: 6.00},
			FamilyMistralSmall: {InputPerM: 0.20, OutputPerM: 0.60},
			FamilyOllamaDefault: {InputPerM: 0, OutputPerM: 0},
			FamilyUnknownDefault: {InputPerM: 0, OutputPerM: 0},
		},
		defaultFamily: map[gateway.Service]gateway.ModelFamily{
			gateway.ServiceOpenAI:    FamilyGPTLegacy,
			gateway.ServiceAnthropic: FamilyClaudeLegacy,
			gateway.ServiceGoogle:    FamilyGeminiFlash,
			gateway.ServiceMistral:   FamilyMistralSmall,
			gateway.ServiceOllama:    FamilyOllamaDefault,
		},
	}
	r.tables = map[gateway.Service][]familyRule{
		gateway.ServiceOpenAI: {
			{regexp.MustCompile(`(?i)^(dall-e)`), FamilyDallE},
			{regexp.MustCompile(`(?i)^(gpt-image)`), FamilyGPTImage},
			{regexp.MustCompile(`(?i)^(o1|o3|gpt-5)`), FamilyGPTReasoning},
			{regexp.MustCompile(`(?i)^gpt-4o`), FamilyGPT4o},
			{regexp.MustCompile(`(?i)^gpt-4`), FamilyGPT4o},
			{regexp.MustCompile(`(?i)^gpt-3`), FamilyGPTLegacy},
		},
		gateway.ServiceAnthropic: {
			{regexp.MustCompile(`(?i)opus`), FamilyClaudeOpus},
			{regexp.MustCompile(`(?i)sonnet`), FamilyClaudeSonnet},
			{regexp.MustCompile(`(?i)haiku`), FamilyClaudeHaiku},
			{regexp.MustCompile(`(?i)^claude-[12]`), FamilyClaudeLegacy},
		},
		gateway.ServiceGoogle: {
			{regexp.MustCompile(`(?i)gemini.*pro`), FamilyGeminiPro},
			{regexp.MustCompile(`(?i)gemini.*flash`), FamilyGeminiFlash},
		},
		gateway.ServiceMistral: {
			{regexp.MustCompile(`(?i)large`), FamilyMistralLarge},
			{regexp.MustCompile(`(?i)small|tiny|ministral`), FamilyMistralSmall},
		},
	}
	return r
}

// Family classifies a raw upstream model ID into a ModelFamily for the
// given service. Unknown models fall back to a per-service default.
func (r *Registry) Family(service gateway.Service, rawModel string) gateway.ModelFamily {
	for _, rule := range r.tables[service] {
		if rule.pattern.MatchString(rawModel) {
			return rule.family
		}
	}
	if def, ok := r.defaultFamily[service]; ok {
		return def
	}
	return FamilyUnknownDefault
}

// PriceOf returns the price table entry for a family.
func (r *Registry) PriceOf(family gateway.ModelFamily) gateway.Price {
	if p, ok := r.prices[family]; ok {
		return p
	}
	return gateway.Price{}
}

// AllFamilies returns every family in the closed enumeration.
func (r *Registry) AllFamilies() []gateway.ModelFamily {
	out := make([]gateway.ModelFamily, 0, len(r.prices))
	for f := range r.prices {
		out = append(out, f)
	}
	return out
}

// IsImageFamily reports whether a family is priced per-image rather than
// per-token, per spec.md §4.1.
func (r *Registry) IsImageFamily(family gateway.ModelFamily) bool {
	return r.prices[family].PerImage > 0
}
