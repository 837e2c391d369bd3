// Copyright 2025 ModelGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pdp

import "strings"

// ModelPricing holds per-1K-token rates for one provider/model pair.
// LLM provider pricing as of late 2025, USD.
type ModelPricing struct {
	Provider            string  `json:"provider"`
	Model               string  `json:"model"`
	PromptCostPer1K     float64 `json:"prompt_cost_per_1k"`
	CompletionCostPer1K float64 `json:"completion_cost_per_1k"`
	Currency            string  `json:"currency"`
}

// defaultPricing is the conservative fallback for unknown provider/model
// combinations.
var defaultPricing = ModelPricing{
	PromptCostPer1K:     0.01,
	CompletionCostPer1K: 0.03,
	Currency:            "USD",
}

// pricingTable is ordered so that substring fallback within a provider picks
// the first (most specific) entry.
var pricingTable = []ModelPricing{
	{"openai", "gpt-4-turbo", 0.01, 0.03, "USD"},
	{"openai", "gpt-4-32k", 0.06, 0.12, "USD"},
	{"openai", "gpt-4o", 0.005, 0.015, "USD"},
	{"openai", "gpt-4", 0.03, 0.06, "USD"},
	{"openai", "gpt-3.5-turbo-16k", 0.003, 0.004, "USD"},
	{"openai", "gpt-3.5-turbo", 0.0005, 0.0015, "USD"},
	{"anthropic", "claude-3-opus", 0.015, 0.075, "USD"},
	{"anthropic", "claude-3-5-sonnet", 0.003, 0.015, "USD"},
	{"anthropic", "claude-3-sonnet", 0.003, 0.015, "USD"},
	{"anthropic", "claude-3-haiku", 0.00025, 0.00125, "USD"},
	{"anthropic", "claude-2", 0.008, 0.024, "USD"},
	{"google", "gemini-1.5-pro", 0.0035, 0.0105, "USD"},
	{"google", "gemini-pro", 0.000125, 0.000375, "USD"},
	{"google", "palm-2", 0.0005, 0.0005, "USD"},
	{"bedrock", "claude-3-sonnet", 0.003, 0.015, "USD"},
	{"bedrock", "titan-text-express", 0.0002, 0.0006, "USD"},
	{"mistral", "mistral-large", 0.004, 0.012, "USD"},
	{"mistral", "mistral-small", 0.001, 0.003, "USD"},
}

// CostEstimator estimates request cost from token counts and a static
// pricing table keyed by lowercase provider and model.
type CostEstimator struct {
	exact   map[string]ModelPricing
	ordered []ModelPricing
}

// NewCostEstimator builds an estimator over the built-in pricing table.
func NewCostEstimator() *CostEstimator {
	e := &CostEstimator{
		exact:   make(map[string]ModelPricing, len(pricingTable)),
		ordered: pricingTable,
	}
	for _, p := range pricingTable {
		e.exact[pricingKey(p.Provider, p.Model)] = p
	}
	return e
}

func pricingKey(provider, model string) string {
	return strings.ToLower(provider) + ":" + strings.ToLower(model)
}

// Pricing resolves the rates for a provider/model pair. Lookup order: exact
// match, then the first entry for the provider whose model name is a
// case-insensitive substring of the requested model, then the default.
func (e *CostEstimator) Pricing(provider, model string) ModelPricing {
	if p, ok := e.exact[pricingKey(provider, model)]; ok {
		return p
	}

	providerLower := strings.ToLower(provider)
	modelLower := strings.ToLower(model)
	for _, p := range e.ordered {
		if p.Provider == providerLower && strings.Contains(modelLower, strings.ToLower(p.Model)) {
			return p
		}
	}

	return defaultPricing
}

// Cost returns the estimated cost for a request in the pricing currency.
func (e *CostEstimator) Cost(provider, model string, promptTokens, completionTokens int) float64 {
	p := e.Pricing(provider, model)
	return float64(promptTokens)/1000*p.PromptCostPer1K +
		float64(completionTokens)/1000*p.CompletionCostPer1K
}
