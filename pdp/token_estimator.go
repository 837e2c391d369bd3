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

import (
	"math"
	"strings"
)

// TokenEstimate is the result of a token count. Method is "exact" only for
// empty input; everything else is a characters-per-token estimate.
type TokenEstimate struct {
	Tokens int    `json:"tokens"`
	Method string `json:"method"`
}

// ChatMessage is one turn of a conversation for conversation-form estimates.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Per-message and base overheads for chat-format requests.
const (
	tokensPerMessage = 4
	tokensBase       = 3
)

// modelContextWindow maps known model-name prefixes to their maximum context
// size. Matched case-insensitively as substrings, most specific first.
var modelContextWindow = []struct {
	prefix string
	max    int
}{
	{"gpt-4-turbo", 128000},
	{"gpt-4-32k", 32768},
	{"gpt-4o", 128000},
	{"gpt-4", 8192},
	{"gpt-3.5-turbo-16k", 16384},
	{"gpt-3.5-turbo", 4096},
	{"claude-3", 200000},
	{"claude-2.1", 200000},
	{"claude-2", 100000},
	{"claude-instant", 100000},
	{"gemini-1.5", 1000000},
	{"gemini", 32760},
	{"palm", 8192},
	{"llama-2", 4096},
	{"mistral", 32000},
}

const defaultContextWindow = 4096

// TokenEstimator estimates token counts without tokenizing. The ratio of
// characters per token depends on the model family.
type TokenEstimator struct{}

// NewTokenEstimator creates a token estimator.
func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{}
}

// charsPerToken returns the estimation ratio for a model. PaLM and Gemini
// tokenizers pack slightly more characters per token than the GPT family.
func charsPerToken(model string) float64 {
	m := strings.ToLower(model)
	if strings.Contains(m, "palm") || strings.Contains(m, "gemini") {
		return 4.5
	}
	return 4.0
}

// Estimate returns the token estimate for a single text. Empty input is an
// exact zero.
func (e *TokenEstimator) Estimate(text, model string) TokenEstimate {
	if text == "" {
		return TokenEstimate{Tokens: 0, Method: "exact"}
	}
	tokens := int(math.Ceil(float64(len(text)) / charsPerToken(model)))
	return TokenEstimate{Tokens: tokens, Method: "estimate"}
}

// EstimateConversation estimates tokens for a chat-format request: the sum
// of per-message estimates plus a fixed per-message and base overhead.
func (e *TokenEstimator) EstimateConversation(messages []ChatMessage, model string) TokenEstimate {
	if len(messages) == 0 {
		return TokenEstimate{Tokens: 0, Method: "exact"}
	}
	total := tokensBase
	for _, msg := range messages {
		total += tokensPerMessage
		total += e.Estimate(msg.Content, model).Tokens
	}
	return TokenEstimate{Tokens: total, Method: "estimate"}
}

// MaxContextTokens returns the context window for a model, matched by known
// prefix. Unknown models fall back to a conservative default.
func (e *TokenEstimator) MaxContextTokens(model string) int {
	m := strings.ToLower(model)
	for _, entry := range modelContextWindow {
		if strings.Contains(m, entry.prefix) {
			return entry.max
		}
	}
	return defaultContextWindow
}

// MaxCompletionTokens returns the completion budget left after the prompt.
// desired <= 0 means "as much as the model allows". Never negative.
func (e *TokenEstimator) MaxCompletionTokens(promptTokens, modelMax, desired int) int {
	limit := modelMax
	if desired > 0 && desired < modelMax {
		limit = desired
	}
	remaining := modelMax - promptTokens
	if remaining < limit {
		limit = remaining
	}
	if limit < 0 {
		return 0
	}
	return limit
}
