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

// Package main is the entry point for the ModelGate Policy Decision Point.
//
// The PDP evaluates LLM provider requests against declarative policies and
// returns allow, deny, warn, or modify decisions. It serves:
// - Decision endpoints: evaluate, batch evaluate, and simulate
// - Policy management: CRUD plus document validation
// - Audit queries over the evaluation trail
//
// Usage:
//
//	./pdp
//
// Environment Variables:
//
//	PDP_PORT - HTTP server port (default: 8080)
//	DATABASE_URL - PostgreSQL connection string (required)
//	REDIS_URL - Redis URL for the shared cache tier (optional)
//	CACHE_ENABLED - enable the decision cache (default: true)
//	AUTH_ENABLED - require Bearer JWTs (default: false)
//	RATE_LIMIT_ENABLED - per-caller rate limiting (default: false)
package main

import (
	"modelgate/platform/pdp"
)

func main() {
	pdp.Run()
}
