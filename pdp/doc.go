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

/*
Package pdp implements the ModelGate Policy Decision Point - the service
that decides whether a request to an LLM provider should be allowed,
denied, warned about, or modified.

# Overview

Callers submit an evaluation context (model, prompt, user, team, project,
request metadata) together with an optional subset of policy IDs. The PDP
returns a decision with the list of matched policies and rules, a reason,
and an optional trace of rule-level evaluations.

The PDP is a decision point, not an enforcement point: it never calls an
LLM provider and never rewrites the caller's request itself.

# Architecture

A single evaluation flows through the following pipeline:

	Request → Cache → Policy Store → Engine (enrich → evaluate → aggregate) → Audit

The engine enriches the context with derived fields (estimated tokens, PII
flags, estimated cost), evaluates each enabled rule's condition tree, and
folds per-rule decisions with the precedence deny > modify > warn > allow.
A deny short-circuits the remaining policies.

# Caching

Decisions are cached in two tiers: a bounded in-process LRU with per-entry
TTL, layered over Redis. The cache key is a SHA-256 fingerprint of the
canonical JSON of the context plus the sorted policy IDs, so the same
request is served from cache regardless of policy ID order. Cache failures
never fail a request; they degrade to a miss.

# Persistence

Policies and evaluation records live in PostgreSQL. The policy store is the
sole writer to durable policy state; the engine holds a snapshot of the
active set and refreshes it on mutation and on a background ticker.
*/
package pdp
