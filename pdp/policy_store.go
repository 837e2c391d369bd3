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
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// uniqueViolation is the Postgres error code for unique constraint breaks.
const uniqueViolation = "23505"

// PolicyStore is the sole writer to durable policy state. The engine and
// the cache observe it; they never write policies themselves.
type PolicyStore struct {
	db *sql.DB
}

// NewPolicyStore wraps an open database handle.
func NewPolicyStore(db *sql.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// InitSchema creates the policies table and its indices if absent.
func (s *PolicyStore) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS policies (
		id VARCHAR(255) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		version VARCHAR(50) NOT NULL,
		namespace VARCHAR(255) NOT NULL,
		tags TEXT[] NOT NULL DEFAULT '{}',
		priority INTEGER NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL CHECK (status IN ('active', 'draft', 'deprecated')),
		rules JSONB NOT NULL,
		created_by VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(namespace, name, version)
	);

	CREATE INDEX IF NOT EXISTS idx_policies_namespace ON policies(namespace);
	CREATE INDEX IF NOT EXISTS idx_policies_status ON policies(status);
	CREATE INDEX IF NOT EXISTS idx_policies_priority ON policies(priority DESC);
	CREATE INDEX IF NOT EXISTS idx_policies_tags ON policies USING GIN(tags);
	CREATE INDEX IF NOT EXISTS idx_policies_created_at ON policies(created_at DESC);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return storeError("failed to initialize policies schema: %v", err)
	}
	return nil
}

// Create persists a new policy. A missing ID is generated; timestamps are
// set server-side of the API, not the database, so the returned policy is
// complete. A (namespace, name, version) collision is a conflict.
func (s *PolicyStore) Create(ctx context.Context, p *Policy, actor string) (*Policy, error) {
	if p == nil {
		return nil, storeError("nil policy")
	}

	stored := *p
	if stored.Metadata.ID == "" {
		stored.Metadata.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	stored.Metadata.CreatedAt = &now
	stored.Metadata.UpdatedAt = &now
	if actor != "" {
		stored.Metadata.CreatedBy = actor
	}
	if stored.Metadata.Tags == nil {
		stored.Metadata.Tags = []string{}
	}

	rulesJSON, err := json.Marshal(stored.Rules)
	if err != nil {
		return nil, storeError("failed to serialize rules: %v", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (id, name, description, version, namespace, tags, priority, status, rules, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		stored.Metadata.ID,
		stored.Metadata.Name,
		stored.Metadata.Description,
		stored.Metadata.Version,
		stored.Metadata.Namespace,
		pq.Array(stored.Metadata.Tags),
		stored.Metadata.Priority,
		string(stored.Status),
		rulesJSON,
		stored.Metadata.CreatedBy,
		now,
		now,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return nil, conflictError("policy %s/%s@%s already exists",
				stored.Metadata.Namespace, stored.Metadata.Name, stored.Metadata.Version)
		}
		return nil, storeError("failed to create policy: %v", err)
	}

	return &stored, nil
}

// FindByID fetches one policy.
func (s *PolicyStore) FindByID(ctx context.Context, id string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, selectPolicyColumns+` FROM policies WHERE id = $1`, id)
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, notFoundError("policy %s", id)
	}
	if err != nil {
		return nil, storeError("failed to load policy %s: %v", id, err)
	}
	return p, nil
}

// FindActive returns the active set in evaluation order: priority
// descending, newest first within a priority.
func (s *PolicyStore) FindActive(ctx context.Context) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, selectPolicyColumns+`
		FROM policies WHERE status = 'active'
		ORDER BY priority DESC, created_at DESC`)
	if err != nil {
		return nil, storeError("failed to load active policies: %v", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPolicies(rows)
}

// FindByNamespace returns every policy in a namespace, newest first.
func (s *PolicyStore) FindByNamespace(ctx context.Context, namespace string) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, selectPolicyColumns+`
		FROM policies WHERE namespace = $1
		ORDER BY created_at DESC`, namespace)
	if err != nil {
		return nil, storeError("failed to load policies in namespace %s: %v", namespace, err)
	}
	defer func() { _ = rows.Close() }()
	return scanPolicies(rows)
}

// List returns policies filtered by optional namespace and status, paged,
// together with the total count.
func (s *PolicyStore) List(ctx context.Context, namespace string, status PolicyStatus, limit, offset int) ([]*Policy, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	where := " WHERE 1=1"
	args := []interface{}{}
	argIndex := 1
	if namespace != "" {
		where += fmt.Sprintf(" AND namespace = $%d", argIndex)
		args = append(args, namespace)
		argIndex++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, string(status))
		argIndex++
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM policies"+where, args...).Scan(&total); err != nil {
		return nil, 0, storeError("failed to count policies: %v", err)
	}

	query := selectPolicyColumns + " FROM policies" + where +
		fmt.Sprintf(" ORDER BY priority DESC, created_at DESC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, storeError("failed to list policies: %v", err)
	}
	defer func() { _ = rows.Close() }()

	policies, err := scanPolicies(rows)
	if err != nil {
		return nil, 0, err
	}
	return policies, total, nil
}

// PolicyUpdate is a partial update. Nil fields are left unchanged; metadata
// fields merge while Rules and Status overwrite as provided.
type PolicyUpdate struct {
	Name        *string       `json:"name,omitempty"`
	Description *string       `json:"description,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	Priority    *int          `json:"priority,omitempty"`
	Status      *PolicyStatus `json:"status,omitempty"`
	Rules       []PolicyRule  `json:"rules,omitempty"`
}

// Update applies a partial update in place and returns the updated policy.
func (s *PolicyStore) Update(ctx context.Context, id string, update PolicyUpdate) (*Policy, error) {
	set := "updated_at = $1"
	args := []interface{}{time.Now().UTC()}
	argIndex := 2

	appendSet := func(column string, value interface{}) {
		set += fmt.Sprintf(", %s = $%d", column, argIndex)
		args = append(args, value)
		argIndex++
	}

	if update.Name != nil {
		appendSet("name", *update.Name)
	}
	if update.Description != nil {
		appendSet("description", *update.Description)
	}
	if update.Tags != nil {
		appendSet("tags", pq.Array(update.Tags))
	}
	if update.Priority != nil {
		appendSet("priority", *update.Priority)
	}
	if update.Status != nil {
		if !ValidStatus(*update.Status) {
			return nil, validationError("status %q is not one of active, draft, deprecated", *update.Status)
		}
		appendSet("status", string(*update.Status))
	}
	if update.Rules != nil {
		rulesJSON, err := json.Marshal(update.Rules)
		if err != nil {
			return nil, storeError("failed to serialize rules: %v", err)
		}
		appendSet("rules", rulesJSON)
	}

	query := fmt.Sprintf("UPDATE policies SET %s WHERE id = $%d", set, argIndex)
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("failed to update policy %s: %v", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, storeError("failed to update policy %s: %v", id, err)
	}
	if affected == 0 {
		return nil, notFoundError("policy %s", id)
	}

	return s.FindByID(ctx, id)
}

// Delete removes a policy.
func (s *PolicyStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return storeError("failed to delete policy %s: %v", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storeError("failed to delete policy %s: %v", id, err)
	}
	if affected == 0 {
		return notFoundError("policy %s", id)
	}
	return nil
}

// Ping verifies database reachability for the readiness probe.
func (s *PolicyStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeError("database unreachable: %v", err)
	}
	return nil
}

const selectPolicyColumns = `SELECT id, name, description, version, namespace, tags, priority, status, rules, created_by, created_at, updated_at`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var p Policy
	var tags pq.StringArray
	var status string
	var rulesJSON []byte
	var createdAt, updatedAt time.Time

	err := row.Scan(
		&p.Metadata.ID,
		&p.Metadata.Name,
		&p.Metadata.Description,
		&p.Metadata.Version,
		&p.Metadata.Namespace,
		&tags,
		&p.Metadata.Priority,
		&status,
		&rulesJSON,
		&p.Metadata.CreatedBy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Metadata.Tags = []string(tags)
	p.Status = PolicyStatus(status)
	p.Metadata.CreatedAt = &createdAt
	p.Metadata.UpdatedAt = &updatedAt
	if err := json.Unmarshal(rulesJSON, &p.Rules); err != nil {
		return nil, fmt.Errorf("corrupt rules payload: %w", err)
	}
	return &p, nil
}

func scanPolicies(rows *sql.Rows) ([]*Policy, error) {
	var policies []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, storeError("failed to scan policy row: %v", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to iterate policy rows: %v", err)
	}
	return policies, nil
}
