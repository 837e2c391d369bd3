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
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"modelgate/platform/shared/logger"
)

// AuditLog records every non-dry-run evaluation to the policy_evaluations
// table. Writes go through a bounded queue and a batch writer so the
// decision path never blocks on the database; when the queue is full the
// record is dropped and counted, never the request.
type AuditLog struct {
	db        *sql.DB
	queue     chan *EvaluationRecord
	batchSize int
	metrics   *Metrics
	log       *logger.Logger

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewAuditLog starts the background writer. queueSize and batchSize fall
// back to the configured defaults when non-positive.
func NewAuditLog(db *sql.DB, queueSize, batchSize int, metrics *Metrics) *AuditLog {
	if queueSize <= 0 {
		queueSize = defaultAuditQueueSize
	}
	if batchSize <= 0 {
		batchSize = defaultAuditBatchSize
	}
	a := &AuditLog{
		db:        db,
		queue:     make(chan *EvaluationRecord, queueSize),
		batchSize: batchSize,
		metrics:   metrics,
		log:       logger.New("audit-log"),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	go a.run()
	return a
}

// InitSchema creates the policy_evaluations table and indices if absent.
func (a *AuditLog) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS policy_evaluations (
		id VARCHAR(255) PRIMARY KEY,
		request_id VARCHAR(255) NOT NULL,
		decision VARCHAR(20) NOT NULL,
		allowed BOOLEAN NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		policy_ids TEXT[] NOT NULL DEFAULT '{}',
		matched_policies TEXT[] NOT NULL DEFAULT '{}',
		matched_rules TEXT[] NOT NULL DEFAULT '{}',
		modifications JSONB,
		trace JSONB,
		evaluation_time_ms DOUBLE PRECISION NOT NULL,
		cached BOOLEAN NOT NULL DEFAULT FALSE,
		user_id VARCHAR(255) NOT NULL DEFAULT '',
		team_id VARCHAR(255) NOT NULL DEFAULT '',
		project_id VARCHAR(255) NOT NULL DEFAULT '',
		context JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_evaluations_request_id ON policy_evaluations(request_id);
	CREATE INDEX IF NOT EXISTS idx_evaluations_decision ON policy_evaluations(decision);
	CREATE INDEX IF NOT EXISTS idx_evaluations_user_id ON policy_evaluations(user_id);
	CREATE INDEX IF NOT EXISTS idx_evaluations_created_at ON policy_evaluations(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_evaluations_policies ON policy_evaluations USING GIN(matched_policies);
	`
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return storeError("failed to initialize audit schema: %v", err)
	}
	return nil
}

// Record enqueues an evaluation outcome. Non-blocking: a full queue drops
// the record and increments the drop counter.
func (a *AuditLog) Record(req *EvaluationRequest, resp *EvaluationResponse) {
	if a == nil || req == nil || resp == nil {
		return
	}

	record := &EvaluationRecord{
		ID:               uuid.New().String(),
		RequestID:        resp.RequestID,
		PolicyIDs:        req.Policies,
		MatchedPolicyIDs: resp.Decision.MatchedPolicies,
		MatchedRuleIDs:   resp.Decision.MatchedRules,
		Decision:         resp.Decision.Decision,
		Allowed:          resp.Decision.Allowed,
		Reason:           resp.Decision.Reason,
		Context:          req.Context,
		Modifications:    resp.Decision.Modifications,
		EvaluationTimeMs: resp.Decision.EvaluationTimeMs,
		Trace:            resp.Decision.Trace,
		Cached:           resp.Cached,
		CreatedAt:        time.Now().UTC(),
		UserID:           req.Context.stringAt("user.id"),
		TeamID:           scopeID(req.Context, "user.teamId", "team.id"),
		ProjectID:        scopeID(req.Context, "user.projectId", "project.id"),
	}

	select {
	case a.queue <- record:
	default:
		a.metrics.auditDropped()
		a.log.Warn("", record.RequestID, "audit queue full, dropping record", nil)
	}
}

// scopeID resolves a scope identifier, preferring the user subtree and
// falling back to the top-level scope subtree.
func scopeID(ctx EvaluationContext, primary, fallback string) string {
	if id := ctx.stringAt(primary); id != "" {
		return id
	}
	return ctx.stringAt(fallback)
}

// run drains the queue into batches, flushing on size or every 5 seconds.
func (a *AuditLog) run() {
	defer close(a.done)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	batch := make([]*EvaluationRecord, 0, a.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := a.writeBatch(batch); err != nil {
			a.log.Error("", "", "failed to write audit batch", map[string]interface{}{
				"count": len(batch),
				"error": err.Error(),
			})
		}
		batch = batch[:0]
	}

	for {
		select {
		case record := <-a.queue:
			batch = append(batch, record)
			if len(batch) >= a.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.shutdown:
			for {
				select {
				case record := <-a.queue:
					batch = append(batch, record)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (a *AuditLog) writeBatch(records []*EvaluationRecord) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO policy_evaluations
		(id, request_id, decision, allowed, reason, policy_ids, matched_policies, matched_rules,
		 modifications, trace, evaluation_time_ms, cached, user_id, team_id, project_id, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		contextJSON, err := json.Marshal(r.Context)
		if err != nil {
			contextJSON = []byte("{}")
		}
		var modsJSON []byte
		if len(r.Modifications) > 0 {
			modsJSON, _ = json.Marshal(r.Modifications)
		}
		var traceJSON []byte
		if r.Trace != nil {
			traceJSON, _ = json.Marshal(r.Trace)
		}
		if _, err := stmt.Exec(
			r.ID, r.RequestID, string(r.Decision), r.Allowed, r.Reason,
			pq.Array(r.PolicyIDs), pq.Array(r.MatchedPolicyIDs), pq.Array(r.MatchedRuleIDs),
			modsJSON, traceJSON, r.EvaluationTimeMs, r.Cached, r.UserID, r.TeamID, r.ProjectID,
			contextJSON, r.CreatedAt,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// Close flushes whatever is queued and stops the writer.
func (a *AuditLog) Close() {
	a.once.Do(func() {
		close(a.shutdown)
		<-a.done
	})
}

// EvaluationFilter narrows audit queries. Zero values mean "any".
type EvaluationFilter struct {
	RequestID string
	UserID    string
	Decision  Decision
	PolicyIDs []string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

const selectEvaluationColumns = `SELECT id, request_id, decision, allowed, reason, policy_ids, matched_policies, matched_rules,
	modifications, trace, evaluation_time_ms, cached, user_id, team_id, project_id, context, created_at`

// FindByRequestID returns every record for a request, newest first.
func (a *AuditLog) FindByRequestID(ctx context.Context, requestID string) ([]*EvaluationRecord, error) {
	return a.Find(ctx, EvaluationFilter{RequestID: requestID})
}

// FindByPolicyID returns records where the policy was among the matches.
func (a *AuditLog) FindByPolicyID(ctx context.Context, policyID string, limit int) ([]*EvaluationRecord, error) {
	return a.Find(ctx, EvaluationFilter{PolicyIDs: []string{policyID}, Limit: limit})
}

// Find queries the audit trail with the given filter.
func (a *AuditLog) Find(ctx context.Context, filter EvaluationFilter) ([]*EvaluationRecord, error) {
	var conditions []string
	var args []interface{}
	argIndex := 1

	add := func(clause string, value interface{}) {
		conditions = append(conditions, fmt.Sprintf(clause, argIndex))
		args = append(args, value)
		argIndex++
	}

	if filter.RequestID != "" {
		add("request_id = $%d", filter.RequestID)
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Decision != "" {
		add("decision = $%d", string(filter.Decision))
	}
	if len(filter.PolicyIDs) > 0 {
		add("matched_policies && $%d", pq.Array(filter.PolicyIDs))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}

	query := selectEvaluationColumns + " FROM policy_evaluations"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argIndex)
	args = append(args, limit)
	argIndex++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filter.Offset)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("failed to query evaluations: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*EvaluationRecord
	for rows.Next() {
		r, err := scanEvaluation(rows)
		if err != nil {
			return nil, storeError("failed to scan evaluation row: %v", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to iterate evaluation rows: %v", err)
	}
	return records, nil
}

func scanEvaluation(rows *sql.Rows) (*EvaluationRecord, error) {
	var r EvaluationRecord
	var decision string
	var policyIDs, matchedPolicies, matchedRules pq.StringArray
	var contextJSON, modsJSON, traceJSON []byte

	err := rows.Scan(
		&r.ID, &r.RequestID, &decision, &r.Allowed, &r.Reason,
		&policyIDs, &matchedPolicies, &matchedRules,
		&modsJSON, &traceJSON, &r.EvaluationTimeMs, &r.Cached, &r.UserID, &r.TeamID, &r.ProjectID,
		&contextJSON, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Decision = Decision(decision)
	r.PolicyIDs = []string(policyIDs)
	r.MatchedPolicyIDs = []string(matchedPolicies)
	r.MatchedRuleIDs = []string(matchedRules)
	if len(modsJSON) > 0 {
		if err := json.Unmarshal(modsJSON, &r.Modifications); err != nil {
			return nil, fmt.Errorf("corrupt modifications payload: %w", err)
		}
	}
	if len(traceJSON) > 0 {
		if err := json.Unmarshal(traceJSON, &r.Trace); err != nil {
			return nil, fmt.Errorf("corrupt trace payload: %w", err)
		}
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &r.Context); err != nil {
			return nil, fmt.Errorf("corrupt context payload: %w", err)
		}
	}
	return &r, nil
}

// AuditStats aggregates the audit trail for the stats endpoint.
type AuditStats struct {
	TotalEvaluations int64            `json:"total_evaluations"`
	ByDecision       map[string]int64 `json:"by_decision"`
	AvgEvaluationMs  float64          `json:"avg_evaluation_ms"`
	CacheHitRate     float64          `json:"cache_hit_rate"`
}

// GetStats computes totals, the per-decision breakdown, average latency,
// and the cache hit rate over the whole trail.
func (a *AuditLog) GetStats(ctx context.Context) (*AuditStats, error) {
	stats := &AuditStats{ByDecision: map[string]int64{}}

	var cached int64
	var avg sql.NullFloat64
	err := a.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE cached), AVG(evaluation_time_ms)
		FROM policy_evaluations`).Scan(&stats.TotalEvaluations, &cached, &avg)
	if err != nil {
		return nil, storeError("failed to aggregate evaluations: %v", err)
	}
	if avg.Valid {
		stats.AvgEvaluationMs = avg.Float64
	}
	if stats.TotalEvaluations > 0 {
		stats.CacheHitRate = float64(cached) / float64(stats.TotalEvaluations)
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT decision, COUNT(*) FROM policy_evaluations GROUP BY decision`)
	if err != nil {
		return nil, storeError("failed to aggregate decisions: %v", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var decision string
		var count int64
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, storeError("failed to scan decision count: %v", err)
		}
		stats.ByDecision[decision] = count
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to iterate decision counts: %v", err)
	}
	return stats, nil
}

// DeleteOlderThan purges records older than the retention window and
// returns how many were removed.
func (a *AuditLog) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, validationError("retention days must be positive, got %d", days)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	result, err := a.db.ExecContext(ctx,
		`DELETE FROM policy_evaluations WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, storeError("failed to purge evaluations: %v", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storeError("failed to purge evaluations: %v", err)
	}
	return n, nil
}
