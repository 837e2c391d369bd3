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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PolicyStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPolicyStore(db), mock
}

func policyColumns() []string {
	return []string{"id", "name", "description", "version", "namespace", "tags",
		"priority", "status", "rules", "created_by", "created_at", "updated_at"}
}

func addPolicyRow(rows *sqlmock.Rows, id, name string, priority int, createdAt time.Time) {
	rows.AddRow(id, name, "", "1.0.0", "default", "{cost,limits}", priority,
		"active", []byte(`[{"id":"r-1","name":"Rule 1","condition":{"operator":"and"},"action":{"decision":"deny"},"enabled":true}]`),
		"tester", createdAt, createdAt)
}

func TestStoreCreate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO policies").
		WillReturnResult(sqlmock.NewResult(0, 1))

	p := &Policy{
		Metadata: PolicyMetadata{Name: "limit-cost", Version: "1.0.0", Namespace: "default"},
		Status:   StatusActive,
		Rules:    []PolicyRule{makeRule("r-1", DecisionDeny, alwaysTrue())},
	}

	created, err := store.Create(context.Background(), p, "alice")
	require.NoError(t, err)

	assert.NotEmpty(t, created.Metadata.ID, "missing id is generated")
	assert.Equal(t, "alice", created.Metadata.CreatedBy)
	require.NotNil(t, created.Metadata.CreatedAt)
	assert.Equal(t, created.Metadata.CreatedAt, created.Metadata.UpdatedAt)
	assert.Empty(t, p.Metadata.ID, "caller's policy is not mutated")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreCreateConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO policies").
		WillReturnError(&pq.Error{Code: pq.ErrorCode(uniqueViolation)})

	p := &Policy{
		Metadata: PolicyMetadata{ID: "pol-1", Name: "limit-cost", Version: "1.0.0", Namespace: "default"},
		Status:   StatusActive,
		Rules:    []PolicyRule{makeRule("r-1", DecisionDeny, alwaysTrue())},
	}

	_, err := store.Create(context.Background(), p, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Contains(t, err.Error(), "default/limit-cost@1.0.0")
}

func TestStoreFindByID(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(policyColumns())
	addPolicyRow(rows, "pol-1", "limit-cost", 10, now)
	mock.ExpectQuery("SELECT (.+) FROM policies WHERE id").
		WithArgs("pol-1").
		WillReturnRows(rows)

	p, err := store.FindByID(context.Background(), "pol-1")
	require.NoError(t, err)
	assert.Equal(t, "pol-1", p.Metadata.ID)
	assert.Equal(t, []string{"cost", "limits"}, p.Metadata.Tags)
	assert.Equal(t, StatusActive, p.Status)
	require.Len(t, p.Rules, 1)
	assert.Equal(t, "r-1", p.Rules[0].ID)
}

func TestStoreFindByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM policies WHERE id").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := store.FindByID(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStoreFindActive(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(policyColumns())
	addPolicyRow(rows, "pol-high", "a", 100, now)
	addPolicyRow(rows, "pol-low", "b", 1, now)
	mock.ExpectQuery("SELECT (.+) FROM policies WHERE status = 'active'").
		WillReturnRows(rows)

	policies, err := store.FindActive(context.Background())
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "pol-high", policies[0].Metadata.ID)
	assert.Equal(t, "pol-low", policies[1].Metadata.ID)
}

func TestStoreFindByNamespace(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(policyColumns())
	addPolicyRow(rows, "pol-prod", "a", 10, now)
	mock.ExpectQuery("SELECT (.+) FROM policies WHERE namespace").
		WithArgs("prod").
		WillReturnRows(rows)

	policies, err := store.FindByNamespace(context.Background(), "prod")
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "pol-prod", policies[0].Metadata.ID)
}

func TestStoreList(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM policies").
		WithArgs("default", "active").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	rows := sqlmock.NewRows(policyColumns())
	addPolicyRow(rows, "pol-1", "a", 10, now)
	mock.ExpectQuery("SELECT (.+) FROM policies WHERE 1=1 AND namespace").
		WithArgs("default", "active", 5, 0).
		WillReturnRows(rows)

	policies, total, err := store.List(context.Background(), "default", StatusActive, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, policies, 1)
	assert.Equal(t, "pol-1", policies[0].Metadata.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreListDefaults(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM policies").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT (.+) FROM policies WHERE 1=1").
		WithArgs(20, 0).
		WillReturnRows(sqlmock.NewRows(policyColumns()))

	policies, total, err := store.List(context.Background(), "", "", 0, -3)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, policies)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE policies SET updated_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rows := sqlmock.NewRows(policyColumns())
	addPolicyRow(rows, "pol-1", "renamed", 50, now)
	mock.ExpectQuery("SELECT (.+) FROM policies WHERE id").
		WithArgs("pol-1").
		WillReturnRows(rows)

	name := "renamed"
	priority := 50
	updated, err := store.Update(context.Background(), "pol-1", PolicyUpdate{
		Name:     &name,
		Priority: &priority,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Metadata.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreUpdateNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE policies SET updated_at").
		WillReturnResult(sqlmock.NewResult(0, 0))

	name := "renamed"
	_, err := store.Update(context.Background(), "ghost", PolicyUpdate{Name: &name})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStoreUpdateInvalidStatus(t *testing.T) {
	store, _ := newMockStore(t)

	bad := PolicyStatus("published")
	_, err := store.Update(context.Background(), "pol-1", PolicyUpdate{Status: &bad})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestStoreDelete(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM policies WHERE id").
		WithArgs("pol-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Delete(context.Background(), "pol-1"))

	mock.ExpectExec("DELETE FROM policies WHERE id").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Delete(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStoreInitSchema(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS policies").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
