/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/amtp-protocol/a2a-gateway/internal/agents"
	"github.com/amtp-protocol/a2a-gateway/internal/config"
	"github.com/amtp-protocol/a2a-gateway/internal/queue"
	"github.com/amtp-protocol/a2a-gateway/internal/ratelimit"
	"github.com/amtp-protocol/a2a-gateway/internal/signature"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	mock.ExpectPing()
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	if err != nil {
		mockDB.Close()
		t.Fatalf("failed to open gorm DB: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return gormDB, mock
}

func TestNewDatabaseStorage_WithOverride(t *testing.T) {
	gormDB, _ := newMockDB(t)
	cfg := config.DatabaseConfig{Driver: "postgres", DSN: "dsn"}
	ds, err := NewDatabaseStorage(cfg, gormDB)
	if err != nil {
		t.Fatalf("NewDatabaseStorage failed: %v", err)
	}
	if ds.db != gormDB {
		t.Fatalf("expected db override to be used")
	}
}

func TestNewDatabaseStorage_RequiresDSN(t *testing.T) {
	_, err := NewDatabaseStorage(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

func TestDialector(t *testing.T) {
	for _, driver := range []string{"", "postgres", "mysql"} {
		if _, err := dialector(config.DatabaseConfig{Driver: driver, DSN: "x"}); err != nil {
			t.Errorf("Expected driver %q to be supported, got %v", driver, err)
		}
	}
	if _, err := dialector(config.DatabaseConfig{Driver: "oracle"}); err == nil {
		t.Error("Expected unsupported driver error")
	}
}

func TestHealthCheck(t *testing.T) {
	gormDB, mock := newMockDB(t)
	ds := &DatabaseStorage{db: gormDB}

	mock.ExpectPing()
	if err := ds.HealthCheck(context.Background()); err != nil {
		t.Errorf("Expected healthy database, got %v", err)
	}

	mock.ExpectPing().WillReturnError(errors.New("down"))
	if err := ds.HealthCheck(context.Background()); err == nil {
		t.Error("Expected health check failure")
	}
}

func TestCreateAgent_Success(t *testing.T) {
	gormDB, mock := newMockDB(t)
	ds := &DatabaseStorage{db: gormDB}

	now := time.Now().UTC()
	agent := &agents.Agent{
		ID:             "agt_1",
		Name:           "crawler",
		Domain:         "example.com",
		Capabilities:   []string{"audit"},
		CredentialHash: "hash-1",
		Status:         agents.StatusActive,
		Tier:           ratelimit.TierPro,
		TrustScore:     50,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "agents"`)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := ds.CreateAgent(context.Background(), agent); err != nil {
		t.Errorf("CreateAgent failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetAgent_Success(t *testing.T) {
	gormDB, mock := newMockDB(t)
	ds := &DatabaseStorage{db: gormDB}

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "agents" WHERE id = $1 ORDER BY "agents"."id" LIMIT $2`)).
		WithArgs("agt_1", 1).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "domain", "capabilities", "credential_hash", "status", "tier",
			"total_requests", "failed_requests", "trust_score", "recent_ips", "created_at", "updated_at",
		}).AddRow("agt_1", "crawler", "example.com", `["audit","insights"]`, "hash-1", "active", "pro",
			10, 1, 72.5, `["10.0.0.1"]`, now, now))

	agent, err := ds.GetAgent(context.Background(), "agt_1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.Name != "crawler" || agent.Tier != ratelimit.TierPro {
		t.Errorf("Expected crawler on pro tier, got %s on %s", agent.Name, agent.Tier)
	}
	if len(agent.Capabilities) != 2 || agent.Capabilities[1] != "insights" {
		t.Errorf("Expected decoded capabilities, got %v", agent.Capabilities)
	}
	if agent.TotalRequests != 10 || agent.TrustScore != 72.5 {
		t.Errorf("Expected counters to be scanned, got %d %.1f", agent.TotalRequests, agent.TrustScore)
	}
	if len(agent.RecentIPs) != 1 {
		t.Errorf("Expected 1 recent IP, got %v", agent.RecentIPs)
	}
}

func TestGetAgentByCredential_NotFound(t *testing.T) {
	gormDB, mock := newMockDB(t)
	ds := &DatabaseStorage{db: gormDB}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "agents" WHERE credential_hash = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := ds.GetAgentByCredential(context.Background(), "missing")
	if !errors.Is(err, agents.ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
}

func TestUpdateAgent_NotFound(t *testing.T) {
	gormDB, mock := newMockDB(t)
	ds := &DatabaseStorage{db: gormDB}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "agents" SET`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := ds.UpdateAgent(context.Background(), &agents.Agent{ID: "ghost", Status: agents.StatusActive})
	if !errors.Is(err, agents.ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
}

func TestGetKey_NotFound(t *testing.T) {
	gormDB, mock := newMockDB(t)
	ds := &DatabaseStorage{db: gormDB}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "signing_keys" WHERE key_id = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"key_id"}))

	_, err := ds.GetKey(context.Background(), "k-missing")
	if !errors.Is(err, signature.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestListKeyAudit_Chronological(t *testing.T) {
	gormDB, mock := newMockDB(t)
	ds := &DatabaseStorage{db: gormDB}

	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "key_audit_log" WHERE domain = $1 ORDER BY timestamp DESC, id DESC LIMIT $2`)).
		WithArgs("example.com", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "key_id", "domain", "action", "timestamp"}).
			AddRow("aud_2", "k1", "example.com", "revoked", t0.Add(time.Minute)).
			AddRow("aud_1", "k1", "example.com", "created", t0))

	entries, err := ds.ListKeyAudit(context.Background(), "example.com", 2)
	if err != nil {
		t.Fatalf("ListKeyAudit failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != signature.ActionCreated || entries[1].Action != signature.ActionRevoked {
		t.Errorf("Expected created then revoked, got %s then %s", entries[0].Action, entries[1].Action)
	}
}

func TestClaimNext_Success(t *testing.T) {
	gormDB, mock := newMockDB(t)
	ds := &DatabaseStorage{db: gormDB}

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "audit_jobs" WHERE status = \$1 AND \(not_before IS NULL OR not_before <= \$2\) ORDER BY priority_rank ASC, enqueued_at ASC, id ASC LIMIT \$3 FOR UPDATE SKIP LOCKED`).
		WithArgs("pending", now, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner", "target", "priority", "priority_rank", "status", "max_retries", "created_at", "enqueued_at"}).
			AddRow("aud_1", "owner-a", "https://example.com", "high", 0, "pending", 3, now, now))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "audit_jobs" SET`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := ds.ClaimNext(context.Background(), now)
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if job.ID != "aud_1" || job.Status != queue.StatusProcessing {
		t.Errorf("Expected aud_1 processing, got %s %s", job.ID, job.Status)
	}
	if job.StartedAt == nil || !job.StartedAt.Equal(now) {
		t.Errorf("Expected StartedAt to be set to claim time")
	}
	if job.Priority != queue.PriorityHigh {
		t.Errorf("Expected high priority, got %s", job.Priority)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestClaimNext_Empty(t *testing.T) {
	gormDB, mock := newMockDB(t)
	ds := &DatabaseStorage{db: gormDB}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "audit_jobs"`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := ds.ClaimNext(context.Background(), time.Now())
	if !errors.Is(err, queue.ErrNoJob) {
		t.Errorf("Expected ErrNoJob, got %v", err)
	}
}

func TestRequeueStale(t *testing.T) {
	gormDB, mock := newMockDB(t)
	ds := &DatabaseStorage{db: gormDB}

	cutoff := time.Now().UTC().Add(-time.Minute)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "audit_jobs" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := ds.RequeueStale(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("RequeueStale failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 requeued jobs, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetBatch_NotFound(t *testing.T) {
	gormDB, mock := newMockDB(t)
	ds := &DatabaseStorage{db: gormDB}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "audit_batches" WHERE id = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := ds.GetBatch(context.Background(), "bat_missing")
	if !errors.Is(err, queue.ErrBatchNotFound) {
		t.Errorf("Expected ErrBatchNotFound, got %v", err)
	}
}

func TestDepth(t *testing.T) {
	gormDB, mock := newMockDB(t)
	ds := &DatabaseStorage{db: gormDB}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT priority, COUNT(*) as count FROM "audit_jobs" WHERE status = $1 GROUP BY "priority"`)).
		WillReturnRows(sqlmock.NewRows([]string{"priority", "count"}).
			AddRow("high", 2).
			AddRow("low", 5))

	depth, err := ds.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth[queue.PriorityHigh] != 2 || depth[queue.PriorityNormal] != 0 || depth[queue.PriorityLow] != 5 {
		t.Errorf("Expected 2/0/5, got %v", depth)
	}
}

func TestTakeBucket(t *testing.T) {
	gormDB, mock := newMockDB(t)
	ds := &DatabaseStorage{db: gormDB}

	now := time.Now().UTC()
	limits := ratelimit.Limits{RequestsPerMinute: 60, Burst: 10}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "rate_buckets" .* ON CONFLICT DO NOTHING`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "rate_buckets" WHERE bucket_key = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"bucket_key", "tokens", "last_refill"}).AddRow("agt_1", 1.0, now))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "rate_buckets" SET`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d, err := ds.Take(context.Background(), "agt_1", limits, 1, now)
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if !d.Allowed || d.Remaining != 0 {
		t.Errorf("Expected allowed with 0 remaining, got %+v", d)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestTakeBucket_Error(t *testing.T) {
	gormDB, mock := newMockDB(t)
	ds := &DatabaseStorage{db: gormDB}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "rate_buckets"`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := ds.Take(context.Background(), "agt_1", ratelimit.Limits{RequestsPerMinute: 60, Burst: 10}, 1, time.Now())
	if err == nil {
		t.Error("Expected error from failing bucket insert")
	}
}
