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
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/amtp-protocol/a2a-gateway/internal/agents"
	"github.com/amtp-protocol/a2a-gateway/internal/config"
)

// DatabaseStorage implements Storage and ratelimit.BucketStore on gorm
type DatabaseStorage struct {
	config config.DatabaseConfig
	db     *gorm.DB
}

// dialector picks the gorm driver for the configured database
func dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "postgres", "postgresql", "pgx":
		return postgres.New(postgres.Config{DSN: cfg.DSN}), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// NewDatabaseStorage creates a new database storage instance. If dbOverride is non-nil, it is used (for testing).
func NewDatabaseStorage(cfg config.DatabaseConfig, dbOverride ...*gorm.DB) (*DatabaseStorage, error) {
	var db *gorm.DB
	if len(dbOverride) > 0 && dbOverride[0] != nil {
		db = dbOverride[0]
	} else {
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database DSN is required")
		}
		dialect, err := dialector(cfg)
		if err != nil {
			return nil, err
		}
		db, err = gorm.Open(dialect, &gorm.Config{TranslateError: true})
		if err != nil {
			return nil, err
		}

		// Set connection pool settings
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		if cfg.MaxConnections > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxConnections)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}

		if cfg.AutoMigrate {
			if err := db.AutoMigrate(allModels()...); err != nil {
				return nil, fmt.Errorf("failed to migrate schema: %w", err)
			}
		}
	}
	return &DatabaseStorage{
		config: cfg,
		db:     db,
	}, nil
}

// Migrate creates or updates every table used by the gateway
func (ds *DatabaseStorage) Migrate(ctx context.Context) error {
	return ds.db.WithContext(ctx).AutoMigrate(allModels()...)
}

// Close closes the database connection
func (ds *DatabaseStorage) Close() error {
	if ds.db == nil {
		return fmt.Errorf("database instance is nil")
	}
	db, err := ds.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return db.Close()
}

// HealthCheck performs a health check on the database connection
func (ds *DatabaseStorage) HealthCheck(ctx context.Context) error {
	if ds.db == nil {
		return fmt.Errorf("database instance is nil")
	}
	db, err := ds.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// GetStats returns storage statistics
func (ds *DatabaseStorage) GetStats(ctx context.Context) (StorageStats, error) {
	stats := StorageStats{}
	db := ds.db.WithContext(ctx)

	counts := []struct {
		query *gorm.DB
		into  *int64
		what  string
	}{
		{db.Model(&AgentRecord{}), &stats.Agents, "agents"},
		{db.Model(&AgentRecord{}).Where("status = ?", string(agents.StatusActive)), &stats.ActiveAgents, "active agents"},
		{db.Model(&SigningKeyRecord{}), &stats.Keys, "keys"},
		{db.Model(&KeyAuditRecord{}), &stats.KeyAuditItems, "key audit entries"},
		{db.Model(&JobRecord{}), &stats.Jobs, "jobs"},
		{db.Model(&JobRecord{}).Where("status = ?", "pending"), &stats.PendingJobs, "pending jobs"},
		{db.Model(&BatchRecord{}), &stats.Batches, "batches"},
	}
	for _, c := range counts {
		if err := c.query.Count(c.into).Error; err != nil {
			return stats, fmt.Errorf("failed to count %s: %w", c.what, err)
		}
	}
	return stats, nil
}

// Agents operations

// CreateAgent creates a new agent in the database
func (ds *DatabaseStorage) CreateAgent(ctx context.Context, agent *agents.Agent) error {
	if agent == nil {
		return fmt.Errorf("agent cannot be nil")
	}

	if err := ds.db.WithContext(ctx).Create(fromAgent(agent)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return agents.ErrAgentExists
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}

	return nil
}

// GetAgent retrieves an agent by id
func (ds *DatabaseStorage) GetAgent(ctx context.Context, id string) (*agents.Agent, error) {
	return ds.findAgent(ctx, "id = ?", id)
}

// GetAgentByCredential retrieves an agent by credential hash
func (ds *DatabaseStorage) GetAgentByCredential(ctx context.Context, hash string) (*agents.Agent, error) {
	return ds.findAgent(ctx, "credential_hash = ?", hash)
}

func (ds *DatabaseStorage) findAgent(ctx context.Context, where string, arg string) (*agents.Agent, error) {
	if arg == "" {
		return nil, agents.ErrAgentNotFound
	}

	var rec AgentRecord
	if err := ds.db.WithContext(ctx).Where(where, arg).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, agents.ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return rec.toAgent(), nil
}

// UpdateAgent updates an existing agent in the database
func (ds *DatabaseStorage) UpdateAgent(ctx context.Context, agent *agents.Agent) error {
	if agent == nil {
		return fmt.Errorf("agent cannot be nil")
	}

	rec := fromAgent(agent)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	result := ds.db.WithContext(ctx).
		Model(&AgentRecord{}).
		Where("id = ?", agent.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(rec)

	if result.Error != nil {
		return fmt.Errorf("failed to update agent: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return agents.ErrAgentNotFound
	}

	return nil
}

// ListAgents returns agents matching the filter, oldest first
func (ds *DatabaseStorage) ListAgents(ctx context.Context, filter agents.ListFilter) ([]*agents.Agent, error) {
	query := ds.db.WithContext(ctx).Model(&AgentRecord{})

	// Apply filters
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.Domain != "" {
		query = query.Where("domain = ?", filter.Domain)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var recs []AgentRecord
	if err := query.Order("created_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	out := make([]*agents.Agent, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toAgent())
	}
	return out, nil
}
