// Package repository is the relational store for agents.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	ErrAgentNotFound        = errors.New("agent not found")
	ErrAgentExists          = errors.New("agent already exists")
	ErrOrganizationNotFound = errors.New("organization not found")
)

const (
	pqUniqueViolation     = pq.ErrorCode("23505")
	pqForeignKeyViolation = pq.ErrorCode("23503")
)

type Agent struct {
	AgentID        int64
	OrganizationID int64
	Name           string
	Description    string
	Model          string
	Config         map[string]any
	IsActive       bool
	CreatedAtMs    int64
	UpdatedAtMs    int64
	DeletedAtMs    int64
}

type AgentRepository struct {
	db *sql.DB
}

func NewAgentRepository(db *sql.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

const agentColumns = `agent_id, organization_id, name, description, model, config, is_active, created_at_ms, updated_at_ms, deleted_at_ms`

// CreateAgent inserts an active agent. Names are unique per organization.
func (r *AgentRepository) CreateAgent(ctx context.Context, a *Agent) error {
	cfg, err := marshalConfig(a.Config)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agentops.agents
		(agent_id, organization_id, name, description, model, config, is_active, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8)
	`
	_, err = r.db.ExecContext(ctx, query,
		a.AgentID, a.OrganizationID, a.Name, nullString(a.Description), nullString(a.Model),
		cfg, a.CreatedAtMs, a.UpdatedAtMs,
	)
	if err != nil {
		return mapInsertError(err)
	}
	a.IsActive = true
	return nil
}

// DeactivateAgent soft-deletes an agent. Calling it on an inactive agent
// refreshes deleted_at_ms only if it was never set.
func (r *AgentRepository) DeactivateAgent(ctx context.Context, agentID, atMs int64) error {
	query := `
		UPDATE agentops.agents
		SET is_active = FALSE, deleted_at_ms = COALESCE(deleted_at_ms, $2), updated_at_ms = $2
		WHERE agent_id = $1
	`
	result, err := r.db.ExecContext(ctx, query, agentID, atMs)
	if err != nil {
		return fmt.Errorf("deactivate agent: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (r *AgentRepository) GetAgent(ctx context.Context, agentID int64) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agentops.agents WHERE agent_id = $1`
	a, err := scanAgent(r.db.QueryRowContext(ctx, query, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	return a, err
}

// ListActiveAgents returns an organization's active agents, newest first.
func (r *AgentRepository) ListActiveAgents(ctx context.Context, organizationID int64) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + `
		FROM agentops.agents
		WHERE organization_id = $1 AND is_active = TRUE
		ORDER BY created_at_ms DESC`
	rows, err := r.db.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a           Agent
		description sql.NullString
		model       sql.NullString
		cfg         []byte
		deletedAt   sql.NullInt64
	)
	err := row.Scan(&a.AgentID, &a.OrganizationID, &a.Name, &description, &model, &cfg,
		&a.IsActive, &a.CreatedAtMs, &a.UpdatedAtMs, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Description = description.String
	a.Model = model.String
	a.DeletedAtMs = deletedAt.Int64
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &a.Config); err != nil {
			return nil, fmt.Errorf("decode agent config: %w", err)
		}
	}
	return &a, nil
}

func marshalConfig(cfg map[string]any) (string, error) {
	if len(cfg) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode agent config: %w", err)
	}
	return string(b), nil
}

func mapInsertError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return fmt.Errorf("%w: %s", ErrAgentExists, pqErr.Constraint)
		case pqForeignKeyViolation:
			return ErrOrganizationNotFound
		}
	}
	return fmt.Errorf("insert agent: %w", err)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// CreateTableSQL is the agents schema; organizations are owned elsewhere.
const CreateTableSQL = `
CREATE SCHEMA IF NOT EXISTS agentops;
CREATE TABLE IF NOT EXISTS agentops.agents (
  agent_id BIGINT PRIMARY KEY,
  organization_id BIGINT NOT NULL REFERENCES agentops.organizations(organization_id),
  name VARCHAR(128) NOT NULL,
  description TEXT,
  model VARCHAR(128),
  config JSONB NOT NULL DEFAULT '{}'::jsonb,
  is_active BOOLEAN NOT NULL DEFAULT TRUE,
  created_at_ms BIGINT NOT NULL,
  updated_at_ms BIGINT NOT NULL,
  deleted_at_ms BIGINT
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_agents_org_name_active ON agentops.agents(organization_id, name) WHERE is_active;
`
