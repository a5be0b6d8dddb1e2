package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"handoff/internal/domain"
)

// EnsureAgent inserts the agent row if missing.
func (r Repo) EnsureAgent(ctx context.Context, tx *sql.Tx, agentID string, createdAt string) error {
	if agentID == "" {
		return errors.New("agent_id required")
	}
	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339)
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT OR IGNORE INTO agents(id, created_at) VALUES (?,?)`, agentID, createdAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	var a domain.Agent
	var name, projectID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id, name, project_id, created_at FROM agents WHERE id=?`, id).
		Scan(&a.ID, &name, &projectID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Name = name.String
	if projectID.Valid {
		a.ProjectID = &projectID.String
	}
	return a, nil
}

// BindAgent sets the agent's project binding. An agent must be bound before
// it may create questions in a project.
func (r Repo) BindAgent(ctx context.Context, tx *sql.Tx, agentID, projectID string) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	res, err := exec(`UPDATE agents SET project_id=? WHERE id=?`, nullable(projectID), agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateAgentName(ctx context.Context, agentID, name string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET name=? WHERE id=?`, nullable(name), agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAgents(ctx context.Context, projectID string) ([]domain.Agent, error) {
	query := `SELECT id, name, project_id, created_at FROM agents`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var name, pid sql.NullString
		if err := rows.Scan(&a.ID, &name, &pid, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Name = name.String
		if pid.Valid {
			a.ProjectID = &pid.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
