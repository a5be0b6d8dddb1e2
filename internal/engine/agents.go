package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"handoff/internal/domain"
	"handoff/internal/events"
	"handoff/internal/repo"
)

// RegisterAgent creates the agent record if missing and binds it to a
// project when one is given. Registration is idempotent; re-binding an
// agent to a different project is an explicit operation, not a side
// effect of re-registering.
func (e Engine) RegisterAgent(ctx context.Context, agentID, name, projectID string) (domain.Agent, error) {
	if agentID == "" {
		return domain.Agent{}, &ValidationError{Field: "agent_id", Reason: "required"}
	}
	if projectID != "" {
		if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
			return domain.Agent{}, err
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureAgent(ctx, tx, agentID, now); err != nil {
		return domain.Agent{}, err
	}
	if projectID != "" {
		if err := e.Repo.BindAgent(ctx, tx, agentID, projectID); err != nil {
			return domain.Agent{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "agent.registered", projectID, "agent", agentID, agentID, nil); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	if name != "" {
		if err := e.Repo.UpdateAgentName(ctx, agentID, name); err != nil {
			return domain.Agent{}, err
		}
	}
	return e.Repo.GetAgent(ctx, agentID)
}

// CreateAPIKey mints a key for an agent and returns the plaintext once.
// Only the hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, agentID, name string) (domain.APIKey, string, error) {
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate key: %w", err)
	}
	plaintext := "hf_" + hex.EncodeToString(raw)
	key := domain.APIKey{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "agent.key_created", "", "api_key", key.ID, agentID, events.EventPayload{
		"name": name,
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}

// ResolveAPIKey maps a presented key back to its agent.
func (e Engine) ResolveAPIKey(ctx context.Context, plaintext string) (domain.Agent, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plaintext))
	if err != nil {
		return domain.Agent{}, err
	}
	return e.Repo.GetAgent(ctx, key.AgentID)
}
