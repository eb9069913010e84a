package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"cagewatch/internal/domain"
	"cagewatch/internal/events"
	"cagewatch/internal/repo"
)

const apiKeyPrefix = "cw_"

type APIKeyCreateOptions struct {
	// ActorID is the device identity the key authenticates as.
	ActorID string
	Name    string
	// IssuedBy is written to the event log.
	IssuedBy string
}

// CreateAPIKey stores a new device key and returns its plaintext. The
// plaintext is never stored and cannot be recovered later.
func (e Engine) CreateAPIKey(ctx context.Context, opts APIKeyCreateOptions) (domain.APIKey, string, error) {
	actor := strings.TrimSpace(opts.ActorID)
	if actor == "" {
		return domain.APIKey{}, "", fmt.Errorf("%w: actor is required", ErrInvalid)
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate key: %w", err)
	}
	plain := apiKeyPrefix + hex.EncodeToString(raw)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actor,
		Name:      opts.Name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyIssued, "api_key", key.ID, opts.IssuedBy, events.EventPayload{
		"actor_id": key.ActorID,
		"name":     key.Name,
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e Engine) DeleteAPIKey(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return fmt.Errorf("api key %s: %w", id, err)
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyRevoke, "api_key", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
