package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"cagewatch/internal/domain"
	"cagewatch/internal/events"
	"cagewatch/internal/repo"
)

type CageCreateOptions struct {
	ID       string
	Name     string
	OwnerID  string
	Location domain.Location
	ActorID  string
}

func (e Engine) CreateCage(ctx context.Context, opts CageCreateOptions) (domain.Cage, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Cage{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if opts.OwnerID == "" {
		return domain.Cage{}, fmt.Errorf("%w: owner is required", ErrInvalid)
	}
	if err := e.ensureOwner(ctx, opts.OwnerID); err != nil {
		return domain.Cage{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	c := domain.Cage{
		ID:        id,
		Name:      name,
		OwnerID:   opts.OwnerID,
		Location:  opts.Location,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cage{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCage(ctx, tx, c); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return domain.Cage{}, fmt.Errorf("%w: cage %s already exists", ErrConflict, id)
		}
		return domain.Cage{}, fmt.Errorf("insert cage: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.CageCreated, "cage", c.ID, opts.ActorID, events.EventPayload{
		"name":     c.Name,
		"owner_id": c.OwnerID,
	}); err != nil {
		return domain.Cage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Cage{}, err
	}
	return c, nil
}

func (e Engine) ensureOwner(ctx context.Context, ownerID string) error {
	_, err := e.Repo.GetOwner(ctx, ownerID)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: owner %s does not exist", ErrInvalid, ownerID)
	}
	return err
}

// CageUpdateOptions applies only the non-nil fields.
type CageUpdateOptions struct {
	ID       string
	Name     *string
	OwnerID  *string
	Location *domain.Location
	ActorID  string
}

func (e Engine) UpdateCage(ctx context.Context, opts CageUpdateOptions) (domain.Cage, error) {
	if opts.Name != nil && strings.TrimSpace(*opts.Name) == "" {
		return domain.Cage{}, fmt.Errorf("%w: name cannot be empty", ErrInvalid)
	}
	if opts.OwnerID != nil {
		if err := e.ensureOwner(ctx, *opts.OwnerID); err != nil {
			return domain.Cage{}, err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cage{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateCageFields(ctx, tx, opts.ID, opts.Name, opts.OwnerID, opts.Location, e.stamp()); err != nil {
		return domain.Cage{}, fmt.Errorf("cage %s: %w", opts.ID, err)
	}
	payload := events.EventPayload{}
	if opts.Name != nil {
		payload["name"] = *opts.Name
	}
	if opts.OwnerID != nil {
		payload["owner_id"] = *opts.OwnerID
	}
	if opts.Location != nil {
		payload["location"] = *opts.Location
	}
	if err := e.Events.Append(ctx, tx, events.CageUpdated, "cage", opts.ID, opts.ActorID, payload); err != nil {
		return domain.Cage{}, err
	}
	c, err := e.Repo.GetCageTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Cage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Cage{}, err
	}
	return c, nil
}

// DeleteCage removes a cage and, through the foreign key, its alerts.
func (e Engine) DeleteCage(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteCage(ctx, tx, id); err != nil {
		return fmt.Errorf("cage %s: %w", id, err)
	}
	if err := e.Events.Append(ctx, tx, events.CageDeleted, "cage", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetCage(ctx context.Context, id string) (domain.Cage, error) {
	c, err := e.Repo.GetCage(ctx, id)
	if err != nil {
		return domain.Cage{}, fmt.Errorf("cage %s: %w", id, err)
	}
	return c, nil
}

// ListCages lists every cage, or only those of ownerID when set.
func (e Engine) ListCages(ctx context.Context, ownerID string) ([]domain.Cage, error) {
	return e.Repo.ListCages(ctx, ownerID)
}
