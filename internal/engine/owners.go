package engine

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"cagewatch/internal/domain"
	"cagewatch/internal/events"
)

type OwnerCreateOptions struct {
	ID      string
	Name    string
	Email   string
	Phone   string
	ActorID string
}

func validateContact(email, phone *string) error {
	if email != nil && *email != "" {
		if _, err := mail.ParseAddress(*email); err != nil {
			return fmt.Errorf("%w: email %q", ErrInvalid, *email)
		}
	}
	if phone != nil && *phone != "" {
		p := strings.ReplaceAll(*phone, " ", "")
		if len(strings.TrimPrefix(p, "+")) < 7 || strings.Trim(strings.TrimPrefix(p, "+"), "0123456789") != "" {
			return fmt.Errorf("%w: phone %q", ErrInvalid, *phone)
		}
	}
	return nil
}

func (e Engine) CreateOwner(ctx context.Context, opts OwnerCreateOptions) (domain.Owner, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Owner{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if opts.Email == "" && opts.Phone == "" {
		return domain.Owner{}, fmt.Errorf("%w: email or phone is required", ErrInvalid)
	}
	if err := validateContact(&opts.Email, &opts.Phone); err != nil {
		return domain.Owner{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	o := domain.Owner{
		ID:        id,
		Name:      name,
		Email:     opts.Email,
		Phone:     opts.Phone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Owner{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOwner(ctx, tx, o); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return domain.Owner{}, fmt.Errorf("%w: owner %s already exists", ErrConflict, id)
		}
		return domain.Owner{}, fmt.Errorf("insert owner: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.OwnerCreated, "owner", o.ID, opts.ActorID, events.EventPayload{"name": o.Name}); err != nil {
		return domain.Owner{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Owner{}, err
	}
	return o, nil
}

type OwnerUpdateOptions struct {
	ID      string
	Name    *string
	Email   *string
	Phone   *string
	ActorID string
}

func (e Engine) UpdateOwner(ctx context.Context, opts OwnerUpdateOptions) (domain.Owner, error) {
	if opts.Name != nil && strings.TrimSpace(*opts.Name) == "" {
		return domain.Owner{}, fmt.Errorf("%w: name cannot be empty", ErrInvalid)
	}
	if err := validateContact(opts.Email, opts.Phone); err != nil {
		return domain.Owner{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Owner{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateOwnerFields(ctx, tx, opts.ID, opts.Name, opts.Email, opts.Phone, e.stamp()); err != nil {
		return domain.Owner{}, fmt.Errorf("owner %s: %w", opts.ID, err)
	}
	var changed []string
	if opts.Name != nil {
		changed = append(changed, "name")
	}
	if opts.Email != nil {
		changed = append(changed, "email")
	}
	if opts.Phone != nil {
		changed = append(changed, "phone")
	}
	if err := e.Events.Append(ctx, tx, events.OwnerUpdated, "owner", opts.ID, opts.ActorID, events.EventPayload{"fields": changed}); err != nil {
		return domain.Owner{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Owner{}, err
	}
	return e.GetOwner(ctx, opts.ID)
}

// DeleteOwner refuses to remove an owner that still has cages.
func (e Engine) DeleteOwner(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	n, err := e.Repo.CountCagesByOwner(ctx, tx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: owner %s still has %d cage(s)", ErrConflict, id, n)
	}
	if err := e.Repo.DeleteOwner(ctx, tx, id); err != nil {
		return fmt.Errorf("owner %s: %w", id, err)
	}
	if err := e.Events.Append(ctx, tx, events.OwnerDeleted, "owner", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetOwner(ctx context.Context, id string) (domain.Owner, error) {
	o, err := e.Repo.GetOwner(ctx, id)
	if err != nil {
		return domain.Owner{}, fmt.Errorf("owner %s: %w", id, err)
	}
	return o, nil
}

func (e Engine) ListOwners(ctx context.Context) ([]domain.Owner, error) {
	return e.Repo.ListOwners(ctx)
}
