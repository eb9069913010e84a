package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cagewatch/internal/config"
	"cagewatch/internal/dispatch"
	"cagewatch/internal/domain"
	"cagewatch/internal/events"
	"cagewatch/internal/quality"
	"cagewatch/internal/repo"
)

var (
	// ErrOwnerNotFound means a cage references an owner that does not exist.
	ErrOwnerNotFound = errors.New("owner not found")
	// ErrInvalid wraps input the engine refuses.
	ErrInvalid = errors.New("invalid request")
	// ErrConflict wraps operations refused because of existing state.
	ErrConflict = errors.New("conflict")
)

// Dispatcher is the part of dispatch.Dispatcher the engine needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (domain.RelocationTarget, error)
}

// HistorySink receives every evaluated reading.
type HistorySink interface {
	Write(reading domain.Reading, verdict domain.Verdict, at time.Time)
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Dispatcher Dispatcher
	History    HistorySink
	Log        *zap.Logger
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Log:    zap.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Outcome is the result of ingesting one reading. Target and AlertID are set
// only for abnormal readings.
type Outcome struct {
	Cage    domain.Cage
	Verdict domain.Verdict
	Target  *domain.RelocationTarget
	AlertID string
}

// Ingest stores a reading on its cage, evaluates it and, when abnormal,
// dispatches the owner alert and returns the relocation target.
func (e Engine) Ingest(ctx context.Context, reading domain.Reading, actorID string) (Outcome, error) {
	if reading.CageID == "" {
		return Outcome{}, fmt.Errorf("%w: cage id is required", ErrInvalid)
	}
	cage, err := e.Repo.GetCage(ctx, reading.CageID)
	if err != nil {
		return Outcome{}, fmt.Errorf("cage %s: %w", reading.CageID, err)
	}
	at := e.now().UTC()
	ts := at.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateCageReading(ctx, tx, reading, ts); err != nil {
		return Outcome{}, fmt.Errorf("update cage reading: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.CageReading, "cage", cage.ID, actorID, events.EventPayload{
		"nitrogen":    reading.Nitrogen,
		"phosphorus":  reading.Phosphorus,
		"oxygen":      reading.Oxygen,
		"temperature": reading.Temperature,
		"latitude":    reading.Location.Latitude,
		"longitude":   reading.Location.Longitude,
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	cage.Nitrogen, cage.Phosphorus, cage.Oxygen, cage.Temperature = reading.Nitrogen, reading.Phosphorus, reading.Oxygen, reading.Temperature
	cage.Location = reading.Location
	cage.LastReadingAt = &ts
	cage.UpdatedAt = ts

	verdict := quality.Evaluate(reading)
	if e.History != nil {
		e.History.Write(reading, verdict, at)
	}
	out := Outcome{Cage: cage, Verdict: verdict}
	if !verdict.Abnormal {
		return out, nil
	}

	owner, err := e.Repo.GetOwner(ctx, cage.OwnerID)
	if errors.Is(err, repo.ErrNotFound) {
		return out, fmt.Errorf("%w: %s (cage %s)", ErrOwnerNotFound, cage.OwnerID, cage.ID)
	}
	if err != nil {
		return out, fmt.Errorf("load owner %s: %w", cage.OwnerID, err)
	}
	if e.Dispatcher == nil {
		return out, errors.New("dispatcher not configured")
	}
	alertID := uuid.NewString()
	target, err := e.Dispatcher.Dispatch(ctx, dispatch.Request{
		AlertID: alertID,
		Cage:    cage,
		Owner:   owner,
		Reading: reading,
		Verdict: verdict,
	})
	if err != nil {
		return out, fmt.Errorf("dispatch alert: %w", err)
	}
	out.Target = &target
	out.AlertID = alertID

	alert := domain.Alert{
		ID:          alertID,
		CageID:      cage.ID,
		OwnerID:     owner.ID,
		Explanation: verdict.Explanation,
		Reading:     reading,
		Target:      target,
		CreatedAt:   ts,
	}
	if err := e.storeAlert(ctx, alert, verdict, actorID); err != nil {
		e.log().Error("store alert", zap.String("alert_id", alertID), zap.String("cage_id", cage.ID), zap.Error(err))
	}
	return out, nil
}

func (e Engine) storeAlert(ctx context.Context, a domain.Alert, v domain.Verdict, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAlert(ctx, tx, a); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.CageAlert, "cage", a.CageID, actorID, events.EventPayload{
		"alert_id":   a.ID,
		"owner_id":   a.OwnerID,
		"parameters": quality.Parameters(v),
		"target":     a.Target,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ListAlerts returns the newest alerts of a cage with their deliveries.
func (e Engine) ListAlerts(ctx context.Context, cageID string, limit int) ([]domain.Alert, error) {
	if _, err := e.Repo.GetCage(ctx, cageID); err != nil {
		return nil, fmt.Errorf("cage %s: %w", cageID, err)
	}
	return e.Repo.ListAlerts(ctx, cageID, limit)
}

// ListEvents tails the event log.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
