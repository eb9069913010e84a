package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cagewatch/internal/domain"
)

func (r Repo) InsertAlert(ctx context.Context, tx *sql.Tx, a domain.Alert) error {
	if a.ID == "" {
		return errors.New("id required")
	}
	reading, err := json.Marshal(a.Reading)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO alerts(id,cage_id,owner_id,explanation,reading_json,target_latitude,target_longitude,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.CageID, a.OwnerID, a.Explanation, string(reading), a.Target.Latitude, a.Target.Longitude, a.CreatedAt)
	return err
}

func scanAlert(row rowScanner) (domain.Alert, error) {
	var a domain.Alert
	var reading string
	err := row.Scan(&a.ID, &a.CageID, &a.OwnerID, &a.Explanation, &reading, &a.Target.Latitude, &a.Target.Longitude, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(reading), &a.Reading); err != nil {
		return a, fmt.Errorf("decode alert %s reading: %w", a.ID, err)
	}
	return a, nil
}

const alertColumns = `id,cage_id,owner_id,explanation,reading_json,target_latitude,target_longitude,created_at`

func (r Repo) GetAlert(ctx context.Context, id string) (domain.Alert, error) {
	a, err := scanAlert(r.DB.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id=?`, id))
	if err != nil {
		return a, err
	}
	a.Deliveries, err = r.ListDeliveries(ctx, a.ID)
	return a, err
}

// ListAlerts returns the newest alerts of a cage with their deliveries.
func (r Repo) ListAlerts(ctx context.Context, cageID string, limit int) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE cage_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`, cageID, limit)
	if err != nil {
		return nil, err
	}
	res := []domain.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if res[i].Deliveries, err = r.ListDeliveries(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// RecordDelivery stores one notification outcome. CreatedAt defaults to now.
func (r Repo) RecordDelivery(ctx context.Context, d domain.Delivery) error {
	if d.AlertID == "" {
		return errors.New("alert_id required")
	}
	if d.CreatedAt == "" {
		d.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO deliveries(alert_id,channel,status,attempts,error,created_at) VALUES (?,?,?,?,?,?)`,
		d.AlertID, d.Channel, d.Status, d.Attempts, nullable(d.Error), d.CreatedAt)
	return err
}

func (r Repo) ListDeliveries(ctx context.Context, alertID string) ([]domain.Delivery, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,alert_id,channel,status,attempts,COALESCE(error,''),created_at FROM deliveries WHERE alert_id=? ORDER BY id`, alertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delivery
	for rows.Next() {
		var d domain.Delivery
		if err := rows.Scan(&d.ID, &d.AlertID, &d.Channel, &d.Status, &d.Attempts, &d.Error, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
