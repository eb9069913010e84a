package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cagewatch/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on runs against tx when set, otherwise against the pool.
func (r Repo) on(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const cageColumns = `id,name,owner_id,nitrogen,phosphorus,oxygen,temperature,latitude,longitude,last_reading_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCage(row rowScanner) (domain.Cage, error) {
	var c domain.Cage
	var last sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.OwnerID, &c.Nitrogen, &c.Phosphorus, &c.Oxygen, &c.Temperature,
		&c.Location.Latitude, &c.Location.Longitude, &last, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if last.Valid {
		c.LastReadingAt = &last.String
	}
	return c, nil
}

func (r Repo) InsertCage(ctx context.Context, tx *sql.Tx, c domain.Cage) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO cages(`+cageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, c.OwnerID, c.Nitrogen, c.Phosphorus, c.Oxygen, c.Temperature,
		c.Location.Latitude, c.Location.Longitude, nil, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCage(ctx context.Context, id string) (domain.Cage, error) {
	return r.GetCageTx(ctx, nil, id)
}

func (r Repo) GetCageTx(ctx context.Context, tx *sql.Tx, id string) (domain.Cage, error) {
	return scanCage(r.on(tx).QueryRowContext(ctx, `SELECT `+cageColumns+` FROM cages WHERE id=?`, id))
}

// ListCages returns cages ordered by name, optionally restricted to one owner.
func (r Repo) ListCages(ctx context.Context, ownerID string) ([]domain.Cage, error) {
	query := `SELECT ` + cageColumns + ` FROM cages`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY name, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Cage{}
	for rows.Next() {
		c, err := scanCage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateCageFields applies the non-nil fields.
func (r Repo) UpdateCageFields(ctx context.Context, tx *sql.Tx, id string, name, ownerID *string, location *domain.Location, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if ownerID != nil {
		fields = append(fields, "owner_id=?")
		args = append(args, *ownerID)
	}
	if location != nil {
		fields = append(fields, "latitude=?", "longitude=?")
		args = append(args, location.Latitude, location.Longitude)
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.on(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE cages SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// UpdateCageReading stores the latest measurements and position of a cage.
func (r Repo) UpdateCageReading(ctx context.Context, tx *sql.Tx, reading domain.Reading, ts string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE cages SET nitrogen=?,phosphorus=?,oxygen=?,temperature=?,latitude=?,longitude=?,last_reading_at=?,updated_at=? WHERE id=?`,
		reading.Nitrogen, reading.Phosphorus, reading.Oxygen, reading.Temperature,
		reading.Location.Latitude, reading.Location.Longitude, ts, ts, reading.CageID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r Repo) DeleteCage(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM cages WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r Repo) CountCagesByOwner(ctx context.Context, tx *sql.Tx, ownerID string) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT count(*) FROM cages WHERE owner_id=?`, ownerID).Scan(&n)
	return n, err
}

const ownerColumns = `id,name,email,phone,created_at,updated_at`

func scanOwner(row rowScanner) (domain.Owner, error) {
	var o domain.Owner
	err := row.Scan(&o.ID, &o.Name, &o.Email, &o.Phone, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) InsertOwner(ctx context.Context, tx *sql.Tx, o domain.Owner) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO owners(`+ownerColumns+`) VALUES (?,?,?,?,?,?)`,
		o.ID, o.Name, o.Email, o.Phone, o.CreatedAt, o.UpdatedAt)
	return err
}

func (r Repo) GetOwner(ctx context.Context, id string) (domain.Owner, error) {
	return scanOwner(r.DB.QueryRowContext(ctx, `SELECT `+ownerColumns+` FROM owners WHERE id=?`, id))
}

func (r Repo) ListOwners(ctx context.Context) ([]domain.Owner, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ownerColumns+` FROM owners ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Owner{}
	for rows.Next() {
		o, err := scanOwner(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) UpdateOwnerFields(ctx context.Context, tx *sql.Tx, id string, name, email, phone *string, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if email != nil {
		fields = append(fields, "email=?")
		args = append(args, *email)
	}
	if phone != nil {
		fields = append(fields, "phone=?")
		args = append(args, *phone)
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.on(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE owners SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r Repo) DeleteOwner(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM owners WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}
