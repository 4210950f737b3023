package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"unitrack/internal/db"
	"unitrack/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

const unitColumns = `unit_id,name,current_status,COALESCE(location,''),COALESCE(assigned_to,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (domain.Unit, error) {
	var u domain.Unit
	var status string
	err := row.Scan(&u.ID, &u.Name, &status, &u.Location, &u.AssignedTo, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Status = domain.State(status)
	return u, err
}

func (r Repo) InsertUnit(ctx context.Context, u domain.Unit) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO units(unit_id,name,current_status,location,assigned_to,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.Name, string(u.Status), nullable(u.Location), nullable(u.AssignedTo), u.CreatedAt, u.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("unit %s: %w", u.ID, ErrExists)
	}
	return err
}

func (r Repo) GetUnit(ctx context.Context, id string) (domain.Unit, error) {
	return scanUnit(r.DB.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE unit_id=?`, id))
}

func (r Repo) GetUnitTx(ctx context.Context, tx *sql.Tx, id string) (domain.Unit, error) {
	return scanUnit(tx.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE unit_id=?`, id))
}

// UnitFilters narrow ListUnits. Location matches as a substring.
type UnitFilters struct {
	Status   string
	Location string
	Limit    int
}

func (r Repo) ListUnits(ctx context.Context, f UnitFilters) ([]domain.Unit, error) {
	query := `SELECT ` + unitColumns + ` FROM units`
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "current_status=?")
		args = append(args, f.Status)
	}
	if f.Location != "" {
		where = append(where, "location LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.Location)+"%")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY unit_id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Unit{}
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// UpdateUnitStatusTx moves a unit to status. An empty location leaves the
// stored location untouched.
func (r Repo) UpdateUnitStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.State, location, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE units SET current_status=?, location=COALESCE(?, location), updated_at=? WHERE unit_id=?`,
		string(status), nullable(location), updatedAt, id)
	if err != nil {
		return fmt.Errorf("update unit status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountUnitsByStatus(ctx context.Context) (map[domain.State]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT current_status, COUNT(*) FROM units GROUP BY current_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.State]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[domain.State(status)] = n
	}
	return res, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
