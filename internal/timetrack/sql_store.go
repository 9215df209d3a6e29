package timetrack

import (
	"context"
	"strings"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/storage/sqlstore"
	"medstaff/internal/tenant"
)

// SQLStore implements Store on the time_records table.
type SQLStore struct {
	db *sqlstore.DB
}

// NewSQLStore builds the store on db.
func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

const recordColumns = `id, tenant_id, employee_id, work_date, clock_in, lunch_start, lunch_end, clock_out, notes,
irregularities, irregular, status, reviewer_id, review_note, reviewed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// Create implements Store.
func (s *SQLStore) Create(ctx context.Context, r *TimeRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO time_records (`+recordColumns+`) VALUES (`+sqlstore.Placeholders(17)+`)`,
		r.ID, string(r.TenantID), r.EmployeeID, r.Date, r.ClockIn, r.LunchStart, r.LunchEnd, r.ClockOut, r.Notes,
		encodeIrregularities(r.Irregularities), sqlstore.BoolToInt(r.Irregular()), string(r.Status),
		r.ReviewerID, r.ReviewNote, r.ReviewedAt, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if sqlstore.IsUniqueViolation(err) {
			return ErrDuplicateDay
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert time record")
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, tenantID tenant.ID, id string) (*TimeRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM time_records WHERE tenant_id = ? AND id = ?`, string(tenantID), id)
	return scanRecord(row)
}

// Previous implements Store.
func (s *SQLStore) Previous(ctx context.Context, tenantID tenant.ID, employeeID, date string) (*TimeRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM time_records
WHERE tenant_id = ? AND employee_id = ? AND work_date < ? ORDER BY work_date DESC LIMIT 1`, string(tenantID), employeeID, date)
	r, err := scanRecord(row)
	if err != nil {
		if xerrors.IsCode(err, xerrors.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

// UpdateEntries implements Store.
func (s *SQLStore) UpdateEntries(ctx context.Context, r *TimeRecord) error {
	res, err := s.db.ExecContext(ctx, `UPDATE time_records SET clock_in = ?, lunch_start = ?, lunch_end = ?, clock_out = ?, notes = ?,
irregularities = ?, irregular = ?, updated_at = ? WHERE tenant_id = ? AND id = ? AND status = ?`,
		r.ClockIn, r.LunchStart, r.LunchEnd, r.ClockOut, r.Notes, encodeIrregularities(r.Irregularities),
		sqlstore.BoolToInt(r.Irregular()), r.UpdatedAt, string(r.TenantID), r.ID, string(StatusPendente))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update time record")
	}
	return expectOne(res)
}

// Review implements Store.
func (s *SQLStore) Review(ctx context.Context, r *TimeRecord) error {
	res, err := s.db.ExecContext(ctx, `UPDATE time_records SET status = ?, reviewer_id = ?, review_note = ?, reviewed_at = ?, updated_at = ?
WHERE tenant_id = ? AND id = ? AND status = ?`,
		string(r.Status), r.ReviewerID, r.ReviewNote, r.ReviewedAt, r.UpdatedAt, string(r.TenantID), r.ID, string(StatusPendente))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "review time record")
	}
	return expectOne(res)
}

func buildWhere(tenantID tenant.ID, filter Filter) (string, []any) {
	where := []string{"tenant_id = ?"}
	args := []any{string(tenantID)}
	if filter.EmployeeID != "" {
		where = append(where, "employee_id = ?")
		args = append(args, filter.EmployeeID)
	}
	if filter.From != "" {
		where = append(where, "work_date >= ?")
		args = append(args, filter.From)
	}
	if filter.To != "" {
		where = append(where, "work_date <= ?")
		args = append(args, filter.To)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+sqlstore.Placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.OnlyIrregular {
		where = append(where, "irregular = 1")
	}
	return strings.Join(where, " AND "), args
}

// List implements Store, most recent day first.
func (s *SQLStore) List(ctx context.Context, tenantID tenant.ID, filter Filter) ([]TimeRecord, int, error) {
	filter.normalise()
	clause, args := buildWhere(tenantID, filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM time_records WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "count time records")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM time_records WHERE `+clause+
		` ORDER BY work_date DESC, employee_id LIMIT ? OFFSET ?`, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query time records")
	}
	defer rows.Close()
	var out []TimeRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate time records")
	}
	return out, total, nil
}

// Count implements Store. An empty status counts every status.
func (s *SQLStore) Count(ctx context.Context, tenantID tenant.ID, status Status, onlyIrregular bool, fromDate string) (int, error) {
	filter := Filter{From: fromDate, OnlyIrregular: onlyIrregular}
	if status != "" {
		filter.Statuses = []Status{status}
	}
	clause, args := buildWhere(tenantID, filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM time_records WHERE `+clause, args...).Scan(&n); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "count time records")
	}
	return n, nil
}

func scanRecord(row rowScanner) (*TimeRecord, error) {
	var (
		r         TimeRecord
		tid       string
		raw       string
		irregular int
		status    string
	)
	err := row.Scan(&r.ID, &tid, &r.EmployeeID, &r.Date, &r.ClockIn, &r.LunchStart, &r.LunchEnd, &r.ClockOut, &r.Notes,
		&raw, &irregular, &status, &r.ReviewerID, &r.ReviewNote, &r.ReviewedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if sqlstore.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan time record")
	}
	r.TenantID, r.Status = tenant.ID(tid), Status(status)
	r.Irregularities = decodeIrregularities(raw)
	return &r, nil
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func expectOne(res rowsAffected) error {
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "rows affected")
	}
	if n == 0 {
		return ErrNotPending
	}
	return nil
}
