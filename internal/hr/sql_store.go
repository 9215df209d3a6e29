package hr

import (
	"context"
	"strings"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/storage/sqlstore"
	"medstaff/internal/tenant"
	"medstaff/internal/validate"
)

// SQLStore implements Store on the employees table.
type SQLStore struct {
	db *sqlstore.DB
}

// NewSQLStore builds the store on db.
func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

const employeeColumns = `id, tenant_id, name, cpf, email, job_title, department, admission_date, termination_date, salary_cents,
status, user_id, schedule_start, schedule_end, lunch_minutes, workdays, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// Create implements Store.
func (s *SQLStore) Create(ctx context.Context, e *Employee) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO employees (`+employeeColumns+`, search_text) VALUES (`+sqlstore.Placeholders(19)+`)`,
		e.ID, string(e.TenantID), e.Name, e.CPF, e.Email, e.JobTitle, e.Department, e.AdmissionDate, e.TerminationDate,
		e.SalaryCents, string(e.Status), e.UserID, e.Schedule.Start, e.Schedule.End, e.Schedule.LunchMinutes,
		encodeWorkdays(e.Schedule.Workdays), e.CreatedAt, e.UpdatedAt, e.searchText())
	if err != nil {
		if sqlstore.IsUniqueViolation(err) {
			return ErrDuplicateCPF
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert employee")
	}
	return nil
}

// Update implements Store. Status and termination date change through
// SetStatus only.
func (s *SQLStore) Update(ctx context.Context, e *Employee) error {
	res, err := s.db.ExecContext(ctx, `UPDATE employees SET name = ?, cpf = ?, email = ?, job_title = ?, department = ?,
admission_date = ?, salary_cents = ?, user_id = ?, schedule_start = ?, schedule_end = ?, lunch_minutes = ?, workdays = ?,
search_text = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		e.Name, e.CPF, e.Email, e.JobTitle, e.Department, e.AdmissionDate, e.SalaryCents, e.UserID,
		e.Schedule.Start, e.Schedule.End, e.Schedule.LunchMinutes, encodeWorkdays(e.Schedule.Workdays),
		e.searchText(), e.UpdatedAt, string(e.TenantID), e.ID)
	if err != nil {
		if sqlstore.IsUniqueViolation(err) {
			return ErrDuplicateCPF
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update employee")
	}
	return expectOne(res)
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, tenantID tenant.ID, id string) (*Employee, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+employeeColumns+` FROM employees WHERE tenant_id = ? AND id = ?`, string(tenantID), id)
	return scanEmployee(row)
}

// GetByUserID implements Store. With several matches the earliest admitted
// employee that is not desligado wins.
func (s *SQLStore) GetByUserID(ctx context.Context, tenantID tenant.ID, userID string) (*Employee, error) {
	if userID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+employeeColumns+` FROM employees WHERE tenant_id = ? AND user_id = ?
ORDER BY CASE WHEN status = ? THEN 1 ELSE 0 END, admission_date LIMIT 1`, string(tenantID), userID, string(StatusDesligado))
	return scanEmployee(row)
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, tenantID tenant.ID, filter Filter) ([]Employee, int, error) {
	filter.normalise()
	where := []string{"tenant_id = ?"}
	args := []any{string(tenantID)}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+sqlstore.Placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.Department != "" {
		where = append(where, "department = ?")
		args = append(args, filter.Department)
	}
	if pattern := validate.LikePattern(filter.Query); pattern != "" {
		where = append(where, "search_text LIKE ?")
		args = append(args, pattern)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM employees WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "count employees")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+employeeColumns+` FROM employees WHERE `+clause+
		` ORDER BY name, id LIMIT ? OFFSET ?`, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query employees")
	}
	defer rows.Close()
	var out []Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate employees")
	}
	return out, total, nil
}

// SetStatus implements Store.
func (s *SQLStore) SetStatus(ctx context.Context, tenantID tenant.ID, id string, status Status, terminationDate string, at int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE employees SET status = ?, termination_date = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		string(status), terminationDate, at, string(tenantID), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update employee status")
	}
	return expectOne(res)
}

// CountByStatus implements Store.
func (s *SQLStore) CountByStatus(ctx context.Context, tenantID tenant.ID) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM employees WHERE tenant_id = ? GROUP BY status`, string(tenantID))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "count employees by status")
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan employee counts")
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate employee counts")
	}
	return counts, nil
}

func scanEmployee(row rowScanner) (*Employee, error) {
	var (
		e        Employee
		tid      string
		status   string
		workdays string
	)
	err := row.Scan(&e.ID, &tid, &e.Name, &e.CPF, &e.Email, &e.JobTitle, &e.Department, &e.AdmissionDate,
		&e.TerminationDate, &e.SalaryCents, &status, &e.UserID, &e.Schedule.Start, &e.Schedule.End,
		&e.Schedule.LunchMinutes, &workdays, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if sqlstore.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan employee")
	}
	e.TenantID, e.Status = tenant.ID(tid), Status(status)
	e.Schedule.Workdays = decodeWorkdays(workdays)
	return &e, nil
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
		return ErrNotFound
	}
	return nil
}
