package finance

import (
	"context"
	"strings"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/storage/sqlstore"
	"medstaff/internal/tenant"
)

// SQLStore implements Store on the revenues and expenses tables.
type SQLStore struct {
	db *sqlstore.DB
}

// NewSQLStore builds the store on db.
func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

const (
	revenueColumns = `id, tenant_id, description, category, amount_cents, tax_cents, competence, status, received_at, contract_id, created_at, updated_at`
	expenseColumns = `id, tenant_id, description, category, amount_cents, competence, due_date, status, paid_at, supplier, created_at, updated_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateRevenue implements Store.
func (s *SQLStore) CreateRevenue(ctx context.Context, r *Revenue) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO revenues (`+revenueColumns+`) VALUES (`+sqlstore.Placeholders(12)+`)`,
		r.ID, string(r.TenantID), r.Description, string(r.Category), r.AmountCents, r.TaxCents, r.Competence,
		string(r.Status), r.ReceivedAt, r.ContractID, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert revenue")
	}
	return nil
}

// UpdateRevenue implements Store.
func (s *SQLStore) UpdateRevenue(ctx context.Context, r *Revenue) error {
	res, err := s.db.ExecContext(ctx, `UPDATE revenues SET description = ?, category = ?, amount_cents = ?, tax_cents = ?, competence = ?,
status = ?, received_at = ?, contract_id = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		r.Description, string(r.Category), r.AmountCents, r.TaxCents, r.Competence, string(r.Status), r.ReceivedAt,
		r.ContractID, r.UpdatedAt, string(r.TenantID), r.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update revenue")
	}
	return expectOne(res, ErrRevenueNotFound)
}

// GetRevenue implements Store.
func (s *SQLStore) GetRevenue(ctx context.Context, tenantID tenant.ID, id string) (*Revenue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+revenueColumns+` FROM revenues WHERE tenant_id = ? AND id = ?`, string(tenantID), id)
	return scanRevenue(row)
}

// ListRevenues implements Store.
func (s *SQLStore) ListRevenues(ctx context.Context, tenantID tenant.ID, filter Filter) ([]Revenue, int, error) {
	filter.normalise()
	clause, args := filterClause(tenantID, filter)
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM revenues WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "count revenues")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+revenueColumns+` FROM revenues WHERE `+clause+
		` ORDER BY competence DESC, created_at DESC, id LIMIT ? OFFSET ?`, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query revenues")
	}
	defer rows.Close()
	var out []Revenue
	for rows.Next() {
		r, err := scanRevenue(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate revenues")
	}
	return out, total, nil
}

// CreateExpense implements Store.
func (s *SQLStore) CreateExpense(ctx context.Context, e *Expense) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO expenses (`+expenseColumns+`) VALUES (`+sqlstore.Placeholders(12)+`)`,
		e.ID, string(e.TenantID), e.Description, string(e.Category), e.AmountCents, e.Competence, e.DueDate,
		string(e.Status), e.PaidAt, e.Supplier, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert expense")
	}
	return nil
}

// UpdateExpense implements Store.
func (s *SQLStore) UpdateExpense(ctx context.Context, e *Expense) error {
	res, err := s.db.ExecContext(ctx, `UPDATE expenses SET description = ?, category = ?, amount_cents = ?, competence = ?, due_date = ?,
status = ?, paid_at = ?, supplier = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		e.Description, string(e.Category), e.AmountCents, e.Competence, e.DueDate, string(e.Status), e.PaidAt,
		e.Supplier, e.UpdatedAt, string(e.TenantID), e.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update expense")
	}
	return expectOne(res, ErrExpenseNotFound)
}

// GetExpense implements Store.
func (s *SQLStore) GetExpense(ctx context.Context, tenantID tenant.ID, id string) (*Expense, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE tenant_id = ? AND id = ?`, string(tenantID), id)
	return scanExpense(row)
}

// ListExpenses implements Store.
func (s *SQLStore) ListExpenses(ctx context.Context, tenantID tenant.ID, filter Filter) ([]Expense, int, error) {
	filter.normalise()
	clause, args := filterClause(tenantID, filter)
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM expenses WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "count expenses")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE `+clause+
		` ORDER BY competence DESC, due_date, id LIMIT ? OFFSET ?`, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query expenses")
	}
	defer rows.Close()
	var out []Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate expenses")
	}
	return out, total, nil
}

// Totals implements Store.
func (s *SQLStore) Totals(ctx context.Context, tenantID tenant.ID, from, to string) (map[string]*Totals, error) {
	out := map[string]*Totals{}
	get := func(m string) *Totals {
		if out[m] == nil {
			out[m] = newTotals()
		}
		return out[m]
	}

	rows, err := s.db.QueryContext(ctx, `SELECT competence, category, COALESCE(SUM(amount_cents), 0), COALESCE(SUM(tax_cents), 0)
FROM revenues WHERE tenant_id = ? AND competence >= ? AND competence <= ? AND status <> ? GROUP BY competence, category`,
		string(tenantID), from, to, string(RevenueCancelada))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "sum revenues")
	}
	for rows.Next() {
		var (
			month, category string
			amount, tax     int64
		)
		if err := rows.Scan(&month, &category, &amount, &tax); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan revenue sums")
		}
		t := get(month)
		t.Revenue[RevenueCategory(category)] += amount
		t.Tax[RevenueCategory(category)] += tax
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate revenue sums")
	}

	rows, err = s.db.QueryContext(ctx, `SELECT competence, category, COALESCE(SUM(amount_cents), 0)
FROM expenses WHERE tenant_id = ? AND competence >= ? AND competence <= ? AND status <> ? GROUP BY competence, category`,
		string(tenantID), from, to, string(ExpenseCancelada))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "sum expenses")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			month, category string
			amount          int64
		)
		if err := rows.Scan(&month, &category, &amount); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan expense sums")
		}
		get(month).Expense[ExpenseCategory(category)] += amount
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate expense sums")
	}
	return out, nil
}

func filterClause(tenantID tenant.ID, filter Filter) (string, []any) {
	where := []string{"tenant_id = ?"}
	args := []any{string(tenantID)}
	if filter.From != "" {
		where = append(where, "competence >= ?")
		args = append(args, filter.From)
	}
	if filter.To != "" {
		where = append(where, "competence <= ?")
		args = append(args, filter.To)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	return strings.Join(where, " AND "), args
}

func scanRevenue(row rowScanner) (*Revenue, error) {
	var (
		r                     Revenue
		tid, category, status string
	)
	err := row.Scan(&r.ID, &tid, &r.Description, &category, &r.AmountCents, &r.TaxCents, &r.Competence, &status,
		&r.ReceivedAt, &r.ContractID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if sqlstore.IsNoRows(err) {
			return nil, ErrRevenueNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan revenue")
	}
	r.TenantID, r.Category, r.Status = tenant.ID(tid), RevenueCategory(category), RevenueStatus(status)
	return &r, nil
}

func scanExpense(row rowScanner) (*Expense, error) {
	var (
		e                     Expense
		tid, category, status string
	)
	err := row.Scan(&e.ID, &tid, &e.Description, &category, &e.AmountCents, &e.Competence, &e.DueDate, &status,
		&e.PaidAt, &e.Supplier, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if sqlstore.IsNoRows(err) {
			return nil, ErrExpenseNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan expense")
	}
	e.TenantID, e.Category, e.Status = tenant.ID(tid), ExpenseCategory(category), ExpenseStatus(status)
	return &e, nil
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func expectOne(res rowsAffected, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "rows affected")
	}
	if n == 0 {
		return missing
	}
	return nil
}
