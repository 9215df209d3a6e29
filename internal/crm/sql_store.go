package crm

import (
	"context"
	"strings"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/storage/sqlstore"
	"medstaff/internal/tenant"
	"medstaff/internal/validate"
)

// SQLStore implements Store on the leads, lead_stage_history and contracts
// tables.
type SQLStore struct {
	db *sqlstore.DB
}

// NewSQLStore builds the store on db.
func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

const leadColumns = `id, tenant_id, name, company, email, phone, source, value_cents, stage, owner_id, notes, lost_reason, contract_id, created_at, updated_at`

const contractColumns = `id, tenant_id, lead_id, client_name, owner_id, value_cents, start_date, end_date, status, notes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateLead implements Store.
func (s *SQLStore) CreateLead(ctx context.Context, lead *Lead, initial StageChange) error {
	return s.db.InTx(ctx, func(tx *sqlstore.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO leads (`+leadColumns+`, search_text) VALUES (`+sqlstore.Placeholders(16)+`)`,
			lead.ID, string(lead.TenantID), lead.Name, lead.Company, lead.Email, lead.Phone, lead.Source, lead.ValueCents,
			string(lead.Stage), lead.OwnerID, lead.Notes, lead.LostReason, lead.ContractID, lead.CreatedAt, lead.UpdatedAt,
			lead.searchText())
		if err != nil {
			if sqlstore.IsUniqueViolation(err) {
				return xerrors.Wrap(xerrors.CodeConflict, err, "lead already exists")
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert lead")
		}
		return insertStageChange(ctx, tx, initial)
	})
}

// UpdateLead implements Store. Stage, lost reason and contract link are only
// changed through MoveLead and ConvertLead.
func (s *SQLStore) UpdateLead(ctx context.Context, lead *Lead) error {
	res, err := s.db.ExecContext(ctx, `UPDATE leads SET name = ?, company = ?, email = ?, phone = ?, source = ?, value_cents = ?,
owner_id = ?, notes = ?, search_text = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		lead.Name, lead.Company, lead.Email, lead.Phone, lead.Source, lead.ValueCents, lead.OwnerID, lead.Notes,
		lead.searchText(), lead.UpdatedAt, string(lead.TenantID), lead.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update lead")
	}
	return expectOne(res, ErrLeadNotFound)
}

// GetLead implements Store.
func (s *SQLStore) GetLead(ctx context.Context, tenantID tenant.ID, id string) (*Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE tenant_id = ? AND id = ?`, string(tenantID), id)
	return scanLead(row)
}

// ListLeads implements Store. The second result is the total before paging.
func (s *SQLStore) ListLeads(ctx context.Context, tenantID tenant.ID, filter LeadFilter) ([]Lead, int, error) {
	filter.normalise()
	where := []string{"tenant_id = ?"}
	args := []any{string(tenantID)}
	if len(filter.Stages) > 0 {
		where = append(where, "stage IN ("+sqlstore.Placeholders(len(filter.Stages))+")")
		for _, stage := range filter.Stages {
			args = append(args, string(stage))
		}
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if pattern := validate.LikePattern(filter.Query); pattern != "" {
		where = append(where, "search_text LIKE ?")
		args = append(args, pattern)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "count leads")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE `+clause+
		` ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query leads")
	}
	defer rows.Close()
	var leads []Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, 0, err
		}
		leads = append(leads, *lead)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate leads")
	}
	return leads, total, nil
}

// MoveLead implements Store.
func (s *SQLStore) MoveLead(ctx context.Context, change StageChange, lostReason string) error {
	return s.db.InTx(ctx, func(tx *sqlstore.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE leads SET stage = ?, lost_reason = ?, updated_at = ? WHERE tenant_id = ? AND id = ? AND stage = ?`,
			string(change.To), lostReason, change.CreatedAt, string(change.TenantID), change.LeadID, string(change.From))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "move lead")
		}
		if err := expectOne(res, ErrStaleStage); err != nil {
			return err
		}
		return insertStageChange(ctx, tx, change)
	})
}

// History implements Store, oldest entry first.
func (s *SQLStore) History(ctx context.Context, tenantID tenant.ID, leadID string) ([]StageChange, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, lead_id, from_stage, to_stage, actor_id, note, created_at
FROM lead_stage_history WHERE tenant_id = ? AND lead_id = ? ORDER BY created_at, id`, string(tenantID), leadID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query lead history")
	}
	defer rows.Close()
	var history []StageChange
	for rows.Next() {
		var (
			c        StageChange
			tid      string
			from, to string
		)
		if err := rows.Scan(&c.ID, &tid, &c.LeadID, &from, &to, &c.ActorID, &c.Note, &c.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan lead history")
		}
		c.TenantID, c.From, c.To = tenant.ID(tid), Stage(from), Stage(to)
		history = append(history, c)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate lead history")
	}
	return history, nil
}

// ConvertLead implements Store.
func (s *SQLStore) ConvertLead(ctx context.Context, contract *Contract) error {
	return s.db.InTx(ctx, func(tx *sqlstore.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE leads SET contract_id = ?, updated_at = ? WHERE tenant_id = ? AND id = ? AND stage = ? AND contract_id = ''`,
			contract.ID, contract.CreatedAt, string(contract.TenantID), contract.LeadID, string(StageFechamento))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "link lead to contract")
		}
		if err := expectOne(res, ErrAlreadyConverted); err != nil {
			return err
		}
		return insertContract(ctx, tx, contract)
	})
}

// StageTotals implements Store.
func (s *SQLStore) StageTotals(ctx context.Context, tenantID tenant.ID) ([]StageSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, COUNT(*), COALESCE(SUM(value_cents), 0) FROM leads WHERE tenant_id = ? GROUP BY stage`, string(tenantID))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "aggregate leads")
	}
	defer rows.Close()
	var totals []StageSummary
	for rows.Next() {
		var (
			stage string
			sum   StageSummary
		)
		if err := rows.Scan(&stage, &sum.Count, &sum.ValueCents); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan lead totals")
		}
		sum.Stage = Stage(stage)
		totals = append(totals, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate lead totals")
	}
	return totals, nil
}

// CreateContract implements Store.
func (s *SQLStore) CreateContract(ctx context.Context, contract *Contract) error {
	return insertContract(ctx, s.db, contract)
}

// GetContract implements Store.
func (s *SQLStore) GetContract(ctx context.Context, tenantID tenant.ID, id string) (*Contract, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE tenant_id = ? AND id = ?`, string(tenantID), id)
	return scanContract(row)
}

// ListContracts implements Store.
func (s *SQLStore) ListContracts(ctx context.Context, tenantID tenant.ID, filter ContractFilter) ([]Contract, int, error) {
	filter.normalise()
	where := []string{"tenant_id = ?"}
	args := []any{string(tenantID)}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+sqlstore.Placeholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contracts WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "count contracts")
	}
	contracts, err := s.queryContracts(ctx, `SELECT `+contractColumns+` FROM contracts WHERE `+clause+
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return contracts, total, nil
}

// SetContractStatus implements Store.
func (s *SQLStore) SetContractStatus(ctx context.Context, tenantID tenant.ID, id string, from, to ContractStatus, at int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE contracts SET status = ?, updated_at = ? WHERE tenant_id = ? AND id = ? AND status = ?`,
		string(to), at, string(tenantID), id, string(from))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update contract status")
	}
	return expectOne(res, xerrors.New(xerrors.CodeConflict, "contract status changed concurrently"))
}

// ContractsEndingBetween implements Store.
func (s *SQLStore) ContractsEndingBetween(ctx context.Context, tenantID tenant.ID, from, to string) ([]Contract, error) {
	return s.queryContracts(ctx, `SELECT `+contractColumns+` FROM contracts
WHERE tenant_id = ? AND status = ? AND end_date <> '' AND end_date >= ? AND end_date <= ? ORDER BY end_date, id`,
		string(tenantID), string(ContractAtivo), from, to)
}

// CountContracts implements Store.
func (s *SQLStore) CountContracts(ctx context.Context, tenantID tenant.ID, status ContractStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contracts WHERE tenant_id = ? AND status = ?`, string(tenantID), string(status)).Scan(&n)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "count contracts")
	}
	return n, nil
}

func (s *SQLStore) queryContracts(ctx context.Context, query string, args ...any) ([]Contract, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query contracts")
	}
	defer rows.Close()
	var contracts []Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate contracts")
	}
	return contracts, nil
}

func insertStageChange(ctx context.Context, q sqlstore.Querier, c StageChange) error {
	_, err := q.ExecContext(ctx, `INSERT INTO lead_stage_history (id, tenant_id, lead_id, from_stage, to_stage, actor_id, note, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, c.ID, string(c.TenantID), c.LeadID, string(c.From), string(c.To), c.ActorID, c.Note, c.CreatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert lead history")
	}
	return nil
}

func insertContract(ctx context.Context, q sqlstore.Querier, c *Contract) error {
	_, err := q.ExecContext(ctx, `INSERT INTO contracts (`+contractColumns+`) VALUES (`+sqlstore.Placeholders(12)+`)`,
		c.ID, string(c.TenantID), c.LeadID, c.ClientName, c.OwnerID, c.ValueCents, c.StartDate, c.EndDate,
		string(c.Status), c.Notes, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if sqlstore.IsUniqueViolation(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, "contract already exists")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert contract")
	}
	return nil
}

func scanLead(row rowScanner) (*Lead, error) {
	var (
		l     Lead
		tid   string
		stage string
	)
	err := row.Scan(&l.ID, &tid, &l.Name, &l.Company, &l.Email, &l.Phone, &l.Source, &l.ValueCents, &stage,
		&l.OwnerID, &l.Notes, &l.LostReason, &l.ContractID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if sqlstore.IsNoRows(err) {
			return nil, ErrLeadNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan lead")
	}
	l.TenantID, l.Stage = tenant.ID(tid), Stage(stage)
	return &l, nil
}

func scanContract(row rowScanner) (*Contract, error) {
	var (
		c      Contract
		tid    string
		status string
	)
	err := row.Scan(&c.ID, &tid, &c.LeadID, &c.ClientName, &c.OwnerID, &c.ValueCents, &c.StartDate, &c.EndDate,
		&status, &c.Notes, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if sqlstore.IsNoRows(err) {
			return nil, ErrContractNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan contract")
	}
	c.TenantID, c.Status = tenant.ID(tid), ContractStatus(status)
	return &c, nil
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
