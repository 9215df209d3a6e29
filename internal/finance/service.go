package finance

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"medstaff/internal/auth"
	xerrors "medstaff/internal/errors"
	"medstaff/internal/tenant"
	"medstaff/internal/validate"
	"medstaff/pkg/logger"
)

// MaxDREMonths bounds the competence range of one DRE.
const MaxDREMonths = 36

// Service implements bookkeeping for the tenant in ctx.
type Service struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
	audit  *slog.Logger
}

// NewService builds a Service on store.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		now:    time.Now,
		logger: logger.Named("finance"),
		audit:  logger.Audit(),
	}
}

// CreateRevenue books a revenue.
func (s *Service) CreateRevenue(ctx context.Context, in RevenueInput) (*Revenue, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	in.normalise()
	if err := ValidateRevenue(in); err != nil {
		return nil, err
	}
	now := s.now().Unix()
	r := &Revenue{ID: uuid.NewString(), TenantID: tenantID, CreatedAt: now, UpdatedAt: now}
	applyRevenue(r, in)
	if err := s.store.CreateRevenue(ctx, r); err != nil {
		return nil, err
	}
	s.audit.Info("revenue_created", "tenant_id", string(tenantID), "revenue_id", r.ID, "category", string(r.Category),
		"amount_cents", r.AmountCents, "competence", r.Competence, "actor_id", auth.ActorID(ctx))
	return r, nil
}

func applyRevenue(r *Revenue, in RevenueInput) {
	r.Description = in.Description
	r.Category = in.Category
	r.AmountCents = in.AmountCents
	r.TaxCents = in.TaxCents
	r.Competence = in.Competence
	r.Status = in.Status
	r.ReceivedAt = in.ReceivedAt
	r.ContractID = in.ContractID
}

// UpdateRevenue replaces the fields of a revenue that is not cancelled.
func (s *Service) UpdateRevenue(ctx context.Context, id string, in RevenueInput) (*Revenue, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.store.GetRevenue(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if r.Status == RevenueCancelada {
		return nil, ErrCancelled
	}
	in.normalise()
	if err := ValidateRevenue(in); err != nil {
		return nil, err
	}
	applyRevenue(r, in)
	return r, s.saveRevenue(ctx, r, "revenue_updated")
}

// GetRevenue returns one revenue.
func (s *Service) GetRevenue(ctx context.Context, id string) (*Revenue, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.GetRevenue(ctx, tenantID, id)
}

// ListRevenues returns a page of revenues and the total matching filter.
func (s *Service) ListRevenues(ctx context.Context, filter Filter) ([]Revenue, int, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, 0, err
	}
	if err := validateFilter(filter); err != nil {
		return nil, 0, err
	}
	return s.store.ListRevenues(ctx, tenantID, filter)
}

// CancelRevenue excludes a revenue from the DRE.
func (s *Service) CancelRevenue(ctx context.Context, id string) (*Revenue, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.store.GetRevenue(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if r.Status == RevenueCancelada {
		return nil, ErrCancelled
	}
	r.Status = RevenueCancelada
	return r, s.saveRevenue(ctx, r, "revenue_cancelled")
}

// MarkReceived settles a prevista revenue on date.
func (s *Service) MarkReceived(ctx context.Context, id, date string) (*Revenue, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.store.GetRevenue(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case RevenueCancelada:
		return nil, ErrCancelled
	case RevenueRecebida:
		return nil, ErrSettled
	}
	in := RevenueInput{
		Description: r.Description, Category: r.Category, AmountCents: r.AmountCents, TaxCents: r.TaxCents,
		Competence: r.Competence, Status: RevenueRecebida, ReceivedAt: strings.TrimSpace(date), ContractID: r.ContractID,
	}
	if err := ValidateRevenue(in); err != nil {
		return nil, err
	}
	r.Status, r.ReceivedAt = RevenueRecebida, in.ReceivedAt
	return r, s.saveRevenue(ctx, r, "revenue_received")
}

func (s *Service) saveRevenue(ctx context.Context, r *Revenue, event string) error {
	r.UpdatedAt = s.now().Unix()
	if err := s.store.UpdateRevenue(ctx, r); err != nil {
		return err
	}
	s.audit.Info(event, "tenant_id", string(r.TenantID), "revenue_id", r.ID, "status", string(r.Status),
		"amount_cents", r.AmountCents, "actor_id", auth.ActorID(ctx))
	return nil
}

// CreateExpense books an expense.
func (s *Service) CreateExpense(ctx context.Context, in ExpenseInput) (*Expense, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	in.normalise()
	if err := ValidateExpense(in); err != nil {
		return nil, err
	}
	now := s.now().Unix()
	e := &Expense{ID: uuid.NewString(), TenantID: tenantID, CreatedAt: now, UpdatedAt: now}
	applyExpense(e, in)
	if err := s.store.CreateExpense(ctx, e); err != nil {
		return nil, err
	}
	s.audit.Info("expense_created", "tenant_id", string(tenantID), "expense_id", e.ID, "category", string(e.Category),
		"amount_cents", e.AmountCents, "competence", e.Competence, "actor_id", auth.ActorID(ctx))
	return e, nil
}

func applyExpense(e *Expense, in ExpenseInput) {
	e.Description = in.Description
	e.Category = in.Category
	e.AmountCents = in.AmountCents
	e.Competence = in.Competence
	e.DueDate = in.DueDate
	e.Status = in.Status
	e.PaidAt = in.PaidAt
	e.Supplier = in.Supplier
}

// UpdateExpense replaces the fields of an expense that is not cancelled.
func (s *Service) UpdateExpense(ctx context.Context, id string, in ExpenseInput) (*Expense, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	e, err := s.store.GetExpense(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if e.Status == ExpenseCancelada {
		return nil, ErrCancelled
	}
	in.normalise()
	if err := ValidateExpense(in); err != nil {
		return nil, err
	}
	applyExpense(e, in)
	return e, s.saveExpense(ctx, e, "expense_updated")
}

// GetExpense returns one expense.
func (s *Service) GetExpense(ctx context.Context, id string) (*Expense, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.GetExpense(ctx, tenantID, id)
}

// ListExpenses returns a page of expenses and the total matching filter.
func (s *Service) ListExpenses(ctx context.Context, filter Filter) ([]Expense, int, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, 0, err
	}
	if err := validateFilter(filter); err != nil {
		return nil, 0, err
	}
	return s.store.ListExpenses(ctx, tenantID, filter)
}

// CancelExpense excludes an expense from the DRE.
func (s *Service) CancelExpense(ctx context.Context, id string) (*Expense, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	e, err := s.store.GetExpense(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if e.Status == ExpenseCancelada {
		return nil, ErrCancelled
	}
	e.Status = ExpenseCancelada
	return e, s.saveExpense(ctx, e, "expense_cancelled")
}

// MarkPaid settles a pendente expense on date.
func (s *Service) MarkPaid(ctx context.Context, id, date string) (*Expense, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	e, err := s.store.GetExpense(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case ExpenseCancelada:
		return nil, ErrCancelled
	case ExpensePaga:
		return nil, ErrSettled
	}
	in := ExpenseInput{
		Description: e.Description, Category: e.Category, AmountCents: e.AmountCents, Competence: e.Competence,
		DueDate: e.DueDate, Status: ExpensePaga, PaidAt: strings.TrimSpace(date), Supplier: e.Supplier,
	}
	if err := ValidateExpense(in); err != nil {
		return nil, err
	}
	e.Status, e.PaidAt = ExpensePaga, in.PaidAt
	return e, s.saveExpense(ctx, e, "expense_paid")
}

func (s *Service) saveExpense(ctx context.Context, e *Expense, event string) error {
	e.UpdatedAt = s.now().Unix()
	if err := s.store.UpdateExpense(ctx, e); err != nil {
		return err
	}
	s.audit.Info(event, "tenant_id", string(e.TenantID), "expense_id", e.ID, "status", string(e.Status),
		"amount_cents", e.AmountCents, "actor_id", auth.ActorID(ctx))
	return nil
}

// DRE builds the income statement for competences from..to (YYYY-MM),
// excluding cancelled entries.
func (s *Service) DRE(ctx context.Context, from, to string) (*DRE, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	months, err := monthRange(from, to)
	if err != nil {
		return nil, err
	}
	totals, err := s.store.Totals(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	return build(from, to, months, totals), nil
}

// CurrentMonth returns the statement of the current competence month.
func (s *Service) CurrentMonth(ctx context.Context) (*Statement, error) {
	month := s.now().Format(validate.MonthLayout)
	dre, err := s.DRE(ctx, month, month)
	if err != nil {
		return nil, err
	}
	return &dre.Total, nil
}

func monthRange(from, to string) ([]string, error) {
	f := validate.Fields{}
	start, okFrom := validate.Month(from)
	if !okFrom || len(from) != 7 {
		f.Add("from", "competência inválida, use AAAA-MM")
	}
	end, okTo := validate.Month(to)
	if !okTo || len(to) != 7 {
		f.Add("to", "competência inválida, use AAAA-MM")
	}
	if len(f) == 0 && end.Before(start) {
		f.Add("to", "anterior ao início do período")
	}
	if err := xerrors.Validation(f); err != nil {
		return nil, err
	}
	var months []string
	for m := start; !m.After(end); m = m.AddDate(0, 1, 0) {
		months = append(months, m.Format(validate.MonthLayout))
		if len(months) > MaxDREMonths {
			return nil, xerrors.Validation(map[string]string{"to": "período máximo de 36 meses"})
		}
	}
	return months, nil
}

func validateFilter(filter Filter) error {
	f := validate.Fields{}
	if filter.From != "" {
		if _, ok := validate.Month(filter.From); !ok {
			f.Add("from", "competência inválida, use AAAA-MM")
		}
	}
	if filter.To != "" {
		if _, ok := validate.Month(filter.To); !ok {
			f.Add("to", "competência inválida, use AAAA-MM")
		}
	}
	return xerrors.Validation(f)
}
