package hr

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

// Service implements the employee register for the tenant in ctx.
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
		logger: logger.Named("hr"),
		audit:  logger.Audit(),
	}
}

// Create registers an employee as ativo.
func (s *Service) Create(ctx context.Context, in Input) (*Employee, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	in.normalise()
	schedule := DefaultSchedule()
	if in.Schedule != nil {
		schedule = *in.Schedule
	}
	if err := in.validate(schedule); err != nil {
		return nil, err
	}
	now := s.now().Unix()
	e := &Employee{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Status:    StatusAtivo,
		CreatedAt: now,
		UpdatedAt: now,
	}
	apply(e, in, schedule)
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}
	s.audit.Info("employee_created", "tenant_id", string(tenantID), "employee_id", e.ID, "actor_id", auth.ActorID(ctx))
	return e, nil
}

// Update replaces the editable fields of an employee.
func (s *Service) Update(ctx context.Context, id string, in Input) (*Employee, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	e, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	in.normalise()
	schedule := e.Schedule
	if in.Schedule != nil {
		schedule = *in.Schedule
	}
	if err := in.validate(schedule); err != nil {
		return nil, err
	}
	if e.TerminationDate != "" && e.TerminationDate < in.AdmissionDate {
		return nil, xerrors.Validation(map[string]string{"admission_date": "posterior à data de desligamento"})
	}
	apply(e, in, schedule)
	e.UpdatedAt = s.now().Unix()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	s.audit.Info("employee_updated", "tenant_id", string(tenantID), "employee_id", e.ID, "actor_id", auth.ActorID(ctx))
	return e, nil
}

func apply(e *Employee, in Input, schedule WorkSchedule) {
	e.Name = in.Name
	e.CPF = in.CPF
	e.Email = in.Email
	e.JobTitle = in.JobTitle
	e.Department = in.Department
	e.AdmissionDate = in.AdmissionDate
	e.SalaryCents = in.SalaryCents
	e.UserID = in.UserID
	schedule.Workdays = decodeWorkdays(encodeWorkdays(schedule.Workdays))
	e.Schedule = schedule
}

// Get returns one employee.
func (s *Service) Get(ctx context.Context, id string) (*Employee, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.Get(ctx, tenantID, id)
}

// ForUser returns the employee linked to a login.
func (s *Service) ForUser(ctx context.Context, userID string) (*Employee, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.GetByUserID(ctx, tenantID, userID)
}

// List returns a page of employees and the total matching filter.
func (s *Service) List(ctx context.Context, filter Filter) ([]Employee, int, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, 0, err
	}
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, 0, xerrors.New(xerrors.CodeInvalidArgument, "unknown status "+string(st), xerrors.WithField("status", "status desconhecido"))
		}
	}
	filter.Department = strings.TrimSpace(filter.Department)
	return s.store.List(ctx, tenantID, filter)
}

// ChangeStatus moves an employee to status. desligado requires a
// termination date not before admission; leaving desligado clears it.
func (s *Service) ChangeStatus(ctx context.Context, id string, status Status, terminationDate string) (*Employee, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, xerrors.Validation(map[string]string{"status": "status desconhecido"})
	}
	e, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if e.Status == status {
		return nil, xerrors.New(xerrors.CodeFailedPrecondition, "employee already "+string(status))
	}
	terminationDate = strings.TrimSpace(terminationDate)
	if status == StatusDesligado {
		if _, ok := validate.Date(terminationDate); !ok {
			return nil, xerrors.Validation(map[string]string{"termination_date": "data inválida, use AAAA-MM-DD"})
		}
		if terminationDate < e.AdmissionDate {
			return nil, xerrors.Validation(map[string]string{"termination_date": "anterior à data de admissão"})
		}
	} else {
		terminationDate = ""
	}
	now := s.now().Unix()
	if err := s.store.SetStatus(ctx, tenantID, id, status, terminationDate, now); err != nil {
		return nil, err
	}
	s.audit.Info("employee_status_changed", "tenant_id", string(tenantID), "employee_id", id,
		"from", string(e.Status), "to", string(status), "actor_id", auth.ActorID(ctx))
	e.Status = status
	e.TerminationDate = terminationDate
	e.UpdatedAt = now
	return e, nil
}

// Headcount counts employees per status.
func (s *Service) Headcount(ctx context.Context) (*Headcount, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountByStatus(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	hc := &Headcount{ByStatus: make(map[Status]int, len(Statuses))}
	for _, st := range Statuses {
		n := counts[st]
		hc.ByStatus[st] = n
		hc.Total += n
		if st != StatusDesligado {
			hc.Active += n
		}
	}
	return hc, nil
}

// EmailForUser resolves the address of the employee linked to userID, for the
// e-mail notification channel. Users without an employee record get "".
func (s *Service) EmailForUser(ctx context.Context, tenantID tenant.ID, userID string) (string, error) {
	e, err := s.store.GetByUserID(ctx, tenantID, userID)
	if err != nil {
		if xerrors.IsCode(err, xerrors.CodeNotFound) {
			return "", nil
		}
		return "", err
	}
	if e.Status == StatusDesligado {
		return "", nil
	}
	return e.Email, nil
}
