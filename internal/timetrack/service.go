package timetrack

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"medstaff/internal/auth"
	xerrors "medstaff/internal/errors"
	"medstaff/internal/hr"
	"medstaff/internal/notify"
	"medstaff/internal/tenant"
	"medstaff/internal/validate"
	"medstaff/pkg/logger"
)

// Employees resolves employees of the tenant in ctx. *hr.Service satisfies it.
type Employees interface {
	Get(ctx context.Context, id string) (*hr.Employee, error)
	ForUser(ctx context.Context, userID string) (*hr.Employee, error)
}

// Validators lists the users allowed to review records.
type Validators interface {
	UsersWithPermission(ctx context.Context, tenantID tenant.ID, perm auth.Permission) ([]string, error)
}

// Notifier delivers user notifications.
type Notifier interface {
	Send(ctx context.Context, in notify.Input) (*notify.Notification, error)
}

// Recorder observes detector findings.
type Recorder interface {
	IrregularityDetected(code string)
}

// Option customises a Service.
type Option func(*Service)

// WithNotifier sets the notifier used to alert validators and employees.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithValidators sets the directory of reviewers.
func WithValidators(v Validators) Option {
	return func(s *Service) { s.validators = v }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithThresholds replaces the default detector with one using t.
func WithThresholds(t Thresholds) Option {
	return func(s *Service) { s.detector = NewDetector(t) }
}

// Service implements registration and validation of time records.
type Service struct {
	store      Store
	employees  Employees
	detector   *Detector
	notifier   Notifier
	validators Validators
	recorder   Recorder
	now        func() time.Time
	logger     *slog.Logger
	audit      *slog.Logger
}

// NewService builds a Service.
func NewService(store Store, employees Employees, opts ...Option) *Service {
	s := &Service{
		store:     store,
		employees: employees,
		detector:  NewDetector(DefaultThresholds()),
		now:       time.Now,
		logger:    logger.Named("timetrack"),
		audit:     logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// canManage reports whether the caller handles records of any employee.
// Calls without a subject come from inside the process and are trusted.
func canManage(ctx context.Context) bool {
	subject := auth.SubjectFromContext(ctx)
	return subject == nil || subject.HasPermission(auth.PermTimeValidate) || subject.HasPermission(auth.PermHRWrite)
}

func (s *Service) authorizeEmployee(ctx context.Context, emp *hr.Employee) error {
	if canManage(ctx) {
		return nil
	}
	if emp.UserID != "" && emp.UserID == auth.ActorID(ctx) {
		return nil
	}
	return xerrors.New(xerrors.CodePermissionDenied, "only your own time records are accessible")
}

// Register stores the clock entries of one employee for one day and runs the
// detector. Irregular records are announced to the validators.
func (s *Service) Register(ctx context.Context, in Input) (*TimeRecord, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	in.normalise()
	now := s.now()
	if err := in.validate(now.Format(validate.DateLayout)); err != nil {
		return nil, err
	}
	emp, err := s.employees.Get(ctx, in.EmployeeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeEmployee(ctx, emp); err != nil {
		return nil, err
	}
	if emp.Status == hr.StatusDesligado && (emp.TerminationDate == "" || in.Date > emp.TerminationDate) {
		return nil, xerrors.New(xerrors.CodeFailedPrecondition, "employee is no longer active")
	}
	if in.Date < emp.AdmissionDate {
		return nil, xerrors.Validation(map[string]string{"date": "anterior à admissão"})
	}

	record := &TimeRecord{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		EmployeeID: emp.ID,
		Date:       in.Date,
		Status:     StatusPendente,
		CreatedAt:  now.Unix(),
		UpdatedAt:  now.Unix(),
	}
	applyEntries(record, in)
	if err := s.detect(ctx, record, emp); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, record); err != nil {
		return nil, err
	}
	s.audit.Info("time_record_registered", "tenant_id", string(tenantID), "record_id", record.ID,
		"employee_id", emp.ID, "date", record.Date, "irregularities", len(record.Irregularities), "actor_id", auth.ActorID(ctx))
	if record.Irregular() {
		s.alertValidators(ctx, tenantID, record, emp)
	}
	return record, nil
}

// Correct replaces the entries of a pending record and re-runs detection.
func (s *Service) Correct(ctx context.Context, id string, in Input) (*TimeRecord, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	record, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusPendente {
		return nil, ErrNotPending
	}
	in.normalise()
	in.EmployeeID, in.Date = record.EmployeeID, record.Date
	if err := in.validate(s.now().Format(validate.DateLayout)); err != nil {
		return nil, err
	}
	emp, err := s.employees.Get(ctx, record.EmployeeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeEmployee(ctx, emp); err != nil {
		return nil, err
	}
	applyEntries(record, in)
	if err := s.detect(ctx, record, emp); err != nil {
		return nil, err
	}
	record.UpdatedAt = s.now().Unix()
	if err := s.store.UpdateEntries(ctx, record); err != nil {
		return nil, err
	}
	s.audit.Info("time_record_corrected", "tenant_id", string(tenantID), "record_id", record.ID,
		"irregularities", len(record.Irregularities), "actor_id", auth.ActorID(ctx))
	return record, nil
}

func applyEntries(r *TimeRecord, in Input) {
	r.ClockIn = in.ClockIn
	r.LunchStart = in.LunchStart
	r.LunchEnd = in.LunchEnd
	r.ClockOut = in.ClockOut
	r.Notes = in.Notes
}

func (s *Service) detect(ctx context.Context, record *TimeRecord, emp *hr.Employee) error {
	previous, err := s.store.Previous(ctx, record.TenantID, record.EmployeeID, record.Date)
	if err != nil {
		return err
	}
	record.Irregularities = s.detector.Detect(record, emp.Schedule, previous)
	if s.recorder != nil {
		for _, irr := range record.Irregularities {
			s.recorder.IrregularityDetected(irr.Code)
		}
	}
	return nil
}

// Review approves or rejects a pending record. Rejections need a note and
// nobody reviews their own record.
func (s *Service) Review(ctx context.Context, id string, status Status, note string) (*TimeRecord, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if status != StatusAprovado && status != StatusRejeitado {
		return nil, xerrors.Validation(map[string]string{"status": "use aprovado ou rejeitado"})
	}
	note = strings.TrimSpace(note)
	if status == StatusRejeitado && note == "" {
		return nil, xerrors.Validation(map[string]string{"note": "informe o motivo da rejeição"})
	}
	record, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusPendente {
		return nil, ErrNotPending
	}
	emp, err := s.employees.Get(ctx, record.EmployeeID)
	if err != nil {
		return nil, err
	}
	reviewer := auth.ActorID(ctx)
	if reviewer != "" && emp.UserID == reviewer {
		return nil, ErrOwnRecord
	}
	now := s.now().Unix()
	record.Status = status
	record.ReviewerID = reviewer
	record.ReviewNote = note
	record.ReviewedAt = now
	record.UpdatedAt = now
	if err := s.store.Review(ctx, record); err != nil {
		return nil, err
	}
	s.audit.Info("time_record_reviewed", "tenant_id", string(tenantID), "record_id", record.ID,
		"status", string(status), "actor_id", reviewer)
	if emp.UserID != "" {
		title := "Registro de ponto de " + record.Date + " aprovado"
		if status == StatusRejeitado {
			title = "Registro de ponto de " + record.Date + " rejeitado"
		}
		s.send(ctx, notify.Input{
			UserID:   emp.UserID,
			Kind:     notify.KindTimeReviewed,
			Title:    title,
			Body:     note,
			Metadata: map[string]string{"record_id": record.ID, "status": string(status)},
		})
	}
	return record, nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (*TimeRecord, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	record, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !canManage(ctx) {
		emp, err := s.employees.Get(ctx, record.EmployeeID)
		if err != nil {
			return nil, err
		}
		if err := s.authorizeEmployee(ctx, emp); err != nil {
			return nil, ErrNotFound
		}
	}
	return record, nil
}

// List returns a page of records. Callers without review rights only see
// their own.
func (s *Service) List(ctx context.Context, filter Filter) ([]TimeRecord, int, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, 0, err
	}
	if err := s.restrictToSelf(ctx, &filter); err != nil {
		return nil, 0, err
	}
	if err := validateRange(filter.From, filter.To); err != nil {
		return nil, 0, err
	}
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, 0, xerrors.New(xerrors.CodeInvalidArgument, "unknown status "+string(st), xerrors.WithField("status", "status desconhecido"))
		}
	}
	return s.store.List(ctx, tenantID, filter)
}

func (s *Service) restrictToSelf(ctx context.Context, filter *Filter) error {
	if canManage(ctx) {
		return nil
	}
	emp, err := s.employees.ForUser(ctx, auth.ActorID(ctx))
	if err != nil {
		if xerrors.IsCode(err, xerrors.CodeNotFound) {
			return xerrors.New(xerrors.CodePermissionDenied, "no employee record linked to this user")
		}
		return err
	}
	if filter.EmployeeID != "" && filter.EmployeeID != emp.ID {
		return xerrors.New(xerrors.CodePermissionDenied, "only your own time records are accessible")
	}
	filter.EmployeeID = emp.ID
	return nil
}

func validateRange(from, to string) error {
	f := validate.Fields{}
	if from != "" {
		if _, ok := validate.Date(from); !ok {
			f.Add("from", "data inválida, use AAAA-MM-DD")
		}
	}
	if to != "" {
		if _, ok := validate.Date(to); !ok {
			f.Add("to", "data inválida, use AAAA-MM-DD")
		}
	}
	if len(f) == 0 && from != "" && to != "" && to < from {
		f.Add("to", "anterior ao início do período")
	}
	return xerrors.Validation(f)
}

// Summary totals worked time and findings of one employee over [from, to].
func (s *Service) Summary(ctx context.Context, employeeID, from, to string) (*Summary, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if from == "" || to == "" {
		return nil, xerrors.Validation(map[string]string{"from": "informe o período"})
	}
	if err := validateRange(from, to); err != nil {
		return nil, err
	}
	emp, err := s.employees.Get(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeEmployee(ctx, emp); err != nil {
		return nil, err
	}

	summary := &Summary{EmployeeID: emp.ID, From: from, To: to, ByCode: map[string]int{}}
	filter := Filter{EmployeeID: emp.ID, From: from, To: to, Limit: 500}
	for {
		page, total, err := s.store.List(ctx, tenantID, filter)
		if err != nil {
			return nil, err
		}
		for i := range page {
			r := &page[i]
			summary.Days++
			if worked, ok := r.WorkedMinutes(); ok {
				summary.WorkedMinutes += worked
			}
			if day, ok := validate.Date(r.Date); ok && emp.Schedule.WorksOn(day.Weekday()) {
				summary.ExpectedMinutes += emp.Schedule.ExpectedMinutes()
			}
			if r.Irregular() {
				summary.IrregularDays++
			}
			if r.Status == StatusPendente {
				summary.Pending++
			}
			for _, irr := range r.Irregularities {
				summary.ByCode[irr.Code]++
			}
		}
		filter.Offset += len(page)
		if len(page) == 0 || filter.Offset >= total {
			break
		}
	}
	summary.BalanceMinutes = summary.WorkedMinutes - summary.ExpectedMinutes
	return summary, nil
}

// PendingCount returns how many records await review.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return 0, err
	}
	return s.store.Count(ctx, tenantID, StatusPendente, false, "")
}

// IrregularSince counts irregular records dated on or after fromDate.
func (s *Service) IrregularSince(ctx context.Context, fromDate string) (int, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return 0, err
	}
	return s.store.Count(ctx, tenantID, "", true, fromDate)
}

func (s *Service) alertValidators(ctx context.Context, tenantID tenant.ID, record *TimeRecord, emp *hr.Employee) {
	if s.validators == nil || s.notifier == nil {
		return
	}
	ids, err := s.validators.UsersWithPermission(ctx, tenantID, auth.PermTimeValidate)
	if err != nil {
		s.logger.Warn("list validators failed", "tenant_id", string(tenantID), "error", err)
		return
	}
	codes := make([]string, len(record.Irregularities))
	descriptions := make([]string, len(record.Irregularities))
	for i, irr := range record.Irregularities {
		codes[i] = irr.Code
		descriptions[i] = irr.Description
	}
	for _, id := range ids {
		if id == emp.UserID {
			continue
		}
		s.send(ctx, notify.Input{
			UserID: id,
			Kind:   notify.KindTimeIrregularity,
			Title:  "Irregularidade no ponto de " + emp.Name + " em " + record.Date,
			Body:   strings.Join(descriptions, "; "),
			Metadata: map[string]string{
				"record_id":   record.ID,
				"employee_id": emp.ID,
				"codes":       strings.Join(codes, ","),
			},
		})
	}
}

func (s *Service) send(ctx context.Context, in notify.Input) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.Send(ctx, in); err != nil {
		s.logger.Warn("send notification failed", "kind", string(in.Kind), "user_id", in.UserID, "error", err)
	}
}
