package timetrack

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medstaff/internal/auth"
	xerrors "medstaff/internal/errors"
	"medstaff/internal/hr"
	"medstaff/internal/notify"
	"medstaff/internal/storage/sqlstore"
	"medstaff/internal/tenant"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Input
}

func (r *recordingNotifier) Send(_ context.Context, in notify.Input) (*notify.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, in)
	return &notify.Notification{UserID: in.UserID}, nil
}

func (r *recordingNotifier) inputs() []notify.Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Input(nil), r.sent...)
}

type staticValidators []string

func (v staticValidators) UsersWithPermission(context.Context, tenant.ID, auth.Permission) ([]string, error) {
	return v, nil
}

type codeCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *codeCounter) IrregularityDetected(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[code]++
}

type fixture struct {
	svc      *Service
	hr       *hr.Service
	notifier *recordingNotifier
	counter  *codeCounter
	employee *hr.Employee
	other    *hr.Employee
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlstore.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hrSvc := hr.NewService(hr.NewSQLStore(db))
	ctx := tenant.WithTenant(context.Background(), "t1")
	emp, err := hrSvc.Create(ctx, hr.Input{Name: "Carla Dias", CPF: "52998224725", AdmissionDate: "2025-01-02", UserID: "u-emp"})
	require.NoError(t, err)
	other, err := hrSvc.Create(ctx, hr.Input{Name: "Igor Reis", CPF: "11144477735", AdmissionDate: "2025-01-02", UserID: "u-other"})
	require.NoError(t, err)

	f := &fixture{
		hr:       hrSvc,
		notifier: &recordingNotifier{},
		counter:  &codeCounter{counts: map[string]int{}},
		employee: emp,
		other:    other,
	}
	f.svc = NewService(NewSQLStore(db), hrSvc,
		WithNotifier(f.notifier),
		WithValidators(staticValidators{"u-rh", "u-emp"}),
		WithRecorder(f.counter),
	)
	f.svc.now = func() time.Time { return time.Date(2026, 3, 6, 18, 0, 0, 0, time.UTC) }
	return f
}

func asUser(userID string, roles ...auth.Role) context.Context {
	ctx := tenant.WithTenant(context.Background(), "t1")
	return auth.WithSubject(ctx, auth.SubjectForUser(&auth.User{ID: userID, TenantID: "t1", Roles: roles}))
}

func TestRegisterFlagsAndAlertsValidators(t *testing.T) {
	f := newFixture(t)
	ctx := asUser("u-emp", auth.RoleColaborador)

	r, err := f.svc.Register(ctx, Input{EmployeeID: f.employee.ID, Date: "2026-03-02", ClockIn: "08:40", LunchStart: "12:00", LunchEnd: "13:00", ClockOut: "17:00"})
	require.NoError(t, err)
	assert.Equal(t, StatusPendente, r.Status)
	assert.Equal(t, []string{CodeLateArrival}, codes(r.Irregularities))
	assert.Equal(t, 1, f.counter.counts[CodeLateArrival])

	sent := f.notifier.inputs()
	require.Len(t, sent, 1, "the employee is not alerted about their own record")
	assert.Equal(t, "u-rh", sent[0].UserID)
	assert.Equal(t, notify.KindTimeIrregularity, sent[0].Kind)
	assert.Equal(t, CodeLateArrival, sent[0].Metadata["codes"])

	stored, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Irregularities, stored.Irregularities)

	_, err = f.svc.Register(ctx, Input{EmployeeID: f.employee.ID, Date: "2026-03-02", ClockIn: "08:00"})
	assert.ErrorIs(t, err, ErrDuplicateDay)

	clean, err := f.svc.Register(ctx, Input{EmployeeID: f.employee.ID, Date: "2026-03-03", ClockIn: "08:00", LunchStart: "12:00", LunchEnd: "13:00", ClockOut: "17:00"})
	require.NoError(t, err)
	assert.Empty(t, clean.Irregularities)
	assert.Len(t, f.notifier.inputs(), 1)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := asUser("u-rh", auth.RoleRH)

	_, err := f.svc.Register(ctx, Input{EmployeeID: f.employee.ID, Date: "2026-03-09", ClockIn: "08:00"})
	e, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Contains(t, e.Fields(), "date")

	_, err = f.svc.Register(ctx, Input{EmployeeID: f.employee.ID, Date: "2026-03-02", ClockIn: "8h", ClockOut: "25:00"})
	e, ok = xerrors.From(err)
	require.True(t, ok)
	assert.Contains(t, e.Fields(), "clock_in")
	assert.Contains(t, e.Fields(), "clock_out")

	_, err = f.svc.Register(ctx, Input{EmployeeID: f.employee.ID, Date: "2026-03-02"})
	assert.True(t, xerrors.IsCode(err, xerrors.CodeValidation))

	_, err = f.svc.Register(ctx, Input{EmployeeID: f.employee.ID, Date: "2024-12-31", ClockIn: "08:00"})
	assert.True(t, xerrors.IsCode(err, xerrors.CodeValidation))

	_, err = f.svc.Register(ctx, Input{EmployeeID: "missing", Date: "2026-03-02", ClockIn: "08:00"})
	assert.ErrorIs(t, err, hr.ErrNotFound)
}

func TestCollaboratorOnlyTouchesOwnRecords(t *testing.T) {
	f := newFixture(t)
	self := asUser("u-emp", auth.RoleColaborador)
	manager := asUser("u-rh", auth.RoleRH)

	_, err := f.svc.Register(self, Input{EmployeeID: f.other.ID, Date: "2026-03-02", ClockIn: "08:00"})
	assert.True(t, xerrors.IsCode(err, xerrors.CodePermissionDenied))

	theirs, err := f.svc.Register(manager, Input{EmployeeID: f.other.ID, Date: "2026-03-02", ClockIn: "08:00", ClockOut: "17:00"})
	require.NoError(t, err)
	_, err = f.svc.Register(self, Input{EmployeeID: f.employee.ID, Date: "2026-03-02", ClockIn: "08:00", ClockOut: "17:00"})
	require.NoError(t, err)

	list, total, err := f.svc.List(self, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, f.employee.ID, list[0].EmployeeID)

	_, _, err = f.svc.List(self, Filter{EmployeeID: f.other.ID})
	assert.True(t, xerrors.IsCode(err, xerrors.CodePermissionDenied))

	_, err = f.svc.Get(self, theirs.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, total, err = f.svc.List(manager, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestReviewWorkflow(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.Register(asUser("u-emp", auth.RoleColaborador), Input{EmployeeID: f.employee.ID, Date: "2026-03-02", ClockIn: "08:00", ClockOut: "17:00"})
	require.NoError(t, err)
	assert.Equal(t, []string{CodeMissingLunch}, codes(r.Irregularities))

	_, err = f.svc.Review(asUser("u-emp", auth.RoleGestor), r.ID, StatusAprovado, "")
	assert.ErrorIs(t, err, ErrOwnRecord)

	reviewer := asUser("u-rh", auth.RoleRH)
	_, err = f.svc.Review(reviewer, r.ID, StatusRejeitado, " ")
	e, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Contains(t, e.Fields(), "note")

	_, err = f.svc.Review(reviewer, r.ID, StatusPendente, "")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeValidation))

	corrected, err := f.svc.Correct(asUser("u-emp", auth.RoleColaborador), r.ID, Input{ClockIn: "08:00", LunchStart: "12:00", LunchEnd: "13:00", ClockOut: "17:00", Notes: "esqueci o almoço"})
	require.NoError(t, err)
	assert.Empty(t, corrected.Irregularities)
	assert.Equal(t, "2026-03-02", corrected.Date)

	approved, err := f.svc.Review(reviewer, r.ID, StatusAprovado, "ok")
	require.NoError(t, err)
	assert.Equal(t, StatusAprovado, approved.Status)
	assert.Equal(t, "u-rh", approved.ReviewerID)
	assert.NotZero(t, approved.ReviewedAt)

	var reviewed []notify.Input
	for _, in := range f.notifier.inputs() {
		if in.Kind == notify.KindTimeReviewed {
			reviewed = append(reviewed, in)
		}
	}
	require.Len(t, reviewed, 1)
	assert.Equal(t, "u-emp", reviewed[0].UserID)

	_, err = f.svc.Review(reviewer, r.ID, StatusRejeitado, "tarde demais")
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = f.svc.Correct(reviewer, r.ID, Input{ClockIn: "09:00"})
	assert.ErrorIs(t, err, ErrNotPending)

	stored, err := f.svc.Get(reviewer, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "esqueci o almoço", stored.Notes)
	assert.Equal(t, StatusAprovado, stored.Status)
}

func TestRestRuleUsesPreviousRecord(t *testing.T) {
	f := newFixture(t)
	ctx := asUser("u-rh", auth.RoleRH)
	_, err := f.svc.Register(ctx, Input{EmployeeID: f.employee.ID, Date: "2026-03-02", ClockIn: "14:00", LunchStart: "18:00", LunchEnd: "19:00", ClockOut: "23:00"})
	require.NoError(t, err)
	next, err := f.svc.Register(ctx, Input{EmployeeID: f.employee.ID, Date: "2026-03-03", ClockIn: "08:00", LunchStart: "12:00", LunchEnd: "13:00", ClockOut: "17:00"})
	require.NoError(t, err)
	assert.Equal(t, []string{CodeInsufficientRest}, codes(next.Irregularities))

	_, err = f.svc.Register(ctx, Input{EmployeeID: f.other.ID, Date: "2026-03-03", ClockIn: "08:00", LunchStart: "12:00", LunchEnd: "13:00", ClockOut: "17:00"})
	require.NoError(t, err)
}

func TestSummaryAndCounts(t *testing.T) {
	f := newFixture(t)
	ctx := asUser("u-rh", auth.RoleRH)
	days := []Input{
		{Date: "2026-03-02", ClockIn: "08:00", LunchStart: "12:00", LunchEnd: "13:00", ClockOut: "17:00"},
		{Date: "2026-03-03", ClockIn: "08:30", LunchStart: "12:00", LunchEnd: "13:00", ClockOut: "18:00"},
		{Date: "2026-03-04", ClockIn: "08:00", LunchStart: "12:00", LunchEnd: "13:00"},
	}
	for _, in := range days {
		in.EmployeeID = f.employee.ID
		_, err := f.svc.Register(ctx, in)
		require.NoError(t, err)
	}

	summary, err := f.svc.Summary(ctx, f.employee.ID, "2026-03-01", "2026-03-31")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Days)
	assert.Equal(t, 480+510, summary.WorkedMinutes)
	assert.Equal(t, 3*480, summary.ExpectedMinutes)
	assert.Equal(t, 990-1440, summary.BalanceMinutes)
	assert.Equal(t, 2, summary.IrregularDays)
	assert.Equal(t, 3, summary.Pending)
	assert.Equal(t, 1, summary.ByCode[CodeLateArrival])
	assert.Equal(t, 1, summary.ByCode[CodeMissingClockOut])

	_, err = f.svc.Summary(ctx, f.employee.ID, "2026-03-31", "2026-03-01")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeValidation))

	pending, err := f.svc.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	irregular, err := f.svc.IrregularSince(ctx, "2026-03-03")
	require.NoError(t, err)
	assert.Equal(t, 2, irregular)

	list, total, err := f.svc.List(ctx, Filter{OnlyIrregular: true, From: "2026-03-04"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "2026-03-04", list[0].Date)
}
