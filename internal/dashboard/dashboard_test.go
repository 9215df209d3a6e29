package dashboard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medstaff/internal/auth"
	"medstaff/internal/cache"
	"medstaff/internal/crm"
	"medstaff/internal/finance"
	"medstaff/internal/hr"
	"medstaff/internal/tenant"
)

type fakeCRM struct{ calls atomic.Int32 }

func (f *fakeCRM) PipelineSummary(context.Context) (*crm.PipelineSummary, error) {
	f.calls.Add(1)
	return &crm.PipelineSummary{OpenCount: 4, Won: 1, Lost: 1, ConversionRate: 0.5}, nil
}

func (f *fakeCRM) CountContracts(_ context.Context, status crm.ContractStatus) (int, error) {
	if status != crm.ContractAtivo {
		return 0, errors.New("unexpected status")
	}
	return 3, nil
}

func (f *fakeCRM) ExpiringContracts(_ context.Context, within time.Duration) ([]crm.Contract, error) {
	if within != Window {
		return nil, errors.New("unexpected window")
	}
	out := make([]crm.Contract, 7)
	for i := range out {
		out[i].ID = string(rune('a' + i))
	}
	return out, nil
}

type fakeHR struct{}

func (fakeHR) Headcount(context.Context) (*hr.Headcount, error) {
	return &hr.Headcount{Active: 9, Total: 10}, nil
}

type fakeTime struct{ from string }

func (f *fakeTime) PendingCount(context.Context) (int, error) { return 2, nil }

func (f *fakeTime) IrregularSince(_ context.Context, fromDate string) (int, error) {
	f.from = fromDate
	return 5, nil
}

type fakeFinance struct{ err error }

func (f *fakeFinance) CurrentMonth(context.Context) (*finance.Statement, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &finance.Statement{ReceitaBruta: 100000, LucroLiquido: 25000}, nil
}

func newTestService(c cache.Cache, fin *fakeFinance) (*Service, *fakeCRM, *fakeTime) {
	crmSrc, timeSrc := &fakeCRM{}, &fakeTime{}
	svc := NewService(Sources{CRM: crmSrc, HR: fakeHR{}, Time: timeSrc, Finance: fin}, c, Config{TTL: time.Minute})
	svc.now = func() time.Time { return time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC) }
	return svc, crmSrc, timeSrc
}

func TestOverviewAggregatesSources(t *testing.T) {
	svc, _, timeSrc := newTestService(nil, &fakeFinance{})
	ov, err := svc.Overview(tenant.WithTenant(context.Background(), "t1"))
	require.NoError(t, err)

	assert.Equal(t, tenant.ID("t1"), ov.TenantID)
	assert.Equal(t, 4, ov.Pipeline.OpenCount)
	assert.Equal(t, 3, ov.Contracts.Active)
	assert.Equal(t, 7, ov.Contracts.Expiring)
	assert.Len(t, ov.Contracts.Next, 5)
	assert.Equal(t, 9, ov.Headcount.Active)
	assert.Equal(t, 2, ov.TimeTrack.PendingValidation)
	assert.Equal(t, 5, ov.TimeTrack.IrregularLast30)
	assert.Equal(t, "2026-03-01", timeSrc.from)
	assert.Equal(t, "2026-03", ov.Finance.Competence)
	assert.Equal(t, int64(25000), ov.Finance.Statement.LucroLiquido)
}

func TestOverviewIsCachedPerTenant(t *testing.T) {
	svc, crmSrc, _ := newTestService(cache.NewMemory(), &fakeFinance{})
	t1 := tenant.WithTenant(context.Background(), "t1")

	first, err := svc.Overview(t1)
	require.NoError(t, err)
	second, err := svc.Overview(t1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), crmSrc.calls.Load())
	assert.Equal(t, first.GeneratedAt, second.GeneratedAt)
	assert.Equal(t, first.Finance.Statement.ReceitaBruta, second.Finance.Statement.ReceitaBruta)

	_, err = svc.Overview(tenant.WithTenant(context.Background(), "t2"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), crmSrc.calls.Load())

	require.NoError(t, svc.Invalidate(t1))
	_, err = svc.Overview(t1)
	require.NoError(t, err)
	assert.Equal(t, int32(3), crmSrc.calls.Load())
}

func TestOverviewErrorsAreNotCached(t *testing.T) {
	boom := errors.New("database down")
	fin := &fakeFinance{err: boom}
	c := cache.NewMemory()
	svc, _, _ := newTestService(c, fin)
	ctx := tenant.WithTenant(context.Background(), "t1")

	_, err := svc.Overview(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Len())

	fin.err = nil
	ov, err := svc.Overview(ctx)
	require.NoError(t, err)
	assert.NotNil(t, ov.Finance)
}

func TestOverviewSkipsMissingSources(t *testing.T) {
	svc := NewService(Sources{HR: fakeHR{}}, nil, Config{})
	ov, err := svc.Overview(tenant.WithTenant(context.Background(), "t1"))
	require.NoError(t, err)
	assert.Nil(t, ov.Pipeline)
	assert.Nil(t, ov.Finance)
	assert.Equal(t, 10, ov.Headcount.Total)

	_, err = svc.Overview(context.Background())
	assert.ErrorIs(t, err, tenant.ErrMissingTenant)
}

func TestOverviewHidesSectionsWithoutPermission(t *testing.T) {
	svc, crmSrc, _ := newTestService(cache.NewMemory(), &fakeFinance{})
	base := tenant.WithTenant(context.Background(), "t1")
	as := func(role auth.Role) context.Context {
		return auth.WithSubject(base, auth.SubjectForUser(&auth.User{ID: "u-" + string(role), TenantID: "t1", Roles: []auth.Role{role}}))
	}

	sales, err := svc.Overview(as(auth.RoleComercial))
	require.NoError(t, err)
	assert.NotNil(t, sales.Pipeline)
	assert.NotNil(t, sales.Contracts)
	assert.Nil(t, sales.Headcount)
	assert.Nil(t, sales.TimeTrack)
	assert.Nil(t, sales.Finance)

	// the cached copy still holds every section
	people, err := svc.Overview(as(auth.RoleRH))
	require.NoError(t, err)
	assert.Equal(t, int32(1), crmSrc.calls.Load())
	assert.Nil(t, people.Pipeline)
	assert.NotNil(t, people.Headcount)
	assert.NotNil(t, people.TimeTrack)
	assert.Nil(t, people.Finance)

	manager, err := svc.Overview(as(auth.RoleGestor))
	require.NoError(t, err)
	assert.NotNil(t, manager.Pipeline)
	assert.NotNil(t, manager.Headcount)
	assert.NotNil(t, manager.TimeTrack)
	assert.NotNil(t, manager.Finance)
}
