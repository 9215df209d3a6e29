package crm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medstaff/internal/auth"
	xerrors "medstaff/internal/errors"
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
	return &notify.Notification{UserID: in.UserID, Kind: in.Kind}, nil
}

func (r *recordingNotifier) inputs() []notify.Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Input(nil), r.sent...)
}

func newService(t *testing.T) (*Service, *recordingNotifier) {
	t.Helper()
	db, err := sqlstore.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	notifier := &recordingNotifier{}
	svc := NewService(NewSQLStore(db), notifier)
	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return svc, notifier
}

func actorCtx(tenantID tenant.ID, userID string) context.Context {
	ctx := tenant.WithTenant(context.Background(), tenantID)
	return auth.WithSubject(ctx, &auth.Subject{ID: userID, TenantID: tenantID, Roles: []auth.Role{auth.RoleComercial}})
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Stage
		ok       bool
	}{
		{StageCaptacao, StageQualificacao, true},
		{StageCaptacao, StageProposta, false},
		{StageNegociacao, StageFechamento, true},
		{StageNegociacao, StageCaptacao, true},
		{StageProposta, StageProposta, false},
		{StageProposta, StagePerdido, true},
		{StageFechamento, StagePerdido, false},
		{StageFechamento, StageNegociacao, false},
		{StagePerdido, StageCaptacao, true},
		{StagePerdido, StageQualificacao, false},
	}
	for _, tc := range cases {
		err := CanTransition(tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.True(t, xerrors.IsCode(err, CodeInvalidTransition), "%s -> %s: %v", tc.from, tc.to, err)
		}
	}
	assert.True(t, xerrors.IsCode(CanTransition("bogus", StageCaptacao), xerrors.CodeInvalidArgument))
}

func TestCanTransitionContract(t *testing.T) {
	require.NoError(t, CanTransitionContract(ContractRascunho, ContractAtivo))
	require.NoError(t, CanTransitionContract(ContractSuspenso, ContractAtivo))
	require.Error(t, CanTransitionContract(ContractRascunho, ContractSuspenso))
	require.Error(t, CanTransitionContract(ContractEncerrado, ContractAtivo))
	require.Error(t, CanTransitionContract(ContractCancelado, ContractAtivo))
}

func TestCreateLeadValidates(t *testing.T) {
	svc, _ := newService(t)
	ctx := actorCtx("t1", "u-1")

	_, err := svc.CreateLead(ctx, LeadInput{Email: "not-an-email", ValueCents: -1})
	e, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.CodeValidation, e.Code())
	assert.Contains(t, e.Fields(), "name")
	assert.Contains(t, e.Fields(), "email")
	assert.Contains(t, e.Fields(), "value_cents")

	lead, err := svc.CreateLead(ctx, LeadInput{Name: " Clínica Boa Saúde ", Email: "Contato@BoaSaude.com.br"})
	require.NoError(t, err)
	assert.Equal(t, StageCaptacao, lead.Stage)
	assert.Equal(t, "u-1", lead.OwnerID)
	assert.Equal(t, "contato@boasaude.com.br", lead.Email)

	history, err := svc.LeadHistory(ctx, lead.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, Stage(""), history[0].From)
	assert.Equal(t, StageCaptacao, history[0].To)
}

func TestMoveLeadRecordsHistoryAndNotifiesOwner(t *testing.T) {
	svc, notifier := newService(t)
	owner := actorCtx("t1", "owner")
	manager := actorCtx("t1", "manager")

	lead, err := svc.CreateLead(owner, LeadInput{Name: "Hospital Central", ValueCents: 150000})
	require.NoError(t, err)

	_, err = svc.MoveLead(owner, lead.ID, StageQualificacao, "")
	require.NoError(t, err)
	assert.Empty(t, notifier.inputs(), "owner moving their own lead is silent")

	_, err = svc.MoveLead(manager, lead.ID, StageNegociacao, "")
	require.True(t, xerrors.IsCode(err, CodeInvalidTransition))

	moved, err := svc.MoveLead(manager, lead.ID, StageProposta, "enviada")
	require.NoError(t, err)
	assert.Equal(t, StageProposta, moved.Stage)

	sent := notifier.inputs()
	require.Len(t, sent, 1)
	assert.Equal(t, "owner", sent[0].UserID)
	assert.Equal(t, notify.KindLeadStageChanged, sent[0].Kind)
	assert.Equal(t, "proposta", sent[0].Metadata["to"])

	history, err := svc.LeadHistory(owner, lead.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, StageQualificacao, history[2].From)
	assert.Equal(t, StageProposta, history[2].To)
	assert.Equal(t, "manager", history[2].ActorID)
	assert.Equal(t, "enviada", history[2].Note)
}

func TestLoseAndReopenLead(t *testing.T) {
	svc, _ := newService(t)
	ctx := actorCtx("t1", "u-1")
	lead, err := svc.CreateLead(ctx, LeadInput{Name: "Lab Vida"})
	require.NoError(t, err)

	_, err = svc.MoveLead(ctx, lead.ID, StagePerdido, "  ")
	e, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Contains(t, e.Fields(), "reason")

	lost, err := svc.MoveLead(ctx, lead.ID, StagePerdido, "sem orçamento")
	require.NoError(t, err)
	assert.Equal(t, "sem orçamento", lost.LostReason)

	_, err = svc.MoveLead(ctx, lead.ID, StageProposta, "")
	require.Error(t, err)

	reopened, err := svc.MoveLead(ctx, lead.ID, StageCaptacao, "voltou a falar")
	require.NoError(t, err)
	assert.Empty(t, reopened.LostReason)

	stored, err := svc.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, StageCaptacao, stored.Stage)
	assert.Empty(t, stored.LostReason)
}

func TestStaleMoveIsConflict(t *testing.T) {
	svc, _ := newService(t)
	ctx := actorCtx("t1", "u-1")
	lead, err := svc.CreateLead(ctx, LeadInput{Name: "Clínica Norte"})
	require.NoError(t, err)

	change := StageChange{ID: "h-stale", TenantID: "t1", LeadID: lead.ID, From: StageProposta, To: StageNegociacao, CreatedAt: 1}
	err = svc.store.MoveLead(context.Background(), change, "")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeConflict))
}

func advance(t *testing.T, svc *Service, ctx context.Context, id string, stages ...Stage) {
	t.Helper()
	for _, stage := range stages {
		_, err := svc.MoveLead(ctx, id, stage, "")
		require.NoError(t, err)
	}
}

func TestConvertLead(t *testing.T) {
	svc, _ := newService(t)
	ctx := actorCtx("t1", "u-1")
	lead, err := svc.CreateLead(ctx, LeadInput{Name: "Ana", Company: "Clínica Ana", ValueCents: 990000})
	require.NoError(t, err)

	_, err = svc.ConvertLead(ctx, lead.ID, "")
	require.True(t, xerrors.IsCode(err, xerrors.CodeFailedPrecondition))

	advance(t, svc, ctx, lead.ID, StageQualificacao, StageProposta, StageNegociacao, StageFechamento)

	contract, err := svc.ConvertLead(ctx, lead.ID, "2026-04-01")
	require.NoError(t, err)
	assert.Equal(t, ContractRascunho, contract.Status)
	assert.Equal(t, "Clínica Ana", contract.ClientName)
	assert.Equal(t, int64(990000), contract.ValueCents)
	assert.Equal(t, lead.ID, contract.LeadID)
	assert.Equal(t, "u-1", contract.OwnerID)

	_, err = svc.ConvertLead(ctx, lead.ID, "")
	assert.ErrorIs(t, err, ErrAlreadyConverted)

	stored, err := svc.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.ID, stored.ContractID)

	_, err = svc.MoveLead(ctx, lead.ID, StagePerdido, "desistiu")
	assert.True(t, xerrors.IsCode(err, CodeInvalidTransition))
}

func TestListLeadsFiltersAndSearch(t *testing.T) {
	svc, _ := newService(t)
	ctx := actorCtx("t1", "u-1")
	other := actorCtx("t2", "u-9")

	a, err := svc.CreateLead(ctx, LeadInput{Name: "João Conceição", Company: "Clínica São José"})
	require.NoError(t, err)
	_, err = svc.CreateLead(ctx, LeadInput{Name: "Maria", Company: "Odonto Sul", OwnerID: "u-2"})
	require.NoError(t, err)
	_, err = svc.CreateLead(other, LeadInput{Name: "João Conceição"})
	require.NoError(t, err)
	advance(t, svc, ctx, a.ID, StageQualificacao)

	leads, total, err := svc.ListLeads(ctx, LeadFilter{Query: "JOAO conceicao"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, leads, 1)
	assert.Equal(t, a.ID, leads[0].ID)

	leads, _, err = svc.ListLeads(ctx, LeadFilter{Query: "sao jose"})
	require.NoError(t, err)
	require.Len(t, leads, 1)

	leads, total, err = svc.ListLeads(ctx, LeadFilter{Stages: []Stage{StageCaptacao}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "Maria", leads[0].Name)

	_, total, err = svc.ListLeads(ctx, LeadFilter{OwnerID: "u-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	leads, total, err = svc.ListLeads(ctx, LeadFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, leads, 1)

	_, _, err = svc.ListLeads(ctx, LeadFilter{Stages: []Stage{"ganho"}})
	assert.True(t, xerrors.IsCode(err, xerrors.CodeInvalidArgument))
}

func TestTenantIsolation(t *testing.T) {
	svc, _ := newService(t)
	a := actorCtx("t1", "u-1")
	b := actorCtx("t2", "u-2")

	lead, err := svc.CreateLead(a, LeadInput{Name: "Privado"})
	require.NoError(t, err)

	_, err = svc.GetLead(b, lead.ID)
	assert.ErrorIs(t, err, ErrLeadNotFound)
	_, err = svc.MoveLead(b, lead.ID, StageQualificacao, "")
	assert.ErrorIs(t, err, ErrLeadNotFound)
	_, err = svc.UpdateLead(b, lead.ID, LeadInput{Name: "x"})
	assert.ErrorIs(t, err, ErrLeadNotFound)

	_, err = svc.GetLead(context.Background(), lead.ID)
	assert.ErrorIs(t, err, tenant.ErrMissingTenant)
}

func TestPipelineSummary(t *testing.T) {
	svc, _ := newService(t)
	ctx := actorCtx("t1", "u-1")
	won, err := svc.CreateLead(ctx, LeadInput{Name: "A", ValueCents: 1000})
	require.NoError(t, err)
	lost, err := svc.CreateLead(ctx, LeadInput{Name: "B", ValueCents: 2000})
	require.NoError(t, err)
	_, err = svc.CreateLead(ctx, LeadInput{Name: "C", ValueCents: 3000})
	require.NoError(t, err)
	lost2, err := svc.CreateLead(ctx, LeadInput{Name: "D", ValueCents: 4000})
	require.NoError(t, err)

	advance(t, svc, ctx, won.ID, StageQualificacao, StageProposta, StageNegociacao, StageFechamento)
	_, err = svc.MoveLead(ctx, lost.ID, StagePerdido, "preço")
	require.NoError(t, err)
	_, err = svc.MoveLead(ctx, lost2.ID, StagePerdido, "prazo")
	require.NoError(t, err)

	summary, err := svc.PipelineSummary(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Stages, 6)
	assert.Equal(t, StageCaptacao, summary.Stages[0].Stage)
	assert.Equal(t, 1, summary.Stages[0].Count)
	assert.Equal(t, int64(3000), summary.Stages[0].ValueCents)
	assert.Equal(t, 1, summary.OpenCount)
	assert.Equal(t, 1, summary.Won)
	assert.Equal(t, 2, summary.Lost)
	assert.InDelta(t, 1.0/3.0, summary.ConversionRate, 1e-9)
}

func TestContractLifecycleAndExpiry(t *testing.T) {
	svc, notifier := newService(t)
	ctx := actorCtx("t1", "u-1")

	_, err := svc.CreateContract(ctx, ContractInput{ClientName: "X", StartDate: "2026-05-01", EndDate: "2026-04-01"})
	e, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Contains(t, e.Fields(), "end_date")

	soon, err := svc.CreateContract(ctx, ContractInput{ClientName: "Clínica Leste", StartDate: "2025-03-01", EndDate: "2026-03-20", OwnerID: "seller"})
	require.NoError(t, err)
	later, err := svc.CreateContract(ctx, ContractInput{ClientName: "Clínica Oeste", StartDate: "2025-03-01", EndDate: "2026-12-31"})
	require.NoError(t, err)

	_, err = svc.ChangeContractStatus(ctx, soon.ID, ContractEncerrado)
	require.True(t, xerrors.IsCode(err, CodeInvalidTransition))

	for _, c := range []*Contract{soon, later} {
		updated, err := svc.ChangeContractStatus(ctx, c.ID, ContractAtivo)
		require.NoError(t, err)
		assert.Equal(t, ContractAtivo, updated.Status)
	}

	expiring, err := svc.ExpiringContracts(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, soon.ID, expiring[0].ID)

	sent, err := svc.RemindExpiring(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	inputs := notifier.inputs()
	require.Len(t, inputs, 1)
	assert.Equal(t, "seller", inputs[0].UserID)
	assert.Equal(t, notify.KindContractExpiring, inputs[0].Kind)

	active, err := svc.CountContracts(ctx, ContractAtivo)
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	list, total, err := svc.ListContracts(ctx, ContractFilter{Statuses: []ContractStatus{ContractAtivo}, OwnerID: "seller"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, soon.ID, list[0].ID)

	_, err = svc.GetContract(actorCtx("t2", "u-1"), soon.ID)
	assert.ErrorIs(t, err, ErrContractNotFound)
}
