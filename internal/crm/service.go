package crm

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"medstaff/internal/auth"
	xerrors "medstaff/internal/errors"
	"medstaff/internal/notify"
	"medstaff/internal/tenant"
	"medstaff/internal/validate"
	"medstaff/pkg/logger"
)

// Notifier delivers user notifications. *notify.Service satisfies it.
type Notifier interface {
	Send(ctx context.Context, in notify.Input) (*notify.Notification, error)
}

// Service implements the pipeline and contract operations for the tenant in
// the request context.
type Service struct {
	store    Store
	notifier Notifier
	now      func() time.Time
	logger   *slog.Logger
	audit    *slog.Logger
}

// NewService builds a Service. notifier may be nil.
func NewService(store Store, notifier Notifier) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		now:      time.Now,
		logger:   logger.Named("crm"),
		audit:    logger.Audit(),
	}
}

// CreateLead registers a lead at captacao. The owner defaults to the caller.
func (s *Service) CreateLead(ctx context.Context, in LeadInput) (*Lead, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	in.normalise()
	if in.OwnerID == "" {
		in.OwnerID = auth.ActorID(ctx)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.now().Unix()
	lead := &Lead{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Stage:     StageCaptacao,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyLeadInput(lead, in)
	initial := StageChange{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		LeadID:    lead.ID,
		To:        StageCaptacao,
		ActorID:   auth.ActorID(ctx),
		CreatedAt: now,
	}
	if err := s.store.CreateLead(ctx, lead, initial); err != nil {
		return nil, err
	}
	s.audit.Info("lead_created", "tenant_id", string(tenantID), "lead_id", lead.ID, "actor_id", initial.ActorID)
	return lead, nil
}

// UpdateLead replaces the editable fields of a lead.
func (s *Service) UpdateLead(ctx context.Context, id string, in LeadInput) (*Lead, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	lead, err := s.store.GetLead(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	in.normalise()
	if in.OwnerID == "" {
		in.OwnerID = lead.OwnerID
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	applyLeadInput(lead, in)
	lead.UpdatedAt = s.now().Unix()
	if err := s.store.UpdateLead(ctx, lead); err != nil {
		return nil, err
	}
	return lead, nil
}

func applyLeadInput(lead *Lead, in LeadInput) {
	lead.Name = in.Name
	lead.Company = in.Company
	lead.Email = in.Email
	lead.Phone = in.Phone
	lead.Source = in.Source
	lead.ValueCents = in.ValueCents
	lead.OwnerID = in.OwnerID
	lead.Notes = in.Notes
}

// GetLead returns one lead.
func (s *Service) GetLead(ctx context.Context, id string) (*Lead, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.GetLead(ctx, tenantID, id)
}

// ListLeads returns a page of leads and the total matching filter.
func (s *Service) ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, int, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, 0, err
	}
	for _, stage := range filter.Stages {
		if !stage.Valid() {
			return nil, 0, xerrors.New(xerrors.CodeInvalidArgument, "unknown stage "+string(stage), xerrors.WithField("stage", "etapa desconhecida"))
		}
	}
	return s.store.ListLeads(ctx, tenantID, filter)
}

// MoveLead moves a lead to another stage. Losing a lead requires a reason,
// passed as note. The owner is notified when someone else moves their lead.
func (s *Service) MoveLead(ctx context.Context, id string, to Stage, note string) (*Lead, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	note = strings.TrimSpace(note)
	lead, err := s.store.GetLead(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := CanTransition(lead.Stage, to); err != nil {
		return nil, err
	}
	lostReason := ""
	if to == StagePerdido {
		if note == "" {
			return nil, xerrors.Validation(map[string]string{"reason": "informe o motivo da perda"})
		}
		lostReason = note
	}

	actor := auth.ActorID(ctx)
	change := StageChange{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		LeadID:    lead.ID,
		From:      lead.Stage,
		To:        to,
		ActorID:   actor,
		Note:      note,
		CreatedAt: s.now().Unix(),
	}
	if err := s.store.MoveLead(ctx, change, lostReason); err != nil {
		return nil, err
	}
	lead.Stage = to
	lead.LostReason = lostReason
	lead.UpdatedAt = change.CreatedAt

	s.audit.Info("lead_stage_changed", "tenant_id", string(tenantID), "lead_id", lead.ID,
		"from", string(change.From), "to", string(to), "actor_id", actor)
	if lead.OwnerID != "" && lead.OwnerID != actor {
		s.notify(ctx, notify.Input{
			UserID: lead.OwnerID,
			Kind:   notify.KindLeadStageChanged,
			Title:  "Lead " + lead.Name + " movido para " + stageLabel(to),
			Body:   note,
			Metadata: map[string]string{
				"lead_id": lead.ID,
				"from":    string(change.From),
				"to":      string(to),
			},
		})
	}
	return lead, nil
}

// LeadHistory returns the stage changes of a lead, oldest first.
func (s *Service) LeadHistory(ctx context.Context, id string) ([]StageChange, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetLead(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, tenantID, id)
}

// ConvertLead turns a lead in fechamento into a draft contract. A lead
// converts at most once.
func (s *Service) ConvertLead(ctx context.Context, id string, startDate string) (*Contract, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	lead, err := s.store.GetLead(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if lead.Stage != StageFechamento {
		return nil, xerrors.New(xerrors.CodeFailedPrecondition, "only leads in fechamento can be converted",
			xerrors.WithMetadata("stage", string(lead.Stage)))
	}
	if lead.ContractID != "" {
		return nil, ErrAlreadyConverted
	}
	if strings.TrimSpace(startDate) == "" {
		startDate = s.now().Format(validate.DateLayout)
	}
	clientName := lead.Company
	if clientName == "" {
		clientName = lead.Name
	}
	in := ContractInput{ClientName: clientName, OwnerID: lead.OwnerID, ValueCents: lead.ValueCents, StartDate: startDate}
	in.normalise()
	if err := in.validate(); err != nil {
		return nil, err
	}
	contract := s.newContract(tenantID, in)
	contract.LeadID = lead.ID
	if err := s.store.ConvertLead(ctx, contract); err != nil {
		return nil, err
	}
	s.audit.Info("lead_converted", "tenant_id", string(tenantID), "lead_id", lead.ID,
		"contract_id", contract.ID, "actor_id", auth.ActorID(ctx))
	return contract, nil
}

// CreateContract registers a draft contract not tied to a lead.
func (s *Service) CreateContract(ctx context.Context, in ContractInput) (*Contract, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	in.normalise()
	if in.OwnerID == "" {
		in.OwnerID = auth.ActorID(ctx)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	contract := s.newContract(tenantID, in)
	if err := s.store.CreateContract(ctx, contract); err != nil {
		return nil, err
	}
	s.audit.Info("contract_created", "tenant_id", string(tenantID), "contract_id", contract.ID,
		"value_cents", contract.ValueCents, "actor_id", auth.ActorID(ctx))
	return contract, nil
}

func (s *Service) newContract(tenantID tenant.ID, in ContractInput) *Contract {
	now := s.now().Unix()
	return &Contract{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		ClientName: in.ClientName,
		OwnerID:    in.OwnerID,
		ValueCents: in.ValueCents,
		StartDate:  in.StartDate,
		EndDate:    in.EndDate,
		Status:     ContractRascunho,
		Notes:      in.Notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// GetContract returns one contract.
func (s *Service) GetContract(ctx context.Context, id string) (*Contract, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.GetContract(ctx, tenantID, id)
}

// ListContracts returns a page of contracts and the total matching filter.
func (s *Service) ListContracts(ctx context.Context, filter ContractFilter) ([]Contract, int, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, 0, err
	}
	return s.store.ListContracts(ctx, tenantID, filter)
}

// ChangeContractStatus applies a lifecycle transition.
func (s *Service) ChangeContractStatus(ctx context.Context, id string, to ContractStatus) (*Contract, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	contract, err := s.store.GetContract(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := CanTransitionContract(contract.Status, to); err != nil {
		return nil, err
	}
	now := s.now().Unix()
	if err := s.store.SetContractStatus(ctx, tenantID, id, contract.Status, to, now); err != nil {
		return nil, err
	}
	s.audit.Info("contract_status_changed", "tenant_id", string(tenantID), "contract_id", id,
		"from", string(contract.Status), "to", string(to), "actor_id", auth.ActorID(ctx))
	contract.Status = to
	contract.UpdatedAt = now
	return contract, nil
}

// PipelineSummary reports count and value per stage plus the conversion rate
// fechamento / (fechamento + perdido).
func (s *Service) PipelineSummary(ctx context.Context) (*PipelineSummary, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	totals, err := s.store.StageTotals(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	byStage := make(map[Stage]StageSummary, len(totals))
	for _, t := range totals {
		byStage[t.Stage] = t
	}
	summary := &PipelineSummary{}
	for _, stage := range append(append([]Stage{}, Pipeline...), StagePerdido) {
		t := byStage[stage]
		t.Stage = stage
		summary.Stages = append(summary.Stages, t)
		if stage.Open() {
			summary.OpenCount += t.Count
			summary.OpenValueCents += t.ValueCents
		}
	}
	summary.Won = byStage[StageFechamento].Count
	summary.Lost = byStage[StagePerdido].Count
	if closed := summary.Won + summary.Lost; closed > 0 {
		summary.ConversionRate = float64(summary.Won) / float64(closed)
	}
	return summary, nil
}

// ExpiringContracts returns active contracts ending between today and
// today+within.
func (s *Service) ExpiringContracts(ctx context.Context, within time.Duration) ([]Contract, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	today := s.now()
	return s.store.ContractsEndingBetween(ctx, tenantID,
		today.Format(validate.DateLayout), today.Add(within).Format(validate.DateLayout))
}

// CountContracts returns how many contracts have status.
func (s *Service) CountContracts(ctx context.Context, status ContractStatus) (int, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return 0, err
	}
	return s.store.CountContracts(ctx, tenantID, status)
}

// RemindExpiring notifies the owner of every contract expiring within the
// window and returns how many reminders were sent.
func (s *Service) RemindExpiring(ctx context.Context, within time.Duration) (int, error) {
	contracts, err := s.ExpiringContracts(ctx, within)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, c := range contracts {
		if c.OwnerID == "" {
			continue
		}
		if s.notify(ctx, notify.Input{
			UserID: c.OwnerID,
			Kind:   notify.KindContractExpiring,
			Title:  "Contrato de " + c.ClientName + " vence em " + c.EndDate,
			Metadata: map[string]string{
				"contract_id": c.ID,
				"end_date":    c.EndDate,
			},
		}) {
			sent++
		}
	}
	return sent, nil
}

// notify sends best effort: a failed notification never undoes the change
// that triggered it.
func (s *Service) notify(ctx context.Context, in notify.Input) bool {
	if s.notifier == nil {
		return false
	}
	if _, err := s.notifier.Send(ctx, in); err != nil {
		s.logger.Warn("send notification failed", "kind", string(in.Kind), "user_id", in.UserID, "error", err)
		return false
	}
	return true
}

func stageLabel(stage Stage) string {
	switch stage {
	case StageCaptacao:
		return "Captação"
	case StageQualificacao:
		return "Qualificação"
	case StageProposta:
		return "Proposta"
	case StageNegociacao:
		return "Negociação"
	case StageFechamento:
		return "Fechamento"
	case StagePerdido:
		return "Perdido"
	}
	return string(stage)
}
