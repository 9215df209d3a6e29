// Package crm manages the sales pipeline: leads moving through stages and the
// contracts they convert into.
package crm

import (
	"strings"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/tenant"
	"medstaff/internal/validate"
)

// Stage is a pipeline position.
type Stage string

const (
	StageCaptacao     Stage = "captacao"
	StageQualificacao Stage = "qualificacao"
	StageProposta     Stage = "proposta"
	StageNegociacao   Stage = "negociacao"
	StageFechamento   Stage = "fechamento"
	StagePerdido      Stage = "perdido"
)

// Pipeline lists the stages in funnel order. StagePerdido sits outside it.
var Pipeline = []Stage{StageCaptacao, StageQualificacao, StageProposta, StageNegociacao, StageFechamento}

const (
	CodeInvalidTransition xerrors.Code = "CRM_INVALID_TRANSITION"
	CodeAlreadyConverted  xerrors.Code = "CRM_ALREADY_CONVERTED"
)

var (
	ErrLeadNotFound      = xerrors.New(xerrors.CodeNotFound, "lead not found")
	ErrContractNotFound  = xerrors.New(xerrors.CodeNotFound, "contract not found")
	ErrStaleStage        = xerrors.New(xerrors.CodeConflict, "lead stage changed concurrently")
	ErrAlreadyConverted  = xerrors.New(CodeAlreadyConverted, "lead already converted into a contract")
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "stage transition not allowed")
)

func init() {
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:    "status transition not allowed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeAlreadyConverted, xerrors.Attributes{
		Message:    "lead already converted",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s == StagePerdido || s.index() >= 0
}

// Open reports whether a lead in s is still being worked.
func (s Stage) Open() bool {
	i := s.index()
	return i >= 0 && s != StageFechamento
}

func (s Stage) index() int {
	for i, stage := range Pipeline {
		if stage == s {
			return i
		}
	}
	return -1
}

// CanTransition checks a move between stages.
//
// Open leads advance exactly one stage, go back to any earlier stage or are
// lost. Lost leads can only be reopened at captacao. fechamento is final.
func CanTransition(from, to Stage) error {
	if !from.Valid() || !to.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, "unknown stage", xerrors.WithField("stage", "etapa desconhecida"))
	}
	deny := func() error {
		return xerrors.New(CodeInvalidTransition, "cannot move lead from "+string(from)+" to "+string(to),
			xerrors.WithMetadata("from", string(from)), xerrors.WithMetadata("to", string(to)))
	}
	switch {
	case from == to:
		return deny()
	case from == StageFechamento:
		return deny()
	case from == StagePerdido:
		if to == StageCaptacao {
			return nil
		}
		return deny()
	case to == StagePerdido:
		return nil
	}
	fi, ti := from.index(), to.index()
	if ti == fi+1 || ti < fi {
		return nil
	}
	return deny()
}

// Lead is a prospective client.
type Lead struct {
	ID         string    `json:"id"`
	TenantID   tenant.ID `json:"tenant_id"`
	Name       string    `json:"name"`
	Company    string    `json:"company"`
	Email      string    `json:"email"`
	Phone      string    `json:"phone"`
	Source     string    `json:"source"`
	ValueCents int64     `json:"value_cents"`
	Stage      Stage     `json:"stage"`
	OwnerID    string    `json:"owner_id"`
	Notes      string    `json:"notes"`
	LostReason string    `json:"lost_reason,omitempty"`
	ContractID string    `json:"contract_id,omitempty"`
	CreatedAt  int64     `json:"created_at"`
	UpdatedAt  int64     `json:"updated_at"`
}

func (l *Lead) searchText() string {
	return validate.Fold(strings.Join([]string{l.Name, l.Company, l.Email}, " "))
}

// LeadInput carries the editable lead fields.
type LeadInput struct {
	Name       string `json:"name"`
	Company    string `json:"company"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Source     string `json:"source"`
	ValueCents int64  `json:"value_cents"`
	OwnerID    string `json:"owner_id"`
	Notes      string `json:"notes"`
}

func (in *LeadInput) normalise() {
	in.Name = strings.TrimSpace(in.Name)
	in.Company = strings.TrimSpace(in.Company)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	in.Source = strings.TrimSpace(in.Source)
	in.OwnerID = strings.TrimSpace(in.OwnerID)
}

func (in LeadInput) validate() error {
	f := validate.Fields{}
	if f.Required("name", in.Name) {
		f.MaxLen("name", in.Name, 255)
	}
	f.MaxLen("company", in.Company, 255)
	if in.Email != "" && !validate.Email(in.Email) {
		f.Add("email", "e-mail inválido")
	}
	f.MaxLen("phone", in.Phone, 64)
	f.MaxLen("source", in.Source, 64)
	if in.ValueCents < 0 {
		f.Add("value_cents", "não pode ser negativo")
	}
	return xerrors.Validation(f)
}

// StageChange is one entry of a lead's history. From is empty for the entry
// written when the lead is created.
type StageChange struct {
	ID        string    `json:"id"`
	TenantID  tenant.ID `json:"tenant_id"`
	LeadID    string    `json:"lead_id"`
	From      Stage     `json:"from,omitempty"`
	To        Stage     `json:"to"`
	ActorID   string    `json:"actor_id"`
	Note      string    `json:"note,omitempty"`
	CreatedAt int64     `json:"created_at"`
}

// LeadFilter narrows ListLeads.
type LeadFilter struct {
	Stages  []Stage
	OwnerID string
	Query   string
	Limit   int
	Offset  int
}

func (f *LeadFilter) normalise() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// StageSummary aggregates the leads sitting in one stage.
type StageSummary struct {
	Stage      Stage `json:"stage"`
	Count      int   `json:"count"`
	ValueCents int64 `json:"value_cents"`
}

// PipelineSummary is the funnel overview.
type PipelineSummary struct {
	Stages         []StageSummary `json:"stages"`
	OpenCount      int            `json:"open_count"`
	OpenValueCents int64          `json:"open_value_cents"`
	Won            int            `json:"won"`
	Lost           int            `json:"lost"`
	ConversionRate float64        `json:"conversion_rate"`
}
