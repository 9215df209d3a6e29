package crm

import (
	"strings"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/tenant"
	"medstaff/internal/validate"
)

// ContractStatus is the lifecycle state of a contract.
type ContractStatus string

const (
	ContractRascunho  ContractStatus = "rascunho"
	ContractAtivo     ContractStatus = "ativo"
	ContractSuspenso  ContractStatus = "suspenso"
	ContractEncerrado ContractStatus = "encerrado"
	ContractCancelado ContractStatus = "cancelado"
)

var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractRascunho: {ContractAtivo, ContractCancelado},
	ContractAtivo:    {ContractSuspenso, ContractEncerrado, ContractCancelado},
	ContractSuspenso: {ContractAtivo, ContractEncerrado, ContractCancelado},
}

// Valid reports whether s is a known status.
func (s ContractStatus) Valid() bool {
	switch s {
	case ContractRascunho, ContractAtivo, ContractSuspenso, ContractEncerrado, ContractCancelado:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s ContractStatus) Terminal() bool {
	return s == ContractEncerrado || s == ContractCancelado
}

// CanTransitionContract checks a contract status change.
func CanTransitionContract(from, to ContractStatus) error {
	if !from.Valid() || !to.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, "unknown contract status", xerrors.WithField("status", "status desconhecido"))
	}
	for _, next := range contractTransitions[from] {
		if next == to {
			return nil
		}
	}
	return xerrors.New(CodeInvalidTransition, "cannot move contract from "+string(from)+" to "+string(to),
		xerrors.WithMetadata("from", string(from)), xerrors.WithMetadata("to", string(to)))
}

// Contract is an agreement with a client.
type Contract struct {
	ID         string         `json:"id"`
	TenantID   tenant.ID      `json:"tenant_id"`
	LeadID     string         `json:"lead_id,omitempty"`
	ClientName string         `json:"client_name"`
	OwnerID    string         `json:"owner_id"`
	ValueCents int64          `json:"value_cents"`
	StartDate  string         `json:"start_date"`
	EndDate    string         `json:"end_date,omitempty"`
	Status     ContractStatus `json:"status"`
	Notes      string         `json:"notes"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// ContractInput carries the fields of a new contract.
type ContractInput struct {
	ClientName string `json:"client_name"`
	OwnerID    string `json:"owner_id"`
	ValueCents int64  `json:"value_cents"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	Notes      string `json:"notes"`
}

func (in *ContractInput) normalise() {
	in.ClientName = strings.TrimSpace(in.ClientName)
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	in.StartDate = strings.TrimSpace(in.StartDate)
	in.EndDate = strings.TrimSpace(in.EndDate)
}

func (in ContractInput) validate() error {
	f := validate.Fields{}
	if f.Required("client_name", in.ClientName) {
		f.MaxLen("client_name", in.ClientName, 255)
	}
	if in.ValueCents < 0 {
		f.Add("value_cents", "não pode ser negativo")
	}
	start, okStart := validate.Date(in.StartDate)
	if !okStart {
		f.Add("start_date", "data inválida, use AAAA-MM-DD")
	}
	if in.EndDate != "" {
		end, ok := validate.Date(in.EndDate)
		switch {
		case !ok:
			f.Add("end_date", "data inválida, use AAAA-MM-DD")
		case okStart && end.Before(start):
			f.Add("end_date", "deve ser posterior à data de início")
		}
	}
	return xerrors.Validation(f)
}

// ContractFilter narrows ListContracts.
type ContractFilter struct {
	Statuses []ContractStatus
	OwnerID  string
	Limit    int
	Offset   int
}

func (f *ContractFilter) normalise() {
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
