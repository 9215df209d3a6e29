package crm

import (
	"context"

	"medstaff/internal/tenant"
)

// Store persists leads, their history and contracts. Every method is scoped
// to one tenant; ids from another tenant behave as missing.
type Store interface {
	CreateLead(ctx context.Context, lead *Lead, initial StageChange) error
	UpdateLead(ctx context.Context, lead *Lead) error
	GetLead(ctx context.Context, tenantID tenant.ID, id string) (*Lead, error)
	ListLeads(ctx context.Context, tenantID tenant.ID, filter LeadFilter) ([]Lead, int, error)
	// MoveLead changes the stage only if it still equals change.From.
	MoveLead(ctx context.Context, change StageChange, lostReason string) error
	History(ctx context.Context, tenantID tenant.ID, leadID string) ([]StageChange, error)
	// ConvertLead links the contract to a lead in fechamento that has no
	// contract yet, inserting the contract in the same transaction.
	ConvertLead(ctx context.Context, contract *Contract) error
	StageTotals(ctx context.Context, tenantID tenant.ID) ([]StageSummary, error)

	CreateContract(ctx context.Context, contract *Contract) error
	GetContract(ctx context.Context, tenantID tenant.ID, id string) (*Contract, error)
	ListContracts(ctx context.Context, tenantID tenant.ID, filter ContractFilter) ([]Contract, int, error)
	// SetContractStatus changes the status only if it still equals from.
	SetContractStatus(ctx context.Context, tenantID tenant.ID, id string, from, to ContractStatus, at int64) error
	// ContractsEndingBetween returns active contracts whose end_date lies in
	// [from, to], both YYYY-MM-DD.
	ContractsEndingBetween(ctx context.Context, tenantID tenant.ID, from, to string) ([]Contract, error)
	CountContracts(ctx context.Context, tenantID tenant.ID, status ContractStatus) (int, error)
}
