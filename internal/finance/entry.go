// Package finance books revenues and expenses by competence month and builds
// the DRE income statement from them.
package finance

import (
	"strings"
	"time"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/tenant"
	"medstaff/internal/validate"
)

// RevenueCategory classifies revenues in the DRE.
type RevenueCategory string

const (
	RevenueServicos    RevenueCategory = "servicos"
	RevenueConsultoria RevenueCategory = "consultoria"
	RevenueFinanceira  RevenueCategory = "financeira"
	RevenueOutras      RevenueCategory = "outras"
)

// Valid reports whether c is known.
func (c RevenueCategory) Valid() bool {
	switch c {
	case RevenueServicos, RevenueConsultoria, RevenueFinanceira, RevenueOutras:
		return true
	}
	return false
}

// ExpenseCategory classifies expenses in the DRE.
type ExpenseCategory string

const (
	ExpenseCustoServico   ExpenseCategory = "custo_servico"
	ExpensePessoal        ExpenseCategory = "pessoal"
	ExpenseAdministrativa ExpenseCategory = "administrativa"
	ExpenseComercial      ExpenseCategory = "comercial"
	ExpenseFinanceira     ExpenseCategory = "financeira"
	ExpenseImpostosLucro  ExpenseCategory = "impostos_lucro"
)

// Valid reports whether c is known.
func (c ExpenseCategory) Valid() bool {
	switch c {
	case ExpenseCustoServico, ExpensePessoal, ExpenseAdministrativa, ExpenseComercial, ExpenseFinanceira, ExpenseImpostosLucro:
		return true
	}
	return false
}

// RevenueStatus tracks receipt of a revenue.
type RevenueStatus string

const (
	RevenuePrevista  RevenueStatus = "prevista"
	RevenueRecebida  RevenueStatus = "recebida"
	RevenueCancelada RevenueStatus = "cancelada"
)

// ExpenseStatus tracks payment of an expense.
type ExpenseStatus string

const (
	ExpensePendente  ExpenseStatus = "pendente"
	ExpensePaga      ExpenseStatus = "paga"
	ExpenseCancelada ExpenseStatus = "cancelada"
)

var (
	ErrRevenueNotFound = xerrors.New(xerrors.CodeNotFound, "revenue not found")
	ErrExpenseNotFound = xerrors.New(xerrors.CodeNotFound, "expense not found")
	ErrCancelled       = xerrors.New(xerrors.CodeFailedPrecondition, "entry is cancelled")
	ErrSettled         = xerrors.New(xerrors.CodeFailedPrecondition, "entry already settled")
)

// Revenue is money earned in a competence month.
type Revenue struct {
	ID          string          `json:"id"`
	TenantID    tenant.ID       `json:"tenant_id"`
	Description string          `json:"description"`
	Category    RevenueCategory `json:"category"`
	AmountCents int64           `json:"amount_cents"`
	TaxCents    int64           `json:"tax_cents"`
	Competence  string          `json:"competence"`
	Status      RevenueStatus   `json:"status"`
	ReceivedAt  string          `json:"received_at,omitempty"`
	ContractID  string          `json:"contract_id,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

// Expense is money spent in a competence month.
type Expense struct {
	ID          string          `json:"id"`
	TenantID    tenant.ID       `json:"tenant_id"`
	Description string          `json:"description"`
	Category    ExpenseCategory `json:"category"`
	AmountCents int64           `json:"amount_cents"`
	Competence  string          `json:"competence"`
	DueDate     string          `json:"due_date"`
	Status      ExpenseStatus   `json:"status"`
	PaidAt      string          `json:"paid_at,omitempty"`
	Supplier    string          `json:"supplier"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

// RevenueInput carries the fields of a revenue. An empty Status means
// prevista.
type RevenueInput struct {
	Description string          `json:"description"`
	Category    RevenueCategory `json:"category"`
	AmountCents int64           `json:"amount_cents"`
	TaxCents    int64           `json:"tax_cents"`
	Competence  string          `json:"competence"`
	Status      RevenueStatus   `json:"status"`
	ReceivedAt  string          `json:"received_at"`
	ContractID  string          `json:"contract_id"`
}

func (in *RevenueInput) normalise() {
	in.Description = strings.TrimSpace(in.Description)
	in.Competence = strings.TrimSpace(in.Competence)
	in.ReceivedAt = strings.TrimSpace(in.ReceivedAt)
	in.ContractID = strings.TrimSpace(in.ContractID)
	if in.Status == "" {
		in.Status = RevenuePrevista
	}
}

// ExpenseInput carries the fields of an expense. An empty Status means
// pendente.
type ExpenseInput struct {
	Description string          `json:"description"`
	Category    ExpenseCategory `json:"category"`
	AmountCents int64           `json:"amount_cents"`
	Competence  string          `json:"competence"`
	DueDate     string          `json:"due_date"`
	Status      ExpenseStatus   `json:"status"`
	PaidAt      string          `json:"paid_at"`
	Supplier    string          `json:"supplier"`
}

func (in *ExpenseInput) normalise() {
	in.Description = strings.TrimSpace(in.Description)
	in.Competence = strings.TrimSpace(in.Competence)
	in.DueDate = strings.TrimSpace(in.DueDate)
	in.PaidAt = strings.TrimSpace(in.PaidAt)
	in.Supplier = strings.TrimSpace(in.Supplier)
	if in.Status == "" {
		in.Status = ExpensePendente
	}
}

// ValidateRevenue checks every field and reports all violations at once.
func ValidateRevenue(in RevenueInput) error {
	in.normalise()
	f := validate.Fields{}
	validateDescription(f, in.Description)
	validateAmount(f, in.AmountCents)
	if in.TaxCents < 0 {
		f.Add("tax_cents", "não pode ser negativo")
	} else if in.AmountCents > 0 && in.TaxCents > in.AmountCents {
		f.Add("tax_cents", "não pode exceder o valor")
	}
	if !in.Category.Valid() {
		f.Add("category", "categoria desconhecida")
	}
	competence, okCompetence := validateCompetence(f, in.Competence)
	switch in.Status {
	case RevenuePrevista:
		if in.ReceivedAt != "" {
			f.Add("received_at", "só informe para receitas recebidas")
		}
	case RevenueRecebida:
		validateSettlement(f, "received_at", in.ReceivedAt, competence, okCompetence)
	default:
		f.Add("status", "use prevista ou recebida")
	}
	return xerrors.Validation(f)
}

// ValidateExpense checks every field and reports all violations at once.
func ValidateExpense(in ExpenseInput) error {
	in.normalise()
	f := validate.Fields{}
	validateDescription(f, in.Description)
	validateAmount(f, in.AmountCents)
	if !in.Category.Valid() {
		f.Add("category", "categoria desconhecida")
	}
	competence, okCompetence := validateCompetence(f, in.Competence)
	if in.DueDate == "" {
		f.Add("due_date", "obrigatório")
	} else {
		validateDate(f, "due_date", in.DueDate, competence, okCompetence)
	}
	f.MaxLen("supplier", in.Supplier, 255)
	switch in.Status {
	case ExpensePendente:
		if in.PaidAt != "" {
			f.Add("paid_at", "só informe para despesas pagas")
		}
	case ExpensePaga:
		validateSettlement(f, "paid_at", in.PaidAt, competence, okCompetence)
	default:
		f.Add("status", "use pendente ou paga")
	}
	return xerrors.Validation(f)
}

func validateDescription(f validate.Fields, description string) {
	if f.Required("description", description) {
		f.MaxLen("description", description, 255)
	}
}

func validateAmount(f validate.Fields, cents int64) {
	if cents <= 0 {
		f.Add("amount_cents", "deve ser maior que zero")
	}
}

func validateCompetence(f validate.Fields, competence string) (time.Time, bool) {
	month, ok := validate.Month(competence)
	if !ok || len(competence) != 7 {
		f.Add("competence", "competência inválida, use AAAA-MM")
		return time.Time{}, false
	}
	return month, true
}

func validateSettlement(f validate.Fields, field, value string, competence time.Time, okCompetence bool) {
	if value == "" {
		f.Add(field, "obrigatório para lançamentos liquidados")
		return
	}
	validateDate(f, field, value, competence, okCompetence)
}

// validateDate rejects malformed dates and dates more than one year before
// the start of the competence month.
func validateDate(f validate.Fields, field, value string, competence time.Time, okCompetence bool) {
	d, ok := validate.Date(value)
	if !ok {
		f.Add(field, "data inválida, use AAAA-MM-DD")
		return
	}
	if okCompetence && d.Before(competence.AddDate(-1, 0, 0)) {
		f.Add(field, "muito anterior à competência")
	}
}

// Filter narrows the revenue and expense listings.
type Filter struct {
	From, To string
	Category string
	Status   string
	Limit    int
	Offset   int
}

func (f *Filter) normalise() {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}
