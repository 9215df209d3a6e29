// Package hr keeps the employee register used by time tracking and the
// dashboards.
package hr

import (
	"sort"
	"strconv"
	"strings"
	"time"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/tenant"
	"medstaff/internal/validate"
)

// Status is the employment situation of an employee.
type Status string

const (
	StatusAtivo     Status = "ativo"
	StatusFerias    Status = "ferias"
	StatusAfastado  Status = "afastado"
	StatusDesligado Status = "desligado"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusAtivo, StatusFerias, StatusAfastado, StatusDesligado}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

var (
	ErrNotFound     = xerrors.New(xerrors.CodeNotFound, "employee not found")
	ErrDuplicateCPF = xerrors.New(xerrors.CodeConflict, "CPF already registered", xerrors.WithField("cpf", "CPF já cadastrado"))
)

// WorkSchedule is the contractual daily schedule.
type WorkSchedule struct {
	Start        string         `json:"start"`
	End          string         `json:"end"`
	LunchMinutes int            `json:"lunch_minutes"`
	Workdays     []time.Weekday `json:"workdays"`
}

// DefaultSchedule is 08:00 to 17:00 with one hour of lunch, Monday to Friday.
func DefaultSchedule() WorkSchedule {
	return WorkSchedule{
		Start:        "08:00",
		End:          "17:00",
		LunchMinutes: 60,
		Workdays:     []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	}
}

// StartMinutes returns the start time in minutes since midnight.
func (w WorkSchedule) StartMinutes() int {
	m, _ := validate.Clock(w.Start)
	return m
}

// EndMinutes returns the end time in minutes since midnight.
func (w WorkSchedule) EndMinutes() int {
	m, _ := validate.Clock(w.End)
	return m
}

// ExpectedMinutes is the daily work time excluding lunch.
func (w WorkSchedule) ExpectedMinutes() int {
	return w.EndMinutes() - w.StartMinutes() - w.LunchMinutes
}

// WorksOn reports whether day is a scheduled workday.
func (w WorkSchedule) WorksOn(day time.Weekday) bool {
	for _, d := range w.Workdays {
		if d == day {
			return true
		}
	}
	return false
}

func (w WorkSchedule) validate(f validate.Fields) {
	start, okStart := validate.Clock(w.Start)
	end, okEnd := validate.Clock(w.End)
	if !okStart {
		f.Add("schedule.start", "horário inválido, use HH:MM")
	}
	if !okEnd {
		f.Add("schedule.end", "horário inválido, use HH:MM")
	}
	if okStart && okEnd && end <= start {
		f.Add("schedule.end", "deve ser posterior ao início")
	}
	if w.LunchMinutes < 0 || (okStart && okEnd && end > start && w.LunchMinutes >= end-start) {
		f.Add("schedule.lunch_minutes", "intervalo inválido")
	}
	if len(w.Workdays) == 0 {
		f.Add("schedule.workdays", "informe ao menos um dia")
	}
	for _, d := range w.Workdays {
		if d < time.Sunday || d > time.Saturday {
			f.Add("schedule.workdays", "dia da semana inválido")
		}
	}
}

func encodeWorkdays(days []time.Weekday) string {
	seen := map[time.Weekday]bool{}
	var parts []int
	for _, d := range days {
		if !seen[d] {
			seen[d] = true
			parts = append(parts, int(d))
		}
	}
	sort.Ints(parts)
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strconv.Itoa(p)
	}
	return strings.Join(out, ",")
}

func decodeWorkdays(raw string) []time.Weekday {
	var days []time.Weekday
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 || n > 6 {
			continue
		}
		days = append(days, time.Weekday(n))
	}
	return days
}

// Employee is a person on the payroll.
type Employee struct {
	ID              string       `json:"id"`
	TenantID        tenant.ID    `json:"tenant_id"`
	Name            string       `json:"name"`
	CPF             string       `json:"cpf"`
	Email           string       `json:"email"`
	JobTitle        string       `json:"job_title"`
	Department      string       `json:"department"`
	AdmissionDate   string       `json:"admission_date"`
	TerminationDate string       `json:"termination_date,omitempty"`
	SalaryCents     int64        `json:"salary_cents"`
	Status          Status       `json:"status"`
	UserID          string       `json:"user_id,omitempty"`
	Schedule        WorkSchedule `json:"schedule"`
	CreatedAt       int64        `json:"created_at"`
	UpdatedAt       int64        `json:"updated_at"`
}

func (e *Employee) searchText() string {
	return validate.Fold(strings.Join([]string{e.Name, e.Email, e.JobTitle, e.CPF}, " "))
}

// Input carries the editable employee fields. A nil Schedule keeps the
// current one, or the default on creation.
type Input struct {
	Name          string        `json:"name"`
	CPF           string        `json:"cpf"`
	Email         string        `json:"email"`
	JobTitle      string        `json:"job_title"`
	Department    string        `json:"department"`
	AdmissionDate string        `json:"admission_date"`
	SalaryCents   int64         `json:"salary_cents"`
	UserID        string        `json:"user_id"`
	Schedule      *WorkSchedule `json:"schedule,omitempty"`
}

func (in *Input) normalise() {
	in.Name = strings.TrimSpace(in.Name)
	in.CPF = validate.Digits(in.CPF)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.JobTitle = strings.TrimSpace(in.JobTitle)
	in.Department = strings.TrimSpace(in.Department)
	in.AdmissionDate = strings.TrimSpace(in.AdmissionDate)
	in.UserID = strings.TrimSpace(in.UserID)
}

func (in Input) validate(schedule WorkSchedule) error {
	f := validate.Fields{}
	if f.Required("name", in.Name) {
		f.MaxLen("name", in.Name, 255)
	}
	if !ValidCPF(in.CPF) {
		f.Add("cpf", "CPF inválido")
	}
	if in.Email != "" && !validate.Email(in.Email) {
		f.Add("email", "e-mail inválido")
	}
	f.MaxLen("job_title", in.JobTitle, 128)
	f.MaxLen("department", in.Department, 128)
	if _, ok := validate.Date(in.AdmissionDate); !ok {
		f.Add("admission_date", "data inválida, use AAAA-MM-DD")
	}
	if in.SalaryCents < 0 {
		f.Add("salary_cents", "não pode ser negativo")
	}
	schedule.validate(f)
	return xerrors.Validation(f)
}

// ValidCPF checks length and both check digits of a CPF given as 11 digits.
// Sequences of a single repeated digit are rejected.
func ValidCPF(cpf string) bool {
	if len(cpf) != 11 {
		return false
	}
	digits := make([]int, 11)
	same := true
	for i := range cpf {
		if cpf[i] < '0' || cpf[i] > '9' {
			return false
		}
		digits[i] = int(cpf[i] - '0')
		if digits[i] != digits[0] {
			same = false
		}
	}
	if same {
		return false
	}
	return cpfDigit(digits[:9]) == digits[9] && cpfDigit(digits[:10]) == digits[10]
}

func cpfDigit(base []int) int {
	sum := 0
	weight := len(base) + 1
	for _, d := range base {
		sum += d * weight
		weight--
	}
	r := sum * 10 % 11
	if r == 10 {
		return 0
	}
	return r
}

// Filter narrows List.
type Filter struct {
	Statuses   []Status
	Department string
	Query      string
	Limit      int
	Offset     int
}

func (f *Filter) normalise() {
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

// Headcount counts employees per status. Active excludes desligado.
type Headcount struct {
	ByStatus map[Status]int `json:"by_status"`
	Active   int            `json:"active"`
	Total    int            `json:"total"`
}
