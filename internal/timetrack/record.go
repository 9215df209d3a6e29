// Package timetrack records daily clock entries, flags irregularities and
// runs the validation workflow.
package timetrack

import (
	"encoding/json"
	"strings"

	xerrors "medstaff/internal/errors"
	"medstaff/internal/tenant"
	"medstaff/internal/validate"
)

// Status is the validation state of a record.
type Status string

const (
	StatusPendente  Status = "pendente"
	StatusAprovado  Status = "aprovado"
	StatusRejeitado Status = "rejeitado"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPendente || s == StatusAprovado || s == StatusRejeitado
}

var (
	ErrNotFound     = xerrors.New(xerrors.CodeNotFound, "time record not found")
	ErrDuplicateDay = xerrors.New(xerrors.CodeConflict, "time record already exists for this day", xerrors.WithField("date", "já existe registro para esta data"))
	ErrNotPending   = xerrors.New(xerrors.CodeFailedPrecondition, "time record already reviewed")
	ErrOwnRecord    = xerrors.New(xerrors.CodePermissionDenied, "cannot review your own time record")
)

// Irregularity is one finding of the detector.
type Irregularity struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// TimeRecord is one employee's clock entries for one day. Times are local
// "HH:MM" strings and any of them may be empty.
type TimeRecord struct {
	ID             string         `json:"id"`
	TenantID       tenant.ID      `json:"tenant_id"`
	EmployeeID     string         `json:"employee_id"`
	Date           string         `json:"date"`
	ClockIn        string         `json:"clock_in,omitempty"`
	LunchStart     string         `json:"lunch_start,omitempty"`
	LunchEnd       string         `json:"lunch_end,omitempty"`
	ClockOut       string         `json:"clock_out,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	Irregularities []Irregularity `json:"irregularities"`
	Status         Status         `json:"status"`
	ReviewerID     string         `json:"reviewer_id,omitempty"`
	ReviewNote     string         `json:"review_note,omitempty"`
	ReviewedAt     int64          `json:"reviewed_at,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// Irregular reports whether the detector flagged the record.
func (r *TimeRecord) Irregular() bool {
	return len(r.Irregularities) > 0
}

// clocks holds the parsed times; -1 marks an empty one.
type clocks struct {
	in, lunchStart, lunchEnd, out int
}

func (r *TimeRecord) clocks() clocks {
	parse := func(s string) int {
		if m, ok := validate.Clock(s); ok {
			return m
		}
		return -1
	}
	return clocks{in: parse(r.ClockIn), lunchStart: parse(r.LunchStart), lunchEnd: parse(r.LunchEnd), out: parse(r.ClockOut)}
}

// ordered reports whether the registered times are strictly increasing and
// lunch is either fully registered or absent.
func (c clocks) ordered() bool {
	if (c.lunchStart < 0) != (c.lunchEnd < 0) {
		return false
	}
	last := -1
	for _, m := range []int{c.in, c.lunchStart, c.lunchEnd, c.out} {
		if m < 0 {
			continue
		}
		if m <= last {
			return false
		}
		last = m
	}
	return true
}

func (c clocks) lunch() int {
	if c.lunchStart < 0 || c.lunchEnd < 0 {
		return 0
	}
	return c.lunchEnd - c.lunchStart
}

// worked returns the minutes between clock-in and clock-out minus lunch. It
// is only defined for complete, ordered records.
func (c clocks) worked() (int, bool) {
	if c.in < 0 || c.out < 0 || !c.ordered() {
		return 0, false
	}
	return c.out - c.in - c.lunch(), true
}

// WorkedMinutes returns the time worked, when the record allows computing it.
func (r *TimeRecord) WorkedMinutes() (int, bool) {
	return r.clocks().worked()
}

// Input carries the clock entries of a record.
type Input struct {
	EmployeeID string `json:"employee_id"`
	Date       string `json:"date"`
	ClockIn    string `json:"clock_in"`
	LunchStart string `json:"lunch_start"`
	LunchEnd   string `json:"lunch_end"`
	ClockOut   string `json:"clock_out"`
	Notes      string `json:"notes"`
}

func (in *Input) normalise() {
	in.EmployeeID = strings.TrimSpace(in.EmployeeID)
	in.Date = strings.TrimSpace(in.Date)
	in.ClockIn = strings.TrimSpace(in.ClockIn)
	in.LunchStart = strings.TrimSpace(in.LunchStart)
	in.LunchEnd = strings.TrimSpace(in.LunchEnd)
	in.ClockOut = strings.TrimSpace(in.ClockOut)
	in.Notes = strings.TrimSpace(in.Notes)
}

func (in Input) validate(today string) error {
	f := validate.Fields{}
	f.Required("employee_id", in.EmployeeID)
	if _, ok := validate.Date(in.Date); !ok {
		f.Add("date", "data inválida, use AAAA-MM-DD")
	} else if in.Date > today {
		f.Add("date", "data futura")
	}
	times := map[string]string{
		"clock_in": in.ClockIn, "lunch_start": in.LunchStart, "lunch_end": in.LunchEnd, "clock_out": in.ClockOut,
	}
	empty := true
	for field, value := range times {
		if value == "" {
			continue
		}
		empty = false
		if _, ok := validate.Clock(value); !ok {
			f.Add(field, "horário inválido, use HH:MM")
		}
	}
	if empty {
		f.Add("clock_in", "informe ao menos um horário")
	}
	f.MaxLen("notes", in.Notes, 1000)
	return xerrors.Validation(f)
}

func encodeIrregularities(list []Irregularity) string {
	if len(list) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func decodeIrregularities(raw string) []Irregularity {
	var list []Irregularity
	if raw == "" || json.Unmarshal([]byte(raw), &list) != nil {
		return []Irregularity{}
	}
	if list == nil {
		list = []Irregularity{}
	}
	return list
}

// Filter narrows List.
type Filter struct {
	EmployeeID    string
	From, To      string
	Statuses      []Status
	OnlyIrregular bool
	Limit         int
	Offset        int
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

// Summary aggregates an employee's records over a date range.
type Summary struct {
	EmployeeID      string         `json:"employee_id"`
	From            string         `json:"from"`
	To              string         `json:"to"`
	Days            int            `json:"days"`
	WorkedMinutes   int            `json:"worked_minutes"`
	ExpectedMinutes int            `json:"expected_minutes"`
	BalanceMinutes  int            `json:"balance_minutes"`
	IrregularDays   int            `json:"irregular_days"`
	Pending         int            `json:"pending"`
	ByCode          map[string]int `json:"by_code"`
}
