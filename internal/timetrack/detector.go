package timetrack

import (
	"fmt"
	"time"

	"medstaff/internal/hr"
	"medstaff/internal/validate"
)

const (
	CodeMissingClockIn   = "missing_clock_in"
	CodeMissingClockOut  = "missing_clock_out"
	CodeInconsistent     = "inconsistent_sequence"
	CodeLateArrival      = "late_arrival"
	CodeEarlyDeparture   = "early_departure"
	CodeShortLunch       = "short_lunch"
	CodeMissingLunch     = "missing_lunch"
	CodeOvertimeExceeded = "overtime_exceeded"
	CodeInsufficientRest = "insufficient_rest"
	CodeNonWorkday       = "non_workday"
)

const minutesPerDay = 24 * 60

// Thresholds are the tolerances the rules compare against, in minutes.
type Thresholds struct {
	LateTolerance      int
	EarlyTolerance     int
	LunchTolerance     int
	MaxOvertime        int
	LunchRequiredAfter int
	MinRest            int
}

// DefaultThresholds returns the standard tolerances.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LateTolerance:      10,
		EarlyTolerance:     10,
		LunchTolerance:     10,
		MaxOvertime:        120,
		LunchRequiredAfter: 6 * 60,
		MinRest:            11 * 60,
	}
}

// Check is what every rule sees. Previous is the employee's latest record
// before Record.Date, or nil.
type Check struct {
	Record     *TimeRecord
	Previous   *TimeRecord
	Schedule   hr.WorkSchedule
	Thresholds Thresholds
}

// Rule inspects one record and reports at most one finding.
type Rule interface {
	Code() string
	Evaluate(c Check) (description string, found bool)
}

// RuleFunc adapts a function to Rule.
type RuleFunc struct {
	code string
	fn   func(Check) (string, bool)
}

// NewRule builds a Rule from fn.
func NewRule(code string, fn func(Check) (string, bool)) Rule {
	return RuleFunc{code: code, fn: fn}
}

func (r RuleFunc) Code() string                    { return r.code }
func (r RuleFunc) Evaluate(c Check) (string, bool) { return r.fn(c) }

// Detector runs a fixed list of independent rules.
type Detector struct {
	rules      []Rule
	thresholds Thresholds
}

// NewDetector builds a Detector. With no rules the default set is used.
func NewDetector(thresholds Thresholds, rules ...Rule) *Detector {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Detector{rules: rules, thresholds: thresholds}
}

// Detect evaluates every rule; findings follow rule order.
func (d *Detector) Detect(record *TimeRecord, schedule hr.WorkSchedule, previous *TimeRecord) []Irregularity {
	check := Check{Record: record, Previous: previous, Schedule: schedule, Thresholds: d.thresholds}
	found := []Irregularity{}
	for _, rule := range d.rules {
		if desc, ok := rule.Evaluate(check); ok {
			found = append(found, Irregularity{Code: rule.Code(), Description: desc})
		}
	}
	return found
}

// DefaultRules returns the standard rules in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		NewRule(CodeMissingClockIn, missingClockIn),
		NewRule(CodeMissingClockOut, missingClockOut),
		NewRule(CodeInconsistent, inconsistentSequence),
		NewRule(CodeLateArrival, lateArrival),
		NewRule(CodeEarlyDeparture, earlyDeparture),
		NewRule(CodeShortLunch, shortLunch),
		NewRule(CodeMissingLunch, missingLunch),
		NewRule(CodeOvertimeExceeded, overtimeExceeded),
		NewRule(CodeInsufficientRest, insufficientRest),
		NewRule(CodeNonWorkday, nonWorkday),
	}
}

func missingClockIn(c Check) (string, bool) {
	if c.Record.ClockIn == "" {
		return "Entrada não registrada", true
	}
	return "", false
}

func missingClockOut(c Check) (string, bool) {
	if c.Record.ClockOut == "" {
		return "Saída não registrada", true
	}
	return "", false
}

func inconsistentSequence(c Check) (string, bool) {
	if !c.Record.clocks().ordered() {
		return "Sequência de marcações inconsistente (entrada, início do almoço, fim do almoço, saída)", true
	}
	return "", false
}

func lateArrival(c Check) (string, bool) {
	in := c.Record.clocks().in
	start := c.Schedule.StartMinutes()
	if in >= 0 && in > start+c.Thresholds.LateTolerance {
		return fmt.Sprintf("Atraso de %d minutos na entrada (previsto %s, registrado %s)",
			in-start, c.Schedule.Start, c.Record.ClockIn), true
	}
	return "", false
}

func earlyDeparture(c Check) (string, bool) {
	out := c.Record.clocks().out
	end := c.Schedule.EndMinutes()
	if out >= 0 && out < end-c.Thresholds.EarlyTolerance {
		return fmt.Sprintf("Saída antecipada em %d minutos (previsto %s, registrado %s)",
			end-out, c.Schedule.End, c.Record.ClockOut), true
	}
	return "", false
}

func shortLunch(c Check) (string, bool) {
	cl := c.Record.clocks()
	if cl.lunchStart < 0 || cl.lunchEnd < 0 || cl.lunchEnd <= cl.lunchStart || c.Schedule.LunchMinutes <= 0 {
		return "", false
	}
	if lunch := cl.lunch(); lunch < c.Schedule.LunchMinutes-c.Thresholds.LunchTolerance {
		return fmt.Sprintf("Intervalo de almoço de %d minutos, inferior aos %d previstos", lunch, c.Schedule.LunchMinutes), true
	}
	return "", false
}

func missingLunch(c Check) (string, bool) {
	cl := c.Record.clocks()
	worked, ok := cl.worked()
	if !ok || cl.lunchStart >= 0 || cl.lunchEnd >= 0 {
		return "", false
	}
	if worked > c.Thresholds.LunchRequiredAfter {
		return fmt.Sprintf("Jornada de %s sem intervalo de almoço", validate.FormatClock(worked)), true
	}
	return "", false
}

func overtimeExceeded(c Check) (string, bool) {
	worked, ok := c.Record.clocks().worked()
	if !ok {
		return "", false
	}
	expected := c.Schedule.ExpectedMinutes()
	if extra := worked - expected; extra > c.Thresholds.MaxOvertime {
		return fmt.Sprintf("Hora extra de %d minutos excede o limite de %d", extra, c.Thresholds.MaxOvertime), true
	}
	return "", false
}

func insufficientRest(c Check) (string, bool) {
	if c.Previous == nil {
		return "", false
	}
	prevOut := c.Previous.clocks().out
	in := c.Record.clocks().in
	if prevOut < 0 || in < 0 {
		return "", false
	}
	prevDay, ok1 := validate.Date(c.Previous.Date)
	day, ok2 := validate.Date(c.Record.Date)
	if !ok1 || !ok2 || !day.After(prevDay) {
		return "", false
	}
	days := int(day.Sub(prevDay) / (24 * time.Hour))
	rest := days*minutesPerDay + in - prevOut
	if rest < c.Thresholds.MinRest {
		return fmt.Sprintf("Descanso de %s entre jornadas, mínimo de %s", validate.FormatClock(rest), validate.FormatClock(c.Thresholds.MinRest)), true
	}
	return "", false
}

func nonWorkday(c Check) (string, bool) {
	day, ok := validate.Date(c.Record.Date)
	if !ok || c.Schedule.WorksOn(day.Weekday()) {
		return "", false
	}
	return "Trabalho registrado em dia fora da escala (" + weekdayName(day.Weekday()) + ")", true
}

func weekdayName(d time.Weekday) string {
	return [...]string{"domingo", "segunda-feira", "terça-feira", "quarta-feira", "quinta-feira", "sexta-feira", "sábado"}[d]
}
