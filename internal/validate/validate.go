// Package validate holds field checks shared by the domain services and the
// accent-folding used for text search.
package validate

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	DateLayout  = "2006-01-02"
	MonthLayout = "2006-01"
	ClockLayout = "15:04"
)

// Fields accumulates per-field messages.
type Fields map[string]string

// Add records msg for field unless one is already recorded.
func (f Fields) Add(field, msg string) {
	if _, ok := f[field]; !ok {
		f[field] = msg
	}
}

// Required records a message when value is blank.
func (f Fields) Required(field, value string) bool {
	if strings.TrimSpace(value) == "" {
		f.Add(field, "obrigatório")
		return false
	}
	return true
}

// MaxLen records a message when value has more than max characters.
func (f Fields) MaxLen(field, value string, max int) {
	if len([]rune(value)) > max {
		f.Add(field, "máximo de "+strconv.Itoa(max)+" caracteres")
	}
}

// Email reports whether s is a plain address such as ana@clinica.com.br.
func Email(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	return at > 0 && strings.Contains(s[at+1:], ".")
}

// Date parses a YYYY-MM-DD value.
func Date(s string) (time.Time, bool) {
	t, err := time.Parse(DateLayout, s)
	return t, err == nil
}

// Month parses a YYYY-MM value.
func Month(s string) (time.Time, bool) {
	t, err := time.Parse(MonthLayout, s)
	return t, err == nil
}

// Clock parses an HH:MM value and returns minutes since midnight.
func Clock(s string) (int, bool) {
	t, err := time.Parse(ClockLayout, s)
	if err != nil || len(s) != 5 {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// FormatClock renders minutes since midnight as HH:MM.
func FormatClock(minutes int) string {
	h, m := minutes/60, minutes%60
	return fmt.Sprintf("%02d:%02d", h, m)
}

// Fold lower-cases s and strips diacritics so "Conceição" matches "conceicao".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.Join(strings.Fields(folded), " "))
}

// LikePattern turns a free-text query into a folded LIKE pattern. SQL
// wildcards typed by the user are dropped.
func LikePattern(query string) string {
	q := strings.NewReplacer("%", "", "_", "", "\\", "").Replace(Fold(query))
	if q == "" {
		return ""
	}
	return "%" + q + "%"
}

// Digits keeps only ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
