package finance

import (
	"fmt"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var brl = message.NewPrinter(language.BrazilianPortuguese)

// FormatBRL renders an amount in cents as "R$ 1.234,56".
func FormatBRL(cents int64) string {
	scale, _ := currency.Standard.Rounding(currency.BRL)
	unit := int64(1)
	for i := 0; i < scale; i++ {
		unit *= 10
	}
	whole, frac := cents/unit, cents%unit
	sign := ""
	if cents < 0 {
		sign = "-"
		whole, frac = -whole, -frac
	}
	out := sign + "R$ " + brl.Sprintf("%d", whole)
	if scale > 0 {
		out += fmt.Sprintf(",%0*d", scale, frac)
	}
	return out
}

// FormatPercent renders a ratio such as 0.1234 as "12,34%".
func FormatPercent(ratio float64) string {
	return brl.Sprintf("%.2f", ratio*100) + "%"
}
