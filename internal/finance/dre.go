package finance

import (
	"math"
	"sort"
)

// Totals are the per-category sums the statement is built from.
type Totals struct {
	Revenue map[RevenueCategory]int64
	Tax     map[RevenueCategory]int64
	Expense map[ExpenseCategory]int64
}

func newTotals() *Totals {
	return &Totals{
		Revenue: map[RevenueCategory]int64{},
		Tax:     map[RevenueCategory]int64{},
		Expense: map[ExpenseCategory]int64{},
	}
}

// Statement is one DRE. Amounts are in cents.
type Statement struct {
	ReceitaBruta         int64             `json:"receita_bruta"`
	Deducoes             int64             `json:"deducoes"`
	ReceitaLiquida       int64             `json:"receita_liquida"`
	Custos               int64             `json:"custos"`
	LucroBruto           int64             `json:"lucro_bruto"`
	DespesasOperacionais int64             `json:"despesas_operacionais"`
	ResultadoOperacional int64             `json:"resultado_operacional"`
	ResultadoFinanceiro  int64             `json:"resultado_financeiro"`
	ResultadoAntesIR     int64             `json:"resultado_antes_ir"`
	ImpostosSobreLucro   int64             `json:"impostos_sobre_lucro"`
	LucroLiquido         int64             `json:"lucro_liquido"`
	MargemLiquida        float64           `json:"margem_liquida"`
	Formatted            map[string]string `json:"formatted"`
}

// MonthStatement is the DRE of one competence month.
type MonthStatement struct {
	Competence string `json:"competence"`
	Statement
}

// DRE is the statement over a competence range plus its monthly breakdown.
type DRE struct {
	From   string           `json:"from"`
	To     string           `json:"to"`
	Total  Statement        `json:"total"`
	Months []MonthStatement `json:"months"`
}

// Compute builds the statement from category totals.
//
// Financial revenue is kept out of receita bruta and enters resultado
// financeiro net of its own taxes. The margin is rounded to four decimals.
func Compute(t *Totals) Statement {
	var s Statement
	for cat, amount := range t.Revenue {
		if cat == RevenueFinanceira {
			continue
		}
		s.ReceitaBruta += amount
		s.Deducoes += t.Tax[cat]
	}
	s.ReceitaLiquida = s.ReceitaBruta - s.Deducoes
	s.Custos = t.Expense[ExpenseCustoServico]
	s.LucroBruto = s.ReceitaLiquida - s.Custos
	s.DespesasOperacionais = t.Expense[ExpensePessoal] + t.Expense[ExpenseAdministrativa] + t.Expense[ExpenseComercial]
	s.ResultadoOperacional = s.LucroBruto - s.DespesasOperacionais
	financial := t.Revenue[RevenueFinanceira] - t.Tax[RevenueFinanceira]
	s.ResultadoFinanceiro = financial - t.Expense[ExpenseFinanceira]
	s.ResultadoAntesIR = s.ResultadoOperacional + s.ResultadoFinanceiro
	s.ImpostosSobreLucro = t.Expense[ExpenseImpostosLucro]
	s.LucroLiquido = s.ResultadoAntesIR - s.ImpostosSobreLucro
	if s.ReceitaLiquida > 0 {
		s.MargemLiquida = math.Round(float64(s.LucroLiquido)/float64(s.ReceitaLiquida)*10000) / 10000
	}
	s.Formatted = map[string]string{
		"receita_bruta":         FormatBRL(s.ReceitaBruta),
		"deducoes":              FormatBRL(s.Deducoes),
		"receita_liquida":       FormatBRL(s.ReceitaLiquida),
		"custos":                FormatBRL(s.Custos),
		"lucro_bruto":           FormatBRL(s.LucroBruto),
		"despesas_operacionais": FormatBRL(s.DespesasOperacionais),
		"resultado_operacional": FormatBRL(s.ResultadoOperacional),
		"resultado_financeiro":  FormatBRL(s.ResultadoFinanceiro),
		"resultado_antes_ir":    FormatBRL(s.ResultadoAntesIR),
		"impostos_sobre_lucro":  FormatBRL(s.ImpostosSobreLucro),
		"lucro_liquido":         FormatBRL(s.LucroLiquido),
		"margem_liquida":        FormatPercent(s.MargemLiquida),
	}
	return s
}

// build assembles the DRE from per-month totals. Months without entries are
// still listed.
func build(from, to string, months []string, byMonth map[string]*Totals) *DRE {
	total := newTotals()
	dre := &DRE{From: from, To: to}
	sort.Strings(months)
	for _, m := range months {
		t := byMonth[m]
		if t == nil {
			t = newTotals()
		}
		for k, v := range t.Revenue {
			total.Revenue[k] += v
		}
		for k, v := range t.Tax {
			total.Tax[k] += v
		}
		for k, v := range t.Expense {
			total.Expense[k] += v
		}
		dre.Months = append(dre.Months, MonthStatement{Competence: m, Statement: Compute(t)})
	}
	dre.Total = Compute(total)
	return dre
}
