package cfdi

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	"github.com/jhoicas/timbrado-cfdi/pkg/cfdi"
)

// TaxSummary impuestos del comprobante agregados desde los conceptos.
type TaxSummary struct {
	Transfers        []entity.Tax // agrupados por impuesto, factor y tasa
	Withholdings     []entity.Tax // agrupados por impuesto
	TotalTransferred decimal.NullDecimal
	TotalWithheld    decimal.NullDecimal
}

// SummarizeTaxes agrupa los impuestos de los conceptos como los exige el nodo Impuestos del comprobante.
// Los traslados exentos se agrupan por base y no suman al total trasladado.
func SummarizeTaxes(doc *entity.FiscalDocument) TaxSummary {
	type transferKey struct{ tax, factor, rate string }
	transfers := map[transferKey]*entity.Tax{}
	withholdings := map[string]*entity.Tax{}
	var s TaxSummary

	for _, c := range doc.Concepts {
		for _, t := range c.Transfers {
			k := transferKey{t.Tax, t.FactorType, rateKey(t.Rate)}
			agg, ok := transfers[k]
			if !ok {
				agg = &entity.Tax{Tax: t.Tax, FactorType: t.FactorType, Rate: t.Rate, Base: decimal.Zero}
				transfers[k] = agg
			}
			agg.Base = agg.Base.Add(t.Base)
			if t.FactorType != cfdi.FactorExento && t.Amount.Valid {
				agg.Amount = addNull(agg.Amount, t.Amount.Decimal)
				s.TotalTransferred = addNull(s.TotalTransferred, t.Amount.Decimal)
			}
		}
		for _, t := range c.Withholdings {
			agg, ok := withholdings[t.Tax]
			if !ok {
				agg = &entity.Tax{Tax: t.Tax}
				withholdings[t.Tax] = agg
			}
			if t.Amount.Valid {
				agg.Amount = addNull(agg.Amount, t.Amount.Decimal)
				s.TotalWithheld = addNull(s.TotalWithheld, t.Amount.Decimal)
			}
		}
	}

	for _, t := range transfers {
		t.Base = t.Base.Round(2)
		if t.Amount.Valid {
			t.Amount.Decimal = t.Amount.Decimal.Round(2)
		}
		s.Transfers = append(s.Transfers, *t)
	}
	for _, t := range withholdings {
		if t.Amount.Valid {
			t.Amount.Decimal = t.Amount.Decimal.Round(2)
		}
		s.Withholdings = append(s.Withholdings, *t)
	}
	// Orden estable: el XML y por tanto la cadena original no deben depender del orden del mapa.
	sort.Slice(s.Transfers, func(i, j int) bool {
		a, b := s.Transfers[i], s.Transfers[j]
		if a.Tax != b.Tax {
			return a.Tax < b.Tax
		}
		if a.FactorType != b.FactorType {
			return a.FactorType < b.FactorType
		}
		return rateKey(a.Rate) < rateKey(b.Rate)
	})
	sort.Slice(s.Withholdings, func(i, j int) bool { return s.Withholdings[i].Tax < s.Withholdings[j].Tax })

	if s.TotalTransferred.Valid {
		s.TotalTransferred.Decimal = s.TotalTransferred.Decimal.Round(2)
	}
	if s.TotalWithheld.Valid {
		s.TotalWithheld.Decimal = s.TotalWithheld.Decimal.Round(2)
	}
	return s
}

func rateKey(r decimal.NullDecimal) string {
	if !r.Valid {
		return ""
	}
	return r.Decimal.StringFixed(6)
}

func addNull(acc decimal.NullDecimal, v decimal.Decimal) decimal.NullDecimal {
	if !acc.Valid {
		return decimal.NewNullDecimal(v)
	}
	return decimal.NewNullDecimal(acc.Decimal.Add(v))
}
