package cfdi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	"github.com/jhoicas/timbrado-cfdi/pkg/cfdi"
)

// amountTolerance diferencia máxima aceptada entre Importe y Cantidad × ValorUnitario.
var amountTolerance = decimal.RequireFromString("0.01")

// ValidateDocument valida los datos del comprobante antes de generar la cadena original.
// Los totales ausentes no se reportan aquí: la transformación los exige y falla con
// ErrCanonicalization. Todos los errores envuelven domain.ErrInvalidDocument.
func ValidateDocument(doc *entity.FiscalDocument) error {
	if doc == nil {
		return fmt.Errorf("%w: comprobante nulo", domain.ErrInvalidDocument)
	}
	var errs []error

	if strings.TrimSpace(doc.ID) == "" {
		errs = append(errs, errors.New("identificador requerido"))
	}
	if doc.Version != cfdi.Version40 && doc.Version != cfdi.Version33 {
		errs = append(errs, fmt.Errorf("versión %q no soportada", doc.Version))
	}
	if err := cfdi.ValidateRFC(doc.Emitter.TaxID); err != nil {
		errs = append(errs, fmt.Errorf("emisor: %w", err))
	}
	if err := cfdi.ValidateRFC(doc.Receiver.TaxID); err != nil {
		errs = append(errs, fmt.Errorf("receptor: %w", err))
	}
	if doc.IssuedAt.IsZero() {
		errs = append(errs, errors.New("fecha de emisión requerida"))
	}

	if len(doc.Concepts) == 0 {
		errs = append(errs, errors.New("el comprobante debe tener al menos un concepto"))
	}
	sumAmounts := decimal.Zero
	sumDiscounts := decimal.Zero
	for i, c := range doc.Concepts {
		expected := c.Quantity.Mul(c.UnitValue)
		if c.Amount.Sub(expected).Abs().GreaterThan(amountTolerance) {
			errs = append(errs, fmt.Errorf("concepto %d: importe %s no coincide con cantidad × valor unitario (%s)",
				i+1, c.Amount.StringFixed(2), expected.Round(2).StringFixed(2)))
		}
		if strings.TrimSpace(c.Description) == "" {
			errs = append(errs, fmt.Errorf("concepto %d: descripción requerida", i+1))
		}
		sumAmounts = sumAmounts.Add(c.Amount)
		if c.Discount.Valid {
			sumDiscounts = sumDiscounts.Add(c.Discount.Decimal)
		}
	}

	if doc.SubTotal.Valid && len(doc.Concepts) > 0 {
		if !doc.SubTotal.Decimal.Round(2).Equal(sumAmounts.Round(2)) {
			errs = append(errs, fmt.Errorf("subtotal (%s) no coincide con la suma de importes (%s)",
				doc.SubTotal.Decimal.StringFixed(2), sumAmounts.Round(2).StringFixed(2)))
		}
	}
	if doc.Discount.Valid && !doc.Discount.Decimal.Round(2).Equal(sumDiscounts.Round(2)) {
		errs = append(errs, fmt.Errorf("descuento (%s) no coincide con la suma de descuentos de conceptos (%s)",
			doc.Discount.Decimal.StringFixed(2), sumDiscounts.Round(2).StringFixed(2)))
	}
	if doc.Total.Valid && doc.SubTotal.Valid {
		taxes := SummarizeTaxes(doc)
		expected := doc.SubTotal.Decimal
		if doc.Discount.Valid {
			expected = expected.Sub(doc.Discount.Decimal)
		}
		if taxes.TotalTransferred.Valid {
			expected = expected.Add(taxes.TotalTransferred.Decimal)
		}
		if taxes.TotalWithheld.Valid {
			expected = expected.Sub(taxes.TotalWithheld.Decimal)
		}
		if !doc.Total.Decimal.Round(2).Equal(expected.Round(2)) {
			errs = append(errs, fmt.Errorf("total (%s) no coincide con subtotal - descuento + trasladados - retenidos (%s)",
				doc.Total.Decimal.StringFixed(2), expected.Round(2).StringFixed(2)))
		}
	}

	if doc.Payment != nil {
		for i, p := range doc.Payment.Payments {
			if p.Amount.LessThanOrEqual(decimal.Zero) {
				errs = append(errs, fmt.Errorf("pago %d: monto debe ser mayor a cero", i+1))
			}
			for j, r := range p.Related {
				if r.UUID == "" {
					errs = append(errs, fmt.Errorf("pago %d, documento %d: UUID requerido", i+1, j+1))
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidDocument, errors.Join(errs...))
	}
	return nil
}
