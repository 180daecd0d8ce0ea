package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
)

// DocumentRequest body para PUT /api/documents/:id. Lo envía el módulo de facturación.
// Los importes opcionales ausentes (o null) se omiten del XML.
type DocumentRequest struct {
	Version           string                  `json:"version"`
	Series            string                  `json:"series,omitempty"`
	Folio             string                  `json:"folio,omitempty"`
	IssuedAt          time.Time               `json:"issued_at"`
	PaymentForm       string                  `json:"payment_form,omitempty"`
	PaymentConditions string                  `json:"payment_conditions,omitempty"`
	PaymentMethod     string                  `json:"payment_method,omitempty"`
	Currency          string                  `json:"currency"`
	ExchangeRate      decimal.NullDecimal     `json:"exchange_rate"`
	SubTotal          decimal.NullDecimal     `json:"subtotal"`
	Discount          decimal.NullDecimal     `json:"discount"`
	Total             decimal.NullDecimal     `json:"total"`
	Type              string                  `json:"type"`
	Export            string                  `json:"export"`
	ExpeditionPlace   string                  `json:"expedition_place"`
	Emitter           PartyRequest            `json:"emitter"`
	Receiver          PartyRequest            `json:"receiver"`
	Concepts          []ConceptRequest        `json:"concepts"`
	Payment           *PaymentComplementInput `json:"payment,omitempty"`
}

// PartyRequest emisor o receptor. PostalCode y CFDIUse solo aplican al receptor.
type PartyRequest struct {
	TaxID      string `json:"tax_id"`
	Name       string `json:"name"`
	TaxRegime  string `json:"tax_regime"`
	PostalCode string `json:"postal_code,omitempty"`
	CFDIUse    string `json:"cfdi_use,omitempty"`
}

// ConceptRequest línea del comprobante.
type ConceptRequest struct {
	ProductCode  string              `json:"product_code"`
	SKU          string              `json:"sku,omitempty"`
	Quantity     decimal.Decimal     `json:"quantity"`
	UnitCode     string              `json:"unit_code"`
	Unit         string              `json:"unit,omitempty"`
	Description  string              `json:"description"`
	UnitValue    decimal.Decimal     `json:"unit_value"`
	Amount       decimal.Decimal     `json:"amount"`
	Discount     decimal.NullDecimal `json:"discount"`
	TaxObject    string              `json:"tax_object"`
	Transfers    []TaxRequest        `json:"transfers,omitempty"`
	Withholdings []TaxRequest        `json:"withholdings,omitempty"`
}

// TaxRequest impuesto de un concepto.
type TaxRequest struct {
	Base       decimal.Decimal     `json:"base"`
	Tax        string              `json:"tax"`
	FactorType string              `json:"factor_type"`
	Rate       decimal.NullDecimal `json:"rate"`
	Amount     decimal.NullDecimal `json:"amount"`
}

// PaymentComplementInput complemento de pagos 2.0.
type PaymentComplementInput struct {
	TotalAmount decimal.Decimal `json:"total_amount"`
	Payments    []PaymentInput  `json:"payments"`
}

// PaymentInput un pago recibido.
type PaymentInput struct {
	Date            time.Time              `json:"date"`
	Form            string                 `json:"form"`
	Currency        string                 `json:"currency"`
	ExchangeRate    decimal.NullDecimal    `json:"exchange_rate"`
	Amount          decimal.Decimal        `json:"amount"`
	OperationNumber string                 `json:"operation_number,omitempty"`
	Related         []RelatedDocumentInput `json:"related"`
}

// RelatedDocumentInput comprobante pagado.
type RelatedDocumentInput struct {
	UUID             string              `json:"uuid"`
	Series           string              `json:"series,omitempty"`
	Folio            string              `json:"folio,omitempty"`
	Currency         string              `json:"currency"`
	Equivalence      decimal.NullDecimal `json:"equivalence"`
	Installment      int                 `json:"installment"`
	PreviousBalance  decimal.Decimal     `json:"previous_balance"`
	AmountPaid       decimal.Decimal     `json:"amount_paid"`
	RemainingBalance decimal.Decimal     `json:"remaining_balance"`
	TaxObject        string              `json:"tax_object"`
}

// ToEntity convierte el body en el comprobante con el id de la ruta.
func (r *DocumentRequest) ToEntity(id string) *entity.FiscalDocument {
	doc := &entity.FiscalDocument{
		ID:                id,
		Version:           r.Version,
		Series:            r.Series,
		Folio:             r.Folio,
		IssuedAt:          r.IssuedAt,
		PaymentForm:       r.PaymentForm,
		PaymentConditions: r.PaymentConditions,
		PaymentMethod:     r.PaymentMethod,
		Currency:          r.Currency,
		ExchangeRate:      r.ExchangeRate,
		SubTotal:          r.SubTotal,
		Discount:          r.Discount,
		Total:             r.Total,
		Type:              r.Type,
		Export:            r.Export,
		ExpeditionPlace:   r.ExpeditionPlace,
		Emitter: entity.Emitter{
			TaxID:     r.Emitter.TaxID,
			Name:      r.Emitter.Name,
			TaxRegime: r.Emitter.TaxRegime,
		},
		Receiver: entity.Receiver{
			TaxID:      r.Receiver.TaxID,
			Name:       r.Receiver.Name,
			PostalCode: r.Receiver.PostalCode,
			TaxRegime:  r.Receiver.TaxRegime,
			CFDIUse:    r.Receiver.CFDIUse,
		},
		UpdatedAt: time.Now().UTC(),
	}
	for _, c := range r.Concepts {
		doc.Concepts = append(doc.Concepts, entity.Concept{
			ProductCode:  c.ProductCode,
			SKU:          c.SKU,
			Quantity:     c.Quantity,
			UnitCode:     c.UnitCode,
			Unit:         c.Unit,
			Description:  c.Description,
			UnitValue:    c.UnitValue,
			Amount:       c.Amount,
			Discount:     c.Discount,
			TaxObject:    c.TaxObject,
			Transfers:    toTaxes(c.Transfers),
			Withholdings: toTaxes(c.Withholdings),
		})
	}
	if r.Payment != nil {
		pc := &entity.PaymentComplement{TotalAmount: r.Payment.TotalAmount}
		for _, p := range r.Payment.Payments {
			pay := entity.Payment{
				Date:            p.Date,
				Form:            p.Form,
				Currency:        p.Currency,
				ExchangeRate:    p.ExchangeRate,
				Amount:          p.Amount,
				OperationNumber: p.OperationNumber,
			}
			for _, rd := range p.Related {
				pay.Related = append(pay.Related, entity.RelatedDocument{
					UUID:             rd.UUID,
					Series:           rd.Series,
					Folio:            rd.Folio,
					Currency:         rd.Currency,
					Equivalence:      rd.Equivalence,
					Installment:      rd.Installment,
					PreviousBalance:  rd.PreviousBalance,
					AmountPaid:       rd.AmountPaid,
					RemainingBalance: rd.RemainingBalance,
					TaxObject:        rd.TaxObject,
				})
			}
			pc.Payments = append(pc.Payments, pay)
		}
		doc.Payment = pc
	}
	return doc
}

func toTaxes(in []TaxRequest) []entity.Tax {
	if len(in) == 0 {
		return nil
	}
	out := make([]entity.Tax, 0, len(in))
	for _, t := range in {
		out = append(out, entity.Tax{Base: t.Base, Tax: t.Tax, FactorType: t.FactorType, Rate: t.Rate, Amount: t.Amount})
	}
	return out
}
