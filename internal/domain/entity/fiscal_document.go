package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// FiscalDocument comprobante a timbrar (CFDI). Lo construye el módulo de facturación;
// para el subsistema de timbrado es de solo lectura.
// Los importes opcionales usan NullDecimal: un total ausente se omite del XML.
type FiscalDocument struct {
	ID                string
	Version           string // "4.0"
	Series            string
	Folio             string
	IssuedAt          time.Time
	PaymentForm       string // c_FormaPago
	PaymentConditions string
	PaymentMethod     string // c_MetodoPago (PUE/PPD)
	CertificateNumber string // NoCertificado: lo asigna el sellador
	Currency          string
	ExchangeRate      decimal.NullDecimal
	SubTotal          decimal.NullDecimal
	Discount          decimal.NullDecimal
	Total             decimal.NullDecimal
	Type              string // c_TipoDeComprobante
	Export            string // c_Exportacion
	ExpeditionPlace   string // código postal del lugar de expedición
	Emitter           Emitter
	Receiver          Receiver
	Concepts          []Concept
	Payment           *PaymentComplement
	UpdatedAt         time.Time
}

// Emitter datos del emisor.
type Emitter struct {
	TaxID     string
	Name      string
	TaxRegime string
}

// Receiver datos del receptor.
type Receiver struct {
	TaxID      string
	Name       string
	PostalCode string
	TaxRegime  string
	CFDIUse    string
}

// Concept línea del comprobante.
type Concept struct {
	ProductCode  string // c_ClaveProdServ
	SKU          string
	Quantity     decimal.Decimal
	UnitCode     string // c_ClaveUnidad
	Unit         string
	Description  string
	UnitValue    decimal.Decimal
	Amount       decimal.Decimal
	Discount     decimal.NullDecimal
	TaxObject    string // c_ObjetoImp
	Transfers    []Tax
	Withholdings []Tax
}

// Tax impuesto trasladado o retenido de un concepto.
// Para factor Exento no hay tasa ni importe.
type Tax struct {
	Base       decimal.Decimal
	Tax        string // c_Impuesto
	FactorType string // Tasa, Cuota, Exento
	Rate       decimal.NullDecimal
	Amount     decimal.NullDecimal
}

// PaymentComplement complemento de recepción de pagos (Pagos 2.0).
type PaymentComplement struct {
	TotalAmount decimal.Decimal
	Payments    []Payment
}

// Payment un pago recibido.
type Payment struct {
	Date            time.Time
	Form            string
	Currency        string
	ExchangeRate    decimal.NullDecimal
	Amount          decimal.Decimal
	OperationNumber string
	Related         []RelatedDocument
}

// RelatedDocument comprobante relacionado con un pago.
type RelatedDocument struct {
	UUID             string
	Series           string
	Folio            string
	Currency         string
	Equivalence      decimal.NullDecimal
	Installment      int
	PreviousBalance  decimal.Decimal
	AmountPaid       decimal.Decimal
	RemainingBalance decimal.Decimal
	TaxObject        string
}

// Clone devuelve una copia profunda; el sellador trabaja sobre la copia.
func (d *FiscalDocument) Clone() *FiscalDocument {
	if d == nil {
		return nil
	}
	c := *d
	c.Concepts = make([]Concept, len(d.Concepts))
	for i, con := range d.Concepts {
		con.Transfers = append([]Tax(nil), con.Transfers...)
		con.Withholdings = append([]Tax(nil), con.Withholdings...)
		c.Concepts[i] = con
	}
	if d.Payment != nil {
		p := *d.Payment
		p.Payments = make([]Payment, len(d.Payment.Payments))
		for i, pay := range d.Payment.Payments {
			pay.Related = append([]RelatedDocument(nil), pay.Related...)
			p.Payments[i] = pay
		}
		c.Payment = &p
	}
	return &c
}
