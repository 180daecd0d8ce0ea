package testutil

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	"github.com/jhoicas/timbrado-cfdi/pkg/cfdi"
)

// EmitterRFC emisor de pruebas de la autoridad.
const EmitterRFC = "EKU9003173C9"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nullDec(s string) decimal.NullDecimal { return decimal.NewNullDecimal(dec(s)) }

// SampleDocument comprobante de ingreso con un concepto de 1000.00 e IVA 16 %.
func SampleDocument(id, receiverRFC string) *entity.FiscalDocument {
	return &entity.FiscalDocument{
		ID:              id,
		Version:         cfdi.Version40,
		Series:          "A",
		Folio:           "1001",
		IssuedAt:        time.Date(2026, 10, 1, 12, 30, 0, 0, time.UTC),
		PaymentForm:     "03",
		PaymentMethod:   "PUE",
		Currency:        "MXN",
		SubTotal:        nullDec("1000.00"),
		Total:           nullDec("1160.00"),
		Type:            cfdi.TipoIngreso,
		Export:          "01",
		ExpeditionPlace: "42501",
		Emitter: entity.Emitter{
			TaxID:     EmitterRFC,
			Name:      "ESCUELA KEMPER URGATE",
			TaxRegime: "601",
		},
		Receiver: entity.Receiver{
			TaxID:      receiverRFC,
			Name:       cfdi.TestRFCs[receiverRFC],
			PostalCode: "86991",
			TaxRegime:  "601",
			CFDIUse:    "G03",
		},
		Concepts: []entity.Concept{
			{
				ProductCode: "84111506",
				SKU:         "SERV-01",
				Quantity:    dec("1"),
				UnitCode:    "E48",
				Unit:        "Servicio",
				Description: "Servicio de facturación",
				UnitValue:   dec("1000.00"),
				Amount:      dec("1000.00"),
				TaxObject:   cfdi.ObjetoImpSi,
				Transfers: []entity.Tax{
					{
						Base:       dec("1000.00"),
						Tax:        cfdi.ImpuestoIVA,
						FactorType: cfdi.FactorTasa,
						Rate:       nullDec("0.160000"),
						Amount:     nullDec("160.00"),
					},
				},
			},
		},
	}
}
