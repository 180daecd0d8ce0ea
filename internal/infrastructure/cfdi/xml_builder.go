package cfdi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/ucarion/c14n"

	"github.com/jhoicas/timbrado-cfdi/internal/domain/cfdi"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	satcfdi "github.com/jhoicas/timbrado-cfdi/pkg/cfdi"
)

// fechaLayout formato de fecha del comprobante (hora local del lugar de expedición, sin zona).
const fechaLayout = "2006-01-02T15:04:05"

// Seal atributos de sellado que el sellador agrega al comprobante.
type Seal struct {
	Seal        string // Sello
	Certificate string // Certificado
}

// XMLBuilderService serializa el comprobante a XML CFDI (con prefijos cfdi: y pago20:).
type XMLBuilderService struct{}

// NewXMLBuilderService crea el servicio.
func NewXMLBuilderService() *XMLBuilderService {
	return &XMLBuilderService{}
}

// Build genera el XML del comprobante sin sello.
func (s *XMLBuilderService) Build(doc *entity.FiscalDocument) ([]byte, error) {
	return s.BuildSealed(doc, nil)
}

// BuildSealed genera el XML e incluye Sello y Certificado si seal no es nil.
func (s *XMLBuilderService) BuildSealed(doc *entity.FiscalDocument, seal *Seal) ([]byte, error) {
	tree, err := s.BuildDocument(doc)
	if err != nil {
		return nil, err
	}
	if seal != nil {
		root := tree.Root()
		root.CreateAttr("Sello", seal.Seal)
		root.CreateAttr("Certificado", seal.Certificate)
	}
	tree.Indent(2)
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if _, err := tree.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("cfdi: serializar XML: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildDocument construye el árbol etree del comprobante.
func (s *XMLBuilderService) BuildDocument(doc *entity.FiscalDocument) (*etree.Document, error) {
	if doc == nil {
		return nil, fmt.Errorf("cfdi: comprobante nulo")
	}
	tree := etree.NewDocument()
	root := tree.CreateElement("cfdi:Comprobante")
	root.CreateAttr("xmlns:cfdi", satcfdi.NamespaceCFDI40)
	root.CreateAttr("xmlns:xsi", satcfdi.NamespaceXSI)
	schemaLocation := satcfdi.SchemaLocationCFDI
	if doc.Payment != nil {
		root.CreateAttr("xmlns:pago20", satcfdi.NamespacePagos20)
		schemaLocation += " " + satcfdi.SchemaLocationPagos
	}
	root.CreateAttr("xsi:schemaLocation", schemaLocation)

	setAttr(root, "Version", doc.Version)
	setAttr(root, "Serie", doc.Series)
	setAttr(root, "Folio", doc.Folio)
	if !doc.IssuedAt.IsZero() {
		setAttr(root, "Fecha", doc.IssuedAt.Format(fechaLayout))
	}
	setAttr(root, "FormaPago", doc.PaymentForm)
	setAttr(root, "NoCertificado", doc.CertificateNumber)
	setAttr(root, "CondicionesDePago", doc.PaymentConditions)
	setAmount(root, "SubTotal", doc.SubTotal)
	setAmount(root, "Descuento", doc.Discount)
	setAttr(root, "Moneda", doc.Currency)
	if doc.ExchangeRate.Valid {
		setAttr(root, "TipoCambio", doc.ExchangeRate.Decimal.String())
	}
	setAmount(root, "Total", doc.Total)
	setAttr(root, "TipoDeComprobante", doc.Type)
	setAttr(root, "Exportacion", doc.Export)
	setAttr(root, "MetodoPago", doc.PaymentMethod)
	setAttr(root, "LugarExpedicion", doc.ExpeditionPlace)

	emisor := root.CreateElement("cfdi:Emisor")
	setAttr(emisor, "Rfc", satcfdi.NormalizeRFC(doc.Emitter.TaxID))
	setAttr(emisor, "Nombre", doc.Emitter.Name)
	setAttr(emisor, "RegimenFiscal", doc.Emitter.TaxRegime)

	receptor := root.CreateElement("cfdi:Receptor")
	setAttr(receptor, "Rfc", satcfdi.NormalizeRFC(doc.Receiver.TaxID))
	setAttr(receptor, "Nombre", doc.Receiver.Name)
	setAttr(receptor, "DomicilioFiscalReceptor", doc.Receiver.PostalCode)
	setAttr(receptor, "RegimenFiscalReceptor", doc.Receiver.TaxRegime)
	setAttr(receptor, "UsoCFDI", doc.Receiver.CFDIUse)

	conceptos := root.CreateElement("cfdi:Conceptos")
	for _, c := range doc.Concepts {
		writeConcept(conceptos, c)
	}

	taxes := cfdi.SummarizeTaxes(doc)
	if len(taxes.Transfers) > 0 || len(taxes.Withholdings) > 0 {
		writeDocumentTaxes(root, taxes)
	}

	if doc.Payment != nil {
		complemento := root.CreateElement("cfdi:Complemento")
		writePayments(complemento, doc.Payment)
	}
	return tree, nil
}

// Fingerprint huella SHA-256 (hex) de la forma C14N del comprobante sin sellar.
// Cambia con cualquier modificación del contenido; NoCertificado no participa.
func (s *XMLBuilderService) Fingerprint(doc *entity.FiscalDocument) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("cfdi: comprobante nulo")
	}
	unsigned := doc.Clone()
	unsigned.CertificateNumber = ""
	tree, err := s.BuildDocument(unsigned)
	if err != nil {
		return "", err
	}
	data, err := tree.WriteToBytes()
	if err != nil {
		return "", fmt.Errorf("cfdi: serializar XML: %w", err)
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Entity = map[string]string{}
	canonical, err := c14n.Canonicalize(dec)
	if err != nil {
		return "", fmt.Errorf("cfdi: C14N del comprobante: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func writeConcept(parent *etree.Element, c entity.Concept) {
	el := parent.CreateElement("cfdi:Concepto")
	setAttr(el, "ClaveProdServ", c.ProductCode)
	setAttr(el, "NoIdentificacion", c.SKU)
	setAttr(el, "Cantidad", c.Quantity.String())
	setAttr(el, "ClaveUnidad", c.UnitCode)
	setAttr(el, "Unidad", c.Unit)
	setAttr(el, "Descripcion", c.Description)
	setAttr(el, "ValorUnitario", formatAmount(c.UnitValue))
	setAttr(el, "Importe", formatAmount(c.Amount))
	setAmount(el, "Descuento", c.Discount)
	setAttr(el, "ObjetoImp", c.TaxObject)

	if len(c.Transfers) == 0 && len(c.Withholdings) == 0 {
		return
	}
	imp := el.CreateElement("cfdi:Impuestos")
	if len(c.Transfers) > 0 {
		traslados := imp.CreateElement("cfdi:Traslados")
		for _, t := range c.Transfers {
			writeTax(traslados.CreateElement("cfdi:Traslado"), t)
		}
	}
	if len(c.Withholdings) > 0 {
		retenciones := imp.CreateElement("cfdi:Retenciones")
		for _, t := range c.Withholdings {
			writeTax(retenciones.CreateElement("cfdi:Retencion"), t)
		}
	}
}

func writeTax(el *etree.Element, t entity.Tax) {
	setAttr(el, "Base", formatAmount(t.Base))
	setAttr(el, "Impuesto", t.Tax)
	setAttr(el, "TipoFactor", t.FactorType)
	if t.Rate.Valid {
		setAttr(el, "TasaOCuota", t.Rate.Decimal.StringFixed(6))
	}
	setAmount(el, "Importe", t.Amount)
}

func writeDocumentTaxes(root *etree.Element, s cfdi.TaxSummary) {
	imp := root.CreateElement("cfdi:Impuestos")
	setAmount(imp, "TotalImpuestosRetenidos", s.TotalWithheld)
	setAmount(imp, "TotalImpuestosTrasladados", s.TotalTransferred)
	if len(s.Withholdings) > 0 {
		retenciones := imp.CreateElement("cfdi:Retenciones")
		for _, t := range s.Withholdings {
			r := retenciones.CreateElement("cfdi:Retencion")
			setAttr(r, "Impuesto", t.Tax)
			setAmount(r, "Importe", t.Amount)
		}
	}
	if len(s.Transfers) > 0 {
		traslados := imp.CreateElement("cfdi:Traslados")
		for _, t := range s.Transfers {
			writeTax(traslados.CreateElement("cfdi:Traslado"), t)
		}
	}
}

func writePayments(parent *etree.Element, pc *entity.PaymentComplement) {
	pagos := parent.CreateElement("pago20:Pagos")
	pagos.CreateAttr("Version", "2.0")
	totales := pagos.CreateElement("pago20:Totales")
	setAttr(totales, "MontoTotalPagos", formatAmount(pc.TotalAmount))

	for _, p := range pc.Payments {
		pago := pagos.CreateElement("pago20:Pago")
		setAttr(pago, "FechaPago", formatDate(p.Date))
		setAttr(pago, "FormaDePagoP", p.Form)
		setAttr(pago, "MonedaP", p.Currency)
		if p.ExchangeRate.Valid {
			setAttr(pago, "TipoCambioP", p.ExchangeRate.Decimal.String())
		}
		setAttr(pago, "Monto", formatAmount(p.Amount))
		setAttr(pago, "NumOperacion", p.OperationNumber)
		for _, r := range p.Related {
			dr := pago.CreateElement("pago20:DoctoRelacionado")
			setAttr(dr, "IdDocumento", r.UUID)
			setAttr(dr, "Serie", r.Series)
			setAttr(dr, "Folio", r.Folio)
			setAttr(dr, "MonedaDR", r.Currency)
			if r.Equivalence.Valid {
				setAttr(dr, "EquivalenciaDR", r.Equivalence.Decimal.String())
			}
			if r.Installment > 0 {
				setAttr(dr, "NumParcialidad", strconv.Itoa(r.Installment))
			}
			setAttr(dr, "ImpSaldoAnt", formatAmount(r.PreviousBalance))
			setAttr(dr, "ImpPagado", formatAmount(r.AmountPaid))
			setAttr(dr, "ImpSaldoInsoluto", formatAmount(r.RemainingBalance))
			setAttr(dr, "ObjetoImpDR", r.TaxObject)
		}
	}
}

// setAttr omite valores vacíos: un atributo ausente y uno vacío son lo mismo para la cadena original.
func setAttr(el *etree.Element, key, value string) {
	if value == "" {
		return
	}
	el.CreateAttr(key, value)
}

func setAmount(el *etree.Element, key string, v decimal.NullDecimal) {
	if !v.Valid {
		return
	}
	el.CreateAttr(key, formatAmount(v.Decimal))
}

func formatAmount(d decimal.Decimal) string {
	return d.Round(2).StringFixed(2)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(fechaLayout)
}
