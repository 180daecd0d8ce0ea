package cfdi

import (
	"fmt"
	"time"

	"github.com/beevik/etree"

	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	satcfdi "github.com/jhoicas/timbrado-cfdi/pkg/cfdi"
)

// TFDTransformKey artefacto de la cadena original del Timbre Fiscal Digital 1.1.
const TFDTransformKey = "tfd-1.1"

// Timbre Timbre Fiscal Digital agregado por el PAC en el Complemento del comprobante.
type Timbre struct {
	UUID             string
	FechaTimbrado    time.Time
	RfcProvCertif    string
	Leyenda          string
	SelloCFD         string
	NoCertificadoSAT string
	SelloSAT         string
}

// Element nodo tfd:TimbreFiscalDigital con su espacio de nombres.
func (t *Timbre) Element() *etree.Element {
	el := etree.NewElement("tfd:TimbreFiscalDigital")
	el.CreateAttr("xmlns:tfd", satcfdi.NamespaceTFD)
	el.CreateAttr("xmlns:xsi", satcfdi.NamespaceXSI)
	el.CreateAttr("xsi:schemaLocation", satcfdi.NamespaceTFD+" http://www.sat.gob.mx/sitio_internet/cfd/TimbreFiscalDigital/TimbreFiscalDigitalv11.xsd")
	el.CreateAttr("Version", satcfdi.TimbreVersion)
	setAttr(el, "UUID", t.UUID)
	setAttr(el, "FechaTimbrado", formatDate(t.FechaTimbrado))
	setAttr(el, "RfcProvCertif", t.RfcProvCertif)
	setAttr(el, "Leyenda", t.Leyenda)
	setAttr(el, "SelloCFD", t.SelloCFD)
	setAttr(el, "NoCertificadoSAT", t.NoCertificadoSAT)
	setAttr(el, "SelloSAT", t.SelloSAT)
	return el
}

// CanonicalizeTimbre cadena original del timbre (la que firma el PAC en SelloSAT).
func (c *Canonicalizer) CanonicalizeTimbre(t *Timbre) (entity.CanonicalString, error) {
	tree := etree.NewDocument()
	tree.SetRoot(t.Element())
	return c.canonicalizeTree(tree, TFDTransformKey)
}

// AttachTimbre agrega el timbre al Complemento del comprobante sellado (lo crea si no existe).
func AttachTimbre(signedXML []byte, t *Timbre) ([]byte, error) {
	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(signedXML); err != nil {
		return nil, fmt.Errorf("cfdi: parsear XML sellado: %w", err)
	}
	root := tree.Root()
	if root == nil {
		return nil, fmt.Errorf("cfdi: documento sin raíz")
	}
	var complemento *etree.Element
	for _, child := range root.ChildElements() {
		if child.Tag == "Complemento" {
			complemento = child
			break
		}
	}
	if complemento == nil {
		tag := "Complemento"
		if root.Space != "" {
			tag = root.Space + ":" + tag
		}
		complemento = root.CreateElement(tag)
	}
	complemento.AddChild(t.Element())
	tree.Indent(2)
	out, err := tree.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("cfdi: serializar XML timbrado: %w", err)
	}
	return out, nil
}

// ParseTimbre extrae el Timbre Fiscal Digital de un CFDI timbrado.
func ParseTimbre(stampedXML []byte) (*Timbre, error) {
	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(stampedXML); err != nil {
		return nil, fmt.Errorf("%w: XML timbrado inválido: %v", domain.ErrInvalidInput, err)
	}
	root := StripNamespaces(tree).Root()
	if root == nil {
		return nil, fmt.Errorf("%w: XML timbrado sin raíz", domain.ErrInvalidInput)
	}
	el := root.FindElement("Complemento/TimbreFiscalDigital")
	if el == nil && root.Tag == "TimbreFiscalDigital" {
		el = root
	}
	if el == nil {
		return nil, fmt.Errorf("%w: el CFDI no contiene TimbreFiscalDigital", domain.ErrInvalidInput)
	}
	t := &Timbre{
		UUID:             el.SelectAttrValue("UUID", ""),
		RfcProvCertif:    el.SelectAttrValue("RfcProvCertif", ""),
		Leyenda:          el.SelectAttrValue("Leyenda", ""),
		SelloCFD:         el.SelectAttrValue("SelloCFD", ""),
		NoCertificadoSAT: el.SelectAttrValue("NoCertificadoSAT", ""),
		SelloSAT:         el.SelectAttrValue("SelloSAT", ""),
	}
	if v := el.SelectAttrValue("FechaTimbrado", ""); v != "" {
		ts, err := time.Parse(fechaLayout, v)
		if err != nil {
			return nil, fmt.Errorf("%w: FechaTimbrado %q: %v", domain.ErrInvalidInput, v, err)
		}
		t.FechaTimbrado = ts
	}
	if t.UUID == "" {
		return nil, fmt.Errorf("%w: TimbreFiscalDigital sin UUID", domain.ErrInvalidInput)
	}
	return t, nil
}

// FiscalStamp convierte el timbre a la entidad persistida.
func (t *Timbre) FiscalStamp(documentID string, stampedXML []byte) *entity.FiscalStamp {
	return &entity.FiscalStamp{
		DocumentID:                 documentID,
		UUID:                       t.UUID,
		StampedAt:                  t.FechaTimbrado,
		AuthoritySeal:              t.SelloSAT,
		AuthorityCertificateNumber: t.NoCertificadoSAT,
		DocumentSeal:               t.SelloCFD,
		ProviderTaxID:              t.RfcProvCertif,
		StampedXML:                 stampedXML,
	}
}
