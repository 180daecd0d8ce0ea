package cfdi

import (
	"fmt"

	"github.com/beevik/etree"

	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
)

// Canonicalizer genera la cadena original de un comprobante con la transformación de su versión.
// Es una función pura del documento y del artefacto: mismas entradas, misma cadena.
type Canonicalizer struct {
	registry *TransformRegistry
	builder  *XMLBuilderService
}

// NewCanonicalizer crea el canonicalizador.
func NewCanonicalizer(registry *TransformRegistry, builder *XMLBuilderService) *Canonicalizer {
	if builder == nil {
		builder = NewXMLBuilderService()
	}
	return &Canonicalizer{registry: registry, builder: builder}
}

// Canonicalize serializa doc y aplica la transformación version.
// Cualquier falla (incluida la ausencia de un campo requerido) envuelve domain.ErrCanonicalization.
func (c *Canonicalizer) Canonicalize(doc *entity.FiscalDocument, version string) (entity.CanonicalString, error) {
	tree, err := c.builder.BuildDocument(doc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrCanonicalization, err)
	}
	return c.canonicalizeTree(tree, version)
}

// CanonicalizeXML igual que Canonicalize pero a partir del XML (con o sin sello).
func (c *Canonicalizer) CanonicalizeXML(data []byte, version string) (entity.CanonicalString, error) {
	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(data); err != nil {
		return "", fmt.Errorf("%w: XML inválido: %v", domain.ErrCanonicalization, err)
	}
	return c.canonicalizeTree(tree, version)
}

func (c *Canonicalizer) canonicalizeTree(tree *etree.Document, version string) (entity.CanonicalString, error) {
	t, err := c.registry.Get(version)
	if err != nil {
		return "", err
	}
	fields, err := t.Apply(StripNamespaces(tree).Root())
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrCanonicalization, err)
	}
	return entity.CanonicalString(envelope(fields)), nil
}
