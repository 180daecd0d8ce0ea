package cfdi

import (
	"bytes"
	"fmt"

	"github.com/beevik/etree"
)

// StripNamespaces devuelve una copia del documento sin prefijos de espacio de nombres
// ni declaraciones xmlns. El documento de entrada no se modifica.
//
// Conserva la estructura: mismos elementos en el mismo orden, mismos atributos (sin
// prefijo) con los mismos valores. Si quitar el prefijo de un atributo choca con otro
// atributo del mismo elemento, el prefijo se conserva. Aplicarla dos veces equivale a
// aplicarla una.
func StripNamespaces(doc *etree.Document) *etree.Document {
	out := doc.Copy()
	if root := out.Root(); root != nil {
		stripElement(root)
	}
	return out
}

// StripNamespacesXML versión sobre bytes de StripNamespaces.
func StripNamespacesXML(data []byte) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("cfdi: parsear XML: %w", err)
	}
	var buf bytes.Buffer
	if _, err := StripNamespaces(doc).WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("cfdi: serializar XML: %w", err)
	}
	return buf.Bytes(), nil
}

func stripElement(el *etree.Element) {
	el.Space = ""

	kept := el.Attr[:0]
	for _, a := range el.Attr {
		if a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns") {
			continue
		}
		kept = append(kept, a)
	}
	el.Attr = kept

	for i := range el.Attr {
		a := &el.Attr[i]
		if a.Space == "" {
			continue
		}
		if !hasUnprefixedAttr(el, a.Key) {
			a.Space = ""
		}
	}

	for _, child := range el.ChildElements() {
		stripElement(child)
	}
}

func hasUnprefixedAttr(el *etree.Element, key string) bool {
	for _, a := range el.Attr {
		if a.Space == "" && a.Key == key {
			return true
		}
	}
	return false
}
