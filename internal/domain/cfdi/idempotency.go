// Package cfdi reglas de dominio del timbrado: llave de idempotencia, validación del
// comprobante, resumen de impuestos y máquina de estados.
package cfdi

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	"github.com/jhoicas/timbrado-cfdi/pkg/cfdi"
)

// idempotencyKeyVersion prefijo de la derivación; cambiarlo invalida todas las llaves.
const idempotencyKeyVersion = "cfdi-stamp-v1"

// IdempotencyKey deriva la llave de idempotencia a partir de la identidad del comprobante
// (id, RFC emisor, serie y folio). Orden estricto, SHA-256, hexadecimal en minúsculas.
// No depende de importes ni conceptos: editar el contenido no cambia la llave.
func IdempotencyKey(doc *entity.FiscalDocument) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("cfdi: comprobante nulo")
	}
	id := strings.TrimSpace(doc.ID)
	if id == "" {
		return "", fmt.Errorf("cfdi: el comprobante no tiene identificador")
	}
	parts := []string{
		idempotencyKeyVersion,
		id,
		cfdi.NormalizeRFC(doc.Emitter.TaxID),
		strings.TrimSpace(doc.Series),
		strings.TrimSpace(doc.Folio),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), nil
}
