package cfdi

import "github.com/jhoicas/timbrado-cfdi/internal/domain/entity"

// Signer sella un comprobante con el CSD del emisor y devuelve el XML listo para timbrar.
// La implementación debe verificar su propio sello antes de devolverlo.
type Signer interface {
	Sign(doc *entity.FiscalDocument, cred *entity.Credential) (*entity.SignedDocument, error)
}
