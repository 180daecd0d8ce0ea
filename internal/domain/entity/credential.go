package entity

import (
	"encoding/base64"
	"time"
)

// Credential Certificado de Sello Digital (CSD) del emisor.
// Se guarda con la llave privada cifrada (PKCS#8) y la contraseña sellada; Passphrase
// solo existe en memoria después de abrir el sello.
type Credential struct {
	TaxID             string
	CertificateNumber string
	CertificateDER    []byte
	EncryptedKeyDER   []byte
	Passphrase        string `json:"-"`
	SealedPassphrase  string `json:"-"`
	NotBefore         time.Time
	NotAfter          time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ValidAt indica si t cae dentro de la vigencia del certificado.
func (c *Credential) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore) && !t.After(c.NotAfter)
}

// CertificateBase64 certificado DER en Base64 (atributo Certificado del comprobante).
func (c *Credential) CertificateBase64() string {
	return base64.StdEncoding.EncodeToString(c.CertificateDER)
}

// PrivateKeyBase64 llave cifrada en Base64 (carga al PAC).
func (c *Credential) PrivateKeyBase64() string {
	return base64.StdEncoding.EncodeToString(c.EncryptedKeyDER)
}
