package entity

import "time"

// CanonicalString cadena original: ||campo1|campo2|...|campoN||.
type CanonicalString string

// SignedDocument comprobante sellado listo para enviarse al PAC.
type SignedDocument struct {
	Document           *FiscalDocument
	TransformVersion   string
	CanonicalString    CanonicalString
	Seal               string // Sello: firma RSA-SHA256 en Base64
	CertificateNumber  string // NoCertificado
	Certificate        string // Certificado: DER en Base64
	XML                []byte // comprobante con Sello, NoCertificado y Certificado
	PayloadFingerprint string // huella del comprobante sin sellar
	SignedAt           time.Time
}
