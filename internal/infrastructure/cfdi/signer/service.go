// Sellado del CFDI: cadena original → SHA-256 → RSA PKCS#1 v1.5 → Base64.
// El sello se verifica contra el certificado antes de devolverse.

package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/beevik/etree"

	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	infracfdi "github.com/jhoicas/timbrado-cfdi/internal/infrastructure/cfdi"
	satcfdi "github.com/jhoicas/timbrado-cfdi/pkg/cfdi"
)

// DigitalSignatureService sella comprobantes con el CSD del emisor.
type DigitalSignatureService struct {
	canonicalizer *infracfdi.Canonicalizer
	builder       *infracfdi.XMLBuilderService
	now           func() time.Time
}

// Option configura el servicio.
type Option func(*DigitalSignatureService)

// WithClock reloj usado para la vigencia del certificado y SignedAt.
func WithClock(now func() time.Time) Option {
	return func(s *DigitalSignatureService) { s.now = now }
}

// NewDigitalSignatureService crea el servicio.
func NewDigitalSignatureService(canonicalizer *infracfdi.Canonicalizer, builder *infracfdi.XMLBuilderService, opts ...Option) *DigitalSignatureService {
	if builder == nil {
		builder = infracfdi.NewXMLBuilderService()
	}
	s := &DigitalSignatureService{canonicalizer: canonicalizer, builder: builder, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sign sella doc con cred. cred.Passphrase debe venir abierta.
//
// Errores: domain.ErrCredentialMismatch si el emisor no es el titular del CSD,
// domain.ErrCredentialExpired fuera de vigencia, domain.ErrSigning si la llave no se
// descifra, domain.ErrCanonicalization propagado y domain.ErrSignatureVerification si
// el sello producido no verifica.
func (s *DigitalSignatureService) Sign(doc *entity.FiscalDocument, cred *entity.Credential) (*entity.SignedDocument, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: comprobante nulo", domain.ErrInvalidDocument)
	}
	if cred == nil {
		return nil, domain.ErrCredentialNotFound
	}
	if satcfdi.NormalizeRFC(doc.Emitter.TaxID) != satcfdi.NormalizeRFC(cred.TaxID) {
		return nil, fmt.Errorf("%w: el CSD es de %s y el emisor es %s", domain.ErrCredentialMismatch, cred.TaxID, doc.Emitter.TaxID)
	}
	now := s.now()
	if !cred.ValidAt(now) {
		return nil, fmt.Errorf("%w: vigente del %s al %s", domain.ErrCredentialExpired,
			cred.NotBefore.Format(time.DateOnly), cred.NotAfter.Format(time.DateOnly))
	}

	cert, err := ParseCertificate(cred.CertificateDER)
	if err != nil {
		return nil, err
	}
	key, err := DecryptPrivateKey(cred.EncryptedKeyDER, cred.Passphrase)
	if err != nil {
		return nil, err
	}

	// NoCertificado forma parte de la cadena original: se fija antes de canonicalizar.
	signable := doc.Clone()
	signable.CertificateNumber = cred.CertificateNumber
	if signable.CertificateNumber == "" {
		signable.CertificateNumber = CertificateNumber(cert)
	}

	canonical, err := s.canonicalizer.Canonicalize(signable, signable.Version)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256([]byte(canonical))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigning, err)
	}
	seal := base64.StdEncoding.EncodeToString(sig)
	certB64 := base64.StdEncoding.EncodeToString(cert.Raw)

	xmlData, err := s.builder.BuildSealed(signable, &infracfdi.Seal{Seal: seal, Certificate: certB64})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigning, err)
	}

	verified, err := s.Verify(xmlData)
	if err != nil {
		return nil, err
	}
	if verified.CanonicalString != canonical {
		return nil, fmt.Errorf("%w: la cadena del XML sellado difiere de la firmada", domain.ErrSignatureVerification)
	}

	fingerprint, err := s.builder.Fingerprint(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigning, err)
	}

	return &entity.SignedDocument{
		Document:           signable,
		TransformVersion:   signable.Version,
		CanonicalString:    canonical,
		Seal:               seal,
		CertificateNumber:  signable.CertificateNumber,
		Certificate:        certB64,
		XML:                xmlData,
		PayloadFingerprint: fingerprint,
		SignedAt:           now,
	}, nil
}

// Verification resultado de verificar un CFDI sellado.
type Verification struct {
	Version           string
	CanonicalString   entity.CanonicalString
	CertificateNumber string
	Certificate       *x509.Certificate
	EmitterTaxID      string
}

// Verify recalcula la cadena original del XML y verifica Sello contra Certificado.
// También comprueba que NoCertificado corresponda al certificado incluido.
func (s *DigitalSignatureService) Verify(xmlData []byte) (*Verification, error) {
	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(xmlData); err != nil {
		return nil, fmt.Errorf("%w: XML inválido: %v", domain.ErrSignatureVerification, err)
	}
	root := infracfdi.StripNamespaces(tree).Root()
	if root == nil {
		return nil, fmt.Errorf("%w: documento sin raíz", domain.ErrSignatureVerification)
	}
	version := root.SelectAttrValue("Version", "")
	sealB64 := root.SelectAttrValue("Sello", "")
	certB64 := root.SelectAttrValue("Certificado", "")
	number := root.SelectAttrValue("NoCertificado", "")
	if sealB64 == "" || certB64 == "" {
		return nil, fmt.Errorf("%w: el comprobante no tiene Sello o Certificado", domain.ErrSignatureVerification)
	}

	canonical, err := s.canonicalizer.CanonicalizeXML(xmlData, version)
	if err != nil {
		return nil, err
	}

	certDER, err := base64.StdEncoding.DecodeString(certB64)
	if err != nil {
		return nil, fmt.Errorf("%w: Certificado no es Base64: %v", domain.ErrSignatureVerification, err)
	}
	cert, err := ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSignatureVerification, err)
	}
	if got := CertificateNumber(cert); number != got {
		return nil, fmt.Errorf("%w: NoCertificado %q no corresponde al certificado (%s)", domain.ErrSignatureVerification, number, got)
	}
	sig, err := base64.StdEncoding.DecodeString(sealB64)
	if err != nil {
		return nil, fmt.Errorf("%w: Sello no es Base64: %v", domain.ErrSignatureVerification, err)
	}
	digest := sha256.Sum256([]byte(canonical))
	if err := rsa.VerifyPKCS1v15(cert.PublicKey.(*rsa.PublicKey), crypto.SHA256, digest[:], sig); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSignatureVerification, err)
	}

	emitter := ""
	if e := root.SelectElement("Emisor"); e != nil {
		emitter = e.SelectAttrValue("Rfc", "")
	}
	return &Verification{
		Version:           version,
		CanonicalString:   canonical,
		CertificateNumber: number,
		Certificate:       cert,
		EmitterTaxID:      emitter,
	}, nil
}

var _ satcfdi.Signer = (*DigitalSignatureService)(nil)
