// Package testutil construye CSD desechables y comprobantes de ejemplo para las pruebas.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/youmark/pkcs8"

	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
)

// DefaultPassphrase contraseña de las llaves generadas.
const DefaultPassphrase = "12345678a"

var oidUniqueIdentifier = asn1.ObjectIdentifier{2, 5, 4, 45}

var (
	keysOnce sync.Once
	keys     [2]*rsa.PrivateKey
	keysErr  error
)

// rsaKey devuelve una de dos llaves RSA generadas una sola vez por proceso.
func rsaKey(t testing.TB, i int) *rsa.PrivateKey {
	t.Helper()
	keysOnce.Do(func() {
		for n := range keys {
			keys[n], keysErr = rsa.GenerateKey(rand.Reader, 2048)
			if keysErr != nil {
				return
			}
		}
	})
	if keysErr != nil {
		t.Fatalf("generar llave RSA: %v", keysErr)
	}
	return keys[i]
}

// CSD certificado de sello de prueba con su llave.
type CSD struct {
	TaxID             string
	CertificateNumber string
	Certificate       *x509.Certificate
	CertificateDER    []byte
	Key               *rsa.PrivateKey
	EncryptedKeyDER   []byte
	Passphrase        string
}

// CSDOption ajusta el CSD generado.
type CSDOption func(*csdOptions)

type csdOptions struct {
	notBefore, notAfter time.Time
	certNumber          string
	otherKey            bool
	subjectTaxID        string
}

// WithValidity fija la vigencia del certificado.
func WithValidity(notBefore, notAfter time.Time) CSDOption {
	return func(o *csdOptions) { o.notBefore, o.notAfter = notBefore, notAfter }
}

// WithCertificateNumber fija el número de certificado (20 dígitos).
func WithCertificateNumber(n string) CSDOption {
	return func(o *csdOptions) { o.certNumber = n }
}

// WithSubjectTaxID emite el certificado a nombre de otro RFC.
func WithSubjectTaxID(rfc string) CSDOption {
	return func(o *csdOptions) { o.subjectTaxID = rfc }
}

// WithOtherKey usa la segunda llave del proceso (para pares que no corresponden).
func WithOtherKey() CSDOption {
	return func(o *csdOptions) { o.otherKey = true }
}

// NewCSD genera un CSD autofirmado para taxID con la llave cifrada en PKCS#8.
func NewCSD(t testing.TB, taxID string, opts ...CSDOption) *CSD {
	t.Helper()
	o := csdOptions{
		notBefore:  time.Now().Add(-24 * time.Hour),
		notAfter:   time.Now().Add(365 * 24 * time.Hour),
		certNumber: "30001000000500003416",
	}
	for _, opt := range opts {
		opt(&o)
	}
	subject := taxID
	if o.subjectTaxID != "" {
		subject = o.subjectTaxID
	}
	idx := 0
	if o.otherKey {
		idx = 1
	}
	key := rsaKey(t, idx)

	tmpl := &x509.Certificate{
		SerialNumber: new(big.Int).SetBytes([]byte(o.certNumber)),
		Subject: pkix.Name{
			CommonName:   "CSD DE PRUEBA " + subject,
			Organization: []string{"CSD DE PRUEBA"},
			ExtraNames: []pkix.AttributeTypeAndValue{
				{Type: oidUniqueIdentifier, Value: subject + " / XAXX010101000"},
			},
		},
		NotBefore:             o.notBefore,
		NotAfter:              o.notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("crear certificado: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsear certificado: %v", err)
	}
	encKey, err := pkcs8.ConvertPrivateKeyToPKCS8(key, []byte(DefaultPassphrase))
	if err != nil {
		t.Fatalf("cifrar llave: %v", err)
	}
	return &CSD{
		TaxID:             taxID,
		CertificateNumber: o.certNumber,
		Certificate:       cert,
		CertificateDER:    der,
		Key:               key,
		EncryptedKeyDER:   encKey,
		Passphrase:        DefaultPassphrase,
	}
}

// Credential devuelve la entidad lista para el sellador.
func (c *CSD) Credential() *entity.Credential {
	return &entity.Credential{
		TaxID:             c.TaxID,
		CertificateNumber: c.CertificateNumber,
		CertificateDER:    c.CertificateDER,
		EncryptedKeyDER:   c.EncryptedKeyDER,
		Passphrase:        c.Passphrase,
		NotBefore:         c.Certificate.NotBefore,
		NotAfter:          c.Certificate.NotAfter,
	}
}
