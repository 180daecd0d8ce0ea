// Lectura de CSD: certificado (.cer DER o PEM), llave privada PKCS#8 cifrada (.key) y
// contenedores PKCS#12 (.pfx).

package signer

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/pkcs12"

	"github.com/jhoicas/timbrado-cfdi/internal/domain"
)

// OID x500UniqueIdentifier: la autoridad publica ahí "RFC / CURP" del titular.
var oidUniqueIdentifier = asn1.ObjectIdentifier{2, 5, 4, 45}

// ParseCertificate acepta el .cer en DER (como lo entrega la autoridad) o en PEM.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: certificado: %v", domain.ErrCredentialFormat, err)
	}
	if _, ok := cert.PublicKey.(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("%w: la llave pública no es RSA", domain.ErrUnsupportedCertificate)
	}
	return cert, nil
}

// DecryptPrivateKey descifra la llave PKCS#8 (DER o PEM) con la contraseña.
// Una contraseña incorrecta no se distingue de una llave corrupta.
func DecryptPrivateKey(data []byte, passphrase string) (*rsa.PrivateKey, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	var pass []byte
	if passphrase != "" {
		pass = []byte(passphrase)
	}
	key, err := pkcs8.ParsePKCS8PrivateKeyRSA(der, pass)
	if err != nil {
		return nil, fmt.Errorf("%w: descifrar llave privada: %v", domain.ErrSigning, err)
	}
	return key, nil
}

// LoadFromP12 extrae certificado y llave de un .pfx/.p12.
func LoadFromP12(data []byte, password string) (*x509.Certificate, *rsa.PrivateKey, error) {
	priv, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decodificar pfx: %v", domain.ErrCredentialFormat, err)
	}
	key, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("%w: la llave del pfx no es RSA", domain.ErrUnsupportedCertificate)
	}
	return cert, key, nil
}

// EncryptPrivateKey cifra la llave como PKCS#8 con la contraseña (formato del .key).
func EncryptPrivateKey(key *rsa.PrivateKey, passphrase string) ([]byte, error) {
	der, err := pkcs8.ConvertPrivateKeyToPKCS8(key, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("%w: cifrar llave: %v", domain.ErrCredentialFormat, err)
	}
	return der, nil
}

// CertificateNumber número de certificado (NoCertificado) de 20 dígitos.
// La autoridad codifica el número como texto ASCII dentro del serial; si el serial no
// tiene esa forma se usa su representación decimal.
func CertificateNumber(cert *x509.Certificate) string {
	raw := cert.SerialNumber.Bytes()
	if len(raw) > 0 && isASCIIDigits(raw) {
		return string(raw)
	}
	return cert.SerialNumber.Text(10)
}

func isASCIIDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// SubjectTaxID RFC del titular tomado del sujeto del certificado.
func SubjectTaxID(cert *x509.Certificate) string {
	for _, name := range cert.Subject.Names {
		if !name.Type.Equal(oidUniqueIdentifier) {
			continue
		}
		v, ok := name.Value.(string)
		if !ok {
			continue
		}
		return strings.ToUpper(strings.TrimSpace(strings.SplitN(v, "/", 2)[0]))
	}
	return ""
}

// SamePublicKey indica si key es la llave privada del certificado.
func SamePublicKey(cert *x509.Certificate, key *rsa.PrivateKey) bool {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	return ok && pub.Equal(&key.PublicKey)
}

// CheckExtension valida la extensión de un archivo cargado contra las permitidas.
func CheckExtension(filename string, allowed ...string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, a := range allowed {
		if ext == a {
			return nil
		}
	}
	return fmt.Errorf("%w: extensión %q no permitida (se espera %s)", domain.ErrCredentialFormat, ext, strings.Join(allowed, ", "))
}
