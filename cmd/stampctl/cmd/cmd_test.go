package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/timbrado-cfdi/internal/testutil"
	"github.com/jhoicas/timbrado-cfdi/pkg/jwt"
)

const documentJSON = `{
	"version": "4.0", "series": "A", "folio": "1001",
	"issued_at": "2026-10-01T12:30:00Z",
	"payment_form": "03", "payment_method": "PUE", "currency": "MXN",
	"subtotal": "1000.00", "total": "1160.00",
	"type": "I", "export": "01", "expedition_place": "42501",
	"emitter": {"tax_id": %q, "name": "ESCUELA KEMPER URGATE", "tax_regime": "601"},
	"receiver": {"tax_id": "AAA010101AAA", "name": "EMPRESA DE PRUEBAS", "postal_code": "86991", "tax_regime": "601", "cfdi_use": "G03"},
	"concepts": [{
		"product_code": "84111506", "quantity": "1", "unit_code": "E48",
		"description": "Servicio", "unit_value": "1000.00", "amount": "1000.00", "tax_object": "02",
		"transfers": [{"base": "1000.00", "tax": "002", "factor_type": "Tasa", "rate": "0.160000", "amount": "160.00"}]
	}]
}`

// run ejecuta stampctl con args; los flags globales se reinician en cada llamada.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	verbose, transformsDir = false, ""
	cerFile, keyFile, pfxFile, passphrase, outFile = "", "", "", "", ""
	canonicalVersion = ""
	tokenSecret, tokenIssuer, tokenRole, tokenUser, tokenMinutes = "", "timbrado-cfdi", jwt.RoleFacturista, "", 60

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// writeCSD escribe el .cer y el .key en un directorio temporal.
func writeCSD(t *testing.T, csd *testutil.CSD) (cer, key string) {
	t.Helper()
	dir := t.TempDir()
	cer = filepath.Join(dir, "csd.cer")
	key = filepath.Join(dir, "csd.key")
	require.NoError(t, os.WriteFile(cer, csd.CertificateDER, 0o600))
	require.NoError(t, os.WriteFile(key, csd.EncryptedKeyDER, 0o600))
	return cer, key
}

func signSample(t *testing.T) string {
	t.Helper()
	cer, key := writeCSD(t, testutil.NewCSD(t, testutil.EmitterRFC))
	dir := t.TempDir()
	doc := filepath.Join(dir, "documento.json")
	require.NoError(t, os.WriteFile(doc, []byte(fmt.Sprintf(documentJSON, testutil.EmitterRFC)), 0o600))
	signed := filepath.Join(dir, "sellado.xml")

	_, err := run(t, "sign", doc, "--cer", cer, "--key", key, "--passphrase", testutil.DefaultPassphrase, "-o", signed)
	require.NoError(t, err)
	return signed
}

func TestSign_ThenVerify(t *testing.T) {
	signed := signSample(t)
	data, err := os.ReadFile(signed)
	require.NoError(t, err)
	assert.Contains(t, string(data), `Sello="`)
	assert.Contains(t, string(data), `NoCertificado="30001000000500003416"`)

	out, err := run(t, "verify", signed)
	require.NoError(t, err)
	assert.Contains(t, out, "Sello válido")
	assert.Contains(t, out, testutil.EmitterRFC)
}

func TestVerify_DetectaAlteracion(t *testing.T) {
	signed := signSample(t)
	data, err := os.ReadFile(signed)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `Total="1160.00"`, `Total="1161.00"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(signed, []byte(tampered), 0o600))

	_, err = run(t, "verify", signed)
	assert.Error(t, err)
}

func TestCanonicalize_UsaLaVersionDelComprobante(t *testing.T) {
	signed := signSample(t)
	out, err := run(t, "canonicalize", signed)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "||4.0|A|1001|"), out)
	assert.Contains(t, out, "|1160.00|")
}

func TestCanonicalize_SinVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sin_version.xml")
	require.NoError(t, os.WriteFile(path, []byte(`<Comprobante Serie="A"/>`), 0o600))
	_, err := run(t, "canonicalize", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--transform-version")
}

func TestSign_CSDDeOtroEmisor(t *testing.T) {
	cer, key := writeCSD(t, testutil.NewCSD(t, "AAA010101AAA"))
	doc := filepath.Join(t.TempDir(), "documento.json")
	require.NoError(t, os.WriteFile(doc, []byte(fmt.Sprintf(documentJSON, testutil.EmitterRFC)), 0o600))

	_, err := run(t, "sign", doc, "--cer", cer, "--key", key, "--passphrase", testutil.DefaultPassphrase)
	assert.Error(t, err)
}

func TestCSDInspect(t *testing.T) {
	cer, key := writeCSD(t, testutil.NewCSD(t, testutil.EmitterRFC))

	out, err := run(t, "csd", "inspect", "--cer", cer, "--key", key, "--passphrase", testutil.DefaultPassphrase)
	require.NoError(t, err)
	assert.Contains(t, out, "30001000000500003416")
	assert.Contains(t, out, testutil.EmitterRFC)
	assert.Contains(t, out, "forma par")

	_, err = run(t, "csd", "inspect", "--cer", cer, "--key", key, "--passphrase", "incorrecta")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contraseña")
}

func TestCSDInspect_LlaveDeOtroCertificado(t *testing.T) {
	cer, _ := writeCSD(t, testutil.NewCSD(t, testutil.EmitterRFC))
	_, key := writeCSD(t, testutil.NewCSD(t, testutil.EmitterRFC, testutil.WithOtherKey()))

	_, err := run(t, "csd", "inspect", "--cer", cer, "--key", key, "--passphrase", testutil.DefaultPassphrase)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no corresponde")
}

func TestCSDInspect_ExtensionInvalida(t *testing.T) {
	_, err := run(t, "csd", "inspect", "--cer", "csd.txt", "--key", "csd.key", "--passphrase", "x")
	assert.Error(t, err)
}

func TestToken_SeValidaConElMismoSecreto(t *testing.T) {
	out, err := run(t, "token", "--secret", "s3cr3t", "--role", jwt.RoleAdmin, "--user", "u-1")
	require.NoError(t, err)

	user, role, err := jwt.Parse("s3cr3t", strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "u-1", user)
	assert.Equal(t, jwt.RoleAdmin, role)
}

func TestToken_RolDesconocido(t *testing.T) {
	_, err := run(t, "token", "--secret", "s3cr3t", "--role", "vendedor")
	assert.Error(t, err)
}
