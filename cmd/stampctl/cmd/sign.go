package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jhoicas/timbrado-cfdi/internal/application/credentials"
	"github.com/jhoicas/timbrado-cfdi/internal/application/dto"
	domaincfdi "github.com/jhoicas/timbrado-cfdi/internal/domain/cfdi"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/cfdi/signer"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/memory"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/vault"
	"github.com/jhoicas/timbrado-cfdi/pkg/cfdi"
)

var (
	cerFile    string
	keyFile    string
	pfxFile    string
	passphrase string
	outFile    string
)

var signCmd = &cobra.Command{
	Use:   "sign <documento.json>",
	Short: "Sella un comprobante con el CSD del emisor",
	Long: `Lee el comprobante en el formato de PUT /api/documents/:id, valida el CSD como lo
hace la API al cargarlo y escribe el XML sellado. La cadena original va a stderr con -v.`,
	Args: cobra.ExactArgs(1),
	RunE: runSign,
}

func init() {
	rootCmd.AddCommand(signCmd)
	addCredentialFlags(signCmd)
	signCmd.Flags().StringVarP(&outFile, "output", "o", "", "Archivo de salida (por defecto stdout)")
}

// addCredentialFlags flags del CSD: .cer + .key, o .pfx.
func addCredentialFlags(c *cobra.Command) {
	c.Flags().StringVar(&cerFile, "cer", "", "Certificado (.cer)")
	c.Flags().StringVar(&keyFile, "key", "", "Llave privada cifrada (.key)")
	c.Flags().StringVar(&pfxFile, "pfx", "", "Contenedor PKCS#12 (.pfx/.p12) en lugar de --cer y --key")
	c.Flags().StringVar(&passphrase, "passphrase", "", "Contraseña de la llave (env: CSD_PASSPHRASE)")
}

func runSign(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("leer %s: %w", args[0], err)
	}
	var req dto.DocumentRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("JSON inválido: %w", err)
	}
	doc := req.ToEntity(args[0])
	if err := domaincfdi.ValidateDocument(doc); err != nil {
		return err
	}

	cred, err := openCredential(cmd.Context(), doc.Emitter.TaxID)
	if err != nil {
		return err
	}

	_, sealer := services()
	signed, err := sealer.Sign(doc, cred)
	if err != nil {
		return err
	}
	printVerbose("cadena original: %s\nNoCertificado: %s\n", signed.CanonicalString, signed.CertificateNumber)

	if outFile == "" {
		_, err = cmd.OutOrStdout().Write(signed.XML)
		return err
	}
	return os.WriteFile(outFile, signed.XML, 0o644)
}

// openCredential pasa el CSD por el mismo registro que usa la API (RFC, vigencia,
// par certificado/llave) sobre un almacén en memoria y lo devuelve listo para sellar.
func openCredential(ctx context.Context, taxID string) (*entity.Credential, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	in, err := readCredentialFiles(taxID)
	if err != nil {
		return nil, err
	}
	v, err := vault.NewEphemeral()
	if err != nil {
		return nil, err
	}
	uc := credentials.NewUseCase(memory.NewCredentialStore(), v)
	if _, err := uc.Register(ctx, in); err != nil {
		return nil, err
	}
	return uc.Get(ctx, taxID)
}

func readCredentialFiles(taxID string) (credentials.RegisterInput, error) {
	pass := passphrase
	if pass == "" {
		pass = os.Getenv("CSD_PASSPHRASE")
	}
	if pfxFile != "" {
		if err := signer.CheckExtension(pfxFile, cfdi.ExtPFX, cfdi.ExtP12); err != nil {
			return credentials.RegisterInput{}, err
		}
		pfx, err := os.ReadFile(pfxFile)
		if err != nil {
			return credentials.RegisterInput{}, fmt.Errorf("leer %s: %w", pfxFile, err)
		}
		return credentials.FromP12(taxID, pfx, pass)
	}
	if cerFile == "" || keyFile == "" {
		return credentials.RegisterInput{}, fmt.Errorf("se requiere --cer y --key, o --pfx")
	}
	if err := signer.CheckExtension(cerFile, cfdi.ExtCertificate); err != nil {
		return credentials.RegisterInput{}, err
	}
	if err := signer.CheckExtension(keyFile, cfdi.ExtPrivateKey); err != nil {
		return credentials.RegisterInput{}, err
	}
	cer, err := os.ReadFile(cerFile)
	if err != nil {
		return credentials.RegisterInput{}, fmt.Errorf("leer %s: %w", cerFile, err)
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return credentials.RegisterInput{}, fmt.Errorf("leer %s: %w", keyFile, err)
	}
	return credentials.RegisterInput{TaxID: taxID, Certificate: cer, EncryptedKey: key, Passphrase: pass}, nil
}
