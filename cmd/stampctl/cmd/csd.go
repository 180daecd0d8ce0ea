package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/cfdi/signer"
	"github.com/jhoicas/timbrado-cfdi/pkg/cfdi"
)

var csdCmd = &cobra.Command{
	Use:   "csd",
	Short: "Certificados de Sello Digital",
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Diagnóstico de un CSD antes de cargarlo",
	Long: `Abre el certificado y la llave con la contraseña, y revisa titular, vigencia y que
ambos formen par. Sirve para separar un archivo dañado de una contraseña incorrecta.`,
	Args: cobra.NoArgs,
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(csdCmd)
	csdCmd.AddCommand(inspectCmd)
	addCredentialFlags(inspectCmd)
}

func runInspect(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	in, err := readCredentialFiles("")
	if err != nil {
		return err
	}
	cert, err := signer.ParseCertificate(in.Certificate)
	if err != nil {
		return err
	}
	holder := signer.SubjectTaxID(cert)
	fmt.Fprintf(out, "Certificado:    %s\n", signer.CertificateNumber(cert))
	fmt.Fprintf(out, "Titular:        %s\n", holder)
	fmt.Fprintf(out, "Vigencia:       %s a %s\n", cert.NotBefore.Format(time.DateOnly), cert.NotAfter.Format(time.DateOnly))
	if err := cfdi.ValidateRFCFormat(holder); err != nil {
		fmt.Fprintf(out, "Aviso:          el titular no es un RFC válido (%v)\n", err)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		fmt.Fprintln(out, "Aviso:          el certificado no está vigente hoy")
	}

	key, err := signer.DecryptPrivateKey(in.EncryptedKey, in.Passphrase)
	if err != nil {
		return fmt.Errorf("la llave no abre con la contraseña o está dañada: %w", err)
	}
	if !signer.SamePublicKey(cert, key) {
		return fmt.Errorf("la llave privada no corresponde al certificado")
	}
	fmt.Fprintln(out, "Llave:          abre con la contraseña y forma par con el certificado")
	return nil
}
