package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/cfdi/signer"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <firmado.xml>",
	Short: "Verifica el Sello de un CFDI contra su Certificado",
	Long: `Recalcula la cadena original, comprueba el Sello con la llave pública del
Certificado incluido y que NoCertificado corresponda a ese certificado.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("leer %s: %w", args[0], err)
	}
	_, sealer := services()
	v, err := sealer.Verify(data)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Sello válido")
	fmt.Fprintf(out, "  Versión:        %s\n", v.Version)
	fmt.Fprintf(out, "  Emisor:         %s\n", v.EmitterTaxID)
	fmt.Fprintf(out, "  NoCertificado:  %s\n", v.CertificateNumber)
	fmt.Fprintf(out, "  Titular:        %s\n", signer.SubjectTaxID(v.Certificate))
	fmt.Fprintf(out, "  Vigencia:       %s a %s\n",
		v.Certificate.NotBefore.Format(time.DateOnly), v.Certificate.NotAfter.Format(time.DateOnly))
	printVerbose("cadena original: %s\n", v.CanonicalString)
	return nil
}
