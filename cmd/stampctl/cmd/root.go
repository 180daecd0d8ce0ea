// Package cmd herramienta de diagnóstico: cadena original, sellado y verificación de CFDI,
// e inspección de CSD sin levantar la API.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	infracfdi "github.com/jhoicas/timbrado-cfdi/internal/infrastructure/cfdi"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/cfdi/signer"
)

var (
	version = "1.0.0"

	// Flags globales
	verbose       bool
	transformsDir string
)

var rootCmd = &cobra.Command{
	Use:   "stampctl",
	Short: "Diagnóstico de CFDI 4.0: cadena original, sello y CSD",
	Long: `stampctl reproduce localmente los pasos previos al timbrado.

Ejemplos:
  # Cadena original de un XML (con o sin sello)
  stampctl canonicalize factura.xml

  # Sellar un comprobante (JSON de la API) con el CSD del emisor
  stampctl sign documento.json --cer csd.cer --key csd.key --passphrase 12345678a

  # Verificar el sello de un XML
  stampctl verify factura_sellada.xml

  # Revisar un CSD antes de cargarlo
  stampctl csd inspect --pfx csd.pfx --passphrase 12345678a`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute ejecuta el comando raíz.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Salida detallada en stderr")
	rootCmd.PersistentFlags().StringVar(&transformsDir, "transforms", "", "Directorio de transformaciones (env: TRANSFORM_DIR); vacío usa las embebidas")

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if transformsDir == "" {
		transformsDir = os.Getenv("TRANSFORM_DIR")
	}
}

func printVerbose(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// services canonicalizador y sellador con las transformaciones elegidas.
func services() (*infracfdi.Canonicalizer, *signer.DigitalSignatureService) {
	var registry *infracfdi.TransformRegistry
	if transformsDir != "" {
		printVerbose("transformaciones: %s\n", transformsDir)
		registry = infracfdi.NewTransformRegistryFromDir(transformsDir, false)
	} else {
		registry = infracfdi.NewTransformRegistry(infracfdi.DefaultTransforms())
	}
	builder := infracfdi.NewXMLBuilderService()
	canonicalizer := infracfdi.NewCanonicalizer(registry, builder)
	return canonicalizer, signer.NewDigitalSignatureService(canonicalizer, builder)
}
