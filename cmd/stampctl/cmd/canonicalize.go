package cmd

import (
	"fmt"
	"os"

	"github.com/beevik/etree"
	"github.com/spf13/cobra"
)

var canonicalVersion string

var canonicalizeCmd = &cobra.Command{
	Use:   "canonicalize <xml>",
	Short: "Imprime la cadena original de un CFDI",
	Long: `Calcula la cadena original del XML con la transformación de su versión.
Por defecto la versión se toma del atributo Version del comprobante.`,
	Args: cobra.ExactArgs(1),
	RunE: runCanonicalize,
}

func init() {
	rootCmd.AddCommand(canonicalizeCmd)
	canonicalizeCmd.Flags().StringVar(&canonicalVersion, "transform-version", "", "Versión de la transformación (p. ej. 4.0)")
}

func runCanonicalize(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("leer %s: %w", args[0], err)
	}
	v := canonicalVersion
	if v == "" {
		v, err = documentVersion(data)
		if err != nil {
			return err
		}
	}
	printVerbose("versión: %s\n", v)

	canonicalizer, _ := services()
	canonical, err := canonicalizer.CanonicalizeXML(data, v)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), canonical)
	return nil
}

func documentVersion(data []byte) (string, error) {
	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(data); err != nil {
		return "", fmt.Errorf("XML inválido: %w", err)
	}
	root := tree.Root()
	if root == nil {
		return "", fmt.Errorf("documento sin raíz")
	}
	v := root.SelectAttrValue("Version", "")
	if v == "" {
		return "", fmt.Errorf("el comprobante no declara Version; use --transform-version")
	}
	return v, nil
}
