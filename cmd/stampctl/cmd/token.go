package cmd

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jhoicas/timbrado-cfdi/pkg/jwt"
)

var (
	tokenSecret  string
	tokenIssuer  string
	tokenRole    string
	tokenUser    string
	tokenMinutes int
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Emite un JWT de desarrollo para probar la API",
	Long: `En producción los tokens los emite el servicio de identidad. Este comando firma uno
con JWT_SECRET para llamar a la API en local.

Ejemplo:
  stampctl token --role facturista`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "Secreto HMAC (env: JWT_SECRET)")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "timbrado-cfdi", "Emisor del token")
	tokenCmd.Flags().StringVar(&tokenRole, "role", jwt.RoleFacturista, "Rol: admin, facturista o consulta")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user_id (por defecto uno aleatorio)")
	tokenCmd.Flags().IntVar(&tokenMinutes, "minutes", 60, "Vigencia en minutos")
}

func runToken(cmd *cobra.Command, _ []string) error {
	switch tokenRole {
	case jwt.RoleAdmin, jwt.RoleFacturista, jwt.RoleConsulta:
	default:
		return fmt.Errorf("rol desconocido %q", tokenRole)
	}
	secret := tokenSecret
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if tokenUser == "" {
		tokenUser = uuid.NewString()
	}
	tok, err := jwt.Generate(secret, tokenUser, tokenRole, tokenIssuer, tokenMinutes)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
