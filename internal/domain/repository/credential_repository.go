package repository

import (
	"context"

	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
)

// CredentialRepository persistencia de CSD por RFC.
// Passphrase nunca se persiste; solo SealedPassphrase.
type CredentialRepository interface {
	// Create falla con domain.ErrCredentialExists si ya hay un CSD para el RFC.
	Create(ctx context.Context, cred *entity.Credential) error
	// Replace sustituye el CSD existente (falla con domain.ErrCredentialNotFound si no hay).
	Replace(ctx context.Context, cred *entity.Credential) error
	// GetByTaxID devuelve nil, nil si no existe.
	GetByTaxID(ctx context.Context, taxID string) (*entity.Credential, error)
}
