package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/repository"
)

var _ repository.CredentialRepository = (*CredentialRepo)(nil)

// CredentialRepo CSD por RFC. La contraseña solo se guarda sellada.
type CredentialRepo struct {
	q Querier
}

// NewCredentialRepository construye el adaptador. Pasar pool o tx (Querier).
func NewCredentialRepository(q Querier) *CredentialRepo {
	return &CredentialRepo{q: q}
}

func (r *CredentialRepo) Create(ctx context.Context, c *entity.Credential) error {
	query := `
		INSERT INTO csd_credentials (tax_id, certificate_number, certificate_der, encrypted_key_der,
		                             sealed_passphrase, not_before, not_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.q.Exec(ctx, query,
		c.TaxID, c.CertificateNumber, c.CertificateDER, c.EncryptedKeyDER,
		c.SealedPassphrase, c.NotBefore, c.NotAfter, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrCredentialExists, c.TaxID)
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (r *CredentialRepo) Replace(ctx context.Context, c *entity.Credential) error {
	query := `
		UPDATE csd_credentials
		SET certificate_number = $2,
		    certificate_der    = $3,
		    encrypted_key_der  = $4,
		    sealed_passphrase  = $5,
		    not_before         = $6,
		    not_after          = $7,
		    updated_at         = $8
		WHERE tax_id = $1`
	tag, err := r.q.Exec(ctx, query,
		c.TaxID, c.CertificateNumber, c.CertificateDER, c.EncryptedKeyDER,
		c.SealedPassphrase, c.NotBefore, c.NotAfter, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("replace credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrCredentialNotFound, c.TaxID)
	}
	return nil
}

func (r *CredentialRepo) GetByTaxID(ctx context.Context, taxID string) (*entity.Credential, error) {
	query := `
		SELECT tax_id, certificate_number, certificate_der, encrypted_key_der, sealed_passphrase,
		       not_before, not_after, created_at, updated_at
		FROM csd_credentials WHERE tax_id = $1`
	var c entity.Credential
	err := r.q.QueryRow(ctx, query, taxID).Scan(
		&c.TaxID, &c.CertificateNumber, &c.CertificateDER, &c.EncryptedKeyDER, &c.SealedPassphrase,
		&c.NotBefore, &c.NotAfter, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &c, nil
}
