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

var _ repository.FiscalStampRepository = (*FiscalStampRepo)(nil)

// FiscalStampRepo timbres emitidos por el PAC. Solo inserción.
type FiscalStampRepo struct {
	q Querier
}

// NewFiscalStampRepository construye el adaptador. Pasar pool o tx (Querier).
func NewFiscalStampRepository(q Querier) *FiscalStampRepo {
	return &FiscalStampRepo{q: q}
}

func (r *FiscalStampRepo) Create(ctx context.Context, s *entity.FiscalStamp) error {
	query := `
		INSERT INTO fiscal_stamps (document_id, uuid, stamped_at, authority_seal, authority_certificate_number,
		                           document_seal, provider_rfc, stamped_xml)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.q.Exec(ctx, query,
		s.DocumentID, s.UUID, s.StampedAt, s.AuthoritySeal, s.AuthorityCertificateNumber,
		s.DocumentSeal, s.ProviderTaxID, string(s.StampedXML),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: el comprobante %s ya tiene timbre", domain.ErrConflict, s.DocumentID)
		}
		return fmt.Errorf("insert fiscal stamp: %w", err)
	}
	return nil
}

func (r *FiscalStampRepo) GetByDocumentID(ctx context.Context, documentID string) (*entity.FiscalStamp, error) {
	return r.get(ctx, "document_id", documentID)
}

func (r *FiscalStampRepo) GetByUUID(ctx context.Context, id string) (*entity.FiscalStamp, error) {
	return r.get(ctx, "uuid", id)
}

func (r *FiscalStampRepo) get(ctx context.Context, column, value string) (*entity.FiscalStamp, error) {
	query := `
		SELECT document_id, uuid, stamped_at, authority_seal, authority_certificate_number,
		       document_seal, provider_rfc, stamped_xml
		FROM fiscal_stamps WHERE ` + column + ` = $1`
	var s entity.FiscalStamp
	var xml string
	err := r.q.QueryRow(ctx, query, value).Scan(
		&s.DocumentID, &s.UUID, &s.StampedAt, &s.AuthoritySeal, &s.AuthorityCertificateNumber,
		&s.DocumentSeal, &s.ProviderTaxID, &xml,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get fiscal stamp: %w", err)
	}
	s.StampedXML = []byte(xml)
	return &s, nil
}
