package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/repository"
)

var _ repository.FiscalDocumentRepository = (*FiscalDocumentRepo)(nil)

// FiscalDocumentRepo comprobantes guardados como JSONB por el módulo de facturación.
type FiscalDocumentRepo struct {
	q Querier
}

// NewFiscalDocumentRepository construye el adaptador. Pasar pool o tx (Querier).
func NewFiscalDocumentRepository(q Querier) *FiscalDocumentRepo {
	return &FiscalDocumentRepo{q: q}
}

// Save inserta o reemplaza el comprobante. Lo usan la facturación y las herramientas de carga.
func (r *FiscalDocumentRepo) Save(ctx context.Context, doc *entity.FiscalDocument) error {
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serializar comprobante: %w", err)
	}
	query := `
		INSERT INTO fiscal_documents (id, emitter_rfc, payload, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET emitter_rfc = EXCLUDED.emitter_rfc,
		    payload     = EXCLUDED.payload,
		    updated_at  = EXCLUDED.updated_at`
	if _, err := r.q.Exec(ctx, query, doc.ID, doc.Emitter.TaxID, payload, doc.UpdatedAt); err != nil {
		return fmt.Errorf("save fiscal document: %w", err)
	}
	return nil
}

// GetByID devuelve nil, nil si no existe.
func (r *FiscalDocumentRepo) GetByID(ctx context.Context, id string) (*entity.FiscalDocument, error) {
	var payload []byte
	err := r.q.QueryRow(ctx, `SELECT payload FROM fiscal_documents WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get fiscal document: %w", err)
	}
	var doc entity.FiscalDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decodificar comprobante %s: %w", id, err)
	}
	return &doc, nil
}
