package repository

import (
	"context"

	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
)

// FiscalDocumentRepository lectura de comprobantes construidos por el módulo de facturación.
// El subsistema de timbrado nunca los modifica.
type FiscalDocumentRepository interface {
	// GetByID devuelve nil, nil si no existe.
	GetByID(ctx context.Context, id string) (*entity.FiscalDocument, error)
}

// StampingRepository persistencia del estado de timbrado y de la bitácora de intentos.
type StampingRepository interface {
	// GetRecord devuelve nil, nil si el comprobante nunca se ha procesado.
	GetRecord(ctx context.Context, documentID string) (*entity.StampingRecord, error)
	// GetRecordByKey busca por llave de idempotencia (nil, nil si no existe).
	GetRecordByKey(ctx context.Context, idempotencyKey string) (*entity.StampingRecord, error)
	// SaveRecord inserta o actualiza el registro (llave: DocumentID).
	SaveRecord(ctx context.Context, rec *entity.StampingRecord) error

	// AppendAttempt agrega un intento; los intentos nunca se borran.
	AppendAttempt(ctx context.Context, a *entity.StampingAttempt) error
	// FinishAttempt registra el resultado de un intento existente.
	FinishAttempt(ctx context.Context, a *entity.StampingAttempt) error
	// ListAttempts intentos del comprobante en orden cronológico.
	ListAttempts(ctx context.Context, documentID string) ([]*entity.StampingAttempt, error)
}

// FiscalStampRepository persistencia de timbres emitidos por la autoridad.
type FiscalStampRepository interface {
	// Create falla con domain.ErrConflict si el comprobante ya tiene timbre.
	Create(ctx context.Context, stamp *entity.FiscalStamp) error
	// GetByDocumentID devuelve nil, nil si no hay timbre.
	GetByDocumentID(ctx context.Context, documentID string) (*entity.FiscalStamp, error)
	GetByUUID(ctx context.Context, uuid string) (*entity.FiscalStamp, error)
}

// StampingTxRunner ejecuta fn en una transacción con los repos de timbrado atados a ella.
// El registro Stamped y su timbre se guardan juntos o no se guardan.
type StampingTxRunner interface {
	RunStamping(ctx context.Context, fn func(records StampingRepository, stamps FiscalStampRepository) error) error
}
