package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/repository"
)

var _ repository.StampingRepository = (*StampingRepo)(nil)

// StampingRepo registros de timbrado y bitácora de intentos (usable con pool o tx).
type StampingRepo struct {
	q Querier
}

// NewStampingRepository construye el adaptador. Pasar pool o tx (Querier).
func NewStampingRepository(q Querier) *StampingRepo {
	return &StampingRepo{q: q}
}

const recordColumns = `document_id, idempotency_key, emitter_rfc, state, reason, error_code, error_message,
	payload_fingerprint, attempts, stamp_uuid, created_at, updated_at`

func (r *StampingRepo) GetRecord(ctx context.Context, documentID string) (*entity.StampingRecord, error) {
	return r.getRecord(ctx, `SELECT `+recordColumns+` FROM stamping_records WHERE document_id = $1`, documentID)
}

func (r *StampingRepo) GetRecordByKey(ctx context.Context, key string) (*entity.StampingRecord, error) {
	return r.getRecord(ctx, `SELECT `+recordColumns+` FROM stamping_records WHERE idempotency_key = $1`, key)
}

func (r *StampingRepo) getRecord(ctx context.Context, query, arg string) (*entity.StampingRecord, error) {
	var rec entity.StampingRecord
	var reason, code, message, fingerprint, stampUUID *string
	err := r.q.QueryRow(ctx, query, arg).Scan(
		&rec.DocumentID, &rec.IdempotencyKey, &rec.EmitterTaxID, &rec.State,
		&reason, &code, &message, &fingerprint, &rec.Attempts, &stampUUID,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get stamping record: %w", err)
	}
	rec.Reason = entity.FailureReason(derefStr(reason))
	rec.ErrorCode = derefStr(code)
	rec.ErrorMessage = derefStr(message)
	rec.PayloadFingerprint = derefStr(fingerprint)
	rec.StampUUID = derefStr(stampUUID)
	return &rec, nil
}

// SaveRecord inserta o actualiza por document_id. La llave de idempotencia no se reescribe.
func (r *StampingRepo) SaveRecord(ctx context.Context, rec *entity.StampingRecord) error {
	query := `
		INSERT INTO stamping_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (document_id) DO UPDATE
		SET state               = EXCLUDED.state,
		    reason              = EXCLUDED.reason,
		    error_code          = EXCLUDED.error_code,
		    error_message       = EXCLUDED.error_message,
		    payload_fingerprint = EXCLUDED.payload_fingerprint,
		    attempts            = EXCLUDED.attempts,
		    stamp_uuid          = EXCLUDED.stamp_uuid,
		    updated_at          = EXCLUDED.updated_at`
	_, err := r.q.Exec(ctx, query,
		rec.DocumentID, rec.IdempotencyKey, rec.EmitterTaxID, string(rec.State),
		nullIfEmpty(string(rec.Reason)), nullIfEmpty(rec.ErrorCode), nullIfEmpty(rec.ErrorMessage),
		nullIfEmpty(rec.PayloadFingerprint), rec.Attempts, nullIfEmpty(rec.StampUUID),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: llave de idempotencia duplicada: %w", domain.ErrConflict, err)
		}
		return fmt.Errorf("save stamping record: %w", err)
	}
	return nil
}

func (r *StampingRepo) AppendAttempt(ctx context.Context, a *entity.StampingAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	query := `
		INSERT INTO stamping_attempts (id, document_id, idempotency_key, number, outcome, code, message, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.q.Exec(ctx, query,
		a.ID, a.DocumentID, a.IdempotencyKey, a.Number, string(a.Outcome),
		nullIfEmpty(a.Code), nullIfEmpty(a.Message), a.StartedAt, a.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert stamping attempt: %w", err)
	}
	return nil
}

func (r *StampingRepo) FinishAttempt(ctx context.Context, a *entity.StampingAttempt) error {
	query := `
		UPDATE stamping_attempts
		SET outcome = $2, code = $3, message = $4, finished_at = $5
		WHERE id = $1`
	tag, err := r.q.Exec(ctx, query, a.ID, string(a.Outcome), nullIfEmpty(a.Code), nullIfEmpty(a.Message), a.FinishedAt)
	if err != nil {
		return fmt.Errorf("finish stamping attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish stamping attempt %s: %w", a.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *StampingRepo) ListAttempts(ctx context.Context, documentID string) ([]*entity.StampingAttempt, error) {
	query := `
		SELECT id, document_id, idempotency_key, number, outcome, code, message, started_at, finished_at
		FROM stamping_attempts
		WHERE document_id = $1
		ORDER BY started_at, number`
	rows, err := r.q.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("list stamping attempts: %w", err)
	}
	defer rows.Close()

	var list []*entity.StampingAttempt
	for rows.Next() {
		var a entity.StampingAttempt
		var code, message *string
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.IdempotencyKey, &a.Number, &a.Outcome,
			&code, &message, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan stamping attempt: %w", err)
		}
		a.Code = derefStr(code)
		a.Message = derefStr(message)
		list = append(list, &a)
	}
	return list, rows.Err()
}
