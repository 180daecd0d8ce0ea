package stamping

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/pac"
	satcfdi "github.com/jhoicas/timbrado-cfdi/pkg/cfdi"
)

// CancelInput solicitud de cancelación de un comprobante timbrado.
type CancelInput struct {
	DocumentID      string
	Motive          string // c_MotivoCancelacion 01..04
	ReplacementUUID string // obligatorio con motivo 01
}

// CancelResult resultado de la cancelación.
type CancelResult struct {
	DocumentID       string
	UUID             string
	State            entity.StampState
	AlreadyCancelled bool
	Acknowledgement  string
}

func (in CancelInput) validate() error {
	if !satcfdi.ValidCancelMotives[in.Motive] {
		return fmt.Errorf("%w: motivo de cancelación %q no válido (01, 02, 03 o 04)", domain.ErrInvalidInput, in.Motive)
	}
	if in.Motive == satcfdi.CancelWithRelation {
		if _, err := uuid.Parse(in.ReplacementUUID); err != nil {
			return fmt.Errorf("%w: el motivo 01 requiere el UUID del comprobante que sustituye", domain.ErrInvalidInput)
		}
	}
	return nil
}

// Cancel solicita al PAC la cancelación del timbre. Un comprobante ya cancelado devuelve
// AlreadyCancelled sin llamar al PAC.
func (o *Orchestrator) Cancel(ctx context.Context, in CancelInput) (*CancelResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	unlock, err := o.locker.Lock(ctx, in.DocumentID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, interrupted("cancel", ctx.Err())
		}
		return nil, fmt.Errorf("stamping: bloqueo de %s: %w", in.DocumentID, err)
	}
	defer unlock()

	rec, err := o.records.GetRecord(ctx, in.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("stamping: leer registro %s: %w", in.DocumentID, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotStamped, in.DocumentID)
	}
	switch rec.State {
	case entity.StateCancelled:
		return &CancelResult{DocumentID: rec.DocumentID, UUID: rec.StampUUID, State: rec.State, AlreadyCancelled: true}, nil
	case entity.StateStamped:
	default:
		return nil, fmt.Errorf("%w: %s está en estado %s", domain.ErrNotStamped, in.DocumentID, rec.State)
	}

	log := o.log.With().Str("document_id", rec.DocumentID).Str("uuid", rec.StampUUID).Str("motive", in.Motive).Logger()

	cctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	start := time.Now()
	res, err := o.authority.Cancel(cctx, pac.CancelRequest{
		EmitterTaxID:    rec.EmitterTaxID,
		UUID:            rec.StampUUID,
		Motive:          in.Motive,
		ReplacementUUID: strings.ToUpper(in.ReplacementUUID),
	})
	o.metrics.observePAC("cancel", start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, interrupted("cancel", ctx.Err())
		}
		res = &pac.CancelResult{Outcome: pac.CancelTransient, Message: err.Error()}
	}

	switch res.Outcome {
	case pac.CancelAccepted, pac.CancelAlreadyCancelled:
		if err := o.transition(ctx, rec, entity.StateStamped, entity.StateCancelled); err != nil {
			return nil, err
		}
		o.metrics.terminal(string(entity.StateCancelled), "")
		log.Info().Str("pac_code", res.Code).Msg("comprobante cancelado")
		return &CancelResult{
			DocumentID:       rec.DocumentID,
			UUID:             rec.StampUUID,
			State:            rec.State,
			AlreadyCancelled: res.Outcome == pac.CancelAlreadyCancelled,
			Acknowledgement:  res.Acknowledgement,
		}, nil
	case pac.CancelRejected:
		log.Warn().Str("pac_code", res.Code).Str("pac_message", res.Message).Msg("el PAC rechazó la cancelación")
		return nil, &domain.StampingError{
			Kind: domain.KindAuthorityRejection, Op: "cancel", Code: res.Code, Message: res.Message,
			Action: "Revise el motivo y el estado del comprobante ante la autoridad.", Err: domain.ErrAuthorityRejected,
		}
	default:
		log.Warn().Str("pac_code", res.Code).Msg("falla transitoria al cancelar")
		return nil, &domain.StampingError{
			Kind: domain.KindTransport, Op: "cancel", Code: res.Code, Message: res.Message,
			Action: domain.SuggestedAction(domain.KindTransport), Retryable: true, Err: domain.ErrTransport,
		}
	}
}
