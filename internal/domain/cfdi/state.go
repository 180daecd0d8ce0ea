package cfdi

import (
	"fmt"

	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
)

// IsTerminal indica si el ciclo de timbrado terminó.
func IsTerminal(s entity.StampState) bool {
	switch s {
	case entity.StateStamped, entity.StateRejected, entity.StateCancelled:
		return true
	default:
		return false
	}
}

// Transition aplica una transición validada sobre el registro.
// El llamador indica el estado esperado (from) para que las carreras sean observables.
func Transition(rec *entity.StampingRecord, from, to entity.StampState) error {
	if rec == nil {
		return fmt.Errorf("cfdi: registro de timbrado nulo")
	}
	if rec.State != from {
		return fmt.Errorf("cfdi: transición inválida para %s: se esperaba %s, estado actual %s", rec.DocumentID, from, rec.State)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("cfdi: transición no permitida para %s: %s -> %s", rec.DocumentID, from, to)
	}
	// solo un ciclo sin respuesta del PAC puede resultar timbrado al conciliar
	if from == entity.StateRejected && to == entity.StateStamped && rec.Reason != entity.ReasonRetriesExhausted {
		return fmt.Errorf("cfdi: transición no permitida para %s: %s (%s) -> %s", rec.DocumentID, from, rec.Reason, to)
	}
	rec.State = to
	return nil
}

func isAllowedTransition(from, to entity.StampState) bool {
	switch from {
	case entity.StateDraft:
		return to == entity.StateCanonicalizationPending
	case entity.StateCanonicalizationPending:
		return to == entity.StateSigned || to == entity.StateRejected || to == entity.StateDraft
	case entity.StateSigned:
		return to == entity.StateSubmitting || to == entity.StateDraft
	case entity.StateSubmitting:
		return to == entity.StateStamped || to == entity.StateRejected ||
			to == entity.StateAwaitingRetry || to == entity.StateDraft
	case entity.StateAwaitingRetry:
		return to == entity.StateSubmitting || to == entity.StateStamped || to == entity.StateDraft
	case entity.StateRejected:
		return to == entity.StateDraft || to == entity.StateStamped
	case entity.StateStamped:
		return to == entity.StateCancelled
	default:
		return false
	}
}

// CanRestart indica si se puede abrir un ciclo nuevo (volver a Draft).
// Un rechazo del PAC solo se reabre si el comprobante cambió desde el último sellado;
// reenviar el mismo contenido sería rechazado otra vez.
func CanRestart(rec *entity.StampingRecord, currentFingerprint string) bool {
	switch rec.State {
	case entity.StateRejected:
		if rec.Reason == entity.ReasonAuthorityRejection {
			return currentFingerprint != rec.PayloadFingerprint
		}
		return true
	case entity.StateCanonicalizationPending, entity.StateSigned:
		return true
	default:
		return false
	}
}

// Restart abre un ciclo nuevo: estado Draft y contador de intentos en cero.
// La llave de idempotencia se conserva.
func Restart(rec *entity.StampingRecord) error {
	if err := Transition(rec, rec.State, entity.StateDraft); err != nil {
		return err
	}
	rec.Reason = entity.ReasonNone
	rec.ErrorCode = ""
	rec.ErrorMessage = ""
	rec.Attempts = 0
	return nil
}
