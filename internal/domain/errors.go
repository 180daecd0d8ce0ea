package domain

import (
	"errors"
	"fmt"
)

// Errores de dominio (sin dependencias externas).
var (
	ErrNotFound     = errors.New("recurso no encontrado")
	ErrInvalidInput = errors.New("entrada inválida")
	ErrConflict     = errors.New("conflicto con el estado actual")
)

// Preparación del comprobante: nunca llegan a la red.
var (
	ErrInvalidDocument        = errors.New("comprobante inválido")
	ErrCanonicalization       = errors.New("no se pudo generar la cadena original")
	ErrTransformNotFound      = errors.New("transformación de cadena original no disponible")
	ErrSigning                = errors.New("no se pudo sellar el comprobante")
	ErrSignatureVerification  = errors.New("el sello generado no verifica contra el certificado")
	ErrStalePayload           = errors.New("el comprobante cambió después de sellarse")
	ErrUnsupportedCertificate = errors.New("certificado no soportado")
)

// Certificado de Sello Digital (CSD).
var (
	ErrCredentialNotFound = errors.New("no hay CSD registrado para el RFC")
	ErrCredentialExpired  = errors.New("el CSD está fuera de su vigencia")
	ErrCredentialMismatch = errors.New("el CSD no corresponde")
	ErrCredentialFormat   = errors.New("formato de CSD inválido")
	ErrCredentialExists   = errors.New("ya existe un CSD para el RFC")
)

// Timbrado y cancelación.
var (
	ErrTransport         = errors.New("falla de comunicación con el PAC")
	ErrAuthorityRejected = errors.New("el PAC rechazó el comprobante")
	ErrRetriesExhausted  = errors.New("se agotaron los reintentos de timbrado")
	ErrInterrupted       = errors.New("timbrado interrumpido antes de conocer el resultado")
	ErrReconcilePending  = errors.New("no se pudo confirmar con el PAC el resultado de un envío previo")
	ErrNotStamped        = errors.New("el comprobante no está timbrado")
	ErrAlreadyCancelled  = errors.New("el comprobante ya fue cancelado")
)

// ErrorKind clasifica un error para decidir la acción del usuario y el código HTTP.
type ErrorKind string

const (
	KindPreparation        ErrorKind = "preparation"
	KindCredential         ErrorKind = "credential"
	KindTransport          ErrorKind = "transport"
	KindAuthorityRejection ErrorKind = "authority_rejection"
	KindRetriesExhausted   ErrorKind = "retries_exhausted"
	KindInterrupted        ErrorKind = "interrupted"
	KindNotFound           ErrorKind = "not_found"
	KindConflict           ErrorKind = "conflict"
	KindInvalidInput       ErrorKind = "invalid_input"
	KindInternal           ErrorKind = "internal"
)

// Retryable indica si el mismo comprobante puede reintentarse sin cambios.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransport, KindRetriesExhausted, KindInterrupted:
		return true
	default:
		return false
	}
}

// StampingError resultado no exitoso de una operación de timbrado o cancelación.
// Message conserva el diagnóstico del PAC tal cual; Action sugiere la corrección.
type StampingError struct {
	Kind      ErrorKind
	Op        string
	Code      string
	Message   string
	Action    string
	Retryable bool
	Err       error
}

func (e *StampingError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: [%s] %s", e.Op, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StampingError) Unwrap() error { return e.Err }

// KindOf clasifica un error por los sentinelas que envuelve.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StampingError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrCredentialNotFound), errors.Is(err, ErrCredentialExpired),
		errors.Is(err, ErrCredentialMismatch), errors.Is(err, ErrCredentialFormat):
		return KindCredential
	case errors.Is(err, ErrInvalidDocument), errors.Is(err, ErrCanonicalization),
		errors.Is(err, ErrTransformNotFound), errors.Is(err, ErrSigning),
		errors.Is(err, ErrSignatureVerification), errors.Is(err, ErrStalePayload),
		errors.Is(err, ErrUnsupportedCertificate):
		return KindPreparation
	case errors.Is(err, ErrTransport), errors.Is(err, ErrReconcilePending):
		return KindTransport
	case errors.Is(err, ErrAuthorityRejected):
		return KindAuthorityRejection
	case errors.Is(err, ErrRetriesExhausted):
		return KindRetriesExhausted
	case errors.Is(err, ErrInterrupted):
		return KindInterrupted
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrCredentialExists),
		errors.Is(err, ErrNotStamped), errors.Is(err, ErrAlreadyCancelled):
		return KindConflict
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	default:
		return KindInternal
	}
}

// SuggestedAction texto de corrección para el usuario según la clase de error.
func SuggestedAction(kind ErrorKind) string {
	switch kind {
	case KindPreparation:
		return "Corrija los datos del comprobante y vuelva a intentar."
	case KindCredential:
		return "Cargue nuevamente el CSD vigente (.cer y .key) del emisor."
	case KindTransport:
		return "El PAC no respondió; reintente en unos minutos."
	case KindAuthorityRejection:
		return "Corrija el comprobante según el mensaje del PAC; reenviar sin cambios será rechazado de nuevo."
	case KindRetriesExhausted:
		return "El PAC no estuvo disponible tras varios intentos; puede reintentar manualmente."
	case KindInterrupted:
		return "La operación se interrumpió; reintente para confirmar el resultado con el PAC."
	default:
		return ""
	}
}
