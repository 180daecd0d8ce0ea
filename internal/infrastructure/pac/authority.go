// Package pac implementa la comunicación con el Proveedor Autorizado de Certificación (PAC):
// timbrado, consulta de timbres previos, cancelación y alta de emisores.
package pac

import (
	"context"

	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
)

// Ambientes del PAC.
const (
	EnvDev  = "dev"  // Sandbox en proceso; no sale a la red
	EnvTest = "test" // ambiente de pruebas (demo) del PAC
	EnvProd = "prod"
)

// StampOutcome resultado de timbrar (o consultar) un comprobante.
type StampOutcome string

const (
	OutcomeStamped        StampOutcome = "stamped"
	OutcomeAlreadyStamped StampOutcome = "already_stamped" // éxito: el PAC ya lo había timbrado
	OutcomeRejected       StampOutcome = "rejected"        // permanente: no reintentar sin cambiar el comprobante
	OutcomeTransient      StampOutcome = "transient"       // red, timeout o falla del PAC: se puede reintentar
	OutcomeNotFound       StampOutcome = "not_found"       // solo QueryStamp: el PAC no tiene timbre para la llave
)

// IsSuccess indica Stamped o AlreadyStamped.
func (o StampOutcome) IsSuccess() bool {
	return o == OutcomeStamped || o == OutcomeAlreadyStamped
}

// StampResult respuesta de Stamp/QueryStamp. Stamp solo viene en los resultados exitosos;
// AlreadyStamped puede venir sin Stamp si el PAC no lo reenvía.
type StampResult struct {
	Outcome StampOutcome
	Stamp   *entity.FiscalStamp
	Code    string // código del PAC, sin traducir
	Message string // mensaje del PAC, sin traducir
}

// CancelOutcome resultado de una solicitud de cancelación.
type CancelOutcome string

const (
	CancelAccepted         CancelOutcome = "cancelled"
	CancelAlreadyCancelled CancelOutcome = "already_cancelled"
	CancelRejected         CancelOutcome = "rejected"
	CancelTransient        CancelOutcome = "transient"
)

// CancelRequest solicitud de cancelación de un CFDI timbrado.
type CancelRequest struct {
	EmitterTaxID    string
	UUID            string
	Motive          string // c_MotivoCancelacion 01..04
	ReplacementUUID string // FolioSustitucion, obligatorio con motivo 01
}

// CancelResult respuesta del PAC a una cancelación.
type CancelResult struct {
	Outcome         CancelOutcome
	Code            string
	Message         string
	Acknowledgement string // acuse de la autoridad
}

// RegistrationResult alta de un RFC emisor en la cuenta del integrador.
type RegistrationResult struct {
	AlreadyExists bool
	Message       string
}

// RegistrationStatus estado del RFC en el PAC.
type RegistrationStatus struct {
	Registered bool
	Active     bool
	Status     string
}

// UploadResult carga del CSD al PAC.
type UploadResult struct {
	Success bool
	Message string
}

// Authority puerto de salida hacia el PAC. Ninguna operación reintenta internamente.
//
// Stamp, QueryStamp y Cancel clasifican toda falla de red o del PAC en el resultado; solo
// devuelven error cuando el llamador cancela ctx (envuelve domain.ErrInterrupted), en cuyo
// caso se desconoce si el PAC procesó la solicitud. Las operaciones de alta devuelven error
// envolviendo domain.ErrTransport ante fallas de comunicación.
type Authority interface {
	Stamp(ctx context.Context, signed *entity.SignedDocument, idempotencyKey string) (*StampResult, error)
	// QueryStamp consulta si el PAC ya timbró el comprobante de la llave.
	QueryStamp(ctx context.Context, idempotencyKey string, signed *entity.SignedDocument) (*StampResult, error)
	Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error)
	// RegisterTaxID es idempotente: un RFC ya dado de alta devuelve AlreadyExists.
	RegisterTaxID(ctx context.Context, taxID string) (*RegistrationResult, error)
	RegistrationStatus(ctx context.Context, taxID string) (*RegistrationStatus, error)
	UploadCredential(ctx context.Context, taxID, certificateB64, keyB64, passphrase string) (*UploadResult, error)
}
