package entity

import "time"

// StampState estado del ciclo de timbrado de un comprobante.
type StampState string

const (
	StateDraft                   StampState = "draft"
	StateCanonicalizationPending StampState = "canonicalization_pending"
	StateSigned                  StampState = "signed"
	StateSubmitting              StampState = "submitting"
	StateAwaitingRetry           StampState = "awaiting_retry"
	StateStamped                 StampState = "stamped"
	StateRejected                StampState = "rejected"
	StateCancelled               StampState = "cancelled"
)

// FailureReason motivo de un estado Rejected.
type FailureReason string

const (
	ReasonNone               FailureReason = ""
	ReasonPreparation        FailureReason = "preparation_error"
	ReasonCredential         FailureReason = "credential_error"
	ReasonAuthorityRejection FailureReason = "authority_rejection"
	ReasonRetriesExhausted   FailureReason = "retries_exhausted"
)

// StampingRecord estado persistido del timbrado de un comprobante.
// La llave de idempotencia es estable para el comprobante durante toda su vida.
type StampingRecord struct {
	DocumentID         string
	IdempotencyKey     string
	EmitterTaxID       string
	State              StampState
	Reason             FailureReason
	ErrorCode          string
	ErrorMessage       string
	PayloadFingerprint string
	Attempts           int // intentos del ciclo actual
	StampUUID          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AttemptOutcome resultado de un envío al PAC.
type AttemptOutcome string

const (
	OutcomePending     AttemptOutcome = "pending"
	OutcomeStamped     AttemptOutcome = "stamped"
	OutcomeRejected    AttemptOutcome = "rejected"
	OutcomeTransient   AttemptOutcome = "transient_error"
	OutcomeInterrupted AttemptOutcome = "interrupted"
)

// StampingAttempt un envío al PAC. Solo se agregan; nunca se borran.
type StampingAttempt struct {
	ID             string
	DocumentID     string
	IdempotencyKey string
	Number         int
	Outcome        AttemptOutcome
	Code           string
	Message        string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// FiscalStamp timbre fiscal digital emitido por la autoridad. Inmutable.
type FiscalStamp struct {
	DocumentID                 string
	UUID                       string
	StampedAt                  time.Time
	AuthoritySeal              string // SelloSAT
	AuthorityCertificateNumber string // NoCertificadoSAT
	DocumentSeal               string // SelloCFD
	ProviderTaxID              string // RfcProvCertif
	StampedXML                 []byte
}
