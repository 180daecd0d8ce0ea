package dto

import "time"

// CredentialResponse datos públicos del CSD; nunca incluye la llave ni la contraseña.
type CredentialResponse struct {
	TaxID             string    `json:"tax_id"`
	CertificateNumber string    `json:"certificate_number"`
	NotBefore         time.Time `json:"not_before"`
	NotAfter          time.Time `json:"not_after"`
	Expired           bool      `json:"expired"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// RemoteStatusResponse alta del emisor en el PAC.
type RemoteStatusResponse struct {
	TaxID  string `json:"tax_id"`
	Active bool   `json:"active"`
}

// SyncResponse resultado del alta remota y carga del CSD en el PAC.
type SyncResponse struct {
	TaxID             string `json:"tax_id"`
	AlreadyRegistered bool   `json:"already_registered"`
	Uploaded          bool   `json:"uploaded"`
	Message           string `json:"message,omitempty"`
}
