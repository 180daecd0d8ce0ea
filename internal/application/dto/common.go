package dto

// ErrorResponse cuerpo de error HTTP.
// Action sugiere la corrección al usuario; Retryable indica si tiene sentido reintentar.
// AuthorityCode es el código devuelto por el PAC o el SAT, cuando lo hay.
type ErrorResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Action        string `json:"action,omitempty"`
	Retryable     bool   `json:"retryable"`
	AuthorityCode string `json:"authority_code,omitempty"`
}
