package dto

import (
	"time"

	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
)

// StampResponse resultado de POST /api/documents/:id/stamp.
type StampResponse struct {
	DocumentID     string         `json:"document_id"`
	State          string         `json:"state"`
	AlreadyStamped bool           `json:"already_stamped"`
	Attempts       int            `json:"attempts"`
	Stamp          *StampResource `json:"stamp,omitempty"`
}

// StampResource timbre fiscal digital. StampedXML va en Base64.
type StampResource struct {
	UUID                       string    `json:"uuid"`
	StampedAt                  time.Time `json:"stamped_at"`
	ProviderTaxID              string    `json:"provider_tax_id"`
	AuthorityCertificateNumber string    `json:"authority_certificate_number"`
	AuthoritySeal              string    `json:"authority_seal"`
	DocumentSeal               string    `json:"document_seal"`
	StampedXML                 []byte    `json:"stamped_xml,omitempty"`
}

// StampingStatusDTO respuesta de GET /api/documents/:id/stamping.
// El frontend consulta este endpoint hasta que state sea stamped, rejected o cancelled.
type StampingStatusDTO struct {
	DocumentID   string            `json:"document_id"`
	State        string            `json:"state"`
	Reason       string            `json:"reason,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Attempts     []AttemptResponse `json:"attempts"`
	Stamp        *StampResource    `json:"stamp,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// AttemptResponse un envío al PAC.
type AttemptResponse struct {
	Number     int        `json:"number"`
	Outcome    string     `json:"outcome"`
	Code       string     `json:"code,omitempty"`
	Message    string     `json:"message,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// CancelRequest body para POST /api/documents/:id/cancel.
type CancelRequest struct {
	Motive          string `json:"motive"`
	ReplacementUUID string `json:"replacement_uuid,omitempty"`
}

// CancelResponse resultado de la cancelación.
type CancelResponse struct {
	DocumentID       string `json:"document_id"`
	UUID             string `json:"uuid"`
	State            string `json:"state"`
	AlreadyCancelled bool   `json:"already_cancelled"`
	Acknowledgement  string `json:"acknowledgement,omitempty"`
}

// NewStampResource mapea el timbre; nil si no hay.
func NewStampResource(st *entity.FiscalStamp, withXML bool) *StampResource {
	if st == nil {
		return nil
	}
	r := &StampResource{
		UUID:                       st.UUID,
		StampedAt:                  st.StampedAt,
		ProviderTaxID:              st.ProviderTaxID,
		AuthorityCertificateNumber: st.AuthorityCertificateNumber,
		AuthoritySeal:              st.AuthoritySeal,
		DocumentSeal:               st.DocumentSeal,
	}
	if withXML {
		r.StampedXML = st.StampedXML
	}
	return r
}

// NewStampingStatusDTO arma la respuesta de estado.
func NewStampingStatusDTO(rec *entity.StampingRecord, attempts []*entity.StampingAttempt, st *entity.FiscalStamp) StampingStatusDTO {
	out := StampingStatusDTO{
		DocumentID:   rec.DocumentID,
		State:        string(rec.State),
		Reason:       string(rec.Reason),
		ErrorCode:    rec.ErrorCode,
		ErrorMessage: rec.ErrorMessage,
		Attempts:     make([]AttemptResponse, 0, len(attempts)),
		Stamp:        NewStampResource(st, false),
		UpdatedAt:    rec.UpdatedAt,
	}
	for _, a := range attempts {
		out.Attempts = append(out.Attempts, AttemptResponse{
			Number:     a.Number,
			Outcome:    string(a.Outcome),
			Code:       a.Code,
			Message:    a.Message,
			StartedAt:  a.StartedAt,
			FinishedAt: a.FinishedAt,
		})
	}
	return out
}
