package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/jhoicas/timbrado-cfdi/internal/application/dto"
	"github.com/jhoicas/timbrado-cfdi/internal/domain"
)

// writeError traduce el error de dominio a status HTTP y ErrorResponse.
// Los rechazos del PAC conservan su código y texto tal cual.
func writeError(c *fiber.Ctx, err error) error {
	kind := domain.KindOf(err)
	resp := dto.ErrorResponse{
		Message:   err.Error(),
		Action:    domain.SuggestedAction(kind),
		Retryable: kind.Retryable(),
	}
	var se *domain.StampingError
	if errors.As(err, &se) {
		if se.Message != "" {
			resp.Message = se.Message
		}
		resp.AuthorityCode = se.Code
		resp.Retryable = se.Retryable
		if se.Action != "" {
			resp.Action = se.Action
		}
	}

	status := fiber.StatusInternalServerError
	switch kind {
	case domain.KindInvalidInput:
		status, resp.Code = fiber.StatusBadRequest, "VALIDATION"
	case domain.KindNotFound:
		status, resp.Code = fiber.StatusNotFound, "NOT_FOUND"
	case domain.KindPreparation:
		status, resp.Code = fiber.StatusUnprocessableEntity, "PREPARATION_ERROR"
	case domain.KindCredential:
		status, resp.Code = fiber.StatusUnprocessableEntity, credentialCode(err)
		if resp.Code == "CREDENTIAL_NOT_FOUND" {
			status = fiber.StatusNotFound
		}
	case domain.KindAuthorityRejection:
		status, resp.Code = fiber.StatusUnprocessableEntity, "AUTHORITY_REJECTED"
	case domain.KindRetriesExhausted:
		status, resp.Code = fiber.StatusServiceUnavailable, "RETRIES_EXHAUSTED"
	case domain.KindTransport:
		status, resp.Code = fiber.StatusServiceUnavailable, "PAC_UNAVAILABLE"
	case domain.KindInterrupted:
		status, resp.Code = fiber.StatusGatewayTimeout, "INTERRUPTED"
	case domain.KindConflict:
		status, resp.Code = fiber.StatusConflict, conflictCode(err)
	default:
		resp.Code = "INTERNAL"
	}
	return c.Status(status).JSON(resp)
}

func credentialCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrCredentialNotFound):
		return "CREDENTIAL_NOT_FOUND"
	case errors.Is(err, domain.ErrCredentialExpired):
		return "CREDENTIAL_EXPIRED"
	case errors.Is(err, domain.ErrCredentialMismatch):
		return "CREDENTIAL_MISMATCH"
	default:
		return "CREDENTIAL_FORMAT"
	}
}

func conflictCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrCredentialExists):
		return "CREDENTIAL_EXISTS"
	case errors.Is(err, domain.ErrNotStamped):
		return "NOT_STAMPED"
	case errors.Is(err, domain.ErrAlreadyCancelled):
		return "ALREADY_CANCELLED"
	default:
		return "CONFLICT"
	}
}
