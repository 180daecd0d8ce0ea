package http

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/jhoicas/timbrado-cfdi/internal/application/dto"
	"github.com/jhoicas/timbrado-cfdi/internal/application/stamping"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
)

// stamper lo implementa *stamping.Orchestrator.
type stamper interface {
	Stamp(ctx context.Context, documentID string) (*stamping.Result, error)
	Cancel(ctx context.Context, in stamping.CancelInput) (*stamping.CancelResult, error)
	Status(ctx context.Context, documentID string) (*stamping.Status, error)
}

// documentWriter recibe comprobantes del módulo de facturación.
type documentWriter interface {
	Save(ctx context.Context, doc *entity.FiscalDocument) error
}

// StampingHandler timbrado, estado y cancelación de comprobantes (protegido).
type StampingHandler struct {
	uc   stamper
	docs documentWriter
}

// NewStampingHandler construye el handler. docs puede ser nil si otro proceso carga los comprobantes.
func NewStampingHandler(uc stamper, docs documentWriter) *StampingHandler {
	return &StampingHandler{uc: uc, docs: docs}
}

// PutDocument registra o actualiza el comprobante a timbrar.
// PUT /api/documents/:id
func (h *StampingHandler) PutDocument(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "id requerido"})
	}
	var in dto.DocumentRequest
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "INVALID_BODY", Message: "cuerpo inválido"})
	}
	if err := h.docs.Save(c.Context(), in.ToEntity(id)); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Stamp timbra el comprobante. Repetir la llamada devuelve el mismo timbre.
// POST /api/documents/:id/stamp
func (h *StampingHandler) Stamp(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "id requerido"})
	}
	res, err := h.uc.Stamp(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	status := fiber.StatusCreated
	if res.AlreadyStamped {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(dto.StampResponse{
		DocumentID:     res.DocumentID,
		State:          string(res.State),
		AlreadyStamped: res.AlreadyStamped,
		Attempts:       res.Attempts,
		Stamp:          dto.NewStampResource(res.Stamp, true),
	})
}

// Status estado del timbrado e historial de intentos.
// GET /api/documents/:id/stamping
func (h *StampingHandler) Status(c *fiber.Ctx) error {
	st, err := h.uc.Status(c.Context(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.NewStampingStatusDTO(st.Record, st.Attempts, st.Stamp))
}

// Cancel solicita la cancelación del comprobante timbrado.
// POST /api/documents/:id/cancel
func (h *StampingHandler) Cancel(c *fiber.Ctx) error {
	var in dto.CancelRequest
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "INVALID_BODY", Message: "cuerpo inválido"})
	}
	res, err := h.uc.Cancel(c.Context(), stamping.CancelInput{
		DocumentID:      c.Params("id"),
		Motive:          in.Motive,
		ReplacementUUID: in.ReplacementUUID,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.CancelResponse{
		DocumentID:       res.DocumentID,
		UUID:             res.UUID,
		State:            string(res.State),
		AlreadyCancelled: res.AlreadyCancelled,
		Acknowledgement:  res.Acknowledgement,
	})
}
