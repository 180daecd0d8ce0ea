package http

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/jhoicas/timbrado-cfdi/internal/application/credentials"
	"github.com/jhoicas/timbrado-cfdi/internal/application/dto"
	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	"github.com/jhoicas/timbrado-cfdi/pkg/cfdi"
)

// maxCredentialFile tope por archivo; un .cer o .pfx real pesa unos pocos KB.
const maxCredentialFile = 64 << 10

// credentialManager lo implementa *credentials.UseCase.
type credentialManager interface {
	Register(ctx context.Context, in credentials.RegisterInput) (*credentials.Info, error)
	Replace(ctx context.Context, in credentials.RegisterInput) (*credentials.Info, error)
	Describe(ctx context.Context, taxID string) (*credentials.Info, error)
	VerifyRemote(ctx context.Context, taxID string) (bool, error)
	SyncRemote(ctx context.Context, taxID string) (*credentials.SyncResult, error)
}

// CredentialHandler administración de CSD por RFC emisor (solo admin).
type CredentialHandler struct {
	uc credentialManager
}

// NewCredentialHandler construye el handler.
func NewCredentialHandler(uc credentialManager) *CredentialHandler {
	return &CredentialHandler{uc: uc}
}

// Register carga el CSD del emisor.
// POST /api/credentials/:taxId  (multipart: certificate + private_key + passphrase, o pfx + passphrase)
func (h *CredentialHandler) Register(c *fiber.Ctx) error {
	in, err := readCredentialForm(c)
	if err != nil {
		return writeError(c, err)
	}
	info, err := h.uc.Register(c.Context(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(toCredentialResponse(info))
}

// Replace sustituye el CSD (renovación).
// PUT /api/credentials/:taxId
func (h *CredentialHandler) Replace(c *fiber.Ctx) error {
	in, err := readCredentialForm(c)
	if err != nil {
		return writeError(c, err)
	}
	info, err := h.uc.Replace(c.Context(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(toCredentialResponse(info))
}

// Get datos públicos del CSD.
// GET /api/credentials/:taxId
func (h *CredentialHandler) Get(c *fiber.Ctx) error {
	info, err := h.uc.Describe(c.Context(), c.Params("taxId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(toCredentialResponse(info))
}

// RemoteStatus consulta el alta del emisor en el PAC.
// GET /api/credentials/:taxId/remote
func (h *CredentialHandler) RemoteStatus(c *fiber.Ctx) error {
	taxID := cfdi.NormalizeRFC(c.Params("taxId"))
	active, err := h.uc.VerifyRemote(c.Context(), taxID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.RemoteStatusResponse{TaxID: taxID, Active: active})
}

// Sync da de alta al emisor en el PAC y le carga el CSD guardado.
// POST /api/credentials/:taxId/sync
func (h *CredentialHandler) Sync(c *fiber.Ctx) error {
	taxID := cfdi.NormalizeRFC(c.Params("taxId"))
	res, err := h.uc.SyncRemote(c.Context(), taxID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.SyncResponse{
		TaxID:             taxID,
		AlreadyRegistered: res.AlreadyRegistered,
		Uploaded:          res.Uploaded,
		Message:           res.Message,
	})
}

func readCredentialForm(c *fiber.Ctx) (credentials.RegisterInput, error) {
	taxID := c.Params("taxId")
	passphrase := c.FormValue("passphrase")
	if passphrase == "" {
		return credentials.RegisterInput{}, fmt.Errorf("%w: passphrase requerida", domain.ErrInvalidInput)
	}

	if fh, err := c.FormFile("pfx"); err == nil {
		pfx, err := readUpload(fh, cfdi.ExtPFX, cfdi.ExtP12)
		if err != nil {
			return credentials.RegisterInput{}, err
		}
		return credentials.FromP12(taxID, pfx, passphrase)
	}

	cerFile, err := c.FormFile("certificate")
	if err != nil {
		return credentials.RegisterInput{}, fmt.Errorf("%w: se requiere certificate (.cer) y private_key (.key), o pfx", domain.ErrInvalidInput)
	}
	keyFile, err := c.FormFile("private_key")
	if err != nil {
		return credentials.RegisterInput{}, fmt.Errorf("%w: falta private_key (.key)", domain.ErrInvalidInput)
	}
	cer, err := readUpload(cerFile, cfdi.ExtCertificate)
	if err != nil {
		return credentials.RegisterInput{}, err
	}
	key, err := readUpload(keyFile, cfdi.ExtPrivateKey)
	if err != nil {
		return credentials.RegisterInput{}, err
	}
	return credentials.RegisterInput{TaxID: taxID, Certificate: cer, EncryptedKey: key, Passphrase: passphrase}, nil
}

// readUpload lee el archivo si su extensión es una de exts.
func readUpload(fh *multipart.FileHeader, exts ...string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	ok := false
	for _, e := range exts {
		if ext == e {
			ok = true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s debe tener extensión %s", domain.ErrInvalidInput, fh.Filename, strings.Join(exts, " o "))
	}
	if fh.Size > maxCredentialFile {
		return nil, fmt.Errorf("%w: %s excede %d KB", domain.ErrInvalidInput, fh.Filename, maxCredentialFile>>10)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("abrir %s: %w", fh.Filename, err)
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxCredentialFile))
}

func toCredentialResponse(info *credentials.Info) dto.CredentialResponse {
	return dto.CredentialResponse{
		TaxID:             info.TaxID,
		CertificateNumber: info.CertificateNumber,
		NotBefore:         info.NotBefore,
		NotAfter:          info.NotAfter,
		Expired:           info.Expired,
		UpdatedAt:         info.UpdatedAt,
	}
}
