package pac

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	infracfdi "github.com/jhoicas/timbrado-cfdi/internal/infrastructure/cfdi"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/cfdi/signer"
	satcfdi "github.com/jhoicas/timbrado-cfdi/pkg/cfdi"
)

const (
	sandboxProviderRFC = "SPR190613I52"
	sandboxCertNumber  = "30001000000500003456"
	sandboxLeyenda     = "Timbrado en ambiente de desarrollo; sin validez fiscal"

	codeReceiverNotListed = "CFDI40143"
	codeUUIDNotFound      = "205"
	codeCancelNotEmitter  = "203"
)

// Fault falla simulada en el siguiente Stamp del Sandbox.
type Fault int

const (
	// FaultTransient responde transitorio sin timbrar.
	FaultTransient Fault = iota + 1
	// FaultLostResponse timbra pero responde transitorio, como si la respuesta se perdiera.
	FaultLostResponse
	// FaultHang timbra y bloquea hasta que el llamador cancele.
	FaultHang
)

type sandboxEntry struct {
	stamp     *entity.FiscalStamp
	emitter   string
	cancelled bool
}

// Sandbox PAC en proceso para el ambiente dev y las pruebas. Timbra solo comprobantes cuyo
// sello verifica y cuyo receptor está en el catálogo de RFC de prueba; es idempotente por
// llave y firma el timbre con su propia llave.
type Sandbox struct {
	verifier      *signer.DigitalSignatureService
	canonicalizer *infracfdi.Canonicalizer
	key           *rsa.PrivateKey
	now           func() time.Time

	mu          sync.Mutex
	byKey       map[string]*sandboxEntry
	byUUID      map[string]*sandboxEntry
	registered  map[string]bool
	credentials map[string]bool
	faults      []Fault
	calls       map[string]int
}

// SandboxOption configura el Sandbox.
type SandboxOption func(*Sandbox)

// WithSandboxClock reloj de FechaTimbrado.
func WithSandboxClock(now func() time.Time) SandboxOption {
	return func(s *Sandbox) { s.now = now }
}

// WithSandboxKey llave con la que se firma SelloSAT (por omisión se genera una).
func WithSandboxKey(key *rsa.PrivateKey) SandboxOption {
	return func(s *Sandbox) { s.key = key }
}

// NewSandbox crea el Sandbox.
func NewSandbox(canonicalizer *infracfdi.Canonicalizer, opts ...SandboxOption) (*Sandbox, error) {
	s := &Sandbox{
		verifier:      signer.NewDigitalSignatureService(canonicalizer, nil),
		canonicalizer: canonicalizer,
		now:           time.Now,
		byKey:         make(map[string]*sandboxEntry),
		byUUID:        make(map[string]*sandboxEntry),
		registered:    make(map[string]bool),
		credentials:   make(map[string]bool),
		calls:         make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	if s.key == nil {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("sandbox: generar llave: %w", err)
		}
		s.key = key
	}
	return s, nil
}

// InjectStampFaults encola fallas para las siguientes llamadas a Stamp, en orden.
func (s *Sandbox) InjectStampFaults(faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, faults...)
}

// Calls número de llamadas recibidas por operación (stamp, stamped, cancel, ...).
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// PublicKey llave pública con la que verificar SelloSAT.
func (s *Sandbox) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// Stamp timbra el comprobante.
func (s *Sandbox) Stamp(ctx context.Context, signed *entity.SignedDocument, idempotencyKey string) (*StampResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sandbox: stamp: %w: %w", domain.ErrInterrupted, err)
	}
	s.mu.Lock()
	s.calls["stamp"]++
	var fault Fault
	if len(s.faults) > 0 {
		fault = s.faults[0]
		s.faults = s.faults[1:]
	}
	if fault == FaultTransient {
		s.mu.Unlock()
		return &StampResult{Outcome: OutcomeTransient, Code: CodeAuthorityOffline, Message: describeStampCode(CodeAuthorityOffline)}, nil
	}
	res := s.stampLocked(signed, idempotencyKey)
	s.mu.Unlock()

	switch fault {
	case FaultLostResponse:
		return &StampResult{Outcome: OutcomeTransient, Message: "conexión cerrada antes de recibir la respuesta"}, nil
	case FaultHang:
		<-ctx.Done()
		return nil, fmt.Errorf("sandbox: stamp: %w: %w", domain.ErrInterrupted, ctx.Err())
	}
	return res, nil
}

func (s *Sandbox) stampLocked(signed *entity.SignedDocument, key string) *StampResult {
	if prev, ok := s.byKey[key]; ok {
		return &StampResult{
			Outcome: OutcomeAlreadyStamped,
			Stamp:   copyStamp(prev.stamp),
			Code:    CodeAlreadyStamped,
			Message: "el CFDI contiene un timbre previo",
		}
	}
	if signed == nil || signed.Document == nil {
		return &StampResult{Outcome: OutcomeRejected, Code: "301", Message: describeStampCode("301")}
	}
	if _, err := s.verifier.Verify(signed.XML); err != nil {
		return &StampResult{Outcome: OutcomeRejected, Code: "302", Message: fmt.Sprintf("%s: %v", describeStampCode("302"), err)}
	}
	receiver := satcfdi.NormalizeRFC(signed.Document.Receiver.TaxID)
	if !satcfdi.IsTestRFC(receiver) && !satcfdi.IsGenericRFC(receiver) {
		return &StampResult{
			Outcome: OutcomeRejected,
			Code:    codeReceiverNotListed,
			Message: "Este RFC del receptor no existe en la lista de RFC inscritos no cancelados del SAT.",
		}
	}

	timbre := &infracfdi.Timbre{
		UUID:             strings.ToUpper(uuid.NewString()),
		FechaTimbrado:    s.now().Truncate(time.Second),
		RfcProvCertif:    sandboxProviderRFC,
		Leyenda:          sandboxLeyenda,
		SelloCFD:         signed.Seal,
		NoCertificadoSAT: sandboxCertNumber,
	}
	canonical, err := s.canonicalizer.CanonicalizeTimbre(timbre)
	if err != nil {
		return &StampResult{Outcome: OutcomeTransient, Message: err.Error()}
	}
	digest := sha256.Sum256([]byte(canonical))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return &StampResult{Outcome: OutcomeTransient, Message: err.Error()}
	}
	timbre.SelloSAT = base64.StdEncoding.EncodeToString(sig)

	stampedXML, err := infracfdi.AttachTimbre(signed.XML, timbre)
	if err != nil {
		return &StampResult{Outcome: OutcomeRejected, Code: "301", Message: err.Error()}
	}
	entry := &sandboxEntry{
		stamp:   timbre.FiscalStamp(signed.Document.ID, stampedXML),
		emitter: satcfdi.NormalizeRFC(signed.Document.Emitter.TaxID),
	}
	s.byKey[key] = entry
	s.byUUID[timbre.UUID] = entry
	return &StampResult{Outcome: OutcomeStamped, Stamp: copyStamp(entry.stamp), Message: "Comprobante timbrado satisfactoriamente"}
}

// QueryStamp devuelve el timbre de la llave si existe.
func (s *Sandbox) QueryStamp(ctx context.Context, idempotencyKey string, _ *entity.SignedDocument) (*StampResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sandbox: stamped: %w: %w", domain.ErrInterrupted, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["stamped"]++
	if e, ok := s.byKey[idempotencyKey]; ok {
		return &StampResult{Outcome: OutcomeStamped, Stamp: copyStamp(e.stamp)}, nil
	}
	return &StampResult{Outcome: OutcomeNotFound, Code: "603", Message: "no existe timbre para la referencia"}, nil
}

// Cancel cancela un UUID timbrado por este Sandbox.
func (s *Sandbox) Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sandbox: cancel: %w: %w", domain.ErrInterrupted, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["cancel"]++
	e, ok := s.byUUID[strings.ToUpper(req.UUID)]
	switch {
	case !ok:
		return &CancelResult{Outcome: CancelRejected, Code: codeUUIDNotFound, Message: "UUID no encontrado"}, nil
	case e.emitter != satcfdi.NormalizeRFC(req.EmitterTaxID):
		return &CancelResult{Outcome: CancelRejected, Code: codeCancelNotEmitter, Message: "UUID no corresponde al emisor"}, nil
	case e.cancelled:
		return &CancelResult{Outcome: CancelAlreadyCancelled, Code: CodeCancelPrevious, Message: "UUID previamente cancelado"}, nil
	}
	e.cancelled = true
	return &CancelResult{
		Outcome:         CancelAccepted,
		Code:            CodeCancelAccepted,
		Message:         "Cancelado sin aceptación",
		Acknowledgement: fmt.Sprintf("acuse-%s-%s", req.UUID, req.Motive),
	}, nil
}

// RegisterTaxID alta idempotente.
func (s *Sandbox) RegisterTaxID(ctx context.Context, taxID string) (*RegistrationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sandbox: add: %w: %w", domain.ErrInterrupted, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["add"]++
	taxID = satcfdi.NormalizeRFC(taxID)
	if s.registered[taxID] {
		return &RegistrationResult{AlreadyExists: true, Message: "Account Already exists"}, nil
	}
	s.registered[taxID] = true
	return &RegistrationResult{Message: "Account Created successfully"}, nil
}

// RegistrationStatus el RFC está activo si se registró y se le cargó CSD.
func (s *Sandbox) RegistrationStatus(ctx context.Context, taxID string) (*RegistrationStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sandbox: get: %w: %w", domain.ErrInterrupted, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["get"]++
	taxID = satcfdi.NormalizeRFC(taxID)
	if !s.registered[taxID] {
		return &RegistrationStatus{}, nil
	}
	st := &RegistrationStatus{Registered: true, Status: "S"}
	if s.credentials[taxID] {
		st.Active, st.Status = true, "A"
	}
	return st, nil
}

// UploadCredential registra la carga del CSD; exige el alta previa.
func (s *Sandbox) UploadCredential(ctx context.Context, taxID, certificateB64, keyB64, _ string) (*UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sandbox: edit: %w: %w", domain.ErrInterrupted, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["edit"]++
	taxID = satcfdi.NormalizeRFC(taxID)
	if !s.registered[taxID] {
		return &UploadResult{Message: "Account not found"}, nil
	}
	if certificateB64 == "" || keyB64 == "" {
		return &UploadResult{Message: "cer y key son obligatorios"}, nil
	}
	s.credentials[taxID] = true
	return &UploadResult{Success: true, Message: "Account updated successfully"}, nil
}

func copyStamp(st *entity.FiscalStamp) *entity.FiscalStamp {
	if st == nil {
		return nil
	}
	cp := *st
	cp.StampedXML = append([]byte(nil), st.StampedXML...)
	return &cp
}

var _ Authority = (*Sandbox)(nil)
