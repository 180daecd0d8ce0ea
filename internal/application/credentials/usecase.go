// Package credentials custodia los Certificados de Sello Digital (CSD) de los emisores.
package credentials

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/repository"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/cfdi/signer"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/pac"
	"github.com/jhoicas/timbrado-cfdi/pkg/cfdi"
	"github.com/jhoicas/timbrado-cfdi/pkg/logger"
)

// Vault sella y abre la contraseña de la llave privada.
type Vault interface {
	Seal(passphrase string) (string, error)
	Open(sealed string) (string, error)
}

// Registrar parte del PAC que administra los emisores de la cuenta.
type Registrar interface {
	RegisterTaxID(ctx context.Context, taxID string) (*pac.RegistrationResult, error)
	RegistrationStatus(ctx context.Context, taxID string) (*pac.RegistrationStatus, error)
	UploadCredential(ctx context.Context, taxID, certificateB64, keyB64, passphrase string) (*pac.UploadResult, error)
}

// RegisterInput archivos .cer y .key tal como los entrega la autoridad, más la contraseña.
type RegisterInput struct {
	TaxID        string
	Certificate  []byte
	EncryptedKey []byte
	Passphrase   string
}

// Info datos públicos de un CSD; nunca incluye la llave ni la contraseña.
type Info struct {
	TaxID             string
	CertificateNumber string
	NotBefore         time.Time
	NotAfter          time.Time
	Expired           bool
	UpdatedAt         time.Time
}

// SyncResult resultado del alta remota del emisor en el PAC.
type SyncResult struct {
	AlreadyRegistered bool
	Uploaded          bool
	Message           string
}

// Option ajusta el caso de uso.
type Option func(*UseCase)

// WithClock reemplaza el reloj (pruebas de vigencia).
func WithClock(now func() time.Time) Option {
	return func(uc *UseCase) { uc.now = now }
}

// WithRegistrar habilita VerifyRemote y SyncRemote.
func WithRegistrar(r Registrar, timeout time.Duration) Option {
	return func(uc *UseCase) {
		uc.registrar = r
		if timeout > 0 {
			uc.remoteTimeout = timeout
		}
	}
}

// WithStoreTimeout acota cada lectura o escritura del repositorio de CSD.
func WithStoreTimeout(d time.Duration) Option {
	return func(uc *UseCase) {
		if d > 0 {
			uc.storeTimeout = d
		}
	}
}

// WithLogger inyecta el logger.
func WithLogger(l *logger.Logger) Option {
	return func(uc *UseCase) { uc.log = l }
}

// UseCase registro, consulta y sincronización de CSD por RFC.
// Lecturas concurrentes ilimitadas; un registro o reemplazo excluye las lecturas del mismo RFC.
type UseCase struct {
	repo          repository.CredentialRepository
	vault         Vault
	registrar     Registrar
	remoteTimeout time.Duration
	storeTimeout  time.Duration
	now           func() time.Time
	log           *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewUseCase construye el caso de uso.
func NewUseCase(repo repository.CredentialRepository, vault Vault, opts ...Option) *UseCase {
	uc := &UseCase{
		repo:          repo,
		vault:         vault,
		remoteTimeout: 30 * time.Second,
		storeTimeout:  5 * time.Second,
		now:           time.Now,
		log:           logger.Nop(),
		locks:         make(map[string]*sync.RWMutex),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

func (uc *UseCase) lockFor(taxID string) *sync.RWMutex {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	l, ok := uc.locks[taxID]
	if !ok {
		l = &sync.RWMutex{}
		uc.locks[taxID] = l
	}
	return l
}

// Register guarda el CSD del RFC. Falla con ErrCredentialExists si ya hay uno;
// para sustituirlo se usa Replace.
func (uc *UseCase) Register(ctx context.Context, in RegisterInput) (*Info, error) {
	return uc.store(ctx, in, false)
}

// Replace sustituye el CSD vigente del RFC.
func (uc *UseCase) Replace(ctx context.Context, in RegisterInput) (*Info, error) {
	return uc.store(ctx, in, true)
}

func (uc *UseCase) store(ctx context.Context, in RegisterInput, replace bool) (*Info, error) {
	taxID := cfdi.NormalizeRFC(in.TaxID)
	if err := cfdi.ValidateRFCFormat(taxID); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	cred, err := uc.validate(taxID, in)
	if err != nil {
		return nil, err
	}
	sealed, err := uc.vault.Seal(in.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("credentials: sellar contraseña: %w", err)
	}
	cred.SealedPassphrase = sealed

	l := uc.lockFor(taxID)
	l.Lock()
	defer l.Unlock()

	ctx, cancel := context.WithTimeout(ctx, uc.storeTimeout)
	defer cancel()
	if replace {
		err = uc.repo.Replace(ctx, cred)
	} else {
		err = uc.repo.Create(ctx, cred)
	}
	if err != nil {
		return nil, err
	}
	uc.log.Info().Str("tax_id", taxID).Str("certificate_number", cred.CertificateNumber).
		Bool("replace", replace).Time("not_after", cred.NotAfter).Msg("CSD registrado")
	return infoFrom(cred, uc.now()), nil
}

// validate el par corresponde, el certificado es del RFC y está vigente.
func (uc *UseCase) validate(taxID string, in RegisterInput) (*entity.Credential, error) {
	cert, err := signer.ParseCertificate(in.Certificate)
	if err != nil {
		return nil, err
	}
	key, err := signer.DecryptPrivateKey(in.EncryptedKey, in.Passphrase)
	if err != nil {
		// contraseña incorrecta o .key dañado: no se pueden distinguir
		return nil, fmt.Errorf("%w: la llave privada no abre con la contraseña indicada", domain.ErrCredentialFormat)
	}
	if !signer.SamePublicKey(cert, key) {
		return nil, fmt.Errorf("%w: la llave privada no corresponde al certificado", domain.ErrCredentialMismatch)
	}
	if subject := signer.SubjectTaxID(cert); subject != taxID {
		return nil, fmt.Errorf("%w: el certificado pertenece a %q, no a %q", domain.ErrCredentialMismatch, subject, taxID)
	}
	now := uc.now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, expiredError(taxID, cert)
	}
	return &entity.Credential{
		TaxID:             taxID,
		CertificateNumber: signer.CertificateNumber(cert),
		CertificateDER:    cert.Raw,
		EncryptedKeyDER:   in.EncryptedKey,
		NotBefore:         cert.NotBefore,
		NotAfter:          cert.NotAfter,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func expiredError(taxID string, cert *x509.Certificate) error {
	return fmt.Errorf("%w: %s vigente del %s al %s", domain.ErrCredentialExpired, taxID,
		cert.NotBefore.Format(time.DateOnly), cert.NotAfter.Format(time.DateOnly))
}

// FromP12 convierte un .pfx en el par .cer/.key: la llave se vuelve a cifrar con la misma contraseña.
func FromP12(taxID string, pfx []byte, password string) (RegisterInput, error) {
	cert, key, err := signer.LoadFromP12(pfx, password)
	if err != nil {
		return RegisterInput{}, err
	}
	encKey, err := signer.EncryptPrivateKey(key, password)
	if err != nil {
		return RegisterInput{}, err
	}
	return RegisterInput{TaxID: taxID, Certificate: cert.Raw, EncryptedKey: encKey, Passphrase: password}, nil
}

// Get CSD listo para sellar (con la contraseña abierta). La vigencia se revisa en cada llamada.
func (uc *UseCase) Get(ctx context.Context, taxID string) (*entity.Credential, error) {
	taxID = cfdi.NormalizeRFC(taxID)
	cred, err := uc.read(ctx, taxID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrCredentialNotFound, taxID)
	}
	if !cred.ValidAt(uc.now()) {
		return nil, fmt.Errorf("%w: %s vigente del %s al %s", domain.ErrCredentialExpired, taxID,
			cred.NotBefore.Format(time.DateOnly), cred.NotAfter.Format(time.DateOnly))
	}
	pass, err := uc.vault.Open(cred.SealedPassphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: contraseña sellada ilegible para %s: %v", domain.ErrCredentialFormat, taxID, err)
	}
	cred.Passphrase = pass
	return cred, nil
}

// read lectura bajo el bloqueo compartido del RFC. Un repositorio colgado no retiene el
// bloqueo más de storeTimeout: Register y Replace del mismo RFC esperan detrás de él.
func (uc *UseCase) read(ctx context.Context, taxID string) (*entity.Credential, error) {
	l := uc.lockFor(taxID)
	l.RLock()
	defer l.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, uc.storeTimeout)
	defer cancel()
	cred, err := uc.repo.GetByTaxID(ctx, taxID)
	if err != nil {
		return nil, fmt.Errorf("credentials: leer CSD de %s: %w", taxID, err)
	}
	return cred, nil
}

// Describe datos públicos del CSD (sin revisar vigencia ni abrir la contraseña).
func (uc *UseCase) Describe(ctx context.Context, taxID string) (*Info, error) {
	taxID = cfdi.NormalizeRFC(taxID)
	cred, err := uc.read(ctx, taxID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrCredentialNotFound, taxID)
	}
	return infoFrom(cred, uc.now()), nil
}

// VerifyRemote consulta si el PAC tiene al RFC dado de alta y activo.
// Es informativo: el sellado nunca depende de esta respuesta.
func (uc *UseCase) VerifyRemote(ctx context.Context, taxID string) (bool, error) {
	if uc.registrar == nil {
		return false, errors.New("credentials: no hay PAC configurado")
	}
	ctx, cancel := context.WithTimeout(ctx, uc.remoteTimeout)
	defer cancel()
	st, err := uc.registrar.RegistrationStatus(ctx, cfdi.NormalizeRFC(taxID))
	if err != nil {
		return false, err
	}
	return st.Registered && st.Active, nil
}

// SyncRemote da de alta al RFC en el PAC (idempotente) y le carga el CSD guardado.
func (uc *UseCase) SyncRemote(ctx context.Context, taxID string) (*SyncResult, error) {
	if uc.registrar == nil {
		return nil, errors.New("credentials: no hay PAC configurado")
	}
	cred, err := uc.Get(ctx, taxID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, uc.remoteTimeout)
	defer cancel()

	reg, err := uc.registrar.RegisterTaxID(ctx, cred.TaxID)
	if err != nil {
		return nil, err
	}
	up, err := uc.registrar.UploadCredential(ctx, cred.TaxID, cred.CertificateBase64(), cred.PrivateKeyBase64(), cred.Passphrase)
	if err != nil {
		return nil, err
	}
	uc.log.Info().Str("tax_id", cred.TaxID).Bool("already_registered", reg.AlreadyExists).
		Bool("uploaded", up.Success).Msg("CSD sincronizado con el PAC")
	return &SyncResult{AlreadyRegistered: reg.AlreadyExists, Uploaded: up.Success, Message: up.Message}, nil
}

func infoFrom(c *entity.Credential, now time.Time) *Info {
	return &Info{
		TaxID:             c.TaxID,
		CertificateNumber: c.CertificateNumber,
		NotBefore:         c.NotBefore,
		NotAfter:          c.NotAfter,
		Expired:           !c.ValidAt(now),
		UpdatedAt:         c.UpdatedAt,
	}
}
