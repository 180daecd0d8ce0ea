package credentials_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/timbrado-cfdi/internal/application/credentials"
	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	infracfdi "github.com/jhoicas/timbrado-cfdi/internal/infrastructure/cfdi"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/memory"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/pac"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/vault"
	"github.com/jhoicas/timbrado-cfdi/internal/testutil"
)

func newUseCase(t *testing.T, opts ...credentials.Option) *credentials.UseCase {
	t.Helper()
	v, err := vault.NewEphemeral()
	require.NoError(t, err)
	return credentials.NewUseCase(memory.NewCredentialStore(), v, opts...)
}

func input(csd *testutil.CSD) credentials.RegisterInput {
	return credentials.RegisterInput{
		TaxID:        csd.TaxID,
		Certificate:  csd.CertificateDER,
		EncryptedKey: csd.EncryptedKeyDER,
		Passphrase:   csd.Passphrase,
	}
}

func TestRegister_ThenGet(t *testing.T) {
	uc := newUseCase(t)
	csd := testutil.NewCSD(t, testutil.EmitterRFC)

	info, err := uc.Register(context.Background(), input(csd))
	require.NoError(t, err)
	assert.Equal(t, "30001000000500003416", info.CertificateNumber)
	assert.False(t, info.Expired)

	cred, err := uc.Get(context.Background(), "eku9003173c9")
	require.NoError(t, err)
	assert.Equal(t, testutil.EmitterRFC, cred.TaxID)
	assert.Equal(t, csd.Passphrase, cred.Passphrase, "la contraseña se abre al leer")
	assert.NotEqual(t, csd.Passphrase, cred.SealedPassphrase)

	_, err = uc.Register(context.Background(), input(csd))
	assert.ErrorIs(t, err, domain.ErrCredentialExists, "sustituir exige Replace")

	_, err = uc.Replace(context.Background(), input(csd))
	assert.NoError(t, err)
}

func TestRegister_Rejections(t *testing.T) {
	uc := newUseCase(t)
	good := testutil.NewCSD(t, testutil.EmitterRFC)

	t.Run("par que no corresponde", func(t *testing.T) {
		other := testutil.NewCSD(t, testutil.EmitterRFC, testutil.WithOtherKey())
		in := input(good)
		in.EncryptedKey = other.EncryptedKeyDER
		_, err := uc.Register(context.Background(), in)
		assert.ErrorIs(t, err, domain.ErrCredentialMismatch)
	})

	t.Run("certificado de otro RFC", func(t *testing.T) {
		foreign := testutil.NewCSD(t, testutil.EmitterRFC, testutil.WithSubjectTaxID("URE180429TM6"))
		_, err := uc.Register(context.Background(), input(foreign))
		assert.ErrorIs(t, err, domain.ErrCredentialMismatch)
	})

	t.Run("contraseña incorrecta", func(t *testing.T) {
		in := input(good)
		in.Passphrase = "otra"
		_, err := uc.Register(context.Background(), in)
		assert.ErrorIs(t, err, domain.ErrCredentialFormat)
	})

	t.Run("certificado ilegible", func(t *testing.T) {
		in := input(good)
		in.Certificate = []byte("no es un certificado")
		_, err := uc.Register(context.Background(), in)
		assert.ErrorIs(t, err, domain.ErrCredentialFormat)
	})

	t.Run("vencido", func(t *testing.T) {
		old := testutil.NewCSD(t, testutil.EmitterRFC,
			testutil.WithValidity(time.Now().AddDate(-4, 0, 0), time.Now().AddDate(0, 0, -1)))
		_, err := uc.Register(context.Background(), input(old))
		assert.ErrorIs(t, err, domain.ErrCredentialExpired)
	})

	t.Run("RFC mal formado", func(t *testing.T) {
		in := input(good)
		in.TaxID = "NOVALIDO"
		_, err := uc.Register(context.Background(), in)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	_, err := uc.Describe(context.Background(), testutil.EmitterRFC)
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound, "ningún rechazo deja rastro")
}

func TestGet_ExpiredYesterday(t *testing.T) {
	now := time.Now()
	clock := now
	uc := newUseCase(t, credentials.WithClock(func() time.Time { return clock }))
	csd := testutil.NewCSD(t, testutil.EmitterRFC, testutil.WithValidity(now.AddDate(-1, 0, 0), now.AddDate(0, 0, 1)))
	_, err := uc.Register(context.Background(), input(csd))
	require.NoError(t, err)

	// dos días después el certificado venció ayer
	clock = now.AddDate(0, 0, 2)
	_, err = uc.Get(context.Background(), testutil.EmitterRFC)
	assert.ErrorIs(t, err, domain.ErrCredentialExpired)

	info, err := uc.Describe(context.Background(), testutil.EmitterRFC)
	require.NoError(t, err)
	assert.True(t, info.Expired)
}

func TestGet_NotFound(t *testing.T) {
	uc := newUseCase(t)
	_, err := uc.Get(context.Background(), testutil.EmitterRFC)
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
	assert.Equal(t, domain.KindCredential, domain.KindOf(err))
}

func TestGet_ConcurrentWithReplace(t *testing.T) {
	uc := newUseCase(t)
	csd := testutil.NewCSD(t, testutil.EmitterRFC)
	_, err := uc.Register(context.Background(), input(csd))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cred, err := uc.Get(context.Background(), testutil.EmitterRFC)
			if assert.NoError(t, err) {
				assert.Equal(t, csd.Passphrase, cred.Passphrase)
			}
		}()
		go func() {
			defer wg.Done()
			_, err := uc.Replace(context.Background(), input(csd))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

// stalledStore lecturas que no responden hasta que vence el contexto (base de datos colgada).
type stalledStore struct {
	*memory.CredentialStore
	stall atomic.Bool
}

func (s *stalledStore) GetByTaxID(ctx context.Context, taxID string) (*entity.Credential, error) {
	if s.stall.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.CredentialStore.GetByTaxID(ctx, taxID)
}

func TestGet_StalledStoreDoesNotHoldLock(t *testing.T) {
	v, err := vault.NewEphemeral()
	require.NoError(t, err)
	store := &stalledStore{CredentialStore: memory.NewCredentialStore()}
	uc := credentials.NewUseCase(store, v, credentials.WithStoreTimeout(30*time.Millisecond))
	csd := testutil.NewCSD(t, testutil.EmitterRFC)
	_, err = uc.Register(context.Background(), input(csd))
	require.NoError(t, err)

	store.stall.Store(true)
	readErr := make(chan error, 1)
	go func() {
		_, err := uc.Get(context.Background(), testutil.EmitterRFC)
		readErr <- err
	}()

	replaced := make(chan error, 1)
	go func() {
		_, err := uc.Replace(context.Background(), input(csd))
		replaced <- err
	}()

	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, context.DeadlineExceeded, "la lectura vence con su propio plazo")
	case <-time.After(2 * time.Second):
		t.Fatal("Get no respetó el plazo del repositorio")
	}
	select {
	case err := <-replaced:
		assert.NoError(t, err, "Replace avanza en cuanto la lectura colgada suelta el bloqueo")
	case <-time.After(2 * time.Second):
		t.Fatal("Replace quedó detrás de una lectura colgada")
	}

	store.stall.Store(false)
	_, err = uc.Describe(context.Background(), testutil.EmitterRFC)
	assert.NoError(t, err)
}

func TestFromP12(t *testing.T) {
	_, err := credentials.FromP12(testutil.EmitterRFC, []byte("no es pfx"), "x")
	assert.ErrorIs(t, err, domain.ErrCredentialFormat)
}

func TestRemote_VerifyAndSync(t *testing.T) {
	canon := infracfdi.NewCanonicalizer(infracfdi.NewTransformRegistry(infracfdi.DefaultTransforms()), nil)
	sandbox, err := pac.NewSandbox(canon)
	require.NoError(t, err)
	uc := newUseCase(t, credentials.WithRegistrar(sandbox, time.Second))
	ctx := context.Background()

	_, err = uc.Register(ctx, input(testutil.NewCSD(t, testutil.EmitterRFC)))
	require.NoError(t, err)

	ok, err := uc.VerifyRemote(ctx, testutil.EmitterRFC)
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := uc.SyncRemote(ctx, testutil.EmitterRFC)
	require.NoError(t, err)
	assert.False(t, res.AlreadyRegistered)
	assert.True(t, res.Uploaded)

	res, err = uc.SyncRemote(ctx, testutil.EmitterRFC)
	require.NoError(t, err)
	assert.True(t, res.AlreadyRegistered, "el alta es idempotente")

	ok, err = uc.VerifyRemote(ctx, testutil.EmitterRFC)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemote_WithoutRegistrar(t *testing.T) {
	uc := newUseCase(t)
	_, err := uc.VerifyRemote(context.Background(), testutil.EmitterRFC)
	assert.Error(t, err)
	_, err = uc.SyncRemote(context.Background(), testutil.EmitterRFC)
	assert.Error(t, err)
}
