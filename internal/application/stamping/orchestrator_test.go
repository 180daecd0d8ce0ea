package stamping_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/timbrado-cfdi/internal/application/credentials"
	"github.com/jhoicas/timbrado-cfdi/internal/application/stamping"
	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	infracfdi "github.com/jhoicas/timbrado-cfdi/internal/infrastructure/cfdi"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/cfdi/signer"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/memory"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/pac"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/vault"
	"github.com/jhoicas/timbrado-cfdi/internal/testutil"
	satcfdi "github.com/jhoicas/timbrado-cfdi/pkg/cfdi"
)

// countingSigner cuenta las llamadas al sellador real.
type countingSigner struct {
	inner *signer.DigitalSignatureService
	calls atomic.Int32
}

func (s *countingSigner) Sign(doc *entity.FiscalDocument, cred *entity.Credential) (*entity.SignedDocument, error) {
	s.calls.Add(1)
	return s.inner.Sign(doc, cred)
}

type fixture struct {
	store     *memory.Store
	sandbox   *pac.Sandbox
	authority pac.Authority // nil = sandbox
	signer  *countingSigner
	builder *infracfdi.XMLBuilderService
	creds   *credentials.UseCase
	metrics *stamping.Metrics
	orch    *stamping.Orchestrator
	clock   time.Time

	mu      sync.Mutex
	delays  []time.Duration
	onSleep func(ctx context.Context) error // recibe el contexto del trabajo
}

func newFixture(t *testing.T, opts ...stamping.Option) *fixture {
	t.Helper()
	f := &fixture{clock: time.Now()}
	f.builder = infracfdi.NewXMLBuilderService()
	canon := infracfdi.NewCanonicalizer(infracfdi.NewTransformRegistry(infracfdi.DefaultTransforms()), f.builder)
	f.signer = &countingSigner{inner: signer.NewDigitalSignatureService(canon, f.builder)}

	var err error
	f.sandbox, err = pac.NewSandbox(canon)
	require.NoError(t, err)

	v, err := vault.NewEphemeral()
	require.NoError(t, err)
	f.creds = credentials.NewUseCase(memory.NewCredentialStore(), v,
		credentials.WithClock(func() time.Time { return f.clock }))
	csd := testutil.NewCSD(t, testutil.EmitterRFC)
	_, err = f.creds.Register(context.Background(), credentials.RegisterInput{
		TaxID: csd.TaxID, Certificate: csd.CertificateDER, EncryptedKey: csd.EncryptedKeyDER, Passphrase: csd.Passphrase,
	})
	require.NoError(t, err)

	f.store = memory.NewStore()
	f.metrics = stamping.NewMetrics(prometheus.NewRegistry())
	f.orch = f.newOrchestrator(t, nil, opts...)
	return f
}

func (f *fixture) newOrchestrator(t *testing.T, locker stamping.DocumentLocker, opts ...stamping.Option) *stamping.Orchestrator {
	t.Helper()
	base := []stamping.Option{
		stamping.WithRetryPolicy(stamping.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 4 * time.Millisecond, Multiplier: 2}),
		stamping.WithMetrics(f.metrics),
		stamping.WithSleep(func(ctx context.Context, d time.Duration) error {
			f.mu.Lock()
			f.delays = append(f.delays, d)
			hook := f.onSleep
			f.mu.Unlock()
			if hook != nil {
				return hook(ctx)
			}
			return ctx.Err()
		}),
	}
	o, err := stamping.NewOrchestrator(stamping.Dependencies{
		Documents:   f.store,
		Records:     f.store,
		Stamps:      f.store.Stamps(),
		Tx:          f.store,
		Credentials: f.creds,
		Signer:      f.signer,
		Fingerprint: f.builder,
		Authority:   f.pac(),
		Locker:      locker,
	}, append(base, opts...)...)
	require.NoError(t, err)
	return o
}

func (f *fixture) pac() pac.Authority {
	if f.authority != nil {
		return f.authority
	}
	return f.sandbox
}

func (f *fixture) put(id, receiver string) *entity.FiscalDocument {
	doc := testutil.SampleDocument(id, receiver)
	if doc.Receiver.Name == "" {
		doc.Receiver.Name = "RECEPTOR REAL"
	}
	f.store.PutDocument(doc)
	return doc
}

func kindOf(t *testing.T, err error) *domain.StampingError {
	t.Helper()
	var se *domain.StampingError
	require.True(t, errors.As(err, &se), "se esperaba StampingError, llegó %v", err)
	return se
}

func TestStamp_TestReceiverHappyPath(t *testing.T) {
	f := newFixture(t)
	f.put("doc-1", "AAA010101AAA")

	res, err := f.orch.Stamp(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, entity.StateStamped, res.State)
	assert.False(t, res.AlreadyStamped)
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.Stamp)
	_, err = uuid.Parse(res.Stamp.UUID)
	assert.NoError(t, err, "UUID bien formado")

	st, err := f.orch.Status(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, entity.StateStamped, st.Record.State)
	assert.Equal(t, res.Stamp.UUID, st.Record.StampUUID)
	assert.NotEmpty(t, st.Record.PayloadFingerprint)
	require.Len(t, st.Attempts, 1)
	assert.Equal(t, entity.OutcomeStamped, st.Attempts[0].Outcome)
	require.NotNil(t, st.Stamp)
	assert.Equal(t, res.Stamp.UUID, st.Stamp.UUID)

	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.Attempts.WithLabelValues(string(pac.OutcomeStamped))))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.Terminal.WithLabelValues(string(entity.StateStamped), "")))
}

func TestStamp_ResubmissionReturnsSameUUID(t *testing.T) {
	f := newFixture(t)
	f.put("doc-1", "AAA010101AAA")

	first, err := f.orch.Stamp(context.Background(), "doc-1")
	require.NoError(t, err)
	second, err := f.orch.Stamp(context.Background(), "doc-1")
	require.NoError(t, err)

	assert.True(t, second.AlreadyStamped)
	assert.Equal(t, first.Stamp.UUID, second.Stamp.UUID)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.Equal(t, 1, f.sandbox.Calls("stamp"), "la llave se revisa localmente antes de enviar")
}

func TestStamp_ConcurrentCallsStampOnce(t *testing.T) {
	f := newFixture(t)
	f.put("doc-1", "AAA010101AAA")

	locker := stamping.NewLocalLocker()
	replicas := []*stamping.Orchestrator{f.newOrchestrator(t, locker), f.newOrchestrator(t, locker)}

	const n = 16
	uuids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := replicas[i%2].Stamp(context.Background(), "doc-1")
			if assert.NoError(t, err) {
				uuids[i] = res.Stamp.UUID
			}
		}(i)
	}
	wg.Wait()

	for _, u := range uuids {
		assert.Equal(t, uuids[0], u, "todos observan el mismo timbre")
	}
	assert.Equal(t, 1, f.sandbox.Calls("stamp"), "un solo envío al PAC")
}

func TestStamp_ExactRetryBound(t *testing.T) {
	f := newFixture(t)
	f.put("doc-1", "AAA010101AAA")
	f.sandbox.InjectStampFaults(pac.FaultTransient, pac.FaultTransient, pac.FaultTransient, pac.FaultTransient)

	_, err := f.orch.Stamp(context.Background(), "doc-1")
	require.Error(t, err)
	se := kindOf(t, err)
	assert.Equal(t, domain.KindRetriesExhausted, se.Kind)
	assert.True(t, se.Retryable, "el usuario puede reintentar")
	assert.ErrorIs(t, err, domain.ErrRetriesExhausted)
	assert.Equal(t, 3, f.sandbox.Calls("stamp"))
	assert.Equal(t, 2, f.sandbox.Calls("stamped"), "cada reenvío se concilia antes")
	assert.Len(t, f.delays, 2, "dos esperas entre tres envíos")
	assert.GreaterOrEqual(t, f.delays[1], f.delays[0], "espera exponencial")

	st, err := f.orch.Status(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, entity.StateRejected, st.Record.State)
	assert.Equal(t, entity.ReasonRetriesExhausted, st.Record.Reason)
	require.Len(t, st.Attempts, 3)
	for _, a := range st.Attempts {
		assert.Equal(t, entity.OutcomeTransient, a.Outcome)
	}

	// reintento manual: ciclo nuevo con la misma llave
	res, err := f.orch.Stamp(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts, "la falla restante se consume en el nuevo ciclo")
	assert.Equal(t, st.Record.IdempotencyKey, res.IdempotencyKey)
	assert.Equal(t, 5, f.sandbox.Calls("stamp"))
	assert.Equal(t, 4, f.sandbox.Calls("stamped"), "el ciclo nuevo empieza conciliando")

	st, err = f.orch.Status(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, st.Attempts, 5)
	for i, a := range st.Attempts {
		assert.Equal(t, i+1, a.Number, "la numeración sigue entre ciclos")
	}
}

func TestStamp_TransientThenSuccess(t *testing.T) {
	f := newFixture(t)
	f.put("doc-1", "AAA010101AAA")
	f.sandbox.InjectStampFaults(pac.FaultTransient)

	res, err := f.orch.Stamp(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, f.delays, 1)
	assert.Equal(t, 1, f.sandbox.Calls("stamped"))
}

func TestStamp_LostResponseDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)
	f.put("doc-1", "AAA010101AAA")
	f.sandbox.InjectStampFaults(pac.FaultLostResponse)

	res, err := f.orch.Stamp(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyStamped, "la consulta encuentra el timbre de la respuesta perdida")
	assert.Equal(t, 1, f.sandbox.Calls("stamp"), "no se reenvía")
	assert.Equal(t, 1, f.sandbox.Calls("stamped"))

	q, err := f.sandbox.QueryStamp(context.Background(), res.IdempotencyKey, nil)
	require.NoError(t, err)
	assert.Equal(t, res.Stamp.UUID, q.Stamp.UUID)
}

func TestStamp_AuthorityRejectionIsTerminal(t *testing.T) {
	f := newFixture(t)
	doc := f.put("doc-1", "CUPU800825569")

	_, err := f.orch.Stamp(context.Background(), "doc-1")
	require.Error(t, err)
	se := kindOf(t, err)
	assert.Equal(t, domain.KindAuthorityRejection, se.Kind)
	assert.Equal(t, "CFDI40143", se.Code)
	assert.Equal(t, "Este RFC del receptor no existe en la lista de RFC inscritos no cancelados del SAT.", se.Message)
	assert.NotEmpty(t, se.Action)
	assert.False(t, se.Retryable)
	assert.Equal(t, 1, f.sandbox.Calls("stamp"))

	_, err = f.orch.Stamp(context.Background(), "doc-1")
	require.Error(t, err)
	assert.Equal(t, "CFDI40143", kindOf(t, err).Code)
	assert.Equal(t, 1, f.sandbox.Calls("stamp"), "sin cambios no se reenvía")

	doc.Receiver.TaxID = "AAA010101AAA"
	doc.Receiver.Name = satcfdi.TestRFCs["AAA010101AAA"]
	f.store.PutDocument(doc)
	res, err := f.orch.Stamp(context.Background(), "doc-1")
	require.NoError(t, err, "el comprobante corregido se vuelve a sellar y enviar")
	assert.Equal(t, entity.StateStamped, res.State)
	assert.Equal(t, 2, f.sandbox.Calls("stamp"))
}

func TestStamp_MissingTotalNeverReachesNetwork(t *testing.T) {
	f := newFixture(t)
	doc := testutil.SampleDocument("doc-1", "AAA010101AAA")
	doc.Total = decimal.NullDecimal{}
	f.store.PutDocument(doc)

	_, err := f.orch.Stamp(context.Background(), "doc-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCanonicalization)
	se := kindOf(t, err)
	assert.Equal(t, domain.KindPreparation, se.Kind)
	assert.False(t, se.Retryable)
	assert.Zero(t, f.sandbox.Calls("stamp"))

	st, err := f.orch.Status(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, entity.StateRejected, st.Record.State)
	assert.Equal(t, entity.ReasonPreparation, st.Record.Reason)
	assert.Empty(t, st.Attempts)
}

func TestStamp_ExpiredCredentialSkipsSigning(t *testing.T) {
	f := newFixture(t)
	f.put("doc-1", "AAA010101AAA")
	f.clock = time.Now().AddDate(2, 0, 0) // el CSD venció

	_, err := f.orch.Stamp(context.Background(), "doc-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCredentialExpired)
	assert.Equal(t, domain.KindCredential, kindOf(t, err).Kind)
	assert.Zero(t, f.signer.calls.Load(), "no se intenta sellar")
	assert.Zero(t, f.sandbox.Calls("stamp"))

	st, err := f.orch.Status(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, entity.ReasonCredential, st.Record.Reason)
}

func TestStamp_InterruptedThenReconciled(t *testing.T) {
	f := newFixture(t)
	f.put("doc-1", "AAA010101AAA")
	f.sandbox.InjectStampFaults(pac.FaultHang)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := f.orch.Stamp(ctx, "doc-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInterrupted)
	assert.True(t, kindOf(t, err).Retryable)

	st, err := f.orch.Status(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, entity.StateSubmitting, st.Record.State, "el envío queda pendiente de conciliar")
	require.Len(t, st.Attempts, 1)
	assert.Equal(t, entity.OutcomeInterrupted, st.Attempts[0].Outcome)

	res, err := f.orch.Stamp(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyStamped)
	assert.Equal(t, 1, f.sandbox.Calls("stamp"), "se concilia por consulta, no se reenvía")
	assert.Equal(t, 1, f.sandbox.Calls("stamped"))
}

func TestStamp_InterruptedBeforeAuthorityStamped(t *testing.T) {
	f := newFixture(t)
	f.put("doc-1", "AAA010101AAA")
	f.sandbox.InjectStampFaults(pac.FaultTransient)

	ctx, cancel := context.WithCancel(context.Background())
	// el llamador se va durante la espera; el trabajo termina al ver su contexto cancelado
	f.onSleep = func(work context.Context) error {
		cancel()
		<-work.Done()
		return work.Err()
	}
	_, err := f.orch.Stamp(ctx, "doc-1")
	require.ErrorIs(t, err, domain.ErrInterrupted)
	f.onSleep = nil

	st, err := f.orch.Status(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, entity.StateAwaitingRetry, st.Record.State)

	res, err := f.orch.Stamp(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.False(t, res.AlreadyStamped, "la consulta no encontró timbre y se envió de nuevo")
	assert.Equal(t, 1, f.sandbox.Calls("stamped"))
	assert.Equal(t, 2, f.sandbox.Calls("stamp"))
}

func TestStamp_OwnCallTimeoutIsTransient(t *testing.T) {
	f := newFixture(t, stamping.WithCallTimeout(20*time.Millisecond))
	f.put("doc-1", "AAA010101AAA")
	f.sandbox.InjectStampFaults(pac.FaultHang)

	res, err := f.orch.Stamp(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyStamped)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, f.sandbox.Calls("stamp"), "el timbre se recupera por consulta")
}

// forgetfulAuthority PAC que no reconoce reenvíos: cada envío se timbra como nuevo.
// La respuesta del primero nunca llega.
type forgetfulAuthority struct {
	*pac.Sandbox
	sends atomic.Int32
}

func (a *forgetfulAuthority) Stamp(ctx context.Context, signed *entity.SignedDocument, key string) (*pac.StampResult, error) {
	n := a.sends.Add(1)
	res, err := a.Sandbox.Stamp(ctx, signed, fmt.Sprintf("%s#%d", key, n))
	if err != nil || n > 1 {
		return res, err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (a *forgetfulAuthority) QueryStamp(ctx context.Context, key string, signed *entity.SignedDocument) (*pac.StampResult, error) {
	return a.Sandbox.QueryStamp(ctx, key+"#1", signed)
}

func TestStamp_TimeoutReconcilesBeforeResend(t *testing.T) {
	f := newFixture(t)
	authority := &forgetfulAuthority{Sandbox: f.sandbox}
	f.authority = authority
	f.orch = f.newOrchestrator(t, nil, stamping.WithCallTimeout(20*time.Millisecond))
	f.put("doc-1", "AAA010101AAA")

	res, err := f.orch.Stamp(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyStamped)
	assert.Equal(t, int32(1), authority.sends.Load(), "sin reenvío no hay segundo UUID")
	assert.GreaterOrEqual(t, f.sandbox.Calls("stamped"), 1)

	q, err := f.sandbox.QueryStamp(context.Background(), res.IdempotencyKey+"#1", nil)
	require.NoError(t, err)
	assert.Equal(t, q.Stamp.UUID, res.Stamp.UUID)
}

func TestStamp_RetriesExhaustedReconcilesBeforeRestart(t *testing.T) {
	f := newFixture(t)
	f.put("doc-1", "AAA010101AAA")
	// el tercer envío se timbra pero la respuesta se pierde
	f.sandbox.InjectStampFaults(pac.FaultTransient, pac.FaultTransient, pac.FaultLostResponse)

	_, err := f.orch.Stamp(context.Background(), "doc-1")
	require.ErrorIs(t, err, domain.ErrRetriesExhausted)
	require.Equal(t, 3, f.sandbox.Calls("stamp"))

	res, err := f.orch.Stamp(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyStamped)
	assert.Equal(t, 3, f.sandbox.Calls("stamp"), "se concilia en lugar de reiniciar el ciclo")

	q, err := f.sandbox.QueryStamp(context.Background(), res.IdempotencyKey, nil)
	require.NoError(t, err)
	assert.Equal(t, q.Stamp.UUID, res.Stamp.UUID)
}

// bareAuthority contesta "ya timbrado" sin los datos del timbre y su primera consulta falla.
type bareAuthority struct {
	*pac.Sandbox
	queries atomic.Int32
}

func (a *bareAuthority) Stamp(ctx context.Context, signed *entity.SignedDocument, key string) (*pac.StampResult, error) {
	res, err := a.Sandbox.Stamp(ctx, signed, key)
	if err != nil || !res.Outcome.IsSuccess() {
		return res, err
	}
	return &pac.StampResult{Outcome: pac.OutcomeAlreadyStamped, Code: "307", Message: "el CFDI contiene un timbre previo"}, nil
}

func (a *bareAuthority) QueryStamp(ctx context.Context, key string, signed *entity.SignedDocument) (*pac.StampResult, error) {
	if a.queries.Add(1) == 1 {
		return nil, errors.New("conexión rechazada")
	}
	return a.Sandbox.QueryStamp(ctx, key, signed)
}

func TestStamp_StampWithoutDataAndFailedQuery(t *testing.T) {
	f := newFixture(t)
	authority := &bareAuthority{Sandbox: f.sandbox}
	f.authority = authority
	f.orch = f.newOrchestrator(t, nil)
	f.put("doc-1", "AAA010101AAA")

	res, err := f.orch.Stamp(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyStamped)
	assert.Equal(t, 1, f.sandbox.Calls("stamp"))
	assert.Equal(t, int32(2), authority.queries.Load())

	st, err := f.orch.Status(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, st.Attempts, 1)
	assert.Equal(t, entity.OutcomeTransient, st.Attempts[0].Outcome)
	assert.Contains(t, st.Attempts[0].Message, "conexión rechazada", "la bitácora conserva la falla de la consulta")
}

// gatedAuthority retiene los envíos hasta que se abre la compuerta.
type gatedAuthority struct {
	*pac.Sandbox
	entries atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (a *gatedAuthority) Stamp(ctx context.Context, signed *entity.SignedDocument, key string) (*pac.StampResult, error) {
	a.entries.Add(1)
	select {
	case a.entered <- struct{}{}:
	default:
	}
	select {
	case <-a.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return a.Sandbox.Stamp(ctx, signed, key)
}

func TestStamp_FirstCallerLeavingDoesNotAbortOthers(t *testing.T) {
	f := newFixture(t)
	gate := &gatedAuthority{Sandbox: f.sandbox, entered: make(chan struct{}, 1), release: make(chan struct{})}
	f.authority = gate
	f.orch = f.newOrchestrator(t, nil)
	f.put("doc-1", "AAA010101AAA")

	firstCtx, leave := context.WithCancel(context.Background())
	defer leave()
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.orch.Stamp(firstCtx, "doc-1")
		firstErr <- err
	}()
	<-gate.entered

	type outcome struct {
		res *stamping.Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := f.orch.Stamp(context.Background(), "doc-1")
		second <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond) // el segundo se une al trabajo en curso

	leave()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, domain.ErrInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("el primer llamador no regresó al cancelar")
	}

	close(gate.release)
	select {
	case got := <-second:
		require.NoError(t, got.err)
		assert.Equal(t, entity.StateStamped, got.res.State)
	case <-time.After(2 * time.Second):
		t.Fatal("el segundo llamador no recibió el timbre")
	}
	assert.Equal(t, int32(1), gate.entries.Load(), "el trabajo no se reinició")
	assert.Equal(t, 1, f.sandbox.Calls("stamp"))
}

func TestStamp_PayloadDriftResignsAfterReconcile(t *testing.T) {
	f := newFixture(t)
	doc := f.put("doc-1", "AAA010101AAA")
	f.sandbox.InjectStampFaults(pac.FaultTransient)

	var before string
	f.onSleep = func(context.Context) error {
		st, err := f.orch.Status(context.Background(), "doc-1")
		require.NoError(t, err)
		before = st.Record.PayloadFingerprint
		changed := doc.Clone()
		changed.Concepts[0].Description = "Servicio de facturación ajustado"
		f.store.PutDocument(changed)
		return nil
	}

	res, err := f.orch.Stamp(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.False(t, res.AlreadyStamped)
	assert.Equal(t, 1, f.sandbox.Calls("stamped"), "se concilia antes de resellar")
	assert.Equal(t, int32(2), f.signer.calls.Load())

	st, err := f.orch.Status(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.NotEqual(t, before, st.Record.PayloadFingerprint)
}

func TestStamp_UnknownDocument(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Stamp(context.Background(), "no-existe")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.orch.Status(context.Background(), "no-existe")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.put("doc-1", "AAA010101AAA")
	f.put("doc-2", "AAA010101AAA")
	ctx := context.Background()

	_, err := f.orch.Cancel(ctx, stamping.CancelInput{DocumentID: "doc-2", Motive: "02"})
	assert.ErrorIs(t, err, domain.ErrNotStamped)

	stamped, err := f.orch.Stamp(ctx, "doc-1")
	require.NoError(t, err)

	_, err = f.orch.Cancel(ctx, stamping.CancelInput{DocumentID: "doc-1", Motive: "01"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "el motivo 01 exige sustituto")
	_, err = f.orch.Cancel(ctx, stamping.CancelInput{DocumentID: "doc-1", Motive: "09"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	res, err := f.orch.Cancel(ctx, stamping.CancelInput{DocumentID: "doc-1", Motive: "02"})
	require.NoError(t, err)
	assert.Equal(t, entity.StateCancelled, res.State)
	assert.Equal(t, stamped.Stamp.UUID, res.UUID)
	assert.False(t, res.AlreadyCancelled)
	assert.NotEmpty(t, res.Acknowledgement)

	again, err := f.orch.Cancel(ctx, stamping.CancelInput{DocumentID: "doc-1", Motive: "02"})
	require.NoError(t, err)
	assert.True(t, again.AlreadyCancelled)
	assert.Equal(t, 1, f.sandbox.Calls("cancel"))

	_, err = f.orch.Stamp(ctx, "doc-1")
	assert.ErrorIs(t, err, domain.ErrAlreadyCancelled)

	st, err := f.orch.Status(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, entity.StateCancelled, st.Record.State)
	assert.NotNil(t, st.Stamp)
}

func TestNewOrchestrator_RequiresDependencies(t *testing.T) {
	_, err := stamping.NewOrchestrator(stamping.Dependencies{})
	assert.Error(t, err)
}
