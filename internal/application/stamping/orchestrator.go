// Package stamping orquesta el ciclo de timbrado de un comprobante:
//
//	Draft → CanonicalizationPending → Signed → Submitting → Stamped | Rejected | AwaitingRetry
//
// Cada transición se persiste antes de continuar. Un envío cuyo resultado no se conoce
// (proceso caído, llamador cancelado) se concilia consultando al PAC con la misma llave de
// idempotencia antes de cualquier envío nuevo.
package stamping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	domaincfdi "github.com/jhoicas/timbrado-cfdi/internal/domain/cfdi"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/repository"
	"github.com/jhoicas/timbrado-cfdi/internal/infrastructure/pac"
	satcfdi "github.com/jhoicas/timbrado-cfdi/pkg/cfdi"
	"github.com/jhoicas/timbrado-cfdi/pkg/logger"
)

// CredentialProvider entrega el CSD vigente del emisor, con la contraseña abierta.
type CredentialProvider interface {
	Get(ctx context.Context, taxID string) (*entity.Credential, error)
}

// Fingerprinter huella del comprobante sin sellar.
type Fingerprinter interface {
	Fingerprint(doc *entity.FiscalDocument) (string, error)
}

// Dependencies puertos que usa el orquestador. Todos son obligatorios salvo Locker.
type Dependencies struct {
	Documents   repository.FiscalDocumentRepository
	Records     repository.StampingRepository
	Stamps      repository.FiscalStampRepository
	Tx          repository.StampingTxRunner
	Credentials CredentialProvider
	Signer      satcfdi.Signer
	Fingerprint Fingerprinter
	Authority   pac.Authority
	Locker      DocumentLocker // nil = LocalLocker
}

// Option ajusta el orquestador.
type Option func(*Orchestrator)

// WithRetryPolicy reemplaza la política de reintentos.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithCallTimeout tope de cada llamada al PAC.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithMetrics registra métricas de intentos y estados.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger inyecta el logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithClock reemplaza el reloj.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep reemplaza la espera entre reintentos (pruebas).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// Orchestrator conduce la máquina de estados de timbrado y cancelación.
type Orchestrator struct {
	docs        repository.FiscalDocumentRepository
	records     repository.StampingRepository
	stamps      repository.FiscalStampRepository
	tx          repository.StampingTxRunner
	creds       CredentialProvider
	signer      satcfdi.Signer
	fingerprint Fingerprinter
	authority   pac.Authority
	locker      DocumentLocker

	policy      RetryPolicy
	callTimeout time.Duration
	metrics     *Metrics
	log         *logger.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	group    singleflight.Group
	mu       sync.Mutex
	inflight map[string]*flight
}

// flight trabajo compartido de un comprobante. Corre con su propio contexto: se cancela
// solo cuando ya no queda nadie esperando el resultado.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewOrchestrator construye el orquestador.
func NewOrchestrator(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Documents == nil, deps.Records == nil, deps.Stamps == nil, deps.Tx == nil:
		return nil, errors.New("stamping: faltan repositorios")
	case deps.Credentials == nil, deps.Signer == nil, deps.Fingerprint == nil:
		return nil, errors.New("stamping: faltan CSD, sellador o huella")
	case deps.Authority == nil:
		return nil, errors.New("stamping: falta el PAC")
	}
	o := &Orchestrator{
		docs:        deps.Documents,
		records:     deps.Records,
		stamps:      deps.Stamps,
		tx:          deps.Tx,
		creds:       deps.Credentials,
		signer:      deps.Signer,
		fingerprint: deps.Fingerprint,
		authority:   deps.Authority,
		locker:      deps.Locker,
		policy:      DefaultRetryPolicy(),
		callTimeout: 90 * time.Second,
		log:         logger.Nop(),
		now:         time.Now,
		sleep:       sleepContext,
		inflight:    make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.locker == nil {
		o.locker = NewLocalLocker()
	}
	if o.policy.MaxAttempts < 1 {
		o.policy.MaxAttempts = 1
	}
	return o, nil
}

// Result comprobante timbrado.
type Result struct {
	DocumentID     string
	IdempotencyKey string
	State          entity.StampState
	Stamp          *entity.FiscalStamp
	AlreadyStamped bool // el timbre ya existía antes de esta llamada
	Attempts       int
}

// Status estado persistido y bitácora de intentos.
type Status struct {
	Record   *entity.StampingRecord
	Attempts []*entity.StampingAttempt
	Stamp    *entity.FiscalStamp
}

// Stamp timbra el comprobante. Las llamadas concurrentes para el mismo documento comparten
// el resultado de la primera; como mucho hay un envío en vuelo por documento.
// Si un llamador cancela, los demás siguen esperando; el trabajo se interrumpe solo cuando
// el último se va.
func (o *Orchestrator) Stamp(ctx context.Context, documentID string) (*Result, error) {
	o.mu.Lock()
	fl, ok := o.inflight[documentID]
	if !ok {
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{ctx: wctx, cancel: cancel}
		o.inflight[documentID] = fl
	}
	fl.waiters++
	ch := o.group.DoChan(documentID, func() (any, error) {
		defer o.land(documentID, fl)
		return o.stamp(fl.ctx, documentID)
	})
	o.mu.Unlock()

	select {
	case r := <-ch:
		if r.Shared {
			o.log.Debug().Str("document_id", documentID).Msg("timbrado concurrente: se comparte el resultado")
		}
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Result), nil
	case <-ctx.Done():
	}

	o.mu.Lock()
	fl.waiters--
	last := fl.waiters == 0
	if last {
		fl.cancel()
		o.forget(documentID, fl)
	}
	o.mu.Unlock()
	if !last {
		return nil, interrupted("stamp", ctx.Err())
	}
	// se espera a que el trabajo interrumpido deje su estado persistido
	r := <-ch
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Val.(*Result), nil
}

// land cierra el trabajo compartido; los llamadores que lleguen después empiezan uno nuevo.
func (o *Orchestrator) land(documentID string, fl *flight) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fl.cancel()
	o.forget(documentID, fl)
}

func (o *Orchestrator) forget(documentID string, fl *flight) {
	if o.inflight[documentID] == fl {
		delete(o.inflight, documentID)
		o.group.Forget(documentID)
	}
}

func (o *Orchestrator) stamp(ctx context.Context, documentID string) (*Result, error) {
	unlock, err := o.locker.Lock(ctx, documentID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, interrupted("stamp", ctx.Err())
		}
		return nil, fmt.Errorf("stamping: bloqueo de %s: %w", documentID, err)
	}
	defer unlock()

	doc, err := o.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("stamping: leer comprobante %s: %w", documentID, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: comprobante %s", domain.ErrNotFound, documentID)
	}
	rec, err := o.loadRecord(ctx, doc)
	if err != nil {
		return nil, err
	}

	switch rec.State {
	case entity.StateStamped:
		return o.existing(ctx, rec)
	case entity.StateCancelled:
		return nil, &domain.StampingError{
			Kind: domain.KindConflict, Op: "stamp",
			Message: "el comprobante fue cancelado; emita uno nuevo",
			Err:     domain.ErrAlreadyCancelled,
		}
	case entity.StateSubmitting, entity.StateAwaitingRetry:
		return o.resume(ctx, doc, rec)
	case entity.StateRejected:
		if rec.Reason == entity.ReasonRetriesExhausted {
			// el último envío terminó sin respuesta: el PAC pudo haberlo timbrado
			return o.resume(ctx, doc, rec)
		}
		fp, err := o.fingerprint.Fingerprint(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrCanonicalization, err)
		}
		if !domaincfdi.CanRestart(rec, fp) {
			return nil, rejectionFromRecord(rec)
		}
		fallthrough
	case entity.StateCanonicalizationPending, entity.StateSigned:
		if err := domaincfdi.Restart(rec); err != nil {
			return nil, err
		}
	}
	return o.runCycle(ctx, doc, rec)
}

// loadRecord registro del comprobante; el primero fija la llave de idempotencia para siempre.
func (o *Orchestrator) loadRecord(ctx context.Context, doc *entity.FiscalDocument) (*entity.StampingRecord, error) {
	rec, err := o.records.GetRecord(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("stamping: leer registro %s: %w", doc.ID, err)
	}
	if rec != nil {
		return rec, nil
	}
	key, err := domaincfdi.IdempotencyKey(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidDocument, err)
	}
	now := o.now()
	rec = &entity.StampingRecord{
		DocumentID:     doc.ID,
		IdempotencyKey: key,
		EmitterTaxID:   satcfdi.NormalizeRFC(doc.Emitter.TaxID),
		State:          entity.StateDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// resume un envío previo no tiene resultado conocido: primero se pregunta al PAC.
func (o *Orchestrator) resume(ctx context.Context, doc *entity.FiscalDocument, rec *entity.StampingRecord) (*Result, error) {
	log := o.log.With().Str("document_id", rec.DocumentID).Str("idempotency_key", rec.IdempotencyKey).
		Str("state", string(rec.State)).Logger()
	log.Info().Msg("envío previo sin resultado: conciliando con el PAC")

	signed, err := o.prepare(ctx, doc)
	if err != nil {
		return nil, err
	}
	stamp, err := o.reconcile(ctx, rec, signed)
	if err != nil {
		return nil, err
	}
	if stamp != nil {
		return o.commitStamped(ctx, rec, stamp, true)
	}
	// el PAC no lo tiene: ciclo nuevo con la misma llave
	if err := domaincfdi.Restart(rec); err != nil {
		return nil, err
	}
	return o.runCycle(ctx, doc, rec)
}

func (o *Orchestrator) runCycle(ctx context.Context, doc *entity.FiscalDocument, rec *entity.StampingRecord) (*Result, error) {
	if err := o.transition(ctx, rec, entity.StateDraft, entity.StateCanonicalizationPending); err != nil {
		return nil, err
	}
	signed, err := o.prepare(ctx, doc)
	if err != nil {
		return nil, o.failPreparation(ctx, rec, err)
	}
	rec.PayloadFingerprint = signed.PayloadFingerprint
	if err := o.transition(ctx, rec, entity.StateCanonicalizationPending, entity.StateSigned); err != nil {
		return nil, err
	}

	// la numeración de la bitácora sigue a través de los ciclos; Attempts cuenta solo el actual
	seq, err := o.lastAttemptNumber(ctx, rec.DocumentID)
	if err != nil {
		return nil, err
	}
	bo := o.policy.newBackOff()
	for {
		from := rec.State
		rec.Attempts++
		seq++
		if err := o.transition(ctx, rec, from, entity.StateSubmitting); err != nil {
			return nil, err
		}
		log := o.log.With().Str("document_id", rec.DocumentID).Str("idempotency_key", rec.IdempotencyKey).
			Int("attempt", seq).Int("cycle_attempt", rec.Attempts).Logger()

		attempt := &entity.StampingAttempt{
			DocumentID:     rec.DocumentID,
			IdempotencyKey: rec.IdempotencyKey,
			Number:         seq,
			Outcome:        entity.OutcomePending,
			StartedAt:      o.now(),
		}
		if err := o.records.AppendAttempt(ctx, attempt); err != nil {
			return nil, fmt.Errorf("stamping: registrar intento: %w", err)
		}

		res, err := o.callStamp(ctx, signed, rec.IdempotencyKey)
		if err != nil {
			// cancelado por el llamador: el registro queda en Submitting para conciliar después
			o.finishAttempt(ctx, attempt, entity.OutcomeInterrupted, "", err.Error())
			log.Warn().Err(err).Msg("timbrado interrumpido")
			return nil, interrupted("stamp", err)
		}

		switch res.Outcome {
		case pac.OutcomeStamped, pac.OutcomeAlreadyStamped:
			stamp := res.Stamp
			if stamp == nil {
				// 307 sin datos del timbre: se recupera por consulta
				var rerr error
				stamp, rerr = o.reconcile(ctx, rec, signed)
				if rerr != nil {
					if ctx.Err() != nil {
						o.finishAttempt(ctx, attempt, entity.OutcomeInterrupted, res.Code, rerr.Error())
						return nil, rerr
					}
					log.Warn().Err(rerr).Str("pac_code", res.Code).
						Msg("el PAC respondió timbrado sin timbre y la consulta falló; se trata como falla transitoria")
					res.Message = fmt.Sprintf("%s (consulta fallida: %v)", res.Message, rerr)
				}
			}
			if stamp != nil {
				o.finishAttempt(ctx, attempt, entity.OutcomeStamped, res.Code, res.Message)
				log.Info().Str("uuid", stamp.UUID).Str("pac_code", res.Code).Msg("comprobante timbrado")
				return o.commitStamped(ctx, rec, stamp, res.Outcome == pac.OutcomeAlreadyStamped)
			}
		case pac.OutcomeRejected:
			o.finishAttempt(ctx, attempt, entity.OutcomeRejected, res.Code, res.Message)
			log.Warn().Str("pac_code", res.Code).Str("pac_message", res.Message).Msg("el PAC rechazó el comprobante")
			return nil, o.reject(ctx, rec, entity.ReasonAuthorityRejection, res.Code, res.Message)
		}

		o.finishAttempt(ctx, attempt, entity.OutcomeTransient, res.Code, res.Message)
		if !o.policy.CanRetry(rec.Attempts) {
			log.Warn().Str("pac_code", res.Code).Msg("reintentos agotados")
			return nil, o.reject(ctx, rec, entity.ReasonRetriesExhausted, res.Code,
				fmt.Sprintf("el PAC no respondió tras %d intentos: %s", rec.Attempts, res.Message))
		}
		if err := o.transition(ctx, rec, entity.StateSubmitting, entity.StateAwaitingRetry); err != nil {
			return nil, err
		}
		delay := bo.NextBackOff()
		log.Info().Dur("delay", delay).Str("pac_code", res.Code).Msg("falla transitoria; se reintentará")
		if err := o.sleep(ctx, delay); err != nil {
			return nil, interrupted("stamp", err)
		}

		next, done, err := o.recheck(ctx, rec, signed)
		if err != nil || done != nil {
			return done, err
		}
		signed = next
	}
}

// recheck antes de reenviar. El intento anterior terminó sin resultado conocido, así que
// primero se concilia la llave; si el comprobante cambió desde el sellado, se vuelve a sellar
// en lugar de reenviar el sello viejo. Con error de consulta el registro queda en
// AwaitingRetry y la siguiente llamada concilia de nuevo.
func (o *Orchestrator) recheck(ctx context.Context, rec *entity.StampingRecord, signed *entity.SignedDocument) (*entity.SignedDocument, *Result, error) {
	doc, err := o.docs.GetByID(ctx, rec.DocumentID)
	if err != nil {
		return nil, nil, fmt.Errorf("stamping: releer comprobante %s: %w", rec.DocumentID, err)
	}
	if doc == nil {
		return nil, nil, fmt.Errorf("%w: comprobante %s", domain.ErrNotFound, rec.DocumentID)
	}
	fp, err := o.fingerprint.Fingerprint(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", domain.ErrCanonicalization, err)
	}
	drifted := fp != rec.PayloadFingerprint

	stamp, err := o.reconcile(ctx, rec, signed)
	if err != nil {
		var se *domain.StampingError
		if drifted && errors.As(err, &se) && se.Kind == domain.KindTransport {
			se.Err = fmt.Errorf("%w (%w)", se.Err, domain.ErrStalePayload)
		}
		return nil, nil, err
	}
	if stamp != nil {
		o.log.Info().Str("document_id", rec.DocumentID).Str("uuid", stamp.UUID).
			Msg("el PAC ya tenía timbre para la llave; no se reenvía")
		res, err := o.commitStamped(ctx, rec, stamp, true)
		return nil, res, err
	}
	if !drifted {
		return signed, nil, nil
	}

	o.log.Warn().Str("document_id", rec.DocumentID).Msg("el comprobante cambió después de sellarse; se vuelve a sellar")
	fresh, err := o.prepare(ctx, doc)
	if err != nil {
		if rerr := domaincfdi.Restart(rec); rerr != nil {
			return nil, nil, rerr
		}
		if terr := o.transition(ctx, rec, entity.StateDraft, entity.StateCanonicalizationPending); terr != nil {
			return nil, nil, terr
		}
		return nil, nil, o.failPreparation(ctx, rec, err)
	}
	rec.PayloadFingerprint = fresh.PayloadFingerprint
	if err := o.save(ctx, rec); err != nil {
		return nil, nil, err
	}
	return fresh, nil, nil
}

func (o *Orchestrator) lastAttemptNumber(ctx context.Context, documentID string) (int, error) {
	attempts, err := o.records.ListAttempts(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("stamping: leer intentos de %s: %w", documentID, err)
	}
	last := 0
	for _, a := range attempts {
		if a.Number > last {
			last = a.Number
		}
	}
	return last, nil
}

// prepare valida, obtiene el CSD y sella. Nada de esto toca la red.
func (o *Orchestrator) prepare(ctx context.Context, doc *entity.FiscalDocument) (*entity.SignedDocument, error) {
	if err := domaincfdi.ValidateDocument(doc); err != nil {
		return nil, err
	}
	cred, err := o.creds.Get(ctx, doc.Emitter.TaxID)
	if err != nil {
		return nil, err
	}
	return o.signer.Sign(doc, cred)
}

func (o *Orchestrator) failPreparation(ctx context.Context, rec *entity.StampingRecord, cause error) error {
	kind := domain.KindOf(cause)
	var reason entity.FailureReason
	switch kind {
	case domain.KindPreparation:
		reason = entity.ReasonPreparation
	case domain.KindCredential:
		reason = entity.ReasonCredential
	default:
		// falla de infraestructura: no es culpa del comprobante
		if err := o.transition(ctx, rec, entity.StateCanonicalizationPending, entity.StateDraft); err != nil {
			return err
		}
		return cause
	}
	o.log.Warn().Err(cause).Str("document_id", rec.DocumentID).Str("reason", string(reason)).Msg("el comprobante no se pudo preparar")

	rec.Reason = reason
	rec.ErrorCode = ""
	rec.ErrorMessage = cause.Error()
	if err := o.transition(ctx, rec, entity.StateCanonicalizationPending, entity.StateRejected); err != nil {
		return err
	}
	o.metrics.terminal(string(entity.StateRejected), string(reason))
	return &domain.StampingError{
		Kind: kind, Op: "stamp", Message: cause.Error(),
		Action: domain.SuggestedAction(kind), Retryable: false, Err: cause,
	}
}

// reject cierra el ciclo en Rejected desde Submitting.
func (o *Orchestrator) reject(ctx context.Context, rec *entity.StampingRecord, reason entity.FailureReason, code, message string) error {
	rec.Reason = reason
	rec.ErrorCode = code
	rec.ErrorMessage = message
	if err := o.transition(ctx, rec, entity.StateSubmitting, entity.StateRejected); err != nil {
		return err
	}
	o.metrics.terminal(string(entity.StateRejected), string(reason))
	return rejectionFromRecord(rec)
}

func rejectionFromRecord(rec *entity.StampingRecord) error {
	kind, sentinel := domain.KindAuthorityRejection, domain.ErrAuthorityRejected
	switch rec.Reason {
	case entity.ReasonRetriesExhausted:
		kind, sentinel = domain.KindRetriesExhausted, domain.ErrRetriesExhausted
	case entity.ReasonPreparation:
		kind, sentinel = domain.KindPreparation, domain.ErrInvalidDocument
	case entity.ReasonCredential:
		kind, sentinel = domain.KindCredential, domain.ErrCredentialNotFound
	}
	return &domain.StampingError{
		Kind: kind, Op: "stamp", Code: rec.ErrorCode, Message: rec.ErrorMessage,
		Action: domain.SuggestedAction(kind), Retryable: kind.Retryable(), Err: sentinel,
	}
}

// reconcile consulta al PAC por la llave. nil, nil: el PAC no tiene timbre para ella.
func (o *Orchestrator) reconcile(ctx context.Context, rec *entity.StampingRecord, signed *entity.SignedDocument) (*entity.FiscalStamp, error) {
	cctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	start := time.Now()
	res, err := o.authority.QueryStamp(cctx, rec.IdempotencyKey, signed)
	o.metrics.observePAC("stamped", start)
	if err != nil {
		o.metrics.reconciled("error")
		if ctx.Err() != nil {
			return nil, interrupted("reconcile", ctx.Err())
		}
		return nil, &domain.StampingError{
			Kind: domain.KindTransport, Op: "reconcile", Message: err.Error(),
			Action: domain.SuggestedAction(domain.KindTransport), Retryable: true,
			Err: fmt.Errorf("%w: %w", domain.ErrReconcilePending, err),
		}
	}
	switch res.Outcome {
	case pac.OutcomeStamped, pac.OutcomeAlreadyStamped:
		if res.Stamp != nil {
			o.metrics.reconciled("found")
			return res.Stamp, nil
		}
	case pac.OutcomeNotFound:
		o.metrics.reconciled("not_found")
		return nil, nil
	}
	o.metrics.reconciled("pending")
	return nil, &domain.StampingError{
		Kind: domain.KindTransport, Op: "reconcile", Code: res.Code, Message: res.Message,
		Action: domain.SuggestedAction(domain.KindTransport), Retryable: true,
		Err: domain.ErrReconcilePending,
	}
}

// callStamp un envío con tope de tiempo. Solo devuelve error si el llamador canceló;
// el vencimiento del tope propio es una falla transitoria.
func (o *Orchestrator) callStamp(ctx context.Context, signed *entity.SignedDocument, key string) (*pac.StampResult, error) {
	cctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	start := time.Now()
	res, err := o.authority.Stamp(cctx, signed, key)
	o.metrics.observePAC("stamp", start)
	if err != nil {
		if ctx.Err() != nil {
			o.metrics.attempt(string(entity.OutcomeInterrupted))
			return nil, ctx.Err()
		}
		res = &pac.StampResult{Outcome: pac.OutcomeTransient, Message: err.Error()}
	}
	o.metrics.attempt(string(res.Outcome))
	return res, nil
}

func (o *Orchestrator) commitStamped(ctx context.Context, rec *entity.StampingRecord, stamp *entity.FiscalStamp, already bool) (*Result, error) {
	pctx, cancel := o.persistContext(ctx)
	defer cancel()

	next := *rec
	if err := domaincfdi.Transition(&next, next.State, entity.StateStamped); err != nil {
		return nil, err
	}
	next.StampUUID = stamp.UUID
	next.Reason = entity.ReasonNone
	next.ErrorCode = ""
	next.ErrorMessage = ""
	next.UpdatedAt = o.now()

	err := o.tx.RunStamping(pctx, func(records repository.StampingRepository, stamps repository.FiscalStampRepository) error {
		if err := records.SaveRecord(pctx, &next); err != nil {
			return err
		}
		if err := stamps.Create(pctx, stamp); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				prev, gerr := stamps.GetByDocumentID(pctx, stamp.DocumentID)
				if gerr == nil && prev != nil && prev.UUID == stamp.UUID {
					return nil
				}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stamping: guardar timbre %s de %s: %w", stamp.UUID, rec.DocumentID, err)
	}
	*rec = next
	o.metrics.terminal(string(entity.StateStamped), "")
	return &Result{
		DocumentID:     rec.DocumentID,
		IdempotencyKey: rec.IdempotencyKey,
		State:          rec.State,
		Stamp:          stamp,
		AlreadyStamped: already,
		Attempts:       rec.Attempts,
	}, nil
}

// existing timbre guardado localmente; no se consulta al PAC.
func (o *Orchestrator) existing(ctx context.Context, rec *entity.StampingRecord) (*Result, error) {
	stamp, err := o.stamps.GetByDocumentID(ctx, rec.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("stamping: leer timbre de %s: %w", rec.DocumentID, err)
	}
	if stamp == nil {
		return nil, fmt.Errorf("stamping: %s figura timbrado sin timbre guardado", rec.DocumentID)
	}
	return &Result{
		DocumentID:     rec.DocumentID,
		IdempotencyKey: rec.IdempotencyKey,
		State:          rec.State,
		Stamp:          stamp,
		AlreadyStamped: true,
		Attempts:       rec.Attempts,
	}, nil
}

// Status registro, intentos y timbre del comprobante.
func (o *Orchestrator) Status(ctx context.Context, documentID string) (*Status, error) {
	rec, err := o.records.GetRecord(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("stamping: leer registro %s: %w", documentID, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: sin timbrado para %s", domain.ErrNotFound, documentID)
	}
	attempts, err := o.records.ListAttempts(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("stamping: leer intentos de %s: %w", documentID, err)
	}
	st := &Status{Record: rec, Attempts: attempts}
	if rec.State == entity.StateStamped || rec.State == entity.StateCancelled {
		if st.Stamp, err = o.stamps.GetByDocumentID(ctx, documentID); err != nil {
			return nil, fmt.Errorf("stamping: leer timbre de %s: %w", documentID, err)
		}
	}
	return st, nil
}

func (o *Orchestrator) transition(ctx context.Context, rec *entity.StampingRecord, from, to entity.StampState) error {
	if err := domaincfdi.Transition(rec, from, to); err != nil {
		return err
	}
	return o.save(ctx, rec)
}

// save persiste aunque el llamador haya cancelado: el estado debe quedar registrado.
func (o *Orchestrator) save(ctx context.Context, rec *entity.StampingRecord) error {
	pctx, cancel := o.persistContext(ctx)
	defer cancel()
	rec.UpdatedAt = o.now()
	if err := o.records.SaveRecord(pctx, rec); err != nil {
		return fmt.Errorf("stamping: guardar registro %s (%s): %w", rec.DocumentID, rec.State, err)
	}
	return nil
}

func (o *Orchestrator) finishAttempt(ctx context.Context, a *entity.StampingAttempt, outcome entity.AttemptOutcome, code, message string) {
	pctx, cancel := o.persistContext(ctx)
	defer cancel()
	now := o.now()
	a.Outcome = outcome
	a.Code = code
	a.Message = message
	a.FinishedAt = &now
	if err := o.records.FinishAttempt(pctx, a); err != nil {
		o.log.Error().Err(err).Str("document_id", a.DocumentID).Int("attempt", a.Number).Msg("no se pudo cerrar el intento")
	}
}

func (o *Orchestrator) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func interrupted(op string, cause error) error {
	return &domain.StampingError{
		Kind: domain.KindInterrupted, Op: op,
		Message:   "operación interrumpida antes de conocer el resultado",
		Action:    domain.SuggestedAction(domain.KindInterrupted),
		Retryable: true,
		Err:       fmt.Errorf("%w: %w", domain.ErrInterrupted, cause),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
