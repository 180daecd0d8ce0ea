// Package memory repositorios en memoria para el modo dev y las pruebas.
// Devuelven copias para que el llamador no comparta estado con el almacén.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/repository"
)

var (
	_ repository.FiscalDocumentRepository = (*Store)(nil)
	_ repository.StampingRepository       = (*Store)(nil)
	_ repository.FiscalStampRepository    = (*stampRepo)(nil)
	_ repository.StampingTxRunner         = (*Store)(nil)
	_ repository.CredentialRepository     = (*CredentialStore)(nil)
)

// Store comprobantes, registros, intentos y timbres.
type Store struct {
	mu       sync.RWMutex
	docs     map[string]*entity.FiscalDocument
	records  map[string]*entity.StampingRecord
	keys     map[string]string // llave -> document_id
	attempts map[string][]*entity.StampingAttempt
	stamps   map[string]*entity.FiscalStamp // document_id -> timbre
}

// NewStore crea un almacén vacío.
func NewStore() *Store {
	return &Store{
		docs:     make(map[string]*entity.FiscalDocument),
		records:  make(map[string]*entity.StampingRecord),
		keys:     make(map[string]string),
		attempts: make(map[string][]*entity.StampingAttempt),
		stamps:   make(map[string]*entity.FiscalStamp),
	}
}

// PutDocument guarda una copia del comprobante.
func (s *Store) PutDocument(doc *entity.FiscalDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc.Clone()
}

// Save misma firma que el repositorio de PostgreSQL.
func (s *Store) Save(_ context.Context, doc *entity.FiscalDocument) error {
	s.PutDocument(doc)
	return nil
}

func (s *Store) GetByID(_ context.Context, id string) (*entity.FiscalDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, nil
	}
	return doc.Clone(), nil
}

func (s *Store) GetRecord(_ context.Context, documentID string) (*entity.StampingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRecord(s.records[documentID]), nil
}

func (s *Store) GetRecordByKey(_ context.Context, key string) (*entity.StampingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[key]
	if !ok {
		return nil, nil
	}
	return copyRecord(s.records[id]), nil
}

func (s *Store) SaveRecord(_ context.Context, rec *entity.StampingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveRecordLocked(rec)
}

func (s *Store) saveRecordLocked(rec *entity.StampingRecord) error {
	if owner, ok := s.keys[rec.IdempotencyKey]; ok && owner != rec.DocumentID {
		return fmt.Errorf("%w: llave de idempotencia duplicada", domain.ErrConflict)
	}
	if prev, ok := s.records[rec.DocumentID]; ok && prev.IdempotencyKey != rec.IdempotencyKey {
		// la llave no se reescribe
		rec.IdempotencyKey = prev.IdempotencyKey
	}
	s.records[rec.DocumentID] = copyRecord(rec)
	s.keys[rec.IdempotencyKey] = rec.DocumentID
	return nil
}

func (s *Store) AppendAttempt(_ context.Context, a *entity.StampingAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	s.attempts[a.DocumentID] = append(s.attempts[a.DocumentID], copyAttempt(a))
	return nil
}

func (s *Store) FinishAttempt(_ context.Context, a *entity.StampingAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.attempts[a.DocumentID] {
		if existing.ID == a.ID {
			s.attempts[a.DocumentID][i] = copyAttempt(a)
			return nil
		}
	}
	return fmt.Errorf("finish attempt %s: %w", a.ID, domain.ErrNotFound)
}

func (s *Store) ListAttempts(_ context.Context, documentID string) ([]*entity.StampingAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.attempts[documentID]
	list := make([]*entity.StampingAttempt, 0, len(src))
	for _, a := range src {
		list = append(list, copyAttempt(a))
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })
	return list, nil
}

// Stamps repositorio de timbres fuera de transacción.
func (s *Store) Stamps() repository.FiscalStampRepository {
	return &stampRepo{s: s, locked: false}
}

// RunStamping serializa fn con el resto de escrituras; los cambios se aplican solo si fn no falla.
func (s *Store) RunStamping(ctx context.Context, fn func(records repository.StampingRepository, stamps repository.FiscalStampRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &txStore{parent: s, records: make(map[string]*entity.StampingRecord), stamps: make(map[string]*entity.FiscalStamp)}
	if err := fn(tx, &stampRepo{tx: tx, s: s, locked: true}); err != nil {
		return err
	}
	for _, rec := range tx.records {
		if err := s.saveRecordLocked(rec); err != nil {
			return err
		}
	}
	for id, st := range tx.stamps {
		s.stamps[id] = st
	}
	s.attempts = tx.mergeAttempts(s.attempts)
	return nil
}

// txStore acumula escrituras de una transacción; las lecturas ven primero lo pendiente.
type txStore struct {
	parent   *Store
	records  map[string]*entity.StampingRecord
	stamps   map[string]*entity.FiscalStamp
	appended []*entity.StampingAttempt
	finished []*entity.StampingAttempt
}

func (t *txStore) GetRecord(_ context.Context, documentID string) (*entity.StampingRecord, error) {
	if rec, ok := t.records[documentID]; ok {
		return copyRecord(rec), nil
	}
	return copyRecord(t.parent.records[documentID]), nil
}

func (t *txStore) GetRecordByKey(ctx context.Context, key string) (*entity.StampingRecord, error) {
	for _, rec := range t.records {
		if rec.IdempotencyKey == key {
			return copyRecord(rec), nil
		}
	}
	if id, ok := t.parent.keys[key]; ok {
		return copyRecord(t.parent.records[id]), nil
	}
	return nil, nil
}

func (t *txStore) SaveRecord(_ context.Context, rec *entity.StampingRecord) error {
	if owner, ok := t.parent.keys[rec.IdempotencyKey]; ok && owner != rec.DocumentID {
		return fmt.Errorf("%w: llave de idempotencia duplicada", domain.ErrConflict)
	}
	t.records[rec.DocumentID] = copyRecord(rec)
	return nil
}

func (t *txStore) AppendAttempt(_ context.Context, a *entity.StampingAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	t.appended = append(t.appended, copyAttempt(a))
	return nil
}

func (t *txStore) FinishAttempt(_ context.Context, a *entity.StampingAttempt) error {
	t.finished = append(t.finished, copyAttempt(a))
	return nil
}

func (t *txStore) ListAttempts(_ context.Context, documentID string) ([]*entity.StampingAttempt, error) {
	merged := t.mergeAttempts(map[string][]*entity.StampingAttempt{documentID: t.parent.attempts[documentID]})
	list := make([]*entity.StampingAttempt, 0, len(merged[documentID]))
	for _, a := range merged[documentID] {
		list = append(list, copyAttempt(a))
	}
	return list, nil
}

func (t *txStore) mergeAttempts(base map[string][]*entity.StampingAttempt) map[string][]*entity.StampingAttempt {
	out := make(map[string][]*entity.StampingAttempt, len(base))
	for id, list := range base {
		out[id] = append([]*entity.StampingAttempt(nil), list...)
	}
	for _, a := range t.appended {
		out[a.DocumentID] = append(out[a.DocumentID], a)
	}
	for _, a := range t.finished {
		for i, existing := range out[a.DocumentID] {
			if existing.ID == a.ID {
				out[a.DocumentID][i] = a
			}
		}
	}
	return out
}

type stampRepo struct {
	s      *Store
	tx     *txStore
	locked bool
}

func (r *stampRepo) Create(_ context.Context, st *entity.FiscalStamp) error {
	if !r.locked {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
	}
	if _, ok := r.s.stamps[st.DocumentID]; ok {
		return fmt.Errorf("%w: el comprobante %s ya tiene timbre", domain.ErrConflict, st.DocumentID)
	}
	for _, existing := range r.s.stamps {
		if existing.UUID == st.UUID {
			return fmt.Errorf("%w: UUID %s duplicado", domain.ErrConflict, st.UUID)
		}
	}
	if r.tx != nil {
		if _, ok := r.tx.stamps[st.DocumentID]; ok {
			return fmt.Errorf("%w: el comprobante %s ya tiene timbre", domain.ErrConflict, st.DocumentID)
		}
		r.tx.stamps[st.DocumentID] = copyStamp(st)
		return nil
	}
	r.s.stamps[st.DocumentID] = copyStamp(st)
	return nil
}

func (r *stampRepo) GetByDocumentID(_ context.Context, documentID string) (*entity.FiscalStamp, error) {
	if !r.locked {
		r.s.mu.RLock()
		defer r.s.mu.RUnlock()
	}
	if r.tx != nil {
		if st, ok := r.tx.stamps[documentID]; ok {
			return copyStamp(st), nil
		}
	}
	return copyStamp(r.s.stamps[documentID]), nil
}

func (r *stampRepo) GetByUUID(_ context.Context, id string) (*entity.FiscalStamp, error) {
	if !r.locked {
		r.s.mu.RLock()
		defer r.s.mu.RUnlock()
	}
	if r.tx != nil {
		for _, st := range r.tx.stamps {
			if st.UUID == id {
				return copyStamp(st), nil
			}
		}
	}
	for _, st := range r.s.stamps {
		if st.UUID == id {
			return copyStamp(st), nil
		}
	}
	return nil, nil
}

func copyRecord(rec *entity.StampingRecord) *entity.StampingRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	return &c
}

func copyAttempt(a *entity.StampingAttempt) *entity.StampingAttempt {
	c := *a
	if a.FinishedAt != nil {
		t := *a.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func copyStamp(st *entity.FiscalStamp) *entity.FiscalStamp {
	if st == nil {
		return nil
	}
	c := *st
	c.StampedXML = append([]byte(nil), st.StampedXML...)
	return &c
}
