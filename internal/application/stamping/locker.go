package stamping

import (
	"context"
	"sync"
)

// DocumentLocker exclusión por comprobante: como mucho un envío en vuelo por documento.
// Lock espera hasta obtener el bloqueo o hasta que ctx termine.
type DocumentLocker interface {
	Lock(ctx context.Context, documentID string) (unlock func(), err error)
}

// LocalLocker bloqueo en proceso (una sola réplica o modo dev).
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{} // capacidad 1: lleno = tomado
	refs int
}

// NewLocalLocker crea el locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) Lock(ctx context.Context, documentID string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[documentID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[documentID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(documentID, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(documentID, s)
		})
	}, nil
}

// release elimina la entrada cuando nadie la usa ni la espera.
func (l *LocalLocker) release(documentID string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, documentID)
	}
}
