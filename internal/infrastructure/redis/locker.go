package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "cfdi:stamp:lock:"

// Solo borra la llave si sigue siendo nuestra; un bloqueo expirado y retomado por otro
// proceso no se libera por accidente.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Renueva la vigencia solo mientras el token siga siendo el del dueño.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Locker bloqueo por comprobante compartido entre réplicas del servicio.
// Mientras el dueño lo tiene, una goroutine renueva la vigencia cada ttl/3; el ttl solo
// aplica a un proceso que murió sin liberarlo.
type Locker struct {
	rdb  redis.UniversalClient
	ttl  time.Duration
	poll time.Duration
}

// NewLocker ttl acota cuánto vive un bloqueo de un proceso que murió sin liberarlo.
func NewLocker(rdb redis.UniversalClient, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Locker{rdb: rdb, ttl: ttl, poll: 50 * time.Millisecond}
}

// Lock espera hasta adquirir el bloqueo del comprobante o hasta que ctx termine.
func (l *Locker) Lock(ctx context.Context, documentID string) (func(), error) {
	key := lockPrefix + documentID
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis: bloqueo %s: %w", documentID, err)
		}
		if ok {
			stop := make(chan struct{})
			done := make(chan struct{})
			go l.keepAlive(key, token, stop, done)

			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done
					// ctx del llamador puede estar cancelado; la liberación no debe depender de él.
					rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = releaseScript.Run(rctx, l.rdb, []string{key}, token).Err()
				})
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// keepAlive renueva el bloqueo hasta que se libere o hasta que deje de ser nuestro.
// Un error de red no detiene la renovación: el siguiente tick reintenta antes de que venza.
func (l *Locker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := renewScript.Run(ctx, l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err == nil && n == 0 {
			return // expiró o lo tomó otro proceso
		}
	}
}
