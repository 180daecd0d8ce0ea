package stamping

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/timbrado-cfdi/pkg/config"
)

func TestLocalLocker_ExclusionPerDocument(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "doc-1")
	require.NoError(t, err)

	// otro documento no espera
	other, err := l.Lock(ctx, "doc-2")
	require.NoError(t, err)
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "doc-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "doc-1")
		if err == nil {
			u()
		}
		close(acquired)
	}()
	unlock()
	unlock() // segunda llamada sin efecto
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("el bloqueo no se liberó")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.slots, "sin entradas huérfanas")
}

func TestRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.True(t, p.CanRetry(2))
	assert.False(t, p.CanRetry(3))

	bo := RetryPolicy{MaxAttempts: 4, InitialInterval: 10 * time.Millisecond, MaxInterval: 25 * time.Millisecond, Multiplier: 2}.newBackOff()
	assert.Equal(t, 10*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 25*time.Millisecond, bo.NextBackOff(), "tope MaxInterval")
	assert.Equal(t, 25*time.Millisecond, bo.NextBackOff(), "sin corte por tiempo")
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.StampingConfig{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, Multiplier: 3, Jitter: 0})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialInterval)
	assert.Equal(t, 30*time.Second, p.MaxInterval)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.Zero(t, p.RandomizationFactor)

	d := PolicyFromConfig(config.StampingConfig{Jitter: -1})
	assert.Equal(t, DefaultRetryPolicy(), d, "valores fuera de rango conservan el default")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.attempt("stamped")
		m.terminal("stamped", "")
		m.observePAC("stamp", time.Now())
		m.reconciled("found")
	})
}
