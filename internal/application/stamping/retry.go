package stamping

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jhoicas/timbrado-cfdi/pkg/config"
)

// RetryPolicy reintentos de un ciclo de timbrado ante fallas transitorias.
// MaxAttempts cuenta envíos al PAC, incluido el primero.
type RetryPolicy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryPolicy 3 envíos con espera exponencial desde 500 ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         3,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         8 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

// PolicyFromConfig toma la política de STAMP_*.
func PolicyFromConfig(c config.StampingConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoff > 0 {
		p.InitialInterval = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		p.MaxInterval = c.MaxBackoff
	}
	if c.Multiplier >= 1 {
		p.Multiplier = c.Multiplier
	}
	if c.Jitter >= 0 && c.Jitter < 1 {
		p.RandomizationFactor = c.Jitter
	}
	return p
}

// CanRetry indica si tras attempts envíos fallidos queda otro intento.
func (p RetryPolicy) CanRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// newBackOff secuencia de esperas para un ciclo. No corta por tiempo: el límite es MaxAttempts.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
