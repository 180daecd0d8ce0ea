package stamping

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics observabilidad del timbrado. Un *Metrics nil no registra nada.
type Metrics struct {
	Attempts        *prometheus.CounterVec
	Terminal        *prometheus.CounterVec
	PACCallDuration *prometheus.HistogramVec
	Reconciliations *prometheus.CounterVec
}

// NewMetrics registra las métricas en reg (prometheus.DefaultRegisterer en producción).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cfdi_stamp_attempts_total",
			Help: "Envíos de timbrado al PAC por resultado",
		}, []string{"outcome"}),
		Terminal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cfdi_stamp_terminal_total",
			Help: "Comprobantes que llegaron a un estado terminal, por estado y motivo",
		}, []string{"state", "reason"}),
		PACCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cfdi_pac_call_duration_seconds",
			Help:    "Duración de las llamadas al PAC por operación",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"op"}),
		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cfdi_stamp_reconciliations_total",
			Help: "Consultas de conciliación por llave de idempotencia, por resultado",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) attempt(outcome string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) terminal(state, reason string) {
	if m == nil {
		return
	}
	m.Terminal.WithLabelValues(state, reason).Inc()
}

// observePAC se llama con time.Now() tomado antes de la llamada.
func (m *Metrics) observePAC(op string, start time.Time) {
	if m == nil {
		return
	}
	m.PACCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) reconciled(outcome string) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(outcome).Inc()
}
