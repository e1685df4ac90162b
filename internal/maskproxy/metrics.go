package maskproxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	attempts        *prometheus.CounterVec
	resolutions     *prometheus.CounterVec
	relayedBytes    prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer, store *CredentialStore) *metrics {
	m := &metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maskproxy_cascade_attempts_total",
			Help: "Upstream probes issued by the resolution cascade.",
		}, []string{"strategy", "outcome"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maskproxy_resolutions_total",
			Help: "Finished resolutions by winning strategy, or exhausted.",
		}, []string{"strategy"}),
		relayedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maskproxy_relayed_bytes_total",
			Help: "Media bytes streamed to clients.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maskproxy_request_duration_seconds",
			Help:    "Time to first byte of proxied requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
	reg.MustRegister(m.attempts, m.resolutions, m.relayedBytes, m.requestDuration)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "maskproxy_credentials",
		Help: "Credentials currently held in the store.",
	}, func() float64 { return float64(store.Len()) }))
	return m
}

func (m *metrics) observeAttempt(st Strategy, kind OutcomeKind) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(st.String(), kind.String()).Inc()
}

func (m *metrics) observeResolution(label string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(label).Inc()
}

func (m *metrics) observeRelayed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.relayedBytes.Add(float64(n))
}
