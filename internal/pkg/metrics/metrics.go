package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BotsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coursefox_bots_running",
			Help: "Number of live tenant bot connections",
		},
	)

	BotStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursefox_bot_starts_total",
			Help: "Bot instance start attempts by result",
		},
		[]string{"result"},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursefox_webhook_events_total",
			Help: "Inbound updates by event type and final status",
		},
		[]string{"event_type", "status"},
	)

	WebhookRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursefox_webhook_rejected_total",
			Help: "Inbound updates acknowledged but not processed, by reason",
		},
		[]string{"reason"},
	)

	// SendTimeoutsTotal counts updates whose outcome is unknown because a
	// platform call timed out. They are not retried and need an operator look.
	SendTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursefox_send_timeouts_total",
			Help: "Updates abandoned after a timed-out platform call, by event type",
		},
		[]string{"event_type"},
	)

	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursefox_dispatch_total",
			Help: "Conversation dispatches by action and result",
		},
		[]string{"action", "result"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coursefox_dispatch_duration_seconds",
			Help:    "Conversation dispatch latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursefox_payments_total",
			Help: "Payment status transitions",
		},
		[]string{"status"},
	)

	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursefox_job_runs_total",
			Help: "Background job runs by job and result",
		},
		[]string{"job", "result"},
	)
)

func init() {
	prometheus.MustRegister(BotsRunning)
	prometheus.MustRegister(BotStartsTotal)
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(WebhookRejectedTotal)
	prometheus.MustRegister(SendTimeoutsTotal)
	prometheus.MustRegister(DispatchTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(PaymentsTotal)
	prometheus.MustRegister(JobRunsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to the "ok"/"error" label value
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Timer measures one operation for a histogram
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds
func (t *Timer) ObserveDuration(o prometheus.Observer) time.Duration {
	d := t.Duration()
	o.Observe(d.Seconds())
	return d
}
