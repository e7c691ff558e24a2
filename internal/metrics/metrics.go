// Package metrics exposes router counters on a prometheus registry and a
// periodic human-readable stats log line.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics is the router's counter set, registered on its own registry so
// tests can create isolated instances.
type Metrics struct {
	reg *prometheus.Registry

	SessionsOpen    prometheus.Gauge
	MessagesIn      prometheus.Counter
	MessagesOut     prometheus.Counter
	MessagesDropped prometheus.Counter
	ErrorsSent      prometheus.Counter
	DecodeErrors    prometheus.Counter
}

// New creates and registers the counter set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clasp", Name: "sessions_open",
			Help: "Currently registered sessions.",
		}),
		MessagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clasp", Name: "messages_in_total",
			Help: "Decoded inbound messages.",
		}),
		MessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clasp", Name: "messages_out_total",
			Help: "Frames written to transports.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clasp", Name: "messages_dropped_total",
			Help: "Messages dropped by rate limits or full outbound queues.",
		}),
		ErrorsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clasp", Name: "errors_sent_total",
			Help: "ERROR messages emitted.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clasp", Name: "decode_errors_total",
			Help: "Frames or messages that failed to decode.",
		}),
	}
	reg.MustRegister(m.SessionsOpen, m.MessagesIn, m.MessagesOut,
		m.MessagesDropped, m.ErrorsSent, m.DecodeErrors)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RunStats logs a summary line every interval until ctx is canceled.
func (m *Metrics) RunStats(ctx context.Context, log *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastIn, lastOut float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in := counterValue(m.MessagesIn)
			out := counterValue(m.MessagesOut)
			sessions := gaugeValue(m.SessionsOpen)
			if sessions > 0 || in > lastIn {
				log.Info("stats",
					"sessions", int(sessions),
					"in_per_s", (in-lastIn)/interval.Seconds(),
					"out_per_s", (out-lastOut)/interval.Seconds())
			}
			lastIn, lastOut = in, out
		}
	}
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil || m.Counter == nil || m.Counter.Value == nil {
		return 0
	}
	return *m.Counter.Value
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil || m.Gauge == nil || m.Gauge.Value == nil {
		return 0
	}
	return *m.Gauge.Value
}
