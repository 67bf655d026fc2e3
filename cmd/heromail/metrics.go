package main

import (
	"net/http"

	"github.com/freeflowuniverse/heromail/pkg/mailstore"
	"github.com/freeflowuniverse/heromail/pkg/notifier"
	"github.com/freeflowuniverse/heromail/pkg/smtpserver"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HeromailMetrics groups the counters of all components.
type HeromailMetrics struct {
	Notifier  *notifier.Metrics
	Mailstore *mailstore.Metrics
	Delivery  *smtpserver.Metrics
}

// NewHeromailMetrics returns Prometheus counters, or discarding ones when
// addr is empty.
func NewHeromailMetrics(addr string) *HeromailMetrics {
	if addr == "" {
		return &HeromailMetrics{
			Notifier:  notifier.DiscardMetrics(),
			Mailstore: mailstore.DiscardMetrics(),
			Delivery:  &smtpserver.Metrics{Deliveries: discard.NewCounter()},
		}
	}

	counter := func(subsystem, name, help string, labels ...string) *prometheus.Counter {
		return prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "heromail",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &HeromailMetrics{
		Notifier: &notifier.Metrics{
			EntriesAppended: counter("notifier", "journal_entries_total", "Number of journal entries recorded"),
			FiresPublished:  counter("notifier", "fires_published_total", "Number of change notifications published"),
			FiresCoalesced:  counter("notifier", "fires_coalesced_total", "Number of fire requests merged into a pending notification"),
		},
		Mailstore: &mailstore.Metrics{
			MessagesAppended:   counter("mailstore", "messages_appended_total", "Number of messages stored"),
			BodiesExternalized: counter("mailstore", "bodies_externalized_total", "Number of part bodies moved to the blob store"),
		},
		Delivery: &smtpserver.Metrics{
			Deliveries: counter("delivery", "recipients_total", "Number of per-recipient deliveries", "status"),
		},
	}
}

func runPromHTTP(logger log.Logger, addr string) {
	if addr == "" {
		level.Debug(logger).Log("msg", "metrics addr is empty, not exposing prometheus metrics")
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	level.Info(logger).Log("msg", "prometheus handler listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		level.Warn(logger).Log("msg", "failed to serve prometheus metrics", "err", err)
	}
}
