// Package metrics exposes Prometheus instrumentation for the monitor.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Metrics holds the collectors shared by the probing and alerting paths.
type Metrics struct {
	registry *prometheus.Registry

	ProbesSent      prometheus.Counter
	ProbesSucceeded prometheus.Counter
	ProbesInFlight  prometheus.Gauge
	ProbersActive   prometheus.Gauge

	NotificationsSent *prometheus.CounterVec // labelled by stage
	MailSendFailures  prometheus.Counter

	processCPU    prometheus.Gauge
	processMemory prometheus.Gauge
	goroutines    prometheus.Gauge
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ProbesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpmon_probes_sent_total",
			Help: "Total HTTP probes launched.",
		}),
		ProbesSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpmon_probes_succeeded_total",
			Help: "Total HTTP probes completed with a 2xx status.",
		}),
		ProbesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpmon_probes_in_flight",
			Help: "HTTP probes currently awaiting a response.",
		}),
		ProbersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpmon_probers_active",
			Help: "Probing loops currently running on this replica.",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpmon_notifications_sent_total",
			Help: "Alert notifications persisted, by escalation stage.",
		}, []string{"stage"}),
		MailSendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpmon_mail_send_failures_total",
			Help: "Alert mails that could not be delivered to the SMTP server.",
		}),
		processCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpmon_process_cpu_percent",
			Help: "Replica process CPU usage percent.",
		}),
		processMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpmon_process_memory_mb",
			Help: "Replica process resident memory in MB.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpmon_goroutines",
			Help: "Goroutines in the replica process.",
		}),
	}

	reg.MustRegister(
		m.ProbesSent, m.ProbesSucceeded, m.ProbesInFlight, m.ProbersActive,
		m.NotificationsSent, m.MailSendFailures,
		m.processCPU, m.processMemory, m.goroutines,
	)

	return m
}

// Handler returns the exposition handler for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartProcessCollector samples process CPU and memory via gopsutil on the
// given interval until the context is cancelled.
func (m *Metrics) StartProcessCollector(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("process metrics disabled", "error", err)
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cpu, err := proc.CPUPercent(); err == nil {
					m.processCPU.Set(cpu)
				}
				if mem, err := proc.MemoryInfo(); err == nil {
					m.processMemory.Set(float64(mem.RSS) / (1024 * 1024))
				}
				m.goroutines.Set(float64(runtime.NumGoroutine()))
			}
		}
	}()
}
