package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/kolkov/pairsv/internal/process"
	"github.com/kolkov/pairsv/internal/service"
	"github.com/kolkov/pairsv/internal/supervisor"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "pairsv"

// Metrics holds the supervisor collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	up     *prometheus.GaugeVec
	starts *prometheus.CounterVec
	exits  *prometheus.CounterVec
	state  *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_up",
			Help:      "Whether the child process is running.",
		}, []string{"process"}),
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_starts_total",
			Help:      "Number of times the child process was launched.",
		}, []string{"process"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "Number of child process exits by final status.",
		}, []string{"process", "status"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervisor_state",
			Help:      "Current supervisor state, 1 for the active state.",
		}, []string{"state"}),
	}
	m.Registry.MustRegister(
		m.up, m.starts, m.exits, m.state,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.setState(supervisor.Init)
	return m
}

// Attach registers Observe on sv and seeds the process gauges.
func (m *Metrics) Attach(sv service.StatusService) {
	for _, info := range sv.Status() {
		m.up.WithLabelValues(info.Name).Set(0)
	}
	sv.Subscribe(m.Observe)
}

// Observe updates the collectors from one supervisor event.
func (m *Metrics) Observe(ev supervisor.Event) {
	if ev.Process == nil {
		m.setState(ev.State)
		return
	}

	info := ev.Process
	switch info.Status {
	case process.Running:
		m.up.WithLabelValues(info.Name).Set(1)
		m.starts.WithLabelValues(info.Name).Inc()
	case process.Stopped, process.Failed:
		m.up.WithLabelValues(info.Name).Set(0)
		// Неудачный запуск не считается выходом
		if info.PID != 0 {
			m.exits.WithLabelValues(info.Name, string(info.Status)).Inc()
		}
	}
}

func (m *Metrics) setState(current supervisor.State) {
	for _, st := range supervisor.States {
		v := 0.0
		if st == current {
			v = 1
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logrus.Infof("Metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "metrics server on %s", addr)
	}
	return nil
}
