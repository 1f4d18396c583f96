package mmd

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/ofsmmd/mmd/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

type statsSettings struct {
	kind     string
	interval time.Duration

	protocol string
	host     string
	prefix   string

	namespace string
	subsystem string
	listen    string
	path      string
}

func readStatsSettings(c *config.C) (statsSettings, error) {
	s := statsSettings{
		kind:      c.GetString("stats.type", "none"),
		interval:  c.GetDuration("stats.interval", 0),
		protocol:  c.GetString("stats.protocol", "tcp"),
		host:      c.GetString("stats.host", ""),
		prefix:    c.GetString("stats.prefix", "mmd"),
		namespace: c.GetString("stats.namespace", ""),
		subsystem: c.GetString("stats.subsystem", ""),
		listen:    c.GetString("stats.listen", ""),
		path:      c.GetString("stats.path", ""),
	}
	if s.kind == "" || s.kind == "none" {
		return s, nil
	}

	if s.interval <= 0 {
		return s, fmt.Errorf("stats.interval was an invalid duration: %s", c.GetString("stats.interval", ""))
	}

	switch s.kind {
	case "graphite":
		if s.host == "" {
			return s, errors.New("stats.host can not be empty")
		}
	case "prometheus":
		if s.listen == "" {
			return s, errors.New("stats.listen should not be empty")
		}
		if s.path == "" {
			return s, errors.New("stats.path should not be empty")
		}
	default:
		return s, fmt.Errorf("stats.type was not understood: %s", s.kind)
	}
	return s, nil
}

// startStats wires the device counters in r to the configured sink. The
// returned func, when not nil, serves the prometheus endpoint and blocks.
func startStats(l *logrus.Logger, c *config.C, r metrics.Registry, buildVersion string, configTest bool) (func(), error) {
	s, err := readStatsSettings(c)
	if err != nil {
		return nil, err
	}

	var serve func()
	switch s.kind {
	case "", "none":
		return nil, nil
	case "graphite":
		err = startGraphiteStats(l, s, r, configTest)
	case "prometheus":
		serve = startPrometheusStats(l, s, r, buildVersion, configTest)
	}
	if err != nil {
		return nil, err
	}

	metrics.RegisterDebugGCStats(r)
	metrics.RegisterRuntimeMemStats(r)
	go metrics.CaptureDebugGCStats(r, s.interval)
	go metrics.CaptureRuntimeMemStats(r, s.interval)

	return serve, nil
}

func startGraphiteStats(l *logrus.Logger, s statsSettings, r metrics.Registry, configTest bool) error {
	addr, err := net.ResolveTCPAddr(s.protocol, s.host)
	if err != nil {
		return fmt.Errorf("error while setting up graphite sink: %w", err)
	}
	if configTest {
		return nil
	}

	l.WithFields(logrus.Fields{"interval": s.interval, "prefix": s.prefix, "addr": addr}).Info("Starting graphite stats")
	go graphite.Graphite(r, s.interval, s.prefix, addr)
	return nil
}

func startPrometheusStats(l *logrus.Logger, s statsSettings, r metrics.Registry, buildVersion string, configTest bool) func() {
	pr := prometheus.NewRegistry()
	provider := mp.NewPrometheusProvider(r, s.namespace, s.subsystem, pr, s.interval)

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: s.namespace,
		Subsystem: s.subsystem,
		Name:      "info",
		Help:      "Version information for the accelerator runtime",
		ConstLabels: prometheus.Labels{
			"version":   buildVersion,
			"goversion": runtime.Version(),
			"boardpkg":  "ofs",
		},
	})
	pr.MustRegister(info)
	info.Set(1)

	if configTest {
		return nil
	}

	go provider.UpdatePrometheusMetrics()
	return func() {
		mux := http.NewServeMux()
		mux.Handle(s.path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))

		l.WithFields(logrus.Fields{"listen": s.listen, "path": s.path}).Info("Prometheus stats listening")
		if err := http.ListenAndServe(s.listen, mux); err != nil {
			l.WithError(err).Error("Prometheus stats server stopped")
		}
	}
}
