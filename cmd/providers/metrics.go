package providers

import (
	"fmt"
	"net/http"
	"time"

	prometheusmetrics "github.com/deathowl/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/viper"
	otelprom "go.opentelemetry.io/otel/exporters/metric/prometheus"
	"go.opentelemetry.io/otel/metric/global"
	"go.uber.org/zap"
)

// GOMPrometheusSync specifies the time interval to sync go-metrics to Prometheus.
var GOMPrometheusSync = 5 * time.Second

// SetupPrometheus configures the OpenTelemetry and go-metrics Prometheus exporters.
// Returns the Prometheus exporter HTTP handler.
func SetupPrometheus() (http.Handler, error) {
	// Setup go-metrics Prometheus exporter.
	gomProvder := prometheusmetrics.NewPrometheusProvider(
		metrics.DefaultRegistry,
		"matchmaker", "",
		prometheus.DefaultRegisterer,
		GOMPrometheusSync)
	go gomProvder.UpdatePrometheusMetrics()
	// Set up OpenTelemetry Prometheus exporter.
	exporter, err := otelprom.NewExportPipeline(otelprom.Config{
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenTelemetry Prometheus exporter: %w", err)
	}
	global.SetMeterProvider(exporter.MeterProvider())
	return exporter, nil
}

// Metrics config keys.
const (
	ConfMetricsListenNet  = "metrics.listen.net"
	ConfMetricsListenAddr = "metrics.listen.addr"
)

func init() {
	viper.SetDefault(ConfMetricsListenNet, "tcp")
	viper.SetDefault(ConfMetricsListenAddr, "")
}

// ServeMetrics exposes the Prometheus handler in the background, if configured.
func ServeMetrics(log *zap.Logger, handler http.Handler) {
	addr := viper.GetString(ConfMetricsListenAddr)
	if addr == "" {
		return
	}
	listen := MustListen(log, viper.GetString(ConfMetricsListenNet), addr)
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	go func() {
		if err := http.Serve(listen, mux); err != nil {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()
}
