package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/ncecere/gemini_chat_gateway/internal/config"
)

const (
	serviceName = "gemini-chat-gateway"
	namespace   = "chatd"
)

// Provider owns the tracer/meter providers and the Prometheus collectors.
// All recording methods are safe on a nil *Provider.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	promHandler    http.Handler
	registry       *promreg.Registry
	shutdownFuncs  []func(context.Context) error

	httpRequestCounter  *promreg.CounterVec
	httpRequestLatency  *promreg.HistogramVec
	providerCallLatency *promreg.HistogramVec
	exclusionCounter    promreg.Counter
	poolResetCounter    *promreg.CounterVec
}

func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	provider := &Provider{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	if cfg.EnableOTLP {
		endpoint, insecure := otlpEndpoint(cfg.OTLPEndpoint)
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		provider.tracerProvider = tp
		provider.shutdownFuncs = append(provider.shutdownFuncs, tp.Shutdown)
	}

	if cfg.EnableMetrics {
		registry := promreg.NewRegistry()
		promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, err
		}
		mp := metric.NewMeterProvider(
			metric.WithReader(promExporter),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		provider.meterProvider = mp
		provider.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
		provider.registry = registry
		provider.shutdownFuncs = append(provider.shutdownFuncs, mp.Shutdown)

		if err := provider.registerCollectors(registry); err != nil {
			return nil, err
		}
	}

	return provider, nil
}

func (p *Provider) registerCollectors(registry promreg.Registerer) error {
	latencyBuckets := []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60}
	httpRequests := promreg.NewCounterVec(
		promreg.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpLatency := promreg.NewHistogramVec(
		promreg.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   latencyBuckets,
		},
		[]string{"method", "route", "status"},
	)
	providerLatency := promreg.NewHistogramVec(
		promreg.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Duration of upstream generation attempts, including the non-streaming fallback.",
			Buckets:   latencyBuckets,
		},
		[]string{"model", "outcome"},
	)
	exclusions := promreg.NewCounter(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "credential_exclusions_total",
		Help:      "Number of times a credential was excluded after a retryable failure.",
	})
	resets := promreg.NewCounterVec(
		promreg.CounterOpts{
			Namespace: namespace,
			Name:      "credential_pool_resets_total",
			Help:      "Number of times the exclusion set was cleared, by reason.",
		},
		[]string{"reason"},
	)

	for _, c := range []promreg.Collector{httpRequests, httpLatency, providerLatency, exclusions, resets} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	p.httpRequestCounter = httpRequests
	p.httpRequestLatency = httpLatency
	p.providerCallLatency = providerLatency
	p.exclusionCounter = exclusions
	p.poolResetCounter = resets
	return nil
}

func otlpEndpoint(raw string) (string, bool) {
	endpoint := strings.TrimSpace(raw)
	switch {
	case endpoint == "":
		return "localhost:4317", true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), true
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), false
	default:
		return endpoint, true
	}
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracerProvider
}

func (p *Provider) RecordHTTPRequest(_ context.Context, method, route string, status int, duration time.Duration) {
	if p == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	if p.httpRequestCounter != nil {
		p.httpRequestCounter.WithLabelValues(method, route, statusLabel).Inc()
	}
	if p.httpRequestLatency != nil {
		p.httpRequestLatency.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
	}
}

// RecordProviderCall observes one generation attempt.
func (p *Provider) RecordProviderCall(model, outcome string, duration time.Duration) {
	if p == nil || p.providerCallLatency == nil {
		return
	}
	p.providerCallLatency.WithLabelValues(model, outcome).Observe(duration.Seconds())
}

// CredentialExcluded is called by the rotator while it holds its lock.
func (p *Provider) CredentialExcluded(_, _ int) {
	if p == nil || p.exclusionCounter == nil {
		return
	}
	p.exclusionCounter.Inc()
}

// PoolReset is called by the rotator while it holds its lock.
func (p *Provider) PoolReset(reason string) {
	if p == nil || p.poolResetCounter == nil {
		return
	}
	p.poolResetCounter.WithLabelValues(reason).Inc()
}

// ObservePool exports the pool size and the number of excluded credentials,
// read at scrape time.
func (p *Provider) ObservePool(size int, excluded func() int) error {
	if p == nil || p.registry == nil {
		return nil
	}
	poolSize := promreg.NewGauge(promreg.GaugeOpts{
		Namespace: namespace,
		Name:      "credentials_total",
		Help:      "Credentials configured in the rotation pool.",
	})
	poolSize.Set(float64(size))
	excludedGauge := promreg.NewGaugeFunc(promreg.GaugeOpts{
		Namespace: namespace,
		Name:      "credentials_excluded",
		Help:      "Credentials currently excluded from selection.",
	}, func() float64 { return float64(excluded()) })
	if err := p.registry.Register(poolSize); err != nil {
		return err
	}
	return p.registry.Register(excludedGauge)
}
