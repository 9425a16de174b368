package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	promModel "github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/incidentops/internal/alerting/service/evaluator"
	"github.com/qiniu/incidentops/internal/alerting/service/incident"
	"github.com/qiniu/incidentops/internal/config"
)

// ErrNoData is returned when a query matched no series.
var ErrNoData = errors.New("prometheus query returned no data")

// DefaultHealthQuery yields a 0..1 score for the component substituted into %s.
const DefaultHealthQuery = `avg(component_health_score{component="%s"})`

// PrometheusConfig holds configuration for the Prometheus client
type PrometheusConfig struct {
	BaseURL      string
	QueryTimeout time.Duration
	HealthQuery  string
}

// NewPrometheusConfigFromApp converts app config to runtime PrometheusConfig
func NewPrometheusConfigFromApp(c *config.PrometheusConfig) *PrometheusConfig {
	if c == nil {
		return &PrometheusConfig{BaseURL: "http://localhost:9090", QueryTimeout: 30 * time.Second, HealthQuery: DefaultHealthQuery}
	}
	qt, err := time.ParseDuration(getNonEmpty(c.QueryTimeout, "30s"))
	if err != nil {
		qt = 30 * time.Second
	}
	return &PrometheusConfig{
		BaseURL:      getNonEmpty(c.URL, "http://localhost:9090"),
		QueryTimeout: qt,
		HealthQuery:  getNonEmpty(c.HealthQuery, DefaultHealthQuery),
	}
}

// PrometheusSource reads rule metrics and component health scores through the Prometheus HTTP API.
type PrometheusSource struct {
	api    v1.API
	config *PrometheusConfig
	now    func() time.Time
}

// NewPrometheusSource creates a new Prometheus-backed metric source
func NewPrometheusSource(cfg *PrometheusConfig) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{Address: cfg.BaseURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	return &PrometheusSource{api: v1.NewAPI(client), config: cfg, now: time.Now}, nil
}

// Query runs an instant query and reduces the result to one scalar.
func (s *PrometheusSource) Query(ctx context.Context, query string) (float64, error) {
	if s.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.QueryTimeout)
		defer cancel()
	}

	result, warnings, err := s.api.Query(ctx, query, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to query prometheus: %w", err)
	}
	if len(warnings) > 0 {
		log.Warn().Strs("warnings", warnings).Str("query", query).Msg("prometheus query returned warnings")
	}

	switch v := result.(type) {
	case promModel.Vector:
		if len(v) == 0 {
			return 0, fmt.Errorf("%w: %s", ErrNoData, query)
		}
		if len(v) > 1 {
			log.Debug().Int("series", len(v)).Str("query", query).Msg("query matched several series, using the first")
		}
		return sampleValue(float64(v[0].Value), query)
	case *promModel.Scalar:
		return sampleValue(float64(v.Value), query)
	default:
		return 0, fmt.Errorf("unexpected result type: %T", result)
	}
}

// MetricValue implements evaluator.MetricSource.
func (s *PrometheusSource) MetricValue(ctx context.Context, q evaluator.Query) (float64, error) {
	return s.Query(ctx, q.Expr)
}

// HealthScore implements the recovery health probe. The score is clamped to [0,1].
func (s *PrometheusSource) HealthScore(ctx context.Context, component string) (float64, error) {
	v, err := s.Query(ctx, fmt.Sprintf(s.config.HealthQuery, strings.ToLower(component)))
	if err != nil {
		return 0, err
	}
	return math.Max(0, math.Min(1, v)), nil
}

var _ evaluator.MetricSource = (*PrometheusSource)(nil)

func sampleValue(v float64, query string) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: non-finite value for %s", ErrNoData, query)
	}
	return v, nil
}

func getNonEmpty(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// staticComponents is used when no recovery registry is wired.
var staticComponents = []string{"api", "cache", "database"}

// HealthComponents returns the components to score, falling back to the stock set.
func HealthComponents(components []string) []string {
	if len(components) == 0 {
		return staticComponents
	}
	return components
}

var _ incident.HealthReporter = (*Monitor)(nil)
