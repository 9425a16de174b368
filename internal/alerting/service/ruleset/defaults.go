package ruleset

import (
	"time"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
)

// Thresholds are the global numeric limits the stock rules are built from.
type Thresholds struct {
	ErrorRate      float64 // percent
	ResponseTimeMs float64
	SuccessRate    float64 // percent
	MemoryPercent  float64
	DiskPercent    float64
}

// DefaultRules returns the seeded rule set. channels is copied into every rule.
func DefaultRules(th Thresholds, channels []string) []*AlertRule {
	rule := func(r AlertRule) *AlertRule {
		r.Enabled = true
		r.Channels = append([]string(nil), channels...)
		return &r
	}
	return []*AlertRule{
		rule(AlertRule{
			ID:          "high_error_rate",
			Name:        "High Error Rate",
			Description: "HTTP error rate is above the configured limit",
			Metric:      "http_error_rate_percent",
			Operator:    OpGT,
			Threshold:   th.ErrorRate,
			Duration:    2 * time.Minute,
			Severity:    incident.SeverityHigh,
			Cooldown:    15 * time.Minute,
			Window:      5 * time.Minute,
			Aggregation: AggAvg,
			Recovery:    RecoveryPolicy{AutoResolve: true, Threshold: 1, Duration: 5 * time.Minute},
		}),
		rule(AlertRule{
			ID:          "slow_response_time",
			Name:        "Slow Response Time",
			Description: "Average response time is above the configured limit",
			Metric:      "http_response_time_ms",
			Operator:    OpGT,
			Threshold:   th.ResponseTimeMs,
			Duration:    5 * time.Minute,
			Severity:    incident.SeverityMedium,
			Cooldown:    30 * time.Minute,
			Window:      10 * time.Minute,
			Aggregation: AggAvg,
			Recovery:    RecoveryPolicy{AutoResolve: true, Threshold: 500, Duration: 10 * time.Minute},
		}),
		rule(AlertRule{
			ID:          "low_success_rate",
			Name:        "Low Success Rate",
			Description: "Request success rate dropped below the configured floor",
			Metric:      "http_success_rate_percent",
			Operator:    OpLT,
			Threshold:   th.SuccessRate,
			Duration:    2 * time.Minute,
			Severity:    incident.SeverityHigh,
			Cooldown:    15 * time.Minute,
			Window:      5 * time.Minute,
			Aggregation: AggAvg,
			Recovery:    RecoveryPolicy{AutoResolve: true, Threshold: 99, Duration: 5 * time.Minute},
		}),
		rule(AlertRule{
			ID:          "high_memory_usage",
			Name:        "High Memory Usage",
			Description: "Memory usage is above the configured limit",
			Metric:      "memory_usage_percent",
			Operator:    OpGT,
			Threshold:   th.MemoryPercent,
			Duration:    5 * time.Minute,
			Severity:    incident.SeverityHigh,
			Cooldown:    30 * time.Minute,
			Window:      5 * time.Minute,
			Aggregation: AggMax,
		}),
		rule(AlertRule{
			ID:          "high_disk_usage",
			Name:        "High Disk Usage",
			Description: "Disk usage is above the configured limit",
			Metric:      "disk_usage_percent",
			Operator:    OpGT,
			Threshold:   th.DiskPercent,
			Severity:    incident.SeverityMedium,
			Cooldown:    time.Hour,
			Window:      15 * time.Minute,
			Aggregation: AggMax,
		}),
	}
}
