package ruleset

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Exporter publishes the active rule set as gauges so dashboards can overlay thresholds on the
// metrics the rules watch.
type Exporter struct {
	mu        sync.Mutex
	threshold *prometheus.GaugeVec
	enabled   *prometheus.GaugeVec
	known     map[string][]string
}

func NewExporter() *Exporter {
	return &Exporter{
		threshold: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "incidentops",
			Name:      "alert_rule_threshold",
			Help:      "Configured threshold of each alert rule.",
		}, []string{"rule", "metric", "operator"}),
		enabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "incidentops",
			Name:      "alert_rule_enabled",
			Help:      "1 when the alert rule is enabled.",
		}, []string{"rule"}),
		known: make(map[string][]string),
	}
}

// Register attaches the exporter gauges to reg, tolerating duplicate registration.
func (e *Exporter) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{e.threshold, e.enabled} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Sync publishes r, replacing any series previously exported for the same rule id.
func (e *Exporter) Sync(r *AlertRule) {
	if e == nil || r == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	labels := []string{r.ID, r.Metric, string(r.Operator)}
	if old, ok := e.known[r.ID]; ok {
		e.threshold.DeleteLabelValues(old...)
	}
	e.known[r.ID] = labels
	e.threshold.WithLabelValues(labels...).Set(r.Threshold)
	v := 0.0
	if r.Enabled {
		v = 1
	}
	e.enabled.WithLabelValues(r.ID).Set(v)
}

// Delete removes every series exported for id.
func (e *Exporter) Delete(id string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.known[id]; ok {
		e.threshold.DeleteLabelValues(old...)
		delete(e.known, id)
	}
	e.enabled.DeleteLabelValues(id)
}
