package receiver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
)

// KV is an Alertmanager label or annotation set.
type KV map[string]string

// AMWebhook is the Alertmanager webhook payload (version 4).
type AMWebhook struct {
	Version           string    `json:"version"`
	GroupKey          string    `json:"groupKey"`
	Status            string    `json:"status"`
	Receiver          string    `json:"receiver"`
	GroupLabels       KV        `json:"groupLabels"`
	CommonLabels      KV        `json:"commonLabels"`
	CommonAnnotations KV        `json:"commonAnnotations"`
	ExternalURL       string    `json:"externalURL"`
	Alerts            []AMAlert `json:"alerts"`
}

type AMAlert struct {
	Status       string    `json:"status"`
	Labels       KV        `json:"labels"`
	Annotations  KV        `json:"annotations"`
	StartsAt     time.Time `json:"startsAt"`
	EndsAt       time.Time `json:"endsAt"`
	GeneratorURL string    `json:"generatorURL"`
	Fingerprint  string    `json:"fingerprint"`
}

func ValidateAMWebhook(w *AMWebhook) error {
	if len(w.Alerts) == 0 {
		return errors.New("no alerts in payload")
	}
	for i, a := range w.Alerts {
		if strings.TrimSpace(a.Labels["alertname"]) == "" {
			return fmt.Errorf("alert %d: missing alertname label", i)
		}
		switch strings.ToLower(a.Status) {
		case "firing", "resolved":
		default:
			return fmt.Errorf("alert %d: unknown status %q", i, a.Status)
		}
		if a.StartsAt.IsZero() {
			return fmt.Errorf("alert %d: missing startsAt", i)
		}
	}
	return nil
}

// severityFor maps the severity label to an incident severity. The P0..P3 levels of the
// paging convention are accepted as well as the incident tier names.
func severityFor(a *AMAlert) incident.Severity {
	raw := strings.ToLower(strings.TrimSpace(a.Labels["severity"]))
	switch raw {
	case "p0":
		return incident.SeverityCritical
	case "p1":
		return incident.SeverityHigh
	case "p2", "warning":
		return incident.SeverityMedium
	case "p3":
		return incident.SeverityLow
	}
	if s, err := incident.ParseSeverity(raw); err == nil {
		return s
	}
	return incident.SeverityMedium
}

// componentFor picks the affected component from the usual service labels.
func componentFor(a *AMAlert) string {
	for _, k := range []string{"component", "service", "job"} {
		if v := strings.TrimSpace(a.Labels[k]); v != "" {
			return v
		}
	}
	return "alertmanager"
}

// MapToNewIncident converts a firing alert into an incident creation request.
func MapToNewIncident(a *AMAlert) incident.NewIncident {
	title := strings.TrimSpace(a.Annotations["summary"])
	if title == "" {
		title = a.Labels["alertname"]
	}
	labels := make(map[string]any, len(a.Labels))
	for k, v := range a.Labels {
		labels[k] = v
	}
	meta := map[string]any{
		"source":    "alertmanager",
		"alertname": a.Labels["alertname"],
		"labels":    labels,
		"startsAt":  a.StartsAt.UTC().Format(time.RFC3339Nano),
	}
	if a.Fingerprint != "" {
		meta["fingerprint"] = a.Fingerprint
	}
	if a.GeneratorURL != "" {
		meta["generatorURL"] = a.GeneratorURL
	}
	return incident.NewIncident{
		Title:       title,
		Description: strings.TrimSpace(a.Annotations["description"]),
		Severity:    severityFor(a),
		Component:   componentFor(a),
		Impact:      strings.TrimSpace(a.Annotations["impact"]),
		Metadata:    meta,
	}
}
