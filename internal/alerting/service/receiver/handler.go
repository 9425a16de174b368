package receiver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
)

// Incidents is the lifecycle view the receiver needs.
type Incidents interface {
	Create(ctx context.Context, req incident.NewIncident) (*incident.Incident, error)
	AutoResolve(ctx context.Context, id, resolution string, viaRecovery bool) (*incident.Incident, error)
}

type Handler struct {
	incidents Incidents
	seen      *SeenCache

	// serializes the seen check and the incident write so duplicate deliveries create one incident
	mu sync.Mutex
}

func NewHandler(incidents Incidents, seen *SeenCache) *Handler {
	if seen == nil {
		seen = NewSeenCache(0)
	}
	return &Handler{incidents: incidents, seen: seen}
}

type webhookResult struct {
	OK       bool `json:"ok"`
	Created  int  `json:"created"`
	Resolved int  `json:"resolved"`
	Skipped  int  `json:"skipped"`
}

func (h *Handler) AlertmanagerWebhook(c *gin.Context) {
	var req AMWebhook
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("AlertmanagerWebhook: failed to parse JSON request")
		c.JSON(http.StatusBadRequest, map[string]any{"error": map[string]any{"code": "INVALID_PARAMETER", "message": "invalid JSON"}})
		return
	}
	if err := ValidateAMWebhook(&req); err != nil {
		log.Error().Err(err).Msg("AlertmanagerWebhook: webhook validation failed")
		c.JSON(http.StatusBadRequest, map[string]any{"error": map[string]any{"code": "INVALID_PARAMETER", "message": err.Error()}})
		return
	}

	ctx := c.Request.Context()
	res := webhookResult{OK: true}
	for i := range req.Alerts {
		a := &req.Alerts[i]
		var (
			done bool
			err  error
		)
		if strings.EqualFold(a.Status, "firing") {
			done, err = h.fire(ctx, a)
			if done {
				res.Created++
			}
		} else {
			done, err = h.resolve(ctx, a)
			if done {
				res.Resolved++
			}
		}
		if err != nil {
			log.Error().Err(err).Str("alert_name", a.Labels["alertname"]).Msg("AlertmanagerWebhook: alert processing failed")
		}
		if !done {
			res.Skipped++
		}
	}

	log.Info().Int("total_alerts", len(req.Alerts)).Int("created", res.Created).Int("resolved", res.Resolved).Msg("AlertmanagerWebhook: webhook processing completed")
	c.JSON(http.StatusOK, res)
}

func (h *Handler) fire(ctx context.Context, a *AMAlert) (bool, error) {
	key := BuildIdempotencyKey(*a)
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.seen.Lookup(key); ok {
		log.Debug().Str("idempotency_key", key).Msg("AlertmanagerWebhook: alert already processed")
		return false, nil
	}
	in, err := h.incidents.Create(ctx, MapToNewIncident(a))
	if err != nil {
		return false, err
	}
	h.seen.MarkSeen(key, in.ID)
	log.Info().Str("incident_id", in.ID).Str("alert_name", a.Labels["alertname"]).Msg("AlertmanagerWebhook: incident created from alert")
	return true, nil
}

func (h *Handler) resolve(ctx context.Context, a *AMAlert) (bool, error) {
	key := BuildIdempotencyKey(*a)
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.seen.Lookup(key)
	if !ok {
		return false, nil
	}
	_, err := h.incidents.AutoResolve(ctx, id, "Alertmanager reported "+a.Labels["alertname"]+" resolved", false)
	if err != nil && !errors.Is(err, incident.ErrNotFound) {
		return false, err
	}
	h.seen.Forget(key)
	return err == nil, nil
}
