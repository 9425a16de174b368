package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
	"github.com/qiniu/incidentops/internal/alerting/service/receiver"
	"github.com/qiniu/incidentops/internal/alerting/service/ruleset"
)

// Deps are the services behind the HTTP surface. Receiver is optional.
type Deps struct {
	Incidents *incident.Manager
	Rules     *ruleset.Manager
	Receiver  *receiver.Handler
}

type Api struct {
	incidents *incident.Manager
	rules     *ruleset.Manager
}

func NewApi(router gin.IRouter, deps Deps) *Api {
	api := &Api{incidents: deps.Incidents, rules: deps.Rules}
	api.setupRouters(router, deps)
	return api
}

func (api *Api) setupRouters(router gin.IRouter, deps Deps) {
	RegisterIncidentRoutes(router, api)
	RegisterRuleRoutes(router, api)
	if deps.Receiver != nil {
		receiver.RegisterReceiverRoutes(router, deps.Receiver)
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, map[string]any{"error": map[string]any{"code": code, "message": message}})
}

// writeServiceError maps service sentinel errors to HTTP statuses.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, incident.ErrNotFound), errors.Is(err, ruleset.ErrRuleNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, incident.ErrInvalidTransition):
		writeError(c, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, incident.ErrInvalidIncident), errors.Is(err, ruleset.ErrInvalidRule):
		writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
