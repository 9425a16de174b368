package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
)

func RegisterIncidentRoutes(router gin.IRouter, api *Api) {
	router.POST("/v1/incidents", api.CreateIncident)
	router.GET("/v1/incidents", api.ListIncidents)
	router.GET("/v1/incidents/metrics", api.GetIncidentMetrics)
	router.GET("/v1/incidents/:incidentID", api.GetIncident)
	router.PATCH("/v1/incidents/:incidentID", api.UpdateIncident)
	router.POST("/v1/incidents/:incidentID/acknowledge", api.AcknowledgeIncident)
	router.POST("/v1/incidents/:incidentID/escalate", api.EscalateIncident)
	router.POST("/v1/incidents/:incidentID/close", api.CloseIncident)
	router.POST("/v1/incidents/:incidentID/recover", api.RecoverIncident)
}

type listIncidentsResponse struct {
	Items []*incident.Incident `json:"items"`
}

func (api *Api) CreateIncident(c *gin.Context) {
	var req incident.NewIncident
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", "invalid JSON")
		return
	}
	in, err := api.incidents.Create(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, in)
}

func (api *Api) ListIncidents(c *gin.Context) {
	var f incident.Filter
	if v := strings.TrimSpace(c.Query("status")); v != "" {
		s, err := incident.ParseStatus(v)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
			return
		}
		f.Status = s
	}
	if v := strings.TrimSpace(c.Query("severity")); v != "" {
		s, err := incident.ParseSeverity(v)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
			return
		}
		f.Severity = s
	}
	f.Component = strings.TrimSpace(c.Query("component"))
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 1000 {
			writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", "limit must be 1-1000")
			return
		}
		f.Limit = limit
	}

	items, err := api.incidents.List(c.Request.Context(), f)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, listIncidentsResponse{Items: items})
}

func (api *Api) GetIncident(c *gin.Context) {
	in, err := api.incidents.Get(c.Request.Context(), c.Param("incidentID"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

type updateIncidentRequest struct {
	incident.Patch
	Actor string `json:"actor"`
	Note  string `json:"note"`
}

func (api *Api) UpdateIncident(c *gin.Context) {
	var req updateIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", "invalid JSON")
		return
	}
	in, err := api.incidents.Update(c.Request.Context(), c.Param("incidentID"), req.Patch, actorOr(req.Actor), req.Note)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

type actionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// bindAction accepts an empty body.
func bindAction(c *gin.Context) (actionRequest, bool) {
	var req actionRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", "invalid JSON")
		return req, false
	}
	return req, true
}

func (api *Api) AcknowledgeIncident(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}
	in, err := api.incidents.Acknowledge(c.Request.Context(), c.Param("incidentID"), actorOr(req.Actor))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

func (api *Api) EscalateIncident(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual escalation by " + actorOr(req.Actor)
	}
	in, err := api.incidents.Escalate(c.Request.Context(), c.Param("incidentID"), reason)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

func (api *Api) CloseIncident(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}
	in, err := api.incidents.Close(c.Request.Context(), c.Param("incidentID"), actorOr(req.Actor))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

// RecoverIncident starts automated recovery by hand. It runs at most once per incident.
func (api *Api) RecoverIncident(c *gin.Context) {
	started, err := api.incidents.TriggerRecovery(c.Request.Context(), c.Param("incidentID"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	status := http.StatusAccepted
	if !started {
		status = http.StatusOK
	}
	c.JSON(status, map[string]any{"started": started})
}

func (api *Api) GetIncidentMetrics(c *gin.Context) {
	m, err := api.incidents.Metrics(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func actorOr(actor string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	return "api"
}
