package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qiniu/incidentops/internal/alerting/service/ruleset"
)

func RegisterRuleRoutes(router gin.IRouter, api *Api) {
	router.GET("/v1/alert-rules", api.ListRules)
	router.POST("/v1/alert-rules", api.RegisterRule)
	router.GET("/v1/alert-rules/:ruleID", api.GetRule)
	router.DELETE("/v1/alert-rules/:ruleID", api.DeleteRule)
	router.POST("/v1/alert-rules/:ruleID/enable", api.EnableRule)
	router.POST("/v1/alert-rules/:ruleID/disable", api.DisableRule)
}

// ruleView is the response form of a rule: its wire form plus the last fire time.
type ruleView struct {
	ruleset.RuleSpec
	LastTriggered string `json:"lastTriggered,omitempty"`
}

func viewOf(r *ruleset.AlertRule) ruleView {
	v := ruleView{RuleSpec: r.Spec()}
	if r.LastTriggered != nil {
		v.LastTriggered = r.LastTriggered.UTC().Format(time.RFC3339)
	}
	return v
}

type listRulesResponse struct {
	Items []ruleView `json:"items"`
}

func (api *Api) ListRules(c *gin.Context) {
	rules, err := api.rules.List(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	items := make([]ruleView, 0, len(rules))
	for _, r := range rules {
		items = append(items, viewOf(r))
	}
	c.JSON(http.StatusOK, listRulesResponse{Items: items})
}

// RegisterRule creates or replaces the rule with the posted id.
func (api *Api) RegisterRule(c *gin.Context) {
	var spec ruleset.RuleSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", "invalid JSON")
		return
	}
	r, err := spec.ToRule()
	if err != nil {
		writeServiceError(c, err)
		return
	}
	saved, err := api.rules.Register(c.Request.Context(), r)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(saved))
}

func (api *Api) GetRule(c *gin.Context) {
	r, err := api.rules.Get(c.Request.Context(), c.Param("ruleID"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(r))
}

func (api *Api) DeleteRule(c *gin.Context) {
	if err := api.rules.Delete(c.Request.Context(), c.Param("ruleID")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (api *Api) EnableRule(c *gin.Context) { api.setEnabled(c, true) }

func (api *Api) DisableRule(c *gin.Context) { api.setEnabled(c, false) }

func (api *Api) setEnabled(c *gin.Context, enabled bool) {
	r, err := api.rules.SetEnabled(c.Request.Context(), c.Param("ruleID"), enabled)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(r))
}
