package api

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fhirfactory/hestia-audit-relay/pkg/apiresponses"
	"github.com/fhirfactory/hestia-audit-relay/pkg/capability"
	"github.com/fhirfactory/hestia-audit-relay/pkg/system"
)

// CapabilityController answers capability requests posted over HTTP by
// peers that do not share a cluster fabric with this node.
type CapabilityController struct {
	fulfiller capability.Fulfiller
	log       *zap.SugaredLogger
}

func NewCapabilityController(f capability.Fulfiller, log *zap.Logger) *CapabilityController {
	return &CapabilityController{
		fulfiller: f,
		log:       log.Named("capabilities").Sugar(),
	}
}

func (cc *CapabilityController) BasePath() string {
	return "capabilities"
}

func (cc *CapabilityController) Handlers() []gin.HandlerFunc {
	return nil
}

func (cc *CapabilityController) Register(rg *gin.RouterGroup) error {
	rg.POST("", cc.handleRequest)
	return nil
}

// handleRequest always replies 200 once the request decodes; an unknown or
// failed capability is reported through Response.Succeeded.
func (cc *CapabilityController) handleRequest(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}

	var req capability.Request
	if err := json.Unmarshal(body, &req); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "invalid capability request", err.Error())
		return
	}
	if req.RequestID == "" || req.CapabilityName == "" {
		apiresponses.RespondBadRequest(c, "capability request needs requestID and requiredCapabilityName")
		return
	}

	resp := cc.fulfiller.Fulfill(c.Request.Context(), req)
	system.GetReqLogger(c, cc.log).Debugw("Capability request fulfilled",
		"request_id", req.RequestID,
		"capability", req.CapabilityName,
		"succeeded", resp.Succeeded)
	apiresponses.RespondOK(c, resp)
}
