package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fhirfactory/hestia-audit-relay/pkg/apiresponses"
	"github.com/fhirfactory/hestia-audit-relay/pkg/outcome"
	"github.com/fhirfactory/hestia-audit-relay/pkg/system"
)

// EventIngress accepts audit events for delivery. relay.Service implements it.
type EventIngress interface {
	WriteSync(ctx context.Context, payload string) (outcome.DeliveryOutcome, error)
	Enqueue(ctx context.Context, payload string) error
	EnqueueBatch(ctx context.Context, payloads []string) (int, error)
}

// AuditEventController serves /api/v1/audit-events.
type AuditEventController struct {
	ingress EventIngress
	log     *zap.SugaredLogger
}

func NewAuditEventController(ingress EventIngress, log *zap.Logger) *AuditEventController {
	return &AuditEventController{
		ingress: ingress,
		log:     log.Named("audit-events").Sugar(),
	}
}

func (ac *AuditEventController) BasePath() string {
	return "audit-events"
}

func (ac *AuditEventController) Handlers() []gin.HandlerFunc {
	return nil
}

func (ac *AuditEventController) Register(rg *gin.RouterGroup) error {
	rg.POST("", ac.handleWrite)
	rg.POST("/async", ac.handleEnqueue)
	rg.POST("/batch", ac.handleBatch)
	return nil
}

type queuedResponse struct {
	Status string `json:"status"`
	Queued int    `json:"queued"`
}

// handleWrite delivers one event synchronously and replies with the encoded outcome.
func (ac *AuditEventController) handleWrite(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	log := system.GetReqLogger(c, ac.log)

	o, err := ac.ingress.WriteSync(c.Request.Context(), string(body))
	if err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "invalid audit event", err.Error())
		return
	}

	status := http.StatusCreated
	if !o.Succeeded {
		log.Warnw("Synchronous audit event write failed", "outcome", o.String())
		status = http.StatusBadGateway
	}
	apiresponses.RespondRaw(c, status, outcome.Encode(o))
}

func (ac *AuditEventController) handleEnqueue(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	if err := ac.ingress.Enqueue(c.Request.Context(), string(body)); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "invalid audit event", err.Error())
		return
	}
	apiresponses.RespondAccepted(c, queuedResponse{Status: "queued", Queued: 1})
}

func (ac *AuditEventController) handleBatch(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "batch must be a JSON array of audit events", err.Error())
		return
	}
	if len(entries) == 0 {
		apiresponses.RespondBadRequest(c, "batch is empty")
		return
	}

	payloads := make([]string, len(entries))
	for i, e := range entries {
		payloads[i] = string(e)
	}

	n, err := ac.ingress.EnqueueBatch(c.Request.Context(), payloads)
	if err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "invalid batch", err.Error())
		return
	}
	system.GetReqLogger(c, ac.log).Debugw("Audit event batch accepted", "count", n)
	apiresponses.RespondAccepted(c, queuedResponse{Status: "queued", Queued: n})
}
