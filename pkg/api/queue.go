package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fhirfactory/hestia-audit-relay/pkg/apiresponses"
	"github.com/fhirfactory/hestia-audit-relay/pkg/relay"
	"github.com/fhirfactory/hestia-audit-relay/pkg/system"
)

// QueueOperator exposes the pending-event queue for inspection and manual drains.
type QueueOperator interface {
	Stats() relay.Stats
	Flush(ctx context.Context) relay.DrainResult
	ResetBreaker() bool
}

// QueueController serves /api/v1/queue.
type QueueController struct {
	operator QueueOperator
	log      *zap.SugaredLogger
}

func NewQueueController(op QueueOperator, log *zap.Logger) *QueueController {
	return &QueueController{
		operator: op,
		log:      log.Named("queue").Sugar(),
	}
}

func (qc *QueueController) BasePath() string {
	return "queue"
}

func (qc *QueueController) Handlers() []gin.HandlerFunc {
	return nil
}

func (qc *QueueController) Register(rg *gin.RouterGroup) error {
	rg.GET("", qc.handleStats)
	rg.POST("/flush", qc.handleFlush)
	rg.POST("/breaker/reset", qc.handleBreakerReset)
	return nil
}

func (qc *QueueController) handleStats(c *gin.Context) {
	apiresponses.RespondOK(c, qc.operator.Stats())
}

func (qc *QueueController) handleFlush(c *gin.Context) {
	res := qc.operator.Flush(c.Request.Context())
	system.GetReqLogger(c, qc.log).Infow("Manual queue flush",
		"delivered", res.Delivered,
		"halted", res.Halted,
		"skipped", res.Skipped,
		"remaining", res.Remaining)
	apiresponses.RespondOK(c, res)
}

func (qc *QueueController) handleBreakerReset(c *gin.Context) {
	if !qc.operator.ResetBreaker() {
		apiresponses.RespondNotFoundSimple(c, "no circuit breaker configured")
		return
	}
	system.GetReqLogger(c, qc.log).Info("Circuit breaker reset by operator")
	apiresponses.RespondOK(c, qc.operator.Stats())
}
