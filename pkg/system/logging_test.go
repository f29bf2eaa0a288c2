package system

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	prod, err := NewLogger(false)
	require.NoError(t, err)
	require.False(t, prod.Core().Enabled(zap.DebugLevel))

	dev, err := NewLogger(true)
	require.NoError(t, err)
	require.True(t, dev.Core().Enabled(zap.DebugLevel))
}

func TestGetReqLoggerFallbackWhenContextNil(t *testing.T) {
	fallback := zap.NewNop().Sugar()
	require.Same(t, fallback, GetReqLogger(nil, fallback))
}

func TestGetReqLoggerFromContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	fallback := zap.NewNop().Sugar()
	stored := zap.NewNop().Sugar()
	ctx.Set(ReqLoggerKey, stored)
	require.Same(t, stored, GetReqLogger(ctx, fallback))
}

func TestGetReqLoggerIgnoresInvalidTypes(t *testing.T) {
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	fallback := zap.NewNop().Sugar()
	ctx.Set(ReqLoggerKey, "not-a-logger")
	require.Same(t, fallback, GetReqLogger(ctx, fallback))
}

func TestSetReqLoggerAddsRequestFields(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request = httptest.NewRequest("POST", "/api/v1/audit-events", nil)

	core, recorded := observer.New(zap.InfoLevel)
	l := SetReqLogger(ctx, zap.New(core))
	require.Same(t, l, GetReqLogger(ctx, nil))

	l.Infow("handled")
	entries := recorded.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "POST", fields["method"])
	require.Contains(t, fields, "client")
}

func TestEventFields(t *testing.T) {
	require.Equal(t, []interface{}{"resourceType", "AuditEvent", "eventID", "e-1"}, EventFields("AuditEvent", "e-1"))
	require.Equal(t, []interface{}{"resourceType", "AuditEvent"}, EventFields("AuditEvent", ""))
}
