// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package system holds process-wide helpers: logger construction and the
// request-scoped logger carried through gin handlers.
package system

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ReqLoggerKey is the context key used to store request-scoped logger in gin context.
const ReqLoggerKey = "reqLogger"

// NewLogger builds the process logger: JSON production output, or the
// development console encoder at debug level when debug is set.
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncoderConfig.TimeKey = "ts"

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	return logger, nil
}

// SetReqLogger stores a request-scoped logger annotated with the request's
// method, path and client address.
func SetReqLogger(c *gin.Context, base *zap.Logger) *zap.SugaredLogger {
	l := base.Sugar().With(
		"method", c.Request.Method,
		"path", c.FullPath(),
		"client", c.ClientIP(),
	)
	c.Set(ReqLoggerKey, l)
	return l
}

// GetReqLogger returns the request-scoped sugared logger from gin.Context if present,
// otherwise returns the fallback.
func GetReqLogger(c *gin.Context, fallback *zap.SugaredLogger) *zap.SugaredLogger {
	if c == nil {
		return fallback
	}
	if v, ok := c.Get(ReqLoggerKey); ok {
		if l, ok2 := v.(*zap.SugaredLogger); ok2 {
			return l
		}
	}
	return fallback
}

// EventFields returns key/value pairs identifying an audit event for
// SugaredLogger.With or Infow calls. An empty id yields only the type.
func EventFields(resourceType, id string) []interface{} {
	if id == "" {
		return []interface{}{"resourceType", resourceType}
	}
	return []interface{}{"resourceType", resourceType, "eventID", id}
}
