/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiresponses

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var resp APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestErrorResponders(t *testing.T) {
	tests := []struct {
		name    string
		respond func(c *gin.Context)
		status  int
		code    string
		message string
		details string
	}{
		{
			name:    "not found",
			respond: func(c *gin.Context) { RespondNotFoundSimple(c, "no such route") },
			status:  http.StatusNotFound,
			code:    "NOT_FOUND",
			message: "no such route",
		},
		{
			name:    "bad request",
			respond: func(c *gin.Context) { RespondBadRequest(c, "invalid audit event") },
			status:  http.StatusBadRequest,
			code:    "BAD_REQUEST",
			message: "invalid audit event",
		},
		{
			name: "bad request with details",
			respond: func(c *gin.Context) {
				RespondBadRequestWithDetails(c, "invalid batch", "entry 2: missing resourceType")
			},
			status:  http.StatusBadRequest,
			code:    "BAD_REQUEST",
			message: "invalid batch",
			details: "entry 2: missing resourceType",
		},
		{
			name:    "too large",
			respond: func(c *gin.Context) { RespondRequestTooLarge(c, 1024) },
			status:  http.StatusRequestEntityTooLarge,
			code:    "REQUEST_TOO_LARGE",
			message: "request body exceeds 1024 bytes",
		},
		{
			name:    "service unavailable",
			respond: func(c *gin.Context) { RespondServiceUnavailable(c, "redis") },
			status:  http.StatusServiceUnavailable,
			code:    "SERVICE_UNAVAILABLE",
			message: "service unavailable: redis",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			tt.respond(c)

			assert.Equal(t, tt.status, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.message, resp.Error)
			assert.Equal(t, tt.details, resp.Details)
		})
	}
}

func TestRespondInternalError_SanitizesMessage(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	RespondInternalError(c, "flush queue", errors.New("dial tcp 10.0.0.1:6379: refused"), zaptest.NewLogger(t).Sugar())

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "failed to flush queue", resp.Error)
	assert.Equal(t, "INTERNAL_ERROR", resp.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.1")
}

func TestRespondInternalError_NilLogger(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	RespondInternalError(c, "flush queue", errors.New("boom"), nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSuccessResponders(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		RespondOK(c, gin.H{"pending": 3})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"pending":3}`, w.Body.String())
	})

	t.Run("accepted", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		RespondAccepted(c, gin.H{"queued": 2})
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.JSONEq(t, `{"queued":2}`, w.Body.String())
	})

	t.Run("raw", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		RespondRaw(c, http.StatusCreated, `{"resourceId":"e1"}`)
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, `{"resourceId":"e1"}`, w.Body.String())
		assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	})
}
