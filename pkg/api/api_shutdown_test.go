package api

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func freeAddress(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServer_Listen_ShutsDownOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Server.ListenAddress = freeAddress(t)
	s := NewServer(zaptest.NewLogger(t), cfg, true)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.ListenAddress + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after cancellation")
	}
}

func TestServer_Listen_ReportsBindError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig()
	cfg.Server.ListenAddress = l.Addr().String()
	s := NewServer(zaptest.NewLogger(t), cfg, true)
	defer s.Close()

	err = s.Listen(context.Background())
	assert.Error(t, err)
}

func TestServer_Close_IsRepeatable(t *testing.T) {
	s := NewServer(zaptest.NewLogger(t), testConfig(), true)
	s.Close()
	s.Close()

	empty := &Server{}
	empty.Close()
}
