package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerStartShutdown(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "pong")
	})

	srv := New("127.0.0.1:0", handler, nil)
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))

	_, err = http.Get("http://" + srv.Addr() + "/")
	assert.Error(t, err)
}

func TestServerStartBindError(t *testing.T) {
	first := New("127.0.0.1:0", http.NotFoundHandler(), nil)
	require.NoError(t, first.Start())
	defer first.Shutdown(context.Background())

	second := New(first.Addr(), http.NotFoundHandler(), nil)
	assert.Error(t, second.Start())
}

func TestServerShutdownBeforeStart(t *testing.T) {
	srv := New(":0", http.NotFoundHandler(), nil)
	assert.NoError(t, srv.Shutdown(context.Background()))
}
