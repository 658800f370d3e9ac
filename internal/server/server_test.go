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

func TestServer_StartServeStop(t *testing.T) {
	srv := New(Config{
		Addr:         "127.0.0.1:0",
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "ok")
		}),
	})

	ctx := context.Background()
	require.NoError(t, srv.Start(ctx))

	resp, err := http.Get("http://" + srv.Addr() + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))

	require.NoError(t, srv.Stop(ctx))

	_, err = http.Get("http://" + srv.Addr() + "/")
	assert.Error(t, err)
}

func TestServer_StartFailsOnBadAddr(t *testing.T) {
	srv := New(Config{Addr: "256.256.256.256:99999"})
	assert.Error(t, srv.Start(context.Background()))
}
