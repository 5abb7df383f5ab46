package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerExposesMetrics(t *testing.T) {
	FramesTotal.WithLabelValues(OutcomeDecoded).Inc()

	s := NewServer("127.0.0.1:0", "")
	require.NoError(t, s.Start(context.Background()))
	defer func() { assert.NoError(t, s.Stop(context.Background())) }()

	resp, err := http.Get("http://" + s.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `wstap_frames_total{outcome="decoded"}`)

	health, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestServerListenError(t *testing.T) {
	s := NewServer("256.0.0.1:bad", "/m")
	assert.Error(t, s.Start(context.Background()))
	assert.Nil(t, s.Addr())
	assert.NoError(t, s.Stop(context.Background()))
}
