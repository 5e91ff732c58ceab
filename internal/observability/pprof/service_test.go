package pprof

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goalbot/pkg/logx"
)

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServesIndexOnLoopback(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	resp := get(t, "http://"+s.Addr()+"/debug/pprof/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenGatesEveryEndpoint(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	resp := get(t, "http://"+s.Addr()+"/debug/pprof/")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, "http://"+s.Addr()+"/debug/pprof/?token=wrong")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, "http://"+s.Addr()+"/debug/pprof/?token=s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, "http://"+s.Addr()+"/debug/pprof/", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	client := &http.Client{Timeout: 5 * time.Second}
	hresp, err := client.Do(req)
	require.NoError(t, err)
	defer hresp.Body.Close()
	require.Equal(t, http.StatusOK, hresp.StatusCode)
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	err := s.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "non-loopback")
}

func TestDisabledStartIsNoop(t *testing.T) {
	s := New(Config{Enabled: false}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	require.Empty(t, s.Addr())
	require.NoError(t, s.Stop(context.Background()))
}
