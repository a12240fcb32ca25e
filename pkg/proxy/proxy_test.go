/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	"github.com/AMD-AIG-AIMA/podex/pkg/store"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
)

func newProxyEnv(t *testing.T, upstream http.Handler) (*Proxy, store.Interface, int) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewStore(client)

	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)
	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	require.NoError(t, st.Save(context.Background(), &types.WorkspaceRecord{
		Id:     "ws-1",
		Status: types.WorkspaceRunning,
		Assigned: &types.Assignment{
			ServerId:    "srv-1",
			ContainerId: "ctr-1",
			HostAddress: host,
		},
	}))
	return NewProxy(st), st, port
}

func TestForwardStripsHopByHopHeaders(t *testing.T) {
	var seen http.Header
	p, _, port := newProxyEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	r := httptest.NewRequest(http.MethodGet, "/anything?q=1", nil)
	r.Header.Set("Connection", "close")
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("X-Custom", "kept")
	w := httptest.NewRecorder()

	require.NoError(t, p.Forward(w, r, "ws-1", port, "api/v1/things"))

	assert.Empty(t, seen.Get("Upgrade"))
	assert.Equal(t, "kept", seen.Get("X-Custom"))

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "yes", w.Header().Get("X-Upstream"))
	assert.Empty(t, w.Header().Get("Connection"))
	assert.Equal(t, "short and stout", w.Body.String())
	assert.Equal(t, strconv.Itoa(len("short and stout")), w.Header().Get("Content-Length"))
}

func TestForwardRequiresRunningWorkspace(t *testing.T) {
	p, st, port := newProxyEnv(t, http.NotFoundHandler())
	record, err := st.Get(context.Background(), "ws-1")
	require.NoError(t, err)
	record.Status = types.WorkspaceStopped
	require.NoError(t, st.Save(context.Background(), record))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	err = p.Forward(httptest.NewRecorder(), r, "ws-1", port, "")
	require.Error(t, err)
	apiErr := podexerrors.FromError(err)
	assert.Equal(t, http.StatusBadRequest, apiErr.HttpCode)
}

func TestForwardUnreachableUpstream(t *testing.T) {
	p, _, _ := newProxyEnv(t, http.NotFoundHandler())

	// Nothing listens on this port.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	err := p.Forward(httptest.NewRecorder(), r, "ws-1", 1, "")
	require.Error(t, err)
	apiErr := podexerrors.FromError(err)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.HttpCode)
}

func TestForwardDoesNotFollowRedirects(t *testing.T) {
	p, _, port := newProxyEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	require.NoError(t, p.Forward(w, r, "ws-1", port, ""))
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/elsewhere", w.Header().Get("Location"))
}

func TestForwardInjectsTracerIntoHtml(t *testing.T) {
	p, _, port := newProxyEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body><h1>hi</h1></body></html>"))
	}))

	config.SetValue("proxy.tracer_script_url", "https://cdn.example.com/bridge.js")
	t.Cleanup(func() { config.SetValue("proxy.tracer_script_url", "") })

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	require.NoError(t, p.Forward(w, r, "ws-1", port, "index.html"))

	body := w.Body.String()
	assert.Contains(t, body, `<script src="https://cdn.example.com/bridge.js"></script></body>`)
	assert.Equal(t, strconv.Itoa(len(body)), w.Header().Get("Content-Length"))
}

func TestInjectTracer(t *testing.T) {
	out := InjectTracer([]byte("<html><BODY>x</BODY></html>"), "/t.js")
	assert.Equal(t, `<html><BODY>x<script src="/t.js"></script></BODY></html>`, string(out))

	// No closing tag: append.
	out = InjectTracer([]byte("partial"), "/t.js")
	assert.Equal(t, `partial<script src="/t.js"></script>`, string(out))

	// Empty script url: untouched.
	out = InjectTracer([]byte("<body></body>"), "")
	assert.Equal(t, "<body></body>", string(out))
}
