/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	"github.com/AMD-AIG-AIMA/podex/pkg/store"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
)

const forwardTimeout = 30 * time.Second

// hopByHopHeaders never cross the proxy in either direction.
var hopByHopHeaders = []string{
	"Host", "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// responseStripHeaders are dropped from upstream responses; the proxy
// re-derives framing itself after the HTML rewrite.
var responseStripHeaders = []string{"Content-Encoding", "Transfer-Encoding", "Connection"}

// Proxy forwards workspace-addressed HTTP traffic to the owning host. One
// pooled client serves the whole replica.
type Proxy struct {
	store  store.Interface
	client *http.Client
}

func NewProxy(st store.Interface) *Proxy {
	return &Proxy{
		store: st,
		client: &http.Client{
			Timeout: forwardTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				// Redirects go back to the caller untouched.
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forward relays one request to port on the workspace's host and writes the
// upstream response back. HTML responses get the tracer script injected.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, workspaceId string, port int, path string) error {
	record, err := p.store.Get(r.Context(), workspaceId)
	if err != nil {
		return err
	}
	if record.Status != types.WorkspaceRunning || record.Assigned == nil {
		return podexerrors.NewWorkspaceNotRunning(workspaceId)
	}

	target := fmt.Sprintf("http://%s:%d/%s",
		record.Assigned.HostAddress, port, strings.TrimPrefix(path, "/"))
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	upstream, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return podexerrors.NewBadRequest(err.Error())
	}
	copyRequestHeaders(upstream.Header, r.Header)

	rsp, err := p.client.Do(upstream)
	if err != nil {
		return cvtForwardError(err, target)
	}
	defer rsp.Body.Close()

	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		return cvtForwardError(err, target)
	}
	if isHtml(rsp.Header.Get("Content-Type")) {
		body = InjectTracer(body, config.GetTracerScriptUrl())
	}

	header := w.Header()
	for key, values := range rsp.Header {
		if isStripped(key, responseStripHeaders) {
			continue
		}
		for _, value := range values {
			header.Add(key, value)
		}
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(rsp.StatusCode)
	if _, err = w.Write(body); err != nil {
		klog.V(2).Infof("client went away mid-response for workspace %s: %v", workspaceId, err)
	}
	return nil
}

func copyRequestHeaders(dst, src http.Header) {
	for key, values := range src {
		if isStripped(key, hopByHopHeaders) {
			continue
		}
		// Let the transport negotiate encoding so HTML arrives decodable.
		if http.CanonicalHeaderKey(key) == "Accept-Encoding" {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isStripped(key string, list []string) bool {
	canonical := http.CanonicalHeaderKey(key)
	for _, stripped := range list {
		if canonical == stripped {
			return true
		}
	}
	return false
}

func isHtml(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "text/html")
}

// cvtForwardError maps transport failures onto the proxy error codes.
func cvtForwardError(err error, target string) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return podexerrors.NewUpstreamTimeout("timed out forwarding to " + target)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return podexerrors.NewUpstreamTimeout("timed out forwarding to " + target)
	}
	return podexerrors.NewUpstreamUnreachable(fmt.Sprintf("forwarding to %s: %v", target, err))
}

// InjectTracer inserts the script tag ahead of </body>, or appends when no
// closing tag exists. Pure function over the body bytes; empty scriptUrl is a
// no-op.
func InjectTracer(body []byte, scriptUrl string) []byte {
	if scriptUrl == "" {
		return body
	}
	tag := []byte(`<script src="` + scriptUrl + `"></script>`)
	lower := bytes.ToLower(body)
	index := bytes.LastIndex(lower, []byte("</body>"))
	if index < 0 {
		return append(body, tag...)
	}
	result := make([]byte, 0, len(body)+len(tag))
	result = append(result, body[:index]...)
	result = append(result, tag...)
	result = append(result, body[index:]...)
	return result
}
