package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DownstreamAPI relays authenticated calls to one Altinn API using the
// session's access token as a bearer credential.
type DownstreamAPI struct {
	name    string
	target  *url.URL
	timeout time.Duration
	proxy   *httputil.ReverseProxy
	logger  *slog.Logger
}

type upstreamKey struct{}

type upstreamCall struct {
	path  string
	query url.Values
	token string
}

// NewDownstreamAPI creates a relay to base. Calls go through transport so
// they are recorded like every other outgoing request.
func NewDownstreamAPI(name, base string, transport http.RoundTripper, timeout time.Duration, logger *slog.Logger) (*DownstreamAPI, error) {
	target, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s url: %w", name, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid %s url: %q", name, base)
	}

	d := &DownstreamAPI{name: name, target: target, timeout: timeout, logger: logger}
	d.proxy = &httputil.ReverseProxy{
		Rewrite:        d.rewrite,
		Transport:      transport,
		ModifyResponse: wrapErrorResponse,
		ErrorHandler:   d.handleError,
	}

	logger.Info("downstream api configured", "api", name, "target", target.String())
	return d, nil
}

// BaseURL returns the API root.
func (d *DownstreamAPI) BaseURL() string { return d.target.String() }

// Forward sends the request on to path below the API root with the given
// query. The response status and body are passed back; error statuses are
// returned as {"error": <downstream body>}.
func (d *DownstreamAPI) Forward(w http.ResponseWriter, r *http.Request, path string, query url.Values, token string) {
	ctx := context.WithValue(r.Context(), upstreamKey{}, upstreamCall{path: path, query: query, token: token})
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	d.logger.Debug("forwarding request", "api", d.name, "method", r.Method, "path", path)
	d.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (d *DownstreamAPI) rewrite(pr *httputil.ProxyRequest) {
	call, _ := pr.In.Context().Value(upstreamKey{}).(upstreamCall)

	pr.Out.URL.Scheme = d.target.Scheme
	pr.Out.URL.Host = d.target.Host
	pr.Out.URL.Path = d.target.Path + "/" + strings.TrimPrefix(call.path, "/")
	pr.Out.URL.RawPath = ""
	pr.Out.URL.RawQuery = call.query.Encode()
	pr.Out.Host = d.target.Host

	// Browser credentials stay here; only the bearer token goes downstream.
	pr.Out.Header.Del("Cookie")
	pr.Out.Header.Del("Accept-Encoding")
	pr.Out.Header.Set("Authorization", "Bearer "+call.token)
	pr.Out.Header.Set("Accept", "application/json")
}

func (d *DownstreamAPI) handleError(w http.ResponseWriter, r *http.Request, err error) {
	d.logger.Error("downstream call failed", "api", d.name, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// wrapErrorResponse rewrites downstream error bodies to {"error": body},
// keeping the status.
func wrapErrorResponse(resp *http.Response) error {
	resp.Header.Del("Set-Cookie")
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return err
	}

	var detail any = strings.TrimSpace(string(raw))
	var parsed any
	if len(raw) > 0 && json.Unmarshal(raw, &parsed) == nil {
		detail = parsed
	}
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	body, err := json.Marshal(map[string]any{"error": detail})
	if err != nil {
		return err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Header.Set("Content-Type", "application/json")
	resp.Header.Del("Content-Encoding")
	return nil
}
