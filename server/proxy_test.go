package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"altinndemo/session"
)

func authedRequest(t *testing.T, method, target string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.AddCookie(sessionCookie(t, session.Record{
		AccessToken: "tok-1",
		UserInfo:    map[string]any{"pid": "24916296424"},
	}))
	return req
}

func TestProxyRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{
		"/api/platform/profile",
		"/api/platform/storage/instances",
		"/api/platform/storage/instances/1%2Fabc",
		"/api/app/metadata",
		"/api/altinn/profile",
	} {
		rec := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("GET %s status = %d", path, rec.Code)
		}
		var body map[string]string
		decodeBody(t, rec, &body)
		if body["error"] != "Not authenticated" {
			t.Fatalf("GET %s body = %v", path, body)
		}
	}
	if env.platform.callCount() != 0 {
		t.Fatalf("no downstream call expected")
	}
}

func TestProxyForwardsBearerOnly(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(authedRequest(t, http.MethodGet, "/api/platform/profile"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	call := env.platform.lastCall(t)
	if call.Path != "/profile/api/v1/user" {
		t.Fatalf("downstream path = %q", call.Path)
	}
	if call.Auth != "Bearer tok-1" {
		t.Fatalf("authorization = %q", call.Auth)
	}
	if call.Cookie != "" {
		t.Fatalf("browser cookie leaked downstream: %q", call.Cookie)
	}
	if rec.Header().Get("Set-Cookie") != "" {
		t.Fatalf("downstream cookie leaked to browser")
	}
}

func TestProxyInstancesOwner(t *testing.T) {
	env := newTestEnv(t)

	env.do(authedRequest(t, http.MethodGet, "/api/platform/storage/instances"))
	if got := env.platform.lastCall(t).Query.Get("instanceOwnerPartyId"); got != "24916296424" {
		t.Fatalf("default owner = %q", got)
	}

	env.do(authedRequest(t, http.MethodGet, "/api/platform/storage/instances?instanceOwnerPartyId=5001"))
	if got := env.platform.lastCall(t).Query.Get("instanceOwnerPartyId"); got != "5001" {
		t.Fatalf("explicit owner = %q", got)
	}

	env.do(authedRequest(t, http.MethodGet, "/api/altinn/instances"))
	if call := env.platform.lastCall(t); call.Path != "/storage/api/v1/instances" {
		t.Fatalf("legacy route path = %q", call.Path)
	}
}

func TestProxyInstancePaths(t *testing.T) {
	env := newTestEnv(t)
	tests := map[string]string{
		"/api/platform/storage/instances/512345%2Fabc-def":              "/storage/api/v1/instances/512345/abc-def",
		"/api/platform/storage/instances/512345%2Fabc-def/dataelements": "/storage/api/v1/instances/512345/abc-def/dataelements",
		"/api/platform/storage/instances/512345%2Fabc-def/events":       "/storage/api/v1/instances/512345/abc-def/events",
	}
	for in, want := range tests {
		rec := env.do(authedRequest(t, http.MethodGet, in))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d", in, rec.Code)
		}
		if got := env.platform.lastCall(t).Path; got != want {
			t.Fatalf("GET %s forwarded to %q, want %q", in, got, want)
		}
	}
}

func TestProxyWrapsDownstreamErrors(t *testing.T) {
	env := newTestEnv(t)
	env.platform.respond("/profile/api/v1/user", http.StatusForbidden, "application/json", `{"message":"denied"}`)
	env.platform.respond("/storage/api/v1/instances", http.StatusNotFound, "text/plain", "not here\n")

	rec := env.do(authedRequest(t, http.MethodGet, "/api/platform/profile"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	var jsonErr map[string]map[string]string
	decodeBody(t, rec, &jsonErr)
	if jsonErr["error"]["message"] != "denied" {
		t.Fatalf("json error body = %s", rec.Body.String())
	}

	rec = env.do(authedRequest(t, http.MethodGet, "/api/platform/storage/instances"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var textErr map[string]string
	decodeBody(t, rec, &textErr)
	if textErr["error"] != "not here" {
		t.Fatalf("text error body = %s", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestProxyTransportFailure(t *testing.T) {
	env := newTestEnv(t)
	env.platform.Close()

	rec := env.do(authedRequest(t, http.MethodGet, "/api/platform/profile"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error"] == "" {
		t.Fatalf("expected an error message")
	}
}

func TestAppAPINotConfigured(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(authedRequest(t, http.MethodGet, "/api/app/metadata"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if !strings.HasPrefix(body["error"], "App API not configured") {
		t.Fatalf("body = %v", body)
	}
}

func TestAppAPIForwarding(t *testing.T) {
	env := newTestEnv(t)
	appSrv := newFakeAPI(t)
	api, err := NewDownstreamAPI("app", appSrv.URL+"/ttd/demo", env.app.HTTPClient.Transport, 0, testLogger())
	if err != nil {
		t.Fatalf("NewDownstreamAPI: %v", err)
	}
	env.app.AppAPI = api

	env.do(authedRequest(t, http.MethodGet, "/api/app/metadata"))
	if got := appSrv.lastCall(t).Path; got != "/ttd/demo/metadata" {
		t.Fatalf("metadata path = %q", got)
	}

	env.do(authedRequest(t, http.MethodGet, "/api/app/instances?instanceOwnerPartyId=77"))
	if call := appSrv.lastCall(t); call.Path != "/ttd/demo/instances" || call.Query.Get("instanceOwnerPartyId") != "77" {
		t.Fatalf("instances call = %+v", call)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/app/instances", strings.NewReader(`{"instanceOwner":{"partyId":"77"}}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(sessionCookie(t, session.Record{AccessToken: "tok-1"}))
	env.do(req)
	call := appSrv.lastCall(t)
	if call.Method != http.MethodPost || !strings.Contains(call.Body, `"partyId":"77"`) {
		t.Fatalf("create call = %+v", call)
	}
	if call.Auth != "Bearer tok-1" {
		t.Fatalf("authorization = %q", call.Auth)
	}
}

func TestProxyCallsAreRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.do(authedRequest(t, http.MethodGet, "/api/platform/profile"))

	for _, e := range env.app.Logs.Entries() {
		if strings.HasSuffix(e.URL, "/profile/api/v1/user") {
			if e.Headers["authorization"] != "[REDACTED]" {
				t.Fatalf("bearer token not redacted: %q", e.Headers["authorization"])
			}
			return
		}
	}
	t.Fatalf("downstream call missing from the request log")
}

func TestNewDownstreamAPIRejectsBadURL(t *testing.T) {
	if _, err := NewDownstreamAPI("x", "not a url", http.DefaultTransport, 0, testLogger()); err == nil {
		t.Fatalf("expected error for relative url")
	}
}
