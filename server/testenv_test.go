package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"altinndemo/session"
)

// fakeIdP serves discovery, token and userinfo endpoints for handler tests.
type fakeIdP struct {
	*httptest.Server

	mu          sync.Mutex
	tokenStatus int
	tokenBody   map[string]any
	lastForm    url.Values
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	f := &fakeIdP{
		tokenStatus: http.StatusOK,
		tokenBody:   map[string]any{"access_token": "platform-token", "token_type": "Bearer", "expires_in": 600},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{
			"issuer":                 f.URL,
			"authorization_endpoint": f.URL + "/authorize",
			"token_endpoint":         f.URL + "/token",
			"userinfo_endpoint":      f.URL + "/userinfo",
			"jwks_uri":               f.URL + "/jwks",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		f.lastForm = r.PostForm
		status, body := f.tokenStatus, f.tokenBody
		f.mu.Unlock()
		respondJSON(w, status, body)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"sub": "user-1", "pid": "24916296424", "name": "Kari Nordmann"})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

// downstreamCall is what a fake Altinn API saw.
type downstreamCall struct {
	Method string
	Path   string
	Query  url.Values
	Auth   string
	Cookie string
	Body   string
}

// fakeAPI records calls and answers from a path-keyed table. Unknown paths
// answer 200 with {"path": <path>}.
type fakeAPI struct {
	*httptest.Server

	mu        sync.Mutex
	calls     []downstreamCall
	responses map[string]fakeResponse
}

type fakeResponse struct {
	status      int
	contentType string
	body        string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{responses: map[string]fakeResponse{}}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.calls = append(f.calls, downstreamCall{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Auth:   r.Header.Get("Authorization"),
			Cookie: r.Header.Get("Cookie"),
			Body:   string(body),
		})
		resp, ok := f.responses[r.URL.Path]
		f.mu.Unlock()

		http.SetCookie(w, &http.Cookie{Name: "downstream", Value: "x"})
		if !ok {
			respondJSON(w, http.StatusOK, map[string]any{"path": r.URL.Path})
			return
		}
		w.Header().Set("Content-Type", resp.contentType)
		w.WriteHeader(resp.status)
		_, _ = io.WriteString(w, resp.body)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeAPI) respond(path string, status int, contentType, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[path] = fakeResponse{status: status, contentType: contentType, body: body}
}

func (f *fakeAPI) lastCall(t *testing.T) downstreamCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatalf("downstream api was not called")
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type testEnv struct {
	app      *App
	handler  http.Handler
	idp      *fakeIdP
	platform *fakeAPI
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	idp := newFakeIdP(t)
	platform := newFakeAPI(t)

	cfg := DefaultConfig()
	cfg.Server.BaseURL = "http://demo.test"
	cfg.OAuth.DiscoveryURL = idp.URL + "/.well-known/openid-configuration"
	cfg.Altinn.PlatformURL = platform.URL

	app, err := NewApp(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	return &testEnv{app: app, handler: app.Routes(), idp: idp, platform: platform}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sessionCookie encodes rec the way the session manager does.
func sessionCookie(t *testing.T, rec session.Record) *http.Cookie {
	t.Helper()
	value, err := session.Encode(rec)
	if err != nil {
		t.Fatalf("encode session: %v", err)
	}
	return &http.Cookie{Name: session.CookieName, Value: value}
}

func findSessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if strings.EqualFold(c.Name, session.CookieName) {
			return c
		}
	}
	return nil
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}
