package authflow

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
)

// stubIdP is an httptest identity provider serving discovery, token and
// userinfo endpoints.
type stubIdP struct {
	*httptest.Server

	discoveryHits atomic.Int32
	tokenHits     atomic.Int32
	userinfoHits  atomic.Int32

	mu            sync.Mutex
	discoveryCode int
	// discoveryGate, when set, holds discovery responses until it is closed.
	discoveryGate    chan struct{}
	discoveryStarted chan struct{}
	omitUserinfo  bool
	tokenStatus   int
	tokenBody     map[string]any
	userinfoCode  int
	userinfoBody  map[string]any
	lastForm      url.Values
	lastBasicUser string
	lastBasicPass string
	lastBearer    string
}

func newStubIdP(t *testing.T) *stubIdP {
	t.Helper()
	s := &stubIdP{
		discoveryCode: http.StatusOK,
		tokenStatus:   http.StatusOK,
		tokenBody:     map[string]any{"access_token": "tok", "token_type": "Bearer", "expires_in": 3600},
		userinfoCode:  http.StatusOK,
		userinfoBody:  map[string]any{"sub": "user-1", "pid": "24916296424"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/userinfo", s.handleUserinfo)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *stubIdP) DiscoveryURL() string {
	return s.URL + "/.well-known/openid-configuration"
}

func (s *stubIdP) set(fn func(*stubIdP)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *stubIdP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	s.discoveryHits.Add(1)
	s.mu.Lock()
	code, omitUserinfo := s.discoveryCode, s.omitUserinfo
	gate, started := s.discoveryGate, s.discoveryStarted
	s.mu.Unlock()
	if gate != nil {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if code != http.StatusOK {
		http.Error(w, "unavailable", code)
		return
	}
	doc := map[string]any{
		"issuer":                 s.URL,
		"authorization_endpoint": s.URL + "/authorize",
		"token_endpoint":         s.URL + "/token",
		"jwks_uri":               s.URL + "/jwks",
	}
	if !omitUserinfo {
		doc["userinfo_endpoint"] = s.URL + "/userinfo"
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *stubIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	s.tokenHits.Add(1)
	_ = r.ParseForm()
	user, pass, _ := r.BasicAuth()
	s.mu.Lock()
	s.lastForm = r.PostForm
	s.lastBasicUser, s.lastBasicPass = user, pass
	status, body := s.tokenStatus, s.tokenBody
	s.mu.Unlock()
	writeJSON(w, status, body)
}

func (s *stubIdP) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	s.userinfoHits.Add(1)
	s.mu.Lock()
	s.lastBearer = r.Header.Get("Authorization")
	status, body := s.userinfoCode, s.userinfoBody
	s.mu.Unlock()
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink captures emitted events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name)
	}
	return out
}
