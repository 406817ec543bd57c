package session

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(secure bool) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(Options{Secure: secure}, logger)
}

func TestManagerSaveSetsCookieAttributes(t *testing.T) {
	m := newTestManager(true)
	w := httptest.NewRecorder()

	require.NoError(t, m.Save(w, Record{OAuthState: "s", CodeVerifier: "v"}))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, CookieName, c.Name)
	assert.Equal(t, "/", c.Path)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, int(DefaultTTL/time.Second), c.MaxAge)

	rec := Decode(c.Value)
	assert.Equal(t, "s", rec.OAuthState)
	assert.Equal(t, "v", rec.CodeVerifier)
}

func TestManagerLoadRoundTrip(t *testing.T) {
	m := newTestManager(false)
	w := httptest.NewRecorder()
	require.NoError(t, m.Save(w, Record{AccessToken: "tok"}))

	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	for _, c := range w.Result().Cookies() {
		req.AddCookie(c)
	}

	assert.Equal(t, "tok", m.Load(req).AccessToken)
}

func TestManagerLoadCaseInsensitiveName(t *testing.T) {
	m := newTestManager(false)
	value, err := Encode(Record{AccessToken: "tok"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Cookie", "other=1; Altinn-Session="+value)

	assert.Equal(t, "tok", m.Load(req).AccessToken)
}

func TestManagerLoadMissingOrMalformed(t *testing.T) {
	m := newTestManager(false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, m.Load(req).Empty())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "garbage"})
	assert.True(t, m.Load(req).Empty())
}

func TestManagerClearExpiresCookie(t *testing.T) {
	m := newTestManager(false)
	w := httptest.NewRecorder()
	m.Clear(w)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, CookieName, cookies[0].Name)
	assert.Empty(t, cookies[0].Value)
	assert.Less(t, cookies[0].MaxAge, 0)
}
