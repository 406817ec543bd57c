package session

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// CookieName is the name of the cookie holding the encoded Record.
const CookieName = "altinn-session"

// DefaultTTL is the cookie lifetime.
const DefaultTTL = 24 * time.Hour

// Options control the cookie attributes.
type Options struct {
	Secure bool
	Domain string
	TTL    time.Duration
}

// Manager reads and writes the session cookie.
type Manager struct {
	logger *slog.Logger
	secure bool
	domain string
	ttl    time.Duration
}

// NewManager constructs a Manager. A zero TTL means DefaultTTL.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		logger: logger,
		secure: opts.Secure,
		domain: opts.Domain,
		ttl:    ttl,
	}
}

// Load returns the record carried by the request. A missing or undecodable
// cookie yields an empty record.
func (m *Manager) Load(r *http.Request) Record {
	c := lookupCookie(r)
	if c == nil {
		return Record{}
	}
	rec := Decode(c.Value)
	if rec.Empty() && c.Value != "" {
		m.logger.Debug("session cookie could not be decoded", "length", len(c.Value))
	}
	return rec
}

// Save writes rec as the session cookie, replacing whatever the client holds.
func (m *Manager) Save(w http.ResponseWriter, rec Record) error {
	value, err := Encode(rec)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Domain:   m.domain,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(m.ttl.Seconds()),
	})
	return nil
}

// Clear expires the session cookie.
func (m *Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Domain:   m.domain,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// lookupCookie finds the session cookie, falling back to a case-insensitive
// name match.
func lookupCookie(r *http.Request) *http.Cookie {
	if c, err := r.Cookie(CookieName); err == nil {
		return c
	}
	for _, c := range r.Cookies() {
		if strings.EqualFold(c.Name, CookieName) {
			return c
		}
	}
	return nil
}
