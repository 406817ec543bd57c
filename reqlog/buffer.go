// Package reqlog keeps a bounded, in-memory record of the HTTP exchanges and
// auth transitions the application performs, for display in the demo UI.
package reqlog

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"altinndemo/authflow"
)

// DefaultMaxEntries is the capacity used when none is configured.
const DefaultMaxEntries = 1000

// Redacted replaces the value of sensitive headers and body fields.
const Redacted = "[REDACTED]"

// Entry types.
const (
	TypeOutgoing = "outgoing"
	TypeIncoming = "incoming"
	TypeEvent    = "event"
)

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"proxy-authorization": true,
}

// Entry is one logged exchange or transition.
type Entry struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Timestamp    time.Time         `json:"timestamp"`
	Method       string            `json:"method,omitempty"`
	URL          string            `json:"url,omitempty"`
	Headers      map[string]string `json:"headers"`
	RequestBody  any               `json:"requestBody,omitempty"`
	ResponseBody any               `json:"responseBody,omitempty"`
	StatusCode   int               `json:"statusCode,omitempty"`
	Duration     int64             `json:"duration,omitempty"`
	Event        string            `json:"event,omitempty"`
	Attributes   map[string]any    `json:"attributes,omitempty"`
}

// Buffer holds the most recent entries, newest first.
type Buffer struct {
	mu      sync.RWMutex
	max     int
	entries []Entry
}

// NewBuffer creates a buffer that keeps at most capacity entries.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultMaxEntries
	}
	return &Buffer{max: capacity}
}

// Record stores e, evicting the oldest entry when full. Sensitive headers are
// redacted before the entry is kept. The stored entry is returned.
func (b *Buffer) Record(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Headers = redactHeaders(e.Headers)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, Entry{})
	copy(b.entries[1:], b.entries)
	b.entries[0] = e
	if len(b.entries) > b.max {
		b.entries = b.entries[:b.max]
	}
	return e
}

// Entries returns a copy of the buffered entries, newest first.
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Clear drops every entry.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

// Emit records an auth transition, making the buffer an authflow.EventSink.
func (b *Buffer) Emit(ev authflow.Event) {
	b.Record(Entry{
		Type:       TypeEvent,
		Timestamp:  ev.Time,
		Event:      ev.Name,
		Attributes: ev.Attrs,
	})
}

// RecordIncoming logs a request received by the application. Extra is stored
// as the entry's request body.
func (b *Buffer) RecordIncoming(r *http.Request, extra any) Entry {
	return b.Record(Entry{
		Type:        TypeIncoming,
		Method:      r.Method,
		URL:         requestURL(r),
		Headers:     FlattenHeaders(r.Header),
		RequestBody: extra,
	})
}

// FlattenHeaders converts h to a lower-cased single-value map.
func FlattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

func redactHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if sensitiveHeaders[strings.ToLower(k)] {
			v = Redacted
		}
		out[k] = v
	}
	return out
}

func requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
