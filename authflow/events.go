package authflow

import (
	"context"
	"log/slog"
	"time"
)

// Event names emitted by Flow and Discovery.
const (
	EventLoginInitiated    = "login_initiated"
	EventCallbackValidated = "callback_validated"
	EventCallbackRejected  = "callback_rejected"
	EventTokenExchanged    = "token_exchanged"
	EventUserInfoFetched   = "userinfo_fetched"
	EventUserInfoFailed    = "userinfo_failed"
	EventSessionCleared    = "session_cleared"
	EventDiscoveryLoaded   = "discovery_loaded"
	EventDiscoveryFailed   = "discovery_failed"
)

// Event is a single state transition. Attrs never carry token material.
type Event struct {
	Name  string
	Time  time.Time
	Attrs map[string]any
}

// EventSink receives transition events.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans an event out to every non-nil sink in order.
type MultiSink []EventSink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// LogSink writes events to a slog logger under the "auth." prefix.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(e Event) {
	if s.Logger == nil {
		return
	}
	level := slog.LevelInfo
	switch e.Name {
	case EventCallbackRejected, EventUserInfoFailed, EventDiscoveryFailed:
		level = slog.LevelWarn
	}
	attrs := make([]slog.Attr, 0, len(e.Attrs))
	for k, v := range e.Attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.Logger.LogAttrs(context.Background(), level, "auth."+e.Name, attrs...)
}

type discardSink struct{}

func (discardSink) Emit(Event) {}

func emit(sink EventSink, name string, attrs map[string]any) {
	sink.Emit(Event{Name: name, Time: time.Now().UTC(), Attrs: attrs})
}
