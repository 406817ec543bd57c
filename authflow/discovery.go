package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DiscoveryDocument holds the provider endpoints the flow needs.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer,omitempty"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri,omitempty"`
}

func (d DiscoveryDocument) validate() error {
	var missing []string
	if d.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if d.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if d.UserinfoEndpoint == "" {
		missing = append(missing, "userinfo_endpoint")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: document missing %v", ErrDiscovery, missing)
	}
	return nil
}

// Discovery fetches the provider's discovery document on first use and keeps
// it for the life of the process. Failed fetches are not cached; the next
// call tries again. Concurrent first calls share one request.
type Discovery struct {
	url    string
	client *http.Client
	logger *slog.Logger
	events EventSink

	mu     sync.RWMutex
	doc    *DiscoveryDocument
	flight singleflight.Group
}

// defaultFetchTimeout bounds the detached fetch when no client is supplied.
const defaultFetchTimeout = 10 * time.Second

// NewDiscovery constructs a cache for the document at url.
func NewDiscovery(url string, client *http.Client, logger *slog.Logger, events EventSink) *Discovery {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if events == nil {
		events = discardSink{}
	}
	return &Discovery{url: url, client: client, logger: logger, events: events}
}

// URL returns the discovery endpoint.
func (d *Discovery) URL() string { return d.url }

// Cached returns the memoized document, if any.
func (d *Discovery) Cached() (DiscoveryDocument, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.doc == nil {
		return DiscoveryDocument{}, false
	}
	return *d.doc, true
}

// Get returns the discovery document, fetching it if it has not been loaded yet.
// Concurrent first calls share one fetch. The fetch is detached from any single
// caller's cancellation; each caller stops waiting when its own ctx is done and
// the client timeout bounds the request itself.
func (d *Discovery) Get(ctx context.Context) (DiscoveryDocument, error) {
	if doc, ok := d.Cached(); ok {
		return doc, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := d.flight.DoChan("discovery", func() (any, error) {
		if doc, ok := d.Cached(); ok {
			return doc, nil
		}
		doc, err := d.fetch(fetchCtx)
		if err != nil {
			emit(d.events, EventDiscoveryFailed, map[string]any{"url": d.url, "error": err.Error()})
			return nil, err
		}
		d.mu.Lock()
		d.doc = &doc
		d.mu.Unlock()
		emit(d.events, EventDiscoveryLoaded, map[string]any{"url": d.url, "issuer": doc.Issuer})
		return doc, nil
	})

	select {
	case <-ctx.Done():
		return DiscoveryDocument{}, fmt.Errorf("%w: %w", ErrDiscovery, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return DiscoveryDocument{}, res.Err
		}
		return res.Val.(DiscoveryDocument), nil
	}
}

// Prewarm loads the document in the background. A failure is logged and left
// for the first real request to retry.
func (d *Discovery) Prewarm(ctx context.Context) {
	go func() {
		if _, err := d.Get(ctx); err != nil {
			d.logger.Warn("discovery prewarm failed", "url", d.url, "error", err)
			return
		}
		d.logger.Info("discovery loaded", "url", d.url)
	}()
}

func (d *Discovery) fetch(ctx context.Context) (DiscoveryDocument, error) {
	if d.url == "" {
		return DiscoveryDocument{}, fmt.Errorf("%w: discovery url not configured", ErrConfiguration)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return DiscoveryDocument{}, fmt.Errorf("%w: build request: %w", ErrDiscovery, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return DiscoveryDocument{}, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return DiscoveryDocument{}, fmt.Errorf("%w: read body: %w", ErrDiscovery, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return DiscoveryDocument{}, fmt.Errorf("%w: unexpected status %d", ErrDiscovery, resp.StatusCode)
	}

	var doc DiscoveryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return DiscoveryDocument{}, fmt.Errorf("%w: decode document: %w", ErrDiscovery, err)
	}
	if err := doc.validate(); err != nil {
		return DiscoveryDocument{}, err
	}
	return doc, nil
}
