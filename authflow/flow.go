package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"altinndemo/session"
)

// IDTokenVerifier checks an ID token signature against the provider keys and
// its nonce against the one sent at login.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, issuer, jwksURL, rawIDToken, nonce string) error
}

// Config holds the client registration used by Flow.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// AuthorizationDetails is appended verbatim to the authorization request
	// when set.
	AuthorizationDetails json.RawMessage
	HTTPClient           *http.Client
	// Verifier enables ID token signature checks. Nil leaves tokens unverified.
	Verifier IDTokenVerifier
}

// Flow runs the authorization code flow with PKCE against one provider.
// It holds no per-user state; everything a login needs between the redirect
// and the callback travels in the session.Record.
type Flow struct {
	cfg       Config
	discovery *Discovery
	client    *http.Client
	logger    *slog.Logger
	events    EventSink
}

// NewFlow constructs a Flow.
func NewFlow(cfg Config, discovery *Discovery, logger *slog.Logger, events EventSink) *Flow {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if events == nil {
		events = discardSink{}
	}
	return &Flow{cfg: cfg, discovery: discovery, client: client, logger: logger, events: events}
}

// Discovery returns the discovery cache the flow reads endpoints from.
func (f *Flow) Discovery() *Discovery { return f.discovery }

// VerifiesIDTokens reports whether ID token signatures are checked.
func (f *Flow) VerifiesIDTokens() bool { return f.cfg.Verifier != nil }

// LoginRedirect is the outcome of InitiateLogin: where to send the browser
// and the pending record to store before doing so.
type LoginRedirect struct {
	URL    string
	Record session.Record
}

// InitiateLogin generates PKCE, state and nonce and builds the authorization
// request URL.
func (f *Flow) InitiateLogin(ctx context.Context) (LoginRedirect, error) {
	doc, err := f.discovery.Get(ctx)
	if err != nil {
		return LoginRedirect{}, err
	}
	if doc.AuthorizationEndpoint == "" {
		return LoginRedirect{}, fmt.Errorf("%w: authorization endpoint not available", ErrConfiguration)
	}

	pkce := NewPKCE()
	state, err := randomToken()
	if err != nil {
		return LoginRedirect{}, err
	}
	nonce, err := randomToken()
	if err != nil {
		return LoginRedirect{}, err
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.Method),
	}
	if len(f.cfg.AuthorizationDetails) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("authorization_details", string(f.cfg.AuthorizationDetails)))
	}
	authURL := f.oauthConfig(doc).AuthCodeURL(state, opts...)

	emit(f.events, EventLoginInitiated, map[string]any{
		"authorization_endpoint": doc.AuthorizationEndpoint,
		"scopes":                 f.cfg.Scopes,
		"rar":                    len(f.cfg.AuthorizationDetails) > 0,
	})

	return LoginRedirect{
		URL: authURL,
		Record: session.Record{
			OAuthState:   state,
			OAuthNonce:   nonce,
			CodeVerifier: pkce.Verifier,
		},
	}, nil
}

// CallbackParams are the query parameters the provider redirects back with.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackParamsFromQuery reads CallbackParams from a callback URL query.
func CallbackParamsFromQuery(q url.Values) CallbackParams {
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// HandleCallback validates the callback against the pending record, exchanges
// the code and returns the authenticated record that replaces it. On failure
// the caller keeps its current record; nothing here mutates it.
func (f *Flow) HandleCallback(ctx context.Context, params CallbackParams, current session.Record) (session.Record, error) {
	if err := validateCallback(params, current); err != nil {
		emit(f.events, EventCallbackRejected, map[string]any{"reason": CallbackErrorCode(err)})
		return session.Record{}, err
	}
	emit(f.events, EventCallbackValidated, nil)

	doc, err := f.discovery.Get(ctx)
	if err != nil {
		emit(f.events, EventCallbackRejected, map[string]any{"reason": CallbackErrorCode(err)})
		return session.Record{}, err
	}
	if doc.TokenEndpoint == "" {
		err := fmt.Errorf("%w: token endpoint not available", ErrConfiguration)
		emit(f.events, EventCallbackRejected, map[string]any{"reason": CallbackErrorCode(err)})
		return session.Record{}, err
	}

	rec, err := f.exchange(ctx, doc, params.Code, current)
	if err != nil {
		emit(f.events, EventCallbackRejected, map[string]any{"reason": CallbackErrorCode(err)})
		return session.Record{}, err
	}
	return rec, nil
}

func validateCallback(params CallbackParams, current session.Record) error {
	if params.Error != "" {
		return &ProviderError{Code: params.Error, Description: params.ErrorDescription}
	}
	if current.OAuthState == "" || params.State != current.OAuthState {
		return ErrStateMismatch
	}
	if params.Code == "" {
		return ErrMissingCode
	}
	if current.CodeVerifier == "" {
		return ErrMissingVerifier
	}
	return nil
}

func (f *Flow) exchange(ctx context.Context, doc DiscoveryDocument, code string, pending session.Record) (session.Record, error) {
	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, f.tokenClient())
	tok, err := f.oauthConfig(doc).Exchange(httpCtx, code, oauth2.VerifierOption(pending.CodeVerifier))
	if err != nil {
		return session.Record{}, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}
	if tok.AccessToken == "" {
		return session.Record{}, fmt.Errorf("%w: response missing access_token", ErrTokenExchange)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if f.cfg.Verifier != nil {
		if rawIDToken == "" {
			return session.Record{}, fmt.Errorf("%w: response missing id_token", ErrIDTokenInvalid)
		}
		if err := f.cfg.Verifier.VerifyIDToken(ctx, doc.Issuer, doc.JWKSURI, rawIDToken, pending.OAuthNonce); err != nil {
			return session.Record{}, fmt.Errorf("%w: %w", ErrIDTokenInvalid, err)
		}
	}

	idClaims := DecodeClaims(rawIDToken)
	if err := f.checkNonce(idClaims, pending.OAuthNonce); err != nil {
		return session.Record{}, err
	}
	accessClaims := DecodeClaims(tok.AccessToken)
	details := ExtractAuthorizationDetails(idClaims, accessClaims, map[string]any{
		authorizationDetailsClaim: tok.Extra(authorizationDetailsClaim),
	})

	rec := session.Record{
		AccessToken:          tok.AccessToken,
		RefreshToken:         tok.RefreshToken,
		IDToken:              rawIDToken,
		IDTokenClaims:        idClaims,
		AuthorizationDetails: details,
	}
	if !tok.Expiry.IsZero() {
		rec.TokenExpiresAt = tok.Expiry.UnixMilli()
	}
	emit(f.events, EventTokenExchanged, map[string]any{
		"has_refresh_token":     tok.RefreshToken != "",
		"has_id_token":          rawIDToken != "",
		"authorization_details": len(details),
		"expires_at":            rec.TokenExpiresAt,
	})

	if doc.UserinfoEndpoint != "" {
		info, err := f.fetchUserInfo(ctx, doc, tok)
		if err != nil {
			emit(f.events, EventUserInfoFailed, map[string]any{"error": err.Error()})
		} else {
			rec.UserInfo = info
			emit(f.events, EventUserInfoFetched, map[string]any{"claims": len(info)})
		}
	}
	return rec, nil
}

// checkNonce compares the nonce claim with the one sent at login. A mismatch
// only fails the callback when signatures are verified; decoded but unverified
// claims are not trusted enough to reject on.
func (f *Flow) checkNonce(idClaims map[string]any, expected string) error {
	if expected == "" || idClaims == nil {
		return nil
	}
	got, ok := idClaims["nonce"].(string)
	if !ok || got == expected {
		return nil
	}
	if f.cfg.Verifier != nil {
		return fmt.Errorf("%w: nonce mismatch", ErrIDTokenInvalid)
	}
	f.logger.Warn("id token nonce does not match login nonce")
	return nil
}

func (f *Flow) fetchUserInfo(ctx context.Context, doc DiscoveryDocument, tok *oauth2.Token) (map[string]any, error) {
	oidcCtx := oidc.ClientContext(ctx, f.client)
	provider := (&oidc.ProviderConfig{
		IssuerURL:   doc.Issuer,
		AuthURL:     doc.AuthorizationEndpoint,
		TokenURL:    doc.TokenEndpoint,
		UserInfoURL: doc.UserinfoEndpoint,
		JWKSURL:     doc.JWKSURI,
	}).NewProvider(oidcCtx)

	info, err := provider.UserInfo(oidcCtx, oauth2.StaticTokenSource(tok))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUserInfo, err)
	}
	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decode claims: %w", ErrUserInfo, err)
	}
	return claims, nil
}

func (f *Flow) oauthConfig(doc DiscoveryDocument) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     f.cfg.ClientID,
		ClientSecret: f.cfg.ClientSecret,
		RedirectURL:  f.cfg.RedirectURL,
		Scopes:       f.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   doc.AuthorizationEndpoint,
			TokenURL:  doc.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// tokenClient is the flow client with client credentials sent as
// base64(client_id:client_secret). x/oauth2 form-encodes both values before
// building the header, which providers that do not decode them reject.
func (f *Flow) tokenClient() *http.Client {
	c := *f.client
	c.Transport = &basicAuthTransport{base: f.client.Transport, id: f.cfg.ClientID, secret: f.cfg.ClientSecret}
	return &c
}

type basicAuthTransport struct {
	base       http.RoundTripper
	id, secret string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if _, _, ok := req.BasicAuth(); ok {
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.id, t.secret)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// Logout returns the empty record that replaces any session. It is safe to
// call in every state.
func (f *Flow) Logout(current session.Record) session.Record {
	emit(f.events, EventSessionCleared, map[string]any{"was_authenticated": current.Authenticated()})
	return session.Record{}
}

// UserView is the projection of a session served by /api/user.
type UserView struct {
	Authenticated        bool                          `json:"authenticated"`
	UserInfo             map[string]any                `json:"userInfo"`
	TokenExpiresAt       *int64                        `json:"tokenExpiresAt"`
	AuthorizationDetails []session.AuthorizationDetail `json:"authorizationDetails"`
	IDTokenClaims        map[string]any                `json:"idTokenClaims"`
	OrganizationNumbers  []string                      `json:"organizationNumbers,omitempty"`
}

// CurrentUser projects rec into a UserView. Without an access token every
// field besides Authenticated is null.
func CurrentUser(rec session.Record) UserView {
	if !rec.Authenticated() {
		return UserView{}
	}
	view := UserView{
		Authenticated:        true,
		UserInfo:             rec.UserInfo,
		AuthorizationDetails: rec.AuthorizationDetails,
		IDTokenClaims:        rec.IDTokenClaims,
		OrganizationNumbers:  OrganizationNumbers(rec.AuthorizationDetails),
	}
	if rec.TokenExpiresAt != 0 {
		exp := rec.TokenExpiresAt
		view.TokenExpiresAt = &exp
	}
	return view
}

// ParseAuthorizationDetails validates a configured RAR value and returns it
// unchanged. Invalid JSON is logged and dropped so login proceeds without it.
func ParseAuthorizationDetails(raw string, logger *slog.Logger) json.RawMessage {
	if raw == "" {
		return nil
	}
	if !json.Valid([]byte(raw)) {
		if logger != nil {
			logger.Warn("ignoring invalid authorization details", "value_length", len(raw))
		}
		return nil
	}
	return json.RawMessage(raw)
}
