package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"altinndemo/authflow"
	"altinndemo/client"
	"altinndemo/reqlog"
	"altinndemo/session"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Sessions *session.Manager
	Flow     *authflow.Flow
	Logs     *reqlog.Buffer
	// HTTPClient is used for every outgoing call and records into Logs.
	HTTPClient *http.Client
	Platform   *DownstreamAPI
	// AppAPI is nil when no Altinn app is configured.
	AppAPI *DownstreamAPI
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logs := reqlog.NewBuffer(cfg.Server.MaxLogs)
	httpClient := reqlog.NewHTTPClient(logs, cfg.Server.HTTPTimeout)
	events := authflow.MultiSink{authflow.LogSink{Logger: logger}, logs}

	var verifier authflow.IDTokenVerifier
	if cfg.OAuth.VerifyIDToken {
		verifier = client.NewValidator(client.ValidatorConfig{
			ClientID:   cfg.OAuth.ClientID,
			HTTPClient: httpClient,
		})
	} else {
		logger.Warn("id token signatures are not verified; claims are decoded without checking the provider signature")
	}

	discovery := authflow.NewDiscovery(cfg.OAuth.DiscoveryURL, httpClient, logger, events)
	flow := authflow.NewFlow(authflow.Config{
		ClientID:             cfg.OAuth.ClientID,
		ClientSecret:         cfg.OAuth.ClientSecret,
		RedirectURL:          cfg.RedirectURL(),
		Scopes:               cfg.OAuth.Scopes,
		AuthorizationDetails: authflow.ParseAuthorizationDetails(cfg.OAuth.AuthorizationDetails, logger),
		HTTPClient:           httpClient,
		Verifier:             verifier,
	}, discovery, logger, events)

	sessions := session.NewManager(session.Options{
		Secure: !cfg.Server.DevMode,
		Domain: cfg.Server.CookieDomain,
	}, logger)

	platform, err := NewDownstreamAPI("platform", cfg.Altinn.PlatformURL, httpClient.Transport, cfg.Server.HTTPTimeout, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:     cfg,
		Logger:     logger,
		Sessions:   sessions,
		Flow:       flow,
		Logs:       logs,
		HTTPClient: httpClient,
		Platform:   platform,
	}

	if appURL := cfg.AppAPIURL(); appURL != "" {
		appAPI, err := NewDownstreamAPI("app", appURL, httpClient.Transport, cfg.Server.HTTPTimeout, logger)
		if err != nil {
			return nil, err
		}
		app.AppAPI = appAPI
	}

	return app, nil
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	login, err := a.Flow.InitiateLogin(r.Context())
	if err != nil {
		a.Logger.Error("initiate login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to initiate login: "+err.Error())
		return
	}
	if err := a.Sessions.Save(w, login.Record); err != nil {
		a.Logger.Error("session save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to initiate login")
		return
	}
	http.Redirect(w, r, login.URL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	params := authflow.CallbackParamsFromQuery(r.URL.Query())
	a.Logs.RecordIncoming(r, callbackSummary(params))

	// The exchange runs to completion even if the browser goes away.
	ctx := context.WithoutCancel(r.Context())
	rec, err := a.Flow.HandleCallback(ctx, params, a.Sessions.Load(r))
	if err != nil {
		code := authflow.CallbackErrorCode(err)
		a.Logger.Warn("callback failed", "error", err, "code", code)
		a.redirectHome(w, r, "error", code)
		return
	}

	if err := a.Sessions.Save(w, rec); err != nil {
		a.Logger.Error("session save failed", "error", err)
		a.redirectHome(w, r, "error", "session_save_failed")
		return
	}
	a.redirectHome(w, r, "success", "true")
}

// callbackSummary is what the log shows of a callback; the code itself is
// never recorded.
func callbackSummary(p authflow.CallbackParams) map[string]any {
	summary := map[string]any{"code": nil, "state": p.State, "error": nil}
	if p.Code != "" {
		summary["code"] = "[CODE_RECEIVED]"
	}
	if p.Error != "" {
		summary["error"] = p.Error
	}
	return summary
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Flow.Logout(a.Sessions.Load(r))
	a.Sessions.Clear(w)
	a.redirectHome(w, r, "logout", "true")
}

func (a *App) handleUser(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, authflow.CurrentUser(a.Sessions.Load(r)))
}

func (a *App) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.Logs.Entries())
}

func (a *App) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	a.Logs.Clear()
	writeJSON(w, map[string]string{"message": "Logs cleared"})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, loaded := a.Flow.Discovery().Cached()
	writeJSON(w, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"discovery": map[string]any{"loaded": loaded, "url": a.Flow.Discovery().URL()},
	})
}

func (a *App) handlePlatformProfile(w http.ResponseWriter, r *http.Request) {
	a.forward(w, r, a.Platform, "/profile/api/v1/user", nil)
}

func (a *App) handlePlatformInstances(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.requireToken(w, r)
	if !ok {
		return
	}
	query := url.Values{}
	if owner := r.URL.Query().Get("instanceOwnerPartyId"); owner != "" {
		query.Set("instanceOwnerPartyId", owner)
	} else if pid := userInfoString(rec, "pid"); pid != "" {
		query.Set("instanceOwnerPartyId", pid)
	}
	a.Platform.Forward(w, r, "/storage/api/v1/instances", query, rec.AccessToken)
}

func (a *App) handlePlatformInstance(w http.ResponseWriter, r *http.Request) {
	a.forwardInstance(w, r, "")
}

func (a *App) handlePlatformDataElements(w http.ResponseWriter, r *http.Request) {
	a.forwardInstance(w, r, "/dataelements")
}

func (a *App) handlePlatformEvents(w http.ResponseWriter, r *http.Request) {
	a.forwardInstance(w, r, "/events")
}

func (a *App) forwardInstance(w http.ResponseWriter, r *http.Request, suffix string) {
	instanceID, err := url.PathUnescape(chi.URLParam(r, "instanceId"))
	if err != nil || instanceID == "" {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	a.forward(w, r, a.Platform, "/storage/api/v1/instances/"+instanceID+suffix, nil)
}

func (a *App) handleAppMetadata(w http.ResponseWriter, r *http.Request) {
	a.forward(w, r, a.AppAPI, "/metadata", nil)
}

func (a *App) handleAppInstances(w http.ResponseWriter, r *http.Request) {
	var query url.Values
	if r.Method == http.MethodGet {
		if owner := r.URL.Query().Get("instanceOwnerPartyId"); owner != "" {
			query = url.Values{"instanceOwnerPartyId": {owner}}
		}
	}
	a.forward(w, r, a.AppAPI, "/instances", query)
}

// forward checks the session and the API, then relays the request.
func (a *App) forward(w http.ResponseWriter, r *http.Request, api *DownstreamAPI, path string, query url.Values) {
	rec, ok := a.requireToken(w, r)
	if !ok {
		return
	}
	if api == nil {
		writeError(w, http.StatusBadRequest, "App API not configured. Set ALTINN_ORG and ALTINN_APP_NAME in .env")
		return
	}
	api.Forward(w, r, path, query, rec.AccessToken)
}

// requireToken loads the session and answers 401 when it has no access token.
func (a *App) requireToken(w http.ResponseWriter, r *http.Request) (session.Record, bool) {
	rec := a.Sessions.Load(r)
	if !rec.Authenticated() {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return rec, false
	}
	return rec, true
}

func (a *App) redirectHome(w http.ResponseWriter, r *http.Request, key, value string) {
	target := strings.TrimSuffix(a.Config.Server.BaseURL, "/") + "/?" + url.Values{key: {value}}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

func userInfoString(rec session.Record, key string) string {
	switch v := rec.UserInfo[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
