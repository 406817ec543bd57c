package server

import (
	"html/template"
	"net/http"

	"altinndemo/authflow"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Altinn Auth Demo</title>
</head>
<body>
<h1>Altinn Auth Demo</h1>
{{- if .Error}}
<p role="alert">Login failed: <code>{{.Error}}</code></p>
{{- end}}
{{- if .User.Authenticated}}
<p>Signed in{{with .Subject}} as <strong>{{.}}</strong>{{end}}.</p>
{{- if .User.OrganizationNumbers}}
<p>Organizations: {{range $i, $o := .User.OrganizationNumbers}}{{if $i}}, {{end}}{{$o}}{{end}}</p>
{{- end}}
<ul>
<li><a href="/api/user">Session details</a></li>
<li><a href="/api/platform/profile">Platform profile</a></li>
<li><a href="/api/platform/storage/instances">Instances</a></li>
{{- if .AppConfigured}}
<li><a href="/api/app/metadata">App metadata</a></li>
{{- end}}
<li><a href="/auth/logout">Log out</a></li>
</ul>
{{- else}}
<p><a href="/auth/login">Log in with ID-porten</a></p>
{{- end}}
<p><a href="/api/logs">Request log</a></p>
</body>
</html>
`))

type indexData struct {
	User          authflow.UserView
	Subject       string
	Error         string
	AppConfigured bool
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	rec := a.Sessions.Load(r)
	data := indexData{
		User:          authflow.CurrentUser(rec),
		Error:         r.URL.Query().Get("error"),
		AppConfigured: a.AppAPI != nil,
	}
	for _, key := range []string{"name", "pid", "sub"} {
		if s := userInfoString(rec, key); s != "" {
			data.Subject = s
			break
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		a.Logger.Error("render index", "error", err)
	}
}
