package handler

import (
	"html/template"
	"net/http"
)

const pageStyle = `body{font-family:sans-serif;max-width:28rem;margin:3rem auto}label{display:block;margin:.5rem 0}`

var pages = template.Must(template.New("pages").Parse(`
{{define "head"}}<!doctype html><html><head><meta charset="utf-8"><title>{{.}}</title><style>` + pageStyle + `</style></head><body>{{end}}

{{define "flow"}}
<input type="hidden" name="response_type" value="{{.ResponseType}}">
<input type="hidden" name="state" value="{{.State}}">
<input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
{{end}}

{{define "login"}}{{template "head" "Sign in"}}
<h1>Sign in to {{.Tenant}}</h1>
<form method="post" action="/login/authorization">
{{template "flow" .Params}}
<label>Username <input name="username" autocomplete="username" required></label>
<label>Password <input name="password" type="password" autocomplete="current-password" required></label>
<button type="submit">Sign in</button>
</form></body></html>{{end}}

{{define "consent"}}{{template "head" "Consent"}}
<h1>{{.Tenant}} is requesting access</h1>
<p>Signed in as {{.Username}}</p>
<form method="post" action="/login/authorization">
<input type="hidden" name="_method" value="PATCH">
{{template "flow" .Params}}
{{range .Scopes}}<label><input type="checkbox" name="approved_scope" value="{{.}}" checked> {{.}}</label>{{end}}
<button type="submit" name="approval_status" value="YES">Allow</button>
<button type="submit" name="approval_status" value="NO">Deny</button>
</form></body></html>{{end}}

{{define "error"}}{{template "head" "Error"}}
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</body></html>{{end}}
`))

type flowView struct {
	ResponseType  string
	State         string
	CodeChallenge string
}

type loginView struct {
	Tenant string
	Params flowView
}

type consentView struct {
	Tenant   string
	Username string
	Scopes   []string
	Params   flowView
}

type errorView struct {
	Title   string
	Message string
}

func render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = pages.ExecuteTemplate(w, name, data)
}
