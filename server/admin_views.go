package server

import (
	"html/template"
	"net/http"
	"time"
)

func (a *App) renderAdmin(w http.ResponseWriter, status int, tmpl *template.Template, view adminView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := tmpl.ExecuteTemplate(w, "layout", view); err != nil {
		a.Logger.Error("render admin page", "template", tmpl.Name(), "error", err)
	}
}

var adminFuncs = template.FuncMap{
	"when": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format("2006-01-02 15:04 UTC")
	},
}

var adminLayout = template.Must(template.New("layout").Funcs(adminFuncs).Parse(`{{define "layout"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>taskmcp admin</title>
<style>
body { font-family: system-ui, sans-serif; background: #f9fafb; margin: 0; color: #111827; }
nav { background: #111827; color: #fff; padding: 0.75rem 1.5rem; display: flex; gap: 1rem; align-items: center; }
nav a { color: #e5e7eb; text-decoration: none; }
nav form { margin-left: auto; }
main { max-width: 960px; margin: 1.5rem auto; padding: 0 1rem; }
table { width: 100%; border-collapse: collapse; background: #fff; }
th, td { text-align: left; padding: 0.5rem; border-bottom: 1px solid #e5e7eb; font-size: 0.875rem; }
.flash-success { background: #ecfdf5; border: 1px solid #a7f3d0; padding: 0.5rem 0.75rem; margin-bottom: 1rem; }
.flash-error, .error { background: #fef2f2; border: 1px solid #fecaca; color: #dc2626; padding: 0.5rem 0.75rem; margin-bottom: 1rem; }
.actions form { display: inline-block; margin: 0.25rem; }
code { background: #f3f4f6; padding: 0.125rem 0.25rem; }
</style>
</head>
<body>
{{if .Me.ID}}<nav>
  <a href="/admin">Dashboard</a>
  <a href="/admin/users">Users</a>
  <a href="/admin/projects">Projects</a>
  <a href="/admin/activity">Activity</a>
  {{if .IsSuperadmin}}<a href="/admin/settings">Settings</a>{{end}}
  <span>{{.Me.Username}}{{if .IsSuperadmin}} (superadmin){{end}}</span>
  <form method="POST" action="/admin/logout"><input type="hidden" name="_csrf" value="{{.CSRF}}"><button type="submit">Log out</button></form>
</nav>{{end}}
<main>
{{with .Flash}}<div class="flash-{{.Kind}}">{{.Message}}</div>{{end}}
{{if .Error}}<div class="error">{{.Error}}</div>{{end}}
{{template "content" .}}
</main>
</body>
</html>{{end}}`))

func adminPage(body string) *template.Template {
	return template.Must(template.Must(adminLayout.Clone()).Parse(body))
}

var adminLoginTemplate = adminPage(`{{define "content"}}
<h1>Admin sign in</h1>
<form method="POST" action="/admin/login">
  <p><label>Username <input name="username" autocomplete="username" required></label></p>
  <p><label>Password <input name="password" type="password" autocomplete="current-password" required></label></p>
  <button type="submit">Sign in</button>
</form>
{{end}}`)

var adminGoneTemplate = adminPage(`{{define "content"}}<p><a href="/admin/users">Back to users</a></p>{{end}}`)

var adminUsersTemplate = adminPage(`{{define "content"}}
<h1>Users</h1>
<p><a href="/admin/users/new">Create user</a></p>
<table>
<tr><th>Name</th><th>Username</th><th>Role</th><th>Status</th><th>Agent</th><th>Last used</th></tr>
{{range .Users}}<tr>
  <td><a href="/admin/users/{{.ID}}">{{.Name}}</a></td>
  <td><code>{{.Username}}</code></td>
  <td>{{.Role}}</td>
  <td>{{if .Disabled}}disabled{{else if not .Confirmed}}unconfirmed{{else}}active{{end}}</td>
  <td>{{if .HasToken}}{{.AgentLabel}}{{else}}-{{end}}</td>
  <td>{{if .HasToken}}{{when .TokenLastUsed}}{{else}}-{{end}}</td>
</tr>{{end}}
</table>
{{end}}`)

var adminNewUserTemplate = adminPage(`{{define "content"}}
<h1>Create user</h1>
<form method="POST" action="/admin/users">
  <input type="hidden" name="_csrf" value="{{.CSRF}}">
  <p><label>Name <input name="name" required></label></p>
  <p><label>Email (optional) <input name="email" type="email"></label></p>
  <button type="submit">Create</button>
</form>
{{end}}`)

var adminUserTemplate = adminPage(`{{define "content"}}
{{with .Subject}}
<h1>{{.Name}}</h1>
<table>
<tr><th>Username</th><td><code>{{.Username}}</code></td></tr>
<tr><th>Email</th><td>{{.Email}}</td></tr>
<tr><th>Role</th><td>{{.Role}}</td></tr>
<tr><th>Confirmed</th><td>{{.Confirmed}}</td></tr>
<tr><th>Disabled</th><td>{{.Disabled}}</td></tr>
<tr><th>Created</th><td>{{when .CreatedAt}}</td></tr>
<tr><th>Agent</th><td>{{if .HasToken}}{{.AgentLabel}} (expires {{when .TokenExpiresAt}}, last used {{when .TokenLastUsed}}){{else}}no active connection{{end}}</td></tr>
</table>
{{end}}
{{$csrf := .CSRF}}{{$id := .Subject.ID}}
<div class="actions">
  <form method="POST" action="/admin/users/{{$id}}/rename"><input type="hidden" name="_csrf" value="{{$csrf}}"><input name="name" placeholder="New name" required><button>Rename</button></form>
  {{if not .Subject.Confirmed}}<form method="POST" action="/admin/users/{{$id}}/confirm"><input type="hidden" name="_csrf" value="{{$csrf}}"><button>Confirm</button></form>{{end}}
  {{if .Subject.Disabled}}<form method="POST" action="/admin/users/{{$id}}/enable"><input type="hidden" name="_csrf" value="{{$csrf}}"><button>Enable</button></form>
  {{else}}<form method="POST" action="/admin/users/{{$id}}/disable"><input type="hidden" name="_csrf" value="{{$csrf}}"><button>Disable</button></form>{{end}}
  {{if .Subject.HasToken}}<form method="POST" action="/admin/users/{{$id}}/revoke-token"><input type="hidden" name="_csrf" value="{{$csrf}}"><button>Revoke token</button></form>{{end}}
  {{if .IsSuperadmin}}
  {{if eq .Subject.Role "admin"}}<form method="POST" action="/admin/users/{{$id}}/demote"><input type="hidden" name="_csrf" value="{{$csrf}}"><button>Demote</button></form>
  {{else}}<form method="POST" action="/admin/users/{{$id}}/promote"><input type="hidden" name="_csrf" value="{{$csrf}}"><button>Promote</button></form>{{end}}
  <form method="POST" action="/admin/users/{{$id}}/regenerate-creds"><input type="hidden" name="_csrf" value="{{$csrf}}"><button>Regenerate credentials</button></form>
  <form method="POST" action="/admin/users/{{$id}}/delete"><input type="hidden" name="_csrf" value="{{$csrf}}"><button>Delete</button></form>
  {{end}}
</div>
{{end}}`)

var adminCredentialsTemplate = adminPage(`{{define "content"}}
<h1>Credentials</h1>
<p>These are shown once. Share them with the user over a secure channel.</p>
<table>
<tr><th>Username</th><td><code>{{.Username}}</code></td></tr>
<tr><th>Password</th><td><code>{{.Password}}</code></td></tr>
<tr><th>MCP URL</th><td><code>{{.MCPURL}}</code></td></tr>
</table>
<p><a href="/admin/users">Back to users</a></p>
{{end}}`)

var adminDashboardTemplate = adminPage(`{{define "content"}}
<h1>Dashboard</h1>
{{with .Stats}}
<table>
<tr><th>Active users</th><td>{{.Users.Total}}</td></tr>
<tr><th>Projects</th><td>{{.Projects.Total}}</td></tr>
<tr><th>Tasks</th><td>{{.Tasks.Total}}</td></tr>
<tr><th>Pending</th><td>{{.Tasks.Pending}}</td></tr>
<tr><th>In progress</th><td>{{.Tasks.InProgress}}</td></tr>
<tr><th>Completed</th><td>{{.Tasks.Completed}}</td></tr>
<tr><th>Overdue</th><td>{{.Tasks.Overdue}}</td></tr>
<tr><th>Due within a day</th><td>{{.Tasks.DueSoon}}</td></tr>
</table>
{{end}}
<h2>Recent activity</h2>
<table>
<tr><th>When</th><th>Tool</th><th>Agent</th><th>Result</th></tr>
{{range .Activity}}<tr>
  <td>{{when .CreatedAt}}</td>
  <td>{{.ToolName}}</td>
  <td>{{.AgentLabel}}</td>
  <td>{{if .Success}}ok{{else}}{{.ErrorMsg}}{{end}}</td>
</tr>{{end}}
</table>
<p><a href="/admin/activity">All activity</a></p>
{{end}}`)

var adminProjectsTemplate = adminPage(`{{define "content"}}
<h1>Projects</h1>
<table>
<tr><th>Name</th><th>Members</th><th>Created by</th><th>Created</th></tr>
{{range .Projects}}<tr>
  <td><a href="/admin/projects/{{.ID}}">{{.Name}}</a></td>
  <td>{{.MemberCount}}</td>
  <td>{{.CreatedBy}}</td>
  <td>{{when .CreatedAt}}</td>
</tr>{{else}}<tr><td colspan="4">No projects yet.</td></tr>{{end}}
</table>
{{end}}`)

var adminProjectTemplate = adminPage(`{{define "content"}}
{{with .Project}}
<h1>{{.Name}}</h1>
{{if .Description}}<p>{{.Description}}</p>{{end}}
<h2>Members</h2>
<table>
<tr><th>Name</th><th>Username</th><th>Role</th><th>Since</th></tr>
{{range .Members}}<tr><td><a href="/admin/users/{{.UserID}}">{{.Name}}</a></td><td><code>{{.Username}}</code></td><td>{{.Role}}</td><td>{{when .AssignedAt}}</td></tr>{{end}}
</table>
<h2>Tasks</h2>
<table>
<tr><th>Title</th><th>Status</th><th>Priority</th><th>Due</th></tr>
{{range .Tasks}}<tr><td>{{.Title}}</td><td>{{.Status}}</td><td>{{.Priority}}</td><td>{{if .DueDate}}{{.DueDate}}{{else}}-{{end}}</td></tr>{{else}}<tr><td colspan="4">No tasks.</td></tr>{{end}}
</table>
{{end}}
<div class="actions">
  <form method="POST" action="/admin/projects/{{.Project.ID}}/delete"><input type="hidden" name="_csrf" value="{{.CSRF}}"><button>Delete project</button></form>
</div>
{{end}}`)

var adminSettingsTemplate = adminPage(`{{define "content"}}
<h1>Settings</h1>
<table>
<tr><th>Live token pairs</th><td>{{.TokenCount}}</td></tr>
</table>
<div class="actions">
  <form method="POST" action="/admin/settings/revoke-all-tokens"><input type="hidden" name="_csrf" value="{{.CSRF}}"><button>Revoke all tokens</button></form>
  <form method="POST" action="/admin/settings/export-db"><input type="hidden" name="_csrf" value="{{.CSRF}}"><button>Export database</button></form>
</div>
{{end}}`)

var adminActivityTemplate = adminPage(`{{define "content"}}
<h1>Activity</h1>
<table>
<tr><th>When</th><th>Tool</th><th>Agent</th><th>Input</th><th>Result</th></tr>
{{range .Activity}}<tr>
  <td>{{when .CreatedAt}}</td>
  <td>{{.ToolName}}</td>
  <td>{{.AgentLabel}}</td>
  <td><code>{{.InputSummary}}</code></td>
  <td>{{if .Success}}ok{{else}}{{.ErrorMsg}}{{end}}</td>
</tr>{{end}}
</table>
{{end}}`)
