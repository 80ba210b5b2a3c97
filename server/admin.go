package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

const credentialViewTTL = 5 * time.Minute

type adminContextKey struct{}

// adminIdentity is the logged-in console user.
type adminIdentity struct {
	Session      AdminSession
	User         User
	IsSuperadmin bool
}

func adminFromContext(ctx context.Context) (adminIdentity, bool) {
	id, ok := ctx.Value(adminContextKey{}).(adminIdentity)
	return id, ok
}

// adminView is the data handed to every console template.
type adminView struct {
	Me           User
	IsSuperadmin bool
	CSRF         string
	Flash        *Flash
	Error        string

	Users    []UserSummary
	Subject  UserSummary
	Activity []ActivityEntry

	Stats      DashboardStats
	Projects   []ProjectSummary
	Project    ProjectDetail
	TokenCount int

	Username string
	Password string
	MCPURL   string
}

func (a *App) adminRoutes(r chi.Router) {
	r.Get("/login", a.handleAdminLoginForm)
	r.With(RateLimit(a.Limiter, a.clientKey, a.Logger)).Post("/login", a.handleAdminLogin)
	r.Post("/logout", a.handleAdminLogout)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAdmin)
		r.Get("/", a.handleAdminDashboard)
		r.Get("/users", a.handleAdminUsers)
		r.Get("/users/new", a.handleAdminNewUser)
		r.Post("/users", a.handleAdminCreateUser)
		r.Get("/users/{id}", a.handleAdminUser)
		r.Get("/users/{id}/credentials", a.handleAdminCredentials)
		r.Post("/users/{id}/{action}", a.handleAdminUserAction)
		r.Get("/activity", a.handleAdminActivity)
		r.Get("/projects", a.handleAdminProjects)
		r.Get("/projects/{id}", a.handleAdminProject)
		r.Post("/projects/{id}/delete", a.handleAdminDeleteProject)

		r.Group(func(r chi.Router) {
			r.Use(requireSuperadmin)
			r.Get("/settings", a.handleAdminSettings)
			r.Post("/settings/revoke-all-tokens", a.handleAdminRevokeAllTokens)
			r.Post("/settings/export-db", a.handleAdminExportDB)
		})
	})
}

func requireSuperadmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if me, ok := adminFromContext(r.Context()); !ok || !me.IsSuperadmin {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin loads the console session, checks the role and verifies the CSRF
// token on state-changing requests.
func (a *App) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, user, err := a.Sessions.Fetch(r)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				a.Logger.Error("load admin session", "error", err)
			}
			http.Redirect(w, r, "/admin/login", http.StatusFound)
			return
		}
		superadmin := a.Tokens.IsSuperadmin(user)
		if !user.Active() || (user.Role != RoleAdmin && !superadmin) {
			a.Sessions.Clear(w, r)
			http.Redirect(w, r, "/admin/login", http.StatusFound)
			return
		}

		if r.Method == http.MethodPost && !csrfValid(r, sess.CSRFToken) {
			http.Error(w, "Invalid CSRF token", http.StatusForbidden)
			return
		}

		if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
			info.user = user.Username
		}
		ctx := context.WithValue(r.Context(), adminContextKey{}, adminIdentity{
			Session:      sess,
			User:         user,
			IsSuperadmin: superadmin,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func csrfValid(r *http.Request, expected string) bool {
	got := r.PostFormValue("_csrf")
	return expected != "" && subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

func (a *App) handleAdminLoginForm(w http.ResponseWriter, r *http.Request) {
	if _, user, err := a.Sessions.Fetch(r); err == nil && user.Active() {
		http.Redirect(w, r, "/admin/users", http.StatusFound)
		return
	}
	a.renderAdmin(w, http.StatusOK, adminLoginTemplate, adminView{})
}

func (a *App) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password")

	user, err := a.Store.FindActiveUser(r.Context(), username)
	if err != nil && !errors.Is(err, ErrNotFound) {
		a.Logger.Error("admin login lookup", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	ok := false
	if err == nil {
		ok, err = VerifyPassword(password, user.PasswordHash)
		if err != nil {
			a.Logger.Warn("admin login password check", "user", user.Username, "error", err)
		}
	} else {
		ok = verifyUnknownUser(password)
	}
	if !ok || (user.Role != RoleAdmin && !a.Tokens.IsSuperadmin(user)) {
		a.Logger.Info("admin login rejected", "username", username)
		a.renderAdmin(w, http.StatusUnauthorized, adminLoginTemplate, adminView{Error: "Invalid username or password."})
		return
	}

	if _, err := a.Sessions.Create(r.Context(), w, user); err != nil {
		a.Logger.Error("create admin session", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	a.Logger.Info("admin login", "user", user.Username)
	http.Redirect(w, r, "/admin/users", http.StatusFound)
}

func (a *App) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	if sess, _, err := a.Sessions.Fetch(r); err == nil {
		if !csrfValid(r, sess.CSRFToken) {
			http.Error(w, "Invalid CSRF token", http.StatusForbidden)
			return
		}
	}
	a.Sessions.Clear(w, r)
	http.Redirect(w, r, "/admin/login", http.StatusFound)
}

func (a *App) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.Store.ListUsers(r.Context())
	if err != nil {
		a.adminFailure(w, "list users", err)
		return
	}
	view := a.adminBaseView(w, r)
	view.Users = users
	a.renderAdmin(w, http.StatusOK, adminUsersTemplate, view)
}

func (a *App) handleAdminNewUser(w http.ResponseWriter, r *http.Request) {
	a.renderAdmin(w, http.StatusOK, adminNewUserTemplate, a.adminBaseView(w, r))
}

func (a *App) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	me, _ := adminFromContext(r.Context())
	name := strings.TrimSpace(r.PostFormValue("name"))
	email := strings.TrimSpace(r.PostFormValue("email"))
	if name == "" {
		view := a.adminBaseView(w, r)
		view.Error = "Name is required."
		a.renderAdmin(w, http.StatusBadRequest, adminNewUserTemplate, view)
		return
	}

	username, err := UniqueUsername(r.Context(), a.Store)
	if err != nil {
		a.adminFailure(w, "generate username", err)
		return
	}
	password, err := GeneratePassword()
	if err != nil {
		a.adminFailure(w, "generate password", err)
		return
	}
	hash, err := HashPassword(password)
	if err != nil {
		a.adminFailure(w, "hash password", err)
		return
	}
	viewToken, err := GenerateToken()
	if err != nil {
		a.adminFailure(w, "generate view token", err)
		return
	}

	now := a.now()
	user := User{
		ID:                          NewID(),
		Name:                        name,
		Email:                       email,
		Username:                    username,
		PasswordHash:                hash,
		Role:                        RoleMember,
		Confirmed:                   true,
		CreatedBy:                   me.User.ID,
		CredentialViewToken:         viewToken,
		CredentialViewTokenExpireAt: now.Add(credentialViewTTL),
		CreatedAt:                   now,
		UpdatedAt:                   now,
	}
	if err := a.Store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, ErrConflict) {
			view := a.adminBaseView(w, r)
			view.Error = "A user with that email already exists."
			a.renderAdmin(w, http.StatusConflict, adminNewUserTemplate, view)
			return
		}
		a.adminFailure(w, "create user", err)
		return
	}
	if err := a.Flash.SetPassword(w, user.ID, password); err != nil {
		a.adminFailure(w, "store credential flash", err)
		return
	}
	a.adminAudit(r.Context(), me, "admin:create_user", "name="+name)
	http.Redirect(w, r, credentialsPath(user.ID, viewToken), http.StatusFound)
}

func (a *App) handleAdminUser(w http.ResponseWriter, r *http.Request) {
	subject, err := a.findSummary(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		a.adminFailure(w, "load user", err)
		return
	}
	view := a.adminBaseView(w, r)
	view.Subject = subject
	a.renderAdmin(w, http.StatusOK, adminUserTemplate, view)
}

func (a *App) findSummary(ctx context.Context, id string) (UserSummary, error) {
	users, err := a.Store.ListUsers(ctx)
	if err != nil {
		return UserSummary{}, err
	}
	for _, u := range users {
		if u.ID == id {
			return u, nil
		}
	}
	return UserSummary{}, ErrNotFound
}

// handleAdminCredentials shows freshly generated credentials once. Both the view token
// and the encrypted password cookie must be present and unexpired.
func (a *App) handleAdminCredentials(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user, err := a.Store.ConsumeCredentialViewToken(r.Context(), r.URL.Query().Get("token"), a.now())
	if err != nil || user.ID != id {
		if err != nil && !errors.Is(err, ErrNotFound) {
			a.Logger.Error("consume credential view token", "error", err)
		}
		a.renderAdmin(w, http.StatusGone, adminGoneTemplate, adminView{Error: "This credential link has expired or is invalid."})
		return
	}

	password, err := a.Flash.PopPassword(w, r, user.ID)
	if err != nil {
		a.Logger.Warn("credential flash unavailable", "user", user.Username, "error", err)
		a.renderAdmin(w, http.StatusGone, adminGoneTemplate, adminView{
			Error: "Credentials unavailable. Use Regenerate credentials to issue new ones.",
		})
		return
	}

	view := a.adminBaseView(w, r)
	view.Username = user.Username
	view.Password = password
	view.MCPURL = a.Config.BaseURL() + "/mcp"
	a.renderAdmin(w, http.StatusOK, adminCredentialsTemplate, view)
}

func (a *App) handleAdminUserAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	me, _ := adminFromContext(ctx)
	id := chi.URLParam(r, "id")
	action := chi.URLParam(r, "action")

	subject, err := a.Store.GetUser(ctx, id)
	if errors.Is(err, ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		a.adminFailure(w, "load user", err)
		return
	}
	subjectIsSuperadmin := a.Tokens.IsSuperadmin(subject)
	back := "/admin/users/" + url.PathEscape(id)

	switch action {
	case "promote", "demote", "regenerate-creds", "delete":
		if !me.IsSuperadmin {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	var msg string
	switch action {
	case "confirm":
		err = a.Store.SetUserConfirmed(ctx, id, true)
		msg = "User confirmed."
	case "disable":
		if subjectIsSuperadmin {
			a.adminFlash(w, flashKindError, "Cannot disable superadmin.")
			http.Redirect(w, r, back, http.StatusFound)
			return
		}
		if err = a.Store.SetUserDisabled(ctx, id, true); err == nil {
			_, err = a.Tokens.Revoke(ctx, id)
		}
		msg = "User disabled."
	case "enable":
		err = a.Store.SetUserDisabled(ctx, id, false)
		msg = "User enabled."
	case "promote":
		err = a.Store.SetUserRole(ctx, id, RoleAdmin)
		msg = "User promoted to admin."
	case "demote":
		if subjectIsSuperadmin {
			a.adminFlash(w, flashKindError, "Cannot demote superadmin.")
			http.Redirect(w, r, back, http.StatusFound)
			return
		}
		err = a.Store.SetUserRole(ctx, id, RoleMember)
		msg = "User demoted to member."
	case "rename":
		name := strings.TrimSpace(r.PostFormValue("name"))
		if name == "" {
			a.adminFlash(w, flashKindError, "Name cannot be empty.")
			http.Redirect(w, r, back, http.StatusFound)
			return
		}
		err = a.Store.RenameUser(ctx, id, name)
		msg = fmt.Sprintf("User renamed to %q.", name)
	case "revoke-token":
		_, err = a.Tokens.Revoke(ctx, id)
		msg = "Token revoked."
	case "regenerate-creds":
		path, rerr := a.regenerateCredentials(ctx, w, subject)
		if rerr != nil {
			a.adminFailure(w, "regenerate credentials", rerr)
			return
		}
		a.adminAudit(ctx, me, "admin:regenerate_credentials", "user="+subject.Username)
		http.Redirect(w, r, path, http.StatusFound)
		return
	case "delete":
		if subjectIsSuperadmin {
			a.adminFlash(w, flashKindError, "Cannot delete the superadmin account.")
			http.Redirect(w, r, back, http.StatusFound)
			return
		}
		if err = a.Store.DeleteUser(ctx, id); err == nil {
			a.adminAudit(ctx, me, "admin:delete_user", "user="+subject.Username)
			a.adminFlash(w, flashKindSuccess, "User deleted.")
			http.Redirect(w, r, "/admin/users", http.StatusFound)
			return
		}
	default:
		http.NotFound(w, r)
		return
	}

	if err != nil {
		a.adminFailure(w, action, err)
		return
	}
	a.adminAudit(ctx, me, "admin:"+strings.ReplaceAll(action, "-", "_"), "user="+subject.Username)
	a.adminFlash(w, flashKindSuccess, msg)
	http.Redirect(w, r, back, http.StatusFound)
}

// regenerateCredentials replaces the password, revokes the live token pair and
// returns the one-time credentials path.
func (a *App) regenerateCredentials(ctx context.Context, w http.ResponseWriter, subject User) (string, error) {
	password, err := GeneratePassword()
	if err != nil {
		return "", err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return "", err
	}
	viewToken, err := GenerateToken()
	if err != nil {
		return "", err
	}
	if err := a.Store.SetUserPassword(ctx, subject.ID, hash); err != nil {
		return "", err
	}
	if _, err := a.Tokens.Revoke(ctx, subject.ID); err != nil {
		return "", err
	}
	if err := a.Store.SetCredentialViewToken(ctx, subject.ID, viewToken, a.now().Add(credentialViewTTL)); err != nil {
		return "", err
	}
	if err := a.Flash.SetPassword(w, subject.ID, password); err != nil {
		return "", err
	}
	return credentialsPath(subject.ID, viewToken), nil
}

func (a *App) handleAdminActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := a.Store.ListActivity(r.Context(), 100)
	if err != nil {
		a.adminFailure(w, "list activity", err)
		return
	}
	view := a.adminBaseView(w, r)
	view.Activity = entries
	a.renderAdmin(w, http.StatusOK, adminActivityTemplate, view)
}

func credentialsPath(userID, token string) string {
	return "/admin/users/" + url.PathEscape(userID) + "/credentials?token=" + url.QueryEscape(token)
}

func (a *App) adminBaseView(w http.ResponseWriter, r *http.Request) adminView {
	me, _ := adminFromContext(r.Context())
	view := adminView{
		Me:           me.User,
		IsSuperadmin: me.IsSuperadmin,
		CSRF:         me.Session.CSRFToken,
	}
	if f, ok := a.Flash.PopMessage(w, r); ok {
		view.Flash = &f
	}
	return view
}

func (a *App) adminFlash(w http.ResponseWriter, kind, msg string) {
	if err := a.Flash.SetMessage(w, kind, msg); err != nil {
		a.Logger.Warn("set flash", "error", err)
	}
}

func (a *App) adminAudit(ctx context.Context, me adminIdentity, tool, summary string) {
	err := a.Store.LogActivity(ctx, ActivityEntry{
		ID:           NewID(),
		UserID:       me.User.ID,
		ToolName:     tool,
		InputSummary: summary,
		Success:      true,
		CreatedAt:    a.now(),
	})
	if err != nil {
		a.Logger.Warn("admin audit write failed", "tool", tool, "error", err)
	}
}

func (a *App) adminFailure(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	a.Logger.Error("admin "+op, "error", err)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}
