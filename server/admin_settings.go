package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
)

func (a *App) handleAdminDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Store.Dashboard(r.Context(), "", a.now())
	if err != nil {
		a.adminFailure(w, "dashboard", err)
		return
	}
	recent, err := a.Store.ListActivity(r.Context(), 10)
	if err != nil {
		a.adminFailure(w, "list activity", err)
		return
	}
	view := a.adminBaseView(w, r)
	view.Stats = stats
	view.Activity = recent
	a.renderAdmin(w, http.StatusOK, adminDashboardTemplate, view)
}

func (a *App) handleAdminProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := a.Store.ListProjects(r.Context(), "")
	if err != nil {
		a.adminFailure(w, "list projects", err)
		return
	}
	view := a.adminBaseView(w, r)
	view.Projects = projects
	a.renderAdmin(w, http.StatusOK, adminProjectsTemplate, view)
}

func (a *App) handleAdminProject(w http.ResponseWriter, r *http.Request) {
	project, err := a.Store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		a.adminFailure(w, "load project", err)
		return
	}
	view := a.adminBaseView(w, r)
	view.Project = project
	a.renderAdmin(w, http.StatusOK, adminProjectTemplate, view)
}

func (a *App) handleAdminDeleteProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	me, _ := adminFromContext(ctx)
	id := chi.URLParam(r, "id")
	if err := a.Store.DeleteProject(ctx, id); err != nil {
		a.adminFailure(w, "delete project", err)
		return
	}
	a.adminAudit(ctx, me, "admin:delete_project", "project="+id)
	a.adminFlash(w, flashKindSuccess, "Project deleted.")
	http.Redirect(w, r, "/admin/projects", http.StatusFound)
}

func (a *App) handleAdminSettings(w http.ResponseWriter, r *http.Request) {
	count, err := a.Store.CountTokens(r.Context())
	if err != nil {
		a.adminFailure(w, "count tokens", err)
		return
	}
	view := a.adminBaseView(w, r)
	view.TokenCount = count
	a.renderAdmin(w, http.StatusOK, adminSettingsTemplate, view)
}

func (a *App) handleAdminRevokeAllTokens(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	me, _ := adminFromContext(ctx)
	n, err := a.Store.DeleteAllTokens(ctx)
	if err != nil {
		a.adminFailure(w, "revoke all tokens", err)
		return
	}
	a.Logger.Warn("all tokens revoked", "user", me.User.Username, "count", n)
	a.adminAudit(ctx, me, "admin:revoke_all_tokens", "")
	a.adminFlash(w, flashKindSuccess, "All tokens revoked.")
	http.Redirect(w, r, "/admin/settings", http.StatusFound)
}

// handleAdminExportDB streams a consistent snapshot of the database.
func (a *App) handleAdminExportDB(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	me, _ := adminFromContext(ctx)

	dir, err := os.MkdirTemp("", "taskmcp-export-")
	if err != nil {
		a.adminFailure(w, "export database", err)
		return
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "backup.db")
	if err := a.Store.Backup(ctx, path); err != nil {
		a.Logger.Error("export database", "error", err)
		a.adminFlash(w, flashKindError, "Failed to export database.")
		http.Redirect(w, r, "/admin/settings", http.StatusFound)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		a.adminFailure(w, "open export", err)
		return
	}
	defer f.Close()

	a.adminAudit(ctx, me, "admin:export_db", "")
	name := "taskmcp-backup-" + a.now().UTC().Format(time.DateOnly) + ".db"
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Cache-Control", "no-store")
	if _, err := io.Copy(w, f); err != nil {
		a.Logger.Warn("stream export", "error", err)
	}
}
