package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mediagrab/internal/hub"
	"mediagrab/internal/models"
	"mediagrab/internal/orchestrator"
	"mediagrab/templates"
)

const (
	maxRequestBytes = 1 << 20
	apiTimeout      = 30 * time.Second
	recentJobs      = 20
)

var errInvalidPath = errors.New("invalid file path")

// JobService is the part of the orchestrator the HTTP layer needs.
type JobService interface {
	Submit(req models.DownloadRequest) ([]models.Job, error)
	Get(id string) (models.Job, bool)
	List(status models.JobStatus) []models.Job
	Cancel(id string) error
}

type App struct {
	logger *slog.Logger

	router *chi.Mux
	jobs   JobService
	hub    *hub.Hub

	outputsDir string
}

func NewApp(logger *slog.Logger, jobs JobService, h *hub.Hub, outputsDir string) *App {
	app := &App{
		logger:     logger,
		router:     chi.NewRouter(),
		jobs:       jobs,
		hub:        h,
		outputsDir: outputsDir,
	}

	app.registerRoutes()
	return app
}

func (a *App) Router() http.Handler {
	return a.router
}

func (a *App) registerRoutes() {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.RealIP)
	a.router.Use(middleware.Recoverer)
	a.router.Use(a.corsMiddleware)

	a.router.Get("/", a.index)
	a.router.Get("/healthz", a.health)

	a.router.Route("/api/downloads", func(r chi.Router) {
		r.Use(middleware.Timeout(apiTimeout))
		r.Post("/", a.createDownloads)
		r.Get("/", a.listDownloads)
		r.Get("/{id}", a.getDownload)
		r.Delete("/{id}", a.cancelDownload)
	})

	a.router.Get(orchestrator.DownloadRoute+"{filename}", a.downloadFile)
	a.router.Get("/ws", a.allJobsWS)
	a.router.Get("/ws/{id}", a.jobWS)
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "timestamp": time.Now().Format(time.RFC3339)})
}

func (a *App) index(w http.ResponseWriter, r *http.Request) {
	jobs := a.jobs.List("")
	if len(jobs) > recentJobs {
		jobs = jobs[:recentJobs]
	}
	a.render(w, r, templates.JobsPage(jobs))
}

func (a *App) createDownloads(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req models.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	jobs, err := a.jobs.Submit(req)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidRequest) {
			a.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error("failed to submit downloads", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to create jobs")
		return
	}

	a.respondJSON(w, http.StatusCreated, jobs)
}

func (a *App) listDownloads(w http.ResponseWriter, r *http.Request) {
	var status models.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s, ok := models.ParseStatus(raw)
		if !ok {
			a.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
		status = s
	}
	a.respondJSON(w, http.StatusOK, a.jobs.List(status))
}

func (a *App) getDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := a.jobs.Get(chi.URLParam(r, "id"))
	if !ok {
		a.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	a.respondJSON(w, http.StatusOK, job)
}

func (a *App) cancelDownload(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	switch err := a.jobs.Cancel(jobID); {
	case errors.Is(err, orchestrator.ErrNotFound):
		a.respondError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, orchestrator.ErrAlreadyFinished):
		a.respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		a.logger.Error("failed to cancel job", "job_id", jobID, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to cancel job")
	default:
		a.respondJSON(w, http.StatusAccepted, map[string]string{"status": "canceling", "id": jobID})
	}
}

func (a *App) downloadFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(name)
		if err != nil {
			http.Error(w, "invalid file name", http.StatusBadRequest)
			return
		}
		name = unescaped
	}

	path, err := validateFilePath(a.outputsDir, name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(path)}))
	http.ServeFile(w, r, path)
}

// validateFilePath joins name onto dir and rejects anything that escapes dir.
func validateFilePath(dir, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", errInvalidPath
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", errInvalidPath
	}
	absPath, err := filepath.Abs(filepath.Join(absDir, filepath.Clean(name)))
	if err != nil {
		return "", errInvalidPath
	}

	prefix := strings.TrimSuffix(absDir, string(filepath.Separator)) + string(filepath.Separator)
	if !strings.HasPrefix(absPath, prefix) {
		return "", errInvalidPath
	}
	return absPath, nil
}

func (a *App) allJobsWS(w http.ResponseWriter, r *http.Request) {
	a.hub.ServeWS(w, r, "")
}

func (a *App) jobWS(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, ok := a.jobs.Get(jobID); !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	a.hub.ServeWS(w, r, jobID)
}

func (a *App) render(w http.ResponseWriter, r *http.Request, component templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := component.Render(r.Context(), w); err != nil {
		a.logger.Error("failed to render template", "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
	}
}

func (a *App) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("failed to encode json", "error", err)
	}
}

func (a *App) respondError(w http.ResponseWriter, code int, msg string) {
	a.respondJSON(w, code, map[string]string{"error": msg})
}

func (a *App) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
