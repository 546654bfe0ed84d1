// ABOUTME: Read-only prism dashboard: HTML views and a JSON API over a runs directory behind a chi router.
// ABOUTME: The server never mutates run state; all writes stay with the tick CLI.
package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/leppikallio/prism/conductor"
	"github.com/leppikallio/prism/telemetry"
)

const defaultEventTail = 25

// Server serves read-only views over a runs directory.
type Server struct {
	runsDir   string
	addr      string
	templates *TemplateEngine
	router    chi.Router
}

// ServerConfig holds the configuration for the dashboard server.
type ServerConfig struct {
	Addr    string // listen address (default: "127.0.0.1:7464")
	RunsDir string // directory holding run roots
}

// NewServer creates a dashboard server over the given runs directory.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7464"
	}
	if cfg.RunsDir == "" {
		return nil, fmt.Errorf("RunsDir must not be empty")
	}
	tmpl, err := NewTemplateEngine()
	if err != nil {
		return nil, fmt.Errorf("initializing templates: %w", err)
	}
	s := &Server{
		runsDir:   cfg.RunsDir,
		addr:      cfg.Addr,
		templates: tmpl,
	}
	s.router = s.buildRouter()
	return s, nil
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server with timeouts that prevent resource
// exhaustion from slow clients.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	return srv.ListenAndServe()
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// buildRouter constructs the chi router with all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleHome)
	r.Get("/health", s.handleHealth)
	r.Get("/runs/{runID}", s.handleRunView)

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", s.handleAPIRuns)
		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", s.handleAPIRunDetail)
			r.Get("/events", s.handleAPIRunEvents)
			r.Get("/halt", s.handleAPIRunHalt)
		})
	})

	return r
}

// handleHome renders the runs listing.
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	runs, err := ListRuns(s.runsDir)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	data := PageData{Title: "Runs", Runs: runs, RefreshSecs: 10}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.Render(w, "home.html", data); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// handleHealth returns a JSON health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRunView renders the detail page for one run.
func (s *Server) handleRunView(w http.ResponseWriter, r *http.Request) {
	root, err := resolveRunRoot(s.runsDir, chi.URLParam(r, "runID"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	detail, err := loadRunDetail(root, defaultEventTail)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	data := PageData{
		Title:     detail.Manifest.RunID,
		Run:       detail,
		GateOrder: conductor.AllGates,
	}
	if !detail.Manifest.Terminal() {
		data.RefreshSecs = 10
	}
	if detail.Halt != nil {
		data.HaltHTML = markdownToHTML(haltMarkdown(detail.Halt))
	}
	if report, err := os.ReadFile(conductor.FinalReportPath(root)); err == nil {
		data.ReportHTML = markdownToHTML(string(report))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.Render(w, "run_view.html", data); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// handleAPIRuns returns all run summaries as JSON.
func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := ListRuns(s.runsDir)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleAPIRunDetail returns the manifest, gates, latest halt, and a short
// event tail for one run.
func (s *Server) handleAPIRunDetail(w http.ResponseWriter, r *http.Request) {
	root, err := resolveRunRoot(s.runsDir, chi.URLParam(r, "runID"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	detail, err := loadRunDetail(root, defaultEventTail)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleAPIRunEvents returns the last n telemetry events (default 25).
func (s *Server) handleAPIRunEvents(w http.ResponseWriter, r *http.Request) {
	root, err := resolveRunRoot(s.runsDir, chi.URLParam(r, "runID"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	n := defaultEventTail
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a non-negative integer"})
			return
		}
		n = parsed
	}
	events, err := telemetry.Open(root)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	tail, err := events.Tail(n)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if tail == nil {
		tail = []telemetry.Event{}
	}
	writeJSON(w, http.StatusOK, tail)
}

// handleAPIRunHalt returns the latest halt artifact, or 404 when the run has
// never halted.
func (s *Server) handleAPIRunHalt(w http.ResponseWriter, r *http.Request) {
	root, err := resolveRunRoot(s.runsDir, chi.URLParam(r, "runID"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	halt, err := conductor.ReadLatestHalt(root)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if halt == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no halt recorded"})
		return
	}
	writeJSON(w, http.StatusOK, halt)
}

// haltMarkdown renders a halt as markdown for the HTML view.
func haltMarkdown(h *conductor.Halt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Halted: %s** (stage %s)\n\n%s\n", h.Code, h.Stage, h.Reason)
	if len(h.MissingArtifacts) > 0 {
		b.WriteString("\nMissing artifacts:\n")
		for _, a := range h.MissingArtifacts {
			fmt.Fprintf(&b, "- `%s`\n", a)
		}
	}
	if len(h.OutputPaths) > 0 {
		b.WriteString("\nExpected outputs:\n")
		for _, p := range h.OutputPaths {
			fmt.Fprintf(&b, "- `%s`\n", p)
		}
	}
	if len(h.NextCommands) > 0 {
		b.WriteString("\nNext commands:\n")
		for _, c := range h.NextCommands {
			fmt.Fprintf(&b, "- `%s`\n", c)
		}
	}
	return b.String()
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
