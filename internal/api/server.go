// Package api exposes sessions, pipeline stages, job status, logs and
// metrics over HTTP for the operator dashboard.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/justinas/alice"
	"github.com/rs/cors"
	"github.com/urfave/negroni"

	"github.com/tastythames/lab-pipeline/internal/cache"
	"github.com/tastythames/lab-pipeline/internal/pipeline"
)

const (
	_host  = "host"
	_stage = "stage"
	_n     = "n"
	_limit = "limit"
	_path  = "path"

	defaultLogLines = 200
)

// Sessions is the part of the session manager the API drives.
type Sessions interface {
	Authenticate(ctx context.Context, host, username, secret string, port int) (bool, string)
	IsAuthenticated(host string) bool
	AuthenticatedHosts() []string
	Cleanup(host string)
}

// Pipeline is the part of the coordinator the API drives.
type Pipeline interface {
	RunStage(ctx context.Context, stage pipeline.Stage, req pipeline.Request) pipeline.StageResult
	Start(req pipeline.Request) string
	StopMonitor() bool
	Monitoring() (string, bool)
	Statuses() map[string]cache.Entry
	CreateCloudFolder(ctx context.Context, path string) (bool, string)
	ListExperiments(limit int) ([]string, error)
	ListCloudFolders(ctx context.Context, sub string) ([]string, error)
	CheckCloud(ctx context.Context) (bool, string)
}

// Logs is the progress log: a bounded tail plus live subscriptions.
type Logs interface {
	Tail(n int) []string
	Subscribe() chan interface{}
	Unsubscribe(ch chan interface{})
}

type MetricsWriter interface {
	Write(w io.Writer)
}

type Server struct {
	sessions Sessions
	pipeline Pipeline
	logs     Logs
	metrics  MetricsWriter
	log      *slog.Logger
	router   *mux.Router
}

func New(s Sessions, p Pipeline, l Logs, m MetricsWriter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	a := &Server{sessions: s, pipeline: p, logs: l, metrics: m, log: log}
	a.setupRouter()
	return a
}

// Handler is the router wrapped in recovery, access logging and CORS.
func (a *Server) Handler() http.Handler {
	return alice.New(
		a.recoveryMiddleware,
		a.loggingMiddleware,
		cors.AllowAll().Handler,
	).Then(a.router)
}

func (a *Server) setupRouter() {
	r := mux.NewRouter()

	// health + metrics
	r.HandleFunc("/health", a.getHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", a.getMetrics).Methods(http.MethodGet)
	// sessions
	r.HandleFunc("/auth", a.getAuthenticatedHosts).Methods(http.MethodGet)
	r.HandleFunc("/auth/{host}", a.authenticate).Methods(http.MethodPost)
	r.HandleFunc("/auth/{host}", a.getAuth).Methods(http.MethodGet)
	r.HandleFunc("/auth/{host}", a.logout).Methods(http.MethodDelete)
	// pipeline
	r.HandleFunc("/stages/{stage}", a.runStage).Methods(http.MethodPost)
	r.HandleFunc("/run", a.run).Methods(http.MethodPost)
	r.HandleFunc("/monitor", a.getMonitor).Methods(http.MethodGet)
	r.HandleFunc("/monitor", a.stopMonitor).Methods(http.MethodDelete)
	r.HandleFunc("/cloud/folders", a.createCloudFolder).Methods(http.MethodPost)
	r.HandleFunc("/cloud/folders", a.getCloudFolders).Methods(http.MethodGet)
	r.HandleFunc("/cloud/check", a.checkCloud).Methods(http.MethodGet)
	r.HandleFunc("/nas/experiments", a.getExperiments).Methods(http.MethodGet)
	// status + logs
	r.HandleFunc("/status", a.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/logs", a.getLogs).Methods(http.MethodGet)
	r.HandleFunc("/logs/stream", a.streamLogs).Methods(http.MethodGet)

	a.router = r
}

func (a *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (a *Server) getMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	a.metrics.Write(w)
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Port     int    `json:"port"`
}

// result is the {ok, message} body every pipeline operation answers with.
type result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
}

func (a *Server) authenticate(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)[_host]
	var req authRequest
	if err := decode(r, &req); err != nil {
		HTTPResponseError(w, http.StatusBadRequest, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		HTTPResponseError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if req.Port == 0 {
		req.Port = 22
	}

	// push approval can outlast the client; the attempt finishes either way
	ok, msg := a.sessions.Authenticate(context.WithoutCancel(r.Context()), host, req.Username, req.Password, req.Port)
	code := http.StatusOK
	if !ok {
		code = http.StatusUnauthorized
	}
	HTTPResponseJSON(w, code, result{OK: ok, Message: msg})
}

func (a *Server) getAuth(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)[_host]
	HTTPResponseJSON(w, http.StatusOK, map[string]interface{}{
		"host":          host,
		"authenticated": a.sessions.IsAuthenticated(host),
	})
}

func (a *Server) getAuthenticatedHosts(w http.ResponseWriter, _ *http.Request) {
	hosts := a.sessions.AuthenticatedHosts()
	if hosts == nil {
		hosts = []string{}
	}
	HTTPResponseJSON(w, http.StatusOK, map[string][]string{"hosts": hosts})
}

func (a *Server) logout(w http.ResponseWriter, r *http.Request) {
	a.sessions.Cleanup(mux.Vars(r)[_host])
	w.WriteHeader(http.StatusNoContent)
}

func (a *Server) runStage(w http.ResponseWriter, r *http.Request) {
	stage, ok := pipeline.ParseStage(mux.Vars(r)[_stage])
	if !ok {
		HTTPResponseError(w, http.StatusNotFound, "unknown stage: ", mux.Vars(r)[_stage])
		return
	}
	var req pipeline.Request
	if err := decode(r, &req); err != nil {
		HTTPResponseError(w, http.StatusBadRequest, err)
		return
	}

	// a disconnecting client must not kill transfers halfway through a batch
	res := a.pipeline.RunStage(context.WithoutCancel(r.Context()), stage, req)
	code := http.StatusOK
	if res.Blocked {
		code = http.StatusConflict
	}
	HTTPResponseJSON(w, code, res)
}

func (a *Server) run(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := decode(r, &req); err != nil {
		HTTPResponseError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Experiments) == 0 {
		HTTPResponseError(w, http.StatusBadRequest, "no experiments selected")
		return
	}
	runID := a.pipeline.Start(req)
	HTTPResponseJSON(w, http.StatusAccepted, result{OK: true, Message: "Pipeline run started", RunID: runID})
}

func (a *Server) getMonitor(w http.ResponseWriter, _ *http.Request) {
	runID, running := a.pipeline.Monitoring()
	HTTPResponseJSON(w, http.StatusOK, map[string]interface{}{"running": running, "run_id": runID})
}

func (a *Server) stopMonitor(w http.ResponseWriter, _ *http.Request) {
	if !a.pipeline.StopMonitor() {
		HTTPResponseJSON(w, http.StatusOK, result{OK: false, Message: "No job monitor running"})
		return
	}
	HTTPResponseJSON(w, http.StatusOK, result{OK: true, Message: "Job monitoring stopped"})
}

func (a *Server) createCloudFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decode(r, &req); err != nil {
		HTTPResponseError(w, http.StatusBadRequest, err)
		return
	}
	if req.Path == "" {
		HTTPResponseError(w, http.StatusBadRequest, "path is required")
		return
	}
	ok, msg := a.pipeline.CreateCloudFolder(context.WithoutCancel(r.Context()), req.Path)
	code := http.StatusOK
	if !ok {
		code = http.StatusBadGateway
	}
	HTTPResponseJSON(w, code, result{OK: ok, Message: msg})
}

func (a *Server) getCloudFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := a.pipeline.ListCloudFolders(r.Context(), r.URL.Query().Get(_path))
	if err != nil {
		HTTPResponseError(w, queryErrorCode(err), err)
		return
	}
	if folders == nil {
		folders = []string{}
	}
	HTTPResponseJSON(w, http.StatusOK, map[string][]string{"folders": folders})
}

func (a *Server) checkCloud(w http.ResponseWriter, r *http.Request) {
	ok, msg := a.pipeline.CheckCloud(r.Context())
	HTTPResponseJSON(w, http.StatusOK, result{OK: ok, Message: msg})
}

func (a *Server) getExperiments(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get(_limit); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 0 {
			HTTPResponseError(w, http.StatusBadRequest, "invalid ", _limit, " query parameter")
			return
		}
		limit = v
	}
	names, err := a.pipeline.ListExperiments(limit)
	if err != nil {
		HTTPResponseError(w, queryErrorCode(err), err)
		return
	}
	if names == nil {
		names = []string{}
	}
	HTTPResponseJSON(w, http.StatusOK, map[string][]string{"experiments": names})
}

func queryErrorCode(err error) int {
	if errors.Is(err, pipeline.ErrNotAuthenticated) {
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

type statusEntry struct {
	Experiment string    `json:"experiment"`
	JobID      string    `json:"job_id"`
	Host       string    `json:"host"`
	Status     string    `json:"status"`
	PolledAt   time.Time `json:"polled_at"`
	Error      string    `json:"error,omitempty"`
}

func (a *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	snap := a.pipeline.Statuses()
	names := make([]string, 0, len(snap))
	for n := range snap {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]statusEntry, 0, len(names))
	for _, n := range names {
		e := snap[n]
		se := statusEntry{Experiment: n, JobID: e.JobID, Host: e.Host, Status: e.Status, PolledAt: e.At}
		if e.Err != nil {
			se.Error = e.Err.Error()
		}
		out = append(out, se)
	}
	HTTPResponseJSON(w, http.StatusOK, out)
}

func (a *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if q := r.URL.Query().Get(_n); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 0 {
			HTTPResponseError(w, http.StatusBadRequest, "invalid ", _n, " query parameter")
			return
		}
		n = v
	}
	HTTPResponseJSON(w, http.StatusOK, map[string][]string{"lines": a.logs.Tail(n)})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // dashboard may be served elsewhere
}

// streamLogs pushes every new log line to a websocket client as a text message.
func (a *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("api: websocket upgrade failed", "err", err)
		return
	}
	defer c.Close()

	lines := a.logs.Subscribe()
	defer a.logs.Unsubscribe(lines)

	// the client never sends; reading only detects that it went away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case raw, ok := <-lines:
			if !ok {
				return
			}
			line, _ := raw.(string)
			if err := c.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				a.log.Debug("api: websocket write failed", "err", err)
				return
			}
		}
	}
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("error decoding request body: %w", err)
	}
	return nil
}

// HTTPResponseError writes {"error": message}. Without a message the status text is used.
func HTTPResponseError(w http.ResponseWriter, code int, message ...interface{}) {
	if len(message) == 0 {
		message = []interface{}{http.StatusText(code)}
	}
	HTTPResponseJSON(w, code, map[string]string{"error": fmt.Sprint(message...)})
}

func HTTPResponseJSON(w http.ResponseWriter, code int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		code = http.StatusInternalServerError
		b = []byte(`{"error":"` + http.StatusText(code) + `"}`)
	}
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func (a *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		nw := negroni.NewResponseWriter(w)
		next.ServeHTTP(nw, r)
		a.log.Info("api: request", "method", r.Method, "path", r.URL.Path,
			"status", nw.Status(), "size", nw.Size(), "duration", time.Since(start))
	})
}

func (a *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				a.log.Error("api: panic", "err", rec, "stack", string(debug.Stack()))
				HTTPResponseError(w, http.StatusInternalServerError, rec)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
