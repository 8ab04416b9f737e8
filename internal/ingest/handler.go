package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gorilla/mux"

	"shimrelay/internal/capture"
	"shimrelay/internal/emitter"
)

// Deps are the relay components the ingest API drives.
// Params: emitter plus the host hooks its capture layers are installed on.
// Returns: handler dependencies.
type Deps struct {
	Emitter    *emitter.Emitter
	Console    *capture.Console
	Exceptions *capture.HandlerSlot
	Rejections *capture.RejectionTracker
	Status     func() any
	Logger     *slog.Logger
	MaxBody    int64
}

// RemoteError is an error reported by a remote application.
type RemoteError struct {
	Message string
	Stack   string
}

// Error returns the remote message.
func (e *RemoteError) Error() string {
	return e.Message
}

// StackTrace returns the remote stack, empty when none was sent.
func (e *RemoteError) StackTrace() string {
	return e.Stack
}

type eventRequest struct {
	EventType  string         `json:"event_type"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes"`
}

type consoleRequest struct {
	Args []any `json:"args"`
}

type exceptionRequest struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

type rejectionRequest struct {
	Reason *string `json:"reason"`
}

type nativeLogRequest struct {
	Message string `json:"message"`
}

type api struct {
	deps Deps
}

// NewRouter builds the ingest API router.
// Params: deps relay components; Emitter is required.
// Returns: router with panic recovery routed through the exception slot.
func NewRouter(deps Deps) (*mux.Router, error) {
	if deps.Emitter == nil {
		return nil, fmt.Errorf("ingest: emitter is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxBody <= 0 {
		deps.MaxBody = 1 << 20
	}

	a := &api{deps: deps}
	r := mux.NewRouter()
	r.Use(a.recoverPanics)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/events", a.sendEvent).Methods(http.MethodPost)
	v1.HandleFunc("/report/{name}", a.report).Methods(http.MethodPost)
	v1.HandleFunc("/timers/{name}", a.timeEvent).Methods(http.MethodPost)
	v1.HandleFunc("/attributes", a.setAttributes).Methods(http.MethodPost)
	v1.HandleFunc("/console/{level}", a.console).Methods(http.MethodPost)
	v1.HandleFunc("/exceptions", a.exception).Methods(http.MethodPost)
	v1.HandleFunc("/rejections", a.reject).Methods(http.MethodPost)
	v1.HandleFunc("/rejections/{id}/handled", a.handleRejection).Methods(http.MethodPost)
	v1.HandleFunc("/native-log", a.nativeLog).Methods(http.MethodPost)
	v1.HandleFunc("/status", a.status).Methods(http.MethodGet)

	return r, nil
}

// recoverPanics routes handler panics to the uncaught-error slot and answers 500
// unless the response has already started. http.ErrAbortHandler is re-raised for net/http.
func (a *api) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.deps.Exceptions == nil {
			next.ServeHTTP(w, r)
			return
		}

		tracked := &startedWriter{ResponseWriter: w}
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(recovered)
			}

			a.deps.Exceptions.Handle(&capture.PanicError{Value: recovered, Stack: debug.Stack()})
			if tracked.started {
				a.deps.Logger.Warn("handler panicked after response started", slog.String("path", r.URL.Path))
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
		}()

		next.ServeHTTP(tracked, r)
	})
}

// startedWriter records whether the status line has been sent.
type startedWriter struct {
	http.ResponseWriter
	started bool
}

func (w *startedWriter) WriteHeader(status int) {
	w.started = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *startedWriter) Write(p []byte) (int, error) {
	w.started = true
	return w.ResponseWriter.Write(p)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *startedWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (a *api) sendEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !a.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if strings.TrimSpace(req.EventType) == "" {
		req.EventType = emitter.EventTypeLogs
	}

	delivered := a.deps.Emitter.Send(r.Context(), req.EventType, req.Name, req.Attributes)
	writeJSON(w, http.StatusAccepted, map[string]bool{"delivered": delivered})
}

func (a *api) report(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if !a.decodeOptional(w, r, &payload) {
		return
	}

	delivered := a.deps.Emitter.Report(r.Context(), mux.Vars(r)["name"], payload)
	writeJSON(w, http.StatusAccepted, map[string]bool{"delivered": delivered})
}

func (a *api) timeEvent(w http.ResponseWriter, r *http.Request) {
	a.deps.Emitter.TimeEvent(mux.Vars(r)["name"])
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) setAttributes(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if !a.decode(w, r, &values) {
		return
	}

	a.deps.Emitter.SetGlobalAttributes(r.Context(), values)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) console(w http.ResponseWriter, r *http.Request) {
	if a.deps.Console == nil {
		writeError(w, http.StatusNotImplemented, "console hook is not configured")
		return
	}

	level := mux.Vars(r)["level"]
	switch level {
	case capture.LevelLog, capture.LevelWarn, capture.LevelError:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown console level %q", level))
		return
	}

	var req consoleRequest
	if !a.decode(w, r, &req) {
		return
	}

	a.deps.Console.Print(level, req.Args...)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) exception(w http.ResponseWriter, r *http.Request) {
	if a.deps.Exceptions == nil {
		writeError(w, http.StatusNotImplemented, "exception hook is not configured")
		return
	}

	var req exceptionRequest
	if !a.decode(w, r, &req) {
		return
	}

	a.deps.Exceptions.Handle(&RemoteError{Message: req.Message, Stack: req.Stack})
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) reject(w http.ResponseWriter, r *http.Request) {
	if a.deps.Rejections == nil {
		writeError(w, http.StatusNotImplemented, "rejection hook is not configured")
		return
	}

	var req rejectionRequest
	if !a.decodeOptional(w, r, &req) {
		return
	}

	var reason error
	if req.Reason != nil {
		reason = errors.New(*req.Reason)
	}

	id := a.deps.Rejections.Reject(reason)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "tracked": id != ""})
}

func (a *api) handleRejection(w http.ResponseWriter, r *http.Request) {
	if a.deps.Rejections == nil {
		writeError(w, http.StatusNotImplemented, "rejection hook is not configured")
		return
	}

	if !a.deps.Rejections.Handle(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "rejection is not pending")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) nativeLog(w http.ResponseWriter, r *http.Request) {
	var req nativeLogRequest
	if !a.decode(w, r, &req) {
		return
	}

	a.deps.Emitter.NativeLog(r.Context(), req.Message)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) status(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"pending_timers": a.deps.Emitter.PendingTimers(),
	}
	if a.deps.Rejections != nil {
		body["pending_rejections"] = a.deps.Rejections.Pending()
	}
	if a.deps.Status != nil {
		body["relay"] = a.deps.Status()
	}
	writeJSON(w, http.StatusOK, body)
}

// decode reads a required JSON body into dst.
// Params: w response writer for errors; r request; dst target pointer.
// Returns: false when an error response was written.
func (a *api) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return a.decodeBody(w, r, dst, false)
}

// decodeOptional reads a JSON body into dst, accepting an empty body.
func (a *api) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	return a.decodeBody(w, r, dst, true)
}

func (a *api) decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	body := http.MaxBytesReader(w, r.Body, a.deps.MaxBody)
	err := json.NewDecoder(body).Decode(dst)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return false
	}

	a.deps.Logger.Warn("ingest decode failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	writeError(w, http.StatusBadRequest, "invalid JSON body")
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
