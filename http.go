package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

// maxBodyBytes caps one HTTP envelope.
const maxBodyBytes = 10 << 20

// HTTPTransport serves the same envelopes as the stdio loop over HTTP.
type HTTPTransport struct {
	server *MCPServer
	token  string
	logger *slog.Logger
	router *chi.Mux
}

// NewHTTPTransport constructs the router. An empty token leaves /mcp open.
func NewHTTPTransport(server *MCPServer, token string, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &HTTPTransport{
		server: server,
		token:  token,
		logger: logger.With("component", "http"),
		router: chi.NewRouter(),
	}
	t.router.Use(requestID)
	t.router.Use(middleware.RealIP)
	t.router.Use(t.logRequests)
	t.router.Use(middleware.Recoverer)

	t.router.Get("/health", t.handleHealth)

	t.router.Route("/mcp", func(r chi.Router) {
		r.Use(t.auth)
		r.Post("/", t.handleEnvelope)
		r.Get("/tools", t.handleListTools)
		r.Post("/call", t.handleCall)
	})
	return t
}

// Router exposes the root HTTP handler.
func (t *HTTPTransport) Router() http.Handler { return t.router }

// requestID stamps every request with an id, keeping one supplied by the caller.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (t *HTTPTransport) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		t.logger.Info("request",
			"id", r.Header.Get(requestIDHeader),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

func (t *HTTPTransport) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.token != "" && r.Header.Get("Authorization") != "Bearer "+t.token {
			t.writeJSON(w, http.StatusUnauthorized, Diagnostic{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	t.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEnvelope accepts one protocol envelope. Input the stdio loop would only
// report as a diagnostic gets a 400 with the same {error} body.
func (t *HTTPTransport) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		t.writeJSON(w, http.StatusBadRequest, Diagnostic{Error: err.Error()})
		return
	}
	response, err := t.server.HandleMessage(r.Context(), body)
	if err != nil {
		t.writeJSON(w, http.StatusBadRequest, Diagnostic{Error: err.Error()})
		return
	}
	t.writeJSON(w, http.StatusOK, response)
}

func (t *HTTPTransport) handleListTools(w http.ResponseWriter, _ *http.Request) {
	t.writeJSON(w, http.StatusOK, t.server.handleListTools())
}

func (t *HTTPTransport) handleCall(w http.ResponseWriter, r *http.Request) {
	var body any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		t.writeJSON(w, http.StatusBadRequest, Diagnostic{Error: "invalid json"})
		return
	}
	params, err := parseCallParams(body)
	if err != nil {
		t.writeJSON(w, http.StatusBadRequest, Diagnostic{Error: err.Error()})
		return
	}
	t.writeJSON(w, http.StatusOK, t.server.CallTool(r.Context(), params))
}

func (t *HTTPTransport) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := newLineEncoder(w).Encode(v); err != nil {
		t.logger.Error("failed to write response", "status", status, "error", err)
	}
}
