package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/rosterfile/internal/docstore"
	"github.com/agentworkforce/rosterfile/internal/rmw"
	"github.com/agentworkforce/rosterfile/internal/roster"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const correlationHeader = "X-Correlation-Id"

type ServerConfig struct {
	MaxBodyBytes int64
	APIToken     string
	Logger       *slog.Logger
}

type Server struct {
	roster *roster.Service
	cfg    ServerConfig
	logger *slog.Logger
	router chi.Router
}

func NewServer(svc *roster.Service) *Server {
	return NewServerWithConfig(svc, ServerConfig{})
}

func NewServerWithConfig(svc *roster.Service, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		roster: svc,
		cfg:    cfg,
		logger: logger.With("component", "httpapi"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.withCorrelationID, s.withCORS, s.withRequestLog, middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/classes", s.handleListClasses)
		r.Post("/classes", s.handleCreateClass)
		r.Get("/classes/{class}/students", s.handleGetRoster)
		r.Post("/classes/{class}/students", s.handleAddStudent)
		r.Patch("/classes/{class}/students/{key}", s.handleUpdateStudent)
		r.Delete("/classes/{class}/students/{key}", s.handleDeleteStudent)

		r.Get("/attendance/{class}", s.handleAttendanceRange)
		r.Get("/attendance/{class}/{date}", s.handleGetAttendance)
		r.Put("/attendance/{class}/{date}", s.handleSaveAttendance)
		r.Post("/attendance/{class}/{date}/audio", s.handleAppendAudio)

		r.Post("/moves/roster", s.handleMoveRoster)
		r.Post("/moves/attendance", s.handleMoveAttendance)

		r.Get("/progress/{name}", s.handleGetProgress)
		r.Put("/progress/{name}", s.handleUpsertProgress)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationIDFrom(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationIDFrom(r.Context()))
	})
	return r
}

type correlationKey struct{}

// withCorrelationID echoes the caller's X-Correlation-Id or assigns a new one.
func (s *Server) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

func correlationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+correlationHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"correlation_id", correlationIDFrom(r.Context()),
		)
	})
}

// writeServiceError maps service errors onto HTTP statuses and error codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := correlationIDFrom(r.Context())
	var storeErr *docstore.StoreError
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, docstore.ErrInvalidInput):
		status, code = http.StatusBadRequest, "bad_request"
	case errors.Is(err, docstore.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, roster.ErrDuplicate):
		status, code = http.StatusConflict, "duplicate"
	case errors.Is(err, rmw.ErrConflictAfterRetries), errors.Is(err, docstore.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, rmw.ErrCorruptDocument):
		status, code = http.StatusInternalServerError, "corrupt_document"
	case errors.As(err, &storeErr):
		status, code = storeErr.StatusCode, "upstream_error"
		if status < 400 {
			status = http.StatusBadGateway
		}
	}
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err, "correlation_id", correlationID)
	}
	writeError(w, status, code, err.Error(), correlationID)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeJSONBody decodes with UseNumber so numeric ids keep their exact form.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	correlationID := correlationIDFrom(r.Context())
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// flexString accepts either a JSON string or a JSON number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*f = ""
	case string:
		*f = flexString(t)
	case json.Number:
		*f = flexString(t.String())
	default:
		return errors.Errorf("expected string or number, got %T", v)
	}
	return nil
}

func flexStrings(in []flexString) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
