// Package httpapi exposes chat and memory operations over HTTP and a
// WebSocket, routed with chi.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bdobrica/Kioku/common/trace"
	"github.com/bdobrica/Kioku/internal/kioku/chat"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

// TransportHTTP and TransportWebSocket label chat turns in metrics.
const (
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)

// Chat answers one message.
type Chat interface {
	Handle(ctx context.Context, transport, userID, text string) (string, error)
}

// Conversations is the short-term memory surface the admin routes use.
type Conversations interface {
	Assemble(ctx context.Context, userID, message string) (memory.ContextBundle, error)
	Record(ctx context.Context, userID, userMessage, assistantReply string) error
	History(userID string) []memory.Turn
	Limit(userID string) int
	SetLimit(userID string, n int) error
	SetSystemPrompt(userID, prompt string) error
	Clear(userID string)
}

// LongTerm is the long-term memory surface the admin routes use.
type LongTerm interface {
	Recall(ctx context.Context, userID, query string, k int) []memory.Fact
	Compact(ctx context.Context, userID string) (*memory.Fact, error)
}

// Deps wires a Server. Gatherer, Ready and Logger are optional.
type Deps struct {
	Chat          Chat
	Conversations Conversations
	LongTerm      LongTerm
	Gatherer      prometheus.Gatherer
	// Ready reports whether backing stores are reachable.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
	// AllowAnyOrigin disables the same-origin check on WebSocket upgrades.
	AllowAnyOrigin bool
	// DefaultRecallK is used by the recall route when the request omits k.
	DefaultRecallK int
}

type Server struct {
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.DefaultRecallK <= 0 {
		deps.DefaultRecallK = memory.DefaultRecallK
	}
	return &Server{
		deps:   deps,
		logger: deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if deps.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withTrace)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", observability.Handler(s.deps.Gatherer))

	r.Post("/v1/chat", s.handleChat)
	r.Get("/v1/chat/ws", s.handleChatWS)
	r.Post("/v1/context", s.handleContext)
	r.Post("/v1/record", s.handleRecord)

	r.Route("/v1/users/{id}", func(r chi.Router) {
		r.Get("/history", s.handleHistory)
		r.Delete("/history", s.handleClearHistory)
		r.Put("/limit", s.handleSetLimit)
		r.Put("/system", s.handleSetSystem)
		r.Post("/compact", s.handleCompact)
		r.Post("/recall", s.handleRecall)
	})
	return r
}

// withTrace adopts the caller's X-Request-ID as trace ID, or generates one,
// and echoes it back.
func withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" {
			ctx = trace.WithTraceID(ctx, id)
		}
		ctx, id := trace.Ensure(ctx)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("httpapi: not ready", "err", err)
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type errorBody struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

var errEmptyBody = errors.New("empty body")

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, detail string) {
	respondJSON(w, status, errorResponse{Error: errorBody{Code: code, Detail: detail}})
}

// respondFailure maps a domain error to a status code.
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= 500 {
		observability.WithTrace(r.Context(), s.logger).Error("httpapi: request failed", "path", r.URL.Path, "err", err)
	}
	respondError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case memory.IsValidation(err):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, chat.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, memory.ErrCollaboratorUnavailable):
		return http.StatusBadGateway, "upstream_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
