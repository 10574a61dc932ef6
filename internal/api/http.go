package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stephen-kim/cinepyle/internal/healing"
	"github.com/stephen-kim/cinepyle/internal/logging"
	"github.com/stephen-kim/cinepyle/internal/orchestrator"
	"github.com/stephen-kim/cinepyle/internal/slots"
)

const (
	maxRequestBodySize = 1 << 16 // 64KB
	defaultTheaterHits = 15
	maxTheaterHits     = 50
)

// Conversations is the chat core. Implemented by *orchestrator.Orchestrator.
type Conversations interface {
	HandleMessage(ctx context.Context, conversationID string, in orchestrator.Inbound) ([]orchestrator.Outbound, error)
	State(conversationID string) (slots.State, bool)
}

// Mailbox holds messages produced after a request returned. Implemented
// by *orchestrator.Outbox.
type Mailbox interface {
	Drain(conversationID string) []orchestrator.Outbound
}

// StrategyLister exposes the stored strategy versions for audit.
type StrategyLister interface {
	List(ctx context.Context) ([]healing.Strategy, error)
	Stale(ctx context.Context) ([]healing.Strategy, error)
}

// Deps holds the collaborators shared by the HTTP and MCP surfaces.
type Deps struct {
	Conversations Conversations
	Outbox        Mailbox
	Strategies    StrategyLister
	Theaters      orchestrator.TheaterDirectory
	Logger        *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logging.New("api")
}

// NewHandler returns the HTTP API. Everything except /health requires
// the bearer token. A non-nil mcp handler is mounted at /mcp.
func NewHandler(deps Deps, token string, mcp http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(token))
		r.Post("/v1/conversations/{id}/messages", handleMessage(deps))
		r.Get("/v1/conversations/{id}/outbox", handleOutbox(deps))
		r.Get("/v1/strategies", handleStrategies(deps))
		r.Get("/v1/theaters", handleTheaters(deps))
		if mcp != nil {
			r.Handle("/mcp", mcp)
		}
	})
	return r
}

// BearerAuth rejects requests whose Authorization header does not carry
// the token.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// MessageResponse is the reply to a posted message.
type MessageResponse struct {
	State   slots.State             `json:"state"`
	Replies []orchestrator.Outbound `json:"replies"`
	// Pending holds earlier notifications drained with this request.
	Pending []orchestrator.Outbound `json:"pending,omitempty"`
}

// OutboxResponse is the body of GET /v1/conversations/{id}/outbox.
type OutboxResponse struct {
	State    slots.State             `json:"state,omitempty"`
	Messages []orchestrator.Outbound `json:"messages"`
}

func handleMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		id := chi.URLParam(r, "id")
		var in orchestrator.Inbound
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(in.Text) == "" && in.Location == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text or location is required")
			return
		}

		replies, err := deps.Conversations.HandleMessage(r.Context(), id, in)
		if err != nil {
			deps.logger().Warn("message not handled", "conversation", id, "error", err)
			httpError(w, http.StatusServiceUnavailable, "api_error", "message not handled: %v", err)
			return
		}
		state, _ := deps.Conversations.State(id)
		writeJSON(w, MessageResponse{
			State:   state,
			Replies: nonNil(replies),
			Pending: deps.Outbox.Drain(id),
		})
	}
}

func handleOutbox(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		state, _ := deps.Conversations.State(id)
		writeJSON(w, OutboxResponse{State: state, Messages: nonNil(deps.Outbox.Drain(id))})
	}
}

// StrategyView is the audit representation of one strategy version.
type StrategyView struct {
	Site            string     `json:"site"`
	Task            string     `json:"task"`
	Version         int        `json:"version"`
	Source          string     `json:"source"`
	SuccessCount    int        `json:"success_count"`
	FailureCount    int        `json:"failure_count"`
	CreatedAt       time.Time  `json:"created_at"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	Stale           bool       `json:"stale"`
	Body            string     `json:"body,omitempty"`
}

func strategyViews(list []healing.Strategy, withBody bool) []StrategyView {
	out := make([]StrategyView, 0, len(list))
	for _, st := range list {
		v := StrategyView{
			Site:         st.Site,
			Task:         st.Task,
			Version:      st.Version,
			Source:       st.Source,
			SuccessCount: st.SuccessCount,
			FailureCount: st.FailureCount,
			CreatedAt:    st.CreatedAt,
			Stale:        st.Stale,
		}
		if !st.LastValidatedAt.IsZero() {
			t := st.LastValidatedAt
			v.LastValidatedAt = &t
		}
		if withBody {
			v.Body = st.Body
		}
		out = append(out, v)
	}
	return out
}

func listStrategies(ctx context.Context, deps Deps, staleOnly bool) ([]healing.Strategy, error) {
	if staleOnly {
		return deps.Strategies.Stale(ctx)
	}
	return deps.Strategies.List(ctx)
}

func handleStrategies(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		list, err := listStrategies(r.Context(), deps, q.Get("stale") == "true")
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing strategies: %v", err)
			return
		}
		if site := q.Get("site"); site != "" {
			filtered := list[:0]
			for _, st := range list {
				if st.Site == site {
					filtered = append(filtered, st)
				}
			}
			list = filtered
		}
		writeJSON(w, strategyViews(list, q.Get("body") == "true"))
	}
}

func handleTheaters(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		query := strings.TrimSpace(q.Get("q"))
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit, err := parseLimit(q.Get("limit"), defaultTheaterHits, maxTheaterHits)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		hits, err := deps.Theaters.SearchTheaters(r.Context(), q.Get("chain"), query, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "searching theaters: %v", err)
			return
		}
		writeJSON(w, hits)
	}
}

func parseLimit(raw string, fallback, max int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", raw)
	}
	return min(n, max), nil
}

func nonNil(msgs []orchestrator.Outbound) []orchestrator.Outbound {
	if msgs == nil {
		return []orchestrator.Outbound{}
	}
	return msgs
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
