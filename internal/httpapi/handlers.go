package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentarena/broker/internal/logging"
	"agentarena/broker/internal/protocol"
	"agentarena/broker/internal/registry"
	"agentarena/broker/internal/router"
	"agentarena/broker/internal/store"
)

const maxBodyBytes = 1 << 20

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Sequencer serializes room-scoped work onto the room's dispatch loop so the
// HTTP path shares ordering with the websocket path. A nil Sequencer runs the
// work inline.
type Sequencer interface {
	RunInRoom(ctx context.Context, roomID uuid.UUID, fn func()) error
}

// Options configures the HandlerSet.
type Options struct {
	Logger       *logging.Logger
	Router       *router.Router
	Registry     *registry.Registry
	Store        *store.Store
	Sequencer    Sequencer
	AdminToken   string
	RoundLimiter RateLimiter
	TimeSource   func() time.Time
}

// HandlerSet bundles the HTTP message fallbacks with the operational
// endpoints. The message endpoints route through the exact same pipeline as
// the websocket path.
type HandlerSet struct {
	logger       *logging.Logger
	router       *router.Router
	registry     *registry.Registry
	store        *store.Store
	sequencer    Sequencer
	adminToken   string
	roundLimiter RateLimiter
	now          func() time.Time
	started      time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:       logger,
		router:       opts.Router,
		registry:     opts.Registry,
		store:        opts.Store,
		sequencer:    opts.Sequencer,
		adminToken:   strings.TrimSpace(opts.AdminToken),
		roundLimiter: opts.RoundLimiter,
		now:          now,
		started:      now(),
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/messages/agent", h.MessageHandler(protocol.KindAgentMessage))
	mux.HandleFunc("/messages/gm", h.MessageHandler(protocol.KindGMMessage))
	mux.HandleFunc("/messages/observation", h.MessageHandler(protocol.KindObservation))
	mux.HandleFunc("/rounds/start", h.RoundStartHandler())
	mux.HandleFunc("/rounds/end", h.RoundEndHandler())
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
}

// MessageHandler accepts one message kind over POST and feeds it through the
// shared routing pipeline.
func (h *HandlerSet) MessageHandler(kind protocol.Kind) http.HandlerFunc {
	type response struct {
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, response{Status: "rejected", Message: "unreadable body"})
			return
		}
		message, perr := h.router.Decode(body)
		if perr == nil && message.Kind != kind {
			perr = protocol.NewValidationError(fmt.Sprintf("endpoint accepts %s only", kind))
		}
		if perr == nil {
			if !h.runSequenced(r.Context(), message, func() {
				perr = h.router.Handle(r.Context(), nil, message)
			}) {
				writeJSON(w, http.StatusServiceUnavailable, response{Status: "rejected", Message: "broker unavailable"})
				return
			}
		}
		if perr != nil {
			h.logger.Warn("http message rejected",
				logging.String("kind", string(kind)),
				logging.Int("status", perr.Status),
				logging.String("reason", perr.Message),
			)
			writeJSON(w, perr.Status, response{Status: "rejected", Message: perr.Message})
			return
		}
		writeJSON(w, http.StatusAccepted, response{Status: "routed"})
	}
}

type roundRequest struct {
	RoomID string `json:"roomId"`
}

// RoundStartHandler opens a new round for a room; admin-only.
func (h *HandlerSet) RoundStartHandler() http.HandlerFunc {
	type response struct {
		Status  string `json:"status"`
		RoundID string `json:"roundId,omitempty"`
		Message string `json:"message,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		roomID, ok := h.admitRoundRequest(w, r)
		if !ok {
			return
		}
		var round *store.Round
		var perr *protocol.Error
		if !h.runInRoom(r.Context(), roomID, func() {
			round, perr = h.router.StartRound(r.Context(), roomID)
		}) {
			http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
			return
		}
		if perr != nil {
			writeJSON(w, perr.Status, response{Status: "rejected", Message: perr.Message})
			return
		}
		writeJSON(w, http.StatusCreated, response{Status: "started", RoundID: round.ID.String()})
	}
}

// RoundEndHandler closes a room's active round; admin-only.
func (h *HandlerSet) RoundEndHandler() http.HandlerFunc {
	type response struct {
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		roomID, ok := h.admitRoundRequest(w, r)
		if !ok {
			return
		}
		var perr *protocol.Error
		if !h.runInRoom(r.Context(), roomID, func() {
			perr = h.router.EndRound(r.Context(), roomID)
		}) {
			http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
			return
		}
		if perr != nil {
			writeJSON(w, perr.Status, response{Status: "rejected", Message: perr.Message})
			return
		}
		writeJSON(w, http.StatusOK, response{Status: "ended"})
	}
}

// admitRoundRequest runs the shared method, auth, rate-limit and body checks
// for the round lifecycle endpoints.
func (h *HandlerSet) admitRoundRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return uuid.Nil, false
	}
	if h.adminToken == "" {
		http.Error(w, "admin authentication not configured", http.StatusForbidden)
		return uuid.Nil, false
	}
	if !h.authorise(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	if h.roundLimiter != nil && !h.roundLimiter.Allow() {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return uuid.Nil, false
	}
	var req roundRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return uuid.Nil, false
	}
	roomID, err := uuid.Parse(req.RoomID)
	if err != nil {
		http.Error(w, "roomId must be a valid identifier", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return roomID, true
}

// runSequenced routes room-scoped messages through the shared dispatch loop.
// It reports false only when the sequencer refused the work.
func (h *HandlerSet) runSequenced(ctx context.Context, message *protocol.Message, fn func()) bool {
	if roomID, ok := router.RoomOf(message); ok {
		return h.runInRoom(ctx, roomID, fn)
	}
	fn()
	return true
}

func (h *HandlerSet) runInRoom(ctx context.Context, roomID uuid.UUID, fn func()) bool {
	if h.sequencer == nil {
		fn()
		return true
	}
	if err := h.sequencer.RunInRoom(ctx, roomID, fn); err != nil {
		h.logger.Warn("room dispatch refused", logging.Error(err))
		return false
	}
	return true
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	token := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	if token == "" {
		bearer := strings.TrimSpace(r.Header.Get("Authorization"))
		token = strings.TrimSpace(strings.TrimPrefix(bearer, "Bearer "))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness, including store connectivity.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Clients       int     `json:"clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{
			Status:        "ok",
			UptimeSeconds: h.now().Sub(h.started).Seconds(),
			Clients:       h.registry.Len(),
		}
		if h.store != nil {
			if err := h.store.Ping(r.Context()); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = "store unreachable"
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counters := h.router.Counters()
		clients := h.registry.Len()
		rooms := len(h.registry.Occupancies())

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP arena_uptime_seconds Broker uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE arena_uptime_seconds gauge\n")
		fmt.Fprintf(w, "arena_uptime_seconds %.0f\n", h.now().Sub(h.started).Seconds())

		fmt.Fprintf(w, "# HELP arena_clients Current connected websocket clients.\n")
		fmt.Fprintf(w, "# TYPE arena_clients gauge\n")
		fmt.Fprintf(w, "arena_clients %d\n", clients)

		fmt.Fprintf(w, "# HELP arena_rooms Rooms with at least one live connection.\n")
		fmt.Fprintf(w, "# TYPE arena_rooms gauge\n")
		fmt.Fprintf(w, "arena_rooms %d\n", rooms)

		fmt.Fprintf(w, "# HELP arena_broadcasts_total Total broadcast payloads fanned out.\n")
		fmt.Fprintf(w, "# TYPE arena_broadcasts_total counter\n")
		fmt.Fprintf(w, "arena_broadcasts_total %d\n", counters.Broadcasts.Load())

		fmt.Fprintf(w, "# HELP arena_relays_total Total agent endpoint deliveries attempted.\n")
		fmt.Fprintf(w, "# TYPE arena_relays_total counter\n")
		fmt.Fprintf(w, "arena_relays_total %d\n", counters.Relays.Load())

		fmt.Fprintf(w, "# HELP arena_relay_failures_total Agent endpoint deliveries that exhausted retries.\n")
		fmt.Fprintf(w, "# TYPE arena_relay_failures_total counter\n")
		fmt.Fprintf(w, "arena_relay_failures_total %d\n", counters.RelayFailures.Load())

		fmt.Fprintf(w, "# HELP arena_rejections_total Messages rejected by the routing pipeline.\n")
		fmt.Fprintf(w, "# TYPE arena_rejections_total counter\n")
		fmt.Fprintf(w, "arena_rejections_total %d\n", counters.Rejections.Load())

		if h.store != nil {
			fmt.Fprintf(w, "# HELP arena_store_retries_total Transient store failures that were retried.\n")
			fmt.Fprintf(w, "# TYPE arena_store_retries_total counter\n")
			fmt.Fprintf(w, "arena_store_retries_total %d\n", h.store.RetryCount())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
