// Package admin implements the observational admin surface (spec
// [EXPANSION] §6): GET /healthz, GET /metrics, and GET /ws/events. It is
// purely read-only — it holds no capability-checker mutation path and
// cannot grant capabilities or bypass any check — modeled on the
// teacher's internal/gateway Server/Config/mux.HandleFunc shape, trimmed
// to this domain's observational scope (no ACP JSON-RPC method dispatch).
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/wasmguard/internal/bus"
	"github.com/basket/wasmguard/internal/checker"
	"github.com/basket/wasmguard/internal/codec"
	"github.com/basket/wasmguard/internal/otelx"
)

// Config wires a Server's dependencies, mirroring the teacher's
// gateway.Config shape: an injected Bus/Checker/telemetry Provider rather
// than package-level globals.
type Config struct {
	Bus     *bus.Bus
	Checker *checker.Checker
	Metrics *otelx.Provider

	// AuthToken gates /ws/events with a Bearer token, same convention as
	// the teacher's gateway.authorize. Empty disables the websocket feed
	// entirely (fails closed, matching the teacher's posture).
	AuthToken string

	// AllowOrigins controls accepted Origin headers for cross-origin
	// websocket connections; empty means same-origin only.
	AllowOrigins []string
}

// Server serves the admin HTTP+WebSocket surface.
type Server struct {
	cfg       Config
	startedAt time.Time

	clientsMu sync.Mutex
	clients   int
}

// New builds a Server from cfg. cfg.Bus/Checker/Metrics may be nil; the
// corresponding surface degrades gracefully (empty event feed, a
// healthz payload without component counts, a 503 /metrics) rather than
// panicking.
func New(cfg Config) *Server {
	return &Server{cfg: cfg, startedAt: time.Now()}
}

// Handler returns the admin HTTP surface as an http.Handler, the same
// "build a mux, hand it to httptest/http.Server" shape the teacher's
// gateway.Server.Handler uses.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws/events", s.handleWSEvents)
	return mux
}

type healthzResponse struct {
	Healthy              bool               `json:"healthy"`
	Overall              codec.HealthStatus `json:"overall"`
	UptimeSeconds        int64              `json:"uptime_seconds"`
	ComponentsRegistered int                `json:"components_registered"`
	ActiveWSClients      int                `json:"active_ws_clients"`
	Version              string             `json:"version"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	registered := 0
	if s.cfg.Checker != nil {
		registered = len(s.cfg.Checker.Ids())
	}
	s.clientsMu.Lock()
	clients := s.clients
	s.clientsMu.Unlock()

	// Round-trip the overall status through the C12 multicodec health
	// envelope (the same wire shape internal/actor uses for its own
	// HealthCheck responses), rather than shaping this ad hoc. The admin
	// surface itself is always reported healthy if it's serving requests at
	// all; Overall.Reason notes when it's running in a degraded (checker
	// unavailable) configuration without flipping Healthy.
	overall := codec.HealthStatus{Status: codec.StatusHealthy}
	if s.cfg.Checker == nil {
		overall = codec.HealthStatus{Status: codec.StatusDegraded, Reason: "capability checker unavailable"}
	}
	envelope, err := codec.EncodeHealth(codec.TagJSON, overall)
	if err == nil {
		if parsed, err := codec.ParseHealth(envelope); err == nil {
			overall = parsed
		}
	}

	resp := healthzResponse{
		Healthy:              true,
		Overall:              overall,
		UptimeSeconds:        int64(time.Since(s.startedAt).Seconds()),
		ComponentsRegistered: registered,
		ActiveWSClients:      clients,
		Version:              otelx.Version,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil || s.cfg.Metrics.PromHandler == nil {
		http.Error(w, "metrics export disabled", http.StatusServiceUnavailable)
		return
	}
	s.cfg.Metrics.PromHandler.ServeHTTP(w, r)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	return strings.TrimPrefix(authz, prefix) == s.cfg.AuthToken
}

// handleWSEvents streams every internal/bus event to a connected
// operator dashboard. This is strictly one-directional (server to
// client): there is no inbound message handling, so a compromised or
// buggy client can never influence enforcement state through this path.
func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event bus unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	s.clientsMu.Lock()
	s.clients++
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		s.clients--
		s.clientsMu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

type wireEvent struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev bus.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, wireEvent{Topic: ev.Topic, Payload: ev.Payload})
}
