// ABOUTME: HTTP handlers for the operator console REST API.
// ABOUTME: Covers connection decisions, server control, stats, and ledger queries.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lanward/portcullis/internal/auth"
	"github.com/lanward/portcullis/internal/gate"
	"github.com/lanward/portcullis/internal/ledger"
	"github.com/lanward/portcullis/internal/registry"
	"github.com/lanward/portcullis/internal/supervisor"
)

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type commandRequest struct {
	Command string `json:"command"`
}

type serverStatusResponse struct {
	Status    string    `json:"status"`
	ChangedAt time.Time `json:"changedAt"`
	Managed   bool      `json:"managed"`
	Ready     bool      `json:"ready,omitempty"`
}

type statsResponse struct {
	Connections   map[string]int `json:"connections"`
	Total         int            `json:"total"`
	BytesSent     int64          `json:"bytesSent"`
	BytesReceived int64          `json:"bytesReceived"`
	Observers     int            `json:"observers"`
	ServerStatus  string         `json:"serverStatus"`
	UptimeSeconds int64          `json:"uptimeSeconds"`
}

// routes builds the console mux. Control routes require a token when
// auth is configured; the observer streams and health probes stay open
// either way since they only expose read-only state.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", g.handleHealthz)
	mux.HandleFunc("GET /readyz", g.handleReadyz)
	mux.HandleFunc("POST /api/login", g.handleLogin)
	mux.HandleFunc("GET /api/events", g.handleEvents)
	mux.HandleFunc("GET /ws/events", g.handleWSEvents)

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, promhttp.Handler())
	}

	mux.Handle("GET /api/connections", g.protect(g.handleListConnections))
	mux.Handle("POST /api/connections/{id}/approve", g.protect(g.handleApprove))
	mux.Handle("POST /api/connections/{id}/reject", g.protect(g.handleReject))
	mux.Handle("GET /api/server/status", g.protect(g.handleServerStatus))
	mux.Handle("POST /api/server/start", g.protect(g.handleServerStart))
	mux.Handle("POST /api/server/stop", g.protect(g.handleServerStop))
	mux.Handle("POST /api/server/command", g.protect(g.handleServerCommand))
	mux.Handle("GET /api/gateway/stats", g.protect(g.handleStats))
	mux.Handle("GET /api/ledger", g.protect(g.handleLedger))

	return mux
}

// protect wraps a handler with token authentication when configured.
func (g *Gateway) protect(h http.HandlerFunc) http.Handler {
	if g.auth == nil {
		return h
	}
	return auth.Middleware(g.auth, g.logger)(h)
}

// writeJSON renders v with the given status code.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

// sendJSONError renders the error envelope used across the control
// surface.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]any{"error": message, "code": status})
}

// operatorFrom names the authenticated operator, or "" when the control
// surface runs open.
func operatorFrom(ctx context.Context) string {
	if id := auth.FromContext(ctx); id != nil {
		return id.Operator
	}
	return ""
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		g.sendJSONError(w, http.StatusServiceUnavailable, "gateway is not ready")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if g.auth == nil {
		g.sendJSONError(w, http.StatusNotFound, "authentication is not configured")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := auth.CheckPassword(g.config.Auth.PasswordHash, req.Password); err != nil {
		g.logger.Warn("login rejected", "remote", r.RemoteAddr)
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := g.auth.Generate("operator", g.config.Auth.TokenTTL)
	if err != nil {
		g.logger.Error("generating token", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(g.config.Auth.TokenTTL),
	})
}

func (g *Gateway) handleListConnections(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.registry.List())
}

func (g *Gateway) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := g.gate.Approve(id, operatorFrom(r.Context()))
	if errors.Is(err, gate.ErrNotPending) && g.inState(id, registry.StateApproved, registry.StateActive) {
		// Repeating a decision that already took effect is a no-op.
		err = nil
	}
	if err != nil {
		g.writeDecisionError(w, id, err)
		return
	}

	snap, _ := g.registry.Get(id)
	g.writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// The reason body is optional; an absent body means no reason given.
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := g.gate.Reject(id, req.Reason, operatorFrom(r.Context()))
	if errors.Is(err, gate.ErrNotPending) && g.inState(id, registry.StateRejected) {
		err = nil
	}
	if err != nil {
		g.writeDecisionError(w, id, err)
		return
	}

	snap, _ := g.registry.Get(id)
	g.writeJSON(w, http.StatusOK, snap)
}

// inState reports whether the connection currently sits in one of the
// given states.
func (g *Gateway) inState(id string, states ...registry.State) bool {
	snap, ok := g.registry.Get(id)
	if !ok {
		return false
	}
	for _, s := range states {
		if snap.State == s {
			return true
		}
	}
	return false
}

// writeDecisionError maps gate and registry errors onto the API's
// status codes.
func (g *Gateway) writeDecisionError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "connection not found")
	case errors.Is(err, gate.ErrNotPending):
		g.sendJSONError(w, http.StatusConflict, "connection is not pending")
	default:
		g.logger.Error("deciding connection", "id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (g *Gateway) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	resp := serverStatusResponse{
		Status:    g.monitor.Status().String(),
		ChangedAt: g.monitor.LastChange(),
		Managed:   g.supervisor != nil,
	}
	if g.supervisor != nil {
		resp.Ready = g.supervisor.Ready()
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleServerStart(w http.ResponseWriter, r *http.Request) {
	if g.supervisor == nil {
		g.sendJSONError(w, http.StatusConflict, "game server is not managed by the gateway")
		return
	}

	if err := g.supervisor.Start(); err != nil {
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			g.sendJSONError(w, http.StatusConflict, "game server is already running")
			return
		}
		g.logger.Error("starting game server", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "starting game server failed")
		return
	}

	g.recordServerEvent(ledger.KindServerStarted, operatorFrom(r.Context()))
	g.writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (g *Gateway) handleServerStop(w http.ResponseWriter, r *http.Request) {
	if g.supervisor == nil {
		g.sendJSONError(w, http.StatusConflict, "game server is not managed by the gateway")
		return
	}

	if err := g.supervisor.Stop(r.Context()); err != nil {
		if errors.Is(err, supervisor.ErrNotRunning) {
			g.sendJSONError(w, http.StatusConflict, "game server is not running")
			return
		}
		g.logger.Error("stopping game server", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "stopping game server failed")
		return
	}

	g.recordServerEvent(ledger.KindServerStopped, operatorFrom(r.Context()))
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (g *Gateway) handleServerCommand(w http.ResponseWriter, r *http.Request) {
	if g.supervisor == nil {
		g.sendJSONError(w, http.StatusConflict, "game server is not managed by the gateway")
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Command == "" {
		g.sendJSONError(w, http.StatusBadRequest, "command is required")
		return
	}

	if err := g.supervisor.Send(req.Command); err != nil {
		if errors.Is(err, supervisor.ErrNotRunning) {
			g.sendJSONError(w, http.StatusConflict, "game server is not running")
			return
		}
		g.logger.Error("sending console command", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "sending command failed")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// recordServerEvent writes a managed-process event to the audit ledger.
func (g *Gateway) recordServerEvent(kind ledger.Kind, actor string) {
	e := ledger.Entry{Kind: kind}
	if actor != "" {
		e.Actor = &actor
	}
	g.recorder.Record(e)
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Connections:  make(map[string]int),
		Observers:    g.publisher.ObserverCount(),
		ServerStatus: g.publisher.ServerStatus(),
	}
	if !g.startedAt.IsZero() {
		resp.UptimeSeconds = int64(time.Since(g.startedAt).Seconds())
	}

	for _, snap := range g.registry.List() {
		resp.Connections[snap.State.String()]++
		resp.Total++
		resp.BytesSent += snap.BytesSent
		resp.BytesReceived += snap.BytesReceived
	}

	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleLedger(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLedgerFilter(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := g.store.List(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing ledger", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// parseLedgerFilter converts query parameters into a ledger filter.
func parseLedgerFilter(r *http.Request) (ledger.Filter, error) {
	var filter ledger.Filter
	q := r.URL.Query()

	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid since timestamp %q", raw)
		}
		filter.Since = &t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid until timestamp %q", raw)
		}
		filter.Until = &t
	}
	if raw := q.Get("kind"); raw != "" {
		kind := ledger.Kind(raw)
		if !ledger.IsValidKind(kind) {
			return filter, fmt.Errorf("unknown ledger kind %q", raw)
		}
		filter.Kind = &kind
	}
	if raw := q.Get("connection"); raw != "" {
		filter.ConnectionID = &raw
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("invalid limit %q", raw)
		}
		filter.Limit = limit
	}

	return filter, nil
}
