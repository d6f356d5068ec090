package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/arrondissement-locator/internal/domain"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Controller is the session surface exposed over HTTP.
type Controller interface {
	sharedobs.ReadinessChecker
	State() domain.ResolutionState
	Subscribe() (<-chan domain.ResolutionState, func())
	Start() error
	Retry() error
	OnPermissionResult(granted bool) error
}

// PermissionAnswerer resolves pending permission requests. It returns the
// number of requests it resolved.
type PermissionAnswerer interface {
	Answer(granted bool) int
}

// LocationPusher accepts fixes pushed by a client.
type LocationPusher interface {
	Push(c domain.Coordinates) error
}

// Server exposes health, metrics and the presentation API of a session.
type Server struct {
	httpServer *http.Server
	ctl        Controller
	permission PermissionAnswerer
	locations  LocationPusher
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewServer wires the routes. locations may be nil when fixes are not
// pushed by clients; /v1/location then answers 404.
func NewServer(addr string, ctl Controller, permission PermissionAnswerer, locations LocationPusher, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
			IdleTimeout: 60 * time.Second,
		},
		ctl:        ctl,
		permission: permission,
		locations:  locations,
		logger:     logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ctl))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("GET /v1/state/stream", s.handleStream)
	mux.HandleFunc("POST /v1/start", s.handleCommand(ctl.Start))
	mux.HandleFunc("POST /v1/retry", s.handleCommand(ctl.Retry))
	mux.HandleFunc("POST /v1/permission", s.handlePermission)
	mux.HandleFunc("POST /v1/location", s.handleLocation)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
// Hijacked stream connections end when the session closes its subscriptions.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// stateView adds the derived loading flag to the wire form of a state.
type stateView struct {
	domain.ResolutionState
	IsLoading bool `json:"is_loading"`
}

func viewOf(st domain.ResolutionState) stateView {
	return stateView{ResolutionState: st, IsLoading: st.IsLoading()}
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, viewOf(s.ctl.State()))
}

func (s *Server) handleCommand(cmd func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := cmd(); err != nil {
			writeError(w, err)
			return
		}
		sharedobs.WriteJSON(w, http.StatusAccepted, viewOf(s.ctl.State()))
	}
}

type permissionRequest struct {
	Granted *bool `json:"granted"`
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Granted == nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": `body must be {"granted": true|false}`})
		return
	}
	granted := *req.Granted

	// A pending prompt delivers the answer to the session itself.
	if n := s.permission.Answer(granted); n > 0 {
		s.logger.Debug("permission answer resolved pending requests", "granted", granted, "requests", n)
	} else if err := s.ctl.OnPermissionResult(granted); err != nil {
		writeError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusAccepted, viewOf(s.ctl.State()))
}

type locationRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	if s.locations == nil {
		sharedobs.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "location source does not accept pushed fixes"})
		return
	}
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Lat == nil || req.Lon == nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": `body must be {"lat": number, "lon": number}`})
		return
	}
	if err := s.locations.Push(domain.Coordinates{Lat: *req.Lat, Lon: *req.Lon}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	states, unsubscribe := s.ctl.Subscribe()
	defer unsubscribe()

	// The read loop only services control frames and detects a closed peer.
	done := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case st, ok := <-states:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session stopped"))
				return
			}
			if err := conn.WriteJSON(viewOf(st)); err != nil {
				s.logger.Debug("state stream write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrSessionClosed):
		status = http.StatusGone
	case errors.Is(err, domain.ErrInvalidCoordinates):
		status = http.StatusBadRequest
	}
	sharedobs.WriteJSON(w, status, map[string]string{"error": err.Error()})
}
