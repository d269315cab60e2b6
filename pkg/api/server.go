// Package api implements Bay's HTTP Front (spec.md §4.8): a thin
// net/http binding from the external routes of spec.md §6 to the
// Scheduler, Reaper, Router, and Store underneath.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shipyard/bay/pkg/bay"
	"github.com/shipyard/bay/pkg/bayerr"
	"github.com/shipyard/bay/pkg/log"
	"github.com/shipyard/bay/pkg/metrics"
	"github.com/shipyard/bay/pkg/router"
	"github.com/shipyard/bay/pkg/types"
)

// Server is Bay's HTTP Front.
type Server struct {
	bay         *bay.Bay
	accessToken string
	mux         *http.ServeMux
	logger      zerolog.Logger
}

// NewServer builds the HTTP Front's route table.
func NewServer(b *bay.Bay) *Server {
	s := &Server{
		bay:         b,
		accessToken: b.Config.AccessToken,
		mux:         http.NewServeMux(),
		logger:      log.WithComponent("api"),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/events", s.withAuth(s.handleEvents))
	s.mux.HandleFunc("/ship", s.withAuth(s.handleCreateShip))
	s.mux.HandleFunc("/ship/logs/", s.withAuth(s.handleLogs))
	s.mux.HandleFunc("/ship/", s.withAuth(s.handleShipRoutes))

	return s
}

// Handler returns the root http.Handler, suitable for http.Server.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeLabel(r)

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token != s.accessToken {
			s.writeError(w, route, bayerr.New(bayerr.Unauthorized, "missing or invalid bearer token"))
			return
		}

		next(w, r)
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleEvents implements GET /events: a Server-Sent Events stream of
// the fleet's lifecycle events, for a CLI or dashboard to watch ship
// and session transitions live. Purely observational — closing the
// connection unsubscribes and has no effect on scheduling.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	route := "GET /events"
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, route, bayerr.New(bayerr.Internal, "streaming unsupported"))
		return
	}

	ch, unsubscribe := s.bay.Events.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleCreateShip implements POST /ship (spec.md §6): always creates a
// fresh Ship bound to the caller's Session (the Open Question of
// whether POST /ship can reuse is resolved in favor of "always
// creates" — reuse happens on exec, via AcquireForSession).
func (s *Server) handleCreateShip(w http.ResponseWriter, r *http.Request) {
	route := "POST /ship"
	if r.Method != http.MethodPost {
		s.writeError(w, route, bayerr.New(bayerr.InvalidArgument, "method not allowed"))
		return
	}

	session := r.Header.Get(router.SessionHeader)
	if session == "" {
		s.writeError(w, route, bayerr.New(bayerr.InvalidArgument, "missing X-SESSION-ID header"))
		return
	}

	var body struct {
		TTL           int        `json:"ttl"`
		Spec          types.Spec `json:"spec"`
		MaxSessionNum *int       `json:"max_session_num"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		s.writeError(w, route, bayerr.Wrap(bayerr.InvalidArgument, err, "invalid JSON body"))
		return
	}

	maxSessionNum := 1
	if body.MaxSessionNum != nil {
		maxSessionNum = *body.MaxSessionNum
	}

	ship, err := s.bay.Sched.CreateShip(r.Context(), session, time.Duration(body.TTL)*time.Second, body.Spec, maxSessionNum)
	if err != nil {
		s.writeError(w, route, err)
		return
	}

	s.writeJSON(w, http.StatusOK, bay.ToPublic(ship))
	metrics.APIRequestsTotal.WithLabelValues(route, "200").Inc()
}

// handleShipRoutes dispatches GET/DELETE /ship/{id} and
// POST /ship/{id}/exec/{oper_endpoint} and
// POST /ship/{id}/extend-ttl, all sharing the /ship/ prefix.
func (s *Server) handleShipRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ship/")
	parts := strings.SplitN(path, "/", 3)
	shipID := parts[0]
	if shipID == "" {
		s.writeError(w, routeLabel(r), bayerr.New(bayerr.InvalidArgument, "missing ship id"))
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetShip(w, r, shipID)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.handleDeleteShip(w, r, shipID)
	case len(parts) == 2 && parts[1] == "extend-ttl" && r.Method == http.MethodPost:
		s.handleExtendTTL(w, r, shipID)
	case len(parts) == 3 && parts[1] == "exec" && r.Method == http.MethodPost:
		s.handleExec(w, r, shipID, parts[2])
	default:
		s.writeError(w, routeLabel(r), bayerr.New(bayerr.NotFound, "no such route"))
	}
}

func (s *Server) handleGetShip(w http.ResponseWriter, r *http.Request, shipID string) {
	route := "GET /ship/{id}"
	ship, err := s.bay.Store.Get(shipID)
	if err != nil {
		s.writeError(w, route, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bay.ToPublic(ship))
	metrics.APIRequestsTotal.WithLabelValues(route, "200").Inc()
}

func (s *Server) handleDeleteShip(w http.ResponseWriter, r *http.Request, shipID string) {
	route := "DELETE /ship/{id}"
	ship, err := s.bay.Store.Get(shipID)
	if err != nil {
		s.writeError(w, route, err)
		return
	}

	if ship.Live() {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		_ = s.bay.Driver.Stop(ctx, ship.ContainerID, 10*time.Second)
		_ = s.bay.Driver.Remove(ctx, ship.ContainerID)
		_ = s.bay.Affinity.UnbindAndUpdate(shipID, func(sh *types.Ship) error {
			sh.Status = types.StatusStopped
			sh.UpdatedAt = time.Now()
			return nil
		})
		s.bay.Sched.Release()
	}

	w.WriteHeader(http.StatusNoContent)
	metrics.APIRequestsTotal.WithLabelValues(route, "204").Inc()
}

func (s *Server) handleExtendTTL(w http.ResponseWriter, r *http.Request, shipID string) {
	route := "POST /ship/{id}/extend-ttl"
	var body struct {
		TTL int `json:"ttl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, route, bayerr.Wrap(bayerr.InvalidArgument, err, "invalid JSON body"))
		return
	}

	ship, err := s.bay.Reaper.ExtendTTL(shipID, body.TTL)
	if err != nil {
		s.writeError(w, route, err)
		return
	}

	s.writeJSON(w, http.StatusOK, bay.ToPublic(ship))
	metrics.APIRequestsTotal.WithLabelValues(route, "200").Inc()
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request, shipID, operEndpoint string) {
	route := "POST /ship/{id}/exec/*"
	session := r.Header.Get(router.SessionHeader)
	if session == "" {
		s.writeError(w, route, bayerr.New(bayerr.InvalidArgument, "missing X-SESSION-ID header"))
		return
	}

	if err := s.bay.Router.Forward(w, r, shipID, session, operEndpoint); err != nil {
		s.logger.Warn().Str("ship_id", shipID).Err(err).Msg("exec forward failed")
		switch bayerr.KindOf(err) {
		case bayerr.Unavailable, bayerr.DeadlineExceeded:
			// The proxy's error handler has already written the status.
			metrics.APIRequestsTotal.WithLabelValues(route, "error").Inc()
		default:
			s.writeError(w, route, err)
		}
		return
	}
	metrics.APIRequestsTotal.WithLabelValues(route, "200").Inc()
}

// handleLogs implements GET /ship/logs/{id}, tailing the last 64 KiB of
// the container's combined output by default (spec.md's Open Question
// on tail size resolved in favor of a fixed 64 KiB default).
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	route := "GET /ship/logs/{id}"
	shipID := strings.TrimPrefix(r.URL.Path, "/ship/logs/")
	if shipID == "" {
		s.writeError(w, route, bayerr.New(bayerr.InvalidArgument, "missing ship id"))
		return
	}

	ship, err := s.bay.Store.Get(shipID)
	if err != nil {
		s.writeError(w, route, err)
		return
	}

	const defaultTailBytes = 64 * 1024
	logs, err := s.bay.Driver.Logs(r.Context(), ship.ContainerID, defaultTailBytes)
	if err != nil {
		s.writeError(w, route, err)
		return
	}
	defer logs.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, logs)
	metrics.APIRequestsTotal.WithLabelValues(route, "200").Inc()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, route string, err error) {
	status := bayerr.Status(err)
	metrics.APIRequestsTotal.WithLabelValues(route, statusLabel(status)).Inc()
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func routeLabel(r *http.Request) string {
	return r.Method + " " + r.URL.Path
}

func statusLabel(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "400"
	case http.StatusUnauthorized:
		return "401"
	case http.StatusNotFound:
		return "404"
	case http.StatusConflict:
		return "409"
	case http.StatusTooManyRequests:
		return "429"
	case http.StatusBadGateway:
		return "502"
	case http.StatusServiceUnavailable:
		return "503"
	case http.StatusGatewayTimeout:
		return "504"
	default:
		return "500"
	}
}
