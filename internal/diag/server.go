// Package diag exposes a node's live state as JSON over HTTP: neighbor
// table, route table, time-sync status, and warning flags. No protoc
// toolchain is available to generate a protobuf control-plane service,
// so this is a thin adapter over the domain layer built on
// github.com/go-chi/chi/v5 and plain JSON instead.
package diag

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/giapdangle/sapphire/internal/neighbor"
	"github.com/giapdangle/sapphire/internal/routing"
)

// TimeSyncSource is the subset of internal/timesync.Manager's state the
// diagnostics server reports.
type TimeSyncSource interface {
	Synced() bool
	Depth() uint8
}

// Warner reports any node-wide warning conditions worth surfacing
// (neighbor table full, no upstream, replay storm, ...). Declared as a
// capability trait rather than binding directly to internal/node.Node,
// the same way internal/mac's dispatcher traits avoid importing their
// callers.
type Warner interface {
	Warnings() []string
}

// Server is the HTTP handler exposing one node's diagnostic snapshot.
type Server struct {
	log *slog.Logger

	neighbors *neighbor.Table
	routes    *routing.Table
	timesync  TimeSyncSource
	warner    Warner

	router chi.Router
}

// New builds a Server reading from the given live tables. warner may be
// nil, in which case the warnings field of every snapshot is empty.
func New(log *slog.Logger, neighbors *neighbor.Table, routes *routing.Table, ts TimeSyncSource, warner Warner) *Server {
	s := &Server{
		log:       log,
		neighbors: neighbors,
		routes:    routes,
		timesync:  ts,
		warner:    warner,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/state", s.handleState)
	r.Get("/state/neighbors", s.handleNeighbors)
	r.Get("/state/routes", s.handleRoutes)
	r.Get("/state/timesync", s.handleTimeSync)
	s.router = r

	return s
}

// ServeHTTP implements http.Handler, so Server can be mounted directly
// under an http.Server the same way cmd/sapphired mounts the metrics
// handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// neighborView is the JSON projection of one neighbor.Record.
type neighborView struct {
	Short uint16  `json:"short_addr"`
	Long  uint64  `json:"long_addr"`
	Depth uint8   `json:"depth"`
	RSSI  float64 `json:"rssi"`
	LQI   float64 `json:"lqi"`
	PRR   float64 `json:"prr"`
	ETX   uint16  `json:"etx"`
	Root  bool    `json:"root_hint"`
}

func neighborViewFrom(r neighbor.Record) neighborView {
	return neighborView{
		Short: r.Short,
		Long:  r.Long,
		Depth: r.Depth,
		RSSI:  r.RSSI,
		LQI:   r.LQI,
		PRR:   r.PRR,
		ETX:   r.ETX,
		Root:  r.Flags&neighbor.FlagRootHint != 0,
	}
}

// routeView is the JSON projection of one routing.Route.
type routeView struct {
	DestIP      uint32   `json:"dest_ip"`
	Cost        uint16   `json:"cost"`
	Hops        []uint16 `json:"hops"`
	InstalledAt int64    `json:"installed_at_unix"`
	LastUsed    int64    `json:"last_used_unix"`
}

func routeViewFrom(r routing.Route) routeView {
	return routeView{
		DestIP:      r.DestIP,
		Cost:        r.Cost,
		Hops:        r.Hops,
		InstalledAt: r.InstalledAt.Unix(),
		LastUsed:    r.LastUsed.Unix(),
	}
}

// timeSyncView is the JSON projection of the node's time-sync status.
type timeSyncView struct {
	Synced bool  `json:"synced"`
	Depth  uint8 `json:"depth"`
}

// stateSnapshot is the full diagnostic payload returned by /state.
type stateSnapshot struct {
	Neighbors []neighborView `json:"neighbors"`
	Routes    []routeView    `json:"routes"`
	TimeSync  timeSyncView   `json:"timesync"`
	Warnings  []string       `json:"warnings"`
}

func (s *Server) snapshot() stateSnapshot {
	records := s.neighbors.Snapshot()
	neighbors := make([]neighborView, 0, len(records))
	for _, r := range records {
		neighbors = append(neighbors, neighborViewFrom(r))
	}

	routesRaw := s.routes.Snapshot()
	routes := make([]routeView, 0, len(routesRaw))
	for _, r := range routesRaw {
		routes = append(routes, routeViewFrom(r))
	}

	var warnings []string
	if s.warner != nil {
		warnings = s.warner.Warnings()
	}

	return stateSnapshot{
		Neighbors: neighbors,
		Routes:    routes,
		TimeSync:  timeSyncView{Synced: s.timesync.Synced(), Depth: s.timesync.Depth()},
		Warnings:  warnings,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.snapshot())
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.snapshot().Neighbors)
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.snapshot().Routes)
}

func (s *Server) handleTimeSync(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.snapshot().TimeSync)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.ErrorContext(r.Context(), "diag: encode response", slog.String("error", err.Error()))
	}
}
