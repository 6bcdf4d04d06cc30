// Package web provides the HTTP status and location ingestion server for the
// geo-beacon daemon.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sweeney/geo-beacon/internal/location"
	"github.com/sweeney/geo-beacon/internal/status"
)

// maxBodyBytes bounds POSTed location payloads.
const maxBodyBytes = 64 << 10

// Reporter receives fixes and on-demand report requests.
type Reporter interface {
	OnLocationChanged(ctx context.Context, loc location.Location)
	PublishLocation(ctx context.Context, rt location.ReportType, loc *location.Location)
}

// Server serves the status page and accepts location updates over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	reporter   Reporter
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Server that reads state from the given tracker and hands
// incoming fixes to reporter. A nil reporter disables the /api routes.
func New(addr string, tracker *status.Tracker, reporter Reporter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		tracker:  tracker,
		reporter: reporter,
		logger:   logger,
		now:      time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	if reporter != nil {
		mux.HandleFunc("POST /api/location", s.handleLocation)
		mux.HandleFunc("POST /api/report", s.handleReport)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.logger.Warn("render status page", "error", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

// LocationRequest is the body of POST /api/location. Field names follow the
// OwnTracks location payload; tst is optional and defaults to the receive time.
type LocationRequest struct {
	Latitude  *float64 `json:"lat"`
	Longitude *float64 `json:"lon"`
	Altitude  float64  `json:"alt"`
	Accuracy  float64  `json:"acc"`
	Velocity  float64  `json:"vel"`
	Course    float64  `json:"cog"`
	Timestamp int64    `json:"tst"`
}

func (req LocationRequest) toLocation(now time.Time) (location.Location, error) {
	if req.Latitude == nil || req.Longitude == nil {
		return location.Location{}, errors.New("lat and lon are required")
	}
	lat, lon := *req.Latitude, *req.Longitude
	if lat < -90 || lat > 90 {
		return location.Location{}, fmt.Errorf("lat %v out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return location.Location{}, fmt.Errorf("lon %v out of range", lon)
	}
	if req.Accuracy < 0 {
		return location.Location{}, fmt.Errorf("acc %v must not be negative", req.Accuracy)
	}

	fix := now
	if req.Timestamp > 0 {
		fix = time.Unix(req.Timestamp, 0)
	}
	return location.Location{
		Latitude:  lat,
		Longitude: lon,
		Altitude:  req.Altitude,
		Accuracy:  req.Accuracy,
		Velocity:  req.Velocity,
		Course:    req.Course,
		Time:      fix,
	}, nil
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	loc, err := req.toLocation(s.now())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	s.logger.Debug("location received", "lat", loc.Latitude, "lon", loc.Longitude, "remote", r.RemoteAddr)
	// Detach from the request: the publish must outlive the HTTP exchange.
	s.reporter.OnLocationChanged(context.WithoutCancel(r.Context()), loc)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("report requested over http", "remote", r.RemoteAddr)
	s.reporter.PublishLocation(context.WithoutCancel(r.Context()), location.ReportUser, nil)
	w.WriteHeader(http.StatusAccepted)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
