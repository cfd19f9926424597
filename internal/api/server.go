package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/config"
	"github.com/bryanchriswhite/LayerCast/internal/device"
	"github.com/bryanchriswhite/LayerCast/internal/logger"
	"github.com/bryanchriswhite/LayerCast/internal/session"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	sess      *session.Session
	configMgr *config.Manager
	upgrader  websocket.Upgrader
	httpSrv   *http.Server
	log       *zerolog.Logger

	// devices is swapped in tests to avoid touching X11 and /dev
	devices func(display string) []device.Descriptor
}

// NewServer creates a new API server
func NewServer(sess *session.Session, configMgr *config.Manager) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		sess:      sess,
		configMgr: configMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		log:     logger.WithComponent("api"),
		devices: device.List,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Session control
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/session/start", s.handleStart).Methods("POST")
	api.HandleFunc("/session/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/events", s.handleEvents)

	// Sources
	api.HandleFunc("/sources", s.handleGetSources).Methods("GET")
	api.HandleFunc("/sources/{id}", s.handleUpdateSource).Methods("PATCH")
	api.HandleFunc("/sources/{id}/transition", s.handleTransition).Methods("POST")

	api.HandleFunc("/devices", s.handleDevices).Methods("GET")
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Preview
	s.router.HandleFunc("/stream", s.sess.Preview().GetHTTPHandler()).Methods("GET")
	s.router.HandleFunc("/", s.sess.Preview().GetViewerHandler()).Methods("GET")
}

// Handler returns the router wrapped with CORS headers.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start starts the HTTP server and blocks until it stops. It returns nil
// after Shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("Starting HTTP server")
	if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones. Streaming
// handlers end when the preview stops.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HTTP Handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sess.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	// the session outlives the request
	err := s.sess.Start(context.Background())
	switch {
	case errors.Is(err, session.ErrRunning):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.log.Error().Err(err).Msg("Session start failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, s.sess.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Stop(); err != nil {
		s.log.Warn().Err(err).Msg("Session stopped with errors")
	}
	writeJSON(w, http.StatusOK, s.sess.Status())
}

func (s *Server) handleGetSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sess.Sources())
}

func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	var patch session.SourcePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	st, err := s.sess.UpdateSource(mux.Vars(r)["id"], patch)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		DurationMs int    `json:"duration_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := mux.Vars(r)["id"]
	d := time.Duration(req.DurationMs) * time.Millisecond
	if _, err := s.sess.Transition(id, req.Name, d); err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "started",
		"source":     id,
		"transition": req.Name,
	})
}

// errorStatus maps source operation errors: unknown ids are 404, anything
// else is a bad request.
func errorStatus(err error) int {
	if errors.Is(err, session.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.devices(s.configMgr.Get().Display)
	if devices == nil {
		devices = []device.Descriptor{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Subscribe to status changes; slow clients miss intermediate updates
	updates := make(chan session.Status, 8)
	unsubscribe := s.sess.Subscribe(func(st session.Status) {
		select {
		case updates <- st:
		default:
		}
	})
	defer unsubscribe()

	// The client never sends anything; a read error means it went away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Send initial status
	if err := conn.WriteJSON(s.sess.Status()); err != nil {
		s.log.Debug().Err(err).Msg("WebSocket write failed")
		return
	}

	for {
		select {
		case st := <-updates:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(st); err != nil {
				s.log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		case <-gone:
			return
		}
	}
}
