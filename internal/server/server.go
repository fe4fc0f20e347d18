// Package server exposes the controller state to operator clients: a JSON
// command API, a websocket state feed and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/fanbridge/internal/link"
	"github.com/shaunagostinho/fanbridge/internal/state"
)

// Server serves the command API and broadcasts every state change to
// websocket clients.
type Server struct {
	cfg     *Config
	state   *state.Controller
	link    link.Restarter
	metrics http.Handler
	log     *zap.SugaredLogger

	recorder Recording

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to websocket clients.
type Frame struct {
	State   state.Snapshot `json:"state"`
	Changed []string       `json:"changed,omitempty"`
	Stamp   int64          `json:"stamp"` // Unix ms
}

// CommandResult is returned by every command endpoint. Rejected commands
// are not HTTP errors; Accepted is false and State is unchanged.
type CommandResult struct {
	Accepted bool           `json:"accepted"`
	State    state.Snapshot `json:"state"`
	Error    string         `json:"error,omitempty"`
}

// Recording is the runtime switch of the CSV recorder.
type Recording interface {
	SetEnabled(on bool)
	IsEnabled() bool
}

// RecordingStatus is the body of /api/recording requests and responses.
type RecordingStatus struct {
	Enabled *bool `json:"enabled"`
}

// Option configures a Server.
type Option func(*Server)

// WithRecording exposes r on /api/recording.
func WithRecording(r Recording) Option {
	return func(s *Server) { s.recorder = r }
}

// New creates a Server. metrics may be nil.
func New(cfg *Config, st *state.Controller, restarter link.Restarter, metrics http.Handler, log *zap.SugaredLogger, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		state:   st,
		link:    restarter,
		metrics: metrics,
		log:     log.Named("server"),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/mode", s.handleMode)
	mux.HandleFunc("/api/fan-speed", s.handleFanSpeed)
	mux.HandleFunc("/api/activation-temp", s.handleActivationTemp)
	mux.HandleFunc("/api/start-fan-speed", s.handleStartFanSpeed)
	mux.HandleFunc("/api/reconnect", s.handleReconnect)
	mux.HandleFunc("/api/config", s.handleConfig)
	if s.recorder != nil {
		mux.HandleFunc("/api/recording", s.handleRecording)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Run subscribes to state changes and serves HTTP until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	h := s.state.Subscribe(s.Observe)
	defer s.state.Unsubscribe(h)

	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	s.log.Infow("listening", "addr", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Observe broadcasts a state change. It has the signature of a
// state.Listener.
func (s *Server) Observe(ch state.Change) {
	s.broadcast(Frame{State: ch.State, Changed: ch.Fields.Names(), Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Register and queue the current state under one lock. A change made
	// before the snapshot is reflected in it; the broadcast of any later
	// change waits for the lock and is queued behind the snapshot.
	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	if data, err := json.Marshal(Frame{State: s.state.Snapshot(), Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Infow("websocket client connected", "clients", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; clients send commands over HTTP)
	go func() {
		defer s.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	close(c.send)
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Infow("websocket client disconnected", "clients", n)
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.state.Snapshot())
}

type modeRequest struct {
	Mode *state.Mode `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decodeCommand(w, r, &req) {
		return
	}
	if req.Mode == nil {
		http.Error(w, `"mode" is required`, http.StatusBadRequest)
		return
	}
	s.reply(w, s.state.SetMode(*req.Mode))
}

// valueRequest sets a field directly (Value) or nudges it (Step).
type valueRequest struct {
	Value *int `json:"value"`
	Step  *int `json:"step"`
}

func (s *Server) handleFanSpeed(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !decodeCommand(w, r, &req) {
		return
	}
	if req.Value == nil {
		http.Error(w, `"value" is required`, http.StatusBadRequest)
		return
	}
	s.reply(w, s.state.SetFanSpeed(*req.Value))
}

func (s *Server) handleActivationTemp(w http.ResponseWriter, r *http.Request) {
	s.handleValueOrStep(w, r, s.state.SetActivationTemp, s.state.StepActivationTemp)
}

func (s *Server) handleStartFanSpeed(w http.ResponseWriter, r *http.Request) {
	s.handleValueOrStep(w, r, s.state.SetStartFanSpeed, s.state.StepStartFanSpeed)
}

func (s *Server) handleValueOrStep(w http.ResponseWriter, r *http.Request, set, step func(int) bool) {
	var req valueRequest
	if !decodeCommand(w, r, &req) {
		return
	}
	switch {
	case req.Value != nil && req.Step != nil:
		http.Error(w, `send either "value" or "step"`, http.StatusBadRequest)
	case req.Value != nil:
		s.reply(w, set(*req.Value))
	case req.Step != nil:
		if *req.Step != 1 && *req.Step != -1 {
			s.reply(w, false)
			return
		}
		s.reply(w, step(*req.Step))
	default:
		http.Error(w, `"value" or "step" is required`, http.StatusBadRequest)
	}
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.link == nil {
		writeJSON(w, CommandResult{Accepted: false, State: s.state.Snapshot(), Error: "no device link"})
		return
	}
	// The restarted session outlives this request.
	err := s.link.Restart(context.Background())
	res := CommandResult{Accepted: err == nil, State: s.state.Snapshot()}
	if err != nil {
		res.Error = err.Error()
	}
	writeJSON(w, res)
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req RecordingStatus
		if !decodeCommand(w, r, &req) {
			return
		}
		if req.Enabled == nil {
			http.Error(w, `"enabled" is required`, http.StatusBadRequest)
			return
		}
		s.recorder.SetEnabled(*req.Enabled)
		s.log.Infow("recording toggled", "enabled", *req.Enabled)
	} else if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	on := s.recorder.IsEnabled()
	writeJSON(w, RecordingStatus{Enabled: &on})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) reply(w http.ResponseWriter, accepted bool) {
	writeJSON(w, CommandResult{Accepted: accepted, State: s.state.Snapshot()})
}

// decodeCommand enforces POST and decodes a small JSON body into v. It
// writes the error response and returns false on failure.
func decodeCommand(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
