package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/cobot-link/internal/cobot"
	"github.com/shaunagostinho/cobot-link/internal/recorder"
)

// Arm is the part of the engine the server drives. *cobot.Engine
// satisfies it.
type Arm interface {
	Name() string
	IsConnected() bool
	State() cobot.RobotState
	SchedulerStats() (cobot.SchedulerStats, error)

	PowerOn() error
	PowerOff() error
	ReleaseAllServos() error
	TaskStop() error
	ProgramPause() error
	ProgramResume() error
	SetSpeed(pct int) error
	WriteAngle(j cobot.Joint, deg float64, speed int) error
	WriteAngles(a cobot.Angles, speed int) error
	WriteCoord(axis cobot.Axis, v float64, speed int) error
	WriteCoords(c cobot.Coords, speed, mode int) error
	InitialPose(speed int) error
	SetGripper(open bool, speed int) error
	FocusServo(j cobot.Joint) error
	RequestJointLoad(j cobot.Joint) error

	IsPoweredOn(ctx context.Context) (bool, error)
	IsMoving(ctx context.Context) (bool, error)
	IsProgramPaused(ctx context.Context) (bool, error)
	IsAllServosEnabled(ctx context.Context) (bool, error)
	GetSpeed(ctx context.Context) (float64, error)
	GetEncoders(ctx context.Context) ([6]int, error)
	MeasureRTT(ctx context.Context) (time.Duration, error)
}

// Server broadcasts arm telemetry to WebSocket clients and exposes a small
// HTTP control API.
type Server struct {
	cfg   *Config
	arm   Arm
	webFS fs.FS
	rec   *recorder.Recorder
	log   zerolog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	State *cobot.RobotState `json:"state,omitempty"`
	Link  *LinkStatus       `json:"link,omitempty"`
	Stamp int64             `json:"stamp"` // Unix ms
}

// LinkStatus describes the controller connection.
type LinkStatus struct {
	Name      string                `json:"name"`
	Connected bool                  `json:"connected"`
	Scheduler *cobot.SchedulerStats `json:"scheduler,omitempty"`
}

// New creates a new Server.
func New(cfg *Config, arm Arm, webFS fs.FS) *Server {
	_, recCfg, _ := cfg.Snapshot()
	return &Server{
		cfg:   cfg,
		arm:   arm,
		webFS: webFS,
		rec: recorder.New(recorder.Config{
			Enabled:    recCfg.Enabled,
			Path:       recCfg.Path,
			IntervalMs: recCfg.Interval,
		}),
		log:     log.With().Str("component", "server").Logger(),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/query", s.handleQuery)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/ports", s.handlePorts)
	return mux
}

// Run starts the HTTP server and the broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	_, _, srvCfg := s.cfg.Snapshot()

	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:    srvCfg.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", srvCfg.ListenAddr).Msg("listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info().Int("clients", n).Msg("ws client connected")

	// Initial frame so the page renders before the first tick.
	if data, err := json.Marshal(s.snapshot(true)); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Info().Int("clients", n).Msg("ws client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) snapshot(withStats bool) Frame {
	st := s.arm.State()
	link := &LinkStatus{Name: s.arm.Name(), Connected: s.arm.IsConnected()}
	if withStats {
		if stats, err := s.arm.SchedulerStats(); err == nil {
			link.Scheduler = &stats
		}
	}
	return Frame{State: &st, Link: link, Stamp: time.Now().UnixMilli()}
}

// broadcastLoop pushes the cached state to every client and the recorder.
// It never touches the link; the engine's auto-polling keeps the cache
// fresh.
func (s *Server) broadcastLoop(ctx context.Context) {
	_, _, srvCfg := s.cfg.Snapshot()
	period := time.Duration(srvCfg.BroadcastMs) * time.Millisecond
	if period <= 0 {
		period = 50 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	// Scheduler stats cost an event-loop round trip; send them once a second.
	statsEvery := int(time.Second / period)
	if statsEvery < 1 {
		statsEvery = 1
	}

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			s.rec.Close()
			return
		case <-ticker.C:
			frame := s.snapshot(i%statsEvery == 0)
			s.broadcast(frame)
			s.rec.Record(*frame.State, frame.Link.Connected)
		}
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

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cobot.ErrInvalidJoint), errors.Is(err, cobot.ErrInvalidAxis), errors.Is(err, errBadCommand):
		return http.StatusBadRequest
	case errors.Is(err, cobot.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, cobot.ErrNotConnected), errors.Is(err, cobot.ErrDisconnected), errors.Is(err, cobot.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(false))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(true).Link)
}

var errBadCommand = errors.New("bad command")

// CommandRequest is the body of POST /api/command.
type CommandRequest struct {
	Cmd    string    `json:"cmd"`
	Joint  int       `json:"joint,omitempty"`
	Axis   int       `json:"axis,omitempty"`
	Value  float64   `json:"value,omitempty"`
	Angles []float64 `json:"angles,omitempty"`
	Coords []float64 `json:"coords,omitempty"`
	Speed  int       `json:"speed,omitempty"`
	Mode   int       `json:"mode,omitempty"`
	Open   bool      `json:"open,omitempty"`
}

func six(v []float64, what string) ([6]float64, error) {
	var out [6]float64
	if len(v) != 6 {
		return out, fmt.Errorf("%w: %s needs 6 values, got %d", errBadCommand, what, len(v))
	}
	copy(out[:], v)
	return out, nil
}

// Exec runs one command against the arm.
func (s *Server) Exec(req CommandRequest) error {
	speed := req.Speed
	if speed == 0 {
		speed = cobot.DefaultSpeed
	}
	switch req.Cmd {
	case "power_on":
		return s.arm.PowerOn()
	case "power_off":
		return s.arm.PowerOff()
	case "release":
		return s.arm.ReleaseAllServos()
	case "stop":
		return s.arm.TaskStop()
	case "pause":
		return s.arm.ProgramPause()
	case "resume":
		return s.arm.ProgramResume()
	case "speed":
		return s.arm.SetSpeed(req.Speed)
	case "home":
		return s.arm.InitialPose(speed)
	case "angle":
		return s.arm.WriteAngle(cobot.Joint(req.Joint), req.Value, speed)
	case "angles":
		a, err := six(req.Angles, "angles")
		if err != nil {
			return err
		}
		return s.arm.WriteAngles(cobot.Angles(a), speed)
	case "coord":
		return s.arm.WriteCoord(cobot.Axis(req.Axis), req.Value, speed)
	case "coords":
		c, err := six(req.Coords, "coords")
		if err != nil {
			return err
		}
		return s.arm.WriteCoords(cobot.Coords(c), speed, req.Mode)
	case "gripper":
		return s.arm.SetGripper(req.Open, speed)
	case "focus":
		return s.arm.FocusServo(cobot.Joint(req.Joint))
	case "load":
		return s.arm.RequestJointLoad(cobot.Joint(req.Joint))
	}
	return fmt.Errorf("%w: unknown command %q", errBadCommand, req.Cmd)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req CommandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Exec(req); err != nil {
		s.log.Warn().Err(err).Str("cmd", req.Cmd).Msg("command failed")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Query runs one blocking query and returns its JSON-ready value.
func (s *Server) Query(ctx context.Context, name string) (any, error) {
	switch name {
	case "powered":
		return s.arm.IsPoweredOn(ctx)
	case "moving":
		return s.arm.IsMoving(ctx)
	case "paused":
		return s.arm.IsProgramPaused(ctx)
	case "servos":
		return s.arm.IsAllServosEnabled(ctx)
	case "speed":
		return s.arm.GetSpeed(ctx)
	case "encoders":
		return s.arm.GetEncoders(ctx)
	case "rtt":
		d, err := s.arm.MeasureRTT(ctx)
		return d.Milliseconds(), err
	}
	return nil, fmt.Errorf("%w: unknown query %q", errBadCommand, name)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	name := r.URL.Query().Get("q")
	v, err := s.Query(r.Context(), name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": name, "value": v})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Error().Err(err).Msg("config save failed")
		}
		_, recCfg, _ := s.cfg.Snapshot()
		s.rec.SetEnabled(recCfg.Enabled)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := cobot.ListPorts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ports == nil {
		ports = []cobot.PortInfo{}
	}
	writeJSON(w, http.StatusOK, ports)
}
