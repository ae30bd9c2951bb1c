package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/stepscan/store"
)

// statusServer exposes the daemon state over HTTP: a JSON snapshot, the
// pending queue and a control endpoint writing the store interrupt flags.
type statusServer struct {
	logger zerolog.Logger
	daemon *Server
	server *http.Server
	ln     net.Listener
}

type statusResponse struct {
	Name      string      `json:"name,omitempty"`
	State     string      `json:"state"`
	Uptime    float64     `json:"uptime_seconds"`
	Heartbeat int64       `json:"heartbeat,omitempty"`
	Progress  int64       `json:"progress"`
	Estimate  float64     `json:"time_estimate_seconds,omitempty"`
	Pending   int         `json:"pending"`
	StoreOK   bool        `json:"store_ok"`
	Current   *currentRun `json:"current,omitempty"`
}

type currentRun struct {
	Command int64     `json:"command"`
	Scan    string    `json:"scan"`
	Run     string    `json:"run"`
	Npts    int       `json:"npts"`
	Started time.Time `json:"started"`
}

type queuedCommand struct {
	ID       int64     `json:"id"`
	Scan     string    `json:"scan"`
	RunOrder int       `json:"run_order"`
	Created  time.Time `json:"created"`
}

type controlRequest struct {
	Action string `json:"action"`
}

// controlKeys maps control actions onto the store flags the engine and the
// daemon poll.
var controlKeys = map[string]string{
	"abort":    store.KeyRequestAbort,
	"pause":    store.KeyRequestPause,
	"resume":   store.KeyRequestResume,
	"shutdown": store.KeyRequestShutdown,
}

func newStatusServer(listen string, daemon *Server, logger zerolog.Logger) (*statusServer, error) {
	mux := http.NewServeMux()
	server := &statusServer{logger: logger, daemon: daemon}
	mux.HandleFunc("/api/status", server.handleStatus)
	mux.HandleFunc("/api/queue", server.handleQueue)
	mux.HandleFunc("/api/control", server.handleControl)
	mux.HandleFunc("/healthz", server.handleHealth)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: mux}
	server.server = srv
	server.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("status server stopped")
		}
	}()

	logger.Info().Str("listen", ln.Addr().String()).Msg("status server started")
	return server, nil
}

func (s *statusServer) Addr() string {
	return s.ln.Addr().String()
}

func (s *statusServer) Close() {
	if s == nil || s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && err != context.Canceled {
		s.logger.Error().Err(err).Msg("shutdown status server")
	}
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeSnapshot(r.Context(), w)
}

func (s *statusServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pending, err := s.daemon.st.PendingCommands(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	queue := make([]queuedCommand, 0, len(pending))
	for _, cmd := range pending {
		queue = append(queue, queuedCommand{
			ID:       cmd.ID,
			Scan:     cmd.Scan,
			RunOrder: cmd.RunOrder,
			Created:  cmd.Created,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(queue); err != nil {
		s.logger.Error().Err(err).Msg("encode queue")
	}
}

func (s *statusServer) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	key, ok := controlKeys[req.Action]
	if !ok {
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	if err := s.daemon.st.SetInfo(r.Context(), key, store.FormatBool(true)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeSnapshot(r.Context(), w)
}

func (s *statusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *statusServer) writeSnapshot(ctx context.Context, w http.ResponseWriter) {
	resp := s.daemon.snapshot(ctx)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("encode status")
	}
}

// snapshot assembles the status response from the store keys and the in
// process run bookkeeping. Store errors degrade individual fields and clear
// store_ok instead of failing the whole snapshot.
func (s *Server) snapshot(ctx context.Context) statusResponse {
	s.mu.Lock()
	name := s.cfg.Name
	started := s.started
	s.mu.Unlock()

	resp := statusResponse{
		Name:    name,
		Uptime:  time.Since(started).Seconds(),
		StoreOK: true,
	}
	state, err := s.st.GetInfo(ctx, store.KeyScanStatus, "idle")
	if err != nil {
		s.logger.Warn().Err(err).Msg("read scan status")
		resp.StoreOK = false
	}
	resp.State = state
	if beat, err := store.GetInt(ctx, s.st, store.KeyHeartbeat, 0); err == nil {
		resp.Heartbeat = beat
	} else {
		resp.StoreOK = false
	}
	if progress, err := store.GetInt(ctx, s.st, store.KeyScanProgress, 0); err == nil {
		resp.Progress = progress
	} else {
		resp.StoreOK = false
	}
	if estimate, err := s.st.GetInfo(ctx, store.KeyTimeEstimate, ""); err != nil {
		resp.StoreOK = false
	} else if estimate != "" {
		if seconds, err := strconv.ParseFloat(estimate, 64); err == nil {
			resp.Estimate = seconds
		}
	}
	if pending, err := s.st.PendingCommands(ctx); err == nil {
		resp.Pending = len(pending)
	} else {
		resp.StoreOK = false
	}
	if active := s.activeSnapshot(); active != nil {
		resp.Current = &currentRun{
			Command: active.Command.ID,
			Scan:    active.Command.Scan,
			Run:     active.Run,
			Npts:    active.Npts,
			Started: active.Started,
		}
	}
	return resp
}
