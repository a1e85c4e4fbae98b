// Package server exposes the shell over HTTP: a WebSocket endpoint embedded
// documents dial into, a command API for the UI and voice agent, and an SSE
// stream of shell events.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/triangleos/trios/pkg/bridge"
	"github.com/triangleos/trios/pkg/command"
	"github.com/triangleos/trios/pkg/event"
	"github.com/triangleos/trios/pkg/executor"
	"github.com/triangleos/trios/pkg/runtime"
)

// Server wires HTTP routes around a Shell.
type Server struct {
	shell    *runtime.Shell
	commands *command.Registry
	stream   *event.Stream
	log      logrus.FieldLogger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// New creates a Server with pre-wired routes.
func New(shell *runtime.Shell, commands *command.Registry, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	srv := &Server{
		shell:    shell,
		commands: commands,
		stream:   event.NewStream(),
		log:      log,
		mux:      http.NewServeMux(),
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// The bridge re-checks on attach; this gate just rejects early.
			// Auth-domain origins must pass too so they can attach passively.
			return shell.Bridge().AcceptsOrigin(r.Header.Get("Origin"))
		},
	}
	srv.routes()
	return srv
}

// Stream returns the SSE fan-out so the caller can pump bus channels into it.
func (s *Server) Stream() *event.Stream { return s.stream }

func (s *Server) routes() {
	s.mux.HandleFunc("/bridge", s.handleBridge)
	s.mux.HandleFunc("/utterance", s.handleUtterance)
	s.mux.HandleFunc("/commands", s.handleCommands)
	s.mux.HandleFunc("/apps/load", s.handleLoadApp)
	s.mux.HandleFunc("/auth/status", s.handleAuthStatus)
	s.mux.HandleFunc("/auth/logout", s.handleLogout)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.Handle("/events", s.stream)
}

// ServeHTTP implements http.Handler and delegates to the internal mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s)
}

// handleBridge upgrades the connection and attaches the embedded document to
// the shell's bridge. A frame that never completes the handshake stays
// attached; sends to it remain best-effort.
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).WithField("origin", origin).Warn("server: bridge upgrade refused")
		return
	}
	transport := bridge.NewWSTransport(conn, origin, s.log)
	if err := s.shell.AttachFrame(r.Context(), transport); err != nil {
		if errors.Is(err, bridge.ErrFrameNotReady) {
			s.log.WithField("origin", origin).Warn("server: frame attached without handshake")
			return
		}
		s.log.WithError(err).WithField("origin", origin).Warn("server: attach failed")
		_ = transport.Close()
	}
}

func (s *Server) handleUtterance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	cmd, matched, err := s.shell.HandleUtterance(r.Context(), text)
	resp := struct {
		Matched   bool   `json:"matched"`
		CommandID string `json:"command_id,omitempty"`
		Error     string `json:"error,omitempty"`
	}{Matched: matched, CommandID: cmd.ID}
	status := http.StatusOK
	switch {
	case errors.Is(err, executor.ErrBusy):
		status = http.StatusTooManyRequests
		resp.Error = err.Error()
	case err != nil:
		status = http.StatusUnprocessableEntity
		resp.Error = err.Error()
	}
	writeJSONStatus(w, status, resp)
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	current := s.commands.Current()
	out := make([]event.CommandSummary, 0, len(current))
	for _, c := range current {
		out = append(out, event.CommandSummary{
			ID:          c.ID,
			Triggers:    c.Triggers,
			Description: c.Description,
			Icon:        c.Icon,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleLoadApp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var payload struct {
		App string `json:"app"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || strings.TrimSpace(payload.App) == "" {
		http.Error(w, "app is required", http.StatusBadRequest)
		return
	}
	resolved, err := s.shell.LoadApp(r.Context(), payload.App, runtime.Hooks{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, struct {
		URL     string   `json:"url"`
		Missing []string `json:"missing,omitempty"`
	}{URL: resolved.URL, Missing: resolved.Missing})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := s.shell.CheckAuth(r.Context())
	writeJSON(w, status.Payload())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.shell.Logout(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b := s.shell.Bridge()
	writeJSON(w, struct {
		App         string `json:"app,omitempty"`
		Page        string `json:"page,omitempty"`
		DisplayMode string `json:"display_mode"`
		Attached    bool   `json:"attached"`
		Ready       bool   `json:"ready"`
	}{
		App:         s.shell.CurrentApp(),
		Page:        b.Page(),
		DisplayMode: s.shell.DisplayMode(),
		Attached:    b.Attached(),
		Ready:       b.Ready(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
