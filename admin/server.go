package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/custodian-labs/custodian-go/model/custody"
)

// Server exposes the command runner over a local JSON endpoint. The server
// binds to loopback only; the caller's role is taken from a request header
// and is trusted, access control belongs to the operator's tooling.
type Server struct {
	log    zerolog.Logger
	runner *CommandRunner
	server *http.Server
}

type runCommandRequest struct {
	CommandName string                 `json:"commandName"`
	Initiator   string                 `json:"initiator"`
	Data        map[string]interface{} `json:"data"`
}

type runCommandResponse struct {
	Output interface{} `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// NewServer creates the admin server on the given loopback port.
func NewServer(log zerolog.Logger, runner *CommandRunner, port uint) *Server {
	s := &Server{
		log:    log.With().Str("component", "admin_server").Logger(),
		runner: runner,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/admin/run_command", s.handleRunCommand)
	s.server = &http.Server{
		Addr:    "127.0.0.1:" + strconv.Itoa(int(port)),
		Handler: mux,
	}
	return s
}

func (s *Server) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req runCommandRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		writeResponse(w, http.StatusBadRequest, runCommandResponse{Error: "malformed request: " + err.Error()})
		return
	}

	role := s.runner.RoleOf(req.Initiator)
	if header := r.Header.Get("X-Admin-Role"); header != "" {
		role = ParseRole(header)
	}

	output, err := s.runner.RunCommand(r.Context(), &CommandRequest{
		Command:   req.CommandName,
		Initiator: req.Initiator,
		Role:      role,
		Data:      req.Data,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case IsInvalidAdminReqError(err):
			status = http.StatusBadRequest
		case errors.Is(err, custody.ErrUnauthorized):
			status = http.StatusForbidden
		}
		writeResponse(w, status, runCommandResponse{Error: err.Error()})
		return
	}

	writeResponse(w, http.StatusOK, runCommandResponse{Output: output})
}

func writeResponse(w http.ResponseWriter, status int, resp runCommandResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Ready returns a channel that closes when the server has been launched.
func (s *Server) Ready() <-chan struct{} {
	ready := make(chan struct{})
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Err(err).Msg("admin server failed")
		}
	}()
	go func() {
		s.log.Info().Str("address", s.server.Addr).Msg("admin server started")
		close(ready)
	}()
	return ready
}

// Done returns a channel that closes when shutdown is complete.
func (s *Server) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.server.Shutdown(ctx)
		if err != nil {
			s.log.Err(err).Msg("error shutting down admin server")
		}
		close(done)
	}()
	return done
}
