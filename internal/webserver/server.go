// Package webserver exposes the HTTP ingress. The HTTP server itself runs in
// a child process and forwards accepted requests to the daemon over ipc.
package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/pulselistener/internal/ipc"
)

// maxBodySize bounds a build notification body
const maxBodySize = 1 << 20

// Forwarder sends a request to the daemon
type Forwarder interface {
	SendCommand(command, id string, params any) (*ipc.Response, error)
}

// Server is the HTTP front of the web process
type Server struct {
	forwarder Forwarder
	logger    *slog.Logger
	newID     func() string
}

// NewServer creates a server forwarding to f
func NewServer(f Forwarder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		forwarder: f,
		logger:    logger.With("component", "webserver"),
		newID:     uuid.NewString,
	}
}

// Handler returns the routes of the web process
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /codereview/new", s.handleNew)
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /api/results", s.handleResults)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("web server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleNew(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}

	id := s.newID()
	resp, err := s.forwarder.SendCommand(ipc.CommandSubmit, id, json.RawMessage(body))
	if err != nil {
		s.logger.Error("forwarding build notification", "id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "daemon unavailable")
		return
	}
	if !resp.Success {
		status := http.StatusServiceUnavailable
		if resp.Error != nil && resp.Error.Code == ipc.ErrCodeValidation {
			status = http.StatusBadRequest
		}
		writeError(w, status, responseMessage(resp))
		return
	}

	s.logger.Info("accepted build notification", "id", id)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "id": id})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	resp, err := s.forwarder.SendCommand(ipc.CommandPing, "", nil)
	if err != nil || !resp.Success {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "daemon unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	params := ResultsParams{Limit: limit, Diff: r.URL.Query().Get("diff")}
	s.forwardData(w, ipc.CommandResults, params, "[]")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.forwardData(w, ipc.CommandStats, nil, "{}")
}

// forwardData relays a read command and writes its data, or empty when the
// daemon returned none
func (s *Server) forwardData(w http.ResponseWriter, command string, params any, empty string) {
	resp, err := s.forwarder.SendCommand(command, "", params)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "daemon unavailable")
		return
	}
	if !resp.Success {
		writeError(w, http.StatusServiceUnavailable, responseMessage(resp))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		w.Write([]byte(empty))
		return
	}
	w.Write(resp.Data)
}

func responseMessage(resp *ipc.Response) string {
	if resp.Error == nil {
		return "request rejected"
	}
	return resp.Error.Message
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
