package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nevindra/switchboard"
	"github.com/nevindra/switchboard/frontend/web"
)

// turnRunner is the slice of switchboard.Runner the handlers use.
type turnRunner interface {
	Run(ctx context.Context, userID, userMessage string, opts ...switchboard.RunOption) (string, error)
	RunStream(ctx context.Context, userID, userMessage string, ch chan<- switchboard.StreamEvent, opts ...switchboard.RunOption) (string, error)
}

// statsSource exposes dispatcher statistics.
type statsSource interface {
	Stats() switchboard.DispatchStats
}

type server struct {
	runner turnRunner
	stats  statsSource
	logger *slog.Logger
}

func newServer(runner turnRunner, stats statsSource, logger *slog.Logger) *server {
	return &server{runner: runner, stats: stats, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

type chatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
	Mode    string `json:"mode,omitempty"`
	// Format "html" renders the reply as a restricted HTML fragment.
	Format string `json:"format,omitempty"`
}

type chatResponse struct {
	Reply string `json:"reply"`
	HTML  string `json:"html,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (r chatRequest) options() []switchboard.RunOption {
	var opts []switchboard.RunOption
	if r.Model != "" {
		opts = append(opts, switchboard.WithModel(r.Model))
	}
	if r.Mode != "" {
		opts = append(opts, switchboard.WithMode(r.Mode))
	}
	return opts
}

func decodeChat(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return req, false
	}
	if req.UserID == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id and message are required"})
		return req, false
	}
	return req, true
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChat(w, r)
	if !ok {
		return
	}

	reply, err := s.runner.Run(r.Context(), req.UserID, req.Message, req.options()...)
	if err != nil {
		s.logger.Error("chat failed", "user", req.UserID, "error", err)
		writeJSON(w, switchboard.HTTPStatus(err), errorResponse{Error: err.Error()})
		return
	}

	resp := chatResponse{Reply: reply}
	if req.Format == "html" {
		resp.HTML = web.Render(reply)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatStream serves the turn as Server-Sent Events, one event per
// text delta, closing with a done event.
func (s *server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChat(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan switchboard.StreamEvent, 16)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.runner.RunStream(r.Context(), req.UserID, req.Message, ch, req.options()...)
		errCh <- err
	}()

	for ev := range ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
			// Client went away; the runner finishes on its own.
			return
		}
		flusher.Flush()
	}

	if err := <-errCh; err != nil {
		s.logger.Error("chat stream failed", "user", req.UserID, "error", err)
		payload, _ := json.Marshal(errorResponse{Error: err.Error()})
		_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
		flusher.Flush()
		return
	}

	payload, _ := json.Marshal(switchboard.StreamEvent{Type: switchboard.EventDone})
	_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
	flusher.Flush()
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Stats())
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
