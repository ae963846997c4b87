package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

type turnPayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AskRequest is the body of POST /v1/ask.
type AskRequest struct {
	Mode             int           `json:"mode"`
	AgentID          string        `json:"agent_id,omitempty"`
	Message          string        `json:"message"`
	History          []turnPayload `json:"history,omitempty"`
	RetrievalEnabled bool          `json:"retrieval_enabled"`
	ToolsEnabled     bool          `json:"tools_enabled"`
	Temperature      *float32      `json:"temperature,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	DomainHints      []string      `json:"domain_hints,omitempty"`
	TenantID         string        `json:"tenant_id,omitempty"`
	SessionID        string        `json:"session_id,omitempty"`
	UserID           string        `json:"user_id,omitempty"`
}

func (r AskRequest) modeConfig() (contractx.ModeConfig, error) {
	history := make([]contractx.Turn, 0, len(r.History))
	for i, t := range r.History {
		role := contractx.Role(strings.ToLower(strings.TrimSpace(t.Role)))
		if role != contractx.RoleUser && role != contractx.RoleAssistant {
			return contractx.ModeConfig{}, fmt.Errorf("%w: history[%d] has unknown role %q", contractx.ErrValidation, i, t.Role)
		}
		history = append(history, contractx.Turn{Role: role, Content: t.Content})
	}
	return contractx.ModeConfig{
		Mode:             contractx.Mode(r.Mode),
		AgentID:          r.AgentID,
		Message:          r.Message,
		History:          history,
		RetrievalEnabled: r.RetrievalEnabled,
		ToolsEnabled:     r.ToolsEnabled,
		Temperature:      r.Temperature,
		MaxTokens:        r.MaxTokens,
		DomainHints:      r.DomainHints,
		TenantID:         r.TenantID,
		SessionID:        r.SessionID,
		UserID:           r.UserID,
	}, nil
}

// handleAsk streams one run. The run is bound to the request context, so a
// client disconnect cancels it. Mode-level validation is reported in-stream
// as an error chunk.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	var req AskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "validation", "request body is too large")
			return
		}
		writeError(w, http.StatusBadRequest, "validation", "request body is not valid JSON: "+err.Error())
		return
	}
	cfg, err := req.modeConfig()
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "unknown", "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	chunks := s.runner.Stream(r.Context(), cfg)
	broken := false
	for c := range chunks {
		if broken {
			continue
		}
		if err := writeSSEChunk(w, c); err != nil {
			logger.Warn().Err(err).Str("run_id", c.Meta().RunID).Msg("client went away, draining run")
			broken = true
			continue
		}
		flusher.Flush()
	}
}

func writeSSEChunk(w io.Writer, c contractx.Chunk) error {
	data, err := contractx.EncodeChunk(c)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", c.Meta().Seq, c.Kind(), data)
	return err
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("id"))
	if runID == "" {
		writeError(w, http.StatusBadRequest, "validation", "run id is required")
		return
	}
	if !s.runner.Stop(runID) {
		writeError(w, http.StatusNotFound, "run_not_found", "no active run with id "+runID)
		return
	}
	zerolog.Ctx(r.Context()).Info().Str("run_id", runID).Msg("run stop requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "state": "stopping"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": s.runner.ActiveRuns(),
		"time":        time.Now().UTC(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	rm, err := s.metrics.Collect(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("collect metrics failed")
		writeError(w, http.StatusInternalServerError, "unknown", "metrics are unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rm)
}
