package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/basket/quorum/internal/bus"
)

// sseEvent is the wire shape of one streamed deliberation event.
type sseEvent struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	Phase     string  `json:"phase,omitempty"`
	Iteration int     `json:"iteration,omitempty"`
	AgentID   string  `json:"agent_id,omitempty"`
	FromAgent string  `json:"from_agent,omitempty"`
	ToAgent   string  `json:"to_agent,omitempty"`
	Consensus float64 `json:"consensus,omitempty"`
	Decision  string  `json:"decision,omitempty"`
	Status    string  `json:"status,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Err       string  `json:"error,omitempty"`
}

// handleStream implements GET /analyze/stream?task_id=XXX. It subscribes
// to session lifecycle events, filters them by task id, and relays them
// as SSE until the session reaches a terminal state.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id query parameter is required")
		return
	}
	if _, err := s.cfg.Store.LoadSession(r.Context(), taskID); err != nil {
		writeError(w, storeStatus(err), "%v", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before checking for a terminal state so no event can
	// slip between the check and the subscription.
	sub := s.cfg.Bus.Subscribe("session.")
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if sess, err := s.cfg.Store.LoadSession(r.Context(), taskID); err == nil && sess.Status.Terminal() {
		ev := sseEvent{Type: "session_completed", SessionID: taskID, Status: string(sess.Status)}
		s.writeSSE(w, flusher, ev)
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("sse client disconnected", "task_id", taskID)
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			ev, terminal := translateEvent(event.Payload)
			if ev == nil || ev.SessionID != taskID {
				continue
			}
			if !s.writeSSE(w, flusher, *ev) {
				return
			}
			if terminal {
				return
			}
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, ev sseEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("sse marshal event", "error", err)
		return true
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.log.Debug("sse write failed", "session_id", ev.SessionID, "error", err)
		return false
	}
	flusher.Flush()
	return true
}

// translateEvent maps a bus payload to its SSE shape. The second return
// reports whether the event is terminal for its session.
func translateEvent(payload any) (*sseEvent, bool) {
	switch p := payload.(type) {
	case bus.PhaseStartEvent:
		return &sseEvent{Type: "phase_start", SessionID: p.SessionID, Phase: p.Phase, Iteration: p.Iteration}, false
	case bus.AgentCompletedEvent:
		return &sseEvent{Type: "agent_completed", SessionID: p.SessionID, AgentID: p.AgentID, Phase: p.Phase, Iteration: p.Iteration, Err: p.Err}, false
	case bus.CritiqueCompletedEvent:
		return &sseEvent{Type: "critique_completed", SessionID: p.SessionID, Iteration: p.Iteration, FromAgent: p.FromAgent, ToAgent: p.ToAgent}, false
	case bus.SynthesisReadyEvent:
		return &sseEvent{Type: "synthesis_ready", SessionID: p.SessionID, Iteration: p.Iteration, Consensus: p.Consensus}, false
	case bus.IterationCompleteEvent:
		return &sseEvent{Type: "iteration_complete", SessionID: p.SessionID, Iteration: p.Iteration, Decision: p.Decision}, false
	case bus.SessionCompletedEvent:
		return &sseEvent{Type: "session_completed", SessionID: p.SessionID, Status: p.Status, Iteration: p.IterationsUsed}, true
	case bus.SessionFailedEvent:
		return &sseEvent{Type: "session_failed", SessionID: p.SessionID, Reason: p.Reason}, true
	}
	return nil, false
}
