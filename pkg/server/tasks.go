package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/substratelabs/maestro/pkg/orchestrator"
	"github.com/substratelabs/maestro/pkg/protocol"
)

// taskRequest is the inbound task submission body. Everything beyond
// the goal is optional; a missing trace id is generated here so the
// caller always learns the id its run is filed under.
type taskRequest struct {
	Goal           string         `json:"goal"`
	Task           string         `json:"task,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	Profile        string         `json:"profile,omitempty"`
	Strategy       string         `json:"strategy,omitempty"`
	TimeoutSeconds float64        `json:"timeout_seconds,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}
	strategy, err := parseStrategy(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	profile := req.Profile
	if profile == "" {
		profile = s.opts.DefaultProfile
	}

	agentReq := protocol.AgentRequest{
		Goal: req.Goal,
		Task: req.Task,
		Metadata: protocol.RequestMetadata{
			TraceID:        req.TraceID,
			Profile:        profile,
			Priority:       req.Priority,
			TimeoutSeconds: req.TimeoutSeconds,
			Tags:           req.Tags,
		},
		Inputs:  req.Inputs,
		Context: req.Metadata,
	}

	// The run is bound to the request context: a client that walks
	// away cancels its run.
	events, err := s.opts.Orchestrator.Run(r.Context(), agentReq, strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if wantsJSON(r) {
		s.collectTask(w, req.TraceID, events)
		return
	}
	s.streamTask(w, events)
}

// streamTask frames the stage stream as server-sent events. The stream
// closes after the terminal stage; a trailing done event marks the end
// for clients that reconnect on EOF.
func (s *Server) streamTask(w http.ResponseWriter, events <-chan orchestrator.StageEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error())
			flusher.Flush()
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	fmt.Fprintf(w, "event: done\ndata: {}\n\n")
	flusher.Flush()
}

// collectTask drains the stream and answers with one JSON document.
// The HTTP status is 200 regardless of the run's outcome; the terminal
// stage carries the verdict, same as on the streaming path.
func (s *Server) collectTask(w http.ResponseWriter, traceID string, events <-chan orchestrator.StageEvent) {
	var all []orchestrator.StageEvent
	for ev := range events {
		all = append(all, ev)
	}
	body := map[string]any{
		"trace_id": traceID,
		"events":   all,
	}
	if n := len(all); n > 0 {
		last := all[n-1]
		body["status"] = last.Stage
		if last.Data != nil {
			body["result"] = last.Data
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func parseStrategy(s string) (orchestrator.Strategy, error) {
	switch orchestrator.Strategy(strings.ToUpper(s)) {
	case "":
		return orchestrator.FailFast, nil
	case orchestrator.FailFast:
		return orchestrator.FailFast, nil
	case orchestrator.Continue:
		return orchestrator.Continue, nil
	case orchestrator.Retry:
		return orchestrator.Retry, nil
	case orchestrator.Fallback:
		return orchestrator.Fallback, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// wantsJSON reports whether the client asked for a collected JSON
// response instead of the default event stream.
func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "text/event-stream") {
		return false
	}
	return strings.Contains(accept, "application/json")
}
