package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/machinist/machinist/pkg/engine"
)

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	deployment, err := s.orch.GetDeployment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

func (s *Server) handleApproveDeployment(w http.ResponseWriter, r *http.Request) {
	deployment, err := s.orch.Approve(r.Context(), r.PathValue("id"), actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

func (s *Server) handleCancelDeployment(w http.ResponseWriter, r *http.Request) {
	deployment, err := s.orch.Cancel(r.Context(), r.PathValue("id"), actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

func (s *Server) handleDeploymentLogs(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stream") == "true" {
		s.streamDeploymentLogs(w, r)
		return
	}

	lines, err := s.orch.GetLogs(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": lines})
}

// streamDeploymentLogs serves the log as server-sent events: the buffered
// lines replay first, live appends follow, and a final complete event
// carries the deployment's state once the channel closes.
func (s *Server) streamDeploymentLogs(w http.ResponseWriter, r *http.Request) {
	deploymentID := r.PathValue("id")

	ch, cancel, err := s.orch.SubscribeLogs(r.Context(), deploymentID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, engine.NewInternalError("streaming unsupported by connection", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, open := <-ch:
			if !open {
				s.writeCompleteEvent(w, r, deploymentID)
				flusher.Flush()
				return
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) writeCompleteEvent(w http.ResponseWriter, r *http.Request, deploymentID string) {
	state := ""
	if d, err := s.orch.GetDeployment(r.Context(), deploymentID); err == nil {
		state = string(d.State)
	}
	fmt.Fprintf(w, "event: complete\ndata: {\"state\":%q}\n\n", state)
}
