package web

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/opmerge/internal/core"
	"github.com/JonMunkholm/opmerge/internal/logging"
)

// handleListJobs returns known jobs, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"jobs": s.deps.Coordinator.Jobs()})
}

// handleJobStatus returns one job snapshot. Clients poll this for progress.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := core.JobID(chi.URLParam(r, "jobID"))
	job, err := s.deps.Coordinator.Status(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, job)
}

type lockResponse struct {
	core.LockState
	Current *core.Job `json:"current,omitempty"`
}

func (s *Server) handleLockState(w http.ResponseWriter, r *http.Request) {
	resp := lockResponse{LockState: s.deps.Coordinator.LockState()}
	if job, ok := s.deps.Coordinator.Current(); ok {
		resp.Current = &job
	}
	writeJSON(w, resp)
}

type resetResponse struct {
	Previous      core.LockState `json:"previous"`
	MarkerRemoved bool           `json:"marker_removed"`
}

// handleResetLock clears the admission slot. With ?marker=true it also
// deletes the dataset lock marker left behind by a crashed process.
func (s *Server) handleResetLock(w http.ResponseWriter, r *http.Request) {
	resp := resetResponse{Previous: s.deps.Coordinator.ResetLock()}

	if marker, _ := strconv.ParseBool(r.URL.Query().Get("marker")); marker {
		removed, err := s.deps.Appender.ForceUnlock()
		if err != nil {
			respondError(w, r, err)
			return
		}
		resp.MarkerRemoved = removed
	}

	logging.FromContext(r.Context()).Warn("admission lock reset via API",
		"previous_job", resp.Previous.JobID,
		"marker_removed", resp.MarkerRemoved,
	)
	writeJSON(w, resp)
}

// handleHealth reports liveness plus the state of optional collaborators.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"warehouse": s.deps.Loader != nil,
		"locked":    s.deps.Coordinator.LockState().Locked,
	}
	if s.deps.ConverterCheck != nil {
		if err := s.deps.ConverterCheck(); err != nil {
			resp["status"] = "degraded"
			resp["converter"] = err.Error()
		} else {
			resp["converter"] = "ok"
		}
	}
	writeJSON(w, resp)
}
