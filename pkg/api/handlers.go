package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jdziat/workgate/pkg/coordinator"
	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/security"
)

const maxBodyBytes = 1 << 20

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return badRequest{msg: "malformed JSON body: " + err.Error()}
}

// ClaimResponse is returned for a successful claim. The token must
// accompany every report about the unit.
type ClaimResponse struct {
	Unit           *core.WorkUnit `json:"unit"`
	Token          string         `json:"token"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at"`
}

// SubmitResponse lists the units a submission created.
type SubmitResponse struct {
	JobID string           `json:"job_id"`
	Units []*core.WorkUnit `json:"units"`
}

// DrainRequest toggles a worker's drain flag.
type DrainRequest struct {
	Drain bool `json:"drain"`
}

// MarkFailedRequest carries the operator's reason.
type MarkFailedRequest struct {
	Reason string `json:"reason"`
}

func (s *server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req coordinator.HeartbeatRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	worker, err := s.svc.Coordinator.Heartbeat(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *server) claim(w http.ResponseWriter, r *http.Request) {
	var req coordinator.ClaimRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.svc.Coordinator.ClaimNext(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if u == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{Unit: u, Token: u.ClaimToken, LeaseExpiresAt: u.ClaimExpiresAt})
}

func (s *server) complete(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CompleteRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.UnitID = chi.URLParam(r, "id")
	u, err := s.svc.Coordinator.Complete(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *server) fail(w http.ResponseWriter, r *http.Request) {
	var req coordinator.FailRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.UnitID = chi.URLParam(r, "id")
	u, err := s.svc.Coordinator.Fail(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *server) logEvent(w http.ResponseWriter, r *http.Request) {
	var req coordinator.LogEventRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.UnitID = chi.URLParam(r, "id")
	entry, err := s.svc.Coordinator.LogEvent(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	var req coordinator.SubmitRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Actor = r.Header.Get(headerActor)
	units, err := s.svc.Coordinator.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{JobID: units[0].JobID, Units: units})
}

func (s *server) jobUnits(w http.ResponseWriter, r *http.Request) {
	units, err := s.svc.Coordinator.JobUnits(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if units == nil {
		units = []*core.WorkUnit{}
	}
	writeJSON(w, http.StatusOK, units)
}

func (s *server) requeue(w http.ResponseWriter, r *http.Request) {
	u, err := s.svc.Coordinator.Requeue(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *server) markFailed(w http.ResponseWriter, r *http.Request) {
	var req MarkFailedRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.svc.Coordinator.MarkFailed(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *server) forcePending(w http.ResponseWriter, r *http.Request) {
	u, err := s.svc.Coordinator.ForcePending(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *server) unitAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.svc.Coordinator.UnitAudit(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) drain(w http.ResponseWriter, r *http.Request) {
	req := DrainRequest{Drain: true}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	worker, err := s.svc.Coordinator.SetDrain(r.Context(), chi.URLParam(r, "name"), req.Drain, actorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Health.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) incidents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := r.URL.Query().Get("status")
	if status != "" && status != string(core.IncidentDetected) && status != string(core.IncidentResolved) {
		s.writeError(w, r, &security.ValidationError{Fields: map[string]string{"status": "must be detected or resolved"}})
		return
	}
	f := core.IncidentFilter{
		Status:   core.IncidentStatus(status),
		IssueKey: r.URL.Query().Get("issue_key"),
		Limit:    limit,
	}
	incidents, err := s.svc.Incidents.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if incidents == nil {
		incidents = []*core.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest{msg: name + " must be a non-negative integer"}
	}
	return n, nil
}
