package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/opsbrain/internal/domain"
)

const defaultEventsLimit = 100

// Политику меняет только персонал.
func (s *Server) requireStaff(w http.ResponseWriter, r *http.Request) (domain.ActorContext, bool) {
	actor := actorOf(r)
	if actor.Type != domain.ActorStaff {
		writeError(w, http.StatusForbidden, "NOT_AUTHORIZED", "only staff may change execution policy")
		return actor, false
	}
	return actor, true
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	st, err := s.d.Policy.State(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type killSwitchRequest struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

func (s *Server) putKillSwitch(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireStaff(w, r)
	if !ok {
		return
	}
	var req killSwitchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.Enabled && strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "reason is required to enable the kill switch")
		return
	}

	ks := domain.KillSwitch{Enabled: req.Enabled, Reason: req.Reason, UpdatedAt: s.d.Now().UTC()}
	if err := s.d.Policy.SetKillSwitch(r.Context(), ks); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Warn("kill switch changed",
		zap.Bool("enabled", ks.Enabled),
		zap.String("reason", ks.Reason),
		zap.String("actor", actor.ID))
	writeJSON(w, http.StatusOK, ks)
}

func (s *Server) putExemption(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireStaff(w, r)
	if !ok {
		return
	}
	var e domain.PolicyExemption
	if err := decode(r, &e); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if strings.TrimSpace(e.CapabilityID) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "capability_id is required")
		return
	}
	if e.Status != domain.ExemptionActive && e.Status != domain.ExemptionRevoked {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "status must be active or revoked")
		return
	}
	if _, known := s.d.Runtime.Catalog().Get(e.CapabilityID); !known {
		writeError(w, http.StatusNotFound, string(domain.ReasonCapabilityUnknown), "unknown capability "+e.CapabilityID)
		return
	}

	e.UpdatedAt = s.d.Now().UTC()
	if err := s.d.Policy.PutExemption(r.Context(), e); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Info("policy exemption updated",
		zap.String("capability", e.CapabilityID),
		zap.String("owner", e.OwnerUID),
		zap.String("status", string(e.Status)),
		zap.String("actor", actor.ID))
	writeJSON(w, http.StatusOK, e)
}

// listEvents — чтение журнала аудита: ?action=, ?prefix=, ?actor=, ?since=RFC3339, ?limit=.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.EventFilter{
		Action:       q.Get("action"),
		ActionPrefix: q.Get("prefix"),
		ActorID:      q.Get("actor"),
		Limit:        defaultEventsLimit,
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be RFC3339")
			return
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be within 1..1000")
			return
		}
		f.Limit = n
	}

	events, err := s.d.Events.List(r.Context(), f)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
