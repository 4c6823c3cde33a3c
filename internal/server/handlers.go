package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/opsbrain/internal/capability"
	"github.com/xela07ax/opsbrain/internal/domain"
	"github.com/xela07ax/opsbrain/internal/infra/auth"
)

func actorOf(r *http.Request) domain.ActorContext {
	a, _ := auth.ActorFrom(r.Context())
	return a
}

func (s *Server) listCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Runtime.Catalog().List())
}

func (s *Server) createProposal(w http.ResponseWriter, r *http.Request) {
	var req capability.ProposalRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	// id из пути главнее тела
	req.CapabilityID = chi.URLParam(r, "id")

	res, err := s.d.Runtime.CreateProposal(r.Context(), actorOf(r), req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if !res.Decision.Allowed {
		writeDenied(w, res.Decision)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req capability.ExecuteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	req.CapabilityID = chi.URLParam(r, "id")

	res, err := s.d.Runtime.Execute(r.Context(), actorOf(r), req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if !res.Decision.Allowed {
		writeDenied(w, res.Decision)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.d.Runtime.Proposal(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	p, err := s.d.Runtime.Approve(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	p, err := s.d.Runtime.Reject(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
