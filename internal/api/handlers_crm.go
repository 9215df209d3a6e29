package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"medstaff/internal/auth"
	"medstaff/internal/crm"
)

func (s *Server) crmRoutes(r chi.Router) {
	read := s.require(auth.PermCRMRead)
	write := s.require(auth.PermCRMWrite)

	r.With(read).Get("/pipeline", s.handlePipeline)
	r.With(read).Get("/leads", s.handleListLeads)
	r.With(write).Post("/leads", s.handleCreateLead)
	r.With(read).Get("/leads/{id}", s.handleGetLead)
	r.With(write).Put("/leads/{id}", s.handleUpdateLead)
	r.With(write).Post("/leads/{id}/move", s.handleMoveLead)
	r.With(read).Get("/leads/{id}/history", s.handleLeadHistory)
	r.With(write).Post("/leads/{id}/convert", s.handleConvertLead)

	r.With(read).Get("/contracts", s.handleListContracts)
	r.With(write).Post("/contracts", s.handleCreateContract)
	r.With(read).Get("/contracts/expiring", s.handleExpiringContracts)
	r.With(read).Get("/contracts/{id}", s.handleGetContract)
	r.With(write).Post("/contracts/{id}/status", s.handleContractStatus)
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.CRM.PipelineSummary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListLeads(w http.ResponseWriter, r *http.Request) {
	p := pageFrom(r)
	filter := crm.LeadFilter{
		OwnerID: r.URL.Query().Get("owner_id"),
		Query:   r.URL.Query().Get("q"),
		Limit:   p.limit,
		Offset:  p.offset,
	}
	for _, stage := range queryList(r, "stage") {
		filter.Stages = append(filter.Stages, crm.Stage(stage))
	}
	leads, total, err := s.svc.CRM.ListLeads(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, leads, total, p)
}

func (s *Server) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	var in crm.LeadInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	lead, err := s.svc.CRM.CreateLead(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lead)
}

func (s *Server) handleGetLead(w http.ResponseWriter, r *http.Request) {
	lead, err := s.svc.CRM.GetLead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (s *Server) handleUpdateLead(w http.ResponseWriter, r *http.Request) {
	var in crm.LeadInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	lead, err := s.svc.CRM.UpdateLead(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

type moveLeadRequest struct {
	Stage crm.Stage `json:"stage"`
	Note  string    `json:"note"`
}

func (s *Server) handleMoveLead(w http.ResponseWriter, r *http.Request) {
	var req moveLeadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	lead, err := s.svc.CRM.MoveLead(r.Context(), chi.URLParam(r, "id"), req.Stage, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (s *Server) handleLeadHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.CRM.LeadHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, history, len(history), page{})
}

type convertLeadRequest struct {
	StartDate string `json:"start_date"`
}

func (s *Server) handleConvertLead(w http.ResponseWriter, r *http.Request) {
	var req convertLeadRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	contract, err := s.svc.CRM.ConvertLead(r.Context(), chi.URLParam(r, "id"), req.StartDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, contract)
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	p := pageFrom(r)
	filter := crm.ContractFilter{OwnerID: r.URL.Query().Get("owner_id"), Limit: p.limit, Offset: p.offset}
	for _, status := range queryList(r, "status") {
		filter.Statuses = append(filter.Statuses, crm.ContractStatus(status))
	}
	contracts, total, err := s.svc.CRM.ListContracts(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, contracts, total, p)
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var in crm.ContractInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	contract, err := s.svc.CRM.CreateContract(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, contract)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	contract, err := s.svc.CRM.GetContract(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (s *Server) handleExpiringContracts(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days")
	if days <= 0 || days > 365 {
		days = 30
	}
	contracts, err := s.svc.CRM.ExpiringContracts(r.Context(), daysDuration(days))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, contracts, len(contracts), page{})
}

type contractStatusRequest struct {
	Status crm.ContractStatus `json:"status"`
}

func (s *Server) handleContractStatus(w http.ResponseWriter, r *http.Request) {
	var req contractStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	contract, err := s.svc.CRM.ChangeContractStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}
