package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"medstaff/internal/auth"
	"medstaff/internal/hr"
)

func (s *Server) hrRoutes(r chi.Router) {
	read := s.require(auth.PermHRRead)
	write := s.require(auth.PermHRWrite)

	r.With(read).Get("/headcount", s.handleHeadcount)
	r.With(read).Get("/employees", s.handleListEmployees)
	r.With(write).Post("/employees", s.handleCreateEmployee)
	r.With(read).Get("/employees/{id}", s.handleGetEmployee)
	r.With(write).Put("/employees/{id}", s.handleUpdateEmployee)
	r.With(write).Post("/employees/{id}/status", s.handleEmployeeStatus)
}

func (s *Server) handleHeadcount(w http.ResponseWriter, r *http.Request) {
	headcount, err := s.svc.HR.Headcount(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, headcount)
}

func (s *Server) handleListEmployees(w http.ResponseWriter, r *http.Request) {
	p := pageFrom(r)
	filter := hr.Filter{
		Department: r.URL.Query().Get("department"),
		Query:      r.URL.Query().Get("q"),
		Limit:      p.limit,
		Offset:     p.offset,
	}
	for _, status := range queryList(r, "status") {
		filter.Statuses = append(filter.Statuses, hr.Status(status))
	}
	employees, total, err := s.svc.HR.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, employees, total, p)
}

func (s *Server) handleCreateEmployee(w http.ResponseWriter, r *http.Request) {
	var in hr.Input
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	employee, err := s.svc.HR.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, employee)
}

func (s *Server) handleGetEmployee(w http.ResponseWriter, r *http.Request) {
	employee, err := s.svc.HR.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, employee)
}

func (s *Server) handleUpdateEmployee(w http.ResponseWriter, r *http.Request) {
	var in hr.Input
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	employee, err := s.svc.HR.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, employee)
}

type employeeStatusRequest struct {
	Status          hr.Status `json:"status"`
	TerminationDate string    `json:"termination_date"`
}

func (s *Server) handleEmployeeStatus(w http.ResponseWriter, r *http.Request) {
	var req employeeStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	employee, err := s.svc.HR.ChangeStatus(r.Context(), chi.URLParam(r, "id"), req.Status, req.TerminationDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, employee)
}
