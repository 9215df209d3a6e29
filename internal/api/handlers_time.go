package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"medstaff/internal/auth"
	"medstaff/internal/timetrack"
)

func (s *Server) timeRoutes(r chi.Router) {
	read := s.require(auth.PermTimeRead)
	write := s.require(auth.PermTimeWrite)

	r.With(read).Get("/records", s.handleListTimeRecords)
	r.With(write).Post("/records", s.handleRegisterTime)
	r.With(read).Get("/records/{id}", s.handleGetTimeRecord)
	r.With(write).Put("/records/{id}", s.handleCorrectTime)
	r.With(s.require(auth.PermTimeValidate)).Post("/records/{id}/review", s.handleReviewTime)
	r.With(read).Get("/summary", s.handleTimeSummary)
}

func (s *Server) handleListTimeRecords(w http.ResponseWriter, r *http.Request) {
	p := pageFrom(r)
	q := r.URL.Query()
	filter := timetrack.Filter{
		EmployeeID:    q.Get("employee_id"),
		From:          q.Get("from"),
		To:            q.Get("to"),
		OnlyIrregular: queryBool(r, "irregular"),
		Limit:         p.limit,
		Offset:        p.offset,
	}
	for _, status := range queryList(r, "status") {
		filter.Statuses = append(filter.Statuses, timetrack.Status(status))
	}
	records, total, err := s.svc.Time.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, records, total, p)
}

func (s *Server) handleRegisterTime(w http.ResponseWriter, r *http.Request) {
	var in timetrack.Input
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	record, err := s.svc.Time.Register(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleGetTimeRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.svc.Time.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleCorrectTime(w http.ResponseWriter, r *http.Request) {
	var in timetrack.Input
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	record, err := s.svc.Time.Correct(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type reviewRequest struct {
	Status timetrack.Status `json:"status"`
	Note   string           `json:"note"`
}

func (s *Server) handleReviewTime(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	record, err := s.svc.Time.Review(r.Context(), chi.URLParam(r, "id"), req.Status, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleTimeSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	summary, err := s.svc.Time.Summary(r.Context(), q.Get("employee_id"), q.Get("from"), q.Get("to"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
