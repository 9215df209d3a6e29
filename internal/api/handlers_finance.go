package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"medstaff/internal/auth"
	"medstaff/internal/finance"
)

func (s *Server) financeRoutes(r chi.Router) {
	read := s.require(auth.PermFinanceRead)
	write := s.require(auth.PermFinanceWrite)

	r.With(read).Get("/dre", s.handleDRE)

	r.With(read).Get("/revenues", s.handleListRevenues)
	r.With(write).Post("/revenues", s.handleCreateRevenue)
	r.With(read).Get("/revenues/{id}", s.handleGetRevenue)
	r.With(write).Put("/revenues/{id}", s.handleUpdateRevenue)
	r.With(write).Post("/revenues/{id}/cancel", s.handleCancelRevenue)
	r.With(write).Post("/revenues/{id}/receive", s.handleReceiveRevenue)

	r.With(read).Get("/expenses", s.handleListExpenses)
	r.With(write).Post("/expenses", s.handleCreateExpense)
	r.With(read).Get("/expenses/{id}", s.handleGetExpense)
	r.With(write).Put("/expenses/{id}", s.handleUpdateExpense)
	r.With(write).Post("/expenses/{id}/cancel", s.handleCancelExpense)
	r.With(write).Post("/expenses/{id}/pay", s.handlePayExpense)
}

func financeFilter(r *http.Request) (finance.Filter, page) {
	p := pageFrom(r)
	q := r.URL.Query()
	return finance.Filter{
		From:     q.Get("from"),
		To:       q.Get("to"),
		Category: q.Get("category"),
		Status:   q.Get("status"),
		Limit:    p.limit,
		Offset:   p.offset,
	}, p
}

type settleRequest struct {
	Date string `json:"date"`
}

func (s *Server) handleDRE(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dre, err := s.svc.Finance.DRE(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dre)
}

func (s *Server) handleListRevenues(w http.ResponseWriter, r *http.Request) {
	filter, p := financeFilter(r)
	items, total, err := s.svc.Finance.ListRevenues(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, items, total, p)
}

func (s *Server) handleCreateRevenue(w http.ResponseWriter, r *http.Request) {
	var in finance.RevenueInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	rev, err := s.svc.Finance.CreateRevenue(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}

func (s *Server) handleGetRevenue(w http.ResponseWriter, r *http.Request) {
	rev, err := s.svc.Finance.GetRevenue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *Server) handleUpdateRevenue(w http.ResponseWriter, r *http.Request) {
	var in finance.RevenueInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	rev, err := s.svc.Finance.UpdateRevenue(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *Server) handleCancelRevenue(w http.ResponseWriter, r *http.Request) {
	rev, err := s.svc.Finance.CancelRevenue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *Server) handleReceiveRevenue(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rev, err := s.svc.Finance.MarkReceived(r.Context(), chi.URLParam(r, "id"), req.Date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	filter, p := financeFilter(r)
	items, total, err := s.svc.Finance.ListExpenses(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, items, total, p)
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var in finance.ExpenseInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	exp, err := s.svc.Finance.CreateExpense(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	exp, err := s.svc.Finance.GetExpense(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	var in finance.ExpenseInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	exp, err := s.svc.Finance.UpdateExpense(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleCancelExpense(w http.ResponseWriter, r *http.Request) {
	exp, err := s.svc.Finance.CancelExpense(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handlePayExpense(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	exp, err := s.svc.Finance.MarkPaid(r.Context(), chi.URLParam(r, "id"), req.Date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}
