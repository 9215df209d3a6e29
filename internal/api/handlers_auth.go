package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"medstaff/internal/auth"
)

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pair, err := s.svc.Auth.Authenticate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, auth.SubjectFromContext(r.Context()))
}

func (s *Server) userRoutes(r chi.Router) {
	r.Use(s.require(auth.PermUsersAdmin))
	r.Get("/", s.handleListUsers)
	r.Post("/", s.handleCreateUser)
	r.Post("/{id}/disable", s.handleSetDisabled(true))
	r.Post("/{id}/enable", s.handleSetDisabled(false))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.Auth.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, users, len(users), page{})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in auth.NewUser
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.svc.Auth.CreateUser(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleSetDisabled(disabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.svc.Auth.SetDisabled(r.Context(), chi.URLParam(r, "id"), disabled); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
