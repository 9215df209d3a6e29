package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"medstaff/internal/auth"
	"medstaff/internal/notify"
)

func (s *Server) notificationRoutes(r chi.Router) {
	r.Use(s.require(auth.PermNotificationsRead))
	r.Get("/", s.handleListNotifications)
	r.Get("/unread-count", s.handleUnreadNotifications)
	r.Post("/read-all", s.handleReadAllNotifications)
	r.Post("/{id}/read", s.handleReadNotification)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	p := pageFrom(r)
	opts := []notify.ListOption{
		notify.WithLimit(p.limit),
		notify.WithOffset(p.offset),
		notify.WithUnreadOnly(queryBool(r, "unread")),
	}
	if kinds := queryList(r, "kind"); len(kinds) > 0 {
		list := make([]notify.Kind, len(kinds))
		for i, kind := range kinds {
			list[i] = notify.Kind(kind)
		}
		opts = append(opts, notify.WithKinds(list...))
	}
	items, err := s.svc.Notify.List(r.Context(), auth.ActorID(r.Context()), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, items, len(items), p)
}

func (s *Server) handleUnreadNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Notify.UnreadCount(r.Context(), auth.ActorID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (s *Server) handleReadAllNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Notify.MarkAllRead(r.Context(), auth.ActorID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

func (s *Server) handleReadNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Notify.MarkRead(r.Context(), auth.ActorID(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	overview, err := s.svc.Dashboard.Overview(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}
