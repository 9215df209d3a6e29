package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"medstaff/internal/auth"
	"medstaff/internal/chat"
)

const streamWriteTimeout = 5 * time.Second

func (s *Server) chatRoutes(r chi.Router) {
	r.Use(s.require(auth.PermChatUse))
	r.Get("/unread", s.handleChatUnread)
	r.Get("/conversations", s.handleListConversations)
	r.Post("/conversations/direct", s.handleStartDirect)
	r.Post("/conversations/group", s.handleCreateGroup)
	r.Get("/conversations/{id}", s.handleGetConversation)
	r.Get("/conversations/{id}/messages", s.handleListMessages)
	r.Post("/conversations/{id}/messages", s.handlePostMessage)
	r.Post("/conversations/{id}/read", s.handleReadConversation)
	r.Get("/conversations/{id}/stream", s.handleStream)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Chat.Conversations(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, list, len(list), page{})
}

func (s *Server) handleStartDirect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.svc.Chat.StartDirect(r.Context(), req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title        string   `json:"title"`
		Participants []string `json:"participants"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.svc.Chat.CreateGroup(r.Context(), req.Title, req.Participants)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Chat.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	before := chat.Cursor{ID: q.Get("before_id")}
	before.At, _ = strconv.ParseInt(q.Get("before"), 10, 64)
	list, err := s.svc.Chat.Messages(r.Context(), chi.URLParam(r, "id"), before, queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, list, len(list), page{})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body string `json:"body"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.svc.Chat.Post(r.Context(), chi.URLParam(r, "id"), req.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleReadConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Chat.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChatUnread(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Chat.UnreadCount(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

// handleStream upgrades to a websocket and pushes every message posted to
// the conversation. Client frames are ignored.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	messages, unsubscribe, err := s.svc.Chat.Subscribe(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns(s.cfg.AllowedOrigins)})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx = conn.CloseRead(ctx)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case m, ok := <-messages:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, m)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

// originPatterns turns configured origins into the host patterns the
// websocket handshake checks.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			patterns = append(patterns, "*")
			continue
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}
