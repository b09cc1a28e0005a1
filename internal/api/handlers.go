package api

import (
	"net/http"
	"slices"

	"github.com/gorilla/mux"

	"securechat/internal/models"
	"securechat/internal/node"
	"securechat/internal/router"
)

// message is a log entry with its resolved sender label.
type message struct {
	router.Entry
	From string `json:"from"`
}

func render(s node.Snapshot, entries []router.Entry) []message {
	out := make([]message, 0, len(entries))
	for _, e := range entries {
		from := s.ResolveSender(e.Message)
		if e.Outgoing {
			from = "me"
		}
		out = append(out, message{Entry: e, From: from})
	}
	return out
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Snapshot())
}

func (s *Server) users(w http.ResponseWriter, r *http.Request) {
	users := s.svc.Snapshot().Users()
	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Metrics())
}

type profileRequest struct {
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Email      string `json:"email"`
	Department string `json:"department"`
}

func (s *Server) onboard(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decode(w, r, &req) {
		return
	}
	p := models.UserProfile{
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		Email:      req.Email,
		Department: req.Department,
	}
	if err := s.svc.Onboard(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.svc.Snapshot().Profile)
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.UpdateProfile(r.Context(), req.FirstName, req.LastName, req.Department); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Snapshot().Profile)
}

func (s *Server) checkEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	taken, err := s.svc.CheckEmailUniqueness(r.Context(), req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"email": req.Email,
		"taken": taken,
	})
}

func (s *Server) focus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.SetFocus(r.Context(), req.Email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"focus": s.svc.Snapshot().Focus})
}

func (s *Server) broadcastLog(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.Snapshot()
	msgs := render(snap, snap.Broadcast)
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

func (s *Server) privateLog(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]
	snap := s.svc.Snapshot()
	msgs := render(snap, snap.Conversation(email))
	writeJSON(w, http.StatusOK, map[string]any{
		"peer":     email,
		"messages": msgs,
		"count":    len(msgs),
		"unread":   slices.Contains(snap.Unread, email),
	})
}

type sendRequest struct {
	Text string `json:"text"`
}

func (s *Server) sendBroadcast(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.SendBroadcast(r.Context(), req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) sendPrivate(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	email := mux.Vars(r)["email"]
	if err := s.svc.SendPrivate(r.Context(), req.Text, email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}
