package rest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/songzhibin97/cmms-cartable/messaging"
)

// HandleListMessages returns the caller's inbox, or the sent box with ?box=sent.
func (s *Server) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var err error
	var msgs interface{}
	if r.URL.Query().Get("box") == "sent" {
		msgs, err = s.messages.Sent(r.Context(), user.ID)
	} else {
		msgs, err = s.messages.Inbox(r.Context(), user)
	}
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, msgs)
}

func (s *Server) HandleUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.messages.UnreadCount(r.Context(), currentUser(r))
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (s *Server) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messaging.SendRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithErr(w, err)
		return
	}
	msg, err := s.messages.Send(r.Context(), currentUser(r), req)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, msg)
}

func (s *Server) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	msg, err := s.messages.MarkRead(r.Context(), mux.Vars(r)["id"], currentUser(r).ID)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, msg)
}
