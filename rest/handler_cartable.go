package rest

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/songzhibin97/cmms-cartable/modules"
	"github.com/songzhibin97/cmms-cartable/workflow"
)

type startRequest struct {
	Module       string                 `json:"module"`
	TrackingCode string                 `json:"trackingCode"`
	Title        string                 `json:"title"`
	Data         map[string]interface{} `json:"data"`
}

type actionRequest struct {
	Comment         string `json:"comment"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

type assignRequest struct {
	AssigneeID      string `json:"assigneeId"`
	Comment         string `json:"comment"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// HandleStart starts an item with free-form data. A tracking code is issued
// when the request carries none.
func (s *Server) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithErr(w, err)
		return
	}
	if req.Module == "" {
		respondWithErr(w, fmt.Errorf("%w: module is required", workflow.ErrInvalidRequest))
		return
	}
	if req.TrackingCode == "" {
		code, err := modules.NextCode(r.Context(), s.codes, req.Module)
		if err != nil {
			respondWithErr(w, err)
			return
		}
		req.TrackingCode = code
	}

	item, err := s.engine.StartWorkflow(r.Context(), workflow.StartRequest{
		Module:       req.Module,
		Data:         req.Data,
		User:         currentUser(r),
		TrackingCode: req.TrackingCode,
		Title:        req.Title,
	})
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, item)
}

// HandleSubmitModule starts an item from the typed form of a module.
func (s *Server) HandleSubmitModule(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	item, err := modules.SubmitJSON(r.Context(), s.engine, s.codes, currentUser(r), mux.Vars(r)["module"], raw)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, item)
}

func (s *Server) HandleMyCartable(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.GetMyCartable(r.Context(), currentUser(r))
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, items)
}

// HandleListItems lists all items, or those of ?module= when given.
func (s *Server) HandleListItems(w http.ResponseWriter, r *http.Request) {
	var err error
	var items interface{}
	if module := r.URL.Query().Get("module"); module != "" {
		items, err = s.engine.GetItemsByModule(r.Context(), module)
	} else {
		items, err = s.engine.GetAllItems(r.Context())
	}
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, items)
}

func (s *Server) HandleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.engine.GetItem(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, item)
}

func (s *Server) HandleAvailableActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.engine.AvailableActions(r.Context(), mux.Vars(r)["id"], currentUser(r))
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, actions)
}

func (s *Server) HandleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithErr(w, err)
		return
	}
	vars := mux.Vars(r)
	item, err := s.engine.ProcessWorkflowAction(r.Context(), workflow.ActionRequest{
		ItemID:          vars["id"],
		ActionID:        vars["actionId"],
		User:            currentUser(r),
		Comment:         req.Comment,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, item)
}

func (s *Server) HandleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithErr(w, err)
		return
	}
	item, err := s.engine.AssignItem(r.Context(), workflow.AssignRequest{
		ItemID:          mux.Vars(r)["id"],
		AssigneeID:      req.AssigneeID,
		User:            currentUser(r),
		Comment:         req.Comment,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, item)
}

func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.engine.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, history)
}
