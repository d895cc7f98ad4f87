package rest

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/songzhibin97/cmms-cartable/logger"
	"github.com/songzhibin97/cmms-cartable/types"
	"github.com/songzhibin97/cmms-cartable/workflow"
)

func (s *Server) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := s.engine.GetWorkflows(r.Context())
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, defs)
}

func (s *Server) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := s.engine.GetWorkflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, def)
}

// HandleSaveWorkflow stores a definition. Only ADMIN may edit process templates.
func (s *Server) HandleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user.Role != types.RoleAdmin {
		respondWithErr(w, fmt.Errorf("%w: only %s can edit workflows", workflow.ErrUnauthorized, types.RoleAdmin))
		return
	}

	var def types.WorkflowDefinition
	if err := decodeBody(w, r, &def); err != nil {
		respondWithErr(w, err)
		return
	}
	if def.Module == "" {
		respondWithErr(w, fmt.Errorf("%w: module is required", workflow.ErrInvalidRequest))
		return
	}

	saved, err := s.engine.SaveWorkflowDefinition(r.Context(), def)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	logger.Info("workflow saved", zap.String("id", saved.ID), zap.String("by", user.ID))
	respondWithJSON(w, http.StatusOK, saved)
}
