package controllers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/meridianqms/capaflow/internal/domain"
	"github.com/meridianqms/capaflow/internal/engine"
	"github.com/meridianqms/capaflow/internal/util"
)

type DefinitionsController struct {
	Definitions engine.DefinitionRepo
}

func NewDefinitionsController(definitions engine.DefinitionRepo) *DefinitionsController {
	return &DefinitionsController{Definitions: definitions}
}

type saveDefinitionRequest struct {
	Name       string       `json:"name"`
	EntityType string       `json:"entityType"`
	Version    int          `json:"version"`
	Graph      domain.Graph `json:"graph"`
}

func (c *DefinitionsController) handleSaveDefinition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req, err := util.DecodeJSONBody[saveDefinitionRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.EntityType == "" {
		http.Error(w, "name and entityType are required", http.StatusBadRequest)
		return
	}

	def := &domain.WorkflowDefinition{
		Name:       req.Name,
		EntityType: req.EntityType,
		Version:    req.Version,
		Graph:      req.Graph,
	}
	if err := c.Definitions.Save(def); err != nil {
		if errors.Is(err, domain.ErrInvalidGraph) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("Failed to save definition", "error", err, "name", req.Name)
		http.Error(w, "failed to save definition", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *DefinitionsController) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defs, err := c.Definitions.FindAll()
	if err != nil {
		http.Error(w, "failed to list definitions", http.StatusInternalServerError)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, defs)
}
