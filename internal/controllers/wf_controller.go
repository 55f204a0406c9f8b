package controllers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/meridianqms/capaflow/internal/domain"
	"github.com/meridianqms/capaflow/internal/engine"
	"github.com/meridianqms/capaflow/internal/util"
)

// WorkflowsController holds dependencies for the workflow HTTP endpoints.
type WorkflowsController struct {
	Engine      *engine.Engine
	Definitions engine.DefinitionRepo
	Instances   engine.InstanceRepo
	Timeline    engine.TimelineRepo
	Escalations engine.EscalationRepo
}

func NewWorkflowsController(eng *engine.Engine, definitions engine.DefinitionRepo,
	instances engine.InstanceRepo, timeline engine.TimelineRepo, escalations engine.EscalationRepo) *WorkflowsController {
	return &WorkflowsController{Engine: eng, Definitions: definitions, Instances: instances, Timeline: timeline, Escalations: escalations}
}

type startWorkflowRequest struct {
	DefinitionID   int64          `json:"definitionId"`
	DefinitionName string         `json:"definitionName"`
	EntityType     string         `json:"entityType"`
	EntityID       string         `json:"entityId"`
	Metadata       map[string]any `json:"metadata"`
	StartedBy      int64          `json:"startedBy"`
}

type submitActionRequest struct {
	Action      string `json:"action"`
	PerformedBy int64  `json:"performedBy"`
	Comment     string `json:"comment"`
}

type instanceResponse struct {
	ID            int64  `json:"id"`
	DefinitionID  int64  `json:"definitionId"`
	EntityType    string `json:"entityType"`
	EntityID      string `json:"entityId"`
	CurrentStepID string `json:"currentStepId"`
	Status        string `json:"status"`
	Metadata      string `json:"metadata,omitempty"`
	Created       string `json:"created"`
	Modified      string `json:"modified"`
}

func (c *WorkflowsController) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req, err := util.DecodeJSONBody[startWorkflowRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if req.EntityType == "" || req.EntityID == "" {
		http.Error(w, "entityType and entityId are required", http.StatusBadRequest)
		return
	}

	definitionID := req.DefinitionID
	if definitionID == 0 && req.DefinitionName != "" {
		def, err := c.Definitions.FindByName(req.DefinitionName)
		if err != nil {
			http.Error(w, "definition not found", http.StatusNotFound)
			return
		}
		definitionID = def.ID
	}
	if definitionID == 0 {
		http.Error(w, "definitionId or definitionName is required", http.StatusBadRequest)
		return
	}

	wf, err := c.Engine.StartWorkflow(r.Context(), definitionID, req.EntityType, req.EntityID, req.Metadata, req.StartedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "definition not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to start workflow", "error", err)
		http.Error(w, "failed to start workflow", http.StatusInternalServerError)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, mapInstance(wf))
}

func (c *WorkflowsController) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := util.DecodeJSONBody[submitActionRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if req.Action == "" || req.PerformedBy == 0 {
		http.Error(w, "action and performedBy are required", http.StatusBadRequest)
		return
	}

	wf, err := c.Engine.SubmitAction(r.Context(), id, domain.TimelineAction(req.Action), req.PerformedBy, req.Comment)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			http.Error(w, "workflow not found", http.StatusNotFound)
		case errors.Is(err, engine.ErrIllegalTransition):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, engine.ErrNotAuthorized):
			http.Error(w, err.Error(), http.StatusForbidden)
		default:
			slog.Error("Failed to submit action", "error", err, "instance_id", id)
			http.Error(w, "failed to submit action", http.StatusInternalServerError)
		}
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, mapInstance(wf))
}

func (c *WorkflowsController) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	wf, err := c.Instances.FindByID(id)
	if err != nil {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, mapInstance(wf))
}

// handleFindWorkflow answers entity lookups: the latest instance bound to the
// given entity reference.
func (c *WorkflowsController) handleFindWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	entityType := r.URL.Query().Get("entityType")
	entityID := r.URL.Query().Get("entityId")
	if entityType == "" || entityID == "" {
		http.Error(w, "entityType and entityId are required", http.StatusBadRequest)
		return
	}
	wf, err := c.Instances.FindByEntity(entityType, entityID)
	if err != nil {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, mapInstance(wf))
}

// handleUpdateMetadata replaces the instance metadata document. Conditions on
// decision nodes evaluate whatever is stored here at the time of the hop.
func (c *WorkflowsController) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	meta, err := util.DecodeJSONBody[map[string]any](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	wf, err := c.Instances.FindByID(id)
	if err != nil {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}
	if wf.Status.Terminal() {
		http.Error(w, "workflow is no longer active", http.StatusBadRequest)
		return
	}
	b, err := json.Marshal(meta)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if err := c.Instances.SaveMetadata(id, string(b)); err != nil {
		slog.Error("Failed to save metadata", "error", err, "instance_id", id)
		http.Error(w, "failed to save metadata", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *WorkflowsController) handleGetTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	entries, err := c.Timeline.FindByInstance(id)
	if err != nil {
		http.Error(w, "failed to load timeline", http.StatusInternalServerError)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, entries)
}

type escalateRequest struct {
	TargetUserID int64  `json:"targetUserId"`
	PerformedBy  int64  `json:"performedBy"`
	Comment      string `json:"comment"`
}

func (c *WorkflowsController) handleEscalateAssignment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := util.DecodeJSONBody[escalateRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if req.TargetUserID == 0 {
		http.Error(w, "targetUserId is required", http.StatusBadRequest)
		return
	}
	if err := c.Engine.ManualEscalate(r.Context(), id, req.TargetUserID, req.PerformedBy, req.Comment); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			http.Error(w, "assignment not found", http.StatusNotFound)
		case errors.Is(err, engine.ErrIllegalTransition):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			slog.Error("Failed to escalate assignment", "error", err, "assignment_id", id)
			http.Error(w, "failed to escalate", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *WorkflowsController) handleGetEscalations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	logs, err := c.Escalations.FindByAssignment(id)
	if err != nil {
		http.Error(w, "failed to load escalations", http.StatusInternalServerError)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, logs)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	idStr := r.PathValue("id")
	if idStr == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return 0, false
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "id is an integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func mapInstance(wf *domain.WorkflowInstance) instanceResponse {
	resp := instanceResponse{
		ID:            wf.ID,
		DefinitionID:  wf.DefinitionID,
		EntityType:    wf.EntityType,
		EntityID:      wf.EntityID,
		CurrentStepID: wf.CurrentStepID,
		Status:        string(wf.Status),
		Created:       wf.Created.UTC().Format(time.RFC3339),
		Modified:      wf.Modified.UTC().Format(time.RFC3339),
	}
	if wf.Metadata.Valid {
		resp.Metadata = wf.Metadata.String
	}
	return resp
}
