package controllers

import "net/http"

// RegisterRoutes wires the HTTP routes for this controller.
func (c *WorkflowsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/workflows", c.handleStartWorkflow)
	mux.HandleFunc("GET /api/workflows", c.handleFindWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", c.handleGetWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/actions", c.handleSubmitAction)
	mux.HandleFunc("GET /api/workflows/{id}/timeline", c.handleGetTimeline)
	mux.HandleFunc("PUT /api/workflows/{id}/metadata", c.handleUpdateMetadata)
	mux.HandleFunc("POST /api/assignments/{id}/escalate", c.handleEscalateAssignment)
	mux.HandleFunc("GET /api/assignments/{id}/escalations", c.handleGetEscalations)
}

func (c *DefinitionsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/definitions", c.handleSaveDefinition)
	mux.HandleFunc("GET /api/definitions", c.handleListDefinitions)
}

func (c *NotificationsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/notifications", c.handleGetNotifications)
	mux.HandleFunc("POST /api/notifications/{id}/read", c.handleMarkRead)
}

func (c *CronController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/cron/workflow-deadline-check", RequireCronSecret(c.handleDeadlineCheck))
	mux.HandleFunc("GET /api/monitor/runs", RequireCronSecret(c.handleGetRuns))
}
