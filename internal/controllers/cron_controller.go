package controllers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/meridianqms/capaflow/internal/engine"
	"github.com/meridianqms/capaflow/internal/util"
)

// CronController exposes the deadline monitor to the external periodic
// trigger. It runs unattended, so every failure path answers JSON instead of
// letting the process crash.
type CronController struct {
	Monitor   *engine.Monitor
	Instances engine.InstanceRepo
	Runs      engine.MonitorRunRepo
}

func NewCronController(monitor *engine.Monitor, instances engine.InstanceRepo, runs engine.MonitorRunRepo) *CronController {
	return &CronController{Monitor: monitor, Instances: instances, Runs: runs}
}

type deadlineCheckResponse struct {
	Success     bool                     `json:"success"`
	Timestamp   string                   `json:"timestamp"`
	Escalation  engine.EscalationResult  `json:"escalation"`
	Approaching []engine.ApproachingItem `json:"approaching"`
	Stats       map[string]int           `json:"stats"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (c *CronController) handleDeadlineCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Deadline check panicked", "panic", rec)
			util.WriteJSONResponse(w, http.StatusInternalServerError,
				errorResponse{Success: false, Error: "internal error"})
		}
	}()

	result, err := c.Monitor.RunOnce(r.Context())
	if err != nil {
		slog.Error("Deadline check failed", "error", err)
		util.WriteJSONResponse(w, http.StatusInternalServerError,
			errorResponse{Success: false, Error: err.Error()})
		return
	}

	stats := map[string]int{}
	if counts, err := c.Instances.CountByStatus(); err != nil {
		slog.Error("Failed to load instance stats", "error", err)
	} else {
		for _, row := range counts {
			stats[string(row.Status)] = row.Count
		}
	}

	approaching := result.Approaching
	if approaching == nil {
		approaching = []engine.ApproachingItem{}
	}
	util.WriteJSONResponse(w, http.StatusOK, deadlineCheckResponse{
		Success:     true,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Escalation:  result.Escalation,
		Approaching: approaching,
		Stats:       stats,
	})
}

func (c *CronController) handleGetRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	runs, err := c.Runs.GetRecent(50)
	if err != nil {
		util.WriteJSONResponse(w, http.StatusInternalServerError,
			errorResponse{Success: false, Error: err.Error()})
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, runs)
}
