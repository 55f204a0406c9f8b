package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/meridianqms/capaflow/internal/domain"
	"github.com/meridianqms/capaflow/pkg/capaflow/core"
)

// Monitor is the periodic sweep that turns passive overdue state into active
// escalation. It is stateless between invocations; everything it needs lives
// in the assignment store.
type Monitor struct {
	Assignments AssignmentRepo
	Escalations EscalationRepo
	Timeline    TimelineRepo
	Runs        MonitorRunRepo
	Resolver    EscalationResolver
	Notifier    Notifier
	clock       core.Clock
	window      time.Duration
}

func NewMonitor(assignments AssignmentRepo, escalations EscalationRepo, timeline TimelineRepo,
	runs MonitorRunRepo, resolver EscalationResolver, notifier Notifier, clock core.Clock, window time.Duration) *Monitor {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Monitor{
		Assignments: assignments,
		Escalations: escalations,
		Timeline:    timeline,
		Runs:        runs,
		Resolver:    resolver,
		Notifier:    notifier,
		clock:       clock,
		window:      window,
	}
}

type EscalationResult struct {
	Total     int `json:"total"`
	Escalated int `json:"escalated"`
	Failed    int `json:"failed"`
}

type ApproachingItem struct {
	Assignment     domain.StepAssignment `json:"-"`
	AssignmentID   int64                 `json:"assignmentId"`
	InstanceID     int64                 `json:"instanceId"`
	StepID         string                `json:"stepId"`
	HoursRemaining float64               `json:"hoursRemaining"`
}

type MonitorResult struct {
	RunID       string
	Escalation  EscalationResult
	Approaching []ApproachingItem
}

// RunOnce performs one sweep: escalate overdue assignments in deadline order,
// then emit advisory warnings for deadlines inside the window. A failure on
// one assignment never aborts the rest; failures are counted and logged in
// aggregate.
func (m *Monitor) RunOnce(ctx context.Context) (MonitorResult, error) {
	started := m.clock.Now().UTC()
	result := MonitorResult{RunID: uuid.NewString()}
	slog.InfoContext(ctx, "Deadline sweep starting", "run_id", result.RunID)

	overdue, err := m.Assignments.ListOverdue(started)
	if err != nil {
		return result, err
	}
	result.Escalation.Total = len(overdue)

	var sweepErrs *multierror.Error
	for i := range overdue {
		escalated, err := m.escalateOne(ctx, &overdue[i], result.RunID)
		if err != nil {
			result.Escalation.Failed++
			sweepErrs = multierror.Append(sweepErrs, err)
			continue
		}
		if escalated {
			result.Escalation.Escalated++
		}
	}
	if sweepErrs.ErrorOrNil() != nil {
		slog.ErrorContext(ctx, "Escalations failed during sweep",
			"run_id", result.RunID, "failed", result.Escalation.Failed, "error", sweepErrs)
	}

	approaching, err := m.Assignments.ListApproaching(started, m.window)
	if err != nil {
		return result, err
	}
	for _, a := range approaching {
		hours := a.DeadlineAt.Time.Sub(started).Hours()
		result.Approaching = append(result.Approaching, ApproachingItem{
			Assignment:     a,
			AssignmentID:   a.ID,
			InstanceID:     a.InstanceID,
			StepID:         a.StepID,
			HoursRemaining: hours,
		})
		if m.Notifier != nil && a.AssignedUserID.Valid {
			m.Notifier.Notify(ctx, Event{
				UserID: a.AssignedUserID.Int64,
				Kind:   EventDeadlineApproaching,
				Payload: map[string]any{
					"assignmentId":   a.ID,
					"instanceId":     a.InstanceID,
					"stepId":         a.StepID,
					"hoursRemaining": hours,
				},
			})
		}
	}

	if m.Runs != nil {
		_, _ = m.Runs.Save(&domain.MonitorRun{
			RunID:       result.RunID,
			Started:     started,
			Finished:    m.clock.Now().UTC(),
			Total:       result.Escalation.Total,
			Escalated:   result.Escalation.Escalated,
			Failed:      result.Escalation.Failed,
			Approaching: len(result.Approaching),
		})
	}

	slog.InfoContext(ctx, "Deadline sweep finished", "run_id", result.RunID,
		"total", result.Escalation.Total, "escalated", result.Escalation.Escalated,
		"failed", result.Escalation.Failed, "approaching", len(result.Approaching))
	return result, nil
}

// escalateOne handles a single overdue assignment. Returns false with a nil
// error when the assignment changed state under us (a racing completion
// wins; the escalation becomes a no-op).
func (m *Monitor) escalateOne(ctx context.Context, a *domain.StepAssignment, runID string) (bool, error) {
	var assignee int64
	if a.AssignedUserID.Valid {
		assignee = a.AssignedUserID.Int64
	}

	target, err := m.Resolver.ResolveEscalationTarget(assignee)
	if err != nil {
		m.parkOverdue(a)
		return false, fmt.Errorf("assignment %d: resolving escalation target: %w", a.ID, err)
	}
	if target == 0 {
		m.parkOverdue(a)
		return false, fmt.Errorf("assignment %d: no escalation target for user %d", a.ID, assignee)
	}

	changed, err := m.Assignments.MarkEscalated(a.ID, target)
	if err != nil {
		return false, fmt.Errorf("assignment %d: marking escalated: %w", a.ID, err)
	}
	if !changed {
		slog.InfoContext(ctx, "Assignment no longer pending, skipping escalation", "assignment_id", a.ID)
		return false, nil
	}

	meta, _ := json.Marshal(map[string]any{
		"runId":      runID,
		"deadlineAt": a.DeadlineAt.Time.UTC().Format(time.RFC3339),
	})
	_, _ = m.Escalations.Save(&domain.EscalationLog{
		AssignmentID:  a.ID,
		EscalatedFrom: a.AssignedUserID,
		EscalatedTo:   target,
		Reason:        domain.ReasonDeadlineExceeded,
		Metadata:      nullString(string(meta)),
	})
	_, _ = m.Timeline.Save(&domain.TimelineEntry{
		InstanceID: a.InstanceID,
		StepID:     a.StepID,
		Action:     domain.ActionEscalate,
		Comment:    fmt.Sprintf("deadline exceeded, escalated to user %d", target),
	})
	if m.Notifier != nil {
		m.Notifier.Notify(ctx, Event{
			UserID: target,
			Kind:   EventEscalated,
			Payload: map[string]any{
				"assignmentId": a.ID,
				"instanceId":   a.InstanceID,
				"stepId":       a.StepID,
				"reason":       string(domain.ReasonDeadlineExceeded),
			},
		})
	}
	return true, nil
}

// parkOverdue moves an unescalatable assignment out of Pending so the next
// sweep does not retry it forever.
func (m *Monitor) parkOverdue(a *domain.StepAssignment) {
	if _, err := m.Assignments.MarkOverdue(a.ID); err != nil {
		slog.Error("Failed to mark assignment overdue", "error", err, "assignment_id", a.ID)
	}
}

// Schedule registers RunOnce with an in-process cron scheduler and starts it.
// The returned cron can be stopped on shutdown.
func (m *Monitor) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if _, err := m.RunOnce(context.Background()); err != nil {
			slog.Error("Scheduled deadline sweep failed", "error", err)
		}
	}); err != nil {
		return nil, err
	}
	c.Start()
	slog.Info("Deadline monitor scheduled", "spec", spec)
	return c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
