package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianqms/capaflow/internal/domain"
	"github.com/meridianqms/capaflow/internal/expr"
	"github.com/meridianqms/capaflow/pkg/capaflow/core"
)

// Engine advances workflow instances through their definition graph. All step
// moves are guarded by an optimistic check on the instance's modified
// timestamp; when two writers race, whichever commits first wins and the
// loser returns the fresh instance instead of an error.
type Engine struct {
	Definitions DefinitionRepo
	Instances   InstanceRepo
	Assignments AssignmentRepo
	Timeline    TimelineRepo
	Escalations EscalationRepo
	Users       UserRepo
	Notifier    Notifier
	conditions  *expr.Cache
	clock       core.Clock
}

func NewEngine(definitions DefinitionRepo, instances InstanceRepo, assignments AssignmentRepo,
	timeline TimelineRepo, escalations EscalationRepo, users UserRepo, notifier Notifier, clock core.Clock) *Engine {
	return &Engine{
		Definitions: definitions,
		Instances:   instances,
		Assignments: assignments,
		Timeline:    timeline,
		Escalations: escalations,
		Users:       users,
		Notifier:    notifier,
		conditions:  expr.NewCache(),
		clock:       clock,
	}
}

// StartWorkflow creates an Active instance at the definition's start node and
// immediately advances through the start edge and any chain of decision
// nodes. Decision nodes never hold a workflow: the returned instance sits at
// a process, approval or end node.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID int64, entityType, entityID string, metadata map[string]any, startedBy int64) (*domain.WorkflowInstance, error) {
	def, err := e.Definitions.FindByID(definitionID)
	if err != nil {
		return nil, err
	}
	start := def.Graph.StartNode()
	if start == nil {
		return nil, fmt.Errorf("%w: definition %s has no start node", domain.ErrInvalidGraph, def.Name)
	}

	wf := &domain.WorkflowInstance{
		DefinitionID:  def.ID,
		EntityType:    entityType,
		EntityID:      entityID,
		CurrentStepID: start.ID,
		Status:        domain.InstanceActive,
	}
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, err
		}
		wf.Metadata = sql.NullString{String: string(b), Valid: true}
	}

	id, err := e.Instances.Save(wf)
	if err != nil {
		return nil, err
	}
	wf, err = e.Instances.FindByID(id)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Starting workflow", "instance_id", wf.ID, "definition", def.Name, "entity_type", entityType, "entity_id", entityID)
	e.appendTimeline(wf.ID, start.ID, domain.ActionStart, startedBy, "workflow started")

	return e.advance(ctx, def, wf, start.ID, domain.HandleDone, startedBy)
}

// SubmitAction validates and applies a human action against the instance's
// current node. A timeline entry is appended even when the action turns out
// to be an idempotent no-op.
func (e *Engine) SubmitAction(ctx context.Context, instanceID int64, action domain.TimelineAction, performedBy int64, comment string) (*domain.WorkflowInstance, error) {
	wf, err := e.Instances.FindByID(instanceID)
	if err != nil {
		return nil, err
	}
	if wf.Status.Terminal() {
		return nil, fmt.Errorf("%w: instance %d is %s", ErrIllegalTransition, wf.ID, wf.Status)
	}
	def, err := e.Definitions.FindByID(wf.DefinitionID)
	if err != nil {
		return nil, err
	}
	node := def.Graph.Node(wf.CurrentStepID)
	if node == nil {
		return nil, fmt.Errorf("instance %d is at unknown node %s", wf.ID, wf.CurrentStepID)
	}

	slog.InfoContext(ctx, "Submitting action", "instance_id", wf.ID, "step_id", node.ID, "action", action, "performed_by", performedBy)

	if action == domain.ActionCancel {
		return e.cancel(ctx, wf, node, performedBy, comment)
	}

	switch node.Kind {
	case domain.NodeProcess:
		if action != domain.ActionComplete {
			return nil, fmt.Errorf("%w: process step %s expects %s, got %s", ErrIllegalTransition, node.ID, domain.ActionComplete, action)
		}
		return e.completeProcess(ctx, def, wf, node, performedBy, comment)
	case domain.NodeApproval:
		switch action {
		case domain.ActionApprove:
			return e.approve(ctx, def, wf, node, performedBy, comment)
		case domain.ActionReject:
			return e.reject(ctx, def, wf, node, performedBy, comment)
		default:
			return nil, fmt.Errorf("%w: approval step %s expects %s or %s, got %s", ErrIllegalTransition, node.ID, domain.ActionApprove, domain.ActionReject, action)
		}
	default:
		return nil, fmt.Errorf("%w: node %s (%s) accepts no user actions", ErrIllegalTransition, node.ID, node.Kind)
	}
}

// ManualEscalate reassigns an active assignment to the given user and records
// a MANUAL escalation, distinct from the deadline-driven kind.
func (e *Engine) ManualEscalate(ctx context.Context, assignmentID int64, targetUserID int64, performedBy int64, comment string) error {
	a, err := e.Assignments.FindByID(assignmentID)
	if err != nil {
		return err
	}
	changed, err := e.Assignments.MarkEscalated(a.ID, targetUserID)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("%w: assignment %d is %s", ErrIllegalTransition, a.ID, a.Status)
	}
	_, _ = e.Escalations.Save(&domain.EscalationLog{
		AssignmentID:  a.ID,
		EscalatedFrom: a.AssignedUserID,
		EscalatedTo:   targetUserID,
		Reason:        domain.ReasonManual,
		CreatedBy:     performedBy,
	})
	e.appendTimeline(a.InstanceID, a.StepID, domain.ActionEscalate, performedBy, comment)
	if e.Notifier != nil {
		e.Notifier.Notify(ctx, Event{
			UserID: targetUserID,
			Kind:   EventEscalated,
			Payload: map[string]any{
				"assignmentId": a.ID,
				"stepId":       a.StepID,
				"reason":       string(domain.ReasonManual),
			},
		})
	}
	return nil
}

func (e *Engine) completeProcess(ctx context.Context, def *domain.WorkflowDefinition, wf *domain.WorkflowInstance, node *domain.Node, performedBy int64, comment string) (*domain.WorkflowInstance, error) {
	own, noop, err := e.findOwnAssignment(wf, node, performedBy)
	if err != nil {
		return nil, err
	}
	if noop {
		e.appendTimeline(wf.ID, node.ID, domain.ActionComplete, performedBy, comment)
		return wf, nil
	}

	changed, err := e.Assignments.Complete(own.ID)
	if err != nil {
		return nil, err
	}
	e.appendTimeline(wf.ID, node.ID, domain.ActionComplete, performedBy, comment)
	if !changed {
		// someone else completed or the monitor escalated it away first
		return wf, nil
	}
	return e.advance(ctx, def, wf, node.ID, domain.HandleDone, performedBy)
}

func (e *Engine) approve(ctx context.Context, def *domain.WorkflowDefinition, wf *domain.WorkflowInstance, node *domain.Node, performedBy int64, comment string) (*domain.WorkflowInstance, error) {
	own, noop, err := e.findOwnAssignment(wf, node, performedBy)
	if err != nil {
		return nil, err
	}
	if noop {
		e.appendTimeline(wf.ID, node.ID, domain.ActionApprove, performedBy, comment)
		return wf, nil
	}

	changed, err := e.Assignments.Complete(own.ID)
	if err != nil {
		return nil, err
	}
	e.appendTimeline(wf.ID, node.ID, domain.ActionApprove, performedBy, comment)
	if !changed {
		return wf, nil
	}

	if node.Policy == domain.PolicyAny {
		if err := e.Assignments.SupersedePending(wf.ID, node.ID, own.ID); err != nil {
			return nil, err
		}
		return e.advance(ctx, def, wf, node.ID, domain.HandleApproved, performedBy)
	}

	remaining, err := e.Assignments.FindActiveByStep(wf.ID, node.ID)
	if err != nil {
		return nil, err
	}
	if len(remaining) > 0 {
		slog.InfoContext(ctx, "Approval recorded, waiting on remaining approvers",
			"instance_id", wf.ID, "step_id", node.ID, "remaining", len(remaining))
		return wf, nil
	}
	return e.advance(ctx, def, wf, node.ID, domain.HandleApproved, performedBy)
}

func (e *Engine) reject(ctx context.Context, def *domain.WorkflowDefinition, wf *domain.WorkflowInstance, node *domain.Node, performedBy int64, comment string) (*domain.WorkflowInstance, error) {
	own, noop, err := e.findOwnAssignment(wf, node, performedBy)
	if err != nil {
		return nil, err
	}
	if noop {
		e.appendTimeline(wf.ID, node.ID, domain.ActionReject, performedBy, comment)
		return wf, nil
	}

	changed, err := e.Assignments.Complete(own.ID)
	if err != nil {
		return nil, err
	}
	e.appendTimeline(wf.ID, node.ID, domain.ActionReject, performedBy, comment)
	if !changed {
		return wf, nil
	}

	// a single reject decides the step regardless of policy
	if err := e.Assignments.SupersedePending(wf.ID, node.ID, own.ID); err != nil {
		return nil, err
	}
	return e.advance(ctx, def, wf, node.ID, domain.HandleRejected, performedBy)
}

func (e *Engine) cancel(ctx context.Context, wf *domain.WorkflowInstance, node *domain.Node, performedBy int64, comment string) (*domain.WorkflowInstance, error) {
	allowed, err := e.mayCancel(wf, node, performedBy)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: user %d may not cancel instance %d", ErrNotAuthorized, performedBy, wf.ID)
	}
	if !e.Instances.UpdateStatus(wf.ID, domain.InstanceCancelled, wf.Modified) {
		return e.Instances.FindByID(wf.ID)
	}
	if err := e.Assignments.CancelActiveForInstance(wf.ID); err != nil {
		slog.ErrorContext(ctx, "Failed to cancel assignments", "error", err, "instance_id", wf.ID)
	}
	e.appendTimeline(wf.ID, node.ID, domain.ActionCancel, performedBy, comment)
	return e.Instances.FindByID(wf.ID)
}

// mayCancel restricts cancellation to the user who started the workflow or
// anyone holding an active assignment on the current step.
func (e *Engine) mayCancel(wf *domain.WorkflowInstance, node *domain.Node, performedBy int64) (bool, error) {
	all, err := e.Assignments.FindByStep(wf.ID, node.ID)
	if err != nil {
		return false, err
	}
	for i := range all {
		a := &all[i]
		if a.Status.Active() && e.assignmentMatches(a, performedBy) {
			return true, nil
		}
	}
	entries, err := e.Timeline.FindByInstance(wf.ID)
	if err != nil {
		return false, err
	}
	for _, entry := range *entries {
		if entry.Action == domain.ActionStart && entry.PerformedBy == performedBy {
			return true, nil
		}
	}
	return false, nil
}

// findOwnAssignment locates the performer's active assignment on the current
// step. The noop flag reports that the performer already acted (their
// assignment is terminal), which callers treat as an idempotent repeat.
func (e *Engine) findOwnAssignment(wf *domain.WorkflowInstance, node *domain.Node, performedBy int64) (*domain.StepAssignment, bool, error) {
	all, err := e.Assignments.FindByStep(wf.ID, node.ID)
	if err != nil {
		return nil, false, err
	}
	var done *domain.StepAssignment
	for i := range all {
		a := &all[i]
		if !e.assignmentMatches(a, performedBy) {
			continue
		}
		if a.Status.Active() {
			return a, false, nil
		}
		done = a
	}
	if done != nil {
		return nil, true, nil
	}
	return nil, false, fmt.Errorf("%w: user %d has no assignment on step %s", ErrNotAuthorized, performedBy, node.ID)
}

func (e *Engine) assignmentMatches(a *domain.StepAssignment, userID int64) bool {
	if a.AssignedUserID.Valid {
		return a.AssignedUserID.Int64 == userID
	}
	if a.AssignedRole == "" {
		return false
	}
	u, err := e.Users.FindByID(userID)
	if err != nil || u == nil {
		return false
	}
	return u.Role == a.AssignedRole
}

// advance follows the edge out of fromID via handle and enters the target
// node, looping synchronously through decision nodes.
func (e *Engine) advance(ctx context.Context, def *domain.WorkflowDefinition, wf *domain.WorkflowInstance, fromID, handle string, performedBy int64) (*domain.WorkflowInstance, error) {
	for {
		edge := def.Graph.OutEdge(fromID, handle)
		if edge == nil {
			return nil, fmt.Errorf("%w: no edge out of node %s via handle %q", domain.ErrInvalidGraph, fromID, handle)
		}
		target := def.Graph.Node(edge.TargetID)
		if target == nil {
			return nil, fmt.Errorf("%w: edge targets unknown node %s", domain.ErrInvalidGraph, edge.TargetID)
		}

		if !e.Instances.UpdateStep(wf.ID, target.ID, wf.Modified) {
			slog.WarnContext(ctx, "Lost step-move race, returning current state", "instance_id", wf.ID, "target", target.ID)
			return e.Instances.FindByID(wf.ID)
		}
		fresh, err := e.Instances.FindByID(wf.ID)
		if err != nil {
			return nil, err
		}
		wf = fresh
		slog.InfoContext(ctx, "Entered node", "instance_id", wf.ID, "step_id", target.ID, "kind", target.Kind)

		switch target.Kind {
		case domain.NodeProcess:
			if err := e.enterProcess(ctx, wf, target); err != nil {
				return nil, err
			}
			return wf, nil
		case domain.NodeApproval:
			if err := e.enterApproval(ctx, wf, target); err != nil {
				return nil, err
			}
			return wf, nil
		case domain.NodeDecision:
			result := e.evaluateDecision(ctx, wf, target)
			next := domain.HandleNo
			if result {
				next = domain.HandleYes
			}
			e.appendTimeline(wf.ID, target.ID, domain.ActionComplete, 0,
				fmt.Sprintf("condition routed %s", next))
			fromID, handle = target.ID, next
		case domain.NodeEnd:
			return e.enterEnd(ctx, wf, target, performedBy)
		default:
			return nil, fmt.Errorf("%w: cannot enter node %s of kind %s", domain.ErrInvalidGraph, target.ID, target.Kind)
		}
	}
}

func (e *Engine) enterProcess(ctx context.Context, wf *domain.WorkflowInstance, node *domain.Node) error {
	a := &domain.StepAssignment{
		InstanceID:   wf.ID,
		StepID:       node.ID,
		AssignedRole: node.AssignedRole,
		DeadlineAt:   e.deadlineFor(node),
		Status:       domain.AssignmentPending,
	}
	if _, err := e.Assignments.Create(a); err != nil {
		return err
	}
	e.appendTimeline(wf.ID, node.ID, domain.ActionAssign, 0,
		fmt.Sprintf("assigned to role %s", node.AssignedRole))
	return nil
}

func (e *Engine) enterApproval(ctx context.Context, wf *domain.WorkflowInstance, node *domain.Node) error {
	for _, approver := range node.Approvers {
		a := &domain.StepAssignment{
			InstanceID:     wf.ID,
			StepID:         node.ID,
			AssignedUserID: sql.NullInt64{Int64: approver, Valid: true},
			DeadlineAt:     e.deadlineFor(node),
			Status:         domain.AssignmentPending,
		}
		if _, err := e.Assignments.Create(a); err != nil {
			return err
		}
		if e.Notifier != nil {
			e.Notifier.Notify(ctx, Event{
				UserID:     approver,
				Kind:       EventAssignmentCreated,
				EntityType: wf.EntityType,
				EntityID:   wf.EntityID,
				Payload: map[string]any{
					"instanceId": wf.ID,
					"stepId":     node.ID,
					"stepLabel":  node.Label,
					"policy":     string(node.Policy),
				},
			})
		}
	}
	e.appendTimeline(wf.ID, node.ID, domain.ActionAssign, 0,
		fmt.Sprintf("awaiting %d approver(s), policy %s", len(node.Approvers), node.Policy))
	return nil
}

func (e *Engine) enterEnd(ctx context.Context, wf *domain.WorkflowInstance, node *domain.Node, performedBy int64) (*domain.WorkflowInstance, error) {
	if !e.Instances.UpdateStatus(wf.ID, node.Outcome, wf.Modified) {
		return e.Instances.FindByID(wf.ID)
	}
	e.appendTimeline(wf.ID, node.ID, domain.ActionComplete, performedBy,
		fmt.Sprintf("workflow %s", node.Outcome))

	if e.Notifier != nil && performedBy != 0 {
		kind := EventWorkflowCompleted
		if node.Outcome == domain.InstanceRejected {
			kind = EventWorkflowRejected
		}
		e.Notifier.Notify(ctx, Event{
			UserID:     performedBy,
			Kind:       kind,
			EntityType: wf.EntityType,
			EntityID:   wf.EntityID,
			Payload:    map[string]any{"instanceId": wf.ID},
		})
	}
	return e.Instances.FindByID(wf.ID)
}

// evaluateDecision never fails: unparsable conditions or missing metadata
// route to the no-handle so incomplete data cannot wedge an instance.
func (e *Engine) evaluateDecision(ctx context.Context, wf *domain.WorkflowInstance, node *domain.Node) bool {
	parsed, err := e.conditions.Get(node.ID, node.Condition)
	if err != nil {
		slog.ErrorContext(ctx, "Decision condition failed to parse", "error", err, "step_id", node.ID)
		return false
	}
	return parsed.Eval(e.metadataOf(wf))
}

func (e *Engine) metadataOf(wf *domain.WorkflowInstance) map[string]any {
	meta := map[string]any{}
	if wf.Metadata.Valid && wf.Metadata.String != "" {
		if err := json.Unmarshal([]byte(wf.Metadata.String), &meta); err != nil {
			slog.Warn("Instance metadata is not valid JSON", "instance_id", wf.ID, "error", err)
		}
	}
	return meta
}

func (e *Engine) deadlineFor(node *domain.Node) sql.NullTime {
	if node.DeadlineHours <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{
		Time:  e.clock.Now().UTC().Add(time.Duration(node.DeadlineHours) * time.Hour),
		Valid: true,
	}
}

func (e *Engine) appendTimeline(instanceID int64, stepID string, action domain.TimelineAction, performedBy int64, comment string) {
	_, _ = e.Timeline.Save(&domain.TimelineEntry{
		InstanceID:  instanceID,
		StepID:      stepID,
		Action:      action,
		PerformedBy: performedBy,
		Comment:     comment,
	})
}
