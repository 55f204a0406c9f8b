package engine

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/meridianqms/capaflow/internal/domain"
	"github.com/meridianqms/capaflow/internal/repository"
)

// In-memory fakes backing the engine tests. They reproduce the optimistic
// locking behaviour of the SQL repositories: step and status moves only apply
// when the caller holds the row's current modified timestamp.

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memInstanceRepo struct {
	mu             sync.Mutex
	seq            int64
	modSeq         int64
	rows           map[int64]*domain.WorkflowInstance
	clock          *fakeClock
	failUpdateStep bool
}

func newMemInstanceRepo(clock *fakeClock) *memInstanceRepo {
	return &memInstanceRepo{rows: map[int64]*domain.WorkflowInstance{}, clock: clock}
}

// bump produces a strictly increasing modified timestamp even when the fake
// clock stands still, so the CAS check stays meaningful.
func (r *memInstanceRepo) bump() time.Time {
	r.modSeq++
	return r.clock.Now().Add(time.Duration(r.modSeq) * time.Millisecond)
}

func (r *memInstanceRepo) Save(wf *domain.WorkflowInstance) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	cp := *wf
	cp.ID = r.seq
	cp.Created = r.clock.Now()
	cp.Modified = r.bump()
	r.rows[cp.ID] = &cp
	return cp.ID, nil
}

func (r *memInstanceRepo) FindByID(id int64) (*domain.WorkflowInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *row
	return &cp, nil
}

func (r *memInstanceRepo) FindByEntity(entityType, entityID string) (*domain.WorkflowInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *domain.WorkflowInstance
	for _, row := range r.rows {
		if row.EntityType == entityType && row.EntityID == entityID {
			if latest == nil || row.ID > latest.ID {
				latest = row
			}
		}
	}
	if latest == nil {
		return nil, sql.ErrNoRows
	}
	cp := *latest
	return &cp, nil
}

func (r *memInstanceRepo) UpdateStep(id int64, stepID string, modified time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdateStep {
		return false
	}
	row, ok := r.rows[id]
	if !ok || !row.Modified.Equal(modified) || row.Status != domain.InstanceActive {
		return false
	}
	row.CurrentStepID = stepID
	row.Modified = r.bump()
	return true
}

func (r *memInstanceRepo) UpdateStatus(id int64, status domain.InstanceStatus, modified time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || !row.Modified.Equal(modified) || row.Status != domain.InstanceActive {
		return false
	}
	row.Status = status
	row.Modified = r.bump()
	return true
}

func (r *memInstanceRepo) SaveMetadata(id int64, metadata string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return sql.ErrNoRows
	}
	row.Metadata = sql.NullString{String: metadata, Valid: true}
	return nil
}

func (r *memInstanceRepo) CountByStatus() ([]repository.StatusCountRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[domain.InstanceStatus]int{}
	for _, row := range r.rows {
		counts[row.Status]++
	}
	var out []repository.StatusCountRow
	for status, n := range counts {
		out = append(out, repository.StatusCountRow{Status: status, Count: n})
	}
	return out, nil
}

type memAssignmentRepo struct {
	mu    sync.Mutex
	seq   int64
	rows  map[int64]*domain.StepAssignment
	order []int64
}

func newMemAssignmentRepo() *memAssignmentRepo {
	return &memAssignmentRepo{rows: map[int64]*domain.StepAssignment{}}
}

func (r *memAssignmentRepo) Create(a *domain.StepAssignment) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	cp := *a
	cp.ID = r.seq
	r.rows[cp.ID] = &cp
	r.order = append(r.order, cp.ID)
	return cp.ID, nil
}

func (r *memAssignmentRepo) FindByID(id int64) (*domain.StepAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *row
	return &cp, nil
}

func (r *memAssignmentRepo) FindByStep(instanceID int64, stepID string) ([]domain.StepAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.StepAssignment
	for _, id := range r.order {
		row := r.rows[id]
		if row.InstanceID == instanceID && row.StepID == stepID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *memAssignmentRepo) FindActiveByStep(instanceID int64, stepID string) ([]domain.StepAssignment, error) {
	all, _ := r.FindByStep(instanceID, stepID)
	var out []domain.StepAssignment
	for _, a := range all {
		if a.Status.Active() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memAssignmentRepo) Complete(id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || !row.Status.Active() {
		return false, nil
	}
	row.Status = domain.AssignmentCompleted
	return true, nil
}

func (r *memAssignmentRepo) MarkEscalated(id int64, toUserID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != domain.AssignmentPending {
		return false, nil
	}
	row.Status = domain.AssignmentEscalated
	row.AssignedUserID = sql.NullInt64{Int64: toUserID, Valid: true}
	return true, nil
}

func (r *memAssignmentRepo) MarkOverdue(id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != domain.AssignmentPending {
		return false, nil
	}
	row.Status = domain.AssignmentOverdue
	return true, nil
}

func (r *memAssignmentRepo) SupersedePending(instanceID int64, stepID string, exceptID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.InstanceID == instanceID && row.StepID == stepID && row.ID != exceptID && row.Status.Active() {
			row.Status = domain.AssignmentSuperseded
		}
	}
	return nil
}

func (r *memAssignmentRepo) CancelActiveForInstance(instanceID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.InstanceID == instanceID && row.Status.Active() {
			row.Status = domain.AssignmentCancelled
		}
	}
	return nil
}

func (r *memAssignmentRepo) ListOverdue(now time.Time) ([]domain.StepAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.StepAssignment
	for _, id := range r.order {
		row := r.rows[id]
		if row.Status == domain.AssignmentPending && row.DeadlineAt.Valid && !row.DeadlineAt.Time.After(now) {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadlineAt.Time.Before(out[j].DeadlineAt.Time) })
	return out, nil
}

func (r *memAssignmentRepo) ListApproaching(now time.Time, window time.Duration) ([]domain.StepAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit := now.Add(window)
	var out []domain.StepAssignment
	for _, id := range r.order {
		row := r.rows[id]
		if row.Status == domain.AssignmentPending && row.DeadlineAt.Valid &&
			row.DeadlineAt.Time.After(now) && !row.DeadlineAt.Time.After(limit) {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadlineAt.Time.Before(out[j].DeadlineAt.Time) })
	return out, nil
}

type memTimelineRepo struct {
	mu      sync.Mutex
	seq     int64
	entries []domain.TimelineEntry
}

func (r *memTimelineRepo) Save(e *domain.TimelineEntry) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	cp := *e
	cp.ID = r.seq
	r.entries = append(r.entries, cp)
	return cp.ID, nil
}

func (r *memTimelineRepo) FindByInstance(instanceID int64) (*[]domain.TimelineEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TimelineEntry
	for _, e := range r.entries {
		if e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	return &out, nil
}

type memEscalationRepo struct {
	mu   sync.Mutex
	seq  int64
	logs []domain.EscalationLog
}

func (r *memEscalationRepo) Save(e *domain.EscalationLog) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	cp := *e
	cp.ID = r.seq
	r.logs = append(r.logs, cp)
	return cp.ID, nil
}

func (r *memEscalationRepo) FindByAssignment(assignmentID int64) (*[]domain.EscalationLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EscalationLog
	for _, l := range r.logs {
		if l.AssignmentID == assignmentID {
			out = append(out, l)
		}
	}
	return &out, nil
}

type memDefinitionRepo struct {
	defs map[int64]*domain.WorkflowDefinition
}

func (r *memDefinitionRepo) Save(def *domain.WorkflowDefinition) error { return nil }

func (r *memDefinitionRepo) FindByID(id int64) (*domain.WorkflowDefinition, error) {
	def, ok := r.defs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return def, nil
}

func (r *memDefinitionRepo) FindByName(name string) (*domain.WorkflowDefinition, error) {
	for _, def := range r.defs {
		if def.Name == name {
			return def, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *memDefinitionRepo) FindAll() (*[]domain.WorkflowDefinition, error) {
	var out []domain.WorkflowDefinition
	for _, def := range r.defs {
		out = append(out, *def)
	}
	return &out, nil
}

type memUserRepo struct {
	users map[int64]*domain.OrgUser
}

func (r *memUserRepo) FindByID(id int64) (*domain.OrgUser, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return u, nil
}

type memNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *memNotifier) Notify(ctx context.Context, event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *memNotifier) ofKind(kind EventKind) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, e := range n.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// findingDefinition mirrors a real finding-review workflow: a risk decision
// routes high findings through a two-person approval and low findings through
// a single remediation step.
func findingDefinition(policy domain.ApprovalPolicy) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:         1,
		Name:       "finding-review",
		EntityType: "FINDING",
		Version:    1,
		Graph: domain.Graph{
			Nodes: []domain.Node{
				{ID: "start", Kind: domain.NodeStart},
				{ID: "triage", Kind: domain.NodeDecision, Condition: "riskLevel === 'high'"},
				{ID: "review", Kind: domain.NodeApproval, Label: "Management review", Approvers: []int64{101, 102}, Policy: policy, DeadlineHours: 24},
				{ID: "fix", Kind: domain.NodeProcess, Label: "Remediate", AssignedRole: "QUALITY_MANAGER", DeadlineHours: 48},
				{ID: "done", Kind: domain.NodeEnd, Outcome: domain.InstanceCompleted},
				{ID: "declined", Kind: domain.NodeEnd, Outcome: domain.InstanceRejected},
			},
			Edges: []domain.Edge{
				{SourceID: "start", Handle: domain.HandleDone, TargetID: "triage"},
				{SourceID: "triage", Handle: domain.HandleYes, TargetID: "review"},
				{SourceID: "triage", Handle: domain.HandleNo, TargetID: "fix"},
				{SourceID: "review", Handle: domain.HandleApproved, TargetID: "done"},
				{SourceID: "review", Handle: domain.HandleRejected, TargetID: "declined"},
				{SourceID: "fix", Handle: domain.HandleDone, TargetID: "done"},
			},
		},
	}
}

type engineFixture struct {
	engine      *Engine
	instances   *memInstanceRepo
	assignments *memAssignmentRepo
	timeline    *memTimelineRepo
	escalations *memEscalationRepo
	notifier    *memNotifier
	clock       *fakeClock
}

func newEngineFixture(def *domain.WorkflowDefinition) *engineFixture {
	clock := newFakeClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	instances := newMemInstanceRepo(clock)
	assignments := newMemAssignmentRepo()
	timeline := &memTimelineRepo{}
	escalations := &memEscalationRepo{}
	users := &memUserRepo{users: map[int64]*domain.OrgUser{
		7:   {ID: 7, Username: "qmanager", Role: "QUALITY_MANAGER", Enabled: true},
		101: {ID: 101, Username: "alice", Role: "AUDITOR", Enabled: true},
		102: {ID: 102, Username: "bob", Role: "AUDITOR", Enabled: true},
	}}
	notifier := &memNotifier{}
	eng := NewEngine(&memDefinitionRepo{defs: map[int64]*domain.WorkflowDefinition{def.ID: def}},
		instances, assignments, timeline, escalations, users, notifier, clock)
	return &engineFixture{
		engine:      eng,
		instances:   instances,
		assignments: assignments,
		timeline:    timeline,
		escalations: escalations,
		notifier:    notifier,
		clock:       clock,
	}
}

func TestStartWorkflow_HighRiskRoutesToApproval(t *testing.T) {
	f := newEngineFixture(findingDefinition(domain.PolicyAny))

	wf, err := f.engine.StartWorkflow(context.Background(), 1, "FINDING", "F-100",
		map[string]any{"riskLevel": "high"}, 7)
	if err != nil {
		t.Fatalf("StartWorkflow returned error: %v", err)
	}
	if wf.CurrentStepID != "review" {
		t.Errorf("Expected instance at review, got %s", wf.CurrentStepID)
	}
	if wf.Status != domain.InstanceActive {
		t.Errorf("Expected ACTIVE status, got %s", wf.Status)
	}

	active, _ := f.assignments.FindActiveByStep(wf.ID, "review")
	if len(active) != 2 {
		t.Fatalf("Expected 2 pending approver assignments, got %d", len(active))
	}
	for _, a := range active {
		if !a.DeadlineAt.Valid {
			t.Error("Expected approval assignment to carry a deadline")
		}
	}

	if got := f.notifier.ofKind(EventAssignmentCreated); len(got) != 2 {
		t.Errorf("Expected 2 assignment notifications, got %d", len(got))
	}

	// the decision hop is audited as a system action
	entries, _ := f.timeline.FindByInstance(wf.ID)
	var decided bool
	for _, e := range *entries {
		if e.StepID == "triage" && e.PerformedBy == 0 {
			decided = true
		}
	}
	if !decided {
		t.Error("Expected a system timeline entry for the decision hop")
	}
}

func TestStartWorkflow_LowRiskRoutesToProcess(t *testing.T) {
	f := newEngineFixture(findingDefinition(domain.PolicyAny))

	wf, err := f.engine.StartWorkflow(context.Background(), 1, "FINDING", "F-101",
		map[string]any{"riskLevel": "low"}, 7)
	if err != nil {
		t.Fatalf("StartWorkflow returned error: %v", err)
	}
	if wf.CurrentStepID != "fix" {
		t.Errorf("Expected instance at fix, got %s", wf.CurrentStepID)
	}

	active, _ := f.assignments.FindActiveByStep(wf.ID, "fix")
	if len(active) != 1 {
		t.Fatalf("Expected 1 role assignment, got %d", len(active))
	}
	a := active[0]
	if a.AssignedRole != "QUALITY_MANAGER" {
		t.Errorf("Expected QUALITY_MANAGER role, got %s", a.AssignedRole)
	}
	wantDeadline := f.clock.Now().UTC().Add(48 * time.Hour)
	if !a.DeadlineAt.Valid || !a.DeadlineAt.Time.Equal(wantDeadline) {
		t.Errorf("Expected deadline %v, got %v", wantDeadline, a.DeadlineAt)
	}
}

func TestStartWorkflow_MissingMetadataRoutesNo(t *testing.T) {
	f := newEngineFixture(findingDefinition(domain.PolicyAny))

	wf, err := f.engine.StartWorkflow(context.Background(), 1, "FINDING", "F-102", nil, 7)
	if err != nil {
		t.Fatalf("StartWorkflow returned error: %v", err)
	}
	if wf.CurrentStepID != "fix" {
		t.Errorf("Expected missing metadata to route via the no handle, got %s", wf.CurrentStepID)
	}
}

func TestApprove_AnyPolicySupersedesSiblings(t *testing.T) {
	f := newEngineFixture(findingDefinition(domain.PolicyAny))
	wf, _ := f.engine.StartWorkflow(context.Background(), 1, "FINDING", "F-103",
		map[string]any{"riskLevel": "high"}, 7)

	wf, err := f.engine.SubmitAction(context.Background(), wf.ID, domain.ActionApprove, 101, "looks good")
	if err != nil {
		t.Fatalf("SubmitAction returned error: %v", err)
	}
	if wf.Status != domain.InstanceCompleted {
		t.Errorf("Expected COMPLETED after first approval, got %s", wf.Status)
	}

	all, _ := f.assignments.FindByStep(wf.ID, "review")
	statuses := map[domain.AssignmentStatus]int{}
	for _, a := range all {
		statuses[a.Status]++
	}
	if statuses[domain.AssignmentCompleted] != 1 || statuses[domain.AssignmentSuperseded] != 1 {
		t.Errorf("Expected 1 completed and 1 superseded assignment, got %v", statuses)
	}
}

func TestApprove_AllPolicyWaitsForEveryApprover(t *testing.T) {
	f := newEngineFixture(findingDefinition(domain.PolicyAll))
	wf, _ := f.engine.StartWorkflow(context.Background(), 1, "FINDING", "F-104",
		map[string]any{"riskLevel": "high"}, 7)

	wf, err := f.engine.SubmitAction(context.Background(), wf.ID, domain.ActionApprove, 101, "")
	if err != nil {
		t.Fatalf("First approval returned error: %v", err)
	}
	if wf.Status != domain.InstanceActive || wf.CurrentStepID != "review" {
		t.Fatalf("Expected instance still at review after first of two approvals, got %s/%s", wf.Status, wf.CurrentStepID)
	}

	wf, err = f.engine.SubmitAction(context.Background(), wf.ID, domain.ActionApprove, 102, "")
	if err != nil {
		t.Fatalf("Second approval returned error: %v", err)
	}
	if wf.Status != domain.InstanceCompleted {
		t.Errorf("Expected COMPLETED after all approvals, got %s", wf.Status)
	}
}

func TestApprove_RepeatIsIdempotent(t *testing.T) {
	f := newEngineFixture(findingDefinition(domain.PolicyAll))
	wf, _ := f.engine.StartWorkflow(context.Background(), 1, "FINDING", "F-105",
		map[string]any{"riskLevel": "high"}, 7)

	if _, err := f.engine.SubmitAction(context.Background(), wf.ID, domain.ActionApprove, 101, ""); err != nil {
		t.Fatalf("First approval returned error: %v", err)
	}
	again, err := f.engine.SubmitAction(context.Background(), wf.ID, domain.ActionApprove, 101, "still approved")
	if err != nil {
		t.Fatalf("Repeated approval should be a no-op, got error: %v", err)
	}
	if again.CurrentStepID != "review" || again.Status != domain.InstanceActive {
		t.Errorf("Repeated approval must not move the instance, got %s/%s", again.Status, again.CurrentStepID)
	}

	// both submissions are audited
	entries, _ := f.timeline.FindByInstance(wf.ID)
	approvals := 0
	for _, e := range *entries {
		if e.Action == domain.ActionApprove && e.PerformedBy == 101 {
			approvals++
		}
	}
	if approvals != 2 {
		t.Errorf("Expected 2 approve timeline entries, got %d", approvals)
	}
}

func TestReject_RoutesToRejectedEnd(t *testing.T) {
	f := newEngineFixture(findingDefinition(domain.PolicyAll))
	wf, _ := f.engine.StartWorkflow(context.Background(), 1, "FINDING", "F-106",
		map[string]any{"riskLevel": "high"}, 7)

	wf, err := f.engine.SubmitAction(context.Background(), wf.ID, domain.ActionReject, 102, "insufficient evidence")
	if err != nil {
		t.Fatalf("SubmitAction returned error: %v", err)
	}
	if wf.Status != domain.InstanceRejected {
		t.Errorf("Expected REJECTED after single rejection, got %s", wf.Status)
	}

	all, _ := f.assignments.FindByStep(wf.ID, "review")
	for _, a := range all {
		if a.AssignedUserID.Int64 == 101 && a.Status != domain.AssignmentSuperseded {
			t.Errorf("Expected sibling assignment superseded, got %s", a.Status)
		}
	}
	if got := f.notifier.ofKind(EventWorkflowRejected); len(got) != 1 {
		t.Errorf("Expected 1 rejection notification, got %d", len(got))
	}
}

func TestCompleteProcess_RoleMatch(t *testing.T) {
	f := newEngineFixture(findingDefinition(domain.PolicyAny))
	wf, _ := f.engine.StartWorkflow(context.Background(), 1, "FINDING", "F-107",
		map[string]any{"riskLevel": "low"}, 7)

	// user 101 is an auditor, not a quality manager
	if _, err := f.engine.SubmitAction(context.Background(), wf.ID, domain.ActionComplete, 101, ""); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("Expected ErrNotAuthorized for wrong role, got %v", err)
	}

	wf, err := f.engine.SubmitAction(context.Background(), wf.ID, domain.ActionComplete, 7, "remediated")
	if err != nil {
		t.Fatalf("SubmitAction returned error: %v", err)
	}
	if wf.Status != domain.InstanceCompleted {
		t.Errorf("Expected COMPLETED, got %s", wf.Status)
	}
}

func TestSubmitAction_TerminalInstance(t *testing.T) {
	f := newEngineFixture(findingDefinition(domain.PolicyAny))
	wf, _ := f.engine.StartWorkflow(context.Background(), 1, "FINDING", "F-108",
		map[string]any{"riskLevel": "low"}, 7)
	wf, _ = f.engine.SubmitAction(context.Background(), wf.ID, domain.ActionComplete, 7, "")

	if _, err := f.engine.SubmitAction(context.Background(), wf.ID, domain.ActionComplete, 7, ""); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("Expected ErrIllegalTransition on terminal instance, got %v", err)
	}
}

func TestSubmitAction_WrongActionForNode(t *testing.T) {
	f := newEngineFixture(findingDefinition(domain.PolicyAny))
	wf, _ := f.engine.StartWorkflow(context.Background(), 1, "FINDING", "F-109",
		map[string]any{"riskLevel": "high"}, 7)

	if _, err := f.engine.SubmitAction(context.Background(), wf.ID, domain.ActionComplete, 101, ""); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Expected ErrIllegalTransition for complete on approval node, got %v", err)
	}
	if _, err := f.engine.SubmitAction(context.Background(), wf.ID, domain.ActionApprove, 999, ""); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized for unknown user, got %v", err)
	}
}

func TestCancel_FromAnyNode(t *testing.T) {
	f := newEngineFixture(findingDefinition(domain.PolicyAny))
	wf, _ := f.engine.StartWorkflow(context.Background(), 1, "FINDING", "F-110",
		map[string]any{"riskLevel": "high"}, 7)

	wf, err := f.engine.SubmitAction(context.Background(), wf.ID, domain.ActionCancel, 7, "duplicate finding")
	if err != nil {
		t.Fatalf("SubmitAction returned error: %v", err)
	}
	if wf.Status != domain.InstanceCancelled {
		t.Errorf("Expected CANCELLED, got %s", wf.Status)
	}
	active, _ := f.assignments.FindActiveByStep(wf.ID, "review")
	if len(active) != 0 {
		t.Errorf("Expected no active assignments after cancel, got %d", len(active))
	}
}

func TestCancel_RequiresStarterOrAssignee(t *testing.T) {
	f := newEngineFixture(findingDefinition(domain.PolicyAny))
	wf, _ := f.engine.StartWorkflow(context.Background(), 1, "FINDING", "F-115",
		map[string]any{"riskLevel": "high"}, 7)

	_, err := f.engine.SubmitAction(context.Background(), wf.ID, domain.ActionCancel, 999, "not mine")
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("Expected ErrNotAuthorized for uninvolved user, got %v", err)
	}
	current, _ := f.instances.FindByID(wf.ID)
	if current.Status != domain.InstanceActive {
		t.Errorf("Expected instance to stay ACTIVE after denied cancel, got %s", current.Status)
	}

	// an active assignee on the current step may cancel
	wf, err = f.engine.SubmitAction(context.Background(), wf.ID, domain.ActionCancel, 101, "withdrawn")
	if err != nil {
		t.Fatalf("SubmitAction returned error: %v", err)
	}
	if wf.Status != domain.InstanceCancelled {
		t.Errorf("Expected CANCELLED, got %s", wf.Status)
	}
}

func TestStartWorkflow_LostRaceReturnsCurrentState(t *testing.T) {
	f := newEngineFixture(findingDefinition(domain.PolicyAny))
	f.instances.failUpdateStep = true

	wf, err := f.engine.StartWorkflow(context.Background(), 1, "FINDING", "F-111",
		map[string]any{"riskLevel": "high"}, 7)
	if err != nil {
		t.Fatalf("StartWorkflow should surface the stored state, got error: %v", err)
	}
	if wf.CurrentStepID != "start" {
		t.Errorf("Expected instance left at start after lost race, got %s", wf.CurrentStepID)
	}
}

func TestManualEscalate(t *testing.T) {
	f := newEngineFixture(findingDefinition(domain.PolicyAny))
	wf, _ := f.engine.StartWorkflow(context.Background(), 1, "FINDING", "F-112",
		map[string]any{"riskLevel": "high"}, 7)

	active, _ := f.assignments.FindActiveByStep(wf.ID, "review")
	if err := f.engine.ManualEscalate(context.Background(), active[0].ID, 7, 102, "on leave"); err != nil {
		t.Fatalf("ManualEscalate returned error: %v", err)
	}

	a, _ := f.assignments.FindByID(active[0].ID)
	if a.Status != domain.AssignmentEscalated || a.AssignedUserID.Int64 != 7 {
		t.Errorf("Expected ESCALATED to user 7, got %s/%v", a.Status, a.AssignedUserID)
	}
	logs, _ := f.escalations.FindByAssignment(a.ID)
	if len(*logs) != 1 || (*logs)[0].Reason != domain.ReasonManual {
		t.Fatalf("Expected one MANUAL escalation log, got %+v", logs)
	}

	// a second manual escalation of the same assignment is rejected
	if err := f.engine.ManualEscalate(context.Background(), a.ID, 101, 102, ""); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Expected ErrIllegalTransition on re-escalation, got %v", err)
	}
}
