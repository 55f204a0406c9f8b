package engine

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/meridianqms/capaflow/internal/domain"
)

// Function-field mocks for the monitor tests. The runner tests use stateful
// in-memory repositories; here the interesting part is call order and failure
// isolation, which is easier to assert against recorded calls.

type MockAssignmentRepo struct {
	memAssignmentRepo
	ListOverdueFunc     func(now time.Time) ([]domain.StepAssignment, error)
	ListApproachingFunc func(now time.Time, window time.Duration) ([]domain.StepAssignment, error)
	MarkEscalatedFunc   func(id int64, toUserID int64) (bool, error)
	MarkOverdueFunc     func(id int64) (bool, error)
}

func (m *MockAssignmentRepo) ListOverdue(now time.Time) ([]domain.StepAssignment, error) {
	if m.ListOverdueFunc != nil {
		return m.ListOverdueFunc(now)
	}
	return nil, nil
}

func (m *MockAssignmentRepo) ListApproaching(now time.Time, window time.Duration) ([]domain.StepAssignment, error) {
	if m.ListApproachingFunc != nil {
		return m.ListApproachingFunc(now, window)
	}
	return nil, nil
}

func (m *MockAssignmentRepo) MarkEscalated(id int64, toUserID int64) (bool, error) {
	if m.MarkEscalatedFunc != nil {
		return m.MarkEscalatedFunc(id, toUserID)
	}
	return true, nil
}

func (m *MockAssignmentRepo) MarkOverdue(id int64) (bool, error) {
	if m.MarkOverdueFunc != nil {
		return m.MarkOverdueFunc(id)
	}
	return true, nil
}

type MockResolver struct {
	ResolveFunc func(assigneeID int64) (int64, error)
}

func (m *MockResolver) ResolveEscalationTarget(assigneeID int64) (int64, error) {
	if m.ResolveFunc != nil {
		return m.ResolveFunc(assigneeID)
	}
	return 0, nil
}

type MockMonitorRunRepo struct {
	SaveFunc func(run *domain.MonitorRun) (int64, error)
	saved    []domain.MonitorRun
}

func (m *MockMonitorRunRepo) Save(run *domain.MonitorRun) (int64, error) {
	m.saved = append(m.saved, *run)
	if m.SaveFunc != nil {
		return m.SaveFunc(run)
	}
	return int64(len(m.saved)), nil
}

func (m *MockMonitorRunRepo) GetRecent(limit int) ([]domain.MonitorRun, error) {
	return m.saved, nil
}

func overdueAssignment(id int64, user int64, deadline time.Time) domain.StepAssignment {
	return domain.StepAssignment{
		ID:             id,
		InstanceID:     id * 10,
		StepID:         "fix",
		AssignedUserID: sql.NullInt64{Int64: user, Valid: user != 0},
		DeadlineAt:     sql.NullTime{Time: deadline, Valid: true},
		Status:         domain.AssignmentPending,
	}
}

func newMonitorFixture(assignments *MockAssignmentRepo, resolver *MockResolver) (*Monitor, *memEscalationRepo, *memTimelineRepo, *MockMonitorRunRepo, *memNotifier, *fakeClock) {
	clock := newFakeClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	escalations := &memEscalationRepo{}
	timeline := &memTimelineRepo{}
	runs := &MockMonitorRunRepo{}
	notifier := &memNotifier{}
	m := NewMonitor(assignments, escalations, timeline, runs, resolver, notifier, clock, 24*time.Hour)
	return m, escalations, timeline, runs, notifier, clock
}

func TestRunOnce_EscalatesInDeadlineOrder(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	assignments := &MockAssignmentRepo{
		ListOverdueFunc: func(at time.Time) ([]domain.StepAssignment, error) {
			return []domain.StepAssignment{
				overdueAssignment(1, 11, now.Add(-3*time.Hour)),
				overdueAssignment(2, 12, now.Add(-2*time.Hour)),
				overdueAssignment(3, 13, now.Add(-1*time.Hour)),
			}, nil
		},
	}
	resolver := &MockResolver{
		ResolveFunc: func(assigneeID int64) (int64, error) { return assigneeID + 100, nil },
	}
	m, escalations, timeline, runs, notifier, _ := newMonitorFixture(assignments, resolver)

	result, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if result.Escalation.Total != 3 || result.Escalation.Escalated != 3 || result.Escalation.Failed != 0 {
		t.Errorf("Expected 3/3/0, got %+v", result.Escalation)
	}

	// escalation logs follow the deadline order of the sweep
	if len(escalations.logs) != 3 {
		t.Fatalf("Expected 3 escalation logs, got %d", len(escalations.logs))
	}
	for i, wantAssignment := range []int64{1, 2, 3} {
		log := escalations.logs[i]
		if log.AssignmentID != wantAssignment {
			t.Errorf("Escalation %d: expected assignment %d, got %d", i, wantAssignment, log.AssignmentID)
		}
		if log.Reason != domain.ReasonDeadlineExceeded {
			t.Errorf("Expected DEADLINE_EXCEEDED reason, got %s", log.Reason)
		}
		if log.EscalatedTo != log.EscalatedFrom.Int64+100 {
			t.Errorf("Expected escalation to the resolved manager, got %+v", log)
		}
	}

	if len(timeline.entries) != 3 {
		t.Errorf("Expected 3 timeline entries, got %d", len(timeline.entries))
	}
	if got := notifier.ofKind(EventEscalated); len(got) != 3 {
		t.Errorf("Expected 3 escalation notifications, got %d", len(got))
	}

	if len(runs.saved) != 1 {
		t.Fatalf("Expected 1 monitor run row, got %d", len(runs.saved))
	}
	run := runs.saved[0]
	if run.Total != 3 || run.Escalated != 3 || run.Failed != 0 || run.RunID == "" {
		t.Errorf("Unexpected monitor run row: %+v", run)
	}
}

func TestRunOnce_ResolverFailureDoesNotAbortSweep(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	assignments := &MockAssignmentRepo{
		ListOverdueFunc: func(at time.Time) ([]domain.StepAssignment, error) {
			return []domain.StepAssignment{
				overdueAssignment(1, 11, now.Add(-2*time.Hour)),
				overdueAssignment(2, 12, now.Add(-1*time.Hour)),
			}, nil
		},
	}
	parked := []int64{}
	assignments.MarkOverdueFunc = func(id int64) (bool, error) {
		parked = append(parked, id)
		return true, nil
	}
	resolver := &MockResolver{
		ResolveFunc: func(assigneeID int64) (int64, error) {
			if assigneeID == 11 {
				return 0, errors.New("directory unavailable")
			}
			return 200, nil
		},
	}
	m, escalations, _, _, _, _ := newMonitorFixture(assignments, resolver)

	result, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if result.Escalation.Total != 2 || result.Escalation.Escalated != 1 || result.Escalation.Failed != 1 {
		t.Errorf("Expected 2/1/1, got %+v", result.Escalation)
	}
	if len(parked) != 1 || parked[0] != 1 {
		t.Errorf("Expected failing assignment parked as overdue, got %v", parked)
	}
	if len(escalations.logs) != 1 || escalations.logs[0].AssignmentID != 2 {
		t.Errorf("Expected only assignment 2 escalated, got %+v", escalations.logs)
	}
}

func TestRunOnce_NoTargetParksAssignment(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	assignments := &MockAssignmentRepo{
		ListOverdueFunc: func(at time.Time) ([]domain.StepAssignment, error) {
			return []domain.StepAssignment{overdueAssignment(5, 11, now.Add(-time.Hour))}, nil
		},
	}
	var parkedID int64
	assignments.MarkOverdueFunc = func(id int64) (bool, error) {
		parkedID = id
		return true, nil
	}
	resolver := &MockResolver{} // resolves to (0, nil): nobody to escalate to
	m, escalations, _, _, _, _ := newMonitorFixture(assignments, resolver)

	result, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if result.Escalation.Failed != 1 || result.Escalation.Escalated != 0 {
		t.Errorf("Expected 1 failed, 0 escalated, got %+v", result.Escalation)
	}
	if parkedID != 5 {
		t.Errorf("Expected assignment 5 parked, got %d", parkedID)
	}
	if len(escalations.logs) != 0 {
		t.Errorf("Expected no escalation logs, got %d", len(escalations.logs))
	}
}

func TestRunOnce_SkipsAssignmentCompletedUnderneath(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	assignments := &MockAssignmentRepo{
		ListOverdueFunc: func(at time.Time) ([]domain.StepAssignment, error) {
			return []domain.StepAssignment{overdueAssignment(7, 11, now.Add(-time.Hour))}, nil
		},
		MarkEscalatedFunc: func(id int64, toUserID int64) (bool, error) {
			return false, nil // a racing completion got there first
		},
	}
	resolver := &MockResolver{ResolveFunc: func(assigneeID int64) (int64, error) { return 42, nil }}
	m, escalations, _, _, _, _ := newMonitorFixture(assignments, resolver)

	result, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if result.Escalation.Failed != 0 || result.Escalation.Escalated != 0 || result.Escalation.Total != 1 {
		t.Errorf("Expected a clean skip, got %+v", result.Escalation)
	}
	if len(escalations.logs) != 0 {
		t.Errorf("Expected no escalation log for skipped assignment, got %d", len(escalations.logs))
	}
}

func TestRunOnce_ApproachingDeadlinesWarn(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	assignments := &MockAssignmentRepo{
		ListApproachingFunc: func(at time.Time, window time.Duration) ([]domain.StepAssignment, error) {
			if window != 24*time.Hour {
				t.Errorf("Expected 24h window, got %v", window)
			}
			return []domain.StepAssignment{overdueAssignment(9, 11, now.Add(10 * time.Hour))}, nil
		},
	}
	m, escalations, _, runs, notifier, _ := newMonitorFixture(assignments, &MockResolver{})

	result, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if len(result.Approaching) != 1 {
		t.Fatalf("Expected 1 approaching item, got %d", len(result.Approaching))
	}
	item := result.Approaching[0]
	if item.AssignmentID != 9 || math.Abs(item.HoursRemaining-10) > 0.01 {
		t.Errorf("Unexpected approaching item: %+v", item)
	}

	warnings := notifier.ofKind(EventDeadlineApproaching)
	if len(warnings) != 1 || warnings[0].UserID != 11 {
		t.Fatalf("Expected 1 warning to user 11, got %+v", warnings)
	}
	if got, ok := warnings[0].Payload["hoursRemaining"].(float64); !ok || math.Abs(got-10) > 0.01 {
		t.Errorf("Expected hoursRemaining ~10, got %v", warnings[0].Payload["hoursRemaining"])
	}

	// advisory only, never escalates
	if len(escalations.logs) != 0 {
		t.Errorf("Expected no escalations, got %d", len(escalations.logs))
	}
	if runs.saved[0].Approaching != 1 {
		t.Errorf("Expected approaching count 1 in run row, got %d", runs.saved[0].Approaching)
	}
}

func TestRunOnce_ListOverdueErrorAborts(t *testing.T) {
	assignments := &MockAssignmentRepo{
		ListOverdueFunc: func(at time.Time) ([]domain.StepAssignment, error) {
			return nil, errors.New("db gone")
		},
	}
	m, _, _, runs, _, _ := newMonitorFixture(assignments, &MockResolver{})

	if _, err := m.RunOnce(context.Background()); err == nil {
		t.Fatal("Expected error when overdue listing fails")
	}
	if len(runs.saved) != 0 {
		t.Errorf("Expected no run row for aborted sweep, got %d", len(runs.saved))
	}
}
