package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/finrecon/recond/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// recordingNotifier captures events for assertions.
type recordingNotifier struct {
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, event, caseID, _ string) error {
	n.events = append(n.events, event+":"+caseID)
	return nil
}

func newManager(notifier Notifier) *CaseManager {
	m := NewCaseManager(nil, notifier, testLogger())
	m.now = func() time.Time { return time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC) }
	return m
}

func TestCreateCaseRouting(t *testing.T) {
	ctx := context.Background()
	m := newManager(nil)

	cases := []struct {
		name     string
		b        *models.Break
		cpty     string
		wantTeam string
	}{
		{
			name:     "critical goes to senior ops",
			b:        &models.Break{ID: "b1", Severity: models.SeverityCritical, SLAHours: 2},
			cpty:     "GOLDMAN SACHS",
			wantTeam: "senior-ops",
		},
		{
			name:     "broker feed issues go to broker ops",
			b:        &models.Break{ID: "b2", Severity: models.SeverityHigh, RootCause: models.RootCauseBrokerFeedIssue, SLAHours: 4},
			cpty:     "GOLDMAN SACHS",
			wantTeam: "broker-ops",
		},
		{
			name:     "jpm flow goes to the specialist",
			b:        &models.Break{ID: "b3", Severity: models.SeverityMedium, SLAHours: 24},
			cpty:     "jpmorgan",
			wantTeam: "jpm-specialist",
		},
		{
			name:     "everything else goes to general ops",
			b:        &models.Break{ID: "b4", Severity: models.SeverityLow, SLAHours: 48},
			cpty:     "BARCLAYS",
			wantTeam: "general-ops",
		},
	}

	for _, tc := range cases {
		c, err := m.CreateCase(ctx, tc.b, tc.cpty)
		if err != nil {
			t.Fatalf("%s: CreateCase: %v", tc.name, err)
		}
		if c.AssignedTo != tc.wantTeam {
			t.Errorf("%s: assigned to %s, want %s", tc.name, c.AssignedTo, tc.wantTeam)
		}
		if !strings.HasPrefix(c.CaseID, "CASE-20260824-") {
			t.Errorf("%s: case id = %s", tc.name, c.CaseID)
		}
		if c.Status != models.BreakAssigned {
			t.Errorf("%s: status = %s", tc.name, c.Status)
		}
	}
}

func TestCaseSLADeadline(t *testing.T) {
	ctx := context.Background()
	m := newManager(nil)

	c, err := m.CreateCase(ctx, &models.Break{ID: "b1", Severity: models.SeverityHigh, SLAHours: 4}, "")
	if err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	want := time.Date(2026, 8, 24, 22, 0, 0, 0, time.UTC)
	if !c.SLADeadline.Equal(want) {
		t.Errorf("deadline = %s, want %s", c.SLADeadline, want)
	}
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	m := newManager(nil)
	c, _ := m.CreateCase(ctx, &models.Break{ID: "b1", Severity: models.SeverityMedium, SLAHours: 24}, "")

	if err := m.Transition(ctx, c.CaseID, models.BreakInProgress, "picked up"); err != nil {
		t.Fatalf("assigned -> in-progress: %v", err)
	}
	if err := m.Transition(ctx, c.CaseID, models.BreakPendingResponse, "asked broker"); err != nil {
		t.Fatalf("in-progress -> pending-response: %v", err)
	}
	if err := m.Transition(ctx, c.CaseID, models.BreakResolved, "broker confirmed"); err != nil {
		t.Fatalf("pending-response -> resolved: %v", err)
	}

	// Resolved is terminal.
	if err := m.Transition(ctx, c.CaseID, models.BreakInProgress, ""); err == nil {
		t.Error("transition out of resolved must fail")
	}
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	ctx := context.Background()
	m := newManager(nil)
	c, _ := m.CreateCase(ctx, &models.Break{ID: "b1", Severity: models.SeverityMedium, SLAHours: 24}, "")

	// assigned -> resolved skips in-progress and is not a legal edge.
	if err := m.Transition(ctx, c.CaseID, models.BreakResolved, ""); err == nil {
		t.Error("assigned -> resolved must be rejected")
	}
}

func TestEscalateNotifies(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	m := newManager(n)
	c, _ := m.CreateCase(ctx, &models.Break{ID: "b1", Severity: models.SeverityHigh, SLAHours: 4}, "")

	if err := m.Escalate(ctx, c.CaseID, "counterparty unresponsive"); err != nil {
		t.Fatalf("Escalate: %v", err)
	}

	got := m.Cases()[0]
	if got.Status != models.BreakEscalated || !got.Escalated {
		t.Errorf("case = %+v", got)
	}
	if len(n.events) != 2 || n.events[1] != "case_escalated:"+c.CaseID {
		t.Errorf("events = %v", n.events)
	}
}

func TestCheckSLABreaches(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	m := newManager(n)

	overdue, _ := m.CreateCase(ctx, &models.Break{ID: "b1", Severity: models.SeverityCritical, SLAHours: 2}, "")
	fine, _ := m.CreateCase(ctx, &models.Break{ID: "b2", Severity: models.SeverityLow, SLAHours: 48}, "")

	// Advance four hours: the 2h SLA is blown, the 48h one is not.
	m.now = func() time.Time { return time.Date(2026, 8, 24, 22, 0, 0, 0, time.UTC) }

	breached, err := m.CheckSLABreaches(ctx)
	if err != nil {
		t.Fatalf("CheckSLABreaches: %v", err)
	}
	if len(breached) != 1 || breached[0].CaseID != overdue.CaseID {
		t.Fatalf("breached = %+v", breached)
	}

	cases := m.Cases()
	for _, c := range cases {
		switch c.CaseID {
		case overdue.CaseID:
			if c.Status != models.BreakEscalated {
				t.Errorf("overdue case not escalated: %s", c.Status)
			}
		case fine.CaseID:
			if c.Status != models.BreakAssigned {
				t.Errorf("healthy case mutated: %s", c.Status)
			}
		}
	}

	// A second sweep finds the same overdue case but does not re-escalate.
	before := len(n.events)
	if _, err := m.CheckSLABreaches(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(n.events) != before {
		t.Error("already-escalated case must not notify again")
	}
}
