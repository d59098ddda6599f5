// Package workflow hands classified breaks to the operations teams: case
// creation, assignment, status transitions, escalation, and SLA tracking.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/finrecon/recond/internal/models"
)

// Case is an operations work item wrapping a break.
type Case struct {
	CaseID      string             `json:"case_id"`
	BreakID     string             `json:"break_id"`
	Severity    models.Severity    `json:"severity"`
	Status      models.BreakStatus `json:"status"`
	AssignedTo  string             `json:"assigned_to"`
	CreatedAt   time.Time          `json:"created_at"`
	SLADeadline time.Time          `json:"sla_deadline"`
	Escalated   bool               `json:"escalated"`
	Notes       []string           `json:"notes,omitempty"`
}

// Overdue reports whether the case has blown its SLA deadline.
func (c *Case) Overdue(now time.Time) bool {
	return !c.Status.Terminal() && now.After(c.SLADeadline)
}

// Collaborator is the surface the orchestrator hands breaks to.
type Collaborator interface {
	CreateCase(ctx context.Context, b *models.Break, counterparty string) (*Case, error)
	Transition(ctx context.Context, caseID string, to models.BreakStatus, note string) error
	Escalate(ctx context.Context, caseID string, reason string) error
	Resolve(ctx context.Context, caseID string, notes string) error
	CheckSLABreaches(ctx context.Context) ([]*Case, error)
}

// Notifier delivers workflow events to the outside world.
type Notifier interface {
	Notify(ctx context.Context, event, caseID, detail string) error
}

// LogNotifier writes notifications to the structured log. It is the default
// when no external channel is configured.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n *LogNotifier) Notify(_ context.Context, event, caseID, detail string) error {
	n.Logger.WithFields(logrus.Fields{
		"event":   event,
		"case_id": caseID,
	}).Info(detail)
	return nil
}

// AssignmentRule routes a new case to a team. Rules are evaluated in order
// and the first hit wins.
type AssignmentRule struct {
	Name string
	// Severity, when set, requires an exact severity match.
	Severity models.Severity
	// RootCausePrefix, when set, matches the break's root cause prefix.
	RootCausePrefix string
	// Counterparty, when set, matches the counterparty case-insensitively.
	Counterparty string
	Team         string
}

// DefaultAssignmentRules routes critical breaks to the senior desk, broker
// feed problems to the broker liaison team, and JPMorgan flow to its
// dedicated specialist.
func DefaultAssignmentRules() []AssignmentRule {
	return []AssignmentRule{
		{Name: "critical_to_senior", Severity: models.SeverityCritical, Team: "senior-ops"},
		{Name: "broker_feed_to_broker_ops", RootCausePrefix: "broker_feed", Team: "broker-ops"},
		{Name: "jpm_specialist", Counterparty: "JPMORGAN", Team: "jpm-specialist"},
	}
}

// DefaultTeam is the catch-all assignment.
const DefaultTeam = "general-ops"

func (r AssignmentRule) matches(b *models.Break, counterparty string) bool {
	if r.Severity != "" && b.Severity != r.Severity {
		return false
	}
	if r.RootCausePrefix != "" && !strings.HasPrefix(string(b.RootCause), r.RootCausePrefix) {
		return false
	}
	if r.Counterparty != "" && !strings.EqualFold(counterparty, r.Counterparty) {
		return false
	}
	return true
}

// validTransitions is the workflow state machine. A case may only move along
// these edges.
var validTransitions = map[models.BreakStatus][]models.BreakStatus{
	models.BreakOpen:            {models.BreakAssigned, models.BreakEscalated, models.BreakClosed},
	models.BreakAssigned:        {models.BreakInProgress, models.BreakEscalated, models.BreakClosed},
	models.BreakInProgress:      {models.BreakPendingResponse, models.BreakResolved, models.BreakEscalated},
	models.BreakPendingResponse: {models.BreakInProgress, models.BreakResolved, models.BreakEscalated},
	models.BreakEscalated:       {models.BreakInProgress, models.BreakResolved, models.BreakClosed},
}

// TransitionAllowed reports whether the workflow permits moving from one
// status to another.
func TransitionAllowed(from, to models.BreakStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CaseManager is the in-process Collaborator implementation.
type CaseManager struct {
	mu        sync.RWMutex
	cases     map[string]*Case
	caseOrder []string

	rules    []AssignmentRule
	notifier Notifier
	logger   *logrus.Logger
	now      func() time.Time
}

// NewCaseManager creates a case manager. Nil rules fall back to the default
// routing table; a nil notifier logs only.
func NewCaseManager(rules []AssignmentRule, notifier Notifier, logger *logrus.Logger) *CaseManager {
	if rules == nil {
		rules = DefaultAssignmentRules()
	}
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	return &CaseManager{
		cases:    make(map[string]*Case),
		rules:    rules,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateCase opens a work item for a break, routes it, and stamps the SLA
// deadline from the break's SLA hours.
func (m *CaseManager) CreateCase(ctx context.Context, b *models.Break, counterparty string) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	team := DefaultTeam
	for _, rule := range m.rules {
		if rule.matches(b, counterparty) {
			team = rule.Team
			break
		}
	}

	c := &Case{
		CaseID:      fmt.Sprintf("CASE-%s-%s", now.Format("20060102"), uuid.NewString()[:8]),
		BreakID:     b.ID,
		Severity:    b.Severity,
		Status:      models.BreakAssigned,
		AssignedTo:  team,
		CreatedAt:   now,
		SLADeadline: now.Add(time.Duration(b.SLAHours) * time.Hour),
	}
	m.cases[c.CaseID] = c
	m.caseOrder = append(m.caseOrder, c.CaseID)

	m.logger.WithFields(logrus.Fields{
		"case_id":  c.CaseID,
		"break_id": b.ID,
		"team":     team,
		"severity": b.Severity,
	}).Info("case created")

	if err := m.notifier.Notify(ctx, "case_created", c.CaseID,
		fmt.Sprintf("assigned to %s, SLA %dh", team, b.SLAHours)); err != nil {
		m.logger.WithError(err).Warn("case notification failed")
	}
	return c, nil
}

// Transition moves a case along the workflow state machine.
func (m *CaseManager) Transition(_ context.Context, caseID string, to models.BreakStatus, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[caseID]
	if !ok {
		return fmt.Errorf("case %s not found", caseID)
	}
	if !TransitionAllowed(c.Status, to) {
		return fmt.Errorf("case %s: transition %s -> %s not allowed", caseID, c.Status, to)
	}
	c.Status = to
	if note != "" {
		c.Notes = append(c.Notes, note)
	}
	return nil
}

// Escalate moves a case to escalated regardless of its current non-terminal
// status and notifies.
func (m *CaseManager) Escalate(ctx context.Context, caseID string, reason string) error {
	m.mu.Lock()
	c, ok := m.cases[caseID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("case %s not found", caseID)
	}
	if c.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("case %s: cannot escalate %s case", caseID, c.Status)
	}
	c.Status = models.BreakEscalated
	c.Escalated = true
	c.Notes = append(c.Notes, "escalated: "+reason)
	m.mu.Unlock()

	return m.notifier.Notify(ctx, "case_escalated", caseID, reason)
}

// Resolve closes out a case.
func (m *CaseManager) Resolve(ctx context.Context, caseID string, notes string) error {
	m.mu.Lock()
	c, ok := m.cases[caseID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("case %s not found", caseID)
	}
	c.Status = models.BreakResolved
	if notes != "" {
		c.Notes = append(c.Notes, notes)
	}
	m.mu.Unlock()

	return m.notifier.Notify(ctx, "case_resolved", caseID, notes)
}

// CheckSLABreaches returns every open case past its deadline, escalating
// each one that is not already escalated.
func (m *CaseManager) CheckSLABreaches(ctx context.Context) ([]*Case, error) {
	m.mu.Lock()
	now := m.now()
	var overdue []*Case
	for _, id := range m.caseOrder {
		c := m.cases[id]
		if c.Overdue(now) {
			overdue = append(overdue, c)
		}
	}
	m.mu.Unlock()

	for _, c := range overdue {
		if c.Escalated {
			continue
		}
		if err := m.Escalate(ctx, c.CaseID, "SLA deadline exceeded"); err != nil {
			m.logger.WithError(err).WithField("case_id", c.CaseID).Warn("SLA escalation failed")
		}
	}
	return overdue, nil
}

// Cases returns a snapshot of all cases in creation order.
func (m *CaseManager) Cases() []*Case {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Case, 0, len(m.caseOrder))
	for _, id := range m.caseOrder {
		cp := *m.cases[id]
		out = append(out, &cp)
	}
	return out
}

var _ Collaborator = (*CaseManager)(nil)
