package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

func expiringRequest(t *testing.T, env *testEnv, tweak func(*repository.WorkflowConfig)) *repository.ApprovalRequest {
	t.Helper()
	env.seedConfig(func(c *repository.WorkflowConfig) {
		c.ExpirationHours = intPtr(48)
		c.ExpirationAction = strPtr(repository.ExpireReject)
		if tweak != nil {
			tweak(c)
		}
	})
	env.dir.roleMembers["role-manager"] = []string{"mgr-1", "mgr-2"}
	req, err := env.svc.CreateRequest(context.Background(), &CreateRequestInput{
		EntityType:  repository.EntityLeave,
		EntityID:    "leave-42",
		RequesterID: "emp-1",
		Title:       "Annual leave",
	})
	require.NoError(t, err)
	return req
}

func TestSweepExpirationsReject(t *testing.T) {
	env := newTestEnv()
	req := expiringRequest(t, env, nil)
	ctx := context.Background()

	// Not yet due.
	acted, err := env.svc.SweepExpirations(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, acted)

	env.clock.Advance(49 * time.Hour)
	acted, err = env.svc.SweepExpirations(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, acted)

	got, err := env.svc.requests.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, got.Status)
	require.NotNil(t, got.ResolvedAt)
	require.NotNil(t, got.ResolutionNotes)

	assert.Contains(t, env.store.auditActions(req.ID), repository.AuditExpired)
	assert.Contains(t, env.dispatch.eventTypes(), "approval_expired")
}

func TestSweepExpirationsAutoApprove(t *testing.T) {
	env := newTestEnv()
	req := expiringRequest(t, env, func(c *repository.WorkflowConfig) {
		c.ExpirationAction = strPtr(repository.ExpireAutoApprove)
	})

	env.clock.Advance(49 * time.Hour)
	acted, err := env.svc.SweepExpirations(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, acted)

	got, err := env.svc.requests.GetByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, got.Status)
	assert.Contains(t, env.store.auditActions(req.ID), repository.AuditAutoApproved)
}

func TestSweepExpirationsEscalate(t *testing.T) {
	env := newTestEnv()
	env.dir.roleMembers["role-director"] = []string{"dir-1", "dir-2"}
	req := expiringRequest(t, env, func(c *repository.WorkflowConfig) {
		c.ExpirationAction = strPtr(repository.ExpireEscalate)
		c.EscalationRoleID = strPtr("role-director")
	})
	ctx := context.Background()

	env.clock.Advance(49 * time.Hour)
	acted, err := env.svc.SweepExpirations(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, acted)

	got, err := env.svc.requests.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusEscalated, got.Status)
	assert.Equal(t, 2, got.CurrentLevel)
	assert.Equal(t, 2, got.MaxLevel)
	// Deadline re-armed from the snapshot.
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, env.clock.Now().Add(48*time.Hour), *got.ExpiresAt)

	decisions, err := env.svc.decisions.GetByRequestID(ctx, req.ID)
	require.NoError(t, err)
	var escalationSlots int
	for _, d := range decisions {
		if d.ApprovalLevel == 2 {
			escalationSlots++
			assert.True(t, d.IsOpen())
		}
	}
	assert.Equal(t, 2, escalationSlots)

	// Escalated requests are still decidable: a director resolves it.
	final, err := env.svc.Decide(ctx, req.ID, "dir-1", repository.DecisionApproved, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, final.Status)

	assert.Contains(t, env.store.auditActions(req.ID), repository.AuditEscalated)
	assert.Contains(t, env.dispatch.eventTypes(), "approval_escalated")
}

func TestSweepExpirationsEscalateWithoutTargetFallsBack(t *testing.T) {
	env := newTestEnv()
	req := expiringRequest(t, env, func(c *repository.WorkflowConfig) {
		c.ExpirationAction = strPtr(repository.ExpireEscalate)
		c.EscalationRoleID = strPtr("role-empty")
	})

	env.clock.Advance(49 * time.Hour)
	acted, err := env.svc.SweepExpirations(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, acted)

	got, err := env.svc.requests.GetByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, got.Status)
}

func TestSweepExpirationsNotifyOnly(t *testing.T) {
	env := newTestEnv()
	req := expiringRequest(t, env, func(c *repository.WorkflowConfig) {
		c.ExpirationAction = strPtr(repository.ExpireNotifyOnly)
	})
	ctx := context.Background()

	env.clock.Advance(49 * time.Hour)
	acted, err := env.svc.SweepExpirations(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, acted)

	got, err := env.svc.requests.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, got.Status, "notify-only keeps the request open")
	require.NotNil(t, got.ExpiryNotifiedAt)
	assert.Contains(t, env.dispatch.eventTypes(), "approval_overdue")

	// The notification is one-shot.
	acted, err = env.svc.SweepExpirations(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, acted)

	// Approvers can still decide an overdue notify-only request.
	final, err := env.svc.Decide(ctx, req.ID, "mgr-1", repository.DecisionApproved, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, final.Status)
}

func TestSweepExpirationsSkipsConcurrentlyResolved(t *testing.T) {
	env := newTestEnv()
	req := expiringRequest(t, env, nil)
	ctx := context.Background()

	// A request resolved before its deadline must never be swept.
	_, err := env.svc.Decide(ctx, req.ID, "mgr-1", repository.DecisionApproved, nil, nil)
	require.NoError(t, err)

	env.clock.Advance(49 * time.Hour)
	acted, err := env.svc.SweepExpirations(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, acted)

	got, err := env.svc.requests.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, got.Status)
}

func TestSweepReminders(t *testing.T) {
	env := newTestEnv()
	req := expiringRequest(t, env, func(c *repository.WorkflowConfig) {
		c.SendReminders = true
		c.ReminderHoursBefore = intPtr(24)
	})
	ctx := context.Background()

	// Outside the window: nothing to send.
	sent, err := env.svc.SweepReminders(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, sent)

	env.clock.Advance(30 * time.Hour) // 18h to expiry, inside the 24h window
	sent, err = env.svc.SweepReminders(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	got, err := env.svc.requests.GetByID(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReminderSentAt)
	assert.Equal(t, repository.StatusPending, got.Status)
	assert.Contains(t, env.dispatch.eventTypes(), "approval_reminder")
	assert.Contains(t, env.store.auditActions(req.ID), repository.AuditReminderSent)

	// One-shot per request.
	sent, err = env.svc.SweepReminders(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestSweepReminderRecipientsSequential(t *testing.T) {
	env := newTestEnv()
	env.seedConfig(func(c *repository.WorkflowConfig) {
		c.ApprovalMode = repository.ModeSequential
		c.AutoAssignApprovers = false
		c.ApproverRoleIDs = nil
		c.MinApprovers = 2
		c.ExpirationHours = intPtr(48)
		c.ExpirationAction = strPtr(repository.ExpireReject)
		c.SendReminders = true
		c.ReminderHoursBefore = intPtr(24)
	})
	req, err := env.svc.CreateRequest(context.Background(), &CreateRequestInput{
		EntityType:  repository.EntityLeave,
		EntityID:    "leave-42",
		RequesterID: "emp-1",
		Approvers:   []string{"a1", "a2"},
	})
	require.NoError(t, err)

	env.clock.Advance(30 * time.Hour)
	sent, err := env.svc.SweepReminders(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	// Only the active level is nudged.
	var reminder *dispatchedEvent
	env.dispatch.mu.Lock()
	for i := range env.dispatch.events {
		if env.dispatch.events[i].eventType == "approval_reminder" {
			reminder = &env.dispatch.events[i]
		}
	}
	env.dispatch.mu.Unlock()
	require.NotNil(t, reminder)
	assert.Equal(t, req.ID, reminder.requestID)
	assert.Equal(t, []string{"a1"}, reminder.recipients)
}
