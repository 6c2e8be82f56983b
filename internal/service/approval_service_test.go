package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

func TestCreateRequestAutoAssign(t *testing.T) {
	env := newTestEnv()
	env.seedConfig(nil)
	env.dir.roleMembers["role-manager"] = []string{"mgr-1", "mgr-2"}

	req, err := env.svc.CreateRequest(context.Background(), &CreateRequestInput{
		EntityType:  repository.EntityLeave,
		EntityID:    "leave-42",
		RequesterID: "emp-1",
		Title:       "Annual leave 5 days",
	})
	require.NoError(t, err)

	assert.Equal(t, repository.StatusPending, req.Status)
	assert.Equal(t, repository.ModeAny, req.ApprovalMode)
	assert.Equal(t, 1, req.RequiredApprovals)
	assert.Equal(t, 1, req.CurrentLevel)

	decisions, err := env.svc.decisions.GetByRequestID(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	for _, d := range decisions {
		assert.True(t, d.IsOpen())
		assert.Equal(t, 1, d.ApprovalLevel)
	}

	assert.Equal(t, []string{"created"}, env.store.auditActions(req.ID))
	assert.Equal(t, []string{"approval_required"}, env.dispatch.eventTypes())
}

func TestCreateRequestNoApplicableWorkflow(t *testing.T) {
	env := newTestEnv()

	_, err := env.svc.CreateRequest(context.Background(), &CreateRequestInput{
		EntityType:  repository.EntityTrip,
		EntityID:    "trip-1",
		RequesterID: "emp-1",
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNoApplicableWorkflow))
}

func TestCreateRequestRejectsSecondOpenRequest(t *testing.T) {
	env := newTestEnv()
	env.seedConfig(nil)
	env.dir.roleMembers["role-manager"] = []string{"mgr-1"}

	in := &CreateRequestInput{
		EntityType:  repository.EntityLeave,
		EntityID:    "leave-42",
		RequesterID: "emp-1",
	}
	_, err := env.svc.CreateRequest(context.Background(), in)
	require.NoError(t, err)

	_, err = env.svc.CreateRequest(context.Background(), in)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))
}

func TestCreateRequestExcludesRequesterWithoutSelfApproval(t *testing.T) {
	env := newTestEnv()
	env.seedConfig(nil)
	env.dir.roleMembers["role-manager"] = []string{"emp-1", "mgr-1"}

	req, err := env.svc.CreateRequest(context.Background(), &CreateRequestInput{
		EntityType:  repository.EntityLeave,
		EntityID:    "leave-42",
		RequesterID: "emp-1",
	})
	require.NoError(t, err)

	decisions, err := env.svc.decisions.GetByRequestID(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "mgr-1", decisions[0].ApproverID)
}

func TestCreateRequestSoleSelfApprover(t *testing.T) {
	env := newTestEnv()
	env.seedConfig(nil)
	env.dir.roleMembers["role-manager"] = []string{"emp-1"}

	_, err := env.svc.CreateRequest(context.Background(), &CreateRequestInput{
		EntityType:  repository.EntityLeave,
		EntityID:    "leave-42",
		RequesterID: "emp-1",
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNoApproversAssigned))
}

func TestCreateRequestManualApproversAndCap(t *testing.T) {
	env := newTestEnv()
	env.seedConfig(func(c *repository.WorkflowConfig) {
		c.AutoAssignApprovers = false
		c.ApproverRoleIDs = nil
		c.MaxApprovers = intPtr(2)
	})

	req, err := env.svc.CreateRequest(context.Background(), &CreateRequestInput{
		EntityType:  repository.EntityLeave,
		EntityID:    "leave-42",
		RequesterID: "emp-1",
		Approvers:   []string{"a1", "a2", "a2", "a3"},
	})
	require.NoError(t, err)

	decisions, err := env.svc.decisions.GetByRequestID(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 2, "duplicates removed, then capped at max_approvers")
	assert.Equal(t, "a1", decisions[0].ApproverID)
	assert.Equal(t, "a2", decisions[1].ApproverID)
}

func TestCreateRequestDynamicRole(t *testing.T) {
	env := newTestEnv()
	env.svc.resolvers[repository.RoleDepartmentManager] = resolverFunc(
		func(ctx context.Context, requesterID string) ([]string, error) {
			return []string{"dept-mgr-of-" + requesterID}, nil
		})
	env.seedConfig(func(c *repository.WorkflowConfig) {
		c.ApproverRoleIDs = []string{repository.RoleDepartmentManager}
	})

	req, err := env.svc.CreateRequest(context.Background(), &CreateRequestInput{
		EntityType:  repository.EntityLeave,
		EntityID:    "leave-42",
		RequesterID: "emp-1",
	})
	require.NoError(t, err)

	decisions, err := env.svc.decisions.GetByRequestID(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "dept-mgr-of-emp-1", decisions[0].ApproverID)
}

func TestCreateRequestSequentialLevels(t *testing.T) {
	env := newTestEnv()
	env.seedConfig(func(c *repository.WorkflowConfig) {
		c.ApprovalMode = repository.ModeSequential
		c.AutoAssignApprovers = false
		c.ApproverRoleIDs = nil
	})

	req, err := env.svc.CreateRequest(context.Background(), &CreateRequestInput{
		EntityType:  repository.EntityLeave,
		EntityID:    "leave-42",
		RequesterID: "emp-1",
		Approvers:   []string{"a1", "a2", "a3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, req.MaxLevel)

	decisions, err := env.svc.decisions.GetByRequestID(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 3)
	for i, d := range decisions {
		assert.Equal(t, i+1, d.ApprovalLevel)
	}
}

func TestCreateRequestSnapshotsExpiration(t *testing.T) {
	env := newTestEnv()
	env.seedConfig(func(c *repository.WorkflowConfig) {
		c.ExpirationHours = intPtr(48)
		c.ExpirationAction = strPtr(repository.ExpireReject)
	})
	env.dir.roleMembers["role-manager"] = []string{"mgr-1"}

	req, err := env.svc.CreateRequest(context.Background(), &CreateRequestInput{
		EntityType:  repository.EntityLeave,
		EntityID:    "leave-42",
		RequesterID: "emp-1",
	})
	require.NoError(t, err)

	require.NotNil(t, req.ExpiresAt)
	assert.Equal(t, env.clock.Now().Add(48*time.Hour), *req.ExpiresAt)
	require.NotNil(t, req.ExpirationAction)
	assert.Equal(t, repository.ExpireReject, *req.ExpirationAction)
}

func TestCancel(t *testing.T) {
	env := newTestEnv()
	env.seedConfig(nil)
	env.dir.roleMembers["role-manager"] = []string{"mgr-1"}

	req, err := env.svc.CreateRequest(context.Background(), &CreateRequestInput{
		EntityType:  repository.EntityLeave,
		EntityID:    "leave-42",
		RequesterID: "emp-1",
	})
	require.NoError(t, err)

	// Only the requester may cancel.
	err = env.svc.Cancel(context.Background(), req.ID, "mgr-1", nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeForbidden))

	reason := "plans changed"
	require.NoError(t, env.svc.Cancel(context.Background(), req.ID, "emp-1", &reason))

	got, err := env.svc.requests.GetByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusCancelled, got.Status)
	require.NotNil(t, got.ResolvedAt)

	// Cancelling twice reports the request as already resolved.
	err = env.svc.Cancel(context.Background(), req.ID, "emp-1", nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRequestNotPending))
}

func TestCancelRacesWithDecision(t *testing.T) {
	env := newTestEnv()
	env.seedConfig(nil)
	env.dir.roleMembers["role-manager"] = []string{"mgr-1"}

	req, err := env.svc.CreateRequest(context.Background(), &CreateRequestInput{
		EntityType:  repository.EntityLeave,
		EntityID:    "leave-42",
		RequesterID: "emp-1",
	})
	require.NoError(t, err)

	_, err = env.svc.Decide(context.Background(), req.ID, "mgr-1", repository.DecisionApproved, nil, nil)
	require.NoError(t, err)

	err = env.svc.Cancel(context.Background(), req.ID, "emp-1", nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRequestNotPending))
}

func TestResubmit(t *testing.T) {
	env := newTestEnv()
	env.seedConfig(nil)
	env.dir.roleMembers["role-manager"] = []string{"mgr-1"}
	ctx := context.Background()

	req, err := env.svc.CreateRequest(ctx, &CreateRequestInput{
		EntityType:  repository.EntityLeave,
		EntityID:    "leave-42",
		RequesterID: "emp-1",
		Title:       "Annual leave",
	})
	require.NoError(t, err)

	// Resubmitting an open request is not allowed.
	_, err = env.svc.Resubmit(ctx, req.ID, "emp-1")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidStateTransition))

	_, err = env.svc.Decide(ctx, req.ID, "mgr-1", repository.DecisionRejected, nil, nil)
	require.NoError(t, err)

	// Only the requester may resubmit.
	_, err = env.svc.Resubmit(ctx, req.ID, "mgr-1")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeForbidden))

	fresh, err := env.svc.Resubmit(ctx, req.ID, "emp-1")
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, fresh.ID)
	assert.Equal(t, repository.StatusPending, fresh.Status)
	assert.Equal(t, "Annual leave", fresh.Title)
	require.NotNil(t, fresh.ResubmittedFrom)
	assert.Equal(t, req.ID, *fresh.ResubmittedFrom)

	assert.Contains(t, env.store.auditActions(req.ID), repository.AuditResubmitted)
}

func TestGetRequestWithHistory(t *testing.T) {
	env := newTestEnv()
	env.seedConfig(nil)
	env.dir.roleMembers["role-manager"] = []string{"mgr-1"}
	ctx := context.Background()

	req, err := env.svc.CreateRequest(ctx, &CreateRequestInput{
		EntityType:  repository.EntityLeave,
		EntityID:    "leave-42",
		RequesterID: "emp-1",
	})
	require.NoError(t, err)
	_, err = env.svc.Decide(ctx, req.ID, "mgr-1", repository.DecisionApproved, nil, nil)
	require.NoError(t, err)

	detail, err := env.svc.GetRequest(ctx, req.ID, false)
	require.NoError(t, err)
	assert.Nil(t, detail.History)
	assert.Len(t, detail.Decisions, 1)

	detail, err = env.svc.GetRequest(ctx, req.ID, true)
	require.NoError(t, err)
	require.Len(t, detail.History, 2)
	assert.Equal(t, repository.AuditCreated, detail.History[0].Action)
	assert.Equal(t, repository.AuditApproved, detail.History[1].Action)
}

func TestPendingForApprover(t *testing.T) {
	env := newTestEnv()
	env.seedConfig(func(c *repository.WorkflowConfig) {
		c.ExpirationHours = intPtr(12)
		c.ExpirationAction = strPtr(repository.ExpireReject)
	})
	env.dir.roleMembers["role-manager"] = []string{"mgr-1"}
	ctx := context.Background()

	req, err := env.svc.CreateRequest(ctx, &CreateRequestInput{
		EntityType:  repository.EntityLeave,
		EntityID:    "leave-42",
		RequesterID: "emp-1",
	})
	require.NoError(t, err)

	items, err := env.svc.PendingForApprover(ctx, "mgr-1", "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, req.ID, items[0].Request.ID)
	assert.True(t, items[0].IsUrgent, "12h to expiry is inside the 24h urgent window")
	assert.Equal(t, 0, items[0].DaysPending)

	items, err = env.svc.PendingForApprover(ctx, "mgr-1", repository.EntityTrip)
	require.NoError(t, err)
	assert.Empty(t, items)

	counts, total, err := env.svc.PendingCounts(ctx, "mgr-1")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, counts[repository.EntityLeave])

	// Nothing pending for a stranger.
	_, total, err = env.svc.PendingCounts(ctx, "someone-else")
	require.NoError(t, err)
	assert.Zero(t, total)
}
