package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// memStore is an in-memory stand-in for the SQL repositories. It enforces
// the same optimistic version rules so the retry paths get exercised.
type memStore struct {
	mu        sync.Mutex
	seq       int
	now       func() time.Time
	configs   []*repository.WorkflowConfig
	requests  []*repository.ApprovalRequest
	decisions []*repository.ApprovalDecision
	audit     []*repository.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{now: time.Now}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

// ── ConfigStore ──────────────────────────────────────────────────────────────

func (m *memStore) Create(ctx context.Context, cfg *repository.WorkflowConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.ID = m.nextID("cfg")
	cfg.CreatedAt = m.now()
	cfg.UpdatedAt = cfg.CreatedAt
	cp := *cfg
	m.configs = append(m.configs, &cp)
	return nil
}

func (m *memStore) Update(ctx context.Context, cfg *repository.WorkflowConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.configs {
		if c.ID == cfg.ID {
			cfg.UpdatedAt = m.now()
			cp := *cfg
			m.configs[i] = &cp
			return nil
		}
	}
	return errors.NotFound("workflow_config", cfg.ID)
}

func (m *memStore) GetByConfigID(ctx context.Context, id string) (*repository.WorkflowConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.configs {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, errors.NotFound("workflow_config", id)
}

func (m *memStore) List(ctx context.Context, entityType string, activeOnly bool) ([]*repository.WorkflowConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.WorkflowConfig
	for _, c := range m.configs {
		if entityType != "" && c.EntityType != entityType {
			continue
		}
		if activeOnly && !c.IsActive {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].IsDefault != out[j].IsDefault {
			return !out[i].IsDefault
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *memStore) ListActiveByEntityType(ctx context.Context, entityType string) ([]*repository.WorkflowConfig, error) {
	return m.List(ctx, entityType, true)
}

func (m *memStore) Deactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.configs {
		if c.ID == id {
			c.IsActive = false
			return nil
		}
	}
	return errors.NotFound("workflow_config", id)
}

// ── RequestStore ─────────────────────────────────────────────────────────────

func (m *memStore) CreateRequest(ctx context.Context, req *repository.ApprovalRequest, decisions []*repository.ApprovalDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.ID = m.nextID("req")
	req.Version = 1
	req.CreatedAt = m.now()
	req.UpdatedAt = req.CreatedAt
	cp := *req
	m.requests = append(m.requests, &cp)
	for _, d := range decisions {
		d.RequestID = req.ID
		d.ID = m.nextID("dec")
		dcp := *d
		m.decisions = append(m.decisions, &dcp)
	}
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.findRequest(id); r != nil {
		cp := *r
		return &cp, nil
	}
	return nil, errors.NotFound("approval_request", id)
}

func (m *memStore) findRequest(id string) *repository.ApprovalRequest {
	for _, r := range m.requests {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (m *memStore) GetLatestByEntity(ctx context.Context, entityType, entityID string) (*repository.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *repository.ApprovalRequest
	for _, r := range m.requests {
		if r.EntityType == entityType && r.EntityID == entityID {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) ListByEntity(ctx context.Context, entityType, entityID string) ([]*repository.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.ApprovalRequest
	for _, r := range m.requests {
		if r.EntityType == entityType && r.EntityID == entityID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ApplyDecision(ctx context.Context, req *repository.ApprovalRequest, dec *repository.ApprovalDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var slot *repository.ApprovalDecision
	for _, d := range m.decisions {
		if d.ID == dec.ID {
			slot = d
			break
		}
	}
	if slot == nil || slot.Decision != nil {
		return repository.ErrVersionConflict
	}
	if err := m.casRequest(req); err != nil {
		return err
	}
	*slot = *dec
	return nil
}

func (m *memStore) UpdateResolution(ctx context.Context, req *repository.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casRequest(req)
}

func (m *memStore) Escalate(ctx context.Context, req *repository.ApprovalRequest, decisions []*repository.ApprovalDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.casRequest(req); err != nil {
		return err
	}
	for _, d := range decisions {
		d.RequestID = req.ID
		d.ID = m.nextID("dec")
		dcp := *d
		m.decisions = append(m.decisions, &dcp)
	}
	return nil
}

// casRequest applies the full request state when the caller's version still
// matches, mirroring the version guard in the SQL repository.
func (m *memStore) casRequest(req *repository.ApprovalRequest) error {
	stored := m.findRequest(req.ID)
	if stored == nil {
		return errors.NotFound("approval_request", req.ID)
	}
	if stored.Version != req.Version {
		return repository.ErrVersionConflict
	}
	req.Version++
	req.UpdatedAt = m.now()
	*stored = *req
	return nil
}

func (m *memStore) ListExpiring(ctx context.Context, now time.Time, limit int) ([]*repository.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.ApprovalRequest
	for _, r := range m.requests {
		if !r.Open() || r.ExpiresAt == nil || r.ExpiresAt.After(now) || r.ExpiryNotifiedAt != nil {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListReminderDue(ctx context.Context, now time.Time, limit int) ([]*repository.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.ApprovalRequest
	for _, r := range m.requests {
		if !r.Open() || !r.SendReminders || r.ExpiresAt == nil ||
			r.ReminderHoursBefore == nil || r.ReminderSentAt != nil {
			continue
		}
		windowStart := r.ExpiresAt.Add(-time.Duration(*r.ReminderHoursBefore) * time.Hour)
		if windowStart.After(now) || !r.ExpiresAt.After(now) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListPendingForApprover(ctx context.Context, approverID, entityType string) ([]*repository.PendingDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.PendingDecision
	for _, d := range m.decisions {
		if d.ApproverID != approverID || d.Decision != nil {
			continue
		}
		r := m.findRequest(d.RequestID)
		if r == nil || !r.Open() {
			continue
		}
		if r.ApprovalMode == repository.ModeSequential && d.ApprovalLevel != r.CurrentLevel {
			continue
		}
		if entityType != "" && r.EntityType != entityType {
			continue
		}
		out = append(out, &repository.PendingDecision{Decision: *d, Request: *r})
	}
	return out, nil
}

func (m *memStore) CountPendingForApprover(ctx context.Context, approverID string) (map[string]int, error) {
	items, err := m.ListPendingForApprover(ctx, approverID, "")
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, it := range items {
		counts[it.Request.EntityType]++
	}
	return counts, nil
}

// ── DecisionStore ────────────────────────────────────────────────────────────

func (m *memStore) GetByRequestID(ctx context.Context, requestID string) ([]*repository.ApprovalDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.ApprovalDecision
	for _, d := range m.decisions {
		if d.RequestID == requestID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ApprovalLevel < out[j].ApprovalLevel })
	return out, nil
}

func (m *memStore) GetDecisionByID(ctx context.Context, id string) (*repository.ApprovalDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.decisions {
		if d.ID == id {
			cp := *d
			return &cp, nil
		}
	}
	return nil, errors.NotFound("approval_decision", id)
}

func (m *memStore) Delegate(ctx context.Context, original *repository.ApprovalDecision, delegateID string, notes *string, at time.Time) (*repository.ApprovalDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var slot *repository.ApprovalDecision
	for _, d := range m.decisions {
		if d.ID == original.ID {
			slot = d
			break
		}
	}
	if slot == nil || slot.Decision != nil {
		return nil, errors.New(errors.ErrCodeAlreadyDecided, "decision slot is no longer open")
	}
	delegated := repository.DecisionDelegated
	slot.Decision = &delegated
	slot.DecisionNotes = notes
	slot.DelegatedToID = &delegateID
	slot.DecidedAt = &at

	spawned := &repository.ApprovalDecision{
		ID:            m.nextID("dec"),
		RequestID:     slot.RequestID,
		ApproverID:    delegateID,
		ApprovalLevel: slot.ApprovalLevel,
		AssignedAt:    at,
	}
	cp := *spawned
	m.decisions = append(m.decisions, &cp)
	return spawned, nil
}

// ── AuditStore ───────────────────────────────────────────────────────────────

func (m *memStore) Append(ctx context.Context, entry *repository.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = m.nextID("aud")
	entry.PerformedAt = m.now()
	cp := *entry
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *memStore) GetAuditByRequestID(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range m.audit {
		if e.RequestID == requestID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) auditActions(requestID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.audit {
		if e.RequestID == requestID {
			out = append(out, e.Action)
		}
	}
	return out
}

// ── directory, resolvers, dispatcher ─────────────────────────────────────────

type fakeDirectory struct {
	userRoles   map[string][]string
	roleMembers map[string][]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		userRoles:   make(map[string][]string),
		roleMembers: make(map[string][]string),
	}
}

func (f *fakeDirectory) GetUsersWithRole(ctx context.Context, role string) ([]string, error) {
	return f.roleMembers[role], nil
}

func (f *fakeDirectory) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	return f.userRoles[userID], nil
}

type resolverFunc func(ctx context.Context, requesterID string) ([]string, error)

func (f resolverFunc) Resolve(ctx context.Context, requesterID string) ([]string, error) {
	return f(ctx, requesterID)
}

type dispatchedEvent struct {
	eventType  string
	requestID  string
	actorID    string
	recipients []string
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []dispatchedEvent
}

func (d *recordingDispatcher) PublishApprovalEvent(ctx context.Context, eventType, requestID, entityType, actorID string, recipients []string, payload map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, dispatchedEvent{eventType, requestID, actorID, recipients})
}

func (d *recordingDispatcher) eventTypes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, e := range d.events {
		out = append(out, e.eventType)
	}
	return out
}

// ── wiring helpers ───────────────────────────────────────────────────────────

// Adapter types: memStore cannot offer two methods named Create/GetByID with
// different signatures, so the config and decision views rename theirs.
type configView struct{ *memStore }

func (v configView) GetByID(ctx context.Context, id string) (*repository.WorkflowConfig, error) {
	return v.GetByConfigID(ctx, id)
}

type requestView struct{ *memStore }

func (v requestView) Create(ctx context.Context, req *repository.ApprovalRequest, decisions []*repository.ApprovalDecision) error {
	return v.CreateRequest(ctx, req, decisions)
}

type decisionView struct{ *memStore }

func (v decisionView) GetByID(ctx context.Context, id string) (*repository.ApprovalDecision, error) {
	return v.GetDecisionByID(ctx, id)
}

type auditView struct{ *memStore }

func (v auditView) GetByRequestID(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	return v.GetAuditByRequestID(ctx, requestID)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	store    *memStore
	dir      *fakeDirectory
	dispatch *recordingDispatcher
	registry *RegistryService
	svc      *ApprovalService
	clock    *testClock
}

func newTestEnv() *testEnv {
	store := newMemStore()
	dir := newFakeDirectory()
	dispatch := &recordingDispatcher{}
	clock := &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	store.now = clock.Now

	log := logger.New(logger.Config{Level: "error", Environment: "test", ServiceName: "hr-approvals"})
	registry := NewRegistryService(configView{store}, log)
	svc := NewApprovalService(
		registry,
		requestView{store},
		decisionView{store},
		auditView{store},
		dir,
		map[string]DynamicRoleResolver{},
		dispatch,
		24*time.Hour,
		log,
	)
	svc.now = clock.Now

	return &testEnv{store: store, dir: dir, dispatch: dispatch, registry: registry, svc: svc, clock: clock}
}

// seedConfig creates an active config with sane defaults, then applies the
// given tweaks.
func (e *testEnv) seedConfig(tweak func(*repository.WorkflowConfig)) *repository.WorkflowConfig {
	cfg := &repository.WorkflowConfig{
		Name:                "default-leave",
		EntityType:          repository.EntityLeave,
		MinApprovers:        1,
		ApprovalMode:        repository.ModeAny,
		ApproverRoleIDs:     []string{"role-manager"},
		AutoAssignApprovers: true,
		Priority:            100,
		IsActive:            true,
	}
	if tweak != nil {
		tweak(cfg)
	}
	if err := e.registry.CreateConfig(context.Background(), cfg); err != nil {
		panic(err)
	}
	return cfg
}
