package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store for tests. It mirrors the durable store's
// contract: copy-on-read records, first-write-wins snapshots, single-use
// nonces, and compare-and-swap leases.
type memStore struct {
	mu       sync.Mutex
	plans    map[string]*Plan
	jobs     map[string]*Job
	snaps    map[string]*Snapshot
	failures map[string]*DeviceFailureState
	leases   map[string]*JobLease
	nonces   map[string]bool
	audits   []*AuditEntry
	pingErr  error
	now      func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		plans:    make(map[string]*Plan),
		jobs:     make(map[string]*Job),
		snaps:    make(map[string]*Snapshot),
		failures: make(map[string]*DeviceFailureState),
		leases:   make(map[string]*JobLease),
		nonces:   make(map[string]bool),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func notFoundErr(what, id string) error {
	return NewPermanentError(fmt.Sprintf("%s %s not found", what, id), nil).
		WithCode(ErrCodeNotFound)
}

func (s *memStore) CreatePlan(_ context.Context, plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *plan
	s.plans[plan.ID] = &cp
	return nil
}

func (s *memStore) GetPlan(_ context.Context, id string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, notFoundErr("plan", id)
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) UpdatePlan(_ context.Context, plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; !ok {
		return notFoundErr("plan", plan.ID)
	}
	plan.Version++
	cp := *plan
	s.plans[plan.ID] = &cp
	return nil
}

func (s *memStore) ListPlans(_ context.Context, limit, offset int) ([]*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Plan, 0, len(s.plans))
	for _, p := range s.plans {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) CreateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, notFoundErr("job", id)
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) UpdateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return notFoundErr("job", job.ID)
	}
	job.Version++
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) ListJobsByPlan(_ context.Context, planID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0)
	for _, j := range s.jobs {
		if j.PlanID == planID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) ActiveJobForPlan(_ context.Context, planID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.PlanID == planID && j.Status.IsActive() {
			cp := *j
			return &cp, nil
		}
	}
	return nil, notFoundErr("active job for plan", planID)
}

func (s *memStore) NextPendingJob(_ context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *Job
	for _, j := range s.jobs {
		if j.Status != JobStatusPending && j.Status != JobStatusRunning {
			continue
		}
		if lease, ok := s.leases[j.ID]; ok && lease.ExpiresAt.After(s.now()) {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, notFoundErr("pending job", "queue")
	}
	cp := *oldest
	return &cp, nil
}

func (s *memStore) AcquireJobLease(_ context.Context, jobID, owner string, ttl time.Duration) (*JobLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lease, ok := s.leases[jobID]; ok && lease.ExpiresAt.After(s.now()) && lease.Owner != owner {
		return nil, NewConflictError(fmt.Sprintf("job %s lease held by %s", jobID, lease.Owner), nil).
			WithCode(ErrCodeLeaseHeld)
	}
	lease := &JobLease{JobID: jobID, Owner: owner, ExpiresAt: s.now().Add(ttl), Version: 1}
	s.leases[jobID] = lease
	cp := *lease
	return &cp, nil
}

func (s *memStore) RenewJobLease(_ context.Context, jobID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[jobID]
	if !ok || lease.Owner != owner {
		return NewConflictError(fmt.Sprintf("job %s lease not held by %s", jobID, owner), nil).
			WithCode(ErrCodeLeaseHeld)
	}
	lease.ExpiresAt = s.now().Add(ttl)
	lease.Version++
	return nil
}

func (s *memStore) ReleaseJobLease(_ context.Context, jobID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lease, ok := s.leases[jobID]; ok && lease.Owner == owner {
		delete(s.leases, jobID)
	}
	return nil
}

func (s *memStore) SaveSnapshot(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := snap.JobID + "|" + snap.DeviceID
	if _, ok := s.snaps[key]; ok {
		return nil
	}
	cp := *snap
	s.snaps[key] = &cp
	return nil
}

func (s *memStore) GetSnapshot(_ context.Context, jobID, deviceID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[jobID+"|"+deviceID]
	if !ok {
		return nil, notFoundErr("snapshot", jobID+"/"+deviceID)
	}
	cp := *snap
	return &cp, nil
}

func (s *memStore) ListSnapshotsByJob(_ context.Context, jobID string) ([]*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Snapshot, 0)
	for _, snap := range s.snaps {
		if snap.JobID == jobID {
			cp := *snap
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *memStore) GetDeviceFailureState(_ context.Context, deviceID string) (*DeviceFailureState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.failures[deviceID]
	if !ok {
		return nil, notFoundErr("device failure state", deviceID)
	}
	cp := *st
	return &cp, nil
}

func (s *memStore) UpsertDeviceFailureState(_ context.Context, state *DeviceFailureState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.failures[state.DeviceID] = &cp
	return nil
}

func (s *memStore) ConsumeApprovalNonce(_ context.Context, nonce, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nonces[nonce] {
		return NewConflictError(fmt.Sprintf("approval token for plan %s already used", planID), nil).
			WithCode(ErrCodeTokenAlreadyUsed)
	}
	s.nonces[nonce] = true
	return nil
}

func (s *memStore) AppendAudit(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	cp.ID = int64(len(s.audits) + 1)
	s.audits = append(s.audits, &cp)
	return nil
}

func (s *memStore) ListAudit(_ context.Context, targetID string, limit, offset int) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AuditEntry, 0)
	for _, e := range s.audits {
		if targetID == "" || e.TargetID == targetID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

// memDirectory is a fixed in-memory DeviceDirectory.
type memDirectory struct {
	devices map[string]Device
}

func newMemDirectory(devices ...Device) *memDirectory {
	m := &memDirectory{devices: make(map[string]Device)}
	for _, d := range devices {
		m.devices[d.ID] = d
	}
	return m
}

func (m *memDirectory) GetDevice(_ context.Context, id string) (*Device, error) {
	d, ok := m.devices[id]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("device %s not found", id), nil).
			WithCode(ErrCodeDeviceNotFound).WithDevice(id)
	}
	cp := d
	return &cp, nil
}

func (m *memDirectory) ListDevices(_ context.Context, filter DeviceFilter) ([]Device, error) {
	out := make([]Device, 0)
	for _, d := range m.devices {
		if filter.Environment != "" && d.Environment != filter.Environment {
			continue
		}
		if filter.Capability != "" && !d.HasCapability(ChangeTopic(filter.Capability)) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// fakeProvider is a scriptable ChangeProvider.
type fakeProvider struct {
	topic          ChangeTopic
	alreadyApplied map[string]bool
	diffErr        map[string]error
	captureErr     map[string]error
	current        json.RawMessage
}

func newFakeProvider(topic ChangeTopic) *fakeProvider {
	return &fakeProvider{
		topic:          topic,
		alreadyApplied: make(map[string]bool),
		diffErr:        make(map[string]error),
		captureErr:     make(map[string]error),
		current:        json.RawMessage(`{"servers":["10.0.0.1"]}`),
	}
}

func (p *fakeProvider) Topic() ChangeTopic { return p.topic }

func (p *fakeProvider) Diff(_ context.Context, device Device, desired json.RawMessage) (*DeviceChange, error) {
	if err := p.diffErr[device.ID]; err != nil {
		return nil, err
	}
	return &DeviceChange{
		DeviceID:       device.ID,
		Forward:        Operation{Path: "/ip/dns", Method: "PATCH", Body: desired},
		Inverse:        Operation{Path: "/ip/dns", Method: "PATCH", Body: p.current},
		AlreadyApplied: p.alreadyApplied[device.ID],
	}, nil
}

func (p *fakeProvider) CaptureState(_ context.Context, device Device) (json.RawMessage, error) {
	if err := p.captureErr[device.ID]; err != nil {
		return nil, err
	}
	return p.current, nil
}

func (p *fakeProvider) Inverse(_ Device, prior json.RawMessage) (Operation, error) {
	return Operation{Path: "/ip/dns", Method: "PATCH", Body: prior}, nil
}

// fakeClient records executed operations and fails the devices it is told
// to. failFrom fails a device's Nth and later calls (1-based), which lets a
// forward operation succeed while its inverse fails.
type fakeClient struct {
	mu        sync.Mutex
	executed  []string
	callCount map[string]int
	failOn    map[string]error
	failFrom  map[string]int

	// onExecute, when set, runs once per call before the scripted result,
	// letting a test inject events while a batch is mid-flight.
	onExecute func(deviceID string)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		callCount: make(map[string]int),
		failOn:    make(map[string]error),
		failFrom:  make(map[string]int),
	}
}

func (c *fakeClient) Execute(_ context.Context, device Device, op Operation, _ time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	hook := c.onExecute
	c.mu.Unlock()
	if hook != nil {
		hook(device.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed = append(c.executed, device.ID+" "+op.Method+" "+op.Path)
	c.callCount[device.ID]++
	if err := c.failOn[device.ID]; err != nil {
		return nil, err
	}
	if from, ok := c.failFrom[device.ID]; ok && c.callCount[device.ID] >= from {
		return nil, NewTransientError("device call failed", nil).
			WithCode(ErrCodeDeviceUnreachable).WithDevice(device.ID)
	}
	return json.RawMessage(`{}`), nil
}

func (c *fakeClient) calls(deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCount[deviceID]
}

// fakeHealth reports the scripted state per device, healthy by default.
type fakeHealth struct {
	mu     sync.Mutex
	states map[string]HealthState
	err    error
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{states: make(map[string]HealthState)}
}

func (h *fakeHealth) Check(_ context.Context, devices []Device) (map[string]HealthState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	out := make(map[string]HealthState, len(devices))
	for _, d := range devices {
		if s, ok := h.states[d.ID]; ok {
			out[d.ID] = s
		} else {
			out[d.ID] = HealthHealthy
		}
	}
	return out, nil
}

func (h *fakeHealth) set(deviceID string, state HealthState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[deviceID] = state
}

// fakeAdmitter returns the scripted denials and warnings.
type fakeAdmitter struct {
	denials  []string
	warnings []string
	err      error
}

func (a *fakeAdmitter) AdmitPlan(_ context.Context, _ *Plan, _ []Device) ([]string, []string, error) {
	return a.denials, a.warnings, a.err
}
