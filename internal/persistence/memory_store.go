package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

type memInstance struct {
	inst           api.WorkflowInstance
	leaseOwner     string
	leaseExpiresAt time.Time
}

// InMemoryStore is a goroutine-safe Store backed by maps. Rows are copied
// through the JSON codec on write so they read back exactly like rows from
// a SQL store.
type InMemoryStore struct {
	mu sync.RWMutex

	definitions map[string]api.WorkflowDefinition
	approvalWfs map[string]api.ApprovalWorkflow
	instances   map[string]*memInstance
	executions  map[string][]api.StepExecution
	events      map[string][]api.WorkflowEvent
	approvals   map[string]*api.ApprovalInstance
	actions     map[string][]api.ApprovalAction

	nextEventID int64
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[string]api.WorkflowDefinition),
		approvalWfs: make(map[string]api.ApprovalWorkflow),
		instances:   make(map[string]*memInstance),
		executions:  make(map[string][]api.StepExecution),
		events:      make(map[string][]api.WorkflowEvent),
		approvals:   make(map[string]*api.ApprovalInstance),
		actions:     make(map[string][]api.ApprovalAction),
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) SaveDefinition(_ context.Context, def api.WorkflowDefinition) error {
	cp, err := roundTrip(def)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.definitions[def.ID] = cp
	return nil
}

func (s *InMemoryStore) GetDefinition(_ context.Context, id string) (api.WorkflowDefinition, error) {
	s.mu.RLock()
	def, ok := s.definitions[id]
	s.mu.RUnlock()
	if !ok {
		return api.WorkflowDefinition{}, ErrNotFound
	}
	return roundTrip(def)
}

func (s *InMemoryStore) LatestDefinitionVersion(_ context.Context, name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := 0
	for _, d := range s.definitions {
		if d.Name == name && d.Version > latest {
			latest = d.Version
		}
	}
	return latest, nil
}

func (s *InMemoryStore) ListDefinitions(_ context.Context) ([]api.WorkflowDefinition, error) {
	s.mu.RLock()
	out := make([]api.WorkflowDefinition, 0, len(s.definitions))
	for _, d := range s.definitions {
		out = append(out, d)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return roundTrip(out)
}

func (s *InMemoryStore) SetDefinitionActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.definitions[id]
	if !ok {
		return ErrNotFound
	}
	def.IsActive = active
	s.definitions[id] = def
	return nil
}

func (s *InMemoryStore) SaveApprovalWorkflow(_ context.Context, wf api.ApprovalWorkflow) error {
	cp, err := roundTrip(wf)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if wf.IsActive {
		for id, other := range s.approvalWfs {
			if other.RequestType == wf.RequestType && other.IsActive {
				other.IsActive = false
				s.approvalWfs[id] = other
			}
		}
	}
	s.approvalWfs[wf.ID] = cp
	return nil
}

func (s *InMemoryStore) GetApprovalWorkflow(_ context.Context, id string) (api.ApprovalWorkflow, error) {
	s.mu.RLock()
	wf, ok := s.approvalWfs[id]
	s.mu.RUnlock()
	if !ok {
		return api.ApprovalWorkflow{}, ErrNotFound
	}
	return roundTrip(wf)
}

func (s *InMemoryStore) ActiveApprovalWorkflow(_ context.Context, requestType string) (api.ApprovalWorkflow, error) {
	s.mu.RLock()
	var (
		found api.ApprovalWorkflow
		ok    bool
	)
	for _, wf := range s.approvalWfs {
		if wf.RequestType == requestType && wf.IsActive {
			found, ok = wf, true
			break
		}
	}
	s.mu.RUnlock()
	if !ok {
		return api.ApprovalWorkflow{}, ErrNotFound
	}
	return roundTrip(found)
}

func (s *InMemoryStore) CreateInstance(_ context.Context, inst *api.WorkflowInstance, started api.WorkflowEvent) error {
	cp, err := roundTrip(*inst)
	if err != nil {
		return err
	}
	ev, err := roundTrip(started)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return ErrConflict
	}
	s.instances[inst.ID] = &memInstance{inst: cp}
	s.appendEventLocked(ev)
	return nil
}

func (s *InMemoryStore) GetInstance(_ context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	m, ok := s.instances[id]
	var inst api.WorkflowInstance
	if ok {
		inst = m.inst
	}
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp, err := roundTrip(inst)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *InMemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	var matched []api.WorkflowInstance
	for _, m := range s.instances {
		if matchesFilter(m.inst, filter) {
			matched = append(matched, m.inst)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].InitiatedAt.Equal(matched[j].InitiatedAt) {
			return matched[i].InitiatedAt.Before(matched[j].InitiatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	out := make([]*api.WorkflowInstance, 0, len(matched))
	for _, inst := range matched {
		cp, err := roundTrip(inst)
		if err != nil {
			return nil, err
		}
		out = append(out, &cp)
	}
	return out, nil
}

func matchesFilter(inst api.WorkflowInstance, f InstanceFilter) bool {
	if f.DefinitionID != "" && inst.DefinitionID != f.DefinitionID {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && inst.InitiatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !inst.InitiatedAt.Before(f.To) {
		return false
	}
	return true
}

func (s *InMemoryStore) AdvanceStep(_ context.Context, a Advance) (*api.WorkflowInstance, error) {
	vars, err := roundTrip(a.Variables)
	if err != nil {
		return nil, err
	}
	exec, err := roundTrip(a.Execution)
	if err != nil {
		return nil, err
	}
	ev, err := roundTrip(a.Event)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.instances[a.InstanceID]
	if !ok {
		return nil, ErrNotFound
	}
	if m.inst.CurrentStep != a.ExpectedStep || m.inst.Status.Terminal() {
		return nil, ErrConflict
	}

	m.inst.CurrentStep = a.ExpectedStep + 1
	m.inst.Variables = vars
	m.inst.WakeAt = nil
	m.inst.Version++
	s.putExecutionLocked(exec)
	s.appendEventLocked(ev)

	out, err := roundTrip(m.inst)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *InMemoryStore) Transition(_ context.Context, t Transition) (*api.WorkflowInstance, error) {
	var exec *api.StepExecution
	if t.Execution != nil {
		cp, err := roundTrip(*t.Execution)
		if err != nil {
			return nil, err
		}
		exec = &cp
	}
	var ev *api.WorkflowEvent
	if t.Event != nil {
		cp, err := roundTrip(*t.Event)
		if err != nil {
			return nil, err
		}
		ev = &cp
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.instances[t.InstanceID]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(m.inst.Status, t.From) {
		return nil, ErrConflict
	}

	m.inst.Status = t.To
	m.inst.Error = t.Error
	m.inst.CompletedAt = t.CompletedAt
	if t.To.Terminal() {
		m.inst.WakeAt = nil
	}
	m.inst.Version++
	if exec != nil {
		s.putExecutionLocked(*exec)
	}
	if ev != nil {
		s.appendEventLocked(*ev)
	}
	out, err := roundTrip(m.inst)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *InMemoryStore) ScheduleTimer(_ context.Context, instanceID string, expectedStep int, wakeAt time.Time, ev api.WorkflowEvent) error {
	evCopy, err := roundTrip(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.instances[instanceID]
	if !ok {
		return ErrNotFound
	}
	if m.inst.CurrentStep != expectedStep || m.inst.Status.Terminal() {
		return ErrConflict
	}
	w := wakeAt
	m.inst.WakeAt = &w
	m.inst.Version++
	s.appendEventLocked(evCopy)
	return nil
}

func (s *InMemoryStore) DeleteInstancesBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, m := range s.instances {
		if !m.inst.Status.Terminal() || m.inst.CompletedAt == nil || !m.inst.CompletedAt.Before(cutoff) {
			continue
		}
		delete(s.instances, id)
		delete(s.executions, id)
		delete(s.events, id)
		n++
	}
	return n, nil
}

func (s *InMemoryStore) TryAcquireLease(_ context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.instances[instanceID]
	if !ok {
		return false, ErrNotFound
	}
	now := time.Now()
	if m.leaseOwner != "" && m.leaseOwner != owner && now.Before(m.leaseExpiresAt) {
		return false, nil
	}
	m.leaseOwner = owner
	m.leaseExpiresAt = now.Add(ttl)
	return true, nil
}

func (s *InMemoryStore) RenewLease(_ context.Context, instanceID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.instances[instanceID]
	if !ok {
		return ErrNotFound
	}
	if m.leaseOwner != owner {
		return ErrConflict
	}
	m.leaseExpiresAt = time.Now().Add(ttl)
	return nil
}

func (s *InMemoryStore) ReleaseLease(_ context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.instances[instanceID]
	if !ok {
		return nil
	}
	if m.leaseOwner == "" || m.leaseOwner == owner {
		m.leaseOwner = ""
		m.leaseExpiresAt = time.Time{}
	}
	return nil
}

func (s *InMemoryStore) StartStepExecution(_ context.Context, exec api.StepExecution) error {
	cp, err := roundTrip(exec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[exec.InstanceID]; !ok {
		return ErrNotFound
	}
	s.executions[exec.InstanceID] = append(s.executions[exec.InstanceID], cp)
	return nil
}

func (s *InMemoryStore) FinishStepExecution(_ context.Context, exec api.StepExecution) error {
	cp, err := roundTrip(exec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.executions[exec.InstanceID] {
		if row.ID == exec.ID {
			s.putExecutionLocked(cp)
			return nil
		}
	}
	return ErrNotFound
}

// putExecutionLocked replaces the row with exec.ID, or appends it.
func (s *InMemoryStore) putExecutionLocked(exec api.StepExecution) {
	rows := s.executions[exec.InstanceID]
	for i := range rows {
		if rows[i].ID == exec.ID {
			rows[i] = exec
			return
		}
	}
	s.executions[exec.InstanceID] = append(rows, exec)
}

func (s *InMemoryStore) OpenStepExecution(_ context.Context, instanceID, stepID string) (*api.StepExecution, error) {
	s.mu.RLock()
	var (
		found api.StepExecution
		ok    bool
	)
	rows := s.executions[instanceID]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].StepID == stepID && rows[i].Status == api.StepRunning {
			found, ok = rows[i], true
			break
		}
	}
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp, err := roundTrip(found)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *InMemoryStore) ListStepExecutions(_ context.Context, instanceID string) ([]api.StepExecution, error) {
	s.mu.RLock()
	rows := append([]api.StepExecution(nil), s.executions[instanceID]...)
	s.mu.RUnlock()
	return roundTrip(rows)
}

func (s *InMemoryStore) AppendEvent(_ context.Context, ev api.WorkflowEvent) error {
	cp, err := roundTrip(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendEventLocked(cp)
	return nil
}

func (s *InMemoryStore) appendEventLocked(ev api.WorkflowEvent) {
	s.nextEventID++
	ev.ID = s.nextEventID
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events[ev.InstanceID] = append(s.events[ev.InstanceID], ev)
}

func (s *InMemoryStore) ListEvents(_ context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	s.mu.RLock()
	evs := append([]api.WorkflowEvent(nil), s.events[instanceID]...)
	s.mu.RUnlock()
	return roundTrip(evs)
}

func (s *InMemoryStore) CreateApprovalInstance(_ context.Context, inst *api.ApprovalInstance, actions ...api.ApprovalAction) error {
	cp, err := roundTrip(*inst)
	if err != nil {
		return err
	}
	acts, err := roundTrip(actions)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.approvals[inst.ID]; exists {
		return ErrConflict
	}
	s.approvals[inst.ID] = &cp
	s.actions[inst.ID] = append(s.actions[inst.ID], acts...)
	return nil
}

func (s *InMemoryStore) GetApprovalInstance(_ context.Context, id string) (*api.ApprovalInstance, error) {
	s.mu.RLock()
	inst, ok := s.approvals[id]
	var snapshot api.ApprovalInstance
	if ok {
		snapshot = *inst
	}
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp, err := roundTrip(snapshot)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *InMemoryStore) ListApprovalInstances(_ context.Context, status api.ApprovalStatus) ([]*api.ApprovalInstance, error) {
	s.mu.RLock()
	var matched []api.ApprovalInstance
	for _, inst := range s.approvals {
		if status == "" || inst.Status == status {
			matched = append(matched, *inst)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].InitiatedAt.Equal(matched[j].InitiatedAt) {
			return matched[i].InitiatedAt.Before(matched[j].InitiatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	out := make([]*api.ApprovalInstance, 0, len(matched))
	for _, inst := range matched {
		cp, err := roundTrip(inst)
		if err != nil {
			return nil, err
		}
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryStore) ApplyApprovalAction(_ context.Context, inst *api.ApprovalInstance, action api.ApprovalAction) error {
	next := *inst
	next.Version = inst.Version + 1
	cp, err := roundTrip(next)
	if err != nil {
		return err
	}
	act, err := roundTrip(action)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.approvals[inst.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != inst.Version || stored.Status != api.ApprovalPending {
		return ErrConflict
	}
	s.approvals[inst.ID] = &cp
	s.actions[inst.ID] = append(s.actions[inst.ID], act)
	inst.Version = next.Version
	return nil
}

func (s *InMemoryStore) ListApprovalActions(_ context.Context, instanceID string) ([]api.ApprovalAction, error) {
	s.mu.RLock()
	acts := append([]api.ApprovalAction(nil), s.actions[instanceID]...)
	s.mu.RUnlock()
	return roundTrip(acts)
}
