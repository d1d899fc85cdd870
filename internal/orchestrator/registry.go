package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/local/pagesorter/internal/store"
	"github.com/local/pagesorter/internal/tasks"
)

// RegistryBackend stores pending task records.
type RegistryBackend interface {
	Put(ctx context.Context, p store.Pending) error
	List(ctx context.Context, jobID string) ([]store.Pending, error)
	Remove(ctx context.Context, jobID, handle string) error
	Clear(ctx context.Context, jobID string) error
}

// StatusReader fetches task state by handle.
type StatusReader interface {
	Get(ctx context.Context, taskID string) (store.Status, bool, error)
}

// TaskRegistry tracks which tasks a client is waiting on. Records are
// dropped once their task reaches a terminal state and has been reported.
type TaskRegistry struct {
	backend RegistryBackend
	status  StatusReader
	now     func() time.Time
}

func NewTaskRegistry(backend RegistryBackend, status StatusReader) *TaskRegistry {
	if backend == nil {
		backend = NewMemoryRegistry()
	}
	return &TaskRegistry{backend: backend, status: status, now: time.Now}
}

// Register records handle as the job's task for purpose.
func (r *TaskRegistry) Register(ctx context.Context, jobID, purpose, handle, label string) error {
	return r.backend.Put(ctx, store.Pending{
		JobID: jobID, Purpose: purpose, Handle: handle, Label: label,
		RegisteredAt: r.now().UTC(),
	})
}

// Poll returns the task state. A handle whose state expired reports false.
func (r *TaskRegistry) Poll(ctx context.Context, handle string) (store.Status, bool, error) {
	return r.status.Get(ctx, handle)
}

// Forget drops the record holding handle.
func (r *TaskRegistry) Forget(ctx context.Context, handle string) error {
	jobID, _, ok := tasks.ParseID(handle)
	if !ok {
		return nil
	}
	return r.backend.Remove(ctx, jobID, handle)
}

// PendingTask is a record with its current state.
type PendingTask struct {
	store.Pending
	State *store.Status `json:"state,omitempty"`
}

// Pending polls every task registered for jobID. Terminal and expired
// tasks are reported once and forgotten.
func (r *TaskRegistry) Pending(ctx context.Context, jobID string) ([]PendingTask, error) {
	list, err := r.backend.List(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]PendingTask, 0, len(list))
	for _, p := range list {
		st, ok, err := r.status.Get(ctx, p.Handle)
		if err != nil {
			return nil, err
		}
		pt := PendingTask{Pending: p}
		if ok {
			pt.State = &st
		}
		if !ok || st.Terminal() {
			if err := r.backend.Remove(ctx, jobID, p.Handle); err != nil {
				return nil, err
			}
		}
		out = append(out, pt)
	}
	return out, nil
}

// Clear drops all records of a job.
func (r *TaskRegistry) Clear(ctx context.Context, jobID string) error {
	return r.backend.Clear(ctx, jobID)
}

// MemoryRegistry is a process-local RegistryBackend.
type MemoryRegistry struct {
	mu   sync.Mutex
	jobs map[string]map[string]store.Pending
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{jobs: map[string]map[string]store.Pending{}}
}

func (m *MemoryRegistry) Put(_ context.Context, p store.Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs[p.JobID] == nil {
		m.jobs[p.JobID] = map[string]store.Pending{}
	}
	m.jobs[p.JobID][p.Purpose] = p
	return nil
}

func (m *MemoryRegistry) List(_ context.Context, jobID string) ([]store.Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Pending, 0, len(m.jobs[jobID]))
	for _, p := range m.jobs[jobID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (m *MemoryRegistry) Remove(_ context.Context, jobID, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for purpose, p := range m.jobs[jobID] {
		if p.Handle == handle {
			delete(m.jobs[jobID], purpose)
		}
	}
	return nil
}

func (m *MemoryRegistry) Clear(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}
