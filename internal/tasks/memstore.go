package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nexuscore/core/internal/corerr"
)

// MemStore is the in-memory default Store, wired by cmd/nexus-core in
// place of a SQL-backed implementation per spec §1's persistence
// Non-goals. AcquireExecution/ReleaseExecution serialize through the
// same mutex every other method uses, which is sufficient for a
// single-process scheduler; a multi-instance deployment needs a real
// "SELECT FOR UPDATE SKIP LOCKED" store instead.
type MemStore struct {
	mu         sync.Mutex
	tasks      map[string]*ScheduledTask
	executions map[string]*TaskExecution
}

// NewMemStore returns an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:      make(map[string]*ScheduledTask),
		executions: make(map[string]*TaskExecution),
	}
}

var _ Store = (*MemStore)(nil)

func (m *MemStore) CreateTask(ctx context.Context, task *ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return corerr.New(corerr.CodeConflict, "task already exists: "+task.ID)
	}
	m.tasks[task.ID] = task
	return nil
}

func (m *MemStore) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, corerr.New(corerr.CodeNotFound, "task not found: "+id)
	}
	return task, nil
}

func (m *MemStore) UpdateTask(ctx context.Context, task *ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return corerr.New(corerr.CodeNotFound, "task not found: "+task.ID)
	}
	m.tasks[task.ID] = task
	return nil
}

func (m *MemStore) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *MemStore) ListTasks(ctx context.Context, opts ListTasksOptions) ([]*ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*ScheduledTask
	for _, t := range m.tasks {
		if opts.Status != nil && t.Status != *opts.Status {
			continue
		}
		if opts.AgentID != "" && t.AgentID != opts.AgentID {
			continue
		}
		if !opts.IncludeDisabled && t.Status == TaskStatusDisabled {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	return paginate(matched, opts.Offset, opts.Limit), nil
}

func (m *MemStore) CreateExecution(ctx context.Context, exec *TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[exec.ID] = exec
	return nil
}

func (m *MemStore) GetExecution(ctx context.Context, id string) (*TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, corerr.New(corerr.CodeNotFound, "execution not found: "+id)
	}
	return exec, nil
}

func (m *MemStore) UpdateExecution(ctx context.Context, exec *TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; !ok {
		return corerr.New(corerr.CodeNotFound, "execution not found: "+exec.ID)
	}
	m.executions[exec.ID] = exec
	return nil
}

func (m *MemStore) ListExecutions(ctx context.Context, taskID string, opts ListExecutionsOptions) ([]*TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*TaskExecution
	for _, e := range m.executions {
		if e.TaskID != taskID {
			continue
		}
		if opts.Status != nil && e.Status != *opts.Status {
			continue
		}
		if opts.Since != nil && e.ScheduledAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.ScheduledAt.After(*opts.Until) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ScheduledAt.After(matched[j].ScheduledAt) })
	return paginate(matched, opts.Offset, opts.Limit), nil
}

func (m *MemStore) GetDueTasks(ctx context.Context, now time.Time, limit int) ([]*ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*ScheduledTask
	for _, t := range m.tasks {
		if t.Status != TaskStatusActive {
			continue
		}
		if t.NextRunAt.After(now) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// AcquireExecution picks the oldest pending, unlocked execution and
// marks it locked for workerID until now+lockDuration.
func (m *MemStore) AcquireExecution(ctx context.Context, workerID string, lockDuration time.Duration) (*TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var candidates []*TaskExecution
	for _, e := range m.executions {
		if e.Status != ExecutionStatusPending {
			continue
		}
		if e.LockedUntil != nil && e.LockedUntil.After(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ScheduledAt.Before(candidates[j].ScheduledAt) })

	exec := candidates[0]
	exec.Status = ExecutionStatusRunning
	exec.WorkerID = workerID
	lockedAt := now
	lockedUntil := now.Add(lockDuration)
	exec.LockedAt = &lockedAt
	exec.LockedUntil = &lockedUntil
	exec.StartedAt = &lockedAt
	return exec, nil
}

func (m *MemStore) ReleaseExecution(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return corerr.New(corerr.CodeNotFound, "execution not found: "+executionID)
	}
	exec.LockedUntil = nil
	if exec.Status == ExecutionStatusRunning {
		exec.Status = ExecutionStatusPending
	}
	return nil
}

func (m *MemStore) CompleteExecution(ctx context.Context, executionID string, status ExecutionStatus, response string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return corerr.New(corerr.CodeNotFound, "execution not found: "+executionID)
	}
	now := time.Now()
	exec.Status = status
	exec.Response = response
	exec.Error = errMsg
	exec.FinishedAt = &now
	if exec.StartedAt != nil {
		exec.Duration = now.Sub(*exec.StartedAt)
	}
	return nil
}

func (m *MemStore) GetRunningExecutions(ctx context.Context, taskID string) ([]*TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var running []*TaskExecution
	for _, e := range m.executions {
		if e.TaskID == taskID && e.Status == ExecutionStatusRunning {
			running = append(running, e)
		}
	}
	return running, nil
}

func (m *MemStore) CleanupStaleExecutions(ctx context.Context, timeout time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	count := 0
	for _, e := range m.executions {
		if e.Status != ExecutionStatusRunning || e.StartedAt == nil {
			continue
		}
		if e.StartedAt.Before(cutoff) {
			now := time.Now()
			e.Status = ExecutionStatusTimedOut
			e.Error = "execution exceeded stale timeout"
			e.FinishedAt = &now
			count++
		}
	}
	return count, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
