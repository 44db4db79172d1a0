package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TaskRecord is the durable state of a single task, independent of any
// in-memory goroutine still running it. Separating this from the
// goroutine-local bookkeeping (cancel func, completion channel) is what
// lets TaskStore implementations be swapped for a shared backing store
// without the task subsystem caring whether the process that started a
// task is the one that eventually serves tasks/get for it.
type TaskRecord struct {
	Seq       uint64
	SessionID string
	Task      Task
}

// TaskStore persists task records across the lifetime of a task
// (spec §4.7/§4.8): creation, status transitions, listing, and final
// result/error storage. A single process can use MemoryTaskStore; a
// deployment that load-balances a session's requests across processes
// needs an implementation backed by shared storage instead.
type TaskStore interface {
	// Create registers a new task for sessionID and returns its record.
	Create(ctx context.Context, sessionID string, meta Meta, rawArgs []byte, tp *TaskParams) (*TaskRecord, []byte, error)
	// Get returns the task record for taskID, scoped to sessionID.
	Get(ctx context.Context, sessionID, taskID string) (*TaskRecord, error)
	// List returns every non-expired task record for sessionID, ordered by
	// creation sequence.
	List(ctx context.Context, sessionID string) ([]*TaskRecord, error)
	// UpdateStatus transitions taskID to status, refreshing LastUpdatedAt.
	// It is a no-op if the task is already in a terminal status.
	UpdateStatus(ctx context.Context, taskID string, status TaskStatus, statusMessage string) (*TaskRecord, error)
	// Finish records the terminal result (or error) of a task.
	Finish(ctx context.Context, taskID string, result *CallToolResult, runErr error) (*TaskRecord, error)
	// Await blocks until taskID reaches a terminal status (or ctx is done)
	// and returns its stored result.
	Await(ctx context.Context, taskID string) (*CallToolResult, error, error)
}

type memoryTaskEntry struct {
	seq       uint64
	sessionID string
	args      []byte
	task      Task
	expiresAt *time.Time

	done   chan struct{}
	result *CallToolResult
	runErr error
}

// MemoryTaskStore is an in-process TaskStore, suitable for a
// single-instance deployment or for tests. It mirrors the in-memory task
// bookkeeping a server needs regardless of backing store: a sequence
// counter for pagination cursors, per-task expiry, and a completion
// channel for tasks/result to block on.
type MemoryTaskStore struct {
	mu    sync.Mutex
	next  uint64
	tasks map[string]*memoryTaskEntry
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*memoryTaskEntry)}
}

func (s *MemoryTaskStore) Create(ctx context.Context, sessionID string, meta Meta, rawArgs []byte, tp *TaskParams) (*TaskRecord, []byte, error) {
	now := time.Now().UTC()
	createdAt := now.Format(time.RFC3339)

	var ttl *int64
	var expiresAt *time.Time
	if tp != nil && tp.TTL != nil {
		v := *tp.TTL
		ttl = &v
		exp := now.Add(time.Duration(v) * time.Millisecond)
		expiresAt = &exp
	}

	taskID, err := newTaskID()
	if err != nil {
		return nil, nil, fmt.Errorf("generating task id: %w", err)
	}

	e := &memoryTaskEntry{
		sessionID: sessionID,
		args:      append([]byte(nil), rawArgs...),
		task: Task{
			Meta:          meta,
			TaskID:        taskID,
			Status:        TaskStatusWorking,
			StatusMessage: "The operation is now in progress.",
			CreatedAt:     createdAt,
			LastUpdatedAt: createdAt,
			TTL:           ttl,
		},
		expiresAt: expiresAt,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.next++
	e.seq = s.next
	s.tasks[taskID] = e
	s.mu.Unlock()

	return toRecord(e), e.args, nil
}

func (s *MemoryTaskStore) Get(ctx context.Context, sessionID, taskID string) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.tasks[taskID]
	if e == nil || e.sessionID != sessionID {
		return nil, NewError(CodeTaskNotFound, "Failed to retrieve task: Task not found", nil)
	}
	if e.expiresAt != nil && time.Now().After(*e.expiresAt) {
		delete(s.tasks, taskID)
		return nil, NewError(CodeTaskNotFound, "Failed to retrieve task: Task has expired", nil)
	}
	return toRecord(e), nil
}

func (s *MemoryTaskStore) List(ctx context.Context, sessionID string) ([]*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []*memoryTaskEntry
	for id, e := range s.tasks {
		if e.sessionID != sessionID {
			continue
		}
		if e.expiresAt != nil && now.After(*e.expiresAt) {
			delete(s.tasks, id)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	recs := make([]*TaskRecord, len(out))
	for i, e := range out {
		recs[i] = toRecord(e)
	}
	return recs, nil
}

func (s *MemoryTaskStore) UpdateStatus(ctx context.Context, taskID string, status TaskStatus, statusMessage string) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.tasks[taskID]
	if e == nil {
		return nil, NewError(CodeTaskNotFound, "task not found", nil)
	}
	if isTerminal(e.task.Status) {
		return toRecord(e), nil
	}
	e.task.Status = status
	e.task.StatusMessage = statusMessage
	e.task.LastUpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return toRecord(e), nil
}

func (s *MemoryTaskStore) Finish(ctx context.Context, taskID string, result *CallToolResult, runErr error) (*TaskRecord, error) {
	s.mu.Lock()
	e := s.tasks[taskID]
	if e == nil {
		s.mu.Unlock()
		return nil, NewError(CodeTaskNotFound, "task not found", nil)
	}
	e.result = result
	e.runErr = runErr
	if !isTerminal(e.task.Status) {
		e.task.LastUpdatedAt = time.Now().UTC().Format(time.RFC3339)
		switch {
		case runErr != nil:
			e.task.Status = TaskStatusFailed
			e.task.StatusMessage = runErr.Error()
		case result != nil && result.IsError:
			e.task.Status = TaskStatusFailed
			e.task.StatusMessage = "tool execution failed"
		default:
			e.task.Status = TaskStatusCompleted
			e.task.StatusMessage = ""
		}
	}
	rec := toRecord(e)
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	s.mu.Unlock()
	return rec, nil
}

func (s *MemoryTaskStore) Await(ctx context.Context, taskID string) (*CallToolResult, error, error) {
	s.mu.Lock()
	e := s.tasks[taskID]
	s.mu.Unlock()
	if e == nil {
		return nil, nil, NewError(CodeTaskNotFound, "task not found", nil)
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.result, e.runErr, nil
}

func toRecord(e *memoryTaskEntry) *TaskRecord {
	return &TaskRecord{Seq: e.seq, SessionID: e.sessionID, Task: e.task}
}

func isTerminal(s TaskStatus) bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}
