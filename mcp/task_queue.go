package mcp

import (
	"context"
	"sync"

	"github.com/mcprt/corerpc/internal/json"
)

// QueuedMessage is a server-initiated request or notification produced by
// a task's handler that is buffered rather than written to the wire
// immediately (spec §4.7's side channel): a sampling/createMessage or
// elicitation/create request, or a progress/status notification. ID is
// set only for messages that expect a response; a response to one is
// routed back to the handler blocked on it via the owning taskRunner's
// pending-response table.
type QueuedMessage struct {
	SessionID string
	TaskID    string
	ID        string
	Method    string
	Params    json.RawMessage
}

// MessageQueue buffers QueuedMessages per task so a tasks/result call can
// deliver them, in FIFO order, once the task's status is input_required
// (spec §4.7/§4.8). Enqueue and Dequeue are each atomic, and size
// enforcement happens inside Enqueue, so a handler that races a
// tasks/result drain can't create a message loss or double-delivery
// window.
type MessageQueue interface {
	// Enqueue appends msg to taskID's queue, failing if the queue already
	// holds maxSize messages. maxSize <= 0 means unbounded.
	Enqueue(ctx context.Context, taskID string, msg *QueuedMessage, maxSize int) error
	// Dequeue removes and returns the oldest queued message for taskID, if
	// any remain.
	Dequeue(ctx context.Context, taskID string) (*QueuedMessage, bool, error)
}

// MemoryMessageQueue is an in-process, per-task FIFO MessageQueue.
type MemoryMessageQueue struct {
	mu    sync.Mutex
	queue map[string][]*QueuedMessage
}

func NewMemoryMessageQueue() *MemoryMessageQueue {
	return &MemoryMessageQueue{queue: make(map[string][]*QueuedMessage)}
}

func (q *MemoryMessageQueue) Enqueue(ctx context.Context, taskID string, msg *QueuedMessage, maxSize int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxSize > 0 && len(q.queue[taskID]) >= maxSize {
		return NewError(CodeInternalError, "task side-channel queue is full", nil)
	}
	q.queue[taskID] = append(q.queue[taskID], msg)
	return nil
}

func (q *MemoryMessageQueue) Dequeue(ctx context.Context, taskID string) (*QueuedMessage, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.queue[taskID]
	if len(msgs) == 0 {
		return nil, false, nil
	}
	msg := msgs[0]
	if len(msgs) == 1 {
		delete(q.queue, taskID)
	} else {
		q.queue[taskID] = append([]*QueuedMessage(nil), msgs[1:]...)
	}
	return msg, true, nil
}
