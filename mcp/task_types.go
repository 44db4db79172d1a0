package mcp

// TaskStatus is the lifecycle state of a task (spec §4.7). Every task
// starts in TaskStatusWorking and ends in exactly one of the three
// terminal states; once terminal, a status never changes again.
type TaskStatus string

const (
	TaskStatusWorking TaskStatus = "working"
	// TaskStatusInputRequired means the task's handler is blocked waiting
	// for a response to a server-initiated request (sampling or
	// elicitation) it queued on the task's side channel. It is not
	// terminal: the task returns to TaskStatusWorking once that response
	// arrives.
	TaskStatusInputRequired TaskStatus = "input_required"
	TaskStatusCompleted     TaskStatus = "completed"
	TaskStatusFailed        TaskStatus = "failed"
	TaskStatusCancelled     TaskStatus = "cancelled"
)

// Task is the durable, client-visible representation of an asynchronous
// operation: a snapshot of status the client polls for, or is notified
// about, independent of whatever connection it used to start the
// operation.
type Task struct {
	Meta `json:"_meta,omitempty"`
	// TaskID uniquely identifies this task within the session that created
	// it.
	TaskID string `json:"taskId"`
	// Status is the task's current lifecycle state.
	Status TaskStatus `json:"status"`
	// StatusMessage is a short, human-readable description of Status.
	StatusMessage string `json:"statusMessage,omitempty"`
	// CreatedAt is an RFC 3339 timestamp of task creation.
	CreatedAt string `json:"createdAt"`
	// LastUpdatedAt is an RFC 3339 timestamp of the most recent status
	// transition.
	LastUpdatedAt string `json:"lastUpdatedAt"`
	// TTL is the task's requested time-to-live in milliseconds, after
	// which the task and its result may be discarded. A nil TTL means the
	// task never expires on its own.
	TTL *int64 `json:"ttl,omitempty"`
}

// TaskParams is embedded in a request's params (as the Task field) to ask
// the server to execute that request as a task instead of synchronously.
type TaskParams struct {
	// TTL requests how long, in milliseconds, the server should retain the
	// task and its result, counted from the task's creation.
	TTL *int64 `json:"ttl,omitempty"`
}

// CreateTaskResult is returned in place of a request's normal result when
// the server accepted it for task-augmented execution.
type CreateTaskResult struct {
	Meta `json:"_meta,omitempty"`
	Task *Task `json:"task"`
}

func (*CreateTaskResult) isResult() {}

// GetTaskParams requests the current status of a task.
type GetTaskParams struct {
	Meta   `json:"_meta,omitempty"`
	TaskID string `json:"taskId"`
}

func (x *GetTaskParams) isParams()              {}
func (x *GetTaskParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *GetTaskParams) SetProgressToken(t any) { setProgressToken(x, t) }

// GetTaskResult is the current status of a task. It shares Task's shape
// exactly: the type is distinct so tasks/get's result can be distinguished
// from a CreateTaskResult in the dispatch table.
type GetTaskResult Task

func (*GetTaskResult) isResult() {}

// ListTasksParams requests a page of the calling session's tasks.
type ListTasksParams struct {
	Meta   `json:"_meta,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

func (x *ListTasksParams) isParams()              {}
func (x *ListTasksParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *ListTasksParams) SetProgressToken(t any) { setProgressToken(x, t) }
func (x *ListTasksParams) cursorPtr() *string     { return &x.Cursor }

// ListTasksResult is a page of tasks belonging to the calling session.
type ListTasksResult struct {
	Meta       `json:"_meta,omitempty"`
	Tasks      []*Task `json:"tasks"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

func (x *ListTasksResult) isResult()              {}
func (x *ListTasksResult) nextCursorPtr() *string { return &x.NextCursor }

// CancelTaskParams requests cancellation of an in-flight task.
type CancelTaskParams struct {
	Meta   `json:"_meta,omitempty"`
	TaskID string `json:"taskId"`
}

func (x *CancelTaskParams) isParams()              {}
func (x *CancelTaskParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *CancelTaskParams) SetProgressToken(t any) { setProgressToken(x, t) }

// CancelTaskResult is the task's status immediately after cancellation
// was requested, normally TaskStatusCancelled.
type CancelTaskResult Task

func (*CancelTaskResult) isResult() {}

// TaskResultParams requests the final result of a completed task, blocking
// until the task reaches a terminal status if it hasn't already.
type TaskResultParams struct {
	Meta   `json:"_meta,omitempty"`
	TaskID string `json:"taskId"`
}

func (x *TaskResultParams) isParams()              {}
func (x *TaskResultParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *TaskResultParams) SetProgressToken(t any) { setProgressToken(x, t) }

// TaskStatusNotificationParams is sent (client- or server-bound, depending
// on which side owns the task) whenever a task's status changes.
type TaskStatusNotificationParams Task

func (x *TaskStatusNotificationParams) isParams()              {}
func (x *TaskStatusNotificationParams) GetProgressToken() any  { return nil }
func (x *TaskStatusNotificationParams) SetProgressToken(t any) {}

// ToolExecution describes how a tool participates in task augmentation.
type ToolExecution struct {
	// TaskSupport is one of "forbidden" (default), "optional", or
	// "required".
	TaskSupport string `json:"taskSupport,omitempty"`
}

// TasksCapability advertises server support for the task subsystem.
type TasksCapability struct {
	// List is present if the server supports tasks/list.
	List *struct{} `json:"list,omitempty"`
	// Cancel is present if the server supports tasks/cancel.
	Cancel *struct{} `json:"cancel,omitempty"`
	// Requests declares, per request type, whether that request supports
	// task augmentation.
	Requests *TasksRequestsCapability `json:"requests,omitempty"`
}

// TasksRequestsCapability lists which request types may be task-augmented.
type TasksRequestsCapability struct {
	Tools *ToolsTasksCapability `json:"tools,omitempty"`
}

// ToolsTasksCapability declares task augmentation support for tools/call.
type ToolsTasksCapability struct {
	Call *struct{} `json:"call,omitempty"`
}
