package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	"github.com/mcprt/corerpc/internal/json"
)

func marshalForQueue(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

const relatedTaskMetaKey = "io.modelcontextprotocol/related-task"

// sideChannelResponse is the outcome of a queued, server-initiated request
// issued by a task's handler, delivered back to it once tasks/result
// forwards the request and receives a reply.
type sideChannelResponse struct {
	result json.RawMessage
	err    error
}

// taskRunner tracks process-local state for tasks currently executing in
// this process: cancel funcs, a per-task wake signal that lets a blocked
// tasks/result call notice new queue activity or a status transition
// without polling, and the pending-response table a queued sampling or
// elicitation request waits on. Unlike TaskStore's durable records, none
// of this is meaningful to any process other than the one that started
// the task's goroutine, so it is kept here rather than pushed into the
// store.
type taskRunner struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wake    map[string]chan struct{}
	pending map[string]chan sideChannelResponse
}

func newTaskRunner() *taskRunner {
	return &taskRunner{
		cancels: make(map[string]context.CancelFunc),
		wake:    make(map[string]chan struct{}),
		pending: make(map[string]chan sideChannelResponse),
	}
}

func (r *taskRunner) set(taskID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[taskID] = cancel
}

func (r *taskRunner) cancel(taskID string) {
	r.mu.Lock()
	cancel := r.cancels[taskID]
	delete(r.cancels, taskID)
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.signal(taskID)
}

// wait returns a channel that closes the next time signal is called for
// taskID, letting a caller block until the next status change or queue
// enqueue without a busy-poll loop.
func (r *taskRunner) wait(taskID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.wake[taskID]
	if !ok {
		ch = make(chan struct{})
		r.wake[taskID] = ch
	}
	return ch
}

// signal wakes every caller currently blocked in wait(taskID).
func (r *taskRunner) signal(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.wake[taskID]; ok {
		close(ch)
	}
	r.wake[taskID] = make(chan struct{})
}

// registerPending reserves msgID's response slot for a queued,
// response-expecting side-channel message, returning the channel its
// eventual response arrives on.
func (r *taskRunner) registerPending(msgID string) chan sideChannelResponse {
	ch := make(chan sideChannelResponse, 1)
	r.mu.Lock()
	r.pending[msgID] = ch
	r.mu.Unlock()
	return ch
}

func (r *taskRunner) unregisterPending(msgID string) {
	r.mu.Lock()
	delete(r.pending, msgID)
	r.mu.Unlock()
}

// resolvePending delivers result/err to whichever call is blocked on
// msgID, if any. It reports whether a waiter was found.
func (r *taskRunner) resolvePending(msgID string, result json.RawMessage, err error) bool {
	r.mu.Lock()
	ch, ok := r.pending[msgID]
	if ok {
		delete(r.pending, msgID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- sideChannelResponse{result: result, err: err}
	return true
}

func (s *Server) tasksEnabledForToolsCall() bool {
	caps := s.capabilities()
	return caps.Tasks != nil &&
		caps.Tasks.Requests != nil &&
		caps.Tasks.Requests.Tools != nil &&
		caps.Tasks.Requests.Tools.Call != nil
}

func (s *Server) tasksEnabled() bool {
	return s.capabilities().Tasks != nil
}

func (s *Server) tasksListEnabled() bool {
	caps := s.capabilities()
	return caps.Tasks != nil && caps.Tasks.List != nil
}

func (s *Server) tasksCancelEnabled() bool {
	caps := s.capabilities()
	return caps.Tasks != nil && caps.Tasks.Cancel != nil
}

func (s *Server) callToolAny(ctx context.Context, req *ServerRequest[*CallToolParamsRaw]) (Result, error) {
	s.mu.Lock()
	st, ok := s.tools.get(req.Params.Name)
	s.mu.Unlock()
	if !ok {
		return nil, NewError(CodeInvalidParams, fmt.Sprintf("unknown tool %q", req.Params.Name), nil)
	}

	// If the server hasn't advertised task augmentation for tools/call,
	// ignore any task request and process normally.
	if !s.tasksEnabledForToolsCall() {
		return s.callToolNow(ctx, req, st)
	}

	taskSupport := "forbidden"
	if st.tool.Execution != nil && st.tool.Execution.TaskSupport != "" {
		taskSupport = st.tool.Execution.TaskSupport
	}

	if req.Params.Task == nil {
		if taskSupport == "required" {
			return nil, fmt.Errorf("%w: task augmentation required for tools/call", ErrMethodNotFound)
		}
		return s.callToolNow(ctx, req, st)
	}

	if taskSupport == "forbidden" || taskSupport == "" {
		return nil, fmt.Errorf("%w: tool does not support task execution", ErrMethodNotFound)
	}
	if taskSupport != "optional" && taskSupport != "required" {
		return nil, fmt.Errorf("%w: invalid tool execution.taskSupport %q", ErrInvalidParams, taskSupport)
	}

	sessionID := req.Session.ID()
	rec, rawArgs, err := s.taskStore().Create(ctx, sessionID, req.Params.Meta, req.Params.Arguments, req.Params.Task)
	if err != nil {
		return nil, err
	}

	go s.runAndFinishTask(req.Session, rec.Task.TaskID, rawArgs, req.Params.Meta, st)

	t := rec.Task
	return &CreateTaskResult{Task: &t}, nil
}

func (s *Server) runAndFinishTask(session *ServerSession, taskID string, rawArgs []byte, meta Meta, st *serverTool) {
	taskCtx, cancel := context.WithCancel(context.Background())
	s.tasks.set(taskID, cancel)
	defer cancel()

	paramsCopy := CallToolParamsRaw{
		Meta:      meta,
		Name:      st.tool.Name,
		Arguments: append([]byte(nil), rawArgs...),
	}
	toolReq := &ServerRequest[*CallToolParamsRaw]{Session: session, Params: &paramsCopy, Extra: &RequestExtra{TaskID: taskID}}

	res, err := st.handler(taskCtx, toolReq)
	if err == nil && res != nil && res.Content == nil {
		res2 := *res
		res2.Content = []Content{}
		res = &res2
	}
	if err == nil && res == nil {
		res = &CallToolResult{Content: []Content{}}
	}

	rec, finErr := s.taskStore().Finish(context.Background(), taskID, res, err)
	if finErr != nil {
		return
	}
	t := rec.Task
	s.notifyTaskStatus(session, &t)
	s.tasks.signal(taskID)
}

func (s *Server) notifyTaskStatus(session *ServerSession, t *Task) {
	params := (*TaskStatusNotificationParams)(t)
	if err := session.notify(context.Background(), notificationTaskStatus, params); err != nil {
		// The client may be disconnected; queue the status update so it is
		// delivered the next time the session's side channel is drained
		// (spec §4.7's durability guarantee: a missed notification must
		// not make a task's outcome unobservable).
		raw, merr := marshalForQueue(params)
		if merr == nil {
			_ = s.messageQueue().Enqueue(context.Background(), t.TaskID, &QueuedMessage{
				SessionID: session.ID(),
				TaskID:    t.TaskID,
				Method:    notificationTaskStatus,
				Params:    raw,
			}, s.maxTaskQueueSize())
			s.tasks.signal(t.TaskID)
		}
	}
}

// taskSideChannelCall issues method/params as a server-initiated request
// on behalf of a handler running inside a task (spec §4.7): rather than
// calling the client directly, it transitions the task to
// TaskStatusInputRequired, buffers the request on the task's side
// channel, and blocks until a tasks/result call forwards it and relays a
// response, or ctx (the task's own, cancellable context) ends first. The
// task returns to TaskStatusWorking once a response arrives.
func taskSideChannelCall[R any](ctx context.Context, s *Server, ss *ServerSession, taskID, method string, params Params) (*R, error) {
	raw, err := marshalForQueue(params)
	if err != nil {
		return nil, err
	}

	msgID, err := newTaskID()
	if err != nil {
		return nil, err
	}

	if rec, err := s.taskStore().UpdateStatus(ctx, taskID, TaskStatusInputRequired, "Waiting for a response from the client."); err == nil {
		t := rec.Task
		s.notifyTaskStatus(ss, &t)
	}

	respCh := s.tasks.registerPending(msgID)
	defer s.tasks.unregisterPending(msgID)

	if err := s.messageQueue().Enqueue(ctx, taskID, &QueuedMessage{
		SessionID: ss.ID(),
		TaskID:    taskID,
		ID:        msgID,
		Method:    method,
		Params:    raw,
	}, s.maxTaskQueueSize()); err != nil {
		return nil, err
	}
	s.tasks.signal(taskID)

	select {
	case resp := <-respCh:
		if rec, err := s.taskStore().UpdateStatus(context.Background(), taskID, TaskStatusWorking, "The operation is now in progress."); err == nil {
			t := rec.Task
			s.notifyTaskStatus(ss, &t)
		}
		if resp.err != nil {
			return nil, resp.err
		}
		var result R
		if len(resp.result) > 0 {
			if err := json.Unmarshal(resp.result, &result); err != nil {
				return nil, err
			}
		}
		return &result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) getTask(_ context.Context, req *ServerRequest[*GetTaskParams]) (*GetTaskResult, error) {
	if !s.tasksEnabled() {
		return nil, ErrMethodNotFound
	}
	rec, err := s.taskStore().Get(context.Background(), req.Session.ID(), req.Params.TaskID)
	if err != nil {
		return nil, err
	}
	t := GetTaskResult(rec.Task)
	return &t, nil
}

func (s *Server) listTasks(_ context.Context, req *ServerRequest[*ListTasksParams]) (*ListTasksResult, error) {
	if !s.tasksListEnabled() {
		return nil, ErrMethodNotFound
	}
	recs, err := s.taskStore().List(context.Background(), req.Session.ID())
	if err != nil {
		return nil, err
	}

	cursor, err := decodeTaskCursor(req.Params.Cursor)
	if err != nil {
		return nil, NewError(CodeInvalidParams, "Invalid cursor", nil)
	}
	start := 0
	if cursor != 0 {
		for i, r := range recs {
			if r.Seq == cursor {
				start = i + 1
				break
			}
		}
		if start == 0 {
			return nil, NewError(CodeInvalidParams, "Invalid cursor", nil)
		}
	}

	pageSize := s.opts.PageSize
	if pageSize <= 0 {
		pageSize = len(recs)
	}
	end := start + pageSize
	if end > len(recs) {
		end = len(recs)
	}

	res := &ListTasksResult{Tasks: []*Task{}}
	for _, r := range recs[start:end] {
		t := r.Task
		res.Tasks = append(res.Tasks, &t)
	}
	if end < len(recs) {
		res.NextCursor = encodeTaskCursor(recs[end-1].Seq)
	}
	return res, nil
}

func (s *Server) cancelTask(_ context.Context, req *ServerRequest[*CancelTaskParams]) (*CancelTaskResult, error) {
	if !s.tasksCancelEnabled() {
		return nil, ErrMethodNotFound
	}
	rec, err := s.taskStore().Get(context.Background(), req.Session.ID(), req.Params.TaskID)
	if err != nil {
		return nil, err
	}
	if isTerminal(rec.Task.Status) {
		return nil, NewError(CodeInvalidParams, fmt.Sprintf("Cannot cancel task: already in terminal status %q", rec.Task.Status), nil)
	}

	rec, err = s.taskStore().UpdateStatus(context.Background(), req.Params.TaskID, TaskStatusCancelled, "The task was cancelled by request.")
	if err != nil {
		return nil, err
	}
	s.tasks.cancel(req.Params.TaskID)

	t := rec.Task
	s.notifyTaskStatus(req.Session, &t)

	res := CancelTaskResult(rec.Task)
	return &res, nil
}

// taskResult implements tasks/result (spec §4.7): while the task is
// working or input_required it blocks, and whenever it is input_required
// it drains the task's side-channel queue, delivering each queued
// message as a live outbound call over this request's own connection and
// routing the reply back to whichever handler call is waiting on it
// (taskSideChannelCall). Once the task reaches a terminal status, it
// returns the stored result, tagged with _meta.relatedTask so the client
// can tell which task it belongs to.
func (s *Server) taskResult(ctx context.Context, req *ServerRequest[*TaskResultParams]) (*CallToolResult, error) {
	if !s.tasksEnabled() {
		return nil, ErrMethodNotFound
	}
	taskID := req.Params.TaskID
	sessionID := req.Session.ID()

	for {
		rec, err := s.taskStore().Get(ctx, sessionID, taskID)
		if err != nil {
			return nil, err
		}

		if isTerminal(rec.Task.Status) {
			res, runErr, err := s.taskStore().Await(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if runErr != nil {
				return nil, runErr
			}
			if res == nil {
				res = &CallToolResult{Content: []Content{}}
			}
			m := getMeta(res)
			if m == nil {
				m = Meta{}
			}
			m[relatedTaskMetaKey] = map[string]any{"taskId": taskID}
			setMeta(res, m)
			return res, nil
		}

		if rec.Task.Status == TaskStatusInputRequired {
			msg, ok, err := s.messageQueue().Dequeue(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if ok {
				s.deliverQueuedMessage(ctx, req.Session, msg)
				continue
			}
		}

		select {
		case <-s.tasks.wait(taskID):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// deliverQueuedMessage forwards a single dequeued side-channel message
// over session's connection. A message with an ID expects a reply, which
// is routed back to the taskSideChannelCall blocked on it; one without an
// ID (a status or progress notification) is simply sent.
func (s *Server) deliverQueuedMessage(ctx context.Context, session *ServerSession, msg *QueuedMessage) {
	if msg.ID == "" {
		_ = session.notify(ctx, msg.Method, msg.Params)
		return
	}
	raw, err := session.sendRaw(ctx, msg.Method, msg.Params)
	s.tasks.resolvePending(msg.ID, raw, err)
}

func (s *Server) callToolNow(ctx context.Context, req *ServerRequest[*CallToolParamsRaw], st *serverTool) (*CallToolResult, error) {
	paramsCopy := *req.Params
	paramsCopy.Task = nil
	localReq := *req
	localReq.Params = &paramsCopy

	res, err := st.handler(ctx, &localReq)
	if err == nil && res != nil && res.Content == nil {
		res2 := *res
		res2.Content = []Content{}
		res = &res2
	}
	return res, err
}

func newTaskID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func encodeTaskCursor(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

func decodeTaskCursor(cursor string) (uint64, error) {
	if cursor == "" {
		return 0, nil
	}
	return strconv.ParseUint(cursor, 10, 64)
}
