package mcp

import (
	"context"
	"testing"
	"time"
)

type slowArgs struct {
	Message string `json:"message"`
}

// slowTool blocks until release is closed, then returns args.Message as
// its single text content block. It supports task augmentation.
func slowTool(release chan struct{}) *Tool {
	return &Tool{
		Name:        "slow",
		Description: "blocks until released",
		Execution:   &ToolExecution{TaskSupport: "optional"},
	}
}

func slowHandler(release chan struct{}) TypedToolHandler[slowArgs, any] {
	return func(ctx context.Context, req *ServerRequest[*CallToolParamsRaw], args slowArgs) (*CallToolResult, any, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		return &CallToolResult{Content: []Content{&TextContent{Text: args.Message}}}, nil, nil
	}
}

// taskConnection wires a client/server pair with the task subsystem fully
// enabled (tools/call augmentation, tasks/list, tasks/cancel).
func taskConnection(t *testing.T, release chan struct{}) (*ClientSession, *ServerSession, func()) {
	t.Helper()
	return basicConnection(t, func(s *Server) {
		s.opts.Tasks = &TasksCapability{
			List:     &struct{}{},
			Cancel:   &struct{}{},
			Requests: &TasksRequestsCapability{Tools: &ToolsTasksCapability{Call: &struct{}{}}},
		}
		if err := AddTool(s, slowTool(release), slowHandler(release)); err != nil {
			t.Fatal(err)
		}
	})
}

func TestTaskCreateAndResult(t *testing.T) {
	release := make(chan struct{})
	cs, _, cleanup := taskConnection(t, release)
	defer cleanup()

	ctx := context.Background()
	ttl := int64(60000)
	res, err := cs.CallTool(ctx, &CallToolParams{
		Name:      "slow",
		Arguments: map[string]any{"message": "done"},
		Task:      &TaskParams{TTL: &ttl},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Task == nil {
		t.Fatalf("got CallToolResult, want task-augmented CreateTaskResult")
	}
	if res.Task.Status != TaskStatusWorking {
		t.Errorf("got status %q, want %q", res.Task.Status, TaskStatusWorking)
	}
	taskID := res.Task.TaskID

	got, err := cs.GetTask(ctx, &GetTaskParams{TaskID: taskID})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskStatusWorking {
		t.Errorf("got status %q, want %q", got.Status, TaskStatusWorking)
	}

	close(release)

	result, err := cs.TaskResult(ctx, &TaskResultParams{TaskID: taskID})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("got %d content blocks, want 1", len(result.Content))
	}
	tc, ok := result.Content[0].(*TextContent)
	if !ok || tc.Text != "done" {
		t.Errorf("got content %+v, want text %q", result.Content[0], "done")
	}
	related, ok := result.Meta[relatedTaskMetaKey]
	if !ok {
		t.Errorf("result meta missing %q key", relatedTaskMetaKey)
	} else if m, ok := related.(map[string]any); !ok || m["taskId"] != taskID {
		t.Errorf("got related task meta %+v, want taskId %q", related, taskID)
	}

	final, err := cs.GetTask(ctx, &GetTaskParams{TaskID: taskID})
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != TaskStatusCompleted {
		t.Errorf("got final status %q, want %q", final.Status, TaskStatusCompleted)
	}
}

func TestTaskList(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	cs, _, cleanup := taskConnection(t, release)
	defer cleanup()

	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		res, err := cs.CallTool(ctx, &CallToolParams{
			Name:      "slow",
			Arguments: map[string]any{"message": "x"},
			Task:      &TaskParams{},
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, res.Task.TaskID)
	}

	list, err := cs.ListTasks(ctx, &ListTasksParams{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(list.Tasks))
	}
	for i, task := range list.Tasks {
		if task.TaskID != ids[i] {
			t.Errorf("task[%d].TaskID = %q, want %q", i, task.TaskID, ids[i])
		}
	}
}

func TestTaskListPagination(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	cs, ss, cleanup := taskConnection(t, release)
	defer cleanup()
	ss.server.opts.PageSize = 2

	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		res, err := cs.CallTool(ctx, &CallToolParams{
			Name:      "slow",
			Arguments: map[string]any{"message": "x"},
			Task:      &TaskParams{},
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, res.Task.TaskID)
	}

	page1, err := cs.ListTasks(ctx, &ListTasksParams{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page1.Tasks) != 2 {
		t.Fatalf("got %d tasks on page 1, want 2", len(page1.Tasks))
	}
	if page1.NextCursor == "" {
		t.Fatal("want non-empty NextCursor on page 1")
	}

	page2, err := cs.ListTasks(ctx, &ListTasksParams{Cursor: page1.NextCursor})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2.Tasks) != 1 {
		t.Fatalf("got %d tasks on page 2, want 1", len(page2.Tasks))
	}
	if page2.NextCursor != "" {
		t.Errorf("got non-empty NextCursor on final page: %q", page2.NextCursor)
	}
	if page2.Tasks[0].TaskID != ids[2] {
		t.Errorf("page2.Tasks[0].TaskID = %q, want %q", page2.Tasks[0].TaskID, ids[2])
	}
}

func TestTaskCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	cs, _, cleanup := taskConnection(t, release)
	defer cleanup()

	ctx := context.Background()
	res, err := cs.CallTool(ctx, &CallToolParams{
		Name:      "slow",
		Arguments: map[string]any{"message": "x"},
		Task:      &TaskParams{},
	})
	if err != nil {
		t.Fatal(err)
	}
	taskID := res.Task.TaskID

	cancelled, err := cs.CancelTask(ctx, &CancelTaskParams{TaskID: taskID})
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != TaskStatusCancelled {
		t.Errorf("got status %q, want %q", cancelled.Status, TaskStatusCancelled)
	}

	got, err := cs.GetTask(ctx, &GetTaskParams{TaskID: taskID})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskStatusCancelled {
		t.Errorf("got status %q after get, want %q", got.Status, TaskStatusCancelled)
	}

	if _, err := cs.CancelTask(ctx, &CancelTaskParams{TaskID: taskID}); err == nil {
		t.Error("cancelling an already-terminal task: got nil error, want failure")
	}
}

func TestTaskGetUnknown(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	cs, _, cleanup := taskConnection(t, release)
	defer cleanup()

	_, err := cs.GetTask(context.Background(), &GetTaskParams{TaskID: "nonexistent"})
	if err == nil {
		t.Fatal("got nil error for unknown task id")
	}
}

func TestTaskRequiredWithoutAugmentation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	cs, _, cleanup := basicConnection(t, func(s *Server) {
		s.opts.Tasks = &TasksCapability{
			Requests: &TasksRequestsCapability{Tools: &ToolsTasksCapability{Call: &struct{}{}}},
		}
		tool := &Tool{Name: "slow", Execution: &ToolExecution{TaskSupport: "required"}}
		if err := AddTool(s, tool, slowHandler(release)); err != nil {
			t.Fatal(err)
		}
	})
	defer cleanup()

	_, err := cs.CallTool(context.Background(), &CallToolParams{
		Name:      "slow",
		Arguments: map[string]any{"message": "x"},
	})
	if err == nil {
		t.Fatal("calling a task-required tool without task augmentation: got nil error, want failure")
	}
}

// elicitTool asks the client a question mid-execution via the task side
// channel, then echoes back whatever answer it gets.
func elicitTool() *Tool {
	return &Tool{
		Name:        "ask",
		Description: "asks the client a question via elicitation",
		Execution:   &ToolExecution{TaskSupport: "optional"},
	}
}

func elicitHandler(ctx context.Context, req *ServerRequest[*CallToolParamsRaw], args slowArgs) (*CallToolResult, any, error) {
	res, err := req.Session.ElicitForTask(ctx, req.Extra.TaskID, &ElicitParams{Message: "what should I say?"})
	if err != nil {
		return nil, nil, err
	}
	answer, _ := res.Content["answer"].(string)
	return &CallToolResult{Content: []Content{&TextContent{Text: answer}}}, nil, nil
}

func TestTaskInputRequired(t *testing.T) {
	ctx := context.Background()
	ct, st := NewInMemoryTransports()

	server := NewServer(testImpl, &ServerOptions{
		Tasks: &TasksCapability{
			Requests: &TasksRequestsCapability{Tools: &ToolsTasksCapability{Call: &struct{}{}}},
		},
	})
	if err := AddTool(server, elicitTool(), elicitHandler); err != nil {
		t.Fatal(err)
	}
	ss, err := server.Connect(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	defer ss.Close()

	client := NewClient(testImpl, &ClientOptions{
		ElicitationHandler: func(ctx context.Context, req *ClientRequest[*ElicitParams]) (*ElicitResult, error) {
			return &ElicitResult{Action: "accept", Content: map[string]any{"answer": "hello from the client"}}, nil
		},
	})
	cs, err := client.Connect(ctx, ct)
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()

	res, err := cs.CallTool(ctx, &CallToolParams{
		Name:      "ask",
		Arguments: map[string]any{"message": ""},
		Task:      &TaskParams{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Task == nil {
		t.Fatalf("got CallToolResult, want task-augmented CreateTaskResult")
	}
	taskID := res.Task.TaskID

	result, err := cs.TaskResult(ctx, &TaskResultParams{TaskID: taskID})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("got %d content blocks, want 1", len(result.Content))
	}
	tc, ok := result.Content[0].(*TextContent)
	if !ok || tc.Text != "hello from the client" {
		t.Errorf("got content %+v, want text %q", result.Content[0], "hello from the client")
	}

	final, err := cs.GetTask(ctx, &GetTaskParams{TaskID: taskID})
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != TaskStatusCompleted {
		t.Errorf("got final status %q, want %q", final.Status, TaskStatusCompleted)
	}
}

func TestTaskResultBlocksUntilDone(t *testing.T) {
	release := make(chan struct{})
	cs, _, cleanup := taskConnection(t, release)
	defer cleanup()

	ctx := context.Background()
	res, err := cs.CallTool(ctx, &CallToolParams{
		Name:      "slow",
		Arguments: map[string]any{"message": "late"},
		Task:      &TaskParams{},
	})
	if err != nil {
		t.Fatal(err)
	}
	taskID := res.Task.TaskID

	resultCh := make(chan *CallToolResult, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := cs.TaskResult(ctx, &TaskResultParams{TaskID: taskID})
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- r
	}()

	select {
	case <-resultCh:
		t.Fatal("tasks/result returned before the task finished")
	case <-errCh:
		t.Fatal("tasks/result errored before the task finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	select {
	case r := <-resultCh:
		tc := r.Content[0].(*TextContent)
		if tc.Text != "late" {
			t.Errorf("got text %q, want %q", tc.Text, "late")
		}
	case err := <-errCh:
		t.Fatalf("tasks/result failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("tasks/result did not return after the task finished")
	}
}
