package mcp

import "context"

// paginate returns the slice of items starting after cursor (the key of
// the last item on the previous page, per keyOf), bounded to pageSize
// items (0 meaning unbounded), and the cursor for the following page, if
// any. It is shared by every tools/resources/prompts listing method,
// which all paginate identically (spec §4.3 "cursor-based pagination").
func paginate[T any](items []T, keyOf func(T) string, cursor string, pageSize int) ([]T, string, error) {
	start := 0
	if cursor != "" {
		idx := -1
		for i, it := range items {
			if keyOf(it) == cursor {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, "", NewError(CodeInvalidParams, "Invalid cursor", nil)
		}
		start = idx + 1
	}
	end := len(items)
	if pageSize > 0 && start+pageSize < end {
		end = start + pageSize
	}
	page := items[start:end]
	next := ""
	if end < len(items) {
		next = keyOf(items[end-1])
	}
	return page, next, nil
}

func (s *Server) listTools(_ context.Context, req *ServerRequest[*ListToolsParams]) (*ListToolsResult, error) {
	s.mu.Lock()
	all := s.tools.list()
	s.mu.Unlock()
	page, next, err := paginate(all, func(st *serverTool) string { return st.tool.Name }, req.Params.Cursor, s.opts.PageSize)
	if err != nil {
		return nil, err
	}
	res := &ListToolsResult{Tools: []*Tool{}, NextCursor: next}
	for _, st := range page {
		res.Tools = append(res.Tools, st.tool)
	}
	return res, nil
}

func (s *Server) listResources(_ context.Context, req *ServerRequest[*ListResourcesParams]) (*ListResourcesResult, error) {
	s.mu.Lock()
	all := s.resources.list()
	s.mu.Unlock()
	page, next, err := paginate(all, func(r *serverResource) string { return r.resource.URI }, req.Params.Cursor, s.opts.PageSize)
	if err != nil {
		return nil, err
	}
	res := &ListResourcesResult{Resources: []*Resource{}, NextCursor: next}
	for _, r := range page {
		res.Resources = append(res.Resources, r.resource)
	}
	return res, nil
}

func (s *Server) listResourceTemplates(_ context.Context, req *ServerRequest[*ListResourceTemplatesParams]) (*ListResourceTemplatesResult, error) {
	s.mu.Lock()
	all := s.resourceTemplates.list()
	s.mu.Unlock()
	page, next, err := paginate(all, func(t *serverResourceTemplate) string { return t.template.Name }, req.Params.Cursor, s.opts.PageSize)
	if err != nil {
		return nil, err
	}
	res := &ListResourceTemplatesResult{ResourceTemplates: []*ResourceTemplate{}, NextCursor: next}
	for _, t := range page {
		res.ResourceTemplates = append(res.ResourceTemplates, t.template)
	}
	return res, nil
}

func (s *Server) readResource(ctx context.Context, req *ServerRequest[*ReadResourceParams]) (*ReadResourceResult, error) {
	s.mu.Lock()
	r, ok := s.resources.get(req.Params.URI)
	s.mu.Unlock()
	if ok {
		return r.handler(ctx, req)
	}

	s.mu.Lock()
	srt, vars, matched := s.resourceTemplates.match(req.Params.URI)
	s.mu.Unlock()
	if !matched {
		return nil, NewError(CodeInvalidParams, "Resource not found: "+req.Params.URI, nil)
	}
	_ = vars // available to handlers that want it via req.Params.URI directly
	return srt.handler(ctx, req)
}

func (s *Server) subscribe(_ context.Context, req *ServerRequest[*SubscribeParams]) (*emptyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions, ok := s.subscriptions[req.Params.URI]
	if !ok {
		sessions = make(map[*ServerSession]bool)
		s.subscriptions[req.Params.URI] = sessions
	}
	sessions[req.Session] = true
	req.Session.mu.Lock()
	req.Session.subscribedURIs[req.Params.URI] = true
	req.Session.mu.Unlock()
	return &emptyResult{}, nil
}

func (s *Server) unsubscribe(_ context.Context, req *ServerRequest[*UnsubscribeParams]) (*emptyResult, error) {
	s.mu.Lock()
	if sessions, ok := s.subscriptions[req.Params.URI]; ok {
		delete(sessions, req.Session)
		if len(sessions) == 0 {
			delete(s.subscriptions, req.Params.URI)
		}
	}
	s.mu.Unlock()
	req.Session.mu.Lock()
	delete(req.Session.subscribedURIs, req.Params.URI)
	req.Session.mu.Unlock()
	return &emptyResult{}, nil
}

// NotifyResourceUpdated tells every session subscribed to uri that it has
// changed (spec §5.2 "resources/subscribe").
func (s *Server) NotifyResourceUpdated(ctx context.Context, uri string) {
	s.mu.Lock()
	sessions := make([]*ServerSession, 0, len(s.subscriptions[uri]))
	for ss := range s.subscriptions[uri] {
		sessions = append(sessions, ss)
	}
	s.mu.Unlock()
	for _, ss := range sessions {
		_ = ss.notify(ctx, notificationResourceUpdated, &ResourceUpdatedNotificationParams{URI: uri})
	}
}

func (s *Server) listPrompts(_ context.Context, req *ServerRequest[*ListPromptsParams]) (*ListPromptsResult, error) {
	s.mu.Lock()
	all := s.prompts.list()
	s.mu.Unlock()
	page, next, err := paginate(all, func(p *serverPrompt) string { return p.prompt.Name }, req.Params.Cursor, s.opts.PageSize)
	if err != nil {
		return nil, err
	}
	res := &ListPromptsResult{Prompts: []*Prompt{}, NextCursor: next}
	for _, p := range page {
		res.Prompts = append(res.Prompts, p.prompt)
	}
	return res, nil
}

func (s *Server) getPrompt(ctx context.Context, req *ServerRequest[*GetPromptParams]) (*GetPromptResult, error) {
	s.mu.Lock()
	p, ok := s.prompts.get(req.Params.Name)
	s.mu.Unlock()
	if !ok {
		return nil, NewError(CodeInvalidParams, "Prompt not found: "+req.Params.Name, nil)
	}
	return p.handler(ctx, req)
}
