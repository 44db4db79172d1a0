package mcp

import "fmt"

// checkServerCapability asserts that the server's own capabilities permit
// dispatching method, before an inbound request from the client is
// handed to its handler (spec §4.3, C9). A mismatch is always a server
// configuration bug, not something the client can retry around, hence
// InvalidRequest rather than MethodNotFound.
func checkServerCapability(caps *ServerCapabilities, method string) error {
	var ok bool
	switch method {
	case methodCallTool, methodListTools:
		ok = caps.Tools != nil
	case methodListResources, methodReadResource, methodListResourceTemplates,
		methodSubscribe, methodUnsubscribe:
		ok = caps.Resources != nil
	case methodListPrompts, methodGetPrompt:
		ok = caps.Prompts != nil
	case methodComplete:
		ok = caps.Completions != nil
	case methodSetLevel:
		ok = caps.Logging != nil
	case methodGetTask, methodTaskResult:
		ok = caps.Tasks != nil
	case methodCancelTask:
		ok = caps.Tasks != nil && caps.Tasks.Cancel != nil
	case methodListTasks:
		ok = caps.Tasks != nil && caps.Tasks.List != nil
	default:
		// ping, initialize, notifications/*, and any unrecognized (e.g.
		// vendor-extension) method are always permitted: the gate only
		// blocks the capability-negotiated surface spec.md names.
		return nil
	}
	if !ok {
		return NewError(CodeInvalidRequest, fmt.Sprintf("method %q requires a capability the server did not declare", method), nil)
	}
	return nil
}

// checkClientCapability asserts that the client's own capabilities permit
// the server issuing method as a server-initiated request.
func checkClientCapability(caps *ClientCapabilities, method string) error {
	var ok bool
	switch method {
	case methodCreateMessage:
		ok = caps.Sampling != nil
	case methodElicit:
		ok = caps.Elicitation != nil
	case methodListRoots:
		ok = caps.RootsV2 != nil || caps.Roots.ListChanged
	default:
		return nil
	}
	if !ok {
		return NewError(CodeInvalidRequest, fmt.Sprintf("method %q requires a capability the client did not declare", method), nil)
	}
	return nil
}
