package mcp

import (
	"context"
	"sort"
)

// toolSet is a name-indexed, insertion-ordered collection of serverTools.
// Insertion order is preserved for tools/list so repeated calls against an
// unchanged registry paginate identically.
type toolSet struct {
	byName map[string]*serverTool
	order  []string
}

func newToolSet() *toolSet {
	return &toolSet{byName: make(map[string]*serverTool)}
}

func (s *toolSet) add(st *serverTool) {
	if _, exists := s.byName[st.tool.Name]; !exists {
		s.order = append(s.order, st.tool.Name)
	}
	s.byName[st.tool.Name] = st
}

func (s *toolSet) remove(name string) {
	if _, ok := s.byName[name]; !ok {
		return
	}
	delete(s.byName, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *toolSet) get(name string) (*serverTool, bool) {
	st, ok := s.byName[name]
	return st, ok
}

func (s *toolSet) list() []*serverTool {
	out := make([]*serverTool, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.byName[n])
	}
	return out
}

func (s *toolSet) len() int { return len(s.order) }

// ResourceHandler reads the content backing a single registered [Resource].
type ResourceHandler func(ctx context.Context, req *ServerRequest[*ReadResourceParams]) (*ReadResourceResult, error)

type serverResource struct {
	resource *Resource
	handler  ResourceHandler
}

type resourceSet struct {
	byURI map[string]*serverResource
	order []string
}

func newResourceSet() *resourceSet {
	return &resourceSet{byURI: make(map[string]*serverResource)}
}

func (s *resourceSet) add(r *serverResource) {
	if _, exists := s.byURI[r.resource.URI]; !exists {
		s.order = append(s.order, r.resource.URI)
	}
	s.byURI[r.resource.URI] = r
}

func (s *resourceSet) remove(uri string) {
	if _, ok := s.byURI[uri]; !ok {
		return
	}
	delete(s.byURI, uri)
	for i, u := range s.order {
		if u == uri {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *resourceSet) get(uri string) (*serverResource, bool) {
	r, ok := s.byURI[uri]
	return r, ok
}

func (s *resourceSet) list() []*serverResource {
	out := make([]*serverResource, 0, len(s.order))
	for _, u := range s.order {
		out = append(out, s.byURI[u])
	}
	return out
}

func (s *resourceSet) len() int { return len(s.order) }

// PromptHandler renders a single registered [Prompt] given its arguments.
type PromptHandler func(ctx context.Context, req *ServerRequest[*GetPromptParams]) (*GetPromptResult, error)

type serverPrompt struct {
	prompt  *Prompt
	handler PromptHandler
}

type promptSet struct {
	byName map[string]*serverPrompt
	order  []string
}

func newPromptSet() *promptSet {
	return &promptSet{byName: make(map[string]*serverPrompt)}
}

func (s *promptSet) add(p *serverPrompt) {
	if _, exists := s.byName[p.prompt.Name]; !exists {
		s.order = append(s.order, p.prompt.Name)
	}
	s.byName[p.prompt.Name] = p
}

func (s *promptSet) remove(name string) {
	if _, ok := s.byName[name]; !ok {
		return
	}
	delete(s.byName, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *promptSet) get(name string) (*serverPrompt, bool) {
	p, ok := s.byName[name]
	return p, ok
}

func (s *promptSet) list() []*serverPrompt {
	out := make([]*serverPrompt, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.byName[n])
	}
	return out
}

func (s *promptSet) len() int { return len(s.order) }

// sortedKeys is a small helper used when a registry needs a deterministic
// but not insertion-based order (subscription bookkeeping).
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
