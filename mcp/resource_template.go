package mcp

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yosida95/uritemplate/v3"
)

// serverResourceTemplate is a registered [ResourceTemplate] together with
// the handler that serves any URI matching it and the compiled matcher
// used to recognize those URIs in resources/read (spec §5.2). The MCP
// server never expands templates itself — it is the client's job to fill
// in variables — so only matching, not expansion, is needed at dispatch
// time. Expansion is still exercised by serverResourceTemplate.Expand, which
// callers can use to build example URIs for documentation or testing.
type serverResourceTemplate struct {
	template *ResourceTemplate
	tmpl     *uritemplate.Template
	matcher  *regexp.Regexp
	varnames []string
	handler  ResourceHandler
}

var templateVarRE = regexp.MustCompile(`\{[^{}]+\}`)

// compileResourceTemplateMatcher builds a regexp that recognizes URIs
// produced by expanding raw with simple string values, by replacing each
// {var} expression with a non-greedy capturing group over any characters
// but '/'. This covers the common "simple string expansion" form MCP
// resource templates use in practice; operator forms (reserved expansion,
// fragment expansion, and so on) are accepted for serverResourceTemplate.Expand
// but are matched with the same single-segment heuristic, which is
// conservative rather than exact.
func compileResourceTemplateMatcher(raw string) (*regexp.Regexp, []string, error) {
	var varnames []string
	var pattern strings.Builder
	pattern.WriteString("^")

	last := 0
	for _, loc := range templateVarRE.FindAllStringIndex(raw, -1) {
		pattern.WriteString(regexp.QuoteMeta(raw[last:loc[0]]))
		expr := raw[loc[0]+1 : loc[1]-1]
		names := strings.Split(expr, ",")
		for i, n := range names {
			n = strings.TrimLeft(n, "+#./;?&")
			n = strings.TrimRight(n, "*")
			if n == "" {
				continue
			}
			varnames = append(varnames, n)
			if i > 0 {
				pattern.WriteString(",")
			}
		}
		pattern.WriteString("([^/]+)")
		last = loc[1]
	}
	pattern.WriteString(regexp.QuoteMeta(raw[last:]))
	pattern.WriteString("$")

	re, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, nil, fmt.Errorf("compiling matcher for template %q: %w", raw, err)
	}
	return re, varnames, nil
}

func newServerResourceTemplate(t *ResourceTemplate, h ResourceHandler) (*serverResourceTemplate, error) {
	tmpl, err := uritemplate.New(t.URITemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing resource template %q: %w", t.URITemplate, err)
	}
	matcher, varnames, err := compileResourceTemplateMatcher(t.URITemplate)
	if err != nil {
		return nil, err
	}
	return &serverResourceTemplate{
		template: t,
		tmpl:     tmpl,
		matcher:  matcher,
		varnames: varnames,
		handler:  h,
	}, nil
}

// matches reports whether uri could have been produced by expanding this
// template, returning the variable bindings that would reproduce it.
func (srt *serverResourceTemplate) matches(uri string) (map[string]string, bool) {
	m := srt.matcher.FindStringSubmatch(uri)
	if m == nil {
		return nil, false
	}
	vars := make(map[string]string, len(srt.varnames))
	for i, name := range srt.varnames {
		if i+1 < len(m) {
			vars[name] = m[i+1]
		}
	}
	return vars, true
}

// Expand fills in template with values, returning the resulting URI, using
// the yosida95/uritemplate RFC 6570 implementation.
func (srt *serverResourceTemplate) Expand(values map[string]string) (string, error) {
	vs := uritemplate.Values{}
	for k, v := range values {
		vs.Set(k, uritemplate.String(v))
	}
	return srt.tmpl.Expand(vs)
}

type resourceTemplateSet struct {
	byName map[string]*serverResourceTemplate
	order  []string
}

func newResourceTemplateSet() *resourceTemplateSet {
	return &resourceTemplateSet{byName: make(map[string]*serverResourceTemplate)}
}

func (s *resourceTemplateSet) add(srt *serverResourceTemplate) {
	name := srt.template.Name
	if _, exists := s.byName[name]; !exists {
		s.order = append(s.order, name)
	}
	s.byName[name] = srt
}

func (s *resourceTemplateSet) remove(name string) {
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

func (s *resourceTemplateSet) list() []*serverResourceTemplate {
	out := make([]*serverResourceTemplate, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.byName[n])
	}
	return out
}

func (s *resourceTemplateSet) len() int { return len(s.order) }

// match finds the first registered template matching uri, in registration
// order, along with the variable bindings the match produced.
func (s *resourceTemplateSet) match(uri string) (*serverResourceTemplate, map[string]string, bool) {
	for _, n := range s.order {
		srt := s.byName[n]
		if vars, ok := srt.matches(uri); ok {
			return srt, vars, true
		}
	}
	return nil, nil, false
}
