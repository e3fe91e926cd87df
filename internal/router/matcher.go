// Package router matches request paths to configured routes.
package router

import (
	"net/http"
	"sort"
	"strings"
)

// PathMatcher matches request paths.
type PathMatcher interface {
	Match(path string) bool
	Type() string
	Pattern() string
}

// ExactMatcher matches one path exactly.
type ExactMatcher struct {
	path string
}

// NewExactMatcher creates a new exact path matcher.
func NewExactMatcher(path string) *ExactMatcher {
	return &ExactMatcher{path: path}
}

// Match checks if the path matches exactly.
func (m *ExactMatcher) Match(path string) bool {
	return path == m.path
}

// Type returns the matcher type.
func (m *ExactMatcher) Type() string {
	return "exact"
}

// Pattern returns the pattern.
func (m *ExactMatcher) Pattern() string {
	return m.path
}

// PrefixMatcher matches a path prefix on a segment boundary. An empty
// prefix matches every path.
type PrefixMatcher struct {
	prefix string
}

// NewPrefixMatcher creates a new prefix path matcher.
func NewPrefixMatcher(prefix string) *PrefixMatcher {
	return &PrefixMatcher{prefix: strings.TrimSuffix(prefix, "/")}
}

// Match checks if the path starts with the prefix at a segment boundary.
func (m *PrefixMatcher) Match(path string) bool {
	if m.prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, m.prefix) {
		return false
	}
	return len(path) == len(m.prefix) || path[len(m.prefix)] == '/'
}

// Type returns the matcher type.
func (m *PrefixMatcher) Type() string {
	return "prefix"
}

// Pattern returns the pattern.
func (m *PrefixMatcher) Pattern() string {
	return m.prefix + "/**"
}

// MethodMatcher matches HTTP methods. An empty set matches every method.
type MethodMatcher struct {
	methods map[string]bool
}

// NewMethodMatcher creates a new method matcher.
func NewMethodMatcher(methods []string) *MethodMatcher {
	m := &MethodMatcher{
		methods: make(map[string]bool, len(methods)),
	}
	for _, method := range methods {
		m.methods[strings.ToUpper(method)] = true
	}
	return m
}

// Match checks if the method matches.
func (m *MethodMatcher) Match(method string) bool {
	if len(m.methods) == 0 || m.methods["*"] {
		return true
	}

	method = strings.ToUpper(method)

	// HEAD automatically matches GET
	if method == http.MethodHead && m.methods[http.MethodGet] {
		return true
	}

	return m.methods[method]
}

// Methods returns the allowed methods in sorted order.
func (m *MethodMatcher) Methods() []string {
	out := make([]string, 0, len(m.methods))
	for method := range m.methods {
		out = append(out, method)
	}
	sort.Strings(out)
	return out
}
