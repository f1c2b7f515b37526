package extract

import (
	"path"
	"strings"
	"sync"
)

// Registry maps hostname patterns to handlers. Patterns use path.Match
// syntax, so "*.example.com" matches any subdomain. The first registered
// match wins.
type Registry struct {
	mu       sync.RWMutex
	entries  []entry
	fallback Handler
}

type entry struct {
	pattern string
	handler Handler
}

func NewRegistry(fallback Handler) *Registry {
	if fallback == nil {
		fallback = DensityHandler{}
	}
	return &Registry{fallback: fallback}
}

// DefaultRegistry knows a few common web-novel hosts.
func DefaultRegistry() *Registry {
	r := NewRegistry(DensityHandler{})
	r.Register("*royalroad.com", SelectorHandler{Selectors: []string{"div.chapter-content"}})
	r.Register("*wuxiaworld.com", SelectorHandler{Selectors: []string{"#chapter-content", "div.chapter-content"}})
	r.Register("*fanfiction.net", SelectorHandler{Selectors: []string{"#storytext"}})
	r.Register("*novelfull.com", SelectorHandler{Selectors: []string{"#chapter-content"}})
	return r
}

func (r *Registry) Register(pattern string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{pattern: strings.ToLower(pattern), handler: h})
}

// Resolve returns the handler for a hostname (no port), or the fallback.
func (r *Registry) Resolve(host string) Handler {
	host = strings.ToLower(host)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if ok, _ := path.Match(e.pattern, host); ok {
			return e.handler
		}
	}
	return r.fallback
}
