package tool

import (
	"sync"

	"ami/internal/errors"
	"ami/internal/llm"
)

// Set is the mutable tool collection an agent draws from. The executor
// installs per-subtask tools (replan, recorder hooks) and removes them when
// the subtask finishes.
type Set struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

// NewSet creates a set from the given tools, preserving order.
func NewSet(tools ...Tool) *Set {
	s := &Set{tools: make(map[string]Tool)}
	for _, t := range tools {
		s.install(t)
	}
	return s
}

func (s *Set) install(t Tool) {
	name := t.Definition().Name
	if _, exists := s.tools[name]; !exists {
		s.order = append(s.order, name)
	}
	s.tools[name] = t
}

// Install adds tools to the set, replacing same-named entries.
func (s *Set) Install(tools ...Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tools {
		s.install(t)
	}
}

// Uninstall removes tools by name.
func (s *Set) Uninstall(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if _, ok := s.tools[name]; !ok {
			continue
		}
		delete(s.tools, name)
		for i, n := range s.order {
			if n == name {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}

// Get looks up a tool by name.
func (s *Set) Get(name string) (Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "tool not found: %s", name)
	}
	return t, nil
}

// Definitions returns descriptors in installation order.
func (s *Set) Definitions() []llm.ToolDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(s.order))
	for _, name := range s.order {
		defs = append(defs, s.tools[name].Definition())
	}
	return defs
}

// Names returns tool names in installation order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Clone returns a set sharing the same tool instances. Tools are stateless
// where possible, so agents cloned per subtask reuse them.
func (s *Set) Clone() *Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Set{tools: make(map[string]Tool, len(s.tools))}
	for _, name := range s.order {
		clone.order = append(clone.order, name)
		clone.tools[name] = s.tools[name]
	}
	return clone
}
