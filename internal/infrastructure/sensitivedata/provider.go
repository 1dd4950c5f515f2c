// Package sensitivedata keeps secrets out of text that leaves the host.
package sensitivedata

import (
	"slices"
	"strings"
	"sync"
)

// Provider implements ports.SensitiveValueProvider. It is shared by the
// secret resolver, which tracks every value it hands out, and the redactor.
type Provider struct {
	seen   map[string]struct{}
	values []string
	mu     sync.RWMutex
}

// NewProvider creates an empty provider.
func NewProvider() *Provider {
	return &Provider{seen: make(map[string]struct{})}
}

// Track registers value. Empty and already tracked values are ignored.
func (p *Provider) Track(value string) {
	if value == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[value]; ok {
		return
	}
	p.seen[value] = struct{}{}

	// longest first, so a secret containing another is replaced whole
	i, _ := slices.BinarySearchFunc(p.values, value, func(have, want string) int {
		if len(have) != len(want) {
			return len(want) - len(have)
		}
		return strings.Compare(have, want)
	})
	p.values = slices.Insert(p.values, i, value)
}

// AllValues returns a copy of the tracked values, longest first.
func (p *Provider) AllValues() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.values)
}
