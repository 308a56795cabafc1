package classroom

import (
	"sync"

	"classlink/pkg/types"
)

// Profile is the identity of the student running this node.
type Profile struct {
	mu    sync.RWMutex
	name  string
	class string
}

func NewProfile(name, class string) *Profile {
	return &Profile{name: name, class: class}
}

func (p *Profile) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

func (p *Profile) Class() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.class
}

// Set updates name and class together.
func (p *Profile) Set(name, class string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
	p.class = class
}

// Matches reports whether a request addressed to class concerns this
// student. A wildcard always matches, as does any class while the
// student has not picked one.
func (p *Profile) Matches(class string) bool {
	own := p.Class()
	return own == "" || class == own || types.IsWildcard(class)
}
