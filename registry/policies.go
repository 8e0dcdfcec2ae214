package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/ummapio/policy"
)

var (
	// ErrPolicyExists is returned when a name is taken.
	ErrPolicyExists = errors.New("registry: policy already registered")
	// ErrPolicyNotFound is returned for an unknown policy name.
	ErrPolicyNotFound = errors.New("registry: policy not found")
)

// Policies is a table of named shared policies.
type Policies struct {
	mu     sync.RWMutex
	byName map[string]policy.Policy
}

// NewPolicies returns an empty table.
func NewPolicies() *Policies {
	return &Policies{byName: make(map[string]policy.Policy)}
}

// Register binds name to p.
func (t *Policies) Register(name string, p policy.Policy) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byName[name]; ok {
		return fmt.Errorf("%w: %q", ErrPolicyExists, name)
	}
	t.byName[name] = p
	return nil
}

// Unregister removes name and returns the policy it was bound to.
func (t *Policies) Unregister(name string) (policy.Policy, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPolicyNotFound, name)
	}
	delete(t.byName, name)
	return p, nil
}

// Get returns the policy bound to name.
func (t *Policies) Get(name string) (policy.Policy, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byName[name]
	return p, ok
}

// Names returns the registered names in sorted order.
func (t *Policies) Names() []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.byName))
	for n := range t.byName {
		names = append(names, n)
	}
	t.mu.RUnlock()

	slices.Sort(names)
	return names
}
