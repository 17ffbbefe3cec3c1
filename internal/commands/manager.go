// Package commands provides the command registry shared by every tenant.
package commands

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	. "github.com/roelfdiedericks/wagate/internal/logging"
)

// ErrDuplicatePattern is returned by Register when the pattern is taken.
var ErrDuplicatePattern = errors.New("commands: duplicate pattern")

// Registry holds command descriptors in registration order. It is filled
// during startup and only read afterwards.
type Registry struct {
	mu       sync.RWMutex
	ordered  []*Descriptor
	patterns map[string]*Descriptor // lowercased pattern
	aliases  map[string]*Descriptor // lowercased alias, first registration wins
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		patterns: make(map[string]*Descriptor),
		aliases:  make(map[string]*Descriptor),
	}
}

// Register adds d. A pattern that is already registered is skipped with a
// warning and ErrDuplicatePattern; the first registration is kept.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || strings.TrimSpace(d.Pattern) == "" {
		return fmt.Errorf("commands: empty pattern")
	}
	if d.Handler == nil {
		return fmt.Errorf("commands: %s has no handler", d.Pattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := strings.ToLower(d.Pattern)
	if existing, ok := r.patterns[name]; ok {
		L_warn("commands: duplicate pattern, keeping first registration",
			"pattern", name, "category", d.Category, "keptCategory", existing.Category)
		return fmt.Errorf("%w: %s", ErrDuplicatePattern, name)
	}
	r.patterns[name] = d
	r.ordered = append(r.ordered, d)

	for _, alias := range d.Aliases {
		a := strings.ToLower(alias)
		if owner, ok := r.aliases[a]; ok {
			L_warn("commands: alias already taken, keeping first registration",
				"alias", a, "pattern", name, "owner", owner.Pattern)
			continue
		}
		r.aliases[a] = d
	}

	L_debug("commands: registered", "pattern", name, "aliases", d.Aliases, "category", d.Category)
	return nil
}

// MustRegister registers d and ignores duplicate errors, which are already
// logged.
func (r *Registry) MustRegister(descriptors ...*Descriptor) {
	for _, d := range descriptors {
		if err := r.Register(d); err != nil && !errors.Is(err, ErrDuplicatePattern) {
			panic(err)
		}
	}
}

// Lookup finds a command by pattern, then by alias, case-insensitively.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.patterns[name]; ok {
		return d, true
	}
	d, ok := r.aliases[name]
	return d, ok
}

// List returns all descriptors in registration order.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Len returns the number of registered commands.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}

// categoryRank orders the well-known categories first.
var categoryRank = map[string]int{
	"main":     1,
	"download": 2,
	"tools":    3,
	"logo":     4,
	"owner":    5,
}

// Categories returns the distinct categories of enabled commands. Known
// categories come first in a fixed order, the rest follow in the order
// they were first registered.
func (r *Registry) Categories() []string {
	seen := make(map[string]bool)
	var cats []string
	for _, d := range r.List() {
		if !d.IsEnabled() {
			continue
		}
		c := d.CategoryName()
		if !seen[c] {
			seen[c] = true
			cats = append(cats, c)
		}
	}
	sort.SliceStable(cats, func(i, j int) bool {
		return rank(cats[i]) < rank(cats[j])
	})
	return cats
}

// ByCategory returns the enabled commands in category, in registration order.
func (r *Registry) ByCategory(category string) []*Descriptor {
	var out []*Descriptor
	for _, d := range r.List() {
		if d.IsEnabled() && d.CategoryName() == category {
			out = append(out, d)
		}
	}
	return out
}

func rank(category string) int {
	if r, ok := categoryRank[category]; ok {
		return r
	}
	return 99
}
