// Package shadow implements the Shadow Registry: an overlay mechanism
// that intercepts reads of designated properties and calls to
// designated methods on a target entity without modifying the
// entity's own state (base-spec §4.6, design rationale in §9).
package shadow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/r3e-driver/mudd/internal/registry"
)

// Type identifies a shadow's kind; at most one shadow of a given Type
// may be attached to a target at a time.
type Type string

// ShadowableProperties is the closed set of property names a shadow may
// override, per base-spec §9's "small virtual-dispatch table keyed by
// the fixed shadowable-property set." Content may extend this set at
// process start, before any shadow is attached.
var ShadowableProperties = map[string]bool{
	"short_desc": true,
	"long_desc":  true,
	"id_list":    true,
	"weight":     true,
	"value":      true,
}

// ShadowableMethods is the closed set of methods a shadow may override.
var ShadowableMethods = map[string]bool{
	"query_short":  true,
	"query_long":   true,
	"query_weight": true,
	"query_value":  true,
	"catch_tell":   true,
}

// Impl is implemented by content-provided shadow logic.
type Impl interface {
	// OnAttach runs once, after the shadow is inserted into target's
	// overlay list.
	OnAttach(target *registry.Entity)
	// OnDetach runs once, before the shadow is removed. Implementations
	// holding their own scheduled tasks must cancel them here.
	OnDetach(target *registry.Entity)
	// Property returns an override for name, if this shadow supplies
	// one. ok=false means "no override, consult the next shadow."
	Property(name string) (value any, ok bool)
	// Method returns an override for name, if this shadow supplies one.
	Method(name string) (fn MethodFunc, ok bool)
}

// MethodFunc is a shadow-overridden method. self is the Shadow so that,
// per base-spec §4.6, "this/self inside that method refers to the
// shadow, not the target."
type MethodFunc func(self *Shadow, args ...any) (any, error)

// Shadow is one overlay attached to a target entity.
type Shadow struct {
	Type     Type
	Priority int
	impl     Impl

	mu     sync.RWMutex
	target *registry.Entity
}

// Target returns the entity this shadow is attached to, or nil if
// detached. Shadow method implementations use this to reach the
// underlying entity's own state.
func (s *Shadow) Target() *registry.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

// New constructs a detached Shadow; Registry.Add attaches it.
func New(shadowType Type, priority int, impl Impl) *Shadow {
	return &Shadow{Type: shadowType, Priority: priority, impl: impl}
}

// Registry tracks, per target entity, the priority-ordered list of
// attached shadows.
type Registry struct {
	mu    sync.RWMutex
	lists map[string][]*Shadow // keyed by target ObjectID, descending priority
}

// NewRegistry returns an empty shadow Registry.
func NewRegistry() *Registry {
	return &Registry{lists: make(map[string][]*Shadow)}
}

// DuplicateShadowTypeError is returned by Add when target already
// carries a shadow of the same Type.
type DuplicateShadowTypeError struct {
	ObjectID string
	Type     Type
}

func (e *DuplicateShadowTypeError) Error() string {
	return fmt.Sprintf("entity %s already has a shadow of type %s", e.ObjectID, e.Type)
}

// Add attaches sh to target: descending-priority insertion, ties broken
// by insertion order, then invokes sh.impl.OnAttach(target).
func (r *Registry) Add(target *registry.Entity, sh *Shadow) error {
	r.mu.Lock()
	list := r.lists[target.ObjectID]
	for _, existing := range list {
		if existing.Type == sh.Type {
			r.mu.Unlock()
			return &DuplicateShadowTypeError{ObjectID: target.ObjectID, Type: sh.Type}
		}
	}
	sh.mu.Lock()
	sh.target = target
	sh.mu.Unlock()

	list = append(list, sh)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Priority > list[j].Priority
	})
	r.lists[target.ObjectID] = list
	r.mu.Unlock()

	sh.impl.OnAttach(target)
	return nil
}

// Remove detaches a shadow, identified either by the *Shadow value
// itself or by its Type, from target. It invokes OnDetach before
// unlinking. If target's shadow list becomes empty, Remove reports
// drained=true so the caller can remove any installed lookup
// interceptors (base-spec §4.6).
func (r *Registry) Remove(target *registry.Entity, shadowOrType any) (drained bool, err error) {
	r.mu.Lock()
	list := r.lists[target.ObjectID]
	idx := -1
	for i, sh := range list {
		switch v := shadowOrType.(type) {
		case *Shadow:
			if sh == v {
				idx = i
			}
		case Type:
			if sh.Type == v {
				idx = i
			}
		}
		if idx >= 0 {
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false, fmt.Errorf("no matching shadow on %s", target.ObjectID)
	}
	removed := list[idx]
	list = append(list[:idx:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(r.lists, target.ObjectID)
	} else {
		r.lists[target.ObjectID] = list
	}
	r.mu.Unlock()

	removed.impl.OnDetach(target)
	removed.mu.Lock()
	removed.target = nil
	removed.mu.Unlock()

	return len(list) == 0, nil
}

// Get returns a read-only, priority-ordered snapshot of target's
// shadows.
func (r *Registry) Get(target *registry.Entity) []*Shadow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.lists[target.ObjectID]
	out := make([]*Shadow, len(list))
	copy(out, list)
	return out
}

// LookupProperty walks target's shadow list in priority order and
// returns the first override, or ok=false if none apply (the caller
// then uses the entity's own value).
func (r *Registry) LookupProperty(target *registry.Entity, name string) (value any, ok bool) {
	if !ShadowableProperties[name] {
		return nil, false
	}
	for _, sh := range r.Get(target) {
		if v, found := sh.impl.Property(name); found {
			return v, true
		}
	}
	return nil, false
}

// LookupMethod walks target's shadow list in priority order and
// returns the first override along with the Shadow it belongs to (so
// the caller can invoke it with the correct self).
func (r *Registry) LookupMethod(target *registry.Entity, name string) (sh *Shadow, fn MethodFunc, ok bool) {
	if !ShadowableMethods[name] {
		return nil, nil, false
	}
	for _, s := range r.Get(target) {
		if f, found := s.impl.Method(name); found {
			return s, f, true
		}
	}
	return nil, nil, false
}

// DetachAll removes every shadow on target, invoking OnDetach
// best-effort (a panicking or erroring detach is logged by the caller
// via the returned errs slice, never aborting the remaining detaches).
// Used when target is destroyed (base-spec §4.1, §4.6).
func (r *Registry) DetachAll(target *registry.Entity) (errs []error) {
	r.mu.Lock()
	list := r.lists[target.ObjectID]
	delete(r.lists, target.ObjectID)
	r.mu.Unlock()

	for _, sh := range list {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					errs = append(errs, fmt.Errorf("shadow %s on_detach panicked: %v", sh.Type, rec))
				}
			}()
			sh.impl.OnDetach(target)
		}()
		sh.mu.Lock()
		sh.target = nil
		sh.mu.Unlock()
	}
	return errs
}
