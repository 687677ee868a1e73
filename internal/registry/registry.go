// Package registry owns the identity and lifetime of every in-world entity.
package registry

import (
	"fmt"
	"sync"

	"github.com/r3e-driver/mudd/internal/direrr"
)

// Kind distinguishes a blueprint (singleton template) from a clone (instance).
type Kind int

const (
	KindBlueprint Kind = iota
	KindClone
)

// Constructor builds a fresh entity's state when a blueprint is registered
// or a clone is requested. It must run to completion before the entity is
// registered (construction never observes a half-built entity).
type Constructor func(e *Entity) error

// DestroyHook is invoked by the orchestrator after the Registry's own
// invariants have been restored (inventory emptied, shadows dropped, tasks
// cancelled) — the Registry never calls content code directly except via
// Constructor.
type DestroyHook func(e *Entity)

// Entity is the canonical in-world object.
type Entity struct {
	ObjectID      string
	BlueprintPath string
	Kind          Kind

	mu          sync.RWMutex
	environment *Entity
	inventory   []*Entity
	state       map[string]any
	capabilities map[string]bool
	handlers    map[string]any

	constructor Constructor
	destroyed   bool
}

// NewTestEntity builds a detached entity outside the registry, for unit
// tests that exercise containment logic directly.
func NewTestEntity(id, path string, kind Kind) *Entity {
	return &Entity{
		ObjectID:      id,
		BlueprintPath: path,
		Kind:          kind,
		state:         make(map[string]any),
		capabilities:  make(map[string]bool),
		handlers:      make(map[string]any),
	}
}

// Environment returns the entity containing this one, or nil.
func (e *Entity) Environment() *Entity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.environment
}

// Inventory returns a snapshot of entities contained by this one, in
// insertion order.
func (e *Entity) Inventory() []*Entity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Entity, len(e.inventory))
	copy(out, e.inventory)
	return out
}

// HasCapability reports whether the entity declares the named capability
// flag (capabilities are a flat predicate set, not a type hierarchy).
func (e *Entity) HasCapability(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.capabilities[name]
}

// SetCapability sets or clears a capability flag.
func (e *Entity) SetCapability(name string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.capabilities[name] = true
	} else {
		delete(e.capabilities, name)
	}
}

// Get reads a key from the entity's opaque state map.
func (e *Entity) Get(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.state[key]
	return v, ok
}

// Set writes a key to the entity's opaque state map.
func (e *Entity) Set(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state[key] = value
}

// StateSnapshot returns a shallow copy of the entity's state map, used for
// persistence serialization.
func (e *Entity) StateSnapshot() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.state))
	for k, v := range e.state {
		out[k] = v
	}
	return out
}

// SetHandler installs a verb handler, populated by the content unit during
// construction (base-spec §3 "handlers").
func (e *Entity) SetHandler(verb string, handler any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[verb] = handler
}

// Handler looks up a verb handler installed on this entity.
func (e *Entity) Handler(verb string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[verb]
	return h, ok
}

func (e *Entity) isDestroyed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.destroyed
}

// blueprintRecord tracks a registered blueprint plus its live clones, in
// the insertion order iter_clones must preserve.
type blueprintRecord struct {
	entity  *Entity
	clones  []*Entity // insertion order; nil slots mark destroyed clones
	counter uint64
}

// Registry is the process-wide table of blueprints and clones.
type Registry struct {
	mu         sync.RWMutex
	blueprints map[string]*blueprintRecord // by BlueprintPath
	byID       map[string]*Entity          // clones, by ObjectID
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		blueprints: make(map[string]*blueprintRecord),
		byID:       make(map[string]*Entity),
	}
}

// RegisterBlueprint constructs and registers the singleton blueprint for a
// content path. Fails with DuplicateBlueprint if one is already live.
func (r *Registry) RegisterBlueprint(path string, ctor Constructor) (*Entity, error) {
	r.mu.Lock()
	if _, exists := r.blueprints[path]; exists {
		r.mu.Unlock()
		return nil, &DuplicateBlueprintError{Path: path}
	}
	// Reserve the slot before running the constructor so a concurrent
	// registration of the same path cannot race past this check.
	r.blueprints[path] = &blueprintRecord{}
	r.mu.Unlock()

	e := &Entity{
		BlueprintPath: path,
		Kind:          KindBlueprint,
		ObjectID:      path,
		state:         make(map[string]any),
		capabilities:  make(map[string]bool),
		handlers:      make(map[string]any),
		constructor:   ctor,
	}
	if ctor != nil {
		if err := ctor(e); err != nil {
			r.mu.Lock()
			delete(r.blueprints, path)
			r.mu.Unlock()
			return nil, fmt.Errorf("construct blueprint %s: %w", path, err)
		}
	}

	r.mu.Lock()
	r.blueprints[path].entity = e
	r.mu.Unlock()
	return e, nil
}

// ReplaceBlueprint swaps the live blueprint instance for a path (Hot-Reload
// Supervisor step 2: atomic swap, only on successful construction) without
// disturbing the clone list — callers retarget clones separately.
func (r *Registry) ReplaceBlueprint(path string, next *Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.blueprints[path]
	if !ok {
		return direrr.NotFound("blueprint", path)
	}
	rec.entity = next
	return nil
}

// Clone constructs a new instance of path's blueprint, assigns a fresh
// object_id of the form path#<monotonic>, and registers it.
func (r *Registry) Clone(path string) (*Entity, error) {
	r.mu.Lock()
	rec, ok := r.blueprints[path]
	if !ok || rec.entity == nil {
		r.mu.Unlock()
		return nil, &UnknownBlueprintError{Path: path}
	}
	rec.counter++
	id := fmt.Sprintf("%s#%d", path, rec.counter)
	ctor := rec.entity.constructor
	r.mu.Unlock()

	e := &Entity{
		ObjectID:      id,
		BlueprintPath: path,
		Kind:          KindClone,
		state:         make(map[string]any),
		capabilities:  make(map[string]bool),
		handlers:      make(map[string]any),
	}
	if ctor != nil {
		if err := ctor(e); err != nil {
			return nil, fmt.Errorf("construct clone %s: %w", id, err)
		}
	}

	r.mu.Lock()
	rec.clones = append(rec.clones, e)
	r.byID[id] = e
	r.mu.Unlock()
	return e, nil
}

// Find resolves a blueprint path or a clone's full object_id.
func (r *Registry) Find(pathOrID string) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.blueprints[pathOrID]; ok && rec.entity != nil {
		return rec.entity, true
	}
	if e, ok := r.byID[pathOrID]; ok && !e.isDestroyed() {
		return e, true
	}
	return nil, false
}

// Move atomically reparents an entity: it is removed from its previous
// container's inventory and appended to the new one's, preserving
// base-spec §3 invariant 2. env == nil detaches the entity entirely, for
// explicit detachment such as pending destruction.
func (r *Registry) Move(e, env *Entity) {
	if e == nil {
		return
	}
	e.mu.Lock()
	prev := e.environment
	e.mu.Unlock()

	if prev == env {
		return
	}
	if prev != nil {
		prev.mu.Lock()
		prev.inventory = removeEntity(prev.inventory, e)
		prev.mu.Unlock()
	}
	if env != nil {
		env.mu.Lock()
		env.inventory = append(env.inventory, e)
		env.mu.Unlock()
	}
	e.mu.Lock()
	e.environment = env
	e.mu.Unlock()
}

func removeEntity(list []*Entity, target *Entity) []*Entity {
	out := list[:0]
	for _, e := range list {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}

// DestroyOptions customizes destruction of an entity's inventory.
type DestroyOptions struct {
	// OnChildOrphaned is called for each inventory child instead of
	// recursively destroying it, implementing the "re-parented per content
	// policy" escape hatch in base-spec §4.1. If nil, children are
	// recursively destroyed.
	OnChildOrphaned func(child *Entity)
	// CancelTasks cancels all scheduled tasks targeting e (wired to the
	// Scheduler by the orchestrator).
	CancelTasks func(e *Entity)
	// DropShadows removes all shadows on e (wired to the Shadow Registry).
	DropShadows func(e *Entity)
}

// Destroy removes e from any environment, clears its inventory, cancels its
// scheduled tasks, drops its shadows, and unregisters it. After Destroy
// returns, no lookup may resolve e (base-spec §3 invariant 1, §8 property).
func (r *Registry) Destroy(e *Entity, opts DestroyOptions) {
	if e == nil || e.isDestroyed() {
		return
	}

	r.Move(e, nil)

	children := e.Inventory()
	for _, c := range children {
		if opts.OnChildOrphaned != nil {
			opts.OnChildOrphaned(c)
		} else {
			r.Destroy(c, opts)
		}
	}

	if opts.CancelTasks != nil {
		opts.CancelTasks(e)
	}
	if opts.DropShadows != nil {
		opts.DropShadows(e)
	}

	e.mu.Lock()
	e.destroyed = true
	e.inventory = nil
	e.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Kind == KindClone {
		delete(r.byID, e.ObjectID)
		if rec, ok := r.blueprints[e.BlueprintPath]; ok {
			rec.clones = removeEntity(rec.clones, e)
		}
	} else {
		delete(r.blueprints, e.BlueprintPath)
	}
}

// IterClones returns a stable-order, restartable snapshot of a blueprint's
// currently-live clones (insertion order).
func (r *Registry) IterClones(path string) []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.blueprints[path]
	if !ok {
		return nil
	}
	out := make([]*Entity, 0, len(rec.clones))
	for _, c := range rec.clones {
		if c != nil && !c.isDestroyed() {
			out = append(out, c)
		}
	}
	return out
}

// RetargetClones redirects every live clone of path to a new blueprint,
// implementing Hot-Reload Supervisor step 3. Each clone's constructor is
// re-run against its own entity so verb handlers (and any other closures
// over the old program's VM) are rebound to the new compiled code; the
// clone's existing state is snapshotted first and restored afterward so
// instance state is still preserved byte-for-byte even though construct()
// may reinitialize its own variables along the way.
func (r *Registry) RetargetClones(path string, newBlueprint *Entity) []*Entity {
	clones := r.IterClones(path)
	for _, c := range clones {
		c.mu.Lock()
		ctor := newBlueprint.constructor
		saved := make(map[string]any, len(c.state))
		for k, v := range c.state {
			saved[k] = v
		}
		c.constructor = ctor
		c.mu.Unlock()

		if ctor != nil {
			_ = ctor(c)
		}

		c.mu.Lock()
		for k, v := range saved {
			c.state[k] = v
		}
		c.mu.Unlock()
	}
	return clones
}

// DuplicateBlueprintError is returned by RegisterBlueprint for an
// already-live path.
type DuplicateBlueprintError struct{ Path string }

func (e *DuplicateBlueprintError) Error() string {
	return fmt.Sprintf("duplicate blueprint: %s", e.Path)
}

// UnknownBlueprintError is returned by Clone for an unregistered path.
type UnknownBlueprintError struct{ Path string }

func (e *UnknownBlueprintError) Error() string {
	return fmt.Sprintf("unknown blueprint: %s", e.Path)
}
