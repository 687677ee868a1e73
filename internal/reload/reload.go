// Package reload implements the Hot-Reload Supervisor: content-unit
// compilation, atomic blueprint swap, clone retargeting, dependent
// reload, and debounced filesystem watching (base-spec §4.7).
package reload

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/r3e-driver/mudd/internal/obslog"
	"github.com/r3e-driver/mudd/internal/registry"
	"github.com/r3e-driver/mudd/pkg/metrics"
)

// Diagnostic is one compile-time error location, surfaced to a
// watching builder's IDE subchannel.
type Diagnostic struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

// GlobalInjector binds the extension surface and ambient context
// (this_object, this_player, efuns) into a freshly created VM before a
// content unit's constructor runs. Supplied by the Driver so this
// package never imports the efuns surface directly.
type GlobalInjector func(vm *goja.Runtime, entity *registry.Entity)

// Unit is one compiled content file.
type Unit struct {
	Path         string
	Source       string
	Program      *goja.Program
	Dependencies []string
	Version      int
}

// Outcome reports the result of one LoadOrReload call, including any
// dependents that were transitively reloaded.
type Outcome struct {
	Path        string
	Diagnostics []Diagnostic
	Reloaded    bool
	Dependents  []DependentResult
}

// DependentResult reports the outcome of reloading one transitive
// dependent during a batch.
type DependentResult struct {
	Path  string
	Error error
}

// Supervisor owns the compiled-unit cache, the dependency graph, and
// the safelist of paths requiring operator confirmation.
type Supervisor struct {
	mu       sync.Mutex
	units    map[string]*Unit
	dependsOn map[string]map[string]bool // path -> set of paths it depends on
	safelist map[string]bool

	reg    *registry.Registry
	inject GlobalInjector
	log    *obslog.Logger

	onRetarget func(path string, clones []*registry.Entity) // post-retarget hook, invokes on_hot_reload
}

// New returns a Supervisor bound to reg. inject wires the extension
// surface into each fresh VM; onRetarget is called after clones of a
// reloaded path are retargeted, for the on_hot_reload post-update hook.
func New(reg *registry.Registry, inject GlobalInjector, onRetarget func(path string, clones []*registry.Entity), log *obslog.Logger) *Supervisor {
	if log == nil {
		log = obslog.NewDefault()
	}
	return &Supervisor{
		units:     make(map[string]*Unit),
		dependsOn: make(map[string]map[string]bool),
		safelist:  make(map[string]bool),
		reg:       reg,
		inject:    inject,
		onRetarget: onRetarget,
		log:       log,
	}
}

// Safelist marks path as requiring explicit operator confirmation
// rather than auto-reload (base-spec §4.7, e.g. the player base, the
// master, the login daemon).
func (s *Supervisor) Safelist(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.safelist[path] = true
}

// IsSafelisted reports whether path requires operator confirmation.
func (s *Supervisor) IsSafelisted(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.safelist[path]
}

// Compile parses source as a content unit and returns any syntax
// diagnostics without touching the Registry (base-spec §4.7 step 1).
func Compile(path, source string) (*goja.Program, []Diagnostic) {
	prog, err := goja.Compile(path, source, true)
	if err != nil {
		return nil, []Diagnostic{{Message: err.Error()}}
	}
	return prog, nil
}

// LoadOrReload runs the full reload pipeline for path with new source:
// compile, construct-then-swap, retarget clones, and transitively
// reload dependents. It is the action a debounced filesystem watch
// fires once coalescing settles.
func (s *Supervisor) LoadOrReload(path, source string, dependencies []string) Outcome {
	visited := make(map[string]bool)
	return s.reloadOne(path, source, dependencies, visited)
}

func (s *Supervisor) reloadOne(path, source string, dependencies []string, visited map[string]bool) Outcome {
	if visited[path] {
		return Outcome{Path: path}
	}
	visited[path] = true

	prog, diags := Compile(path, source)
	if diags != nil {
		s.log.WithField("path", path).WithField("diagnostics", diags).Warn("content unit failed to compile")
		metrics.RecordReloadOutcome(path, "diagnostics")
		return Outcome{Path: path, Diagnostics: diags}
	}

	unit := &Unit{Path: path, Source: source, Program: prog, Dependencies: dependencies}
	ctor := s.makeConstructor(unit)

	isNew := !s.hasUnit(path)
	var swapErr error
	var newBlueprint *registry.Entity
	if isNew {
		newBlueprint, swapErr = s.reg.RegisterBlueprint(path, ctor)
	} else {
		// Construct standalone first so a failing constructor never
		// disturbs the live blueprint or its clones (base-spec §4.7
		// step 2, "only if construction succeeds").
		probe := registry.NewTestEntity(path, path, registry.KindBlueprint)
		if err := ctor(probe); err != nil {
			swapErr = fmt.Errorf("construct blueprint %s: %w", path, err)
		} else {
			newBlueprint = probe
			swapErr = s.reg.ReplaceBlueprint(path, newBlueprint)
		}
	}
	if swapErr != nil {
		s.log.WithField("path", path).WithField("error", swapErr).Error("blueprint swap failed; prior version remains live")
		metrics.RecordReloadOutcome(path, "diagnostics")
		return Outcome{Path: path, Diagnostics: []Diagnostic{{Message: swapErr.Error()}}}
	}

	metrics.RecordReloadOutcome(path, "ok")
	s.recordUnit(unit)

	clones := s.reg.RetargetClones(path, newBlueprint)
	if s.onRetarget != nil {
		s.onRetarget(path, clones)
	}

	outcome := Outcome{Path: path, Reloaded: true}

	dependents := s.dependentsOf(path)
	for _, dep := range dependents {
		s.mu.Lock()
		depUnit, known := s.units[dep]
		s.mu.Unlock()
		if !known {
			continue
		}
		child := s.reloadOne(dep, depUnit.Source, depUnit.Dependencies, visited)
		result := DependentResult{Path: dep}
		if len(child.Diagnostics) > 0 {
			result.Error = fmt.Errorf("%s: %s", dep, child.Diagnostics[0].Message)
		}
		outcome.Dependents = append(outcome.Dependents, result)
	}

	return outcome
}

func (s *Supervisor) hasUnit(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.units[path]
	return ok
}

func (s *Supervisor) recordUnit(unit *Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.units[unit.Path]; ok {
		unit.Version = existing.Version + 1
	}
	s.units[unit.Path] = unit
	s.dependsOn[unit.Path] = make(map[string]bool, len(unit.Dependencies))
	for _, d := range unit.Dependencies {
		s.dependsOn[unit.Path][d] = true
	}
}

// dependentsOf returns every recorded unit that declares path as a
// dependency, in a stable order.
func (s *Supervisor) dependentsOf(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for candidate, deps := range s.dependsOn {
		if deps[path] {
			out = append(out, candidate)
		}
	}
	sort.Strings(out)
	return out
}

// makeConstructor wraps a compiled unit's program as a
// registry.Constructor: a fresh goja VM per call, globals injected for
// the entity, the program run, then its global construct function, if
// any, called with no arguments. Fresh-VM-per-call mirrors the isolation model used for
// on-demand script execution elsewhere in the stack — no state leaks
// between one entity's construction and the next.
func (s *Supervisor) makeConstructor(unit *Unit) registry.Constructor {
	return func(e *registry.Entity) error {
		vm := goja.New()
		vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
		if s.inject != nil {
			s.inject(vm, e)
		}
		if _, err := vm.RunProgram(unit.Program); err != nil {
			return fmt.Errorf("run content unit %s: %w", unit.Path, err)
		}

		constructFn, ok := goja.AssertFunction(vm.Get("construct"))
		if !ok {
			return nil // a unit with no construct export is valid (e.g. a pure library)
		}
		if _, err := constructFn(goja.Undefined()); err != nil {
			return fmt.Errorf("construct() in %s: %w", unit.Path, err)
		}
		return nil
	}
}

// Remove destroys path's blueprint and all of its clones, in
// registration order, cancelling their tasks first via opts (base-spec
// §4.7, "Deletion").
func (s *Supervisor) Remove(path string, opts registry.DestroyOptions) {
	s.mu.Lock()
	delete(s.units, path)
	delete(s.dependsOn, path)
	s.mu.Unlock()

	for _, clone := range s.reg.IterClones(path) {
		s.reg.Destroy(clone, opts)
	}
	if bp, ok := s.reg.Find(path); ok {
		s.reg.Destroy(bp, opts)
	}
}

// Debouncer coalesces rapid successive reload requests for the same
// path within window into a single call to fn with the final source
// seen (base-spec §4.7 step 6).
type Debouncer struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	window  time.Duration
	fn      func(path string)
	pending map[string]struct{}
}

// NewDebouncer returns a Debouncer invoking fn after window of
// inactivity for a given path.
func NewDebouncer(window time.Duration, fn func(path string)) *Debouncer {
	return &Debouncer{
		timers:  make(map[string]*time.Timer),
		pending: make(map[string]struct{}),
		window:  window,
		fn:      fn,
	}
}

// Notify records an event for path, resetting its coalescing window.
func (d *Debouncer) Notify(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[path]; ok {
		t.Stop()
	}
	d.timers[path] = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		delete(d.timers, path)
		d.mu.Unlock()
		d.fn(path)
	})
}
