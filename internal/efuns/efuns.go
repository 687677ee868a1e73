// Package efuns implements the Extension Surface: the fixed set of
// callables content code gets injected into every VM (base-spec
// §4.10). It is grounded on the same service-locator shape the
// teacher uses for its platform context (a single object handing out
// narrow, already-constructed collaborators) generalized to the
// per-execution this_player()/this_object() context the dispatcher
// establishes around each piece of executing content code.
package efuns

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/r3e-driver/mudd/internal/dispatch"
	"github.com/r3e-driver/mudd/internal/permlevel"
	"github.com/r3e-driver/mudd/internal/registry"
	"github.com/r3e-driver/mudd/internal/sandbox"
	"github.com/r3e-driver/mudd/internal/scheduler"
	"github.com/r3e-driver/mudd/internal/shadow"
)

// Player is the narrow view of a live player the extension surface
// needs. *driver.Player satisfies this structurally.
type Player interface {
	Name() string
	Level() permlevel.Level
	Entity() *registry.Entity
	Send(line string)
}

// PlayerDirectory is the active-player table, owned by the driver.
type PlayerDirectory interface {
	Register(p Player)
	Unregister(p Player)
	FindActive(name string) (Player, bool)
	FindConnected(name string) (Player, bool)
	All() []Player
	TransferConnection(from, to Player) error
}

// Store is the persistence surface backing the Persistence efun group.
type Store interface {
	PlayerExists(name string) (bool, error)
	LoadPlayerData(name string) (json.RawMessage, bool, error)
	ListPlayers() ([]string, error)
	SavePlayer(p Player) error
	SaveData(ns, key string, value any) error
	LoadData(ns, key string) (json.RawMessage, bool, error)
	ListDataKeys(ns string) ([]string, error)
	DeleteData(ns, key string) error
}

// Runner lets the Messaging group's execute_command re-enter the
// Command Dispatcher as if target had typed line themselves.
type Runner interface {
	ExecuteAs(ctx context.Context, target Player, line string) error
}

// GameConfig is the read-only game_config() efun's return value.
type GameConfig struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Tagline string `json:"tagline"`
}

// Surface holds every collaborator the Extension Surface calls through
// and the per-VM execution context stacks (base-spec §4.10,
// "contextual efuns ... a per-execution context the dispatcher sets
// before invoking content code and clears on return").
type Surface struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Sandbox   *sandbox.Sandbox
	Shadows   *shadow.Registry
	Store     Store
	Players   PlayerDirectory
	Runner    Runner
	MudlibRoot string
	Game      GameConfig
	MudConfig map[string]string

	mu     sync.Mutex
	vmCtx  map[*goja.Runtime]*execContext
}

type execContext struct {
	object      *registry.Entity
	playerStack []Player
}

// New returns an empty Surface; callers set the collaborator fields
// before the first Inject.
func New() *Surface {
	return &Surface{
		MudConfig: make(map[string]string),
		vmCtx:     make(map[*goja.Runtime]*execContext),
	}
}

func (s *Surface) ctxFor(vm *goja.Runtime) *execContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	ec, ok := s.vmCtx[vm]
	if !ok {
		ec = &execContext{}
		s.vmCtx[vm] = ec
	}
	return ec
}

func (s *Surface) pushPlayer(vm *goja.Runtime, p Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ec := s.vmCtx[vm]
	if ec == nil {
		ec = &execContext{}
		s.vmCtx[vm] = ec
	}
	ec.playerStack = append(ec.playerStack, p)
}

func (s *Surface) popPlayer(vm *goja.Runtime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ec := s.vmCtx[vm]
	if ec == nil || len(ec.playerStack) == 0 {
		return
	}
	ec.playerStack = ec.playerStack[:len(ec.playerStack)-1]
}

func (s *Surface) currentPlayer(vm *goja.Runtime) Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	ec := s.vmCtx[vm]
	if ec == nil || len(ec.playerStack) == 0 {
		return nil
	}
	return ec.playerStack[len(ec.playerStack)-1]
}

// Forget drops vm's execution context, for use when a VM is discarded
// after a hot-reload retarget.
func (s *Surface) Forget(vm *goja.Runtime) {
	s.mu.Lock()
	delete(s.vmCtx, vm)
	s.mu.Unlock()
}

// Inject installs every efun as a global on vm, bound to entity as
// this_object. It is the Reload.GlobalInjector the driver wires in.
func (s *Surface) Inject(vm *goja.Runtime, entity *registry.Entity) {
	ec := s.ctxFor(vm)
	ec.object = entity

	s.injectObjectGroup(vm, entity)
	s.injectTimeGroup(vm, entity)
	s.injectPersistenceGroup(vm, entity)
	s.injectFileGroup(vm, entity)
	s.injectPermissionGroup(vm, entity)
	s.injectMessagingGroup(vm, entity)
	s.injectShadowGroup(vm, entity)
	s.injectConfigGroup(vm)
}

// --- Object group ---------------------------------------------------

func (s *Surface) injectObjectGroup(vm *goja.Runtime, entity *registry.Entity) {
	vm.Set("this_object", func() string { return entity.ObjectID })

	vm.Set("this_player", func() goja.Value {
		p := s.currentPlayer(vm)
		if p == nil {
			return goja.Undefined()
		}
		return vm.ToValue(p.Name())
	})

	vm.Set("find_object", func(path string) goja.Value {
		e, ok := s.Registry.Find(path)
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(e.ObjectID)
	})

	vm.Set("clone_object", func(path string) goja.Value {
		e, err := s.Registry.Clone(path)
		if err != nil {
			return goja.Undefined()
		}
		return vm.ToValue(e.ObjectID)
	})

	vm.Set("register_active_player", func(name string) {
		if p, ok := s.Players.FindActive(name); ok {
			s.Players.Register(p)
		}
	})

	vm.Set("unregister_active_player", func(name string) {
		if p, ok := s.Players.FindActive(name); ok {
			s.Players.Unregister(p)
		}
	})

	vm.Set("find_active_player", func(name string) goja.Value {
		p, ok := s.Players.FindActive(name)
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(p.Name())
	})

	vm.Set("find_connected_player", func(name string) goja.Value {
		p, ok := s.Players.FindConnected(name)
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(p.Name())
	})

	vm.Set("all_players", func() []string {
		all := s.Players.All()
		names := make([]string, len(all))
		for i, p := range all {
			names[i] = p.Name()
		}
		return names
	})

	vm.Set("transfer_connection", func(from, to string) bool {
		fromP, ok := s.Players.FindActive(from)
		if !ok {
			return false
		}
		toP, ok := s.Players.FindActive(to)
		if !ok {
			return false
		}
		return s.Players.TransferConnection(fromP, toP) == nil
	})

	// add_verb is the mechanism by which a unit's construct() attaches
	// command handlers to itself; it is the concrete instrument behind
	// the Command Dispatcher's "object scope" resolution step
	// (base-spec §4.5 step 3).
	vm.Set("add_verb", func(name string, fnVal goja.Value) {
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			return
		}
		entity.SetHandler(name, s.wrapVerb(vm, fn))
	})
}

func (s *Surface) wrapVerb(vm *goja.Runtime, fn goja.Callable) dispatch.ObjectHandler {
	return func(ec *dispatch.ExecContext, args []string) (bool, error) {
		var p Player
		if ep, ok := ec.Player.(Player); ok {
			p = ep
		}
		s.pushPlayer(vm, p)
		defer s.popPlayer(vm)

		jsArgs := make([]goja.Value, len(args))
		for i, a := range args {
			jsArgs[i] = vm.ToValue(a)
		}
		result, err := fn(goja.Undefined(), jsArgs...)
		if err != nil {
			return false, fmt.Errorf("verb handler: %w", err)
		}
		return result.ToBoolean(), nil
	}
}

// --- Time & tasks group ----------------------------------------------

func (s *Surface) injectTimeGroup(vm *goja.Runtime, entity *registry.Entity) {
	vm.Set("call_out", func(delaySeconds float64, fnVal goja.Value) uint64 {
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			return 0
		}
		id := s.Scheduler.CallOut(time.Duration(delaySeconds*float64(time.Second)), entity.ObjectID, func() {
			s.callGoja(vm, fn)
		})
		return uint64(id)
	})

	vm.Set("call_out_every", func(intervalSeconds float64, fnVal goja.Value) uint64 {
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			return 0
		}
		id := s.Scheduler.CallOutEvery(time.Duration(intervalSeconds*float64(time.Second)), entity.ObjectID, func() {
			s.callGoja(vm, fn)
		})
		return uint64(id)
	})

	vm.Set("remove_call_out", func(id uint64) {
		s.Scheduler.Cancel(scheduler.TaskID(id))
	})

	vm.Set("time", func() int64 { return time.Now().Unix() })
}

func (s *Surface) callGoja(vm *goja.Runtime, fn goja.Callable) {
	if _, err := fn(goja.Undefined()); err != nil {
		// a panicking or throwing call_out callback must not take the
		// scheduler goroutine down with it.
		_ = err
	}
}

// --- Persistence group -----------------------------------------------

func (s *Surface) injectPersistenceGroup(vm *goja.Runtime, entity *registry.Entity) {
	vm.Set("save_player", func(name string) bool {
		p, ok := s.Players.FindActive(name)
		if !ok {
			return false
		}
		return s.Store.SavePlayer(p) == nil
	})

	vm.Set("player_exists", func(name string) bool {
		ok, _ := s.Store.PlayerExists(name)
		return ok
	})

	vm.Set("load_player_data", func(name string) goja.Value {
		raw, found, err := s.Store.LoadPlayerData(name)
		if err != nil || !found {
			return goja.Undefined()
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})

	vm.Set("list_players", func() []string {
		names, _ := s.Store.ListPlayers()
		return names
	})

	vm.Set("save_data", func(ns, key string, value goja.Value) bool {
		return s.Store.SaveData(ns, key, value.Export()) == nil
	})

	vm.Set("load_data", func(ns, key string) goja.Value {
		raw, found, err := s.Store.LoadData(ns, key)
		if err != nil || !found {
			return goja.Undefined()
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})

	vm.Set("list_data_keys", func(ns string) []string {
		keys, _ := s.Store.ListDataKeys(ns)
		return keys
	})

	vm.Set("delete_data", func(ns, key string) bool {
		return s.Store.DeleteData(ns, key) == nil
	})
}

// --- File group --------------------------------------------------------

// File efuns re-enter the permission gate (base-spec §4.8) with the
// calling object's own identity as subject, exactly as a second
// file-system-backed domain of the same check write_file and the
// built-in commands already go through.

func (s *Surface) injectFileGroup(vm *goja.Runtime, entity *registry.Entity) {
	vm.Set("read_file", func(path string) goja.Value {
		if !s.Sandbox.CanRead(entity.ObjectID, path) {
			return goja.Undefined()
		}
		data, err := os.ReadFile(s.resolvePath(path))
		if err != nil {
			return goja.Undefined()
		}
		return vm.ToValue(string(data))
	})

	vm.Set("write_file", func(path, content string) bool {
		if err := s.Sandbox.CheckWrite(entity.ObjectID, path); err != nil {
			return false
		}
		abs := s.resolvePath(path)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return false
		}
		return os.WriteFile(abs, []byte(content), 0o644) == nil
	})

	vm.Set("read_dir", func(path string) []string {
		if !s.Sandbox.CanRead(entity.ObjectID, path) {
			return nil
		}
		entries, err := os.ReadDir(s.resolvePath(path))
		if err != nil {
			return nil
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		return names
	})

	vm.Set("file_stat", func(path string) goja.Value {
		if !s.Sandbox.CanRead(entity.ObjectID, path) {
			return goja.Undefined()
		}
		info, err := os.Stat(s.resolvePath(path))
		if err != nil {
			return goja.Undefined()
		}
		return vm.ToValue(map[string]any{
			"size":  info.Size(),
			"isDir": info.IsDir(),
			"mtime": info.ModTime().Unix(),
		})
	})
}

func (s *Surface) resolvePath(contentPath string) string {
	rel := strings.TrimPrefix(contentPath, "/")
	return filepath.Join(s.MudlibRoot, rel)
}

// --- Permissions group --------------------------------------------------

func (s *Surface) injectPermissionGroup(vm *goja.Runtime, entity *registry.Entity) {
	vm.Set("set_permission_level", func(subject, level string) {
		s.Sandbox.Grant(subject, permlevel.Parse(level), nil)
	})

	vm.Set("save_permissions", func() bool {
		data, err := s.Sandbox.DumpJSON()
		if err != nil {
			return false
		}
		path := filepath.Join(s.MudlibRoot, "..", "data", "permissions.json")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return false
		}
		return os.WriteFile(path, data, 0o644) == nil
	})
}

// --- Messaging group -----------------------------------------------------

func (s *Surface) injectMessagingGroup(vm *goja.Runtime, entity *registry.Entity) {
	vm.Set("send", func(name, line string) {
		if p, ok := s.Players.FindActive(name); ok {
			p.Send(line)
		}
	})

	vm.Set("execute_command", func(name, line string) bool {
		p, ok := s.Players.FindActive(name)
		if !ok || s.Runner == nil {
			return false
		}
		return s.Runner.ExecuteAs(context.Background(), p, line) == nil
	})
}

// --- Shadows group --------------------------------------------------------

func (s *Surface) injectShadowGroup(vm *goja.Runtime, entity *registry.Entity) {
	vm.Set("add_shadow", func(targetPath, shadowType string, priority int, implVal goja.Value) bool {
		target, ok := s.Registry.Find(targetPath)
		if !ok {
			return false
		}
		impl := newJSShadow(vm, implVal)
		sh := shadow.New(shadow.Type(shadowType), priority, impl)
		return s.Shadows.Add(target, sh) == nil
	})

	vm.Set("remove_shadow", func(targetPath, shadowType string) bool {
		target, ok := s.Registry.Find(targetPath)
		if !ok {
			return false
		}
		_, err := s.Shadows.Remove(target, shadow.Type(shadowType))
		return err == nil
	})
}

// jsShadow adapts a JS object with optional on_attach/on_detach/property/
// method functions into a shadow.Impl.
type jsShadow struct {
	vm   *goja.Runtime
	obj  *goja.Object
}

func newJSShadow(vm *goja.Runtime, v goja.Value) *jsShadow {
	obj := v.ToObject(vm)
	return &jsShadow{vm: vm, obj: obj}
}

func (j *jsShadow) method(name string) (goja.Callable, bool) {
	if j.obj == nil {
		return nil, false
	}
	v := j.obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	return goja.AssertFunction(v)
}

func (j *jsShadow) OnAttach(target *registry.Entity) {
	if fn, ok := j.method("on_attach"); ok {
		_, _ = fn(j.obj, j.vm.ToValue(target.ObjectID))
	}
}

func (j *jsShadow) OnDetach(target *registry.Entity) {
	if fn, ok := j.method("on_detach"); ok {
		_, _ = fn(j.obj, j.vm.ToValue(target.ObjectID))
	}
}

func (j *jsShadow) Property(name string) (value any, ok bool) {
	fn, found := j.method("property")
	if !found {
		return nil, false
	}
	result, err := fn(j.obj, j.vm.ToValue(name))
	if err != nil || goja.IsUndefined(result) {
		return nil, false
	}
	return result.Export(), true
}

func (j *jsShadow) Method(name string) (fn shadow.MethodFunc, ok bool) {
	handler, found := j.method("method")
	if !found {
		return nil, false
	}
	probe, err := handler(j.obj, j.vm.ToValue(name))
	if err != nil || goja.IsUndefined(probe) {
		return nil, false
	}
	target, assertable := goja.AssertFunction(probe)
	if !assertable {
		return nil, false
	}
	return func(self *shadow.Shadow, args ...any) (any, error) {
		jsArgs := make([]goja.Value, len(args))
		for i, a := range args {
			jsArgs[i] = j.vm.ToValue(a)
		}
		result, err := target(j.obj, jsArgs...)
		if err != nil {
			return nil, err
		}
		return result.Export(), nil
	}, true
}

// --- Config group ----------------------------------------------------

func (s *Surface) injectConfigGroup(vm *goja.Runtime) {
	vm.Set("game_config", func() goja.Value { return vm.ToValue(s.Game) })
	vm.Set("get_mud_config", func(key string) goja.Value {
		v, ok := s.MudConfig[key]
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
}
