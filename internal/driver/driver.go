// Package driver implements the Driver Orchestrator: process lifecycle,
// the active-player table, and the seven-step startup sequence that
// wires every other component together (base-spec §4.9).
package driver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/robfig/cron/v3"

	"github.com/r3e-driver/mudd/internal/dispatch"
	"github.com/r3e-driver/mudd/internal/driverconfig"
	"github.com/r3e-driver/mudd/internal/efuns"
	"github.com/r3e-driver/mudd/internal/login"
	"github.com/r3e-driver/mudd/internal/obslog"
	"github.com/r3e-driver/mudd/internal/permlevel"
	"github.com/r3e-driver/mudd/internal/reload"
	"github.com/r3e-driver/mudd/internal/registry"
	"github.com/r3e-driver/mudd/internal/sandbox"
	"github.com/r3e-driver/mudd/internal/scheduler"
	"github.com/r3e-driver/mudd/internal/shadow"
)

// State is one of the four driver lifecycle states (base-spec §4.9).
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// NamedSchedule is an operator maintenance task on a cron expression. At
// startup each one is registered with the driver's robfig/cron instance,
// and every cron firing queues Fn once on the Scheduler as a zero-delay
// call_out (base-spec §4.2's fixed tick period still drives the
// heartbeat; named schedules do not touch it).
type NamedSchedule struct {
	Name string
	Cron string
	Fn   scheduler.TaskFunc
}

// Driver owns every process-wide subsystem and the active-player table.
type Driver struct {
	cfg *driverconfig.Config
	log *obslog.Logger

	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Shadows   *shadow.Registry
	Sandbox   *sandbox.Sandbox
	Dispatch  *dispatch.Dispatcher
	Reload    *reload.Supervisor
	Store     *FileStore
	Efuns     *efuns.Surface

	loginMachine *login.Machine
	structured   *login.Structured

	cron *cron.Cron

	mu      sync.RWMutex
	state   State
	players map[string]*Player // by normalized name

	schedulerWG sync.WaitGroup
	watcherStop chan struct{}

	sessionSrv *http.Server
	adminSrv   *http.Server
}

// New constructs a Driver from cfg. Subsystems are allocated but not yet
// running; call Start to bring the driver up.
func New(cfg *driverconfig.Config, log *obslog.Logger) (*Driver, error) {
	if log == nil {
		log = obslog.NewDefault()
	}

	store, err := NewFileStore(cfg.Content.MudlibPath + "/../data")
	if err != nil {
		return nil, fmt.Errorf("init player store: %w", err)
	}

	d := &Driver{
		cfg:         cfg,
		log:         log,
		Registry:    registry.New(),
		Scheduler:   scheduler.New(cfg.HeartbeatInterval(), log),
		Shadows:     shadow.NewRegistry(),
		Sandbox:     sandbox.New(4096, log),
		Store:       store,
		players:     make(map[string]*Player),
		cron:        cron.New(),
		watcherStop: make(chan struct{}),
	}

	d.Dispatch = dispatch.New(saveSchedulerFunc(d.ScheduleSave), log)

	d.Efuns = efuns.New()
	d.Efuns.Registry = d.Registry
	d.Efuns.Scheduler = d.Scheduler
	d.Efuns.Sandbox = d.Sandbox
	d.Efuns.Shadows = d.Shadows
	d.Efuns.Store = playerStore{d}
	d.Efuns.Players = playerDirectory{d}
	d.Efuns.Runner = commandRunner{d}
	d.Efuns.MudlibRoot = cfg.Content.MudlibPath
	d.Efuns.Game = efuns.GameConfig{
		Name:    cfg.Game.Name,
		Version: cfg.Game.Version,
		Tagline: cfg.Game.Tagline,
	}
	for k, v := range cfg.Game.MudConfig {
		d.Efuns.MudConfig[k] = v
	}
	d.Dispatch.SetEfuns(d.Efuns)

	tokens := login.NewTokenIssuer([]byte(cfg.Login.JWTSecret), cfg.SessionTokenTTL())
	d.loginMachine = login.NewMachine(store, d, tokens, cfg.Login.StartRoom, cfg.Login.AllowPlaintextMigration)
	d.structured = login.NewStructured(d.loginMachine)

	d.Reload = reload.New(d.Registry, d.injectGlobals, d.onRetarget, log)
	for _, safe := range []string{cfg.Content.MasterObject, "/daemon/login", cfg.Login.StartRoom} {
		d.Reload.Safelist(safe)
	}

	return d, nil
}

// saveSchedulerFunc adapts a plain function to dispatch.SaveScheduler.
type saveSchedulerFunc func(playerName string)

func (f saveSchedulerFunc) ScheduleSave(playerName string) { f(playerName) }

// State reports the driver's current lifecycle state.
func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Structured exposes the structured AUTH_REQ/AUTH flow for the session
// handler.
func (d *Driver) Structured() *login.Structured { return d.structured }

// LoginMachine exposes the text-flow login machine for the session
// handler.
func (d *Driver) LoginMachine() *login.Machine { return d.loginMachine }

// ActivePlayers returns a snapshot of every currently active player.
func (d *Driver) ActivePlayers() []*Player {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Player, 0, len(d.players))
	for _, p := range d.players {
		out = append(out, p)
	}
	return out
}

// injectGlobals installs the full Extension Surface into a freshly
// created content VM (base-spec §4.10), bound to e as this_object.
func (d *Driver) injectGlobals(vm *goja.Runtime, e *registry.Entity) {
	d.Efuns.Inject(vm, e)
}

// onRetarget runs each retargeted clone's on_hot_reload hook, if its new
// blueprint defines one (base-spec §4.7 step 4).
func (d *Driver) onRetarget(path string, clones []*registry.Entity) {
	for _, c := range clones {
		h, ok := c.Handler("on_hot_reload")
		if !ok {
			continue
		}
		fn, ok := h.(func())
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.WithField("object", c.ObjectID).WithField("panic", r).Error("on_hot_reload panicked")
				}
			}()
			fn()
		}()
	}
}

// ScheduleSave queues a save of the named player on the Scheduler as a
// zero-delay call_out, so persistence runs on the scheduler goroutine
// rather than synchronously from the command path. Each call queues its
// own save; repeated triggers before a save runs are not coalesced.
func (d *Driver) ScheduleSave(playerName string) {
	d.mu.RLock()
	p, ok := d.players[normalizePlayerName(playerName)]
	d.mu.RUnlock()
	if !ok {
		return
	}
	d.Scheduler.CallOut(0, p.entity.ObjectID, func() {
		if err := d.savePlayer(p); err != nil {
			d.log.WithField("player", playerName).WithField("error", err).Error("player save failed")
		}
	})
}

func (d *Driver) savePlayer(p *Player) error {
	rec, found, err := d.Store.Load(context.Background(), p.Name())
	if err != nil {
		return err
	}
	if !found {
		rec = &login.PlayerRecord{Name: p.Name()}
	}
	if p.Level() == permlevel.Administrator {
		rec.IsAdministrator = true
	}
	env := p.Entity().Environment()
	location := ""
	if env != nil {
		location = env.BlueprintPath
	}
	var inventory []string
	for _, c := range p.Entity().Inventory() {
		inventory = append(inventory, c.ObjectID)
	}
	return d.Store.SaveEntity(p.Name(), location, rec, p.Entity().StateSnapshot(), inventory)
}

func normalizePlayerName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
