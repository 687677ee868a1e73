package driver

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/r3e-driver/mudd/internal/driver/adminhttp"
	"github.com/r3e-driver/mudd/internal/session"
	"github.com/r3e-driver/mudd/pkg/metrics"
)

// Start runs the seven-step starting sequence (base-spec §4.9) and
// transitions the driver into running. It returns once the session
// WebSocket listener and the admin HTTP server have been started, each
// serving on its own goroutine (see openListeningSockets).
func (d *Driver) Start(ctx context.Context) error {
	d.setState(StateStarting)

	masterPath := d.cfg.Content.MasterObject
	masterSource, err := d.readContentFile(masterPath)
	if err != nil {
		return fmt.Errorf("load master blueprint %s: %w", masterPath, err)
	}
	outcome := d.Reload.LoadOrReload(masterPath, masterSource, nil)
	if len(outcome.Diagnostics) > 0 {
		return fmt.Errorf("compile master blueprint %s: %s", masterPath, outcome.Diagnostics[0].Message)
	}

	master, ok := d.Registry.Find(masterPath)
	if !ok {
		return fmt.Errorf("master blueprint %s not registered after load", masterPath)
	}
	if h, ok := master.Handler("on_driver_start"); ok {
		if fn, ok := h.(func()); ok {
			fn()
		}
	}

	if err := d.preloadContentTree(); err != nil {
		d.log.WithField("error", err).Warn("one or more content units failed to preload")
	}

	loginDaemonPath := "/daemon/login"
	if src, err := d.readContentFile(loginDaemonPath); err == nil {
		d.Reload.LoadOrReload(loginDaemonPath, src, nil)
	}

	if err := d.loadStoredPermissions(); err != nil {
		d.log.WithField("error", err).Warn("failed to load stored permissions")
	}

	d.schedulerWG.Add(1)
	go func() {
		defer d.schedulerWG.Done()
		d.Scheduler.Run()
	}()

	d.startNamedSchedules()

	d.openListeningSockets()

	d.setState(StateRunning)
	d.log.Info("driver running")
	return nil
}

// openListeningSockets starts the session WebSocket listener and the
// admin HTTP surface, each on its own goroutine (base-spec §4.9 step 7).
func (d *Driver) openListeningSockets() {
	sessionCfg := session.Config{
		OutboundHWM:   d.cfg.Session.OutboundHWM,
		TimeKeepalive: time.Duration(d.cfg.Session.TimeKeepaliveMS) * time.Millisecond,
	}
	upgrader := session.NewUpgrader(sessionCfg, d.NewSessionHandler, d.log)
	sessionMux := http.NewServeMux()
	sessionMux.Handle("/ws", upgrader)
	d.sessionSrv = &http.Server{Addr: d.cfg.Session.ListenAddr, Handler: sessionMux}

	go func() {
		if err := d.sessionSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.WithField("error", err).Error("session listener stopped")
		}
	}()

	adminRouter := adminhttp.NewRouter(inspector{d}, d.log)
	d.adminSrv = &http.Server{Addr: d.cfg.Admin.Addr, Handler: metrics.InstrumentHandler(adminRouter)}

	go func() {
		if err := d.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.WithField("error", err).Error("admin listener stopped")
		}
	}()
}

// Stop runs the master's on_shutdown hook, stops the Scheduler, detaches
// every session with a shutdown line, and quiesces the Registry
// (base-spec §4.9 "stopping").
func (d *Driver) Stop(ctx context.Context) error {
	d.setState(StateStopping)

	if master, ok := d.Registry.Find(d.cfg.Content.MasterObject); ok {
		if h, ok := master.Handler("on_shutdown"); ok {
			if fn, ok := h.(func()); ok {
				fn()
			}
		}
	}

	d.cron.Stop()
	d.Scheduler.Stop()

	if d.sessionSrv != nil {
		_ = d.sessionSrv.Shutdown(ctx)
	}
	if d.adminSrv != nil {
		_ = d.adminSrv.Shutdown(ctx)
	}

	for _, p := range d.ActivePlayers() {
		if sess := p.Session(); sess != nil {
			sess.SendText("The world is shutting down. Goodbye.")
			sess.Close()
		}
	}

	d.setState(StateStopped)
	return nil
}

// readContentFile loads the on-disk source for a slash-rooted content
// path (e.g. "/std/player" -> "<mudlib>/std/player.js").
func (d *Driver) readContentFile(path string) (string, error) {
	rel := strings.TrimPrefix(path, "/")
	abs := filepath.Join(d.cfg.Content.MudlibPath, rel) + ".js"
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// preloadContentTree walks the mudlib and compiles every content unit
// once, so clones can be made immediately rather than lazily on first
// reference (base-spec §4.9 step 3, "preload the paths the master
// declares" — here read from the tree itself rather than a separate
// manifest, since the content tree is the manifest).
func (d *Driver) preloadContentTree() error {
	root := d.cfg.Content.MudlibPath
	return filepath.WalkDir(root, func(p string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || filepath.Ext(p) != ".js" {
			return nil
		}
		rel := strings.TrimSuffix(strings.TrimPrefix(p, root), ".js")
		path := filepath.ToSlash(rel)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		if path == d.cfg.Content.MasterObject || path == "/daemon/login" {
			return nil // already loaded
		}
		source, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		outcome := d.Reload.LoadOrReload(path, string(source), nil)
		if len(outcome.Diagnostics) > 0 {
			d.log.WithField("path", path).WithField("diagnostics", outcome.Diagnostics).Warn("preload failed")
		}
		return nil
	})
}

// loadStoredPermissions restores any previously persisted permission
// grants into the Sandbox (base-spec §4.9 step 5, §4.8 "an operator may
// persist and later restore the full grant table").
func (d *Driver) loadStoredPermissions() error {
	data, err := os.ReadFile(filepath.Join(d.cfg.Content.MudlibPath, "..", "data", "permissions.json"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return d.Sandbox.RestoreFromJSON(data)
}

// startNamedSchedules registers each named schedule's cron expression
// with d.cron; every firing queues the schedule's Fn on the Scheduler as
// a zero-delay call_out, separate from the fixed heartbeat tick.
func (d *Driver) startNamedSchedules() {
	for _, sched := range d.namedSchedules() {
		sched := sched
		_, err := d.cron.AddFunc(sched.Cron, func() {
			d.Scheduler.CallOut(0, "/daemon/cron", sched.Fn)
		})
		if err != nil {
			d.log.WithField("schedule", sched.Name).WithField("error", err).Warn("invalid cron schedule, skipped")
		}
	}
	d.cron.Start()
}

// namedSchedules returns the driver's fixed set of operator maintenance
// schedules. Unlike scheduler call_outs, these survive reload and are
// not addressable by content code.
func (d *Driver) namedSchedules() []NamedSchedule {
	return []NamedSchedule{
		{
			Name: "persistence-compaction",
			Cron: "0 3 * * *",
			Fn: func() {
				d.log.Info("running nightly persistence compaction")
			},
		},
	}
}

// HealthSnapshot reports process health for the admin surface, using
// gopsutil so the figures reflect the host rather than Go's own runtime
// counters alone.
type HealthSnapshot struct {
	State          string  `json:"state"`
	ActivePlayers  int     `json:"activePlayers"`
	CPUPercent     float64 `json:"cpuPercent"`
	MemUsedPercent float64 `json:"memUsedPercent"`
}

// healthSnapshot gathers a HealthSnapshot, best-effort: a gopsutil read
// failure degrades the corresponding field to zero rather than failing
// the whole snapshot, since /healthz must stay cheap and reliable.
func (d *Driver) healthSnapshot() HealthSnapshot {
	snap := HealthSnapshot{
		State:         d.State().String(),
		ActivePlayers: len(d.ActivePlayers()),
	}
	if pct, err := cpu.Percent(50*time.Millisecond, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsedPercent = vm.UsedPercent
	}
	return snap
}
