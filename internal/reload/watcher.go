package reload

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/r3e-driver/mudd/internal/obslog"
)

// Watcher observes the content tree and drives the Supervisor through
// fsnotify events, debounced per base-spec §4.7 step 6.
type Watcher struct {
	root       string
	sup        *Supervisor
	fsw        *fsnotify.Watcher
	debounce   *Debouncer
	log        *obslog.Logger
	depsOf     func(path string) []string
	confirmCh  chan string // safelisted paths needing operator confirmation
}

// NewWatcher recursively watches root for changes to content files.
func NewWatcher(root string, sup *Supervisor, window time.Duration, depsOf func(path string) []string, log *obslog.Logger) (*Watcher, error) {
	if log == nil {
		log = obslog.NewDefault()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:      root,
		sup:       sup,
		fsw:       fsw,
		log:       log,
		depsOf:    depsOf,
		confirmCh: make(chan string, 16),
	}
	w.debounce = NewDebouncer(window, w.handleSettled)

	if err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(p)
		}
		return nil
	}); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// ConfirmationRequired receives paths whose watched change was deferred
// because the path is safelisted (base-spec §4.7, "Safelist").
func (w *Watcher) ConfirmationRequired() <-chan string { return w.confirmCh }

// Run processes fsnotify events until stopped. Call it on its own
// goroutine.
func (w *Watcher) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			w.fsw.Close()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithField("error", err).Warn("content watcher error")
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if !strings.HasSuffix(ev.Name, ".js") {
		return
	}
	path := contentPath(w.root, ev.Name)
	if w.sup.IsSafelisted(path) {
		select {
		case w.confirmCh <- path:
		default:
		}
		return
	}
	w.debounce.Notify(path)
}

func (w *Watcher) handleSettled(path string) {
	abs := filepath.Join(w.root, strings.TrimPrefix(path, "/")) + ".js"
	source, err := os.ReadFile(abs)
	if err != nil {
		w.log.WithField("path", path).WithField("error", err).Warn("content file vanished before reload")
		return
	}
	var deps []string
	if w.depsOf != nil {
		deps = w.depsOf(path)
	}
	w.sup.LoadOrReload(path, string(source), deps)
}

// contentPath converts an on-disk file path under root to the
// slash-rooted content path used as a blueprint path (e.g.
// "<root>/std/sword.js" -> "/std/sword").
func contentPath(root, absPath string) string {
	rel := strings.TrimPrefix(absPath, root)
	rel = strings.TrimPrefix(rel, string(filepath.Separator))
	rel = strings.TrimSuffix(rel, ".js")
	rel = filepath.ToSlash(rel)
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return rel
}
