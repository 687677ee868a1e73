// Package dispatch implements the Command Dispatcher: alias expansion,
// verb resolution, the permission gate, and save-trigger debouncing
// (base-spec §4.5).
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/r3e-driver/mudd/internal/obslog"
	"github.com/r3e-driver/mudd/internal/permlevel"
	"github.com/r3e-driver/mudd/internal/registry"
	"github.com/r3e-driver/mudd/pkg/metrics"
)

// PromptFunc receives raw input while a player is inside a multi-step
// prompt (e.g. an editor session) instead of going through verb
// resolution. It returns true once the prompt is complete.
type PromptFunc func(line string) (done bool)

// Player is the dispatcher's view of a connected player.
type Player interface {
	Name() string
	Level() permlevel.Level
	Entity() *registry.Entity
	Alias(word string) (expansion string, ok bool)
	Send(line string)
	Prompt() PromptFunc
	ClearPrompt()
}

// ObjectHandler is the signature an installed verb handler on an entity
// must satisfy (base-spec §4.5 step 3, second bullet). Returning
// handled=false falls through to the next resolution level.
type ObjectHandler func(ec *ExecContext, args []string) (handled bool, err error)

// EmoteHandler implements one soul/emote verb, with optional remote
// target ("@target" syntax).
type EmoteHandler func(ec *ExecContext, target string, args []string) error

// BuiltinFunc implements a built-in command.
type BuiltinFunc func(ec *ExecContext, args []string) error

// Builtin is one registered built-in command.
type Builtin struct {
	Verb        string
	Level       permlevel.Level // the /cmds/<scope>/ this command lives under
	SaveTrigger bool            // flags that success should schedule a player save
	Fn          BuiltinFunc
}

// ExecContext is the bound context passed to every executed command:
// the calling player, their environment, a channel back to the player,
// and (via Efuns) the extension surface (base-spec §4.5 step 5).
type ExecContext struct {
	Ctx    context.Context
	Player Player
	Env    *registry.Entity
	Efuns  any // *efuns.Surface, set by the Driver; kept untyped here to avoid an import cycle
}

// Send writes a line back to the calling player.
func (ec *ExecContext) Send(line string) { ec.Player.Send(line) }

const emptyLineNoop = ""

// escapeSequence cancels an active prompt without submitting it.
const escapeSequence = "~q"

// SaveScheduler receives player-save triggers (base-spec §4.5 step 6).
type SaveScheduler interface {
	ScheduleSave(playerName string)
}

// Dispatcher resolves and executes one command line per call.
type Dispatcher struct {
	builtins map[string]*Builtin
	emotes   map[string]EmoteHandler
	saves    SaveScheduler
	log      *obslog.Logger
	efuns    any
}

// New returns an empty Dispatcher.
func New(saves SaveScheduler, log *obslog.Logger) *Dispatcher {
	if log == nil {
		log = obslog.NewDefault()
	}
	return &Dispatcher{
		builtins: make(map[string]*Builtin),
		emotes:   make(map[string]EmoteHandler),
		saves:    saves,
		log:      log,
	}
}

// SetEfuns attaches the Extension Surface every ExecContext carries from
// then on (*efuns.Surface; kept untyped here to avoid an import cycle).
func (d *Dispatcher) SetEfuns(e any) { d.efuns = e }

// RegisterBuiltin installs a built-in command.
func (d *Dispatcher) RegisterBuiltin(b *Builtin) {
	d.builtins[strings.ToLower(b.Verb)] = b
}

// RegisterEmote installs a soul/emote verb.
func (d *Dispatcher) RegisterEmote(verb string, h EmoteHandler) {
	d.emotes[strings.ToLower(verb)] = h
}

// Dispatch runs the full input pipeline for one line from player.
func (d *Dispatcher) Dispatch(ctx context.Context, player Player, line string) error {
	if pf := player.Prompt(); pf != nil {
		if strings.TrimSpace(line) == escapeSequence {
			player.ClearPrompt()
			return nil
		}
		if pf(line) {
			player.ClearPrompt()
		}
		return nil
	}

	if strings.TrimSpace(line) == emptyLineNoop {
		return nil
	}

	line = d.expandAlias(player, line)

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	verb := strings.ToLower(fields[0])
	args := fields[1:]

	ec := &ExecContext{Ctx: ctx, Player: player, Env: player.Entity().Environment(), Efuns: d.efuns}

	start := time.Now()
	handled, saveTrigger, err := d.resolve(ec, verb, args)
	switch {
	case err != nil:
		metrics.RecordFunctionExecution("error", time.Since(start))
	case !handled:
		metrics.RecordFunctionExecution("unhandled", time.Since(start))
	default:
		metrics.RecordFunctionExecution("ok", time.Since(start))
	}
	if err != nil {
		d.log.WithField("player", player.Name()).
			WithField("verb", verb).
			WithField("error", err).
			Error("command execution failed")
		player.Send("Something went wrong with that command.")
		return fmt.Errorf("dispatch %s for %s: %w", verb, player.Name(), err)
	}
	if !handled {
		player.Send(fmt.Sprintf("What do you want to %s?", verb))
		return nil
	}
	if saveTrigger && d.saves != nil {
		d.saves.ScheduleSave(player.Name())
	}
	return nil
}

// expandAlias substitutes the first word via the player's alias map,
// once, unless it is one of the three alias-management verbs
// themselves (base-spec §4.5 step 1).
func (d *Dispatcher) expandAlias(player Player, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return line
	}
	word := strings.ToLower(fields[0])
	switch word {
	case "alias", "unalias", "aliases":
		return line
	}
	expansion, ok := player.Alias(word)
	if !ok {
		return line
	}
	rest := strings.TrimPrefix(line, fields[0])
	return expansion + rest
}

func (d *Dispatcher) resolve(ec *ExecContext, verb string, args []string) (handled bool, saveTrigger bool, err error) {
	level := ec.Player.Level()
	// A built-in above the player's level is scoped out of /cmds/<scope>
	// entirely (base-spec §4.5 step 3, "at the player's level and
	// below"), so it falls through to object and emote resolution
	// instead of shadowing a lower-scoped match with a permission error.
	if b, ok := d.builtins[verb]; ok && b.Level <= level {
		if err := b.Fn(ec, args); err != nil {
			return false, false, err
		}
		return true, b.SaveTrigger, nil
	}

	for _, candidate := range d.scopeCandidates(ec.Player.Entity()) {
		h, ok := candidate.Handler(verb)
		if !ok {
			continue
		}
		oh, ok := h.(ObjectHandler)
		if !ok {
			continue
		}
		wasHandled, herr := oh(ec, args)
		if herr != nil {
			return false, false, herr
		}
		if wasHandled {
			return true, false, nil
		}
	}

	if emote, ok := d.emotes[verb]; ok {
		target := ""
		if len(args) > 0 && strings.HasPrefix(args[0], "@") {
			target = strings.TrimPrefix(args[0], "@")
			args = args[1:]
		}
		if err := emote(ec, target, args); err != nil {
			return false, false, err
		}
		return true, false, nil
	}

	return false, false, nil
}

// scopeCandidates enumerates verb-handler lookup scope in base-spec
// §4.5 step 3's order: the player's inventory, the player's
// environment, then the environment's inventory.
func (d *Dispatcher) scopeCandidates(player *registry.Entity) []*registry.Entity {
	var out []*registry.Entity
	out = append(out, player.Inventory()...)
	env := player.Environment()
	if env == nil {
		return out
	}
	out = append(out, env)
	out = append(out, env.Inventory()...)
	return out
}
