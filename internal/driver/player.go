package driver

import (
	"strings"
	"sync"

	"github.com/r3e-driver/mudd/internal/dispatch"
	"github.com/r3e-driver/mudd/internal/permlevel"
	"github.com/r3e-driver/mudd/internal/registry"
	"github.com/r3e-driver/mudd/internal/session"
)

// Player is the live, in-world representation of a logged-in session: an
// Entity plus the session-level concerns (the bound Session, alias
// table, active prompt) that the Registry itself knows nothing about. It
// satisfies dispatch.Player and login.ActivePlayer.
type Player struct {
	entity *registry.Entity
	name   string

	mu            sync.Mutex
	level         permlevel.Level
	sess          *session.Session
	aliases       map[string]string
	prompt        dispatch.PromptFunc
	disconnectTID uint64 // scheduler.TaskID, boxed to avoid an import for the zero check
	hasDisconnect bool
}

// NewPlayer wraps entity as a live Player named name.
func NewPlayer(entity *registry.Entity, name string) *Player {
	return &Player{
		entity:  entity,
		name:    name,
		aliases: make(map[string]string),
	}
}

// Name implements dispatch.Player and login.ActivePlayer.
func (p *Player) Name() string { return p.name }

// Entity implements dispatch.Player.
func (p *Player) Entity() *registry.Entity { return p.entity }

// Level implements dispatch.Player.
func (p *Player) Level() permlevel.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// SetLevel updates the player's permission level (e.g. GrantAdministrator).
func (p *Player) SetLevel(l permlevel.Level) {
	p.mu.Lock()
	p.level = l
	p.mu.Unlock()
}

// Alias implements dispatch.Player.
func (p *Player) Alias(word string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.aliases[strings.ToLower(word)]
	return v, ok
}

// SetAlias installs or overwrites an alias.
func (p *Player) SetAlias(word, expansion string) {
	p.mu.Lock()
	p.aliases[strings.ToLower(word)] = expansion
	p.mu.Unlock()
}

// RemoveAlias drops an alias.
func (p *Player) RemoveAlias(word string) {
	p.mu.Lock()
	delete(p.aliases, strings.ToLower(word))
	p.mu.Unlock()
}

// Aliases returns a snapshot of the player's alias table, for the
// "aliases" built-in.
func (p *Player) Aliases() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.aliases))
	for k, v := range p.aliases {
		out[k] = v
	}
	return out
}

// Send implements dispatch.Player: a plain text line to the bound
// session, silently dropped if no session is currently bound (the
// player is in the disconnect-holding area).
func (p *Player) Send(line string) {
	p.mu.Lock()
	sess := p.sess
	p.mu.Unlock()
	if sess != nil {
		sess.SendText(line)
	}
}

// SendTagged writes a tagged frame to the bound session, if any.
func (p *Player) SendTagged(tag session.Tag, v any) {
	p.mu.Lock()
	sess := p.sess
	p.mu.Unlock()
	if sess != nil {
		_ = sess.SendTagged(tag, v)
	}
}

// Prompt implements dispatch.Player.
func (p *Player) Prompt() dispatch.PromptFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompt
}

// SetPrompt installs a multi-step prompt continuation.
func (p *Player) SetPrompt(pf dispatch.PromptFunc) {
	p.mu.Lock()
	p.prompt = pf
	p.mu.Unlock()
}

// ClearPrompt implements dispatch.Player.
func (p *Player) ClearPrompt() {
	p.mu.Lock()
	p.prompt = nil
	p.mu.Unlock()
}

// BindSession attaches sess as this player's live connection, replacing
// any previous one (session takeover).
func (p *Player) BindSession(sess *session.Session) {
	p.mu.Lock()
	p.sess = sess
	p.mu.Unlock()
}

// UnbindSession detaches the current session without closing it (the
// caller owns that), used when a session disconnects.
func (p *Player) UnbindSession() {
	p.mu.Lock()
	p.sess = nil
	p.mu.Unlock()
}

// Session returns the currently bound session, or nil.
func (p *Player) Session() *session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess
}

// SetDisconnectTask records the scheduler task id guarding this player's
// disconnect timeout, so Reconnect can cancel it.
func (p *Player) SetDisconnectTask(id uint64) {
	p.mu.Lock()
	p.disconnectTID, p.hasDisconnect = id, true
	p.mu.Unlock()
}

// TakeDisconnectTask clears and returns the pending disconnect task id,
// if one was armed.
func (p *Player) TakeDisconnectTask() (id uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok = p.disconnectTID, p.hasDisconnect
	p.hasDisconnect = false
	return id, ok
}
