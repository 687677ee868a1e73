package driver

import (
	"context"
	"fmt"

	"github.com/r3e-driver/mudd/internal/login"
	"github.com/r3e-driver/mudd/internal/permlevel"
	"github.com/r3e-driver/mudd/internal/scheduler"
)

// Driver implements login.Binder by routing every outcome through the
// active-player table, the Registry, and the Scheduler's disconnect
// timeout — the three subsystems the login package is deliberately
// unaware of (base-spec §4.4).

// FindActive implements login.Binder.
func (d *Driver) FindActive(name string) (login.ActivePlayer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.players[normalizePlayerName(name)]
	if !ok {
		return nil, false
	}
	return p, true
}

// HasConnectedSession implements login.Binder.
func (d *Driver) HasConnectedSession(ap login.ActivePlayer) bool {
	p, ok := ap.(*Player)
	if !ok {
		return false
	}
	return p.Session() != nil
}

// TakeOverSession implements login.Binder: the old session, if any, is
// told why it is being dropped and closed; the caller binds the new
// session id separately once the transport layer hands it a live
// *session.Session.
func (d *Driver) TakeOverSession(ap login.ActivePlayer, newSessionID string) {
	p, ok := ap.(*Player)
	if !ok {
		return
	}
	if old := p.Session(); old != nil {
		old.SendText("Your connection has been taken over from another location.")
		old.Close()
	}
	if id, armed := p.TakeDisconnectTask(); armed {
		d.Scheduler.Cancel(scheduler.TaskID(id))
	}
}

// Reconnect implements login.Binder: cancels the pending disconnect
// timeout and leaves the player entity exactly where it was.
func (d *Driver) Reconnect(ap login.ActivePlayer, newSessionID string) {
	p, ok := ap.(*Player)
	if !ok {
		return
	}
	if id, armed := p.TakeDisconnectTask(); armed {
		d.Scheduler.Cancel(scheduler.TaskID(id))
	}
	p.Send("You slip back into your body.")
}

// ConstructPlayer implements login.Binder: clones the configured player
// blueprint, restores its saved state and location, and registers it in
// the active-player table.
func (d *Driver) ConstructPlayer(ctx context.Context, rec *login.PlayerRecord, sessionID string) (login.ActivePlayer, error) {
	entity, err := d.Registry.Clone(d.cfg.Content.PlayerObject)
	if err != nil {
		return nil, fmt.Errorf("construct player entity: %w", err)
	}

	doc, found, err := d.Store.Load(ctx, rec.Name)
	if err != nil {
		return nil, fmt.Errorf("load saved state for %s: %w", rec.Name, err)
	}

	p := NewPlayer(entity, rec.Name)
	if found && doc.IsAdministrator {
		p.SetLevel(permlevel.Administrator)
	}
	if saved, ok := d.Store.Peek(rec.Name, "state"); ok {
		if props, ok := saved.Value().(map[string]any); ok {
			creds := credentialState(&login.PlayerRecord{})
			for k, v := range props {
				if _, isCred := creds[k]; !isCred {
					entity.Set(k, v)
				}
			}
		}
	}

	location := rec.Location
	if location == "" {
		location = d.cfg.Login.StartRoom
	}
	if env, ok := d.Registry.Find(location); ok {
		d.Registry.Move(entity, env)
	} else if room, ok := d.Registry.Find(d.cfg.Login.StartRoom); ok {
		d.Registry.Move(entity, room)
	}

	d.mu.Lock()
	d.players[normalizePlayerName(rec.Name)] = p
	d.mu.Unlock()

	return p, nil
}

// GrantAdministrator implements login.Binder: called exactly once, for
// the very first registered player (base-spec §4.4).
func (d *Driver) GrantAdministrator(ap login.ActivePlayer) {
	p, ok := ap.(*Player)
	if !ok {
		return
	}
	p.SetLevel(permlevel.Administrator)
	d.Sandbox.Grant(p.Name(), permlevel.Administrator, nil)
}
