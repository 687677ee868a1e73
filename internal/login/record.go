package login

import "context"

// PlayerRecord is the persisted identity and credential record for one
// player name, independent of whether the player is currently active.
type PlayerRecord struct {
	Name            string
	PasswordHash    string
	Email           string
	Gender          string
	Location        string
	PreviousLocation string
	IsAdministrator bool
}

// Store abstracts player credential and save-data persistence (wired to
// the efuns Persistence namespace store in the full driver).
type Store interface {
	Load(ctx context.Context, name string) (*PlayerRecord, bool, error)
	Save(ctx context.Context, rec *PlayerRecord) error
	Count(ctx context.Context) (int, error)
}

// ActivePlayer is an opaque handle to a live player entity, as seen by
// the login package. The Driver supplies the concrete type.
type ActivePlayer interface {
	Name() string
}

// Binder wires login outcomes into the rest of the running driver: the
// Object Registry, the Scheduler's disconnect-timeout task, and the
// active player table (base-spec §4.1, §4.3, §4.9). Login never touches
// those subsystems directly.
type Binder interface {
	// FindActive returns the currently active player entity for name,
	// if the player is already in the world (connected or holding).
	FindActive(name string) (ActivePlayer, bool)
	// HasConnectedSession reports whether ap currently has a live
	// session bound (as opposed to waiting out its disconnect timeout
	// with no session).
	HasConnectedSession(ap ActivePlayer) bool
	// TakeOverSession notifies and closes ap's old session; the caller
	// binds the new one.
	TakeOverSession(ap ActivePlayer, newSessionID string)
	// Reconnect cancels ap's disconnect-timeout task. The entity is not
	// moved (it stays where it was while no session was bound) and no
	// room broadcast is emitted.
	Reconnect(ap ActivePlayer, newSessionID string)
	// ConstructPlayer builds a fresh player entity from rec, restores
	// its state, and moves it to rec.Location (or the configured start
	// room if empty).
	ConstructPlayer(ctx context.Context, rec *PlayerRecord, sessionID string) (ActivePlayer, error)
	// GrantAdministrator is called exactly once, for the first-ever
	// registered player.
	GrantAdministrator(ap ActivePlayer)
}
