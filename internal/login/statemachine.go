package login

import (
	"context"
	"fmt"
)

// State is one step of the text-flow login sequence.
type State int

const (
	StateName State = iota
	StatePassword
	StateConfirmPassword
	StateEmail
	StateGender
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateName:
		return "name"
	case StatePassword:
		return "password"
	case StateConfirmPassword:
		return "confirm_password"
	case StateEmail:
		return "email"
	case StateGender:
		return "gender"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Outcome is returned once the machine reaches StatePlaying.
type Outcome struct {
	Player     ActivePlayer
	IsNewUser  bool
	TookOver   bool
	Reconnected bool
}

// Attempt drives one session through the login sequence. It holds only
// the in-progress registration fields; it is discarded once the
// sequence reaches StatePlaying.
type Attempt struct {
	SessionID string
	state     State
	isNewUser bool

	name            string
	password        string
	email           string
	gender          string
}

// NewAttempt starts a fresh text-flow login sequence for a session.
func NewAttempt(sessionID string) *Attempt {
	return &Attempt{SessionID: sessionID, state: StateName}
}

// State returns the current step.
func (a *Attempt) State() State { return a.state }

// Prompt returns the text prompt for the current state, used by the
// text-flow driver.
func (a *Attempt) Prompt() string {
	switch a.state {
	case StateName:
		return "Name: "
	case StatePassword:
		return "Password: "
	case StateConfirmPassword:
		return "Confirm password: "
	case StateEmail:
		return "Email (optional, enter to skip): "
	case StateGender:
		return "Gender (male/female/neuter): "
	default:
		return ""
	}
}

// Machine runs login attempts against a Store and Binder.
type Machine struct {
	store   Store
	binder  Binder
	tokens  *TokenIssuer
	startRoom string
	allowPlaintextMigration bool
}

// NewMachine returns a Machine.
func NewMachine(store Store, binder Binder, tokens *TokenIssuer, startRoom string, allowPlaintextMigration bool) *Machine {
	return &Machine{store: store, binder: binder, tokens: tokens, startRoom: startRoom, allowPlaintextMigration: allowPlaintextMigration}
}

// Submit advances a in response to one line of input. On invalid input
// it returns a re-prompt string for the same state (base-spec §4.4,
// "invalid input re-prompts in the same state"); err is non-nil only
// for infrastructure failures (store I/O, hashing).
func (m *Machine) Submit(ctx context.Context, a *Attempt, line string) (reprompt string, outcome *Outcome, err error) {
	switch a.state {
	case StateName:
		return m.submitName(ctx, a, line)
	case StatePassword:
		return m.submitPassword(ctx, a, line)
	case StateConfirmPassword:
		return m.submitConfirmPassword(a, line)
	case StateEmail:
		a.email = line
		a.state = StateGender
		return "", nil, nil
	case StateGender:
		return m.submitGender(ctx, a, line)
	default:
		return "", nil, fmt.Errorf("login: Submit called after StatePlaying")
	}
}

func (m *Machine) submitName(ctx context.Context, a *Attempt, line string) (string, *Outcome, error) {
	if !ValidName(line) {
		return "Names must be 3-16 letters. Name: ", nil, nil
	}
	name := NormalizeName(line)
	rec, found, err := m.store.Load(ctx, name)
	if err != nil {
		return "", nil, fmt.Errorf("load player %s: %w", name, err)
	}
	a.name = name
	a.isNewUser = !found
	if found {
		a.password = rec.PasswordHash // not read again: submitPassword reloads the record for existing users
	}
	a.state = StatePassword
	return "", nil, nil
}

func (m *Machine) submitPassword(ctx context.Context, a *Attempt, line string) (string, *Outcome, error) {
	if a.isNewUser {
		if !ValidPassword(line) {
			return "Password must be at least 6 characters. Password: ", nil, nil
		}
		a.password = line
		a.state = StateConfirmPassword
		return "", nil, nil
	}

	rec, found, err := m.store.Load(ctx, a.name)
	if err != nil {
		return "", nil, fmt.Errorf("load player %s: %w", a.name, err)
	}
	if !found {
		return "", nil, fmt.Errorf("login: name %s vanished between lookups", a.name)
	}
	ok, err := VerifyPassword(line, rec.PasswordHash)
	if err != nil {
		return "", nil, fmt.Errorf("verify password for %s: %w", a.name, err)
	}
	if !ok {
		return "Incorrect password. Password: ", nil, nil
	}
	outcome, err := m.completeLogin(ctx, a, rec)
	return "", outcome, err
}

func (m *Machine) submitConfirmPassword(a *Attempt, line string) (string, *Outcome, error) {
	if line != a.password {
		a.state = StatePassword
		return "Passwords did not match. Password: ", nil, nil
	}
	a.state = StateEmail
	return "", nil, nil
}

func (m *Machine) submitGender(ctx context.Context, a *Attempt, line string) (string, *Outcome, error) {
	switch line {
	case "male", "female", "neuter":
		a.gender = line
	default:
		return "Please choose male, female, or neuter. Gender (male/female/neuter): ", nil, nil
	}

	hash, err := HashPassword(a.password)
	if err != nil {
		return "", nil, fmt.Errorf("hash password for %s: %w", a.name, err)
	}
	rec := &PlayerRecord{
		Name:         a.name,
		PasswordHash: hash,
		Email:        a.email,
		Gender:       a.gender,
		Location:     m.startRoom,
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("save new player %s: %w", a.name, err)
	}
	outcome, err := m.completeLogin(ctx, a, rec)
	return "", outcome, err
}

func (m *Machine) completeLogin(ctx context.Context, a *Attempt, rec *PlayerRecord) (*Outcome, error) {
	a.state = StatePlaying

	if existing, live := m.binder.FindActive(rec.Name); live {
		if m.binder.HasConnectedSession(existing) {
			m.binder.TakeOverSession(existing, a.SessionID)
			return &Outcome{Player: existing, TookOver: true}, nil
		}
		m.binder.Reconnect(existing, a.SessionID)
		return &Outcome{Player: existing, Reconnected: true}, nil
	}

	player, err := m.binder.ConstructPlayer(ctx, rec, a.SessionID)
	if err != nil {
		return nil, fmt.Errorf("construct player %s: %w", rec.Name, err)
	}
	if a.isNewUser {
		// rec was already persisted by the caller, so the first-ever
		// registrant is the sole record at this point: count == 1.
		count, err := m.store.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("count players: %w", err)
		}
		if count == 1 {
			m.binder.GrantAdministrator(player)
		}
	}
	return &Outcome{Player: player, IsNewUser: a.isNewUser}, nil
}

// IssueResumeToken issues a session-resume token for a freshly logged
// in player.
func (m *Machine) IssueResumeToken(playerName string) (token string, expiresAtMS int64, err error) {
	tok, exp, err := m.tokens.Issue(playerName)
	if err != nil {
		return "", 0, err
	}
	return tok, exp.UnixMilli(), nil
}

// ResolveResumeToken validates a presented resume token and looks up
// the still-active player it names. Expired or unknown tokens, or
// tokens naming a player who is no longer active, return found=false —
// the caller replies session_invalid.
func (m *Machine) ResolveResumeToken(tokenString string) (ActivePlayer, bool) {
	name, err := m.tokens.Validate(tokenString)
	if err != nil {
		return nil, false
	}
	return m.binder.FindActive(name)
}
