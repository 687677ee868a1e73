package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/r3e-driver/mudd/infrastructure/security"
	"github.com/r3e-driver/mudd/internal/login"
	"github.com/r3e-driver/mudd/internal/session"
)

// SessionHandler implements session.Handler for one connection: it runs
// the session through login (text-flow or structured) and, once
// authenticated, forwards every line to the Dispatcher (base-spec §4.3,
// §4.4, §4.5).
type SessionHandler struct {
	driver *Driver

	mu      sync.Mutex
	attempt *login.Attempt
	player  *Player
}

// NewSessionHandler returns a fresh, unauthenticated handler bound to
// driver. One is constructed per incoming connection.
func (d *Driver) NewSessionHandler(remoteHost string) session.Handler {
	return &SessionHandler{driver: d}
}

// HandleOpen sends the initial name prompt, satisfying session.Opener.
func (h *SessionHandler) HandleOpen(s *session.Session) {
	h.mu.Lock()
	h.attempt = login.NewAttempt(s.ID)
	prompt := h.attempt.Prompt()
	h.mu.Unlock()
	s.SendText(prompt)
}

// HandleText implements session.Handler: plain lines either drive the
// text-flow login sequence or, once authenticated, go to the Dispatcher.
func (h *SessionHandler) HandleText(s *session.Session, line string) {
	ctx := context.Background()

	h.mu.Lock()
	player := h.player
	attempt := h.attempt
	h.mu.Unlock()

	if player != nil {
		if err := h.driver.Dispatch.Dispatch(ctx, player, line); err != nil {
			// err wraps the verb and the command's own error text,
			// which may quote what the player typed, including a
			// password entered at the wrong prompt.
			h.driver.log.WithField("session", s.ID).WithField("error", security.SanitizeError(err)).Warn("command dispatch failed")
		}
		return
	}

	if attempt == nil {
		attempt = login.NewAttempt(s.ID)
		h.mu.Lock()
		h.attempt = attempt
		h.mu.Unlock()
	}

	reprompt, outcome, err := h.driver.LoginMachine().Submit(ctx, attempt, line)
	if err != nil {
		s.SendText("Sorry, something went wrong. " + reprompt)
		return
	}
	if outcome != nil {
		h.completeLogin(s, outcome)
		return
	}
	s.SendText(reprompt)
}

// HandleFrame implements session.Handler: structured AUTH_REQ and
// COMPLETE requests are answered directly; every other tagged frame is
// ignored (base-spec §2, §4.4, §4.10).
func (h *SessionHandler) HandleFrame(s *session.Session, f session.Frame) {
	switch f.Tag {
	case session.TagAUTHReq:
		h.handleAuthReq(s, f)
	case session.TagCOMPLETE:
		h.handleComplete(s, f)
	}
}

// HandleClose implements session.Handler: an authenticated player is
// unbound and its disconnect timeout armed; an in-progress login
// attempt is simply dropped.
func (h *SessionHandler) HandleClose(s *session.Session, reason string) {
	h.mu.Lock()
	player := h.player
	h.player = nil
	h.attempt = nil
	h.mu.Unlock()

	if player == nil {
		return
	}
	player.UnbindSession()

	timeout := h.driver.cfg.DisconnectTimeout()
	id := h.driver.Scheduler.CallOut(timeout, player.entity.ObjectID, func() {
		h.driver.removePlayer(player)
	})
	player.SetDisconnectTask(uint64(id))
}

func (h *SessionHandler) completeLogin(s *session.Session, outcome *login.Outcome) {
	p, ok := outcome.Player.(*Player)
	if !ok {
		s.SendText("Internal error completing login.")
		return
	}
	p.BindSession(s)

	h.mu.Lock()
	h.player = p
	h.attempt = nil
	h.mu.Unlock()

	token, expMS, err := h.driver.LoginMachine().IssueResumeToken(p.Name())
	if err == nil {
		s.SetResumeToken(token)
		payload, _ := json.Marshal(map[string]any{"token": token, "expiresAt": expMS})
		s.Send(session.Frame{Tag: session.TagSESSION, Payload: payload})
	}

	switch {
	case outcome.TookOver:
		s.SendText(fmt.Sprintf("Welcome back, %s. Your previous connection has been closed.", p.Name()))
	case outcome.Reconnected:
		s.SendText(fmt.Sprintf("Welcome back, %s.", p.Name()))
	case outcome.IsNewUser:
		s.SendText(fmt.Sprintf("Welcome to the realm, %s!", p.Name()))
	default:
		s.SendText(fmt.Sprintf("Welcome back, %s.", p.Name()))
	}
}

func (h *SessionHandler) handleAuthReq(s *session.Session, f session.Frame) {
	var req login.AuthRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		reply, _ := json.Marshal(login.AuthReply{Success: false, Error: "malformed request", ErrorCode: login.ErrValidationError})
		s.Send(session.Frame{Tag: session.TagAUTH, Payload: reply})
		return
	}

	reply, outcome, err := h.driver.Structured().Handle(context.Background(), s.ID, req)
	if err != nil {
		h.driver.log.WithField("session", s.ID).WithField("error", security.SanitizeError(err)).Warn("structured auth failed")
	}
	payload, _ := json.Marshal(reply)
	s.Send(session.Frame{Tag: session.TagAUTH, Payload: payload})

	if outcome != nil {
		h.completeLogin(s, outcome)
	}
}

// completionRequest is the COMPLETE subchannel's inbound shape: a
// partial path relative to the caller's current working directory.
type completionRequest struct {
	Partial string `json:"partial"`
	Cwd     string `json:"cwd"`
}

type completionReply struct {
	Candidates []string `json:"candidates"`
}

// handleComplete answers a tab-completion request with directory
// entries under the caller's current working directory, constrained to
// the content tree and to paths the caller may read (base-spec §4.10
// "constrained to the caller's current working directory and
// permission set").
func (h *SessionHandler) handleComplete(s *session.Session, f session.Frame) {
	var req completionRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return
	}

	h.mu.Lock()
	player := h.player
	h.mu.Unlock()

	subject := ""
	if player != nil {
		subject = player.Name()
	}

	dir := filepath.Join(h.driver.cfg.Content.MudlibPath, strings.TrimPrefix(req.Cwd, "/"))
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.Send(session.Frame{Tag: session.TagCOMPLETE, Payload: mustJSON(completionReply{})})
		return
	}

	var candidates []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, req.Partial) {
			continue
		}
		target := strings.TrimSuffix(req.Cwd+"/"+name, "/")
		if !h.driver.Sandbox.CanRead(subject, target) {
			continue
		}
		if e.IsDir() {
			name += "/"
		}
		candidates = append(candidates, name)
	}

	s.Send(session.Frame{Tag: session.TagCOMPLETE, Payload: mustJSON(completionReply{Candidates: candidates})})
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// removePlayer evicts player from the active-player table once its
// disconnect timeout fires unreconnected (base-spec §4.3 "disconnect
// timeout").
func (d *Driver) removePlayer(player *Player) {
	d.mu.Lock()
	delete(d.players, normalizePlayerName(player.Name()))
	d.mu.Unlock()

	if err := d.savePlayer(player); err != nil {
		d.log.WithField("player", player.Name()).WithField("error", err).Warn("final save on disconnect failed")
	}
}
