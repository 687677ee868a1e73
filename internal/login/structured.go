package login

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// AuthRequest is the structured-flow AUTH_REQ payload (base-spec §4.4).
type AuthRequest struct {
	Type            string `json:"type" validate:"required,oneof=login register"`
	Name            string `json:"name" validate:"required"`
	Password        string `json:"password" validate:"required"`
	ConfirmPassword string `json:"confirm_password,omitempty"`
	Email           string `json:"email,omitempty" validate:"omitempty,email"`
	Gender          string `json:"gender,omitempty" validate:"omitempty,oneof=male female neuter"`
}

// ErrorCode is the closed set of AUTH failure codes.
type ErrorCode string

const (
	ErrInvalidCredentials ErrorCode = "invalid_credentials"
	ErrUserNotFound       ErrorCode = "user_not_found"
	ErrNameTaken          ErrorCode = "name_taken"
	ErrValidationError    ErrorCode = "validation_error"
)

// AuthReply is the structured-flow AUTH response payload.
type AuthReply struct {
	Success             bool      `json:"success"`
	Error                string    `json:"error,omitempty"`
	ErrorCode            ErrorCode `json:"error_code,omitempty"`
	RequiresRegistration bool      `json:"requires_registration,omitempty"`
	Token                string    `json:"token,omitempty"`
	ExpiresAt            int64     `json:"expiresAt,omitempty"`
}

var structValidate = validator.New()

// Structured runs the AUTH_REQ/AUTH flow in a single round trip; it
// never re-prompts, unlike the text flow's multi-step Machine.
type Structured struct {
	machine *Machine
}

// NewStructured returns a Structured flow driver over the same Store
// and Binder as the text-flow Machine.
func NewStructured(m *Machine) *Structured {
	return &Structured{machine: m}
}

// Handle validates and executes req, returning the AUTH reply and, on
// success, the Outcome to bind into the world.
func (s *Structured) Handle(ctx context.Context, sessionID string, req AuthRequest) (AuthReply, *Outcome, error) {
	if err := structValidate.Struct(req); err != nil {
		return AuthReply{Success: false, Error: err.Error(), ErrorCode: ErrValidationError}, nil, nil
	}
	if !ValidName(req.Name) {
		return AuthReply{Success: false, Error: "invalid name format", ErrorCode: ErrValidationError}, nil, nil
	}
	name := NormalizeName(req.Name)

	rec, found, err := s.machine.store.Load(ctx, name)
	if err != nil {
		return AuthReply{}, nil, fmt.Errorf("load player %s: %w", name, err)
	}

	switch req.Type {
	case "register":
		return s.handleRegister(ctx, sessionID, req, name, found)
	case "login":
		return s.handleLogin(ctx, sessionID, req, rec, found)
	default:
		return AuthReply{Success: false, Error: "unknown type", ErrorCode: ErrValidationError}, nil, nil
	}
}

func (s *Structured) handleRegister(ctx context.Context, sessionID string, req AuthRequest, name string, found bool) (AuthReply, *Outcome, error) {
	if found {
		return AuthReply{Success: false, Error: "name already taken", ErrorCode: ErrNameTaken}, nil, nil
	}
	if !ValidPassword(req.Password) {
		return AuthReply{Success: false, Error: "password too short", ErrorCode: ErrValidationError}, nil, nil
	}
	if req.Password != req.ConfirmPassword {
		return AuthReply{Success: false, Error: "passwords do not match", ErrorCode: ErrValidationError}, nil, nil
	}
	if req.Gender == "" {
		return AuthReply{Success: false, Error: "gender is required", ErrorCode: ErrValidationError}, nil, nil
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return AuthReply{}, nil, fmt.Errorf("hash password for %s: %w", name, err)
	}
	rec := &PlayerRecord{
		Name:         name,
		PasswordHash: hash,
		Email:        req.Email,
		Gender:       req.Gender,
		Location:     s.machine.startRoom,
	}
	if err := s.machine.store.Save(ctx, rec); err != nil {
		return AuthReply{}, nil, fmt.Errorf("save new player %s: %w", name, err)
	}

	attempt := &Attempt{SessionID: sessionID, name: name, isNewUser: true}
	outcome, err := s.machine.completeLogin(ctx, attempt, rec)
	if err != nil {
		return AuthReply{}, nil, err
	}
	return s.withToken(name, AuthReply{Success: true}), outcome, nil
}

func (s *Structured) handleLogin(ctx context.Context, sessionID string, req AuthRequest, rec *PlayerRecord, found bool) (AuthReply, *Outcome, error) {
	if !found {
		return AuthReply{Success: false, Error: "no such player", ErrorCode: ErrUserNotFound, RequiresRegistration: true}, nil, nil
	}
	ok, err := VerifyPassword(req.Password, rec.PasswordHash)
	if err != nil {
		return AuthReply{}, nil, fmt.Errorf("verify password for %s: %w", rec.Name, err)
	}
	if !ok {
		return AuthReply{Success: false, Error: "incorrect password", ErrorCode: ErrInvalidCredentials}, nil, nil
	}

	attempt := &Attempt{SessionID: sessionID, name: rec.Name}
	outcome, err := s.machine.completeLogin(ctx, attempt, rec)
	if err != nil {
		return AuthReply{}, nil, err
	}
	return s.withToken(rec.Name, AuthReply{Success: true}), outcome, nil
}

func (s *Structured) withToken(name string, reply AuthReply) AuthReply {
	token, expMS, err := s.machine.IssueResumeToken(name)
	if err != nil {
		return reply
	}
	reply.Token = token
	reply.ExpiresAt = expMS
	return reply
}
