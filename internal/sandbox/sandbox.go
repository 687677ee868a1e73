// Package sandbox implements the Permissions & Sandbox component: the
// four-level write policy, domain ownership, the protected-prefix
// denylist, and the bounded audit log (base-spec §4.8).
package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/r3e-driver/mudd/internal/direrr"
	"github.com/r3e-driver/mudd/internal/obslog"
	"github.com/r3e-driver/mudd/internal/permlevel"
)

// Action identifies one audited operation.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionGrant  Action = "grant"
	ActionRevoke Action = "revoke"
)

// defaultProtectedPrefixes are process-wide; Administrator bypasses
// them, everyone else is blocked regardless of domain ownership.
var defaultProtectedPrefixes = []string{"/std/", "/core/", "/daemon/", "/master.", "/simul_efun."}

// Subject is one principal tracked by the sandbox: a permission level
// plus the domain prefixes it owns.
type Subject struct {
	Level   permlevel.Level
	Domains []string
}

// AuditEntry is one recorded permission check.
type AuditEntry struct {
	Timestamp time.Time
	Subject   string
	Action    Action
	Target    string
	Success   bool
}

// AuditLog is a bounded ring buffer of audit entries; the oldest entry
// is evicted once capacity is reached.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	cap     int
	next    int
	full    bool
}

// NewAuditLog returns an AuditLog holding at most capacity entries.
func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = 1
	}
	return &AuditLog{entries: make([]AuditEntry, capacity), cap: capacity}
}

func (a *AuditLog) record(e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[a.next] = e
	a.next = (a.next + 1) % a.cap
	if a.next == 0 {
		a.full = true
	}
}

// Entries returns recorded entries, oldest first.
func (a *AuditLog) Entries() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.full {
		out := make([]AuditEntry, a.next)
		copy(out, a.entries[:a.next])
		return out
	}
	out := make([]AuditEntry, a.cap)
	n := copy(out, a.entries[a.next:])
	copy(out[n:], a.entries[:a.next])
	return out
}

// Sandbox holds the subject table, the protected-prefix denylist, and
// the audit log. The zero value is not usable; use New.
type Sandbox struct {
	mu                sync.RWMutex
	subjects          map[string]*Subject
	protectedPrefixes []string
	audit             *AuditLog
	log               *obslog.Logger
}

// New returns a Sandbox with the default protected prefixes and an
// audit log bounded to auditCapacity entries.
func New(auditCapacity int, log *obslog.Logger) *Sandbox {
	if log == nil {
		log = obslog.NewDefault()
	}
	protected := make([]string, len(defaultProtectedPrefixes))
	copy(protected, defaultProtectedPrefixes)
	return &Sandbox{
		subjects:          make(map[string]*Subject),
		protectedPrefixes: protected,
		audit:             NewAuditLog(auditCapacity),
		log:               log,
	}
}

// Audit exposes the underlying audit log for inspection (e.g. an admin
// HTTP endpoint).
func (s *Sandbox) Audit() *AuditLog { return s.audit }

func normalizeSubject(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Grant sets subject's level and domain prefixes, creating the subject
// if it did not already exist. The null subject cannot be granted to;
// it is implicitly Administrator.
func (s *Sandbox) Grant(subject string, level permlevel.Level, domains []string) {
	name := normalizeSubject(subject)
	s.mu.Lock()
	s.subjects[name] = &Subject{Level: level, Domains: append([]string(nil), domains...)}
	s.mu.Unlock()

	s.audit.record(AuditEntry{Timestamp: time.Now(), Subject: name, Action: ActionGrant, Target: level.String(), Success: true})
}

// Revoke removes subject entirely, reverting it to the unregistered
// default of Player with no domains.
func (s *Sandbox) Revoke(subject string) {
	name := normalizeSubject(subject)
	s.mu.Lock()
	delete(s.subjects, name)
	s.mu.Unlock()

	s.audit.record(AuditEntry{Timestamp: time.Now(), Subject: name, Action: ActionRevoke, Success: true})
}

// Level returns subject's current permission level. An empty subject
// name is the null subject and is implicitly Administrator.
func (s *Sandbox) Level(subject string) permlevel.Level {
	name := normalizeSubject(subject)
	if name == "" {
		return permlevel.Administrator
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sub, ok := s.subjects[name]; ok {
		return sub.Level
	}
	return permlevel.Player
}

// domainsOf returns subject's owned domain prefixes.
func (s *Sandbox) domainsOf(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sub, ok := s.subjects[name]; ok {
		return sub.Domains
	}
	return nil
}

func (s *Sandbox) isProtected(target string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.protectedPrefixes {
		if strings.HasPrefix(target, p) {
			return true
		}
	}
	return false
}

// CanRead reports whether subject may read target. Any non-secret path
// is readable by everyone; the content tree carries no secret paths in
// this driver, so read is unconditional. The check is still audited.
func (s *Sandbox) CanRead(subject, target string) bool {
	name := normalizeSubject(subject)
	s.audit.record(AuditEntry{Timestamp: time.Now(), Subject: name, Action: ActionRead, Target: target, Success: true})
	return true
}

// CanWrite reports whether subject may write target, per the policy
// matrix in base-spec §4.8, and records the check in the audit log.
func (s *Sandbox) CanWrite(subject, target string) bool {
	name := normalizeSubject(subject)
	allowed := s.evaluateWrite(name, target)
	s.audit.record(AuditEntry{Timestamp: time.Now(), Subject: name, Action: ActionWrite, Target: target, Success: allowed})
	return allowed
}

func (s *Sandbox) evaluateWrite(name, target string) bool {
	if name == "" {
		return true // null subject is implicitly Administrator
	}
	level := s.Level(name)
	if level == permlevel.Administrator {
		return true
	}
	if s.isProtected(target) {
		return false
	}
	if level == permlevel.SeniorBuilder && strings.HasPrefix(target, "/lib/") {
		return true
	}
	if level == permlevel.Builder {
		for _, domain := range s.domainsOf(name) {
			if strings.HasPrefix(target, domain) {
				return true
			}
		}
	}
	return false
}

// CheckWrite is CanWrite wrapped as a typed error result, the shape
// file efuns (§4.10) return across the permission gate.
func (s *Sandbox) CheckWrite(subject, target string) error {
	if s.CanWrite(subject, target) {
		return nil
	}
	return direrr.PermissionDenied(subject, string(ActionWrite), target)
}

// grantRecord is the on-disk shape of one subject's grant, named so the
// persisted form doesn't leak the package-private Subject type.
type grantRecord struct {
	Subject string   `json:"subject"`
	Level   string   `json:"level"`
	Domains []string `json:"domains,omitempty"`
}

// DumpJSON serializes the full grant table, for the save_permissions
// efun (base-spec §4.10) and for operator backup.
func (s *Sandbox) DumpJSON() ([]byte, error) {
	s.mu.RLock()
	records := make([]grantRecord, 0, len(s.subjects))
	for name, sub := range s.subjects {
		records = append(records, grantRecord{Subject: name, Level: sub.Level.String(), Domains: sub.Domains})
	}
	s.mu.RUnlock()
	return json.MarshalIndent(records, "", "  ")
}

// RestoreFromJSON replaces the grant table with the contents of a
// DumpJSON blob, used during driver startup's "load stored permissions"
// step (base-spec §4.9 step 5).
func (s *Sandbox) RestoreFromJSON(data []byte) error {
	var records []grantRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode permission grants: %w", err)
	}
	for _, r := range records {
		s.Grant(r.Subject, permlevel.Parse(r.Level), r.Domains)
	}
	return nil
}
