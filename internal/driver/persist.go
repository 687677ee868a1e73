package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/r3e-driver/mudd/infrastructure/resilience"
	"github.com/r3e-driver/mudd/internal/login"
)

// saveDocument is the on-disk shape mandated by base-spec §6: the core
// treats it as an opaque JSON blob with this required top-level shape.
// Credential fields ride inside State so the document stays exactly the
// shape the spec names, with no driver-private top-level fields.
type saveDocument struct {
	Name      string         `json:"name"`
	Location  string         `json:"location"`
	State     map[string]any `json:"state"`
	Inventory []string       `json:"inventory,omitempty"`
	SavedAt   time.Time      `json:"savedAt"`
}

// FileStore persists player credential records and full entity saves as
// one JSON document per player under root. It implements login.Store.
type FileStore struct {
	root string
	mu   sync.Mutex
	cb   *resilience.CircuitBreaker
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data root %s: %w", dir, err)
	}
	return &FileStore{root: dir, cb: resilience.New(resilience.DefaultConfig())}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.root, name+".json")
}

// Load implements login.Store.
func (s *FileStore) Load(_ context.Context, name string) (*login.PlayerRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read save for %s: %w", name, err)
	}

	var doc saveDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("decode save for %s: %w", name, err)
	}
	return recordFromDocument(doc), true, nil
}

// Save implements login.Store. A registration-time save carries only
// credential fields; a live player's subsequent saves go through
// SaveEntity with its full state and inventory.
func (s *FileStore) Save(_ context.Context, rec *login.PlayerRecord) error {
	doc := saveDocument{
		Name:     rec.Name,
		Location: rec.Location,
		State:    credentialState(rec),
		SavedAt:  time.Now(),
	}
	return s.write(rec.Name, doc)
}

// Count implements login.Store: the number of distinct saved players,
// used to detect the first-ever registration (base-spec §4.4).
func (s *FileStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("list data root: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			n++
		}
	}
	return n, nil
}

// SaveEntity persists a live player's full state snapshot and
// inventory object ids alongside its credential fields, matching
// base-spec §6's "save-then-load restores name/location/state.properties
// byte-identical."
func (s *FileStore) SaveEntity(name, location string, credentials *login.PlayerRecord, properties map[string]any, inventory []string) error {
	state := credentialState(credentials)
	for k, v := range properties {
		state[k] = v
	}
	doc := saveDocument{
		Name:      name,
		Location:  location,
		State:     state,
		Inventory: inventory,
		SavedAt:   time.Now(),
	}
	return s.write(name, doc)
}

// writeRetry governs how many times a save write is retried if the
// filesystem returns a transient error (e.g. a network-mounted data
// root momentarily unavailable), before giving up.
var writeRetry = resilience.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 20 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
	Multiplier:   2.0,
	Jitter:       0.2,
}

func (s *FileStore) write(name string, doc saveDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode save for %s: %w", name, err)
	}
	tmp := s.path(name) + ".tmp"
	target := s.path(name)

	// The breaker trips after repeated failures so a broken data root
	// fails every queued save fast instead of each retrying three times
	// in turn (base-spec §6 persistence is best-effort, not blocking).
	return s.cb.Execute(context.Background(), func() error {
		return resilience.Retry(context.Background(), writeRetry, func() error {
			if err := os.WriteFile(tmp, data, 0o644); err != nil {
				return fmt.Errorf("write save for %s: %w", name, err)
			}
			return os.Rename(tmp, target)
		})
	})
}

// Peek returns one field of a saved document, selected by a gjson path,
// without decoding the whole blob into a Go struct; ConstructPlayer uses
// it to read back a player's saved state properties (base-spec §4.10
// "opaque to the core").
func (s *FileStore) Peek(name, fieldPath string) (gjson.Result, bool) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path(name))
	s.mu.Unlock()
	if err != nil {
		return gjson.Result{}, false
	}
	result := gjson.GetBytes(data, fieldPath)
	return result, result.Exists()
}

// LoadRaw returns a player's full save document as raw JSON, for the
// load_player_data efun, which hands content the whole opaque blob
// rather than one field at a time like Peek.
func (s *FileStore) LoadRaw(name string) (data json.RawMessage, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read save for %s: %w", name, err)
	}
	return json.RawMessage(raw), true, nil
}

// namespacedPath returns the on-disk path for one save_data/load_data
// key, rooted under an "ns-<ns>/" subdirectory of the store so it never
// collides with a player save document.
func (s *FileStore) namespacedPath(ns, key string) string {
	return filepath.Join(s.root, "ns-"+ns, key+".json")
}

// SaveData persists one namespaced key/value pair for the save_data
// efun (base-spec §4.10).
func (s *FileStore) SaveData(ns, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.namespacedPath(ns, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create namespace %s: %w", ns, err)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", ns, key, err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadData returns the value stored under ns/key for the load_data
// efun, or found=false if it does not exist.
func (s *FileStore) LoadData(ns, key string) (value json.RawMessage, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.namespacedPath(ns, key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s/%s: %w", ns, key, err)
	}
	return json.RawMessage(data), true, nil
}

// ListDataKeys lists every key stored under ns, for list_data_keys.
func (s *FileStore) ListDataKeys(ns string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.root, "ns-"+ns))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list namespace %s: %w", ns, err)
	}
	var keys []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			keys = append(keys, strings.TrimSuffix(e.Name(), ".json"))
		}
	}
	return keys, nil
}

// DeleteData removes one namespaced key, for delete_data. Deleting an
// already-absent key is a no-op.
func (s *FileStore) DeleteData(ns, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.namespacedPath(ns, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s/%s: %w", ns, key, err)
	}
	return nil
}

// ListPlayerNames lists every saved player name, for list_players.
func (s *FileStore) ListPlayerNames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list data root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, strings.TrimSuffix(e.Name(), ".json"))
		}
	}
	return names, nil
}

func credentialState(rec *login.PlayerRecord) map[string]any {
	return map[string]any{
		"password_hash":     rec.PasswordHash,
		"email":             rec.Email,
		"gender":            rec.Gender,
		"previous_location": rec.PreviousLocation,
		"is_administrator":  rec.IsAdministrator,
	}
}

func recordFromDocument(doc saveDocument) *login.PlayerRecord {
	rec := &login.PlayerRecord{Name: doc.Name, Location: doc.Location}
	if v, ok := doc.State["password_hash"].(string); ok {
		rec.PasswordHash = v
	}
	if v, ok := doc.State["email"].(string); ok {
		rec.Email = v
	}
	if v, ok := doc.State["gender"].(string); ok {
		rec.Gender = v
	}
	if v, ok := doc.State["previous_location"].(string); ok {
		rec.PreviousLocation = v
	}
	if v, ok := doc.State["is_administrator"].(bool); ok {
		rec.IsAdministrator = v
	}
	return rec
}
