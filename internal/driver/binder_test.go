package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-driver/mudd/internal/login"
	"github.com/r3e-driver/mudd/internal/permlevel"
	"github.com/r3e-driver/mudd/internal/registry"
)

func mustRegisterBlueprint(t *testing.T, d *Driver, path string) {
	t.Helper()
	_, err := d.Registry.RegisterBlueprint(path, nil)
	require.NoError(t, err)
}

func TestConstructPlayerClonesEntityAndPlacesItInStartRoom(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, nil)
	require.NoError(t, err)

	mustRegisterBlueprint(t, d, cfg.Content.PlayerObject)
	mustRegisterBlueprint(t, d, cfg.Login.StartRoom)

	rec := &login.PlayerRecord{Name: "Alice"}
	ap, err := d.ConstructPlayer(context.Background(), rec, "sess-1")
	require.NoError(t, err)

	p, ok := ap.(*Player)
	require.True(t, ok)
	assert.Equal(t, "Alice", p.Name())

	room, ok := d.Registry.Find(cfg.Login.StartRoom)
	require.True(t, ok)
	assert.Equal(t, room, p.Entity().Environment())

	found, ok := d.FindActive("alice")
	require.True(t, ok)
	assert.Same(t, p, found)
}

func TestConstructPlayerRestoresAdministratorLevelFromSavedRecord(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, nil)
	require.NoError(t, err)

	mustRegisterBlueprint(t, d, cfg.Content.PlayerObject)
	mustRegisterBlueprint(t, d, cfg.Login.StartRoom)

	require.NoError(t, d.Store.Save(context.Background(), &login.PlayerRecord{
		Name:            "Root",
		IsAdministrator: true,
	}))

	ap, err := d.ConstructPlayer(context.Background(), &login.PlayerRecord{Name: "Root"}, "sess-1")
	require.NoError(t, err)

	p := ap.(*Player)
	assert.Equal(t, permlevel.Administrator, p.Level())
}

func TestGrantAdministratorSetsLevelAndSandboxGrant(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, nil)
	require.NoError(t, err)

	entity := registry.NewTestEntity("/std/player#1", "/std/player", registry.KindClone)
	p := NewPlayer(entity, "First")

	d.GrantAdministrator(p)

	assert.Equal(t, permlevel.Administrator, p.Level())
	assert.Equal(t, permlevel.Administrator, d.Sandbox.Level("first"))
}

func TestTakeOverSessionClosesOldSessionAndCancelsDisconnectTimeout(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, nil)
	require.NoError(t, err)

	entity := registry.NewTestEntity("/std/player#1", "/std/player", registry.KindClone)
	p := NewPlayer(entity, "Alice")

	id := d.Scheduler.CallOut(60*time.Second, "alice", func() {})
	p.SetDisconnectTask(uint64(id))

	d.TakeOverSession(p, "new-session")

	_, armed := p.TakeDisconnectTask()
	assert.False(t, armed, "TakeOverSession must cancel the pending disconnect timeout")
}

func TestReconnectCancelsDisconnectTimeoutWithoutTouchingLocation(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, nil)
	require.NoError(t, err)

	entity := registry.NewTestEntity("/std/player#1", "/std/player", registry.KindClone)
	p := NewPlayer(entity, "Alice")

	id := d.Scheduler.CallOut(60*time.Second, "alice", func() {})
	p.SetDisconnectTask(uint64(id))

	d.Reconnect(p, "new-session")

	_, armed := p.TakeDisconnectTask()
	assert.False(t, armed)
}

func TestHasConnectedSessionReflectsBoundSession(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, nil)
	require.NoError(t, err)

	entity := registry.NewTestEntity("/std/player#1", "/std/player", registry.KindClone)
	p := NewPlayer(entity, "Alice")

	assert.False(t, d.HasConnectedSession(p))
}
