package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-driver/mudd/internal/permlevel"
	"github.com/r3e-driver/mudd/internal/registry"
)

type fakePlayer struct {
	name    string
	level   permlevel.Level
	entity  *registry.Entity
	aliases map[string]string
	sent    []string
	prompt  PromptFunc
}

func newFakePlayer(name string, level permlevel.Level, entity *registry.Entity) *fakePlayer {
	return &fakePlayer{name: name, level: level, entity: entity, aliases: make(map[string]string)}
}

func (p *fakePlayer) Name() string               { return p.name }
func (p *fakePlayer) Level() permlevel.Level      { return p.level }
func (p *fakePlayer) Entity() *registry.Entity    { return p.entity }
func (p *fakePlayer) Send(line string)            { p.sent = append(p.sent, line) }
func (p *fakePlayer) Prompt() PromptFunc          { return p.prompt }
func (p *fakePlayer) ClearPrompt()                { p.prompt = nil }
func (p *fakePlayer) Alias(word string) (string, bool) {
	a, ok := p.aliases[word]
	return a, ok
}

type fakeSaves struct{ saved []string }

func (s *fakeSaves) ScheduleSave(name string) { s.saved = append(s.saved, name) }

func newWorld() (*registry.Registry, *registry.Entity, *registry.Entity) {
	reg := registry.New()
	room := registry.NewTestEntity("room#1", "/room", registry.KindClone)
	player := registry.NewTestEntity("player#1", "/player", registry.KindClone)
	reg.Move(player, room)
	return reg, room, player
}

func TestDispatchEmptyLineIsNoop(t *testing.T) {
	_, _, player := newWorld()
	p := newFakePlayer("Alice", permlevel.Player, player)
	d := New(nil, nil)

	err := d.Dispatch(context.Background(), p, "   ")
	require.NoError(t, err)
	assert.Empty(t, p.sent)
}

func TestDispatchBuiltinRunsAndSaves(t *testing.T) {
	_, _, player := newWorld()
	p := newFakePlayer("Alice", permlevel.Player, player)
	saves := &fakeSaves{}
	d := New(saves, nil)

	ran := false
	d.RegisterBuiltin(&Builtin{
		Verb:        "look",
		Level:       permlevel.Player,
		SaveTrigger: true,
		Fn: func(ec *ExecContext, args []string) error {
			ran = true
			ec.Send("You see a room.")
			return nil
		},
	})

	err := d.Dispatch(context.Background(), p, "look")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"Alice"}, saves.saved)
}

func TestDispatchSkipsBuiltinAboveThePlayersLevel(t *testing.T) {
	_, _, player := newWorld()
	p := newFakePlayer("Alice", permlevel.Player, player)
	d := New(nil, nil)

	ran := false
	d.RegisterBuiltin(&Builtin{
		Verb:  "shutdown",
		Level: permlevel.Administrator,
		Fn:    func(ec *ExecContext, args []string) error { ran = true; return nil },
	})

	err := d.Dispatch(context.Background(), p, "shutdown")
	require.NoError(t, err)
	assert.False(t, ran, "a builtin above the player's level must not run")
}

func TestDispatchFallsThroughToObjectHandlerWhenBuiltinIsAboveLevel(t *testing.T) {
	_, room, player := newWorld()
	p := newFakePlayer("Alice", permlevel.Player, player)
	d := New(nil, nil)

	d.RegisterBuiltin(&Builtin{
		Verb:  "shutdown",
		Level: permlevel.Administrator,
		Fn:    func(ec *ExecContext, args []string) error { return nil },
	})

	objectRan := false
	room.SetHandler("shutdown", ObjectHandler(func(ec *ExecContext, args []string) (bool, error) {
		objectRan = true
		return true, nil
	}))

	err := d.Dispatch(context.Background(), p, "shutdown")
	require.NoError(t, err)
	assert.True(t, objectRan, "a lower-scoped object handler must resolve when the builtin is scoped above the player")
}

func TestDispatchAliasExpandsOnce(t *testing.T) {
	_, _, player := newWorld()
	p := newFakePlayer("Alice", permlevel.Player, player)
	p.aliases["l"] = "look"
	d := New(nil, nil)

	ran := false
	d.RegisterBuiltin(&Builtin{
		Verb:  "look",
		Level: permlevel.Player,
		Fn:    func(ec *ExecContext, args []string) error { ran = true; return nil },
	})

	err := d.Dispatch(context.Background(), p, "l")
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestDispatchAliasVerbsThemselvesAreNeverExpanded(t *testing.T) {
	_, _, player := newWorld()
	p := newFakePlayer("Alice", permlevel.Player, player)
	p.aliases["alias"] = "look"
	d := New(nil, nil)

	sawAlias := false
	d.RegisterBuiltin(&Builtin{
		Verb:  "alias",
		Level: permlevel.Player,
		Fn:    func(ec *ExecContext, args []string) error { sawAlias = true; return nil },
	})

	err := d.Dispatch(context.Background(), p, "alias")
	require.NoError(t, err)
	assert.True(t, sawAlias)
}

func TestDispatchObjectHandlerTakesPriorityOverEmote(t *testing.T) {
	_, room, player := newWorld()
	p := newFakePlayer("Alice", permlevel.Player, player)
	d := New(nil, nil)

	objectHandled := false
	room.SetHandler("wave", ObjectHandler(func(ec *ExecContext, args []string) (bool, error) {
		objectHandled = true
		return true, nil
	}))

	emoteRan := false
	d.RegisterEmote("wave", func(ec *ExecContext, target string, args []string) error {
		emoteRan = true
		return nil
	})

	err := d.Dispatch(context.Background(), p, "wave")
	require.NoError(t, err)
	assert.True(t, objectHandled)
	assert.False(t, emoteRan)
}

func TestDispatchFallsThroughWhenObjectHandlerDeclinesHandled(t *testing.T) {
	_, room, player := newWorld()
	p := newFakePlayer("Alice", permlevel.Player, player)
	d := New(nil, nil)

	room.SetHandler("wave", ObjectHandler(func(ec *ExecContext, args []string) (bool, error) {
		return false, nil
	}))

	emoteRan := false
	d.RegisterEmote("wave", func(ec *ExecContext, target string, args []string) error {
		emoteRan = true
		return nil
	})

	err := d.Dispatch(context.Background(), p, "wave")
	require.NoError(t, err)
	assert.True(t, emoteRan)
}

func TestDispatchEmoteWithRemoteTarget(t *testing.T) {
	_, _, player := newWorld()
	p := newFakePlayer("Alice", permlevel.Player, player)
	d := New(nil, nil)

	var gotTarget string
	d.RegisterEmote("smile", func(ec *ExecContext, target string, args []string) error {
		gotTarget = target
		return nil
	})

	err := d.Dispatch(context.Background(), p, "smile @Bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", gotTarget)
}

func TestDispatchUnknownVerbRepliesAndReturnsNil(t *testing.T) {
	_, _, player := newWorld()
	p := newFakePlayer("Alice", permlevel.Player, player)
	d := New(nil, nil)

	err := d.Dispatch(context.Background(), p, "frobnicate")
	require.NoError(t, err)
	require.Len(t, p.sent, 1)
	assert.Contains(t, p.sent[0], "frobnicate")
}

func TestDispatchPromptBypassesVerbResolution(t *testing.T) {
	_, _, player := newWorld()
	p := newFakePlayer("Alice", permlevel.Player, player)
	d := New(nil, nil)

	var captured string
	p.prompt = func(line string) bool {
		captured = line
		return false
	}

	d.RegisterBuiltin(&Builtin{
		Verb:  "look",
		Level: permlevel.Player,
		Fn:    func(ec *ExecContext, args []string) error { t.Fatal("builtin must not run during a prompt"); return nil },
	})

	err := d.Dispatch(context.Background(), p, "look")
	require.NoError(t, err)
	assert.Equal(t, "look", captured)
	assert.NotNil(t, p.prompt, "prompt continues when it does not signal done")
}

func TestDispatchPromptEscapeSequenceCancels(t *testing.T) {
	_, _, player := newWorld()
	p := newFakePlayer("Alice", permlevel.Player, player)
	d := New(nil, nil)

	calledCount := 0
	p.prompt = func(line string) bool {
		calledCount++
		return false
	}

	err := d.Dispatch(context.Background(), p, escapeSequence)
	require.NoError(t, err)
	assert.Nil(t, p.prompt)
	assert.Equal(t, 0, calledCount)
}
