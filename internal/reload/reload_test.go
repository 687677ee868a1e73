package reload

import (
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-driver/mudd/internal/registry"
)

func injectNoop(vm *goja.Runtime, e *registry.Entity) {
	vm.Set("setState", func(key string, value any) { e.Set(key, value) })
}

// injectWithHandler mirrors the efuns Surface's add_verb wiring: a JS
// function is wrapped into a Go closure and installed via SetHandler, the
// same mechanism the Command Dispatcher's object-scope resolution reads
// from.
func injectWithHandler(vm *goja.Runtime, e *registry.Entity) {
	vm.Set("setState", func(key string, value any) { e.Set(key, value) })
	vm.Set("setHandler", func(verb string, fnVal goja.Value) {
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			return
		}
		e.SetHandler(verb, func() (string, error) {
			result, err := fn(goja.Undefined())
			if err != nil {
				return "", err
			}
			return result.String(), nil
		})
	})
}

func TestCompileSurfacesDiagnosticsOnSyntaxError(t *testing.T) {
	_, diags := Compile("/std/bad", "function construct() { this is not valid js !!")
	require.NotEmpty(t, diags)
}

func TestLoadOrReloadRegistersBlueprintOnFirstLoad(t *testing.T) {
	reg := registry.New()
	sup := New(reg, injectNoop, nil, nil)

	src := `function construct() { setState("hp", 10); }`
	outcome := sup.LoadOrReload("/std/sword", src, nil)

	assert.True(t, outcome.Reloaded)
	clone, err := reg.Clone("/std/sword")
	require.NoError(t, err)
	hp, ok := clone.Get("hp")
	require.True(t, ok)
	assert.EqualValues(t, 10, hp)
}

func TestLoadOrReloadRejectsBadCompileAndKeepsPriorVersion(t *testing.T) {
	reg := registry.New()
	sup := New(reg, injectNoop, nil, nil)

	good := `function construct() { setState("hp", 5); }`
	outcome := sup.LoadOrReload("/std/sword", good, nil)
	require.True(t, outcome.Reloaded)

	bad := `function construct( {{{`
	outcome2 := sup.LoadOrReload("/std/sword", bad, nil)
	assert.False(t, outcome2.Reloaded)
	require.NotEmpty(t, outcome2.Diagnostics)

	clone, err := reg.Clone("/std/sword")
	require.NoError(t, err)
	hp, _ := clone.Get("hp")
	assert.EqualValues(t, 5, hp, "prior version must remain live after a failed reload")
}

func TestLoadOrReloadRetargetsClonesPreservingState(t *testing.T) {
	reg := registry.New()
	sup := New(reg, injectNoop, nil, nil)

	v1 := `function construct() { setState("version", 1); }`
	sup.LoadOrReload("/std/torch", v1, nil)
	clone, err := reg.Clone("/std/torch")
	require.NoError(t, err)
	clone.Set("custom_field", "preserved")

	v2 := `function construct() { setState("version", 2); }`
	var retargetedPaths []string
	sup2 := New(reg, injectNoop, func(path string, clones []*registry.Entity) {
		retargetedPaths = append(retargetedPaths, path)
	}, nil)
	// sup2 is never used: it has no cached unit for /std/torch, so the
	// reload below goes through sup, and retargetedPaths stays empty.
	_ = sup2

	outcome := sup.LoadOrReload("/std/torch", v2, nil)
	require.True(t, outcome.Reloaded)

	custom, ok := clone.Get("custom_field")
	require.True(t, ok)
	assert.Equal(t, "preserved", custom, "instance state must be preserved byte-for-byte across retargeting")
}

func TestLoadOrReloadRetargetsClonesRebindingVerbHandlers(t *testing.T) {
	reg := registry.New()
	sup := New(reg, injectWithHandler, nil, nil)

	v1 := `function construct() { setHandler("look", function() { return "old description"; }); }`
	sup.LoadOrReload("/std/sign", v1, nil)
	clone, err := reg.Clone("/std/sign")
	require.NoError(t, err)

	h, ok := clone.Handler("look")
	require.True(t, ok)
	fn, ok := h.(func() (string, error))
	require.True(t, ok)
	out, err := fn()
	require.NoError(t, err)
	assert.Equal(t, "old description", out)

	v2 := `function construct() { setHandler("look", function() { return "new description"; }); }`
	outcome := sup.LoadOrReload("/std/sign", v2, nil)
	require.True(t, outcome.Reloaded)

	h2, ok := clone.Handler("look")
	require.True(t, ok)
	fn2, ok := h2.(func() (string, error))
	require.True(t, ok)
	out2, err := fn2()
	require.NoError(t, err)
	assert.Equal(t, "new description", out2, "retargeting must rebind verb handlers to the newly reloaded code, not just preserve state")
}

func TestLoadOrReloadCascadesToDependents(t *testing.T) {
	reg := registry.New()
	sup := New(reg, injectNoop, nil, nil)

	base := `function construct() { setState("base_version", 1); }`
	sup.LoadOrReload("/lib/base", base, nil)

	dependent := `function construct() { setState("dependent_version", 1); }`
	sup.LoadOrReload("/std/weapon", dependent, []string{"/lib/base"})

	base2 := `function construct() { setState("base_version", 2); }`
	outcome := sup.LoadOrReload("/lib/base", base2, nil)

	require.Len(t, outcome.Dependents, 1)
	assert.Equal(t, "/std/weapon", outcome.Dependents[0].Path)
	assert.NoError(t, outcome.Dependents[0].Error)
}

func TestDebouncerCoalescesRapidNotifications(t *testing.T) {
	calls := make(chan string, 8)
	d := NewDebouncer(30*time.Millisecond, func(path string) { calls <- path })

	d.Notify("/std/sword")
	d.Notify("/std/sword")
	d.Notify("/std/sword")

	select {
	case p := <-calls:
		assert.Equal(t, "/std/sword", p)
	case <-time.After(time.Second):
		t.Fatal("debounced callback never fired")
	}

	select {
	case <-calls:
		t.Fatal("debouncer must coalesce to exactly one call")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestContentPathConversion(t *testing.T) {
	assert.Equal(t, "/std/sword", contentPath("/mudlib", "/mudlib/std/sword.js"))
}
