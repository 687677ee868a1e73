package shadow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-driver/mudd/internal/registry"
)

type recordingImpl struct {
	props    map[string]any
	attached bool
	detached bool
	panicOnDetach bool
}

func (r *recordingImpl) OnAttach(target *registry.Entity) { r.attached = true }
func (r *recordingImpl) OnDetach(target *registry.Entity) {
	r.detached = true
	if r.panicOnDetach {
		panic("boom")
	}
}
func (r *recordingImpl) Property(name string) (any, bool) {
	v, ok := r.props[name]
	return v, ok
}
func (r *recordingImpl) Method(name string) (MethodFunc, bool) { return nil, false }

func TestAddAttachesInPriorityOrder(t *testing.T) {
	reg := NewRegistry()
	target := registry.NewTestEntity("obj#1", "/obj", registry.KindClone)

	low := New("glow", 1, &recordingImpl{})
	high := New("curse", 5, &recordingImpl{})

	require.NoError(t, reg.Add(target, low))
	require.NoError(t, reg.Add(target, high))

	shadows := reg.Get(target)
	require.Len(t, shadows, 2)
	assert.Equal(t, Type("curse"), shadows[0].Type)
	assert.Equal(t, Type("glow"), shadows[1].Type)
}

func TestAddRejectsDuplicateType(t *testing.T) {
	reg := NewRegistry()
	target := registry.NewTestEntity("obj#2", "/obj", registry.KindClone)

	require.NoError(t, reg.Add(target, New("glow", 1, &recordingImpl{})))
	err := reg.Add(target, New("glow", 2, &recordingImpl{}))
	assert.Error(t, err)
	var dup *DuplicateShadowTypeError
	assert.ErrorAs(t, err, &dup)
}

func TestLookupPropertyReturnsFirstOverrideInPriorityOrder(t *testing.T) {
	reg := NewRegistry()
	target := registry.NewTestEntity("obj#3", "/obj", registry.KindClone)

	lowImpl := &recordingImpl{props: map[string]any{"short_desc": "a dim glow"}}
	highImpl := &recordingImpl{props: map[string]any{"short_desc": "a burning curse"}}
	require.NoError(t, reg.Add(target, New("glow", 1, lowImpl)))
	require.NoError(t, reg.Add(target, New("curse", 5, highImpl)))

	v, ok := reg.LookupProperty(target, "short_desc")
	require.True(t, ok)
	assert.Equal(t, "a burning curse", v)
}

func TestLookupPropertyFallsThroughWhenNoOverride(t *testing.T) {
	reg := NewRegistry()
	target := registry.NewTestEntity("obj#4", "/obj", registry.KindClone)
	require.NoError(t, reg.Add(target, New("glow", 1, &recordingImpl{})))

	_, ok := reg.LookupProperty(target, "short_desc")
	assert.False(t, ok)
}

func TestLookupPropertyRejectsNonShadowableName(t *testing.T) {
	reg := NewRegistry()
	target := registry.NewTestEntity("obj#5", "/obj", registry.KindClone)
	impl := &recordingImpl{props: map[string]any{"secret_internal_field": "leaked"}}
	require.NoError(t, reg.Add(target, New("glow", 1, impl)))

	_, ok := reg.LookupProperty(target, "secret_internal_field")
	assert.False(t, ok, "only the fixed shadowable-property set may be overridden")
}

func TestRemoveInvokesOnDetachAndReportsDrained(t *testing.T) {
	reg := NewRegistry()
	target := registry.NewTestEntity("obj#6", "/obj", registry.KindClone)
	impl := &recordingImpl{}
	sh := New("glow", 1, impl)
	require.NoError(t, reg.Add(target, sh))

	drained, err := reg.Remove(target, sh)
	require.NoError(t, err)
	assert.True(t, drained)
	assert.True(t, impl.detached)
	assert.Nil(t, sh.Target())
}

func TestRemoveByType(t *testing.T) {
	reg := NewRegistry()
	target := registry.NewTestEntity("obj#7", "/obj", registry.KindClone)
	require.NoError(t, reg.Add(target, New("glow", 1, &recordingImpl{})))

	drained, err := reg.Remove(target, Type("glow"))
	require.NoError(t, err)
	assert.True(t, drained)
}

func TestDetachAllIsBestEffortAcrossPanics(t *testing.T) {
	reg := NewRegistry()
	target := registry.NewTestEntity("obj#8", "/obj", registry.KindClone)
	panicker := &recordingImpl{panicOnDetach: true}
	normal := &recordingImpl{}
	require.NoError(t, reg.Add(target, New("a", 1, panicker)))
	require.NoError(t, reg.Add(target, New("b", 2, normal)))

	errs := reg.DetachAll(target)
	require.Len(t, errs, 1)
	assert.True(t, panicker.detached)
	assert.True(t, normal.detached)
	assert.Empty(t, reg.Get(target))
}
