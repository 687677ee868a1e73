package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-driver/mudd/internal/direrr"
	"github.com/r3e-driver/mudd/internal/permlevel"
)

func TestAdministratorWritesAnywhereIncludingProtected(t *testing.T) {
	sb := New(64, nil)
	sb.Grant("Root", permlevel.Administrator, nil)

	assert.True(t, sb.CanWrite("Root", "/std/object.ts"))
	assert.True(t, sb.CanWrite("Root", "/areas/castle/room.ts"))
}

func TestNullSubjectIsImplicitlyAdministrator(t *testing.T) {
	sb := New(64, nil)
	assert.True(t, sb.CanWrite("", "/std/object.ts"))
}

func TestBuilderMayWriteWithinOwnDomainOutsideProtected(t *testing.T) {
	sb := New(64, nil)
	sb.Grant("Mason", permlevel.Builder, []string{"/areas/castle/"})

	assert.True(t, sb.CanWrite("mason", "/areas/castle/room.ts"))
	assert.False(t, sb.CanWrite("mason", "/std/object.ts"), "protected prefixes block even an encompassing domain")
	assert.False(t, sb.CanWrite("mason", "/areas/other/room.ts"), "writes outside the owned domain are denied")
}

func TestProtectedPrefixesBlockEveryoneButAdministrator(t *testing.T) {
	sb := New(64, nil)
	sb.Grant("senior", permlevel.SeniorBuilder, nil)
	sb.Grant("mason", permlevel.Builder, []string{"/master.extra/"})

	for _, target := range []string{"/std/thing.ts", "/core/engine.ts", "/daemon/login.ts", "/master.ts", "/simul_efun.ts"} {
		assert.False(t, sb.CanWrite("senior", target), target)
		assert.False(t, sb.CanWrite("mason", target), target)
	}
}

func TestSeniorBuilderMayWriteSharedLibraryRoot(t *testing.T) {
	sb := New(64, nil)
	sb.Grant("senior", permlevel.SeniorBuilder, nil)

	assert.True(t, sb.CanWrite("senior", "/lib/container.ts"))
	assert.False(t, sb.CanWrite("senior", "/areas/castle/room.ts"), "senior builders have no domain of their own")
}

func TestPlayerLevelNeverWrites(t *testing.T) {
	sb := New(64, nil)
	sb.Grant("wanderer", permlevel.Player, nil)

	assert.False(t, sb.CanWrite("wanderer", "/areas/open/field.ts"))
}

func TestUnregisteredSubjectDefaultsToPlayer(t *testing.T) {
	sb := New(64, nil)
	assert.Equal(t, permlevel.Player, sb.Level("nobody"))
	assert.False(t, sb.CanWrite("nobody", "/areas/open/field.ts"))
}

func TestSubjectNamesAreCaseNormalized(t *testing.T) {
	sb := New(64, nil)
	sb.Grant("Mason", permlevel.Builder, []string{"/areas/castle/"})

	assert.True(t, sb.CanWrite("MASON", "/areas/castle/room.ts"))
	assert.True(t, sb.CanWrite("mason", "/areas/castle/room.ts"))
}

func TestCheckWriteReturnsTypedPermissionError(t *testing.T) {
	sb := New(64, nil)
	sb.Grant("wanderer", permlevel.Player, nil)

	err := sb.CheckWrite("wanderer", "/areas/open/field.ts")
	require.Error(t, err)
	de, ok := direrr.As(err)
	require.True(t, ok)
	assert.Equal(t, direrr.CodePermission, de.Code)
}

func TestEveryCheckIsRecordedInAuditLogWithCorrectSuccessFlag(t *testing.T) {
	sb := New(64, nil)
	sb.Grant("mason", permlevel.Builder, []string{"/areas/castle/"})

	assert.True(t, sb.CanWrite("mason", "/areas/castle/room.ts"))
	assert.False(t, sb.CanWrite("mason", "/std/object.ts"))

	entries := sb.Audit().Entries()
	require.Len(t, entries, 3, "the grant is audited before the two write checks")
	assert.Equal(t, "/areas/castle/room.ts", entries[1].Target)
	assert.True(t, entries[1].Success)
	assert.Equal(t, "/std/object.ts", entries[2].Target)
	assert.False(t, entries[2].Success)
}

func TestAuditLogEvictsOldestEntryOnceFull(t *testing.T) {
	sb := New(2, nil)
	sb.CanRead("a", "/one")
	sb.CanRead("a", "/two")
	sb.CanRead("a", "/three")

	entries := sb.Audit().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "/two", entries[0].Target)
	assert.Equal(t, "/three", entries[1].Target)
}

func TestGrantAndRevokeAreAudited(t *testing.T) {
	sb := New(64, nil)
	sb.Grant("mason", permlevel.Builder, []string{"/areas/castle/"})
	sb.Revoke("mason")

	assert.Equal(t, permlevel.Player, sb.Level("mason"))
	entries := sb.Audit().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, ActionGrant, entries[0].Action)
	assert.Equal(t, ActionRevoke, entries[1].Action)
}

func TestDumpJSONThenRestoreFromJSONReproducesGrantTable(t *testing.T) {
	sb := New(64, nil)
	sb.Grant("mason", permlevel.Builder, []string{"/areas/castle/"})
	sb.Grant("root", permlevel.Administrator, nil)

	data, err := sb.DumpJSON()
	require.NoError(t, err)

	restored := New(64, nil)
	require.NoError(t, restored.RestoreFromJSON(data))

	assert.Equal(t, permlevel.Builder, restored.Level("mason"))
	assert.True(t, restored.CanWrite("mason", "/areas/castle/room.ts"))
	assert.False(t, restored.CanWrite("mason", "/areas/other/room.ts"))
	assert.Equal(t, permlevel.Administrator, restored.Level("root"))
}

func TestRestoreFromJSONRejectsMalformedPayload(t *testing.T) {
	sb := New(64, nil)
	assert.Error(t, sb.RestoreFromJSON([]byte("not json")))
}
