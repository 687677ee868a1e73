package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFileLister struct {
	dirs map[string][]FileEntry
}

func (f *fakeFileLister) ReadDir(p string) ([]FileEntry, error) {
	return f.dirs[p], nil
}

type allowAllPerms struct{}

func (allowAllPerms) CanRead(subject, path string) bool { return true }

type denyPrefixPerms struct{ denied string }

func (d denyPrefixPerms) CanRead(subject, path string) bool {
	return !hasPrefix(path, d.denied)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func TestCompleteSuffixesDirectoriesAndFiltersPrefix(t *testing.T) {
	fs := &fakeFileLister{dirs: map[string][]FileEntry{
		"/home/alice": {
			{Name: "scratch.c", IsDir: false},
			{Name: "scripts", IsDir: true},
			{Name: "other.c", IsDir: false},
		},
	}}

	out, err := Complete(fs, allowAllPerms{}, "Alice", "/home/alice", "scr")
	require.NoError(t, err)
	assert.Equal(t, []string{"scratch.c", "scripts/"}, out)
}

func TestCompleteFiltersByPermission(t *testing.T) {
	fs := &fakeFileLister{dirs: map[string][]FileEntry{
		"/": {
			{Name: "std", IsDir: true},
			{Name: "players", IsDir: true},
		},
	}}

	out, err := Complete(fs, denyPrefixPerms{denied: "/std"}, "Bob", "/", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"players/"}, out)
}
