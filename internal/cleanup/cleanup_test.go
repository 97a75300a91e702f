package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("partial"), 0o644))

	mod := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestDeleteOrphanPartials(t *testing.T) {
	dir := t.TempDir()

	orphan := filepath.Join(dir, "go-time", "e1.mp3.part")
	fresh := filepath.Join(dir, "go-time", "e2.mp3.part")
	owned := filepath.Join(dir, "changelog", "e3.mp3.part")
	finished := filepath.Join(dir, "changelog", "e4.mp3")

	writeAged(t, orphan, 96*time.Hour)
	writeAged(t, fresh, time.Minute)
	writeAged(t, owned, 96*time.Hour)
	writeAged(t, finished, 96*time.Hour)

	live := []string{filepath.Join(dir, "changelog", "e3.mp3")}

	removed, err := DeleteOrphanPartials(context.Background(), dir, ".part", live, 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoFileExists(t, orphan)
	assert.FileExists(t, fresh)
	assert.FileExists(t, owned)
	assert.FileExists(t, finished)
}

func TestDeleteOrphanPartialsMissingDir(t *testing.T) {
	removed, err := DeleteOrphanPartials(context.Background(), filepath.Join(t.TempDir(), "nope"), ".part", nil, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
