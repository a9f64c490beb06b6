package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, root, rel string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(rel), 0o644))
}

func TestListFilesFromRoots(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "src/app/index.js")
	touch(t, root, "src/app/features/x.js")
	touch(t, root, "src/app/node_modules/dep/index.js")
	touch(t, root, "src/app/build/out.js")
	touch(t, root, "src/app/debug.log")
	touch(t, root, "src/worker/main.go")
	touch(t, root, "README.md")

	files, err := ListFilesFromRoots(root, []string{"src/app", "src/app/features"}, []string{
		"**/node_modules",
		"src/app/build",
		"**/*.log",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"src/app/features/x.js",
		"src/app/index.js",
	}, files)
}

func TestListFilesFromRoots_MultipleRootsSorted(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "b/2.txt")
	touch(t, root, "a/1.txt")
	touch(t, root, "a/.git/HEAD")

	files, err := ListFilesFromRoots(root, []string{"b", "a", "missing"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1.txt", "b/2.txt"}, files)
}

func TestListFilesFromRoots_IgnoredDirectoryIsPruned(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "src/app/vendor/lib/deep.js")
	touch(t, root, "src/app/main.js")

	// The glob only matches the directory itself, not the files below it, so
	// the file is excluded only because the walk never descends.
	files, err := ListFilesFromRoots(root, []string{"src/app"}, []string{"src/app/vendor"})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/app/main.js"}, files)
}
