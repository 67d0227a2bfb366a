package ingest

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageWritesReadyFile(t *testing.T) {
	dir := t.TempDir()

	path, err := Stage(dir, "dev-1", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".ready"))
	assert.True(t, strings.HasPrefix(pathBase(path), "dev-1-"))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover .part file after staging")
}

func TestDeviceIDFromStagedName(t *testing.T) {
	id, ok := deviceIDFromStagedName("/tmp/upload/dev-42-1700000000000-ab12cd34.ready")
	require.True(t, ok)
	assert.Equal(t, "dev-42", id)
}

func pathBase(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return p
	}
	return p[i+1:]
}
