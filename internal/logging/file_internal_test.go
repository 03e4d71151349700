package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDailyFile_RollsOverAtMidnight(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")
	clock := time.Date(2026, 3, 1, 23, 59, 0, 0, time.Local)

	f := NewDailyFile(path, 7)
	f.now = func() time.Time { return clock }
	t.Cleanup(func() { f.Close() })

	_, err := f.Write([]byte("first day\n"))
	require.NoError(t, err)
	_, err = f.Write([]byte("still first day\n"))
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)
	_, err = f.Write([]byte("second day\n"))
	require.NoError(t, err)

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second day\n", string(current))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDailyFile_RollsStaleFileOnFirstWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")
	require.NoError(t, os.WriteFile(path, []byte("old run\n"), 0o600))
	yesterday := time.Now().Add(-36 * time.Hour)
	require.NoError(t, os.Chtimes(path, yesterday, yesterday))

	f := NewDailyFile(path, 7)
	t.Cleanup(func() { f.Close() })
	_, err := f.Write([]byte("new run\n"))
	require.NoError(t, err)

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new run\n", string(current))
}
