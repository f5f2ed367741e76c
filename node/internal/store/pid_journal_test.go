package store

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestJournal(t *testing.T) *PIDJournal {
	t.Helper()
	j, err := OpenPIDJournal(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestPIDJournal_RecordRemove(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.Record("s1", 101))
	require.NoError(t, j.Record("s2", 102))
	require.NoError(t, j.Remove("s1"))

	entries, err := j.Entries()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"s2": 102}, entries)
}

func TestPIDJournal_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenPIDJournal(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, j.Record("s1", 4242))
	require.NoError(t, j.Close())

	j, err = OpenPIDJournal(dir, zap.NewNop())
	require.NoError(t, err)
	defer j.Close()
	entries, err := j.Entries()
	require.NoError(t, err)
	assert.Equal(t, 4242, entries["s1"])
}

func TestPIDJournal_Reap(t *testing.T) {
	j := openTestJournal(t)
	require.NoError(t, j.Record("alive", 10))
	require.NoError(t, j.Record("recycled", 20))
	require.NoError(t, j.Record("stubborn", 30))

	var killedPIDs []int
	killed, err := j.Reap(
		func(pid int) bool { return pid != 20 },
		func(pid int) error {
			if pid == 30 {
				return errors.New("operation not permitted")
			}
			killedPIDs = append(killedPIDs, pid)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 1, killed)
	assert.Equal(t, []int{10}, killedPIDs)

	entries, err := j.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessMatches(t *testing.T) {
	assert.False(t, ProcessMatches("llama-server")(0))
	// The test binary is alive; it matches its own name.
	assert.True(t, ProcessMatches(os.Args[0])(os.Getpid()))
}
