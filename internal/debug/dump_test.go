package debug

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/vidcore/pkg/types"
)

type fakeSource struct {
	stats types.Stats
	regs  map[string]uint32
}

func (f *fakeSource) Stats() types.Stats           { return f.stats }
func (f *fakeSource) Registers() map[string]uint32 { return f.regs }

func TestCaptureRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	m := NewManager(path)

	src := &fakeSource{
		stats: types.Stats{Emitted: 7, Completed: 6, Queued: 1, HungCount: 2},
		regs:  map[string]uint32{"CT0CA": 0x1000, "CT1CA": 0x2000},
	}

	_, err := m.Capture(src)
	require.NoError(t, err)
	require.True(t, m.Exists())

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.SchemaVer)
	assert.Equal(t, src.stats, loaded.Stats)
	assert.Equal(t, uint32(0x1000), loaded.Registers["CT0CA"])
	assert.False(t, loaded.CapturedAt.IsZero())
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	m := NewManager(path)

	require.NoError(t, m.Write(State{Stats: types.Stats{Emitted: 1}}))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadCorruptedDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedDump)
}

func TestLoadVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 99}`), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
