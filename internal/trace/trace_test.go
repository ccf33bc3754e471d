package trace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/vidcore/pkg/types"
)

func TestAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")

	w, err := NewWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.Append(EventSubmit, 1, ""))
	require.NoError(t, w.Append(EventComplete, 1, ""))
	require.NoError(t, w.Append(EventReject, 0, "buffer bounds"))
	require.NoError(t, w.Close())

	events, err := Read(path)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, EventSubmit, events[0].Type)
	assert.Equal(t, EventComplete, events[1].Type)
	assert.Equal(t, "buffer bounds", events[2].Detail)
}

func TestAppendResumesAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")

	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(EventSubmit, 1, ""))
	require.NoError(t, w.Close())

	w2, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w2.Append(EventComplete, 1, ""))
	require.NoError(t, w2.Close())

	events, err := Read(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventComplete, events[1].Type)
}

func TestRotateTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")

	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(EventSubmit, 1, ""))
	require.NoError(t, w.Append(EventHung, 1, "watchdog"))

	require.NoError(t, w.Rotate())
	require.NoError(t, w.Append(EventSubmit, 2, ""))
	require.NoError(t, w.Close())

	events, err := Read(path)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, types.Seqno(2), events[0].Seqno)
}

func TestAppendRotatesOnSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")

	w, err := NewWriterSize(path, 256)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, w.Append(EventSubmit, types.Seqno(i+1), ""))
	}
	require.NoError(t, w.Close())

	// 旋轉把舊事件清掉，檔案大小維持在門檻附近
	events, err := Read(path)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Less(t, len(events), 50, "rotation must have discarded older events")
	assert.Equal(t, uint64(1), events[0].Seq, "event sequence restarts after rotation")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(512))
}

func TestClosedWriterRejectsAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")

	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.Append(EventSubmit, 1, ""), ErrClosed)
	assert.ErrorIs(t, w.Rotate(), ErrClosed)
}
