package statelog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLog_AppendAssignsSequentialIndices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.log")
	l, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	i1, err := l.Append(KindCreateStream, nil, []byte("stream-1"))
	require.NoError(t, err)
	i2, err := l.Append(KindCreateTopic, []byte("actor:1"), []byte("topic-1"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), i1)
	assert.Equal(t, uint64(2), i2)
}

func TestLog_ReplayAppliesInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.log")
	l, err := Open(path, zap.NewNop())
	require.NoError(t, err)

	_, err = l.Append(KindCreateStream, nil, []byte("a"))
	require.NoError(t, err)
	_, err = l.Append(KindCreateTopic, nil, []byte("b"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer l2.Close()

	var seen []string
	err = l2.Replay(func(e *Entry) error {
		seen = append(seen, string(e.Payload))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestLog_ReopenContinuesIndexSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.log")
	l, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	_, err = l.Append(KindCreateStream, nil, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer l2.Close()

	idx, err := l2.Append(KindCreateStream, nil, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), idx)
}
