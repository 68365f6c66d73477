package dalink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputWriterFormatsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	w, err := NewOutputWriter(path)
	require.NoError(t, err)

	w.WriteBroadcast(1)
	w.WriteDelivery(2, 3)
	w.WriteDecision([]uint32{3, 1, 2})
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "b 1\nd 2 3\n3 1 2\n", string(data))
}

func TestOutputWriterFlushIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	w, err := NewOutputWriter(path)
	require.NoError(t, err)
	w.WriteBroadcast(1)
	require.NoError(t, w.Flush())
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())
}
