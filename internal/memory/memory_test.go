package memory

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFTSIndex(t *testing.T) {
	idx, err := OpenFTS(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	ctx := t.Context()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, r := range []Record{
		{Kind: "finding", SessionID: "s1", Text: "the retry loop swallows context cancellation", CreatedAt: at},
		{Kind: "reasoning", SessionID: "s1", Text: "schema migration needs a marker row", CreatedAt: at},
		{Kind: "finding", SessionID: "s2", Text: "   ", CreatedAt: at},
	} {
		require.NoError(t, idx.Store(ctx, r))
	}

	got, err := idx.Query(ctx, "cancellation", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "finding", got[0].Kind)
	assert.Equal(t, at, got[0].CreatedAt)

	got, err = idx.Query(ctx, `marker "loop`, 5)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = idx.Query(ctx, "  ", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSanitizeFTS(t *testing.T) {
	assert.Equal(t, `"a" OR "b""c"`, sanitizeFTS(`a b"c`))
	assert.Equal(t, "", sanitizeFTS(" "))
}
