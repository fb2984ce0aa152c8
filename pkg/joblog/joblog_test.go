package joblog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry(t *testing.T, capBytes int64) *Entry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "output.log")
	e, err := Create(path, capBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEntry_WriteAndCounters(t *testing.T) {
	e := newEntry(t, 0)

	n, err := e.Write([]byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, int64(6), e.TotalBytes())
	assert.Equal(t, int64(6), e.WrittenBytes())
	assert.False(t, e.Truncated())
}

func TestEntry_CapDropsButKeepsCounting(t *testing.T) {
	e := newEntry(t, 10)

	_, err := e.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	_, err = e.Write([]byte("more"))
	require.NoError(t, err)

	assert.Equal(t, int64(10), e.WrittenBytes())
	assert.Equal(t, int64(20), e.TotalBytes())
	assert.True(t, e.Truncated())

	require.NoError(t, e.Close())
	b, err := os.ReadFile(e.Path())
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(b))
}

func TestEntry_SizeAdvancesPastCap(t *testing.T) {
	e := newEntry(t, 10)

	_, err := e.Write([]byte("0123456789"))
	require.NoError(t, err)
	atCap := e.Size()

	_, err = e.Write([]byte("dropped but still progress"))
	require.NoError(t, err)

	// The growth signal must keep moving after the cap, or a chatty job
	// would look silent to the freeze detector.
	assert.Greater(t, e.Size(), atCap)
	assert.Equal(t, e.TotalBytes(), e.Size())
}

func TestEntry_WriteAfterClose(t *testing.T) {
	e := newEntry(t, 0)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close()) // idempotent

	_, err := e.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrEntryClosed)
}

func TestEntry_ConcurrentWriters(t *testing.T) {
	e := newEntry(t, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = e.Write([]byte("line\n"))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(8*100*5), e.TotalBytes())
	assert.Equal(t, e.TotalBytes(), e.WrittenBytes())
}

func TestTail(t *testing.T) {
	e := newEntry(t, 0)
	for i := 1; i <= 20; i++ {
		_, err := fmt.Fprintf(e, "line %d\n", i)
		require.NoError(t, err)
	}

	// Reads are safe while the writer is still open.
	lines, err := Tail(e.Path(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"line 18", "line 19", "line 20"}, lines)

	none, err := Tail(e.Path(), 0)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestTailBytes(t *testing.T) {
	e := newEntry(t, 0)
	_, err := e.Write([]byte("abcdefghij"))
	require.NoError(t, err)

	got, err := TailBytes(e.Path(), 4)
	require.NoError(t, err)
	assert.Equal(t, "ghij", got)

	all, err := TailBytes(e.Path(), 1000)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", all)
}

func TestFull_SmallContentIsComplete(t *testing.T) {
	e := newEntry(t, 0)
	for i := 1; i <= 10; i++ {
		_, err := fmt.Fprintf(e, "line %d\n", i)
		require.NoError(t, err)
	}

	content, composite, err := Full(e.Path(), 200)
	require.NoError(t, err)
	assert.False(t, composite)
	assert.Equal(t, 10, len(strings.Split(content, "\n")))
}

func TestFull_CompositeAboveThreshold(t *testing.T) {
	e := newEntry(t, 0)
	for i := 1; i <= 500; i++ {
		_, err := fmt.Fprintf(e, "line %d\n", i)
		require.NoError(t, err)
	}

	content, composite, err := Full(e.Path(), 20)
	require.NoError(t, err)
	assert.True(t, composite)
	assert.Contains(t, content, "line 1\n")
	assert.Contains(t, content, "line 500")
	assert.Contains(t, content, "lines omitted")
	assert.NotContains(t, content, "line 250\n")
}
