package tail

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touwaeriol/claude-code-plus-sub002/logging"
	"github.com/touwaeriol/claude-code-plus-sub002/reconcile"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

type recorder struct {
	closeAfter int
	batches    [][]string
	lines      []string
	mu         sync.Mutex
}

func (r *recorder) IngestLine(_ string, line []byte) ([]transcript.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, string(line))
	if r.closeAfter > 0 && len(r.lines) >= r.closeAfter {
		return nil, reconcile.ErrSessionClosed
	}
	return nil, nil
}

func (r *recorder) IngestBatch(_ string, lines [][]byte) ([]transcript.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := make([]string, len(lines))
	for i, l := range lines {
		batch[i] = string(l)
	}
	r.batches = append(r.batches, batch)
	return nil, nil
}

func (r *recorder) snapshot() ([][]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.batches...), append([]string(nil), r.lines...)
}

// seen reports whether line reached the ingester after the first batch.
func (r *recorder) seen(line string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, b := range r.batches {
		if i == 0 {
			continue
		}
		for _, l := range b {
			if l == line {
				return true
			}
		}
	}
	for _, l := range r.lines {
		if l == line {
			return true
		}
	}
	return false
}

func appendTo(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func startFollow(t *testing.T, rec *recorder, path string) (context.CancelFunc, <-chan error) {
	t.Helper()
	f := New(rec, Config{Logger: logging.Discard(), PollInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Follow(ctx, path, "") }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestSessionIDFromPath(t *testing.T) {
	assert.Equal(t, "abc-123", SessionIDFromPath("/tmp/x/abc-123.jsonl"))
	assert.Equal(t, "plain", SessionIDFromPath("plain"))
}

func TestFollowBaselineThenIncremental(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthr"), 0o644))

	rec := &recorder{}
	cancel, done := startFollow(t, rec, path)

	require.Eventually(t, func() bool {
		batches, _ := rec.snapshot()
		return len(batches) == 1
	}, 2*time.Second, 10*time.Millisecond)
	batches, _ := rec.snapshot()
	assert.Equal(t, []string{"one", "two"}, batches[0])

	appendTo(t, path, "ee\n\nfour\nfi")
	require.Eventually(t, func() bool {
		_, lines := rec.snapshot()
		return len(lines) == 2
	}, 2*time.Second, 10*time.Millisecond)
	_, lines := rec.snapshot()
	assert.Equal(t, []string{"three", "four"}, lines)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not stop")
	}
}

func TestFollowReloadsAfterTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\n"), 0o644))

	rec := &recorder{}
	startFollow(t, rec, path)
	require.Eventually(t, func() bool {
		batches, _ := rec.snapshot()
		return len(batches) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o644))
	require.Eventually(t, func() bool { return rec.seen("x") }, 2*time.Second, 10*time.Millisecond)
	batches, _ := rec.snapshot()
	assert.GreaterOrEqual(t, len(batches), 2)
}

// ingested reports whether line reached the ingester in any batch or line.
func (r *recorder) ingested(line string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.batches {
		for _, l := range b {
			if l == line {
				return true
			}
		}
	}
	for _, l := range r.lines {
		if l == line {
			return true
		}
	}
	return false
}

func TestFollowWaitsForMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.jsonl")
	rec := &recorder{}
	startFollow(t, rec, path)

	assert.Never(t, func() bool {
		batches, lines := rec.snapshot()
		return len(batches) > 0 || len(lines) > 0
	}, 150*time.Millisecond, 10*time.Millisecond, "nothing is submitted while the file is missing")

	appendTo(t, path, "hello\n")
	require.Eventually(t, func() bool { return rec.ingested("hello") }, 2*time.Second, 10*time.Millisecond)
}

func TestBaselineOfMissingFileSubmitsNothing(t *testing.T) {
	rec := &recorder{}
	f := New(rec, Config{Logger: logging.Discard()})
	cur := &cursor{}
	path := filepath.Join(t.TempDir(), "missing.jsonl")

	require.NoError(t, f.baseline(path, "s1", cur))
	require.NoError(t, f.advance(path, "s1", cur))
	batches, lines := rec.snapshot()
	assert.Empty(t, batches)
	assert.Empty(t, lines)
	assert.Nil(t, cur.info)
}

func TestOversizedPartialLineIsSkippedToNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("short\n0123456789abc"), 0o644))

	f := New(&recorder{}, Config{Logger: logging.Discard(), MaxLineSize: 8})
	cur := &cursor{}
	lines, err := f.read(path, cur)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("short")}, lines)
	assert.True(t, cur.skipping)
	assert.Empty(t, cur.partial)

	appendTo(t, path, "de")
	lines, err = f.read(path, cur)
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.True(t, cur.skipping)

	appendTo(t, path, "f\nok\n")
	lines, err = f.read(path, cur)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("ok")}, lines, "the tail of the dropped line is not a line")
	assert.False(t, cur.skipping)
}

func TestFollowStopsWhenSessionClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	rec := &recorder{closeAfter: 1}
	_, done := startFollow(t, rec, path)
	require.Eventually(t, func() bool {
		batches, _ := rec.snapshot()
		return len(batches) == 1
	}, 2*time.Second, 10*time.Millisecond)

	appendTo(t, path, "line\n")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not stop after the session closed")
	}
}

func TestFollowAllCombinesErrors(t *testing.T) {
	dir := t.TempDir()
	f := New(&recorder{}, Config{Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.FollowAll(ctx, []string{
		filepath.Join(dir, "missing-dir-a", "a.jsonl"),
		filepath.Join(dir, "missing-dir-b", "b.jsonl"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
}
