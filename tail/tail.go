// Package tail follows session files on disk and feeds their lines to a
// reconciler as they are written.
package tail

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"

	"github.com/touwaeriol/claude-code-plus-sub002/logging"
	"github.com/touwaeriol/claude-code-plus-sub002/reconcile"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

const (
	defaultMaxLineSize  = 10 * 1024 * 1024
	defaultPollInterval = time.Second
)

// Ingester receives lines. *reconcile.Reconciler satisfies it.
type Ingester interface {
	IngestLine(sessionID string, line []byte) ([]transcript.Message, error)
	IngestBatch(sessionID string, lines [][]byte) ([]transcript.Message, error)
}

// Config configures a Follower.
type Config struct {
	Logger *slog.Logger
	// MaxLineSize drops lines longer than this many bytes.
	MaxLineSize int
	// PollInterval rechecks the file even without a notification, for
	// filesystems that do not deliver them.
	PollInterval time.Duration
}

// Follower tails session files.
type Follower struct {
	ing    Ingester
	logger *slog.Logger
	cfg    Config
}

// New creates a Follower feeding ing.
func New(ing Ingester, cfg Config) *Follower {
	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = defaultMaxLineSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Follower{ing: ing, logger: logging.OrDefault(cfg.Logger), cfg: cfg}
}

// SessionIDFromPath derives a session id from a file name such as
// "<id>.jsonl".
func SessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// cursor tracks how much of one file has been consumed.
type cursor struct {
	info    os.FileInfo
	partial []byte
	offset  int64

	// skipping discards input up to the next newline after an oversized
	// partial line was dropped.
	skipping bool
}

// Follow loads path as history, then ingests each complete line appended to
// it until ctx is cancelled or the session is closed. A file that shrinks or
// is replaced is loaded again from the start. A missing file is waited for.
func (f *Follower) Follow(ctx context.Context, path, sessionID string) error {
	if sessionID == "" {
		sessionID = SessionIDFromPath(path)
	}
	path = filepath.Clean(path)
	log := f.logger.With("session", sessionID, "path", path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	// Watch the directory so replacement by rename is seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	cur := &cursor{}
	if err := f.baseline(path, sessionID, cur); err != nil {
		return stopErr(err)
	}
	log.Debug("following", "offset", cur.offset)

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := f.advance(path, sessionID, cur); err != nil {
				return stopErr(err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", "error", err)
		case <-ticker.C:
			if err := f.advance(path, sessionID, cur); err != nil {
				return stopErr(err)
			}
		}
	}
}

// stopErr turns a closed session into a normal stop.
func stopErr(err error) error {
	if errors.Is(err, reconcile.ErrSessionClosed) {
		return nil
	}
	return err
}

// baseline reads the whole file and submits it as one batch. A missing file
// submits nothing; the file is loaded once it appears.
func (f *Follower) baseline(path, sessionID string, cur *cursor) error {
	*cur = cursor{}
	lines, err := f.read(path, cur)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = f.ing.IngestBatch(sessionID, lines)
	return err
}

// advance ingests lines appended since the last read.
func (f *Follower) advance(path, sessionID string, cur *cursor) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if cur.info != nil && (!os.SameFile(cur.info, info) || info.Size() < cur.offset) {
		f.logger.Info("file truncated or replaced, reloading", "path", path)
		return f.baseline(path, sessionID, cur)
	}
	if cur.info == nil && cur.offset == 0 {
		return f.baseline(path, sessionID, cur)
	}
	if info.Size() == cur.offset {
		return nil
	}

	lines, err := f.read(path, cur)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := f.ing.IngestLine(sessionID, line); err != nil {
			return err
		}
	}
	return nil
}

// read consumes bytes from cur.offset to EOF and returns the complete lines.
// A trailing line without a newline is held in cur.partial.
func (f *Follower) read(path string, cur *cursor) ([][]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	cur.info = info
	if _, err := file.Seek(cur.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek %s: %w", path, err)
	}

	var lines [][]byte
	r := bufio.NewReader(file)
	for {
		chunk, err := r.ReadBytes('\n')
		cur.offset += int64(len(chunk))
		if len(chunk) > 0 {
			switch {
			case cur.skipping:
				cur.skipping = chunk[len(chunk)-1] != '\n'
			case chunk[len(chunk)-1] != '\n':
				cur.partial = append(cur.partial, chunk...)
			default:
				line := append(cur.partial, chunk[:len(chunk)-1]...)
				cur.partial = nil
				if len(line) > f.cfg.MaxLineSize {
					f.logger.Warn("dropping oversized line", "path", path, "size", len(line))
				} else if len(bytes.TrimSpace(line)) > 0 {
					lines = append(lines, line)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return lines, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	if len(cur.partial) > f.cfg.MaxLineSize {
		f.logger.Warn("dropping oversized partial line", "path", path, "size", len(cur.partial))
		cur.partial = nil
		cur.skipping = true
	}
	return lines, nil
}

// FollowAll follows every path concurrently, each as the session named by
// its file. It returns when all followers stop, with their errors combined.
func (f *Follower) FollowAll(ctx context.Context, paths []string) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, p := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			if err := f.Follow(ctx, path, ""); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return result.ErrorOrNil()
}
