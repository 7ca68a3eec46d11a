// Package joblock serializes long-running lifecycle work on a single site.
// A lock is advisory, keyed by site name, and records when it was acquired.
package joblock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultStaleAfter is how long a lock may be held before another holder may
// break it. It exceeds the longest bench command timeout.
const DefaultStaleAfter = 2 * time.Hour

// ErrHeld is returned by Acquire when another holder owns the lock.
var ErrHeld = errors.New("job lock is held")

// Release frees a lock. It is safe to call more than once.
type Release func()

// Locker acquires per-site locks without blocking.
type Locker interface {
	// TryAcquire takes the lock for site. acquired is false when the lock is
	// held by someone else; err reports backend failures only.
	TryAcquire(ctx context.Context, site string) (release Release, acquired bool, err error)
	// AcquiredAt reports when the current holder took the lock.
	AcquiredAt(ctx context.Context, site string) (at time.Time, held bool, err error)
}

// Acquire is TryAcquire that turns a held lock into ErrHeld.
func Acquire(ctx context.Context, l Locker, site string) (Release, error) {
	release, ok, err := l.TryAcquire(ctx, site)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", site, ErrHeld)
	}
	return release, nil
}

// FileLocker keeps one lock file per site in a directory. The file is
// created with O_EXCL and holds the acquisition time in RFC 3339 format.
type FileLocker struct {
	dir        string
	staleAfter time.Duration
	now        func() time.Time
	mu         sync.Mutex
}

// NewFileLocker returns a FileLocker rooted at dir. staleAfter <= 0 uses
// DefaultStaleAfter.
func NewFileLocker(dir string, staleAfter time.Duration) *FileLocker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &FileLocker{dir: dir, staleAfter: staleAfter, now: time.Now}
}

func (f *FileLocker) path(site string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(site)
	return filepath.Join(f.dir, name+".lock")
}

// TryAcquire implements Locker.
func (f *FileLocker) TryAcquire(_ context.Context, site string) (Release, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir, 0o750); err != nil {
		return nil, false, fmt.Errorf("create lock dir: %w", err)
	}
	p := f.path(site)
	for attempt := 0; attempt < 2; attempt++ {
		fh, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err == nil {
			_, werr := fh.WriteString(f.now().UTC().Format(time.RFC3339Nano))
			cerr := fh.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(p)
				return nil, false, fmt.Errorf("write lock file %s: %w", p, errors.Join(werr, cerr))
			}
			return f.releaser(p), true, nil
		}
		if !os.IsExist(err) {
			return nil, false, fmt.Errorf("create lock file %s: %w", p, err)
		}

		at, ok, rerr := readLockFile(p)
		if rerr != nil {
			return nil, false, rerr
		}
		if ok && f.now().Sub(at) < f.staleAfter {
			return nil, false, nil
		}
		log.Warn().Str("component", "joblock").Str("site", site).Time("acquired_at", at).
			Msg("Breaking stale job lock")
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return nil, false, fmt.Errorf("remove stale lock %s: %w", p, err)
		}
	}
	return nil, false, nil
}

func (f *FileLocker) releaser(p string) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("component", "joblock").Str("path", p).Msg("Failed to release job lock")
			}
		})
	}
}

// AcquiredAt implements Locker.
func (f *FileLocker) AcquiredAt(_ context.Context, site string) (time.Time, bool, error) {
	at, ok, err := readLockFile(f.path(site))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return at, true, nil
}

// readLockFile returns ok=false when the file does not exist. An unreadable
// timestamp is reported as the zero time so the lock counts as stale.
func readLockFile(p string) (time.Time, bool, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("read lock file %s: %w", p, err)
	}
	at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, true, nil
	}
	return at, true, nil
}

func formatHolder(token string, at time.Time) string {
	return token + " " + strconv.FormatInt(at.UnixNano(), 10)
}

func parseHolder(v string) (string, time.Time, error) {
	token, nanos, ok := strings.Cut(v, " ")
	if !ok {
		return "", time.Time{}, fmt.Errorf("malformed lock value %q", v)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed lock timestamp %q: %w", nanos, err)
	}
	return token, time.Unix(0, n).UTC(), nil
}
