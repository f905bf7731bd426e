// Package runlock serializes writers of one data directory with a lock file.
package runlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// FileName is the lock file created next to the database.
const FileName = "pricetrail.lock"

// DefaultTTL is how long an unrefreshed lock is honored.
const DefaultTTL = 10 * time.Minute

// ErrLocked is returned when another live writer holds the lock.
var ErrLocked = errors.New("another writer holds the lock")

type owner struct {
	PID  int   `json:"pid"`
	Time int64 `json:"time"`
}

// Lock is a held lock file.
type Lock struct {
	path string
}

// Acquire creates path exclusively. A lock whose mtime is older than ttl is
// treated as abandoned and replaced.
func Acquire(path string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving lock path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			werr := json.NewEncoder(f).Encode(owner{PID: os.Getpid(), Time: time.Now().Unix()})
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(abs)
				return nil, fmt.Errorf("writing lock file: %w", errors.Join(werr, cerr))
			}
			return &Lock{path: abs}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		fi, err := os.Stat(abs)
		if err != nil {
			// Released between our create and stat.
			continue
		}
		if age := time.Since(fi.ModTime()); age < ttl {
			return nil, fmt.Errorf("%w: %s (held by %s, refreshed %s ago)", ErrLocked, abs, holder(abs), age.Round(time.Second))
		}
		slog.Warn("replacing stale lock", "path", abs, "holder", holder(abs))
		ok, err := discardStale(abs, fi)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s (taken over by %s)", ErrLocked, abs, holder(abs))
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, abs)
}

// discardStale removes the lock file at path only if it is still the file
// described by seen. The file is renamed aside first so that a lock created
// by another writer after the stat is never deleted. It reports false when
// path now belongs to someone else.
func discardStale(path string, seen os.FileInfo) (bool, error) {
	aside := fmt.Sprintf("%s.stale-%d-%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("moving stale lock: %w", err)
	}
	moved, err := os.Stat(aside)
	if err != nil {
		return false, fmt.Errorf("checking stale lock: %w", err)
	}
	if os.SameFile(seen, moved) && moved.ModTime().Equal(seen.ModTime()) {
		if err := os.Remove(aside); err != nil {
			return false, fmt.Errorf("removing stale lock: %w", err)
		}
		return true, nil
	}

	// Someone else's live lock: put it back unless yet another writer got there.
	if err := os.Link(aside, path); err != nil {
		slog.Warn("could not restore lock", "path", path, "error", err)
	}
	os.Remove(aside)
	return false, nil
}

func holder(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	var o owner
	if json.Unmarshal(b, &o) != nil {
		return "unknown"
	}
	return fmt.Sprintf("pid %d", o.PID)
}

// Path returns the absolute lock file path.
func (l *Lock) Path() string { return l.path }

// Heartbeat refreshes the lock mtime every interval until ctx is done.
func (l *Lock) Heartbeat(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := time.Now()
			if err := os.Chtimes(l.path, now, now); err != nil {
				slog.Warn("lock heartbeat failed", "path", l.path, "error", err)
			}
		}
	}
}

// Release removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}
