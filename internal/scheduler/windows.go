// windows.go holds the region window predicate and the per-region lock
// file. Windows are UTC minute-of-day ranges and may wrap midnight; the
// lock is a non-blocking flock so a second invocation fails fast instead
// of queueing behind a running cycle.
package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"convert-rotator/internal/config"
)

// inWindow reports whether now (taken as UTC) falls inside w. Empty
// boundaries mean the window is always open. from == to is treated as
// always open; from > to wraps past midnight.
func inWindow(w config.WindowConfig, now time.Time) (bool, error) {
	if w.From == "" || w.To == "" {
		return true, nil
	}
	from, err := config.ParseClock(w.From)
	if err != nil {
		return false, fmt.Errorf("window from %q: %w", w.From, err)
	}
	to, err := config.ParseClock(w.To)
	if err != nil {
		return false, fmt.Errorf("window to %q: %w", w.To, err)
	}

	cur := now.UTC().Hour()*60 + now.UTC().Minute()
	switch {
	case from == to:
		return true, nil
	case from < to:
		return cur >= from && cur < to, nil
	default:
		return cur >= from || cur < to, nil
	}
}

// acquireLock takes the region's non-blocking exclusive lock file and
// returns its release func. An already-held lock is an error.
func acquireLock(dir, name string) (func(), error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(dir, name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}
