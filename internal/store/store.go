// Package store provides crash-safe persistence for rotation state.
//
// The position state (holdings plus observed peaks) lives in a single
// state.json. Writes use atomic file replacement (write to .tmp, then
// rename) to prevent corruption from partial writes or crashes mid-save,
// and an flock'd sidecar file serializes writers across processes. Peaks
// are monotonic: a save can only raise them, never lower them, until a
// guard-triggered reset.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/shopspring/decimal"

	"convert-rotator/pkg/types"
)

const (
	stateFile = "state.json"
	lockFile  = "state.lock"
)

// Store persists the position state under a data directory.
// All operations are mutex-protected within the process; the lock file
// covers concurrent processes.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveState atomically persists the state. Peaks merge monotonically with
// the stored copy so a stale writer can never lower an observed peak.
func (s *Store) SaveState(st *types.PositionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	prev, err := s.loadLocked()
	if err != nil {
		return err
	}
	merged := mergePeaks(prev, st)

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	path := filepath.Join(s.dir, stateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, path)
}

// ResetState overwrites the stored state without the monotonic peak merge.
// Used after a guard liquidation, when peaks must restart from the new
// baseline.
func (s *Store) ResetState(st *types.PositionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	path := filepath.Join(s.dir, stateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadState restores the state from disk. A missing file yields a fresh
// empty state, not an error.
func (s *Store) LoadState() (*types.PositionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*types.PositionState, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return types.NewPositionState(), nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	st := types.NewPositionState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if st.Assets == nil {
		st.Assets = make(map[string]decimal.Decimal)
	}
	if st.Peaks == nil {
		st.Peaks = make(map[string]decimal.Decimal)
	}
	return st, nil
}

// lock takes the exclusive cross-process file lock and returns its
// release func.
func (s *Store) lock() (func(), error) {
	f, err := os.OpenFile(filepath.Join(s.dir, lockFile), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock state: %w", err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

// mergePeaks applies the monotonic peak rule: the result carries next's
// holdings and timestamp, but every peak is the max of both copies.
func mergePeaks(prev, next *types.PositionState) *types.PositionState {
	merged := &types.PositionState{
		Assets:        next.Assets,
		Peaks:         make(map[string]decimal.Decimal, len(next.Peaks)),
		PortfolioPeak: next.PortfolioPeak,
		TS:            next.TS,
	}
	for asset, peak := range next.Peaks {
		merged.Peaks[asset] = peak
	}
	for asset, peak := range prev.Peaks {
		if cur, ok := merged.Peaks[asset]; !ok || peak.GreaterThan(cur) {
			merged.Peaks[asset] = peak
		}
	}
	if prev.PortfolioPeak.GreaterThan(merged.PortfolioPeak) {
		merged.PortfolioPeak = prev.PortfolioPeak
	}
	return merged
}
