package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/driftmend/driftmend/internal/safefile"
)

const maxRuleFileBytes = 4 * 1024 * 1024

// Store holds the current rule set. Readers take an immutable snapshot;
// writers replace a whole source feed at once (reload-on-sync, never an
// incremental patch) so a reader can never observe a half-updated set.
type Store struct {
	mu       sync.RWMutex
	builtin  []Rule
	synced   []Rule
	promoted []Rule
	snapshot []Rule
	logger   *slog.Logger
}

// NewStore creates a store seeded with built-in rules.
func NewStore(builtin []Rule, logger *slog.Logger) *Store {
	s := &Store{builtin: builtin, logger: logger}
	s.rebuild()
	return s
}

// Snapshot returns the current rule set in evaluation order: ascending
// priority, ties broken by declaration order within the source feed.
// The returned slice must not be mutated.
func (s *Store) Snapshot() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// ReplaceSynced swaps in a new synced rule set.
func (s *Store) ReplaceSynced(rs []Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = rs
	s.rebuild()
	s.logger.Info("synced rules replaced", "count", len(rs))
}

// ReplacePromoted swaps in a new promoted rule set.
func (s *Store) ReplacePromoted(rs []Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promoted = rs
	s.rebuild()
	s.logger.Info("promoted rules replaced", "count", len(rs))
}

// Counts returns the number of rules per source.
func (s *Store) Counts() (builtin, synced, promoted int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.builtin), len(s.synced), len(s.promoted)
}

// rebuild recomputes the evaluation-order snapshot. Callers hold s.mu.
func (s *Store) rebuild() {
	all := make([]Rule, 0, len(s.builtin)+len(s.synced)+len(s.promoted))
	all = append(all, s.synced...)
	all = append(all, s.promoted...)
	all = append(all, s.builtin...)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Priority != all[j].Priority {
			return all[i].Priority < all[j].Priority
		}
		return all[i].seq < all[j].seq
	})
	s.snapshot = all
}

// LoadFile parses a rule file (JSON) for the given source.
func LoadFile(path string, src Source) ([]Rule, error) {
	data, err := safefile.ReadFileMax(path, maxRuleFileBytes)
	if err != nil {
		return nil, fmt.Errorf("reading %s rules: %w", src, err)
	}
	return ParseJSON(data, src)
}

// SaveFile writes rules durably to a JSON file.
func SaveFile(path string, rs []Rule) error {
	data, err := MarshalJSON(rs)
	if err != nil {
		return fmt.Errorf("marshaling rules: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating rules directory: %w", err)
	}
	return safefile.WriteFileSync(path, data, 0o644)
}

// WatchFile reloads the given source feed whenever the file changes.
// A malformed file is rejected and logged; the previous rule set stays
// in effect. Blocks until ctx is done.
func (s *Store) WatchFile(ctx context.Context, path string, src Source) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory, not the file: atomic rename-into-place (how
	// the sync path writes) replaces the inode the file watch is bound to.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			rs, err := LoadFile(path, src)
			if err != nil {
				s.logger.Error("rejecting rule file change", "path", path, "error", err)
				continue
			}
			switch src {
			case SourceSynced:
				s.ReplaceSynced(rs)
			case SourcePromoted:
				s.ReplacePromoted(rs)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("rule watcher error", "error", err)
		}
	}
}
