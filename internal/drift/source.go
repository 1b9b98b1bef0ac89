package drift

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/driftmend/driftmend/internal/safefile"
)

const maxEventBytes = 256 * 1024

// Source produces pending drift events. Implementations must hand each
// event out exactly once: a returned event is considered claimed.
type Source interface {
	Pending() ([]Event, error)
}

// DirSource reads events from a spool directory where check probes drop
// one JSON file per detection. Claiming moves the file into a claimed/
// subdirectory via rename, so a crash between read and processing leaves
// the file claimed rather than re-delivered.
type DirSource struct {
	dir     string
	claimed string
	logger  *slog.Logger
}

// NewDirSource creates a spool-directory event source.
func NewDirSource(dir string, logger *slog.Logger) (*DirSource, error) {
	claimed := filepath.Join(dir, "claimed")
	if err := os.MkdirAll(claimed, 0o700); err != nil {
		return nil, fmt.Errorf("creating claim directory: %w", err)
	}
	return &DirSource{dir: dir, claimed: claimed, logger: logger}, nil
}

// Pending claims and returns all spooled events, ordered by filename so
// probes that name files by timestamp preserve detection order per check.
// Malformed files are moved aside and logged, never returned.
func (s *DirSource) Pending() ([]Event, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if entry.Type()&os.ModeSymlink != 0 {
			continue // skip symlinks
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var events []Event
	for _, name := range names {
		src := filepath.Join(s.dir, name)
		dst := filepath.Join(s.claimed, name)
		if err := os.Rename(src, dst); err != nil {
			// Another claimer won, or the probe is still writing.
			s.logger.Warn("could not claim spooled event", "file", name, "error", err)
			continue
		}
		data, err := safefile.ReadFileMax(dst, maxEventBytes)
		if err != nil {
			s.logger.Error("reading claimed event", "file", name, "error", err)
			continue
		}
		ev, err := ParseEvent(data)
		if err != nil {
			s.logger.Error("rejecting malformed event", "file", name, "error", err)
			continue
		}
		events = append(events, ev)
		_ = os.Remove(dst)
	}
	return events, nil
}
