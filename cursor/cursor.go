// cursor.go implements the persistent block cursor store. Each watcher
// keeps a per-label cursor marking the last block it scanned inclusively;
// the store persists them as small decimal text files so scans resume
// where they left off after a restart.
//
// Layout:
//
//	<dir>/
//	  .last-block-<label>    - decimal block number, one per label
package cursor

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Cursor labels owned by the agent's loops.
const (
	LabelHubWatcher       = "hub-watcher"
	LabelHubFallback      = "hub-fallback"
	LabelHubSweeper       = "hub-sweeper"
	LabelHubConfig        = "hub-config"
	LabelKeepAliveWatcher = "keepalive-watcher"
)

const filePrefix = ".last-block-"

// Store errors.
var (
	ErrBadLabel  = errors.New("cursor: invalid label")
	ErrCorrupt   = errors.New("cursor: corrupt cursor file")
	ErrNilCursor = errors.New("cursor: nil block number")
)

// Store persists block cursors under a single directory. A lost write
// costs at most one short re-scan, which downstream deduplication by
// request or subscription id makes idempotent.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore opens a cursor store rooted at dir, creating the directory
// if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cursor: mkdir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the file path backing the given label.
func (s *Store) Path(label string) string {
	return filepath.Join(s.dir, filePrefix+label)
}

// Load reads the cursor for label. A missing file means the label has
// never been saved and loads as zero. Unparseable content is surfaced
// as ErrCorrupt so the caller can decide between rescanning and
// aborting.
func (s *Store) Load(label string) (*big.Int, error) {
	if err := checkLabel(label); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path(label))
	if err != nil {
		if os.IsNotExist(err) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("cursor: read %s: %w", label, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return new(big.Int), nil
	}
	block, ok := new(big.Int).SetString(text, 10)
	if !ok || block.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s: %q", ErrCorrupt, label, text)
	}
	return block, nil
}

// Save writes the cursor for label. The value lands in a temporary file
// first and is renamed into place, so readers never observe a partial
// write and a crash loses at most this one save.
func (s *Store) Save(label string, block *big.Int) error {
	if err := checkLabel(label); err != nil {
		return err
	}
	if block == nil {
		return ErrNilCursor
	}
	if block.Sign() < 0 {
		return fmt.Errorf("cursor: negative block %s for %s", block, label)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(label)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(block.String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("cursor: write tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) // Best-effort cleanup.
		return fmt.Errorf("cursor: rename: %w", err)
	}
	return nil
}

// checkLabel rejects labels that would escape the store directory or
// produce an unusable filename.
func checkLabel(label string) error {
	if label == "" || strings.ContainsAny(label, "/\\") || label != filepath.Base(label) {
		return fmt.Errorf("%w: %q", ErrBadLabel, label)
	}
	return nil
}
