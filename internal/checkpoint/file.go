package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/szibis/logship/internal/logging"
)

// FileSink persists the last acknowledged sequence in a file. Every update
// writes a temp file and renames it over the target, so a crash leaves
// either the old or the new value.
type FileSink struct {
	path string

	mu   sync.Mutex
	last uint64
	err  error
}

// NewFileSink creates a sink writing to path. The parent directory is created
// if missing.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, errors.New("checkpoint: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create directory: %w", err)
	}
	last, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &FileSink{path: path, last: last}, nil
}

// OnAcknowledged persists sequence. Write failures are logged and kept for
// Err; the next acknowledgement retries with the newer value.
func (s *FileSink) OnAcknowledged(sequence uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeAtomic(s.path, sequence); err != nil {
		s.err = err
		logging.Error("failed to persist checkpoint", logging.F(
			"path", s.path,
			"sequence", sequence,
			"error", err.Error(),
		))
		return
	}
	s.last = sequence
	s.err = nil
}

// Last returns the last persisted sequence.
func (s *FileSink) Last() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Err returns the error of the most recent write, nil when it succeeded.
func (s *FileSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Load reads the persisted sequence. A missing file yields 0.
func Load(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: parse %s: %w", path, err)
	}
	return seq, nil
}

func writeAtomic(path string, sequence uint64) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.WriteString(strconv.FormatUint(sequence, 10) + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
