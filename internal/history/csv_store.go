package history

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gocarina/gocsv"
)

// CSVStore is a LogStore backed by a CSV file. Each record is rendered in
// memory and written with a single write followed by fsync; a failed write
// is rolled back by truncating the file to its previous size.
type CSVStore struct {
	mu   sync.Mutex
	path string
	file *os.File
	size int64
}

// OpenCSVStore opens or creates the CSV log at path. In append mode the
// existing rows are kept; a trailing partial line left by a crash is cut off.
func OpenCSVStore(path string, appendMode bool) (*CSVStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	flags := os.O_RDWR | os.O_CREATE
	if !appendMode {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open evaluation log: %w", err)
	}

	size, err := repairTail(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &CSVStore{path: path, file: f, size: size}, nil
}

// repairTail truncates everything after the last newline and returns the
// resulting size.
func repairTail(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat evaluation log: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil {
		return 0, fmt.Errorf("failed to read evaluation log: %w", err)
	}
	if data[size-1] == '\n' {
		return size, nil
	}

	keep := int64(bytes.LastIndexByte(data, '\n') + 1)
	slog.Warn("Dropping partial row at end of evaluation log", "path", f.Name(), "bytes", size-keep)
	if err := f.Truncate(keep); err != nil {
		return 0, fmt.Errorf("failed to truncate evaluation log: %w", err)
	}
	return keep, nil
}

// Path returns the CSV file path.
func (s *CSVStore) Path() string { return s.path }

// Append writes rec as one CSV row, preceded by the header when the file is
// empty.
func (s *CSVStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("evaluation log %s is closed", s.path)
	}

	var buf bytes.Buffer
	records := []Record{rec}
	if s.size == 0 {
		if err := gocsv.Marshal(records, &buf); err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
	} else {
		if err := gocsv.MarshalWithoutHeaders(records, &buf); err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
	}

	if _, err := s.file.WriteAt(buf.Bytes(), s.size); err != nil {
		s.rollback()
		return fmt.Errorf("failed to write record %d: %w", rec.Iteration, err)
	}
	if err := s.file.Sync(); err != nil {
		s.rollback()
		return fmt.Errorf("failed to sync evaluation log: %w", err)
	}

	s.size += int64(buf.Len())
	return nil
}

func (s *CSVStore) rollback() {
	if err := s.file.Truncate(s.size); err != nil {
		slog.Error("Failed to roll back partial record", "path", s.path, "error", err)
	}
}

// Records reads every row of the log.
func (s *CSVStore) Records() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == 0 {
		return nil, nil
	}
	data := make([]byte, s.size)
	if _, err := s.file.ReadAt(data, 0); err != nil {
		return nil, fmt.Errorf("failed to read evaluation log: %w", err)
	}

	var records []Record
	if err := gocsv.UnmarshalBytes(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation log %s: %w", s.path, err)
	}
	return records, nil
}

// Close closes the underlying file.
func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
