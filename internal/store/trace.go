package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cwbudde/crowdcalib/internal/opt"
)

// TraceEntry is one generation of the progress trace, serialized as a JSON
// line in trace.jsonl.
type TraceEntry struct {
	Generation    int     `json:"generation"`
	Evaluations   int     `json:"evaluations"`
	Size          int     `json:"size"`
	BestObjective float64 `json:"bestObjective"`
	GenerationMin float64 `json:"generationMin"`
	Mean          float64 `json:"mean"`
	// Spread is the standard deviation of the generation's objectives.
	Spread    float64   `json:"spread"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTraceEntry converts generation statistics into a trace entry.
func NewTraceEntry(s opt.GenerationStats) TraceEntry {
	return TraceEntry{
		Generation:    s.Generation,
		Evaluations:   s.Evaluations,
		Size:          s.Size,
		BestObjective: s.BestObjective,
		GenerationMin: s.GenerationMin,
		Mean:          s.MeanObjective,
		Spread:        s.StdObjective,
		Timestamp:     s.Timestamp,
	}
}

// TracePath returns the trace location of a campaign.
func TracePath(baseDir, campaignID string) string {
	return filepath.Join(baseDir, "campaigns", campaignID, "trace.jsonl")
}

// TraceWriter writes trace entries to a JSONL file. It is safe for
// concurrent use.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// NewTraceWriter opens the trace of a campaign. If append is true, new
// entries are appended to an existing file.
func NewTraceWriter(baseDir, campaignID string, append bool) (*TraceWriter, error) {
	path := TracePath(baseDir, campaignID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create campaign directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	return &TraceWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 16*1024),
		path:   path,
	}, nil
}

// Write appends an entry and flushes it; generations are minutes apart so
// there is nothing to gain from holding entries back.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}
	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	if err := tw.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	return nil
}

// Close flushes buffered data and closes the trace file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		tw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the trace file.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// TraceReader reads trace entries from a JSONL file.
type TraceReader struct {
	file    *os.File
	scanner *bufio.Scanner
}

// NewTraceReader opens the trace of a campaign.
func NewTraceReader(baseDir, campaignID string) (*TraceReader, error) {
	file, err := os.Open(TracePath(baseDir, campaignID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{CampaignID: campaignID}
		}
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return &TraceReader{file: file, scanner: bufio.NewScanner(file)}, nil
}

// Read returns the next entry, or io.EOF when no more entries are available.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	if !tr.scanner.Scan() {
		if err := tr.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan trace line: %w", err)
		}
		return nil, io.EOF
	}

	var entry TraceEntry
	if err := json.Unmarshal(tr.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace entry: %w", err)
	}
	return &entry, nil
}

// ReadAll reads all remaining entries.
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for {
		entry, err := tr.Read()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
}

// Close closes the trace reader.
func (tr *TraceReader) Close() error {
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// ReadTrace loads the whole trace of a campaign.
func ReadTrace(baseDir, campaignID string) ([]TraceEntry, error) {
	tr, err := NewTraceReader(baseDir, campaignID)
	if err != nil {
		return nil, err
	}
	defer tr.Close()
	return tr.ReadAll()
}
