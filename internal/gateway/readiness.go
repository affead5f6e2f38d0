package gateway

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/cwbudde/crowdcalib/internal/sim"
)

// resultWatcher decides when a result file is ready. A file is accepted only
// when it exists, its size is unchanged since the previous check and its
// content decodes as JSON. A decode failure is not final; the next check
// retries. Required fields are checked by the gateway after acceptance.
type resultWatcher struct {
	path     string
	lastSize int64
}

func newResultWatcher(path string) *resultWatcher {
	return &resultWatcher{path: path, lastSize: -1}
}

// check performs one poll. It returns the parsed result once ready.
func (w *resultWatcher) check() (*sim.Result, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Debug("Result stat failed", "path", w.path, "error", err)
		}
		w.lastSize = -1
		return nil, false
	}

	size := info.Size()
	if size != w.lastSize {
		slog.Debug("Result file changing", "path", w.path, "size", size, "previous", w.lastSize)
		w.lastSize = size
		return nil, false
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Debug("Result read failed", "path", w.path, "error", err)
		return nil, false
	}
	if int64(len(data)) != size {
		// Grew between stat and read.
		w.lastSize = int64(len(data))
		return nil, false
	}
	result, err := sim.DecodeResult(data)
	if err != nil {
		slog.Warn("Result file not parseable yet", "path", w.path, "size", size, "error", err)
		return nil, false
	}
	return result, true
}

// final is the last look after the writer is known to have exited: the
// file cannot change any more, so stability is implied.
func (w *resultWatcher) final() (*sim.Result, bool) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, false
	}
	result, err := sim.DecodeResult(data)
	if err != nil {
		return nil, false
	}
	return result, true
}
