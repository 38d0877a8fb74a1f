// Package errorsample records internal failures as append-only JSON lines so
// they can be inspected after the fact without a tracing backend.
package errorsample

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/common/logger"
)

const formatVersion = 1

// Sample is one recorded failure.
type Sample struct {
	Version   int            `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Writer appends error samples to a per-day JSONL file.
type Writer struct {
	dir    string
	mu     sync.Mutex
	logger *logger.Logger
}

// NewWriter creates the sample directory if needed. A nil-safe zero Writer is
// not provided; callers keep a single Writer for the process lifetime.
func NewWriter(dir string, log *logger.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Writer{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "errorsample")),
	}, nil
}

// Record appends a sample. Failures to write are logged, never propagated:
// sampling must not turn a recoverable error into a fatal one.
func (w *Writer) Record(component, message string, detail map[string]any) {
	if w == nil {
		return
	}
	sample := Sample{
		Version:   formatVersion,
		Timestamp: time.Now().UTC(),
		Component: component,
		Message:   message,
		Detail:    detail,
	}

	data, err := json.Marshal(sample)
	if err != nil {
		w.logger.Error("failed to marshal error sample", zap.Error(err))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	name := filepath.Join(w.dir, sample.Timestamp.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.logger.Error("failed to open error sample file", zap.Error(err), zap.String("path", name))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		w.logger.Error("failed to append error sample", zap.Error(err))
	}
}
