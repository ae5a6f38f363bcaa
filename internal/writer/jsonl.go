package writer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/RWTH-EBC/PHOENAIX/internal/metrics"
)

// JSONLZstdWriter appends JSON lines to zstd-compressed files, starting a
// new file every hour.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

// NewJSONLZstdWriter writes <baseDir>/<prefix>-<yyyy-mm-dd-hh>.jsonl.zst.
func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Write appends v as one line and flushes it into the current frame.
func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Entry is one line of a result file.
type Entry struct {
	Kind        string              `json:"kind"` // "negotiation" or "round"
	Negotiation *NegotiationRecord  `json:"negotiation,omitempty"`
	Round       *metrics.RoundStats `json:"round,omitempty"`
}

// FileRecorder writes results as compressed JSON lines.
type FileRecorder struct{ w *JSONLZstdWriter }

// NewFileRecorder writes result files below dir.
func NewFileRecorder(dir string) *FileRecorder {
	return &FileRecorder{w: NewJSONLZstdWriter(dir, "results")}
}

func (r *FileRecorder) RecordNegotiation(_ context.Context, rec NegotiationRecord) error {
	return r.w.Write(Entry{Kind: "negotiation", Negotiation: &rec})
}

func (r *FileRecorder) RecordRound(_ context.Context, stats metrics.RoundStats) error {
	return r.w.Write(Entry{Kind: "round", Round: &stats})
}

func (r *FileRecorder) Close() error { return r.w.Close() }
