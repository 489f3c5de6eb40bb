// Package audit persists the audit.log stream as append-only JSONL
// with size rotation and batched fsync.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/internal/clock"
	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/internal/metrics"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

const rotatedStampFormat = "20060102T150405.000"

// Writer appends records to one active JSONL file. Append buffers;
// Flush pushes the buffer to disk and fsyncs. Rotation renames the
// active file with a timestamp suffix and prunes the oldest rotations.
type Writer struct {
	path        string
	rotateBytes int64
	maxFiles    int
	clk         clock.Clock
	log         zerolog.Logger
	met         *metrics.ObservabilityMetrics

	mu    sync.Mutex
	f     *os.File
	buf   *bufio.Writer
	size  int64
	dirty bool
}

// NewWriter opens (or creates) the active audit file.
func NewWriter(cfg config.AuditConfig, clk clock.Clock, log zerolog.Logger) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, buserr.Wrap(buserr.Fatal, "audit.open", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, buserr.Wrap(buserr.Fatal, "audit.open", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, buserr.Wrap(buserr.Fatal, "audit.open", err)
	}
	// An unset rotate size must not mean rotate-per-record.
	rotateMB := cfg.RotateMB
	if rotateMB <= 0 {
		rotateMB = 128
	}
	return &Writer{
		path:        cfg.Path,
		rotateBytes: int64(rotateMB) << 20,
		maxFiles:    cfg.MaxFiles,
		clk:         clk,
		log:         log.With().Str("component", "audit").Logger(),
		met:         metrics.Observability(),
		f:           f,
		buf:         bufio.NewWriterSize(f, 64<<10),
		size:        st.Size(),
	}, nil
}

// Append buffers one record. The record reaches disk on the next Flush.
func (w *Writer) Append(rec schema.AuditRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return buserr.Wrap(buserr.Validation, "audit.append", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return buserr.New(buserr.Fatal, "audit.append", "writer closed")
	}
	if w.size+int64(len(b))+1 > w.rotateBytes {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}
	if _, err := w.buf.Write(b); err != nil {
		return buserr.Wrap(buserr.ResourceExhausted, "audit.append", err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return buserr.Wrap(buserr.ResourceExhausted, "audit.append", err)
	}
	w.size += int64(len(b)) + 1
	w.dirty = true
	w.met.AuditEntriesTotal.Inc()
	return nil
}

// Flush drains the buffer and fsyncs. No-op when nothing is pending.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if !w.dirty || w.f == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return buserr.Wrap(buserr.ResourceExhausted, "audit.flush", err)
	}
	if err := w.f.Sync(); err != nil {
		return buserr.Wrap(buserr.ResourceExhausted, "audit.flush", err)
	}
	w.dirty = false
	return nil
}

// Close flushes and closes the active file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.flushLocked()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f = nil
	return err
}

func (w *Writer) rotateLocked() error {
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return buserr.Wrap(buserr.ResourceExhausted, "audit.rotate", err)
	}
	rotated := w.path + "." + w.clk.Now().Format(rotatedStampFormat)
	if err := os.Rename(w.path, rotated); err != nil {
		return buserr.Wrap(buserr.ResourceExhausted, "audit.rotate", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return buserr.Wrap(buserr.Fatal, "audit.rotate", err)
	}
	w.f = f
	w.buf = bufio.NewWriterSize(f, 64<<10)
	w.size = 0
	w.met.AuditRotations.Inc()
	w.log.Info().Str("rotated", rotated).Msg("audit file rotated")

	w.pruneLocked()
	return nil
}

// pruneLocked keeps the newest maxFiles rotations. Stamp suffixes sort
// lexically in time order.
func (w *Writer) pruneLocked() {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil || len(matches) <= w.maxFiles {
		return
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-w.maxFiles] {
		if err := os.Remove(old); err != nil {
			w.log.Warn().Err(err).Str("file", old).Msg("prune failed")
		}
	}
}

// ByCorrID scans the active file for records with the given correlation
// id, newest last, capped at max. Rotated files are not searched.
func (w *Writer) ByCorrID(corrID string, max int) ([]schema.AuditRecord, error) {
	if err := w.Flush(); err != nil {
		return nil, err
	}
	f, err := os.Open(w.path)
	if err != nil {
		return nil, buserr.Wrap(buserr.StateMissing, "audit.read", err)
	}
	defer f.Close()

	var out []schema.AuditRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		var rec schema.AuditRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.CorrID != corrID {
			continue
		}
		out = append(out, rec)
		if max > 0 && len(out) > max {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, buserr.Wrap(buserr.ResourceExhausted, "audit.read", err)
	}
	return out, nil
}
