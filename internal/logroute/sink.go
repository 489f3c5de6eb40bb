package logroute

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/internal/clock"
)

// Sink names wired by the router. Routing rules reference these.
const (
	SinkFile  = "file"
	SinkLP    = "lp"
	SinkRedis = "redis"
)

// sink receives encoded batches. Writes run behind the per-sink
// breaker; a returned error sends the batch to the retry queue.
type sink interface {
	name() string
	codec() codec
	write(ctx context.Context, lines [][]byte) error
	close() error
}

// fileSink appends encoded lines to a date-templated path. The path
// template understands %Y, %m, %d and %H; crossing into a new rendered
// path closes the previous file. Within one path, files over the size
// limit rotate to a timestamp suffix and old segments are pruned.
type fileSink struct {
	id          string
	template    string
	rotateBytes int64
	maxFiles    int
	enc         codec
	clk         clock.Clock

	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

func newFileSink(id, template string, rotateMB, maxFiles int, enc codec, clk clock.Clock) *fileSink {
	return &fileSink{
		id:          id,
		template:    template,
		rotateBytes: int64(rotateMB) * 1024 * 1024,
		maxFiles:    maxFiles,
		enc:         enc,
		clk:         clk,
	}
}

func (s *fileSink) name() string { return s.id }
func (s *fileSink) codec() codec { return s.enc }

func (s *fileSink) write(ctx context.Context, lines [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := renderPathTemplate(s.template, s.clk.Now())
	if s.f == nil || path != s.path {
		if err := s.openLocked(path); err != nil {
			return err
		}
	}
	if s.rotateBytes > 0 && s.size > s.rotateBytes {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	n, err := s.f.Write(buf.Bytes())
	s.size += int64(n)
	if err != nil {
		return buserr.Wrap(buserr.ResourceExhausted, "sink.file", err)
	}
	return nil
}

func (s *fileSink) openLocked(path string) error {
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return buserr.Wrap(buserr.ResourceExhausted, "sink.file", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return buserr.Wrap(buserr.ResourceExhausted, "sink.file", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return buserr.Wrap(buserr.ResourceExhausted, "sink.file", err)
	}
	s.f, s.path, s.size = f, path, st.Size()
	s.pruneLocked()
	return nil
}

func (s *fileSink) rotateLocked() error {
	stamp := s.clk.Now().UTC().Format("20060102T150405.000")
	path := s.path
	s.f.Close()
	s.f = nil
	if err := os.Rename(path, path+"."+stamp); err != nil {
		return buserr.Wrap(buserr.ResourceExhausted, "sink.file", err)
	}
	return s.openLocked(path)
}

// pruneLocked removes the oldest files matching the template once the
// count exceeds maxFiles. Date-stamped names sort chronologically.
func (s *fileSink) pruneLocked() {
	if s.maxFiles <= 0 {
		return
	}
	matches, err := filepath.Glob(templateGlob(s.template))
	if err != nil || len(matches) <= s.maxFiles {
		return
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-s.maxFiles] {
		if old == s.path {
			continue
		}
		os.Remove(old)
	}
}

func (s *fileSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// renderPathTemplate expands the strftime-style date fields used in
// sink path templates.
func renderPathTemplate(template string, now time.Time) string {
	now = now.UTC()
	r := strings.NewReplacer(
		"%Y", strconv.Itoa(now.Year()),
		"%m", pad2(int(now.Month())),
		"%d", pad2(now.Day()),
		"%H", pad2(now.Hour()),
	)
	return r.Replace(template)
}

// templateGlob widens a path template into a glob that also matches
// rotated segments.
func templateGlob(template string) string {
	r := strings.NewReplacer("%Y", "*", "%m", "*", "%d", "*", "%H", "*")
	return r.Replace(template) + "*"
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
