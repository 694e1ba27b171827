package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// defaultMaxLogBytes rotates the active log file once it grows past
// this size.
const defaultMaxLogBytes = 10 << 20

// defaultKeepRotated is how many rotated files survive pruning.
const defaultKeepRotated = 5

// rotatingWriter is a size-rotating log sink. The active file is
// <dir>/<base>; rotation renames it with a UTC timestamp suffix and
// reopens a fresh file. Oldest rotated files are pruned past the keep
// limit.
type rotatingWriter struct {
	dir      string
	base     string
	maxBytes int64
	keep     int

	mu   sync.Mutex
	file *os.File
	size int64
}

func newRotatingWriter(dir, base string) (*rotatingWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	w := &rotatingWriter{
		dir:      dir,
		base:     base,
		maxBytes: defaultMaxLogBytes,
		keep:     defaultKeepRotated,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) open() error {
	path := filepath.Join(w.dir, w.base)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) rotate() error {
	w.file.Close()
	active := filepath.Join(w.dir, w.base)
	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	if err := os.Rename(active, active+"."+stamp); err != nil {
		return fmt.Errorf("rotate log: %w", err)
	}
	w.prune()
	return w.open()
}

// prune removes the oldest rotated files beyond the keep limit. Best
// effort; a failed removal is retried on the next rotation.
func (w *rotatingWriter) prune() {
	matches, err := filepath.Glob(filepath.Join(w.dir, w.base+".*"))
	if err != nil || len(matches) <= w.keep {
		return
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-w.keep] {
		os.Remove(old)
	}
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
