package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// rotatedLayout sorts lexically in time order and stays unique across
// rotations within the same second.
const rotatedLayout = "20060102-150405.000000"

// RotatingWriter is an io.WriteCloser that rotates its file by size. Rotated
// files are named <base>-<timestamp><ext> next to the active file.
type RotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	size       int64
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
	now        func() time.Time
	pruning    sync.WaitGroup
}

// NewRotatingWriter opens path for appending, creating missing directories.
// At most maxBackups rotated files are kept and rotated files older than
// maxAgeDays are removed.
func NewRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		path:       path,
		maxBytes:   int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
		now:        time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would push the file past the size
// limit. A single record is never split across files.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close waits for pending pruning and closes the active file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.pruning.Wait()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}
	base, ext := rw.nameParts()
	rotated := filepath.Join(filepath.Dir(rw.path), base+"-"+rw.now().Format(rotatedLayout)+ext)
	if err := os.Rename(rw.path, rotated); err != nil {
		return fmt.Errorf("rotating log file: %w", err)
	}
	if err := rw.open(); err != nil {
		return err
	}
	rw.pruning.Add(1)
	go func() {
		defer rw.pruning.Done()
		rw.prune()
	}()
	return nil
}

func (rw *RotatingWriter) nameParts() (base, ext string) {
	ext = filepath.Ext(rw.path)
	base = strings.TrimSuffix(filepath.Base(rw.path), ext)
	if ext == "" {
		ext = ".log"
	}
	return base, ext
}

// rotatedFiles lists rotated siblings of the active file, oldest first.
func (rw *RotatingWriter) rotatedFiles() []string {
	entries, err := os.ReadDir(filepath.Dir(rw.path))
	if err != nil {
		return nil
	}
	base, ext := rw.nameParts()
	active := filepath.Base(rw.path)
	var names []string
	for _, e := range entries {
		name := e.Name()
		if name != active && strings.HasPrefix(name, base+"-") && strings.HasSuffix(name, ext) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (rw *RotatingWriter) prune() {
	dir := filepath.Dir(rw.path)
	names := rw.rotatedFiles()
	for len(names) > rw.maxBackups {
		os.Remove(filepath.Join(dir, names[0])) //nolint:errcheck
		names = names[1:]
	}
	if rw.maxAge <= 0 {
		return
	}
	cutoff := rw.now().Add(-rw.maxAge)
	for _, name := range names {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(p) //nolint:errcheck
		}
	}
}
