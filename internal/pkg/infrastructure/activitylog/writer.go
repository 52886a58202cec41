package activitylog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat string = "2006-01-02-15-04-05"

// RotatingWriter appends to a file and moves it aside once it grows past maxSize.
// Each call to Write is applied in full before the next one starts.
type RotatingWriter struct {
	mu sync.Mutex

	path       string
	maxSize    int64
	maxBackups int

	file *os.File
	size int64
	now  func() time.Time
}

func NewRotatingWriter(path string, maxSize int64, maxBackups int) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		path:       path,
		maxSize:    maxSize,
		maxBackups: maxBackups,
		now:        time.Now,
	}

	if err := w.open(); err != nil {
		return nil, err
	}

	return w, nil
}

func (w *RotatingWriter) Path() string {
	return w.path
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}

	if w.maxSize > 0 && w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)

	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	err := w.file.Close()
	w.file = nil

	return err
}

// Files returns the active file followed by the rotated generations, newest first.
func (w *RotatingWriter) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return logFiles(w.path)
}

// logFiles returns the active file followed by its rotated generations, newest first
func logFiles(path string) []string {
	backups := listBackups(path)

	files := make([]string, 0, len(backups)+1)
	files = append(files, path)
	for i := len(backups) - 1; i >= 0; i-- {
		files = append(files, backups[i])
	}

	return files
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", w.path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	w.file = f
	w.size = info.Size()

	return nil
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	if err := os.Rename(w.path, w.backupName()); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	if err := w.open(); err != nil {
		return err
	}

	w.prune()

	return nil
}

func (w *RotatingWriter) backupName() string {
	name := w.path + "." + w.now().Format(backupTimeFormat)

	candidate := name
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s.%02d", name, i)
	}
}

func (w *RotatingWriter) backups() []string {
	return listBackups(w.path)
}

// listBackups lists rotated generations, oldest first
func listBackups(path string) []string {
	dir := filepath.Dir(path)
	prefix := filepath.Base(path) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	backups := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, e.Name()))
		}
	}

	sort.Strings(backups)

	return backups
}

func (w *RotatingWriter) prune() {
	backups := w.backups()
	for len(backups) > w.maxBackups {
		os.Remove(backups[0])
		backups = backups[1:]
	}
}
