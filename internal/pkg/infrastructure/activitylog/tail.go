package activitylog

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/fsnotify/fsnotify"
)

const tailPollInterval time.Duration = 500 * time.Millisecond

func (l *activityLog) Tail(ctx context.Context, hardwareID string) (<-chan types.ActivityEntry, error) {
	return TailFile(ctx, l.writer.Path(), hardwareID)
}

// TailFile follows the log file at path, including across rotations, and emits every
// complete entry written after the call. The channel is closed when ctx is done.
func TailFile(ctx context.Context, path, hardwareID string) (<-chan types.ActivityEntry, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// the directory is watched so that a new file created by rotation is picked up
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	t := &tailer{
		path:       path,
		hardwareID: hardwareID,
		entries:    make(chan types.ActivityEntry, 64),
	}

	if err = t.open(true); err != nil && !errors.Is(err, os.ErrNotExist) {
		watcher.Close()
		return nil, err
	}

	go t.run(ctx, watcher)

	return t.entries, nil
}

type tailer struct {
	path       string
	hardwareID string
	entries    chan types.ActivityEntry

	file    *os.File
	reader  *bufio.Reader
	pending []byte
}

func (t *tailer) open(seekToEnd bool) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}

	if seekToEnd {
		if _, err = f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return err
		}
	}

	t.file = f
	t.reader = bufio.NewReader(f)
	t.pending = nil

	return nil
}

func (t *tailer) close() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
		t.reader = nil
	}
}

func (t *tailer) run(ctx context.Context, watcher *fsnotify.Watcher) {
	logger := logging.GetFromContext(ctx)

	defer close(t.entries)
	defer watcher.Close()
	defer t.close()

	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != filepath.Clean(t.path) {
				continue
			}

			if !t.follow(ctx) {
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("activity log watcher error")
		case <-ticker.C:
			if !t.follow(ctx) {
				return
			}
		}
	}
}

// follow reads everything that is left in the current file and switches to a new
// file if the log has been rotated since the last call.
func (t *tailer) follow(ctx context.Context) bool {
	if t.replaced() {
		if !t.drain(ctx) {
			return false
		}
		t.close()
	}

	if t.file == nil {
		if err := t.open(false); err != nil {
			return true
		}
	}

	return t.drain(ctx)
}

// replaced reports if the file at path is no longer the one being read
func (t *tailer) replaced() bool {
	if t.file == nil {
		return false
	}

	current, err := t.file.Stat()
	if err != nil {
		return true
	}

	onDisk, err := os.Stat(t.path)
	if err != nil {
		return false
	}

	return !os.SameFile(current, onDisk)
}

// drain emits all complete lines that are available. It returns false if ctx was cancelled.
func (t *tailer) drain(ctx context.Context) bool {
	if t.reader == nil {
		return true
	}

	for {
		chunk, err := t.reader.ReadBytes('\n')
		t.pending = append(t.pending, chunk...)

		if err != nil {
			return true
		}

		line := t.pending
		t.pending = nil

		e, ok := parseEntry(line)
		if !ok || (t.hardwareID != "" && e.HardwareID != t.hardwareID) {
			continue
		}

		select {
		case t.entries <- e:
		case <-ctx.Done():
			return false
		}
	}
}
