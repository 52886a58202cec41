package activitylog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/rs/zerolog"
)

//go:generate moq -rm -out activitylog_mock.go . Log

type Log interface {
	Append(ctx context.Context, entry types.ActivityEntry) error
	// Recent returns at most limit entries, newest first, optionally filtered on hardware id.
	Recent(ctx context.Context, hardwareID string, limit int) ([]types.ActivityEntry, error)
	// Tail streams entries appended after the call until ctx is cancelled.
	Tail(ctx context.Context, hardwareID string) (<-chan types.ActivityEntry, error)
	Close() error
}

var ErrLogWrite = fmt.Errorf("failed to append to activity log: %w", types.ErrLogWrite)

const (
	DefaultPath       string = "/var/log/lockmgmt/hardware_activity.log"
	DefaultMaxSize    int64 = 10 * 1024 * 1024
	DefaultMaxBackups int   = 5
	DefaultLimit      int   = 50
	MaxLimit          int   = 1000
)

type Config struct {
	Path       string `yaml:"path"`
	MaxSize    int64  `yaml:"maxSize"`
	MaxBackups int    `yaml:"maxBackups"`
}

type activityLog struct {
	mu      sync.Mutex
	writer  *RotatingWriter
	buf     bytes.Buffer
	encoder zerolog.Logger
	now     func() time.Time
}

func New(cfg Config) (Log, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = DefaultMaxBackups
	}

	w, err := NewRotatingWriter(cfg.Path, cfg.MaxSize, cfg.MaxBackups)
	if err != nil {
		return nil, err
	}

	l := &activityLog{
		writer: w,
		now:    time.Now,
	}
	l.encoder = zerolog.New(&l.buf)

	return l, nil
}

func (l *activityLog) Append(ctx context.Context, entry types.ActivityEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	if entry.Data == nil {
		entry.Data = map[string]any{}
	}

	data, err := json.Marshal(entry.Data)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrLogWrite, err.Error())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Reset()

	event := l.encoder.Log().
		Str("timestamp", entry.Timestamp.UTC().Format(time.RFC3339Nano)).
		Str("hardware_id", entry.HardwareID).
		Str("event_type", entry.EventType).
		RawJSON("data", data)

	if entry.StateChanged != nil {
		event = event.Bool("state_changed", *entry.StateChanged)
	}

	event.Send()

	if _, err := l.writer.Write(l.buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %s", ErrLogWrite, err.Error())
	}

	return nil
}

func (l *activityLog) Recent(ctx context.Context, hardwareID string, limit int) ([]types.ActivityEntry, error) {
	return recent(ctx, l.writer.Files(), hardwareID, limit)
}

// ReadRecent reads the newest entries from a log file and its rotated generations
// without opening it for writing.
func ReadRecent(ctx context.Context, path, hardwareID string, limit int) ([]types.ActivityEntry, error) {
	return recent(ctx, logFiles(path), hardwareID, limit)
}

func recent(ctx context.Context, files []string, hardwareID string, limit int) ([]types.ActivityEntry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	result := []types.ActivityEntry{}

	for _, path := range files {
		entries, err := readEntries(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}

		for i := len(entries) - 1; i >= 0; i-- {
			if hardwareID != "" && entries[i].HardwareID != hardwareID {
				continue
			}

			result = append(result, entries[i])
			if len(result) == limit {
				return result, nil
			}
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return result, nil
}

func (l *activityLog) Close() error {
	return l.writer.Close()
}

func readEntries(path string) ([]types.ActivityEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries := []types.ActivityEntry{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if e, ok := parseEntry(scanner.Bytes()); ok {
			entries = append(entries, e)
		}
	}

	return entries, scanner.Err()
}

func parseEntry(line []byte) (types.ActivityEntry, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return types.ActivityEntry{}, false
	}

	var e types.ActivityEntry
	if err := json.Unmarshal(line, &e); err != nil {
		return types.ActivityEntry{}, false
	}

	return e, true
}
