package activitylog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/matryer/is"
)

func TestAppendAndRecentNewestFirst(t *testing.T) {
	is, ctx, l, _ := testSetup(t, 0, 0)

	is.NoErr(l.Append(ctx, Heartbeat("ESP32_MAIN_001", nil)))
	is.NoErr(l.Append(ctx, Heartbeat("ESP32_TEST_001", nil)))
	is.NoErr(l.Append(ctx, StatusUpdate("ESP32_MAIN_001", false, true, nil)))

	entries, err := l.Recent(ctx, "ESP32_MAIN_001", 10)
	is.NoErr(err)
	is.Equal(2, len(entries))
	is.Equal(types.EventStatusUpdate, entries[0].EventType)
	is.True(entries[0].StateChanged != nil && *entries[0].StateChanged)
	is.Equal(false, entries[0].Data["is_locked"])
	is.Equal(types.EventHeartbeat, entries[1].EventType)

	all, err := l.Recent(ctx, "", 2)
	is.NoErr(err)
	is.Equal(2, len(all))
	is.Equal("ESP32_MAIN_001", all[0].HardwareID)
	is.Equal("ESP32_TEST_001", all[1].HardwareID)
}

func TestAppendKeepsExplicitTimestamp(t *testing.T) {
	is, ctx, l, _ := testSetup(t, 0, 0)

	ts := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	e := Error("ESP32_TEST_001", "motor jammed", map[string]any{"attempt": 2})
	e.Timestamp = ts

	is.NoErr(l.Append(ctx, e))

	entries, err := l.Recent(ctx, "", 1)
	is.NoErr(err)
	is.True(entries[0].Timestamp.Equal(ts))
	is.Equal("motor jammed", entries[0].Data["error"])
}

func TestDeviceLogUsesActivityEventTypes(t *testing.T) {
	is := is.New(t)

	changed := true
	info := DeviceLog("ESP32_TEST_001", "info", map[string]any{"type": "door", "message": "door opened"}, &changed)
	is.Equal(types.EventStatusUpdate, info.EventType)
	is.Equal("door", info.Data["type"])
	is.True(*info.StateChanged)

	failure := DeviceLog("ESP32_TEST_001", "error", map[string]any{"type": "motor", "message": "motor stalled"}, nil)
	is.Equal(types.EventError, failure.EventType)
	is.Equal("motor stalled", failure.Data["error"])
	is.Equal("motor", failure.Data["context"].(map[string]any)["type"])
	is.True(failure.StateChanged == nil)
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	is, ctx, l, path := testSetup(t, 0, 0)

	const writers, perWriter = 10, 50

	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				l.Append(ctx, Heartbeat(fmt.Sprintf("device-%d", i), map[string]any{"n": j, "padding": strings.Repeat("x", 200)}))
			}
		}(i)
	}
	wg.Wait()

	entries, err := readEntries(path)
	is.NoErr(err)
	is.Equal(writers*perWriter, len(entries))
}

func TestRotationKeepsBoundedNumberOfGenerations(t *testing.T) {
	is, ctx, l, path := testSetup(t, 250, 2)

	for n := 0; n < 10; n++ {
		is.NoErr(l.Append(ctx, Heartbeat("dev", map[string]any{"n": n})))
	}

	matches, err := filepath.Glob(path + ".*")
	is.NoErr(err)
	is.Equal(2, len(matches))

	entries, err := l.Recent(ctx, "dev", 100)
	is.NoErr(err)
	is.Equal(6, len(entries))
	is.Equal(float64(9), entries[0].Data["n"])
	is.Equal(float64(4), entries[5].Data["n"])
}

func TestReadRecentFromFileAcrossGenerations(t *testing.T) {
	is, ctx, l, path := testSetup(t, 250, 5)

	for n := 0; n < 6; n++ {
		is.NoErr(l.Append(ctx, Heartbeat("dev", map[string]any{"n": n})))
	}

	entries, err := ReadRecent(ctx, path, "dev", 4)
	is.NoErr(err)
	is.Equal(4, len(entries))
	is.Equal(float64(5), entries[0].Data["n"])
	is.Equal(float64(2), entries[3].Data["n"])

	missing, err := ReadRecent(ctx, filepath.Join(t.TempDir(), "nothing.log"), "", 10)
	is.NoErr(err)
	is.Equal(0, len(missing))
}

func TestWriteFailureIsReportedAsLogWriteFailure(t *testing.T) {
	is, ctx, l, path := testSetup(t, 0, 0)

	impl := l.(*activityLog)
	impl.writer.Close()
	os.RemoveAll(filepath.Dir(path))

	err := l.Append(ctx, Heartbeat("dev", nil))
	is.True(errors.Is(err, types.ErrLogWrite))
}

func TestTailStreamsNewEntries(t *testing.T) {
	is, _, l, _ := testSetup(t, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l.Append(ctx, Heartbeat("before", nil))

	entries, err := l.Tail(ctx, "ESP32_FRONT_07")
	is.NoErr(err)

	l.Append(ctx, Heartbeat("other", nil))
	l.Append(ctx, Heartbeat("ESP32_FRONT_07", map[string]any{"n": 1}))

	select {
	case e := <-entries:
		is.Equal("ESP32_FRONT_07", e.HardwareID)
		is.Equal(float64(1), e.Data["n"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tailed entry")
	}

	cancel()

	for range entries {
	}
}

func TestTailFollowsRotation(t *testing.T) {
	is, _, l, _ := testSetup(t, 250, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entries, err := l.Tail(ctx, "")
	is.NoErr(err)

	go func() {
		for n := 0; n < 6; n++ {
			l.Append(ctx, Heartbeat("dev", map[string]any{"n": n}))
			time.Sleep(50 * time.Millisecond)
		}
	}()

	received := 0
	for received < 6 {
		select {
		case e := <-entries:
			is.Equal(float64(received), e.Data["n"])
			received++
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d entries", received)
		}
	}
}

func testSetup(t *testing.T, maxSize int64, maxBackups int) (*is.I, context.Context, Log, string) {
	is := is.New(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "logs", "hardware_activity.log")

	l, err := New(Config{Path: path, MaxSize: maxSize, MaxBackups: maxBackups})
	is.NoErr(err)

	t.Cleanup(func() { l.Close() })

	return is, ctx, l, path
}
