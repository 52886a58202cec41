package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

func TestRenderEntry(t *testing.T) {
	is := is.New(t)

	buf := &bytes.Buffer{}
	out := newRenderer(buf, true)

	changed := true
	render(out, types.ActivityEntry{
		Timestamp:    time.Date(2025, 11, 13, 0, 28, 47, 0, time.UTC),
		HardwareID:   "ESP32_FRONT_01",
		EventType:    types.EventStatusUpdate,
		Data:         map[string]any{"is_locked": false},
		StateChanged: &changed,
	})

	line := buf.String()
	is.True(strings.Contains(line, "STATUS_UPDATE"))
	is.True(strings.Contains(line, "hardware_id=ESP32_FRONT_01"))
	is.True(strings.Contains(line, "is_locked=false"))
	is.True(strings.Contains(line, "WRN"))
}

func TestLevelForEventTypes(t *testing.T) {
	is := is.New(t)

	unchanged := false

	is.Equal(zerolog.ErrorLevel, levelFor(types.ActivityEntry{EventType: types.EventError}))
	is.Equal(zerolog.DebugLevel, levelFor(types.ActivityEntry{EventType: types.EventHeartbeat}))
	is.Equal(zerolog.InfoLevel, levelFor(types.ActivityEntry{EventType: types.EventCommand}))
	is.Equal(zerolog.InfoLevel, levelFor(types.ActivityEntry{EventType: types.EventStatusUpdate, StateChanged: &unchanged}))
}
