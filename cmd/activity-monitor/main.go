package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/activitylog"
	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var filePath, hardwareID string
	var recent int
	var noColor bool

	flag.StringVar(&filePath, "file", activitylog.DefaultPath, "path to the hardware activity log")
	flag.StringVar(&hardwareID, "device", "", "only show entries for this hardware id")
	flag.IntVar(&recent, "recent", 20, "number of recent entries to show before following the log")
	flag.BoolVar(&noColor, "no-color", false, "disable coloured output")
	flag.Parse()

	logger := log.With().Str("service", "activity-monitor").Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ctx = logging.NewContextWithLogger(ctx, logger)

	out := newRenderer(os.Stdout, noColor)

	if recent > 0 {
		entries, err := activitylog.ReadRecent(ctx, filePath, hardwareID, recent)
		if err != nil {
			logger.Fatal().Err(err).Str("file", filePath).Msg("failed to read activity log")
		}

		for i := len(entries) - 1; i >= 0; i-- {
			render(out, entries[i])
		}
	}

	entries, err := activitylog.TailFile(ctx, filePath, hardwareID)
	if err != nil {
		logger.Fatal().Err(err).Str("file", filePath).Msg("failed to follow activity log")
	}

	for e := range entries {
		render(out, e)
	}
}

func newRenderer(w io.Writer, noColor bool) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    noColor,
		TimeFormat: time.RFC3339,
	})
}

func levelFor(e types.ActivityEntry) zerolog.Level {
	switch e.EventType {
	case types.EventError:
		return zerolog.ErrorLevel
	case types.EventStatusUpdate:
		if e.StateChanged != nil && *e.StateChanged {
			return zerolog.WarnLevel
		}
		return zerolog.InfoLevel
	case types.EventHeartbeat:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

func render(out zerolog.Logger, e types.ActivityEntry) {
	event := out.WithLevel(levelFor(e)).
		Time(zerolog.TimestampFieldName, e.Timestamp).
		Str("hardware_id", e.HardwareID).
		Fields(e.Data)

	if e.StateChanged != nil {
		event = event.Bool("state_changed", *e.StateChanged)
	}

	event.Msg(e.EventType)
}
