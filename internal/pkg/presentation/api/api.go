package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/commands"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/devicemanagement"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/gateway"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/activitylog"
	repository "github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database/commands"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/presentation/api/auth"
	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("iot-lock-mgmt/api")

var ErrMalformedBody = fmt.Errorf("request body could not be parsed: %w", types.ErrValidation)
var ErrInvalidQuery = fmt.Errorf("invalid query parameter: %w", types.ErrValidation)

type Services struct {
	Gateway  gateway.Gateway
	Devices  devicemanagement.DeviceManagement
	Commands commands.CommandService
	Activity activitylog.Log
	// Push accepts the websocket connections from devices
	Push http.Handler
}

func RegisterHandlers(ctx context.Context, router *chi.Mux, jwtSecret string, svc Services) *chi.Mux {
	log := logging.GetFromContext(ctx)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	router.Route("/api/v0", func(r chi.Router) {
		r.Route("/hardware", func(r chi.Router) {
			r.Post("/heartbeat", heartbeatHandler(log, svc.Gateway))
			r.Post("/status", statusHandler(log, svc.Gateway))
			r.Get("/{hardwareID}/command", pollCommandHandler(log, svc.Gateway))
			r.Post("/command/confirm", confirmCommandHandler(log, svc.Gateway))
			r.Post("/log", deviceLogHandler(log, svc.Gateway))
			if svc.Push != nil {
				r.Get("/ws", svc.Push.ServeHTTP)
			}
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.NewAuthenticator(jwtSecret)...)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", queryDevicesHandler(log, svc.Devices))
				r.Post("/", registerDeviceHandler(log, svc.Devices))
				r.Get("/{hardwareID}", getDeviceHandler(log, svc.Devices))
				r.Get("/{hardwareID}/commands", queryCommandsHandler(log, svc.Commands))
				r.Post("/{hardwareID}/commands", enqueueCommandHandler(log, svc.Commands))
				r.Post("/{hardwareID}/sync", forceSyncHandler(log, svc.Commands))
			})

			r.Get("/commands/{commandID}", getCommandHandler(log, svc.Commands))

			r.Get("/activity", recentActivityHandler(log, svc.Activity))
			r.Get("/activity/stream", activityStreamHandler(log, svc.Activity))
		})
	})

	return router
}

func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedBody, err.Error())
	}

	if err = json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedBody, err.Error())
	}

	return nil
}

func heartbeatHandler(log zerolog.Logger, gw gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "heartbeat")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		req := heartbeatRequest{}
		if err = decode(r, &req); err != nil {
			requestLogger.Error().Err(err).Msg("unable to read heartbeat")
			writeError(w, err)
			return
		}

		result, err := gw.Heartbeat(ctx, gateway.Heartbeat{
			HardwareID:     req.HardwareID,
			Channel:        gateway.ChannelHTTP,
			SignalStrength: r.Header.Get("X-Signal"),
		})
		if err != nil {
			requestLogger.Error().Err(err).Str("hardware_id", req.HardwareID).Msg("heartbeat failed")
			writeError(w, err)
			return
		}

		response := heartbeatResponse{
			Status:  "success",
			Message: "Heartbeat received",
		}

		if result.Sync != nil {
			response.ForceSync = true
			response.SyncCommandID = result.Sync.CommandID
			response.SyncCommand = result.Sync.Command
			response.SyncPayload = result.Sync.Payload
			response.Timestamp = result.Sync.Timestamp
			response.Signature = result.Sync.Signature
		}

		writeJSON(w, http.StatusOK, response)
	}
}

func statusHandler(log zerolog.Logger, gw gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "report-status")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		req := statusRequest{}
		if err = decode(r, &req); err != nil {
			requestLogger.Error().Err(err).Msg("unable to read status report")
			writeError(w, err)
			return
		}

		result, err := gw.ReportStatus(ctx, req.HardwareID, gateway.StatusReport{
			IsLocked:     req.IsLocked,
			BatteryLevel: req.BatteryLevel,
		})
		if err != nil {
			requestLogger.Error().Err(err).Str("hardware_id", req.HardwareID).Msg("status report failed")
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, statusResponse{Status: "success", StateChanged: result.StateChanged})
	}
}

func pollCommandHandler(log zerolog.Logger, gw gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "poll-command")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		hardwareID := chi.URLParam(r, "hardwareID")
		requestLogger = requestLogger.With().Str("hardware_id", hardwareID).Logger()

		delivery, err := gw.PollCommand(ctx, hardwareID)
		if errors.Is(err, repository.ErrNoPendingCommand) {
			err = nil
			writeJSON(w, http.StatusOK, types.CommandMessage{Command: types.NoCommand})
			return
		}
		if err != nil {
			requestLogger.Error().Err(err).Msg("poll failed")
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, delivery.Message)
	}
}

func confirmCommandHandler(log zerolog.Logger, gw gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "confirm-command")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		req := confirmRequest{}
		if err = decode(r, &req); err != nil {
			requestLogger.Error().Err(err).Msg("unable to read confirmation")
			writeError(w, err)
			return
		}

		_, err = gw.ConfirmCommand(ctx, req.CommandID, req.Status, req.Response)
		if err != nil {
			requestLogger.Error().Err(err).Uint("command_id", req.CommandID).Msg("confirmation failed")
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, success)
	}
}

func deviceLogHandler(log zerolog.Logger, gw gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "device-log")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		req := deviceLogRequest{}
		if err = decode(r, &req); err != nil {
			requestLogger.Error().Err(err).Msg("unable to read device log")
			writeError(w, err)
			return
		}

		err = gw.AppendDeviceLog(ctx, gateway.DeviceLogEvent{
			HardwareID:   req.HardwareID,
			Type:         req.Type,
			Level:        req.Level,
			Message:      req.Message,
			StateChanged: req.StateChanged,
			CurrentState: req.CurrentState,
		})
		if err != nil {
			requestLogger.Error().Err(err).Str("hardware_id", req.HardwareID).Msg("unable to store device log")
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, success)
	}
}

func queryDevicesHandler(log zerolog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "query-devices")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		var online *bool
		if o := r.URL.Query().Get("online"); o != "" {
			b, perr := strconv.ParseBool(o)
			if perr != nil {
				err = fmt.Errorf("%w online=%s", ErrInvalidQuery, o)
				writeError(w, err)
				return
			}
			online = &b
		}

		devices, err := svc.GetDevices(ctx, online)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to fetch devices")
			writeError(w, err)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(ApiResponse{
			Meta: &meta{Count: uint64(len(devices))},
			Data: devices,
		}.Byte())
	}
}

func getDeviceHandler(log zerolog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		hardwareID := chi.URLParam(r, "hardwareID")

		device, err := svc.GetDevice(ctx, hardwareID)
		if err != nil {
			requestLogger.Debug().Err(err).Str("hardware_id", hardwareID).Msg("could not fetch device")
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, device)
	}
}

func registerDeviceHandler(log zerolog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "register-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		req := registerDeviceRequest{}
		if err = decode(r, &req); err != nil {
			requestLogger.Error().Err(err).Msg("unable to read device")
			writeError(w, err)
			return
		}

		device, created, err := svc.Register(ctx, req.HardwareID, req.Name, req.Config)
		if err != nil {
			requestLogger.Error().Err(err).Str("hardware_id", req.HardwareID).Msg("unable to register device")
			writeError(w, err)
			return
		}

		statusCode := http.StatusOK
		if created {
			statusCode = http.StatusCreated
		}

		writeJSON(w, statusCode, device)
	}
}

func enqueueCommandHandler(log zerolog.Logger, svc commands.CommandService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "enqueue-command")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		hardwareID := chi.URLParam(r, "hardwareID")

		req := enqueueRequest{}
		if err = decode(r, &req); err != nil {
			requestLogger.Error().Err(err).Msg("unable to read command")
			writeError(w, err)
			return
		}

		priority := types.DefaultPriority
		if req.Priority != nil {
			priority = *req.Priority
		}

		cmd, err := svc.Enqueue(ctx, hardwareID, req.Command, req.Payload, priority, req.MaxRetries)
		if err != nil {
			requestLogger.Error().Err(err).Str("hardware_id", hardwareID).Msg("unable to enqueue command")
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, commandCreated{CommandID: cmd.ID, Command: cmd.Command, Status: cmd.Status})
	}
}

func forceSyncHandler(log zerolog.Logger, svc commands.CommandService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "force-sync")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		hardwareID := chi.URLParam(r, "hardwareID")

		cmd, err := svc.ForceSync(ctx, hardwareID)
		if err != nil {
			requestLogger.Error().Err(err).Str("hardware_id", hardwareID).Msg("unable to force sync")
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, commandCreated{CommandID: cmd.ID, Command: cmd.Command, Status: cmd.Status})
	}
}

func queryCommandsHandler(log zerolog.Logger, svc commands.CommandService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "query-commands")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		hardwareID := chi.URLParam(r, "hardwareID")
		status := r.URL.Query().Get("status")

		limit, err := limitParam(r, 0)
		if err != nil {
			writeError(w, err)
			return
		}

		result, err := svc.Query(ctx, hardwareID, status, limit)
		if err != nil {
			requestLogger.Error().Err(err).Str("hardware_id", hardwareID).Msg("unable to query commands")
			writeError(w, err)
			return
		}

		response := ApiResponse{
			Meta: &meta{Count: uint64(len(result))},
			Data: result,
		}
		if limit > 0 {
			response.Meta.Limit = &limit
		}

		writeJSON(w, http.StatusOK, response)
	}
}

func getCommandHandler(log zerolog.Logger, svc commands.CommandService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-command")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		id, err := strconv.ParseUint(chi.URLParam(r, "commandID"), 10, 64)
		if err != nil {
			err = fmt.Errorf("%w command id", ErrInvalidQuery)
			writeError(w, err)
			return
		}

		cmd, err := svc.Get(ctx, uint(id))
		if err != nil {
			requestLogger.Debug().Err(err).Uint64("command_id", id).Msg("could not fetch command")
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, cmd)
	}
}

func recentActivityHandler(log zerolog.Logger, activity activitylog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "recent-activity")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		limit, err := limitParam(r, activitylog.DefaultLimit)
		if err != nil {
			writeError(w, err)
			return
		}

		entries, err := activity.Recent(ctx, r.URL.Query().Get("hardware_id"), limit)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to read activity log")
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, ApiResponse{
			Meta: &meta{Count: uint64(len(entries))},
			Data: entries,
		})
	}
}

// activityStreamHandler writes every new activity entry as a line of json until the
// client goes away.
func activityStreamHandler(log zerolog.Logger, activity activitylog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "activity-stream")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		flusher, ok := w.(http.Flusher)
		if !ok {
			err = errors.New("streaming is not supported")
			writeError(w, err)
			return
		}

		entries, err := activity.Tail(ctx, r.URL.Query().Get("hardware_id"))
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to tail activity log")
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		enc := json.NewEncoder(w)
		for entry := range entries {
			if err = enc.Encode(entry); err != nil {
				requestLogger.Debug().Err(err).Msg("activity stream closed")
				return
			}
			flusher.Flush()
		}

		err = nil
	}
}

func limitParam(r *http.Request, defaultLimit int) (int, error) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return defaultLimit, nil
	}

	limit, err := strconv.Atoi(l)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("%w limit=%s", ErrInvalidQuery, l)
	}

	return limit, nil
}
