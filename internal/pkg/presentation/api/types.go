package api

import (
	"encoding/json"
	"net/http"

	"github.com/diwise/iot-lock-mgmt/pkg/types"
)

type meta struct {
	Count uint64 `json:"count"`
	Limit *int   `json:"limit,omitempty"`
}

type ApiResponse struct {
	Meta *meta `json:"meta,omitempty"`
	Data any   `json:"data"`
}

func (r ApiResponse) Byte() []byte {
	b, _ := json.Marshal(r)
	return b
}

type heartbeatRequest struct {
	HardwareID string `json:"hardware_id"`
}

type heartbeatResponse struct {
	Status        string         `json:"status"`
	Message       string         `json:"message"`
	ForceSync     bool           `json:"force_sync"`
	SyncCommandID uint           `json:"sync_command_id,omitempty"`
	SyncCommand   string         `json:"sync_command,omitempty"`
	SyncPayload   map[string]any `json:"sync_payload,omitempty"`
	Timestamp     int64          `json:"timestamp,omitempty"`
	Signature     string         `json:"signature,omitempty"`
}

type statusRequest struct {
	HardwareID   string `json:"hardware_id"`
	IsLocked     *bool  `json:"is_locked"`
	BatteryLevel *int   `json:"battery_level,omitempty"`
}

type statusResponse struct {
	Status       string `json:"status"`
	StateChanged bool   `json:"state_changed"`
}

type confirmRequest struct {
	CommandID uint           `json:"command_id"`
	Status    string         `json:"status"`
	Response  map[string]any `json:"response,omitempty"`
}

type deviceLogRequest struct {
	HardwareID   string         `json:"hardware_id"`
	Type         string         `json:"type"`
	Level        string         `json:"level"`
	Message      string         `json:"message"`
	StateChanged *bool          `json:"state_changed,omitempty"`
	CurrentState map[string]any `json:"current_state,omitempty"`
}

type successResponse struct {
	Status string `json:"status"`
}

type registerDeviceRequest struct {
	HardwareID string         `json:"hardware_id"`
	Name       string         `json:"name,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
}

type enqueueRequest struct {
	Command    string         `json:"command"`
	Payload    map[string]any `json:"payload,omitempty"`
	Priority   *int           `json:"priority,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

type commandCreated struct {
	CommandID uint   `json:"command_id"`
	Command   string `json:"command"`
	Status    string `json:"status"`
}

var success = successResponse{Status: "success"}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(b)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusCodeFor(err), types.NewErrorResult(err))
}

func statusCodeFor(err error) int {
	switch types.ErrorKind(err) {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
