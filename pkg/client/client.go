package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type LockManagementClient interface {
	EnqueueCommand(ctx context.Context, hardwareID, command string, payload map[string]any, priority int) (uint, error)
	ForceSync(ctx context.Context, hardwareID string) (uint, error)
	GetCommand(ctx context.Context, commandID uint) (types.Command, error)
	GetDevice(ctx context.Context, hardwareID string) (types.Device, error)
	GetRecentActivity(ctx context.Context, hardwareID string, limit int) ([]types.ActivityEntry, error)
	Close(ctx context.Context)
}

type lockMgmtClient struct {
	url        string
	httpClient http.Client
}

var tracer = otel.Tracer("lock-mgmt-client")

// New creates a client for the control plane. When oauthTokenURL is set, requests carry a
// bearer token obtained with the client credentials flow.
func New(ctx context.Context, lockMgmtURL, oauthTokenURL, oauthClientID, oauthClientSecret string) (LockManagementClient, error) {
	c := &lockMgmtClient{
		url: strings.TrimSuffix(lockMgmtURL, "/"),
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	if oauthTokenURL == "" {
		return c, nil
	}

	oauthConfig := &clientcredentials.Config{
		ClientID:     oauthClientID,
		ClientSecret: oauthClientSecret,
		TokenURL:     oauthTokenURL,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, &c.httpClient)

	token, err := oauthConfig.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get client credentials from %s: %w", oauthConfig.TokenURL, err)
	}

	if !token.Valid() {
		return nil, fmt.Errorf("an invalid token was returned from %s", oauthTokenURL)
	}

	c.httpClient = *oauthConfig.Client(ctx)

	return c, nil
}

func (c *lockMgmtClient) EnqueueCommand(ctx context.Context, hardwareID, command string, payload map[string]any, priority int) (uint, error) {
	var err error
	ctx, span := tracer.Start(ctx, "enqueue-command")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx)
	log.Debug().Str("hardware_id", hardwareID).Str("command", command).Msg("enqueueing command")

	body, err := json.Marshal(map[string]any{
		"command":  command,
		"payload":  payload,
		"priority": priority,
	})
	if err != nil {
		return 0, err
	}

	result := struct {
		CommandID uint `json:"command_id"`
	}{}

	err = c.do(ctx, http.MethodPost, "/api/v0/devices/"+url.PathEscape(hardwareID)+"/commands", body, &result)
	if err != nil {
		return 0, err
	}

	return result.CommandID, nil
}

func (c *lockMgmtClient) ForceSync(ctx context.Context, hardwareID string) (uint, error) {
	var err error
	ctx, span := tracer.Start(ctx, "force-sync")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result := struct {
		CommandID uint `json:"command_id"`
	}{}

	err = c.do(ctx, http.MethodPost, "/api/v0/devices/"+url.PathEscape(hardwareID)+"/sync", nil, &result)
	if err != nil {
		return 0, err
	}

	return result.CommandID, nil
}

func (c *lockMgmtClient) GetCommand(ctx context.Context, commandID uint) (types.Command, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-command")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	cmd := types.Command{}
	err = c.do(ctx, http.MethodGet, "/api/v0/commands/"+strconv.FormatUint(uint64(commandID), 10), nil, &cmd)

	return cmd, err
}

func (c *lockMgmtClient) GetDevice(ctx context.Context, hardwareID string) (types.Device, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	device := types.Device{}
	err = c.do(ctx, http.MethodGet, "/api/v0/devices/"+url.PathEscape(hardwareID), nil, &device)

	return device, err
}

func (c *lockMgmtClient) GetRecentActivity(ctx context.Context, hardwareID string, limit int) ([]types.ActivityEntry, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-recent-activity")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	params := url.Values{}
	if hardwareID != "" {
		params.Set("hardware_id", hardwareID)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/v0/activity"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	result := struct {
		Data []types.ActivityEntry `json:"data"`
	}{}

	err = c.do(ctx, http.MethodGet, path, nil, &result)
	if err != nil {
		return nil, err
	}

	return result.Data, nil
}

func (c *lockMgmtClient) Close(ctx context.Context) {
	c.httpClient.CloseIdleConnections()
}

func (c *lockMgmtClient) do(ctx context.Context, method, path string, body []byte, result any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Add("Accept", "application/json")
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to lock management failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return errorFromResponse(resp.StatusCode, respBody)
	}

	if result == nil {
		return nil
	}

	if err = json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}

var ErrUnauthorized = errors.New("unauthorized")
var ErrRequestFailed = errors.New("request failed")

// errorFromResponse maps the structured error returned by the service back onto the
// shared error kinds so that callers can use errors.Is.
func errorFromResponse(statusCode int, body []byte) error {
	result := types.ErrorResult{}
	_ = json.Unmarshal(body, &result)

	var kind error
	switch {
	case result.Error == types.KindValidation:
		kind = types.ErrValidation
	case result.Error == types.KindNotFound:
		kind = types.ErrNotFound
	case result.Error == types.KindConflict:
		kind = types.ErrConflict
	case result.Error == types.KindLogWrite:
		kind = types.ErrLogWrite
	case statusCode == http.StatusUnauthorized:
		kind = ErrUnauthorized
	default:
		kind = ErrRequestFailed
	}

	if result.Message != "" {
		return fmt.Errorf("%w (%d): %s", kind, statusCode, result.Message)
	}

	return fmt.Errorf("%w (%d)", kind, statusCode)
}
