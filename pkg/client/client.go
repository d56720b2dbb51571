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
	"strings"

	"github.com/diwise/iot-telemetry/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("iot-telemetry/client")

var ErrNotFound = errors.New("not found")
var ErrForbidden = errors.New("access denied")

// TelemetryClient is a typed client for the telemetry service API. The
// allowed tenants given to New are forwarded on every request, so the
// caller is expected to run behind the same trusted edge as the service.
type TelemetryClient interface {
	SendReading(ctx context.Context, deviceKey string, reading types.Reading) (types.Reading, error)
	SendReadings(ctx context.Context, deviceKey string, readings []types.Reading) ([]types.Reading, error)
	GetLatestReading(ctx context.Context, deviceID string) (types.Reading, error)
	GetActiveAlarms(ctx context.Context, tenant string) ([]types.AlarmLifecycleMessage, error)
	GetAlarm(ctx context.Context, alarmID string) (types.Alarm, error)
	ResolveAlarm(ctx context.Context, alarmID, userID, note string) error
}

type telemetryClient struct {
	url     string
	tenants string

	httpClient http.Client
}

func New(serviceURL string, allowedTenants ...string) TelemetryClient {
	return &telemetryClient{
		url:     strings.TrimSuffix(serviceURL, "/"),
		tenants: strings.Join(allowedTenants, ","),
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *telemetryClient) SendReading(ctx context.Context, deviceKey string, reading types.Reading) (types.Reading, error) {
	var err error
	ctx, span := tracer.Start(ctx, "send-reading")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var stored types.Reading
	err = c.do(ctx, http.MethodPost, "/api/v0/telemetry/"+deviceKey, reading, &stored)

	return stored, err
}

func (c *telemetryClient) SendReadings(ctx context.Context, deviceKey string, readings []types.Reading) ([]types.Reading, error) {
	var err error
	ctx, span := tracer.Start(ctx, "send-readings")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	stored := []types.Reading{}
	err = c.do(ctx, http.MethodPost, "/api/v0/telemetry/"+deviceKey+"/batch", readings, &stored)

	return stored, err
}

func (c *telemetryClient) GetLatestReading(ctx context.Context, deviceID string) (types.Reading, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-latest-reading")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var reading types.Reading
	err = c.do(ctx, http.MethodGet, "/api/v0/devices/"+deviceID+"/telemetry/latest", nil, &reading)

	return reading, err
}

func (c *telemetryClient) GetActiveAlarms(ctx context.Context, tenant string) ([]types.AlarmLifecycleMessage, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-active-alarms")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	alarms := []types.AlarmLifecycleMessage{}
	err = c.do(ctx, http.MethodGet, "/api/v0/alarms?active=true&tenant="+url.QueryEscape(tenant), nil, &alarms)

	return alarms, err
}

func (c *telemetryClient) GetAlarm(ctx context.Context, alarmID string) (types.Alarm, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-alarm")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var alarm types.Alarm
	err = c.do(ctx, http.MethodGet, "/api/v0/alarms/"+alarmID, nil, &alarm)

	return alarm, err
}

func (c *telemetryClient) ResolveAlarm(ctx context.Context, alarmID, userID, note string) error {
	var err error
	ctx, span := tracer.Start(ctx, "resolve-alarm")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	patch := struct {
		Status string `json:"status"`
		UserID string `json:"userId"`
		Note   string `json:"note"`
	}{
		Status: string(types.AlarmStatusResolved),
		UserID: userID,
		Note:   note,
	}

	err = c.do(ctx, http.MethodPatch, "/api/v0/alarms/"+alarmID, patch, nil)

	return err
}

func (c *telemetryClient) do(ctx context.Context, method, path string, body, result any) error {
	var reqBody io.Reader

	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Set("X-Allowed-Tenants", c.tenants)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("request failed with status code %d", resp.StatusCode)
	}

	if result == nil {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	err = json.Unmarshal(respBody, result)
	if err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}
