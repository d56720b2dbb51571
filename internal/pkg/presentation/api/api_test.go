package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/matryer/is"

	"github.com/diwise/iot-telemetry/internal/pkg/application/alarms"
	"github.com/diwise/iot-telemetry/internal/pkg/application/telemetry"
	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/broker"
	"github.com/diwise/iot-telemetry/internal/pkg/presentation/api/auth"
	"github.com/diwise/iot-telemetry/pkg/types"
)

type telemetryServiceMock struct {
	IngestFunc    func(ctx context.Context, deviceKey string, reading types.Reading) (types.Reading, error)
	GetLatestFunc func(ctx context.Context, deviceID string, tenants []string) (types.Reading, error)
	GetRecentFunc func(ctx context.Context, deviceID string, tenants []string) ([]types.Reading, error)

	ingestErrorCalls int
}

func (m *telemetryServiceMock) Ingest(ctx context.Context, deviceKey string, reading types.Reading) (types.Reading, error) {
	return m.IngestFunc(ctx, deviceKey, reading)
}
func (m *telemetryServiceMock) IngestBatch(ctx context.Context, deviceKey string, readings []types.Reading) ([]types.Reading, error) {
	stored := make([]types.Reading, 0, len(readings))
	for _, r := range readings {
		s, err := m.IngestFunc(ctx, deviceKey, r)
		if err != nil {
			return nil, err
		}
		stored = append(stored, s)
	}
	return stored, nil
}
func (m *telemetryServiceMock) RegisterIngestError(ctx context.Context, deviceKey string) {
	m.ingestErrorCalls++
}
func (m *telemetryServiceMock) GetLatest(ctx context.Context, deviceID string, tenants []string) (types.Reading, error) {
	return m.GetLatestFunc(ctx, deviceID, tenants)
}
func (m *telemetryServiceMock) GetRecent(ctx context.Context, deviceID string, tenants []string) ([]types.Reading, error) {
	if m.GetRecentFunc != nil {
		return m.GetRecentFunc(ctx, deviceID, tenants)
	}
	return []types.Reading{}, nil
}
func (m *telemetryServiceMock) GetTimeSeries(ctx context.Context, deviceID, channel string, from, to time.Time, interval time.Duration, tenants []string) ([]types.TimeSeriesPoint, error) {
	return []types.TimeSeriesPoint{}, nil
}
func (m *telemetryServiceMock) GetStatistics(ctx context.Context, deviceID, channel string, from, to time.Time, tenants []string) (types.Statistics, error) {
	return types.Statistics{Channel: channel}, nil
}
func (m *telemetryServiceMock) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return 0, nil
}
func (m *telemetryServiceMock) DeleteByDevice(ctx context.Context, deviceID string, tenants []string) (int64, error) {
	return 0, nil
}

type alarmServiceMock struct {
	GetActiveFunc func(ctx context.Context, tenant string) ([]types.AlarmLifecycleMessage, error)
	QueryFunc     func(ctx context.Context, severity types.Severity, offset, limit int, tenants []string) (types.Collection[types.Alarm], error)
	ResolveFunc   func(ctx context.Context, alarmID, userID, note string, tenants []string) error
}

func (m *alarmServiceMock) GetByID(ctx context.Context, alarmID string, tenants []string) (types.Alarm, error) {
	return types.Alarm{}, alarms.ErrAlarmNotFound
}
func (m *alarmServiceMock) Query(ctx context.Context, severity types.Severity, offset, limit int, tenants []string) (types.Collection[types.Alarm], error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, severity, offset, limit, tenants)
	}
	return types.Collection[types.Alarm]{}, nil
}
func (m *alarmServiceMock) GetCounters(ctx context.Context, day time.Time, deviceID string) (map[string]string, error) {
	return map[string]string{"MAJOR": "2"}, nil
}
func (m *alarmServiceMock) GetActive(ctx context.Context, tenant string) ([]types.AlarmLifecycleMessage, error) {
	if m.GetActiveFunc != nil {
		return m.GetActiveFunc(ctx, tenant)
	}
	return []types.AlarmLifecycleMessage{}, nil
}
func (m *alarmServiceMock) GetHistory(ctx context.Context, alarmID string, offset, limit int, tenants []string) (types.Collection[types.AlarmLifecycleMessage], error) {
	return types.Collection[types.AlarmLifecycleMessage]{}, nil
}
func (m *alarmServiceMock) Resolve(ctx context.Context, alarmID, userID, note string, tenants []string) error {
	if m.ResolveFunc != nil {
		return m.ResolveFunc(ctx, alarmID, userID, note, tenants)
	}
	return nil
}
func (m *alarmServiceMock) HandleCreated(ctx context.Context, msg types.AlarmLifecycleMessage) error {
	return nil
}
func (m *alarmServiceMock) HandleAcknowledged(ctx context.Context, msg types.AlarmLifecycleMessage) error {
	return nil
}
func (m *alarmServiceMock) HandleCleared(ctx context.Context, msg types.AlarmLifecycleMessage) error {
	return nil
}
func (m *alarmServiceMock) HandleEscalated(ctx context.Context, msg types.AlarmLifecycleMessage) error {
	return nil
}
func (m *alarmServiceMock) RegisterTopicMessageHandlers(sub broker.Subscriber) {}

func newTestServer(t *testing.T, svc telemetry.TelemetryService, alarmSvc alarms.AlarmService) *httptest.Server {
	t.Helper()

	r := chi.NewRouter()
	_, err := RegisterHandlers(context.Background(), r, svc, alarmSvc)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return srv
}

func TestRequestsWithoutTenantScopeAreDenied(t *testing.T) {
	is := is.New(t)

	srv := newTestServer(t, &telemetryServiceMock{}, &alarmServiceMock{})

	resp, err := http.Get(srv.URL + "/api/v0/alarms")
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(http.StatusForbidden, resp.StatusCode)
}

func TestHealthEndpointNeedsNoTenant(t *testing.T) {
	is := is.New(t)

	srv := newTestServer(t, &telemetryServiceMock{}, &alarmServiceMock{})

	resp, err := http.Get(srv.URL + "/health")
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(http.StatusNoContent, resp.StatusCode)
}

func TestIngestTelemetry(t *testing.T) {
	is := is.New(t)

	svc := &telemetryServiceMock{
		IngestFunc: func(ctx context.Context, deviceKey string, reading types.Reading) (types.Reading, error) {
			is.Equal("dk-001", deviceKey)
			reading.ID = "reading-001"
			reading.DeviceID = "device-001"
			return reading, nil
		},
	}

	srv := newTestServer(t, svc, &alarmServiceMock{})

	body := bytes.NewBufferString(`{"values":{"temperature":21.5}}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v0/telemetry/dk-001", body)
	req.Header.Set(auth.TenantsHeader, "default")

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(http.StatusCreated, resp.StatusCode)

	var stored types.Reading
	is.NoErr(json.NewDecoder(resp.Body).Decode(&stored))
	is.Equal("reading-001", stored.ID)
	is.Equal("device-001", stored.DeviceID)
}

func TestIngestTelemetryUnknownDeviceKey(t *testing.T) {
	is := is.New(t)

	svc := &telemetryServiceMock{
		IngestFunc: func(ctx context.Context, deviceKey string, reading types.Reading) (types.Reading, error) {
			return types.Reading{}, telemetry.ErrDeviceNotFound
		},
	}

	srv := newTestServer(t, svc, &alarmServiceMock{})

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v0/telemetry/bogus", bytes.NewBufferString(`{"values":{}}`))
	req.Header.Set(auth.TenantsHeader, "default")

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(http.StatusNotFound, resp.StatusCode)
}

func TestGetLatestReading(t *testing.T) {
	is := is.New(t)

	svc := &telemetryServiceMock{
		GetLatestFunc: func(ctx context.Context, deviceID string, tenants []string) (types.Reading, error) {
			is.Equal("device-001", deviceID)
			is.Equal([]string{"default"}, tenants)
			return types.Reading{ID: "reading-001", DeviceID: deviceID}, nil
		},
	}

	srv := newTestServer(t, svc, &alarmServiceMock{})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v0/devices/device-001/telemetry/latest", nil)
	req.Header.Set(auth.TenantsHeader, "default")

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(http.StatusOK, resp.StatusCode)
}

func TestQueryActiveAlarmsRequiresAllowedTenant(t *testing.T) {
	is := is.New(t)

	alarmSvc := &alarmServiceMock{
		GetActiveFunc: func(ctx context.Context, tenant string) ([]types.AlarmLifecycleMessage, error) {
			return []types.AlarmLifecycleMessage{{ID: "alarm-001", Tenant: tenant}}, nil
		},
	}

	srv := newTestServer(t, &telemetryServiceMock{}, alarmSvc)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v0/alarms?active=true&tenant=other", nil)
	req.Header.Set(auth.TenantsHeader, "default")

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(http.StatusForbidden, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/v0/alarms?active=true", nil)
	req.Header.Set(auth.TenantsHeader, "default")

	resp, err = http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(http.StatusOK, resp.StatusCode)

	var active []types.AlarmLifecycleMessage
	is.NoErr(json.NewDecoder(resp.Body).Decode(&active))
	is.Equal(1, len(active))
	is.Equal("default", active[0].Tenant)
}

func TestIngestTelemetryMalformedBodyRegistersDeviceError(t *testing.T) {
	is := is.New(t)

	svc := &telemetryServiceMock{}
	srv := newTestServer(t, svc, &alarmServiceMock{})

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v0/telemetry/dk-001", bytes.NewBufferString("not json"))
	req.Header.Set(auth.TenantsHeader, "default")

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(http.StatusBadRequest, resp.StatusCode)
	is.Equal(1, svc.ingestErrorCalls)
}

func TestGetRecentReadings(t *testing.T) {
	is := is.New(t)

	svc := &telemetryServiceMock{
		GetRecentFunc: func(ctx context.Context, deviceID string, tenants []string) ([]types.Reading, error) {
			is.Equal("device-001", deviceID)
			return []types.Reading{{ID: "reading-002"}, {ID: "reading-001"}}, nil
		},
	}

	srv := newTestServer(t, svc, &alarmServiceMock{})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v0/devices/device-001/telemetry/recent", nil)
	req.Header.Set(auth.TenantsHeader, "default")

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(http.StatusOK, resp.StatusCode)

	var readings []types.Reading
	is.NoErr(json.NewDecoder(resp.Body).Decode(&readings))
	is.Equal(2, len(readings))
}

func TestDeleteDeviceTelemetry(t *testing.T) {
	is := is.New(t)

	srv := newTestServer(t, &telemetryServiceMock{}, &alarmServiceMock{})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v0/devices/device-001/telemetry", nil)
	req.Header.Set(auth.TenantsHeader, "default")

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(http.StatusOK, resp.StatusCode)

	var result map[string]int64
	is.NoErr(json.NewDecoder(resp.Body).Decode(&result))
	_, ok := result["deleted"]
	is.True(ok)
}

func TestQueryAlarmsBySeverity(t *testing.T) {
	is := is.New(t)

	alarmSvc := &alarmServiceMock{
		QueryFunc: func(ctx context.Context, severity types.Severity, offset, limit int, tenants []string) (types.Collection[types.Alarm], error) {
			is.Equal(types.SeverityCritical, severity)
			return types.Collection[types.Alarm]{}, nil
		},
	}

	srv := newTestServer(t, &telemetryServiceMock{}, alarmSvc)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v0/alarms?severity=CRITICAL", nil)
	req.Header.Set(auth.TenantsHeader, "default")

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/v0/alarms?severity=bogus", nil)
	req.Header.Set(auth.TenantsHeader, "default")

	resp, err = http.DefaultClient.Do(req)
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(http.StatusBadRequest, resp.StatusCode)
}

func TestGetAlarmCounters(t *testing.T) {
	is := is.New(t)

	srv := newTestServer(t, &telemetryServiceMock{}, &alarmServiceMock{})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v0/stats/alarms?day=2025-03-01", nil)
	req.Header.Set(auth.TenantsHeader, "default")

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(http.StatusOK, resp.StatusCode)

	var counters map[string]string
	is.NoErr(json.NewDecoder(resp.Body).Decode(&counters))
	is.Equal("2", counters["MAJOR"])

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/v0/stats/alarms?day=yesterday", nil)
	req.Header.Set(auth.TenantsHeader, "default")

	resp2, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	resp2.Body.Close()
	is.Equal(http.StatusBadRequest, resp2.StatusCode)
}

func TestResolveAlarm(t *testing.T) {
	is := is.New(t)

	alarmSvc := &alarmServiceMock{
		ResolveFunc: func(ctx context.Context, alarmID, userID, note string, tenants []string) error {
			is.Equal("alarm-001", alarmID)
			is.Equal("user-007", userID)
			return nil
		},
	}

	srv := newTestServer(t, &telemetryServiceMock{}, alarmSvc)

	body := bytes.NewBufferString(`{"status":"resolved","userId":"user-007","note":"sensor replaced"}`)
	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/api/v0/alarms/alarm-001", body)
	req.Header.Set(auth.TenantsHeader, "default")

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(http.StatusNoContent, resp.StatusCode)
}

func TestResolveAlarmConflictOnClosedAlarm(t *testing.T) {
	is := is.New(t)

	alarmSvc := &alarmServiceMock{
		ResolveFunc: func(ctx context.Context, alarmID, userID, note string, tenants []string) error {
			return alarms.ErrInvalidTransition
		},
	}

	srv := newTestServer(t, &telemetryServiceMock{}, alarmSvc)

	body := bytes.NewBufferString(`{"status":"resolved"}`)
	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/api/v0/alarms/alarm-001", body)
	req.Header.Set(auth.TenantsHeader, "default")

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(http.StatusConflict, resp.StatusCode)
}
