package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/broker"
	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/cache"
	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/storage"
	"github.com/diwise/iot-telemetry/pkg/types"
)

type readingStoreMock struct {
	GetDeviceFunc               func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error)
	RegisterActivityFunc        func(ctx context.Context, deviceID string, seenAt time.Time) error
	AddReadingFunc              func(ctx context.Context, reading types.Reading) (types.Reading, error)
	AddReadingsFunc             func(ctx context.Context, readings []types.Reading) ([]types.Reading, error)
	GetLatestReadingFunc        func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Reading, error)
	QueryTimeSeriesFunc         func(ctx context.Context, deviceID, channel string, from, to time.Time, interval time.Duration, tenants []string) ([]types.TimeSeriesPoint, error)
	GetStatisticsFunc           func(ctx context.Context, deviceID, channel string, from, to time.Time, tenants []string) (types.Statistics, error)
	QueryReadingsFunc           func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Reading], error)
	DeleteReadingsOlderThanFunc func(ctx context.Context, age time.Duration) (int64, error)
	DeleteReadingsByDeviceFunc  func(ctx context.Context, deviceID string) (int64, error)

	registerActivityCalls int
	registerErrorCalls    int
}

func (m *readingStoreMock) GetDevice(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
	return m.GetDeviceFunc(ctx, conditions...)
}
func (m *readingStoreMock) RegisterActivity(ctx context.Context, deviceID string, seenAt time.Time) error {
	m.registerActivityCalls++
	if m.RegisterActivityFunc != nil {
		return m.RegisterActivityFunc(ctx, deviceID, seenAt)
	}
	return nil
}
func (m *readingStoreMock) AddReading(ctx context.Context, reading types.Reading) (types.Reading, error) {
	return m.AddReadingFunc(ctx, reading)
}
func (m *readingStoreMock) AddReadings(ctx context.Context, readings []types.Reading) ([]types.Reading, error) {
	return m.AddReadingsFunc(ctx, readings)
}
func (m *readingStoreMock) RegisterError(ctx context.Context, deviceID string) error {
	m.registerErrorCalls++
	return nil
}
func (m *readingStoreMock) GetLatestReading(ctx context.Context, conditions ...storage.ConditionFunc) (types.Reading, error) {
	return m.GetLatestReadingFunc(ctx, conditions...)
}
func (m *readingStoreMock) QueryReadings(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Reading], error) {
	if m.QueryReadingsFunc != nil {
		return m.QueryReadingsFunc(ctx, conditions...)
	}
	return types.Collection[types.Reading]{}, nil
}
func (m *readingStoreMock) QueryTimeSeries(ctx context.Context, deviceID, channel string, from, to time.Time, interval time.Duration, tenants []string) ([]types.TimeSeriesPoint, error) {
	return m.QueryTimeSeriesFunc(ctx, deviceID, channel, from, to, interval, tenants)
}
func (m *readingStoreMock) GetStatistics(ctx context.Context, deviceID, channel string, from, to time.Time, tenants []string) (types.Statistics, error) {
	return m.GetStatisticsFunc(ctx, deviceID, channel, from, to, tenants)
}
func (m *readingStoreMock) DeleteReadingsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return m.DeleteReadingsOlderThanFunc(ctx, age)
}
func (m *readingStoreMock) DeleteReadingsByDevice(ctx context.Context, deviceID string) (int64, error) {
	return m.DeleteReadingsByDeviceFunc(ctx, deviceID)
}

type readingCacheMock struct {
	SetLatestReadingFunc  func(ctx context.Context, reading types.Reading) error
	GetLatestReadingFunc  func(ctx context.Context, deviceID string) (map[string]string, error)
	PushRecentReadingFunc func(ctx context.Context, reading types.Reading) error
	GetRecentReadingsFunc func(ctx context.Context, deviceID string) ([]types.Reading, error)
	SetDeviceLastSeenFunc func(ctx context.Context, deviceID string, ts time.Time) error

	setLatestCalls int
}

func (m *readingCacheMock) SetLatestReading(ctx context.Context, reading types.Reading) error {
	m.setLatestCalls++
	if m.SetLatestReadingFunc != nil {
		return m.SetLatestReadingFunc(ctx, reading)
	}
	return nil
}
func (m *readingCacheMock) GetLatestReading(ctx context.Context, deviceID string) (map[string]string, error) {
	if m.GetLatestReadingFunc != nil {
		return m.GetLatestReadingFunc(ctx, deviceID)
	}
	return nil, cache.ErrCacheMiss
}
func (m *readingCacheMock) PushRecentReading(ctx context.Context, reading types.Reading) error {
	if m.PushRecentReadingFunc != nil {
		return m.PushRecentReadingFunc(ctx, reading)
	}
	return nil
}
func (m *readingCacheMock) GetRecentReadings(ctx context.Context, deviceID string) ([]types.Reading, error) {
	if m.GetRecentReadingsFunc != nil {
		return m.GetRecentReadingsFunc(ctx, deviceID)
	}
	return nil, nil
}
func (m *readingCacheMock) SetDeviceLastSeen(ctx context.Context, deviceID string, ts time.Time) error {
	if m.SetDeviceLastSeenFunc != nil {
		return m.SetDeviceLastSeenFunc(ctx, deviceID, ts)
	}
	return nil
}

type publisherMock struct {
	PublishFunc      func(ctx context.Context, topic, key string, body []byte) error
	PublishBatchFunc func(ctx context.Context, topic string, msgs []broker.Message) error

	publishCalls int
	lastTopic    string
	lastKey      string
}

func (m *publisherMock) Publish(ctx context.Context, topic, key string, body []byte) error {
	m.publishCalls++
	m.lastTopic = topic
	m.lastKey = key
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, topic, key, body)
	}
	return nil
}
func (m *publisherMock) PublishBatch(ctx context.Context, topic string, msgs []broker.Message) error {
	if m.PublishBatchFunc != nil {
		return m.PublishBatchFunc(ctx, topic, msgs)
	}
	return nil
}
func (m *publisherMock) Close() error { return nil }

func testDevice() types.Device {
	return types.Device{
		DeviceID:  "device-001",
		DeviceKey: "dk-001",
		Tenant:    "default",
		Active:    true,
	}
}

func TestIngestStampsIdentityAndPromotesChannels(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	var persisted types.Reading
	s := &readingStoreMock{
		GetDeviceFunc: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
			return testDevice(), nil
		},
		AddReadingFunc: func(ctx context.Context, reading types.Reading) (types.Reading, error) {
			persisted = reading
			return reading, nil
		},
	}
	c := &readingCacheMock{}
	p := &publisherMock{}

	svc := New(s, c, p)

	stored, err := svc.Ingest(ctx, "dk-001", types.Reading{
		Values: map[string]any{"temperature": 21.5, "doorOpen": true},
	})
	is.NoErr(err)

	is.Equal("device-001", stored.DeviceID)
	is.Equal("default", stored.Tenant)
	is.True(stored.ID != "")
	is.True(!stored.Timestamp.IsZero())

	is.True(persisted.Temperature != nil)
	is.Equal(21.5, *persisted.Temperature)
	is.True(persisted.Humidity == nil)

	is.Equal(1, p.publishCalls)
	is.Equal(types.TopicTelemetryRaw, p.lastTopic)
	is.Equal("device-001", p.lastKey)
}

func TestIngestUnknownDeviceKey(t *testing.T) {
	is := is.New(t)

	s := &readingStoreMock{
		GetDeviceFunc: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
			return types.Device{}, storage.ErrDeviceNotFound
		},
	}

	svc := New(s, &readingCacheMock{}, &publisherMock{})

	_, err := svc.Ingest(context.Background(), "bogus", types.Reading{Values: map[string]any{"temperature": 1.0}})
	is.True(errors.Is(err, ErrDeviceNotFound))
}

func TestIngestSurvivesBrokerAndCacheFailures(t *testing.T) {
	is := is.New(t)

	s := &readingStoreMock{
		GetDeviceFunc: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
			return testDevice(), nil
		},
		AddReadingFunc: func(ctx context.Context, reading types.Reading) (types.Reading, error) {
			return reading, nil
		},
	}
	c := &readingCacheMock{
		SetLatestReadingFunc: func(ctx context.Context, reading types.Reading) error {
			return errors.New("redis is down")
		},
		PushRecentReadingFunc: func(ctx context.Context, reading types.Reading) error {
			return errors.New("redis is down")
		},
	}
	p := &publisherMock{
		PublishFunc: func(ctx context.Context, topic, key string, body []byte) error {
			return errors.New("broker is down")
		},
	}

	svc := New(s, c, p)

	stored, err := svc.Ingest(context.Background(), "dk-001", types.Reading{Values: map[string]any{"temperature": 1.0}})
	is.NoErr(err)
	is.Equal("device-001", stored.DeviceID)
	is.Equal(1, s.registerActivityCalls)
}

func TestIngestFailsWhenStoreFails(t *testing.T) {
	is := is.New(t)

	s := &readingStoreMock{
		GetDeviceFunc: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
			return testDevice(), nil
		},
		AddReadingFunc: func(ctx context.Context, reading types.Reading) (types.Reading, error) {
			return types.Reading{}, storage.ErrStoreFailed
		},
	}

	svc := New(s, &readingCacheMock{}, &publisherMock{})

	_, err := svc.Ingest(context.Background(), "dk-001", types.Reading{Values: map[string]any{"temperature": 1.0}})
	is.True(errors.Is(err, storage.ErrStoreFailed))
	is.Equal(0, s.registerActivityCalls)
}

func TestIngestBatchPersistsAllReadings(t *testing.T) {
	is := is.New(t)

	var persisted []types.Reading
	s := &readingStoreMock{
		GetDeviceFunc: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
			return testDevice(), nil
		},
		AddReadingsFunc: func(ctx context.Context, readings []types.Reading) ([]types.Reading, error) {
			persisted = readings
			return readings, nil
		},
	}
	c := &readingCacheMock{}

	var batched []broker.Message
	p := &publisherMock{
		PublishBatchFunc: func(ctx context.Context, topic string, msgs []broker.Message) error {
			batched = msgs
			return nil
		},
	}

	svc := New(s, c, p)

	stored, err := svc.IngestBatch(context.Background(), "dk-001", []types.Reading{
		{Values: map[string]any{"temperature": 1.0}},
		{Values: map[string]any{"temperature": 2.0}},
		{Values: map[string]any{"temperature": 3.0}},
	})
	is.NoErr(err)
	is.Equal(3, len(stored))
	is.Equal(3, len(persisted))
	is.Equal(3, len(batched))
	is.Equal("device-001", batched[0].Key)
	is.Equal(3, s.registerActivityCalls)
	is.Equal(3, c.setLatestCalls)
}

func TestGetLatestPrefersCache(t *testing.T) {
	is := is.New(t)

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	s := &readingStoreMock{
		GetDeviceFunc: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
			return testDevice(), nil
		},
		GetLatestReadingFunc: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Reading, error) {
			t.Fatal("durable store should not be queried on a cache hit")
			return types.Reading{}, nil
		},
	}
	c := &readingCacheMock{
		GetLatestReadingFunc: func(ctx context.Context, deviceID string) (map[string]string, error) {
			return map[string]string{
				"timestamp":   ts.Format(time.RFC3339Nano),
				"temperature": "21.5",
			}, nil
		},
	}

	svc := New(s, c, &publisherMock{})

	reading, err := svc.GetLatest(context.Background(), "device-001", []string{"default"})
	is.NoErr(err)
	is.Equal("device-001", reading.DeviceID)
	is.True(reading.Timestamp.Equal(ts))
	is.Equal(21.5, reading.Values["temperature"])
}

func TestGetLatestCacheHitHasSameShapeAsDurableFallback(t *testing.T) {
	is := is.New(t)

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	s := &readingStoreMock{
		GetDeviceFunc: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
			return testDevice(), nil
		},
	}
	c := &readingCacheMock{
		GetLatestReadingFunc: func(ctx context.Context, deviceID string) (map[string]string, error) {
			return map[string]string{
				"id":          "reading-001",
				"timestamp":   ts.Format(time.RFC3339Nano),
				"temperature": "21.5",
				"humidity":    "40",
				"doorOpen":    "true",
			}, nil
		},
	}

	svc := New(s, c, &publisherMock{})

	reading, err := svc.GetLatest(context.Background(), "device-001", []string{"default"})
	is.NoErr(err)

	is.Equal("reading-001", reading.ID)
	is.True(reading.Temperature != nil)
	is.Equal(21.5, *reading.Temperature)
	is.True(reading.Humidity != nil)
	is.Equal(40.0, *reading.Humidity)
	is.Equal(true, reading.Values["doorOpen"])

	// the hash bookkeeping fields are not channels
	_, hasID := reading.Values["id"]
	is.True(!hasID)
	_, hasTimestamp := reading.Values["timestamp"]
	is.True(!hasTimestamp)
}

func TestGetRecentPrefersCache(t *testing.T) {
	is := is.New(t)

	s := &readingStoreMock{
		GetDeviceFunc: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
			return testDevice(), nil
		},
		QueryReadingsFunc: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Reading], error) {
			t.Fatal("durable store should not be queried on a cache hit")
			return types.Collection[types.Reading]{}, nil
		},
	}
	c := &readingCacheMock{
		GetRecentReadingsFunc: func(ctx context.Context, deviceID string) ([]types.Reading, error) {
			return []types.Reading{{ID: "reading-002"}, {ID: "reading-001"}}, nil
		},
	}

	svc := New(s, c, &publisherMock{})

	readings, err := svc.GetRecent(context.Background(), "device-001", []string{"default"})
	is.NoErr(err)
	is.Equal(2, len(readings))
	is.Equal("reading-002", readings[0].ID)
}

func TestGetRecentFallsBackToStore(t *testing.T) {
	is := is.New(t)

	s := &readingStoreMock{
		GetDeviceFunc: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
			return testDevice(), nil
		},
		QueryReadingsFunc: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Reading], error) {
			condition := &storage.Condition{}
			for _, f := range conditions {
				f(condition)
			}
			is.Equal("device-001", condition.DeviceID)
			is.Equal(100, condition.Limit())

			return types.Collection[types.Reading]{Data: []types.Reading{{ID: "reading-001"}}}, nil
		},
	}
	c := &readingCacheMock{
		GetRecentReadingsFunc: func(ctx context.Context, deviceID string) ([]types.Reading, error) {
			return nil, errors.New("redis is down")
		},
	}

	svc := New(s, c, &publisherMock{})

	readings, err := svc.GetRecent(context.Background(), "device-001", []string{"default"})
	is.NoErr(err)
	is.Equal(1, len(readings))
}

func TestRegisterIngestErrorBumpsErrorCounter(t *testing.T) {
	is := is.New(t)

	s := &readingStoreMock{
		GetDeviceFunc: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
			return testDevice(), nil
		},
	}

	svc := New(s, &readingCacheMock{}, &publisherMock{})

	svc.RegisterIngestError(context.Background(), "dk-001")
	is.Equal(1, s.registerErrorCalls)

	s.GetDeviceFunc = func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
		return types.Device{}, storage.ErrDeviceNotFound
	}

	svc.RegisterIngestError(context.Background(), "bogus")
	is.Equal(1, s.registerErrorCalls)
}

func TestGetLatestFallsBackToStoreAndBackfills(t *testing.T) {
	is := is.New(t)

	fromStore := types.Reading{
		ID:        "reading-001",
		DeviceID:  "device-001",
		Tenant:    "default",
		Timestamp: time.Now().UTC(),
		Values:    map[string]any{"temperature": 19.0},
	}

	s := &readingStoreMock{
		GetDeviceFunc: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
			return testDevice(), nil
		},
		GetLatestReadingFunc: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Reading, error) {
			return fromStore, nil
		},
	}
	c := &readingCacheMock{}

	svc := New(s, c, &publisherMock{})

	reading, err := svc.GetLatest(context.Background(), "device-001", []string{"default"})
	is.NoErr(err)
	is.Equal("reading-001", reading.ID)
	is.Equal(1, c.setLatestCalls)
}
