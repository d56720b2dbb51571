package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/broker"
	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/cache"
	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/storage"
	"github.com/diwise/iot-telemetry/pkg/types"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/google/uuid"
)

var ErrDeviceNotFound = storage.ErrDeviceNotFound

type TelemetryService interface {
	Ingest(ctx context.Context, deviceKey string, reading types.Reading) (types.Reading, error)
	IngestBatch(ctx context.Context, deviceKey string, readings []types.Reading) ([]types.Reading, error)

	RegisterIngestError(ctx context.Context, deviceKey string)

	GetLatest(ctx context.Context, deviceID string, tenants []string) (types.Reading, error)
	GetRecent(ctx context.Context, deviceID string, tenants []string) ([]types.Reading, error)
	GetTimeSeries(ctx context.Context, deviceID, channel string, from, to time.Time, interval time.Duration, tenants []string) ([]types.TimeSeriesPoint, error)
	GetStatistics(ctx context.Context, deviceID, channel string, from, to time.Time, tenants []string) (types.Statistics, error)

	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
	DeleteByDevice(ctx context.Context, deviceID string, tenants []string) (int64, error)
}

type ReadingStore interface {
	GetDevice(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error)
	RegisterActivity(ctx context.Context, deviceID string, seenAt time.Time) error
	RegisterError(ctx context.Context, deviceID string) error

	AddReading(ctx context.Context, reading types.Reading) (types.Reading, error)
	AddReadings(ctx context.Context, readings []types.Reading) ([]types.Reading, error)
	GetLatestReading(ctx context.Context, conditions ...storage.ConditionFunc) (types.Reading, error)
	QueryReadings(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Reading], error)
	QueryTimeSeries(ctx context.Context, deviceID, channel string, from, to time.Time, interval time.Duration, tenants []string) ([]types.TimeSeriesPoint, error)
	GetStatistics(ctx context.Context, deviceID, channel string, from, to time.Time, tenants []string) (types.Statistics, error)
	DeleteReadingsOlderThan(ctx context.Context, age time.Duration) (int64, error)
	DeleteReadingsByDevice(ctx context.Context, deviceID string) (int64, error)
}

type ReadingCache interface {
	SetLatestReading(ctx context.Context, reading types.Reading) error
	GetLatestReading(ctx context.Context, deviceID string) (map[string]string, error)
	PushRecentReading(ctx context.Context, reading types.Reading) error
	GetRecentReadings(ctx context.Context, deviceID string) ([]types.Reading, error)
	SetDeviceLastSeen(ctx context.Context, deviceID string, ts time.Time) error
}

type telemetrySvc struct {
	storage   ReadingStore
	cache     ReadingCache
	publisher broker.Publisher
}

func New(s ReadingStore, c ReadingCache, p broker.Publisher) TelemetryService {
	return &telemetrySvc{
		storage:   s,
		cache:     c,
		publisher: p,
	}
}

// Ingest accepts one reading for the device identified by deviceKey. The
// durable write is the source of truth; broker publish and cache updates
// are best effort and never fail the call.
func (svc *telemetrySvc) Ingest(ctx context.Context, deviceKey string, reading types.Reading) (types.Reading, error) {
	device, err := svc.storage.GetDevice(ctx, storage.WithDeviceKey(deviceKey))
	if err != nil {
		return types.Reading{}, err
	}

	reading = prepare(reading, device)

	log := logging.GetFromContext(ctx)

	body, _ := json.Marshal(reading)
	err = svc.publisher.Publish(ctx, types.TopicTelemetryRaw, reading.DeviceID, body)
	if err != nil {
		log.Error("failed to publish raw telemetry", "device_id", reading.DeviceID, "err", err.Error())
	}

	stored, err := svc.storage.AddReading(ctx, reading)
	if err != nil {
		return types.Reading{}, fmt.Errorf("could not store reading: %w", err)
	}

	svc.updateCaches(ctx, stored)

	err = svc.storage.RegisterActivity(ctx, stored.DeviceID, stored.Timestamp)
	if err != nil {
		log.Error("failed to register device activity", "device_id", stored.DeviceID, "err", err.Error())
	}

	return stored, nil
}

// IngestBatch applies the same steps per reading, with one batched publish
// and one bulk persist.
func (svc *telemetrySvc) IngestBatch(ctx context.Context, deviceKey string, readings []types.Reading) ([]types.Reading, error) {
	if len(readings) == 0 {
		return []types.Reading{}, nil
	}

	device, err := svc.storage.GetDevice(ctx, storage.WithDeviceKey(deviceKey))
	if err != nil {
		return nil, err
	}

	log := logging.GetFromContext(ctx)

	msgs := make([]broker.Message, 0, len(readings))
	for i := range readings {
		readings[i] = prepare(readings[i], device)

		body, _ := json.Marshal(readings[i])
		msgs = append(msgs, broker.Message{Key: readings[i].DeviceID, Body: body})
	}

	err = svc.publisher.PublishBatch(ctx, types.TopicTelemetryRaw, msgs)
	if err != nil {
		log.Error("failed to publish raw telemetry batch", "device_id", device.DeviceID, "err", err.Error())
	}

	stored, err := svc.storage.AddReadings(ctx, readings)
	if err != nil {
		return nil, fmt.Errorf("could not store readings: %w", err)
	}

	for _, r := range stored {
		svc.updateCaches(ctx, r)

		err = svc.storage.RegisterActivity(ctx, r.DeviceID, r.Timestamp)
		if err != nil {
			log.Error("failed to register device activity", "device_id", r.DeviceID, "err", err.Error())
		}
	}

	return stored, nil
}

func (svc *telemetrySvc) updateCaches(ctx context.Context, reading types.Reading) {
	log := logging.GetFromContext(ctx)

	err := svc.cache.SetLatestReading(ctx, reading)
	if err != nil {
		log.Warn("failed to update latest reading cache", "device_id", reading.DeviceID, "err", err.Error())
	}

	err = svc.cache.PushRecentReading(ctx, reading)
	if err != nil {
		log.Warn("failed to update recent readings cache", "device_id", reading.DeviceID, "err", err.Error())
	}

	err = svc.cache.SetDeviceLastSeen(ctx, reading.DeviceID, reading.Timestamp)
	if err != nil {
		log.Warn("failed to update device state cache", "device_id", reading.DeviceID, "err", err.Error())
	}
}

// GetLatest serves the most recent reading from the cache when possible,
// falling back to the durable store and backfilling the cache on a miss.
func (svc *telemetrySvc) GetLatest(ctx context.Context, deviceID string, tenants []string) (types.Reading, error) {
	device, err := svc.storage.GetDevice(ctx, storage.WithDeviceID(deviceID), storage.WithTenants(tenants))
	if err != nil {
		return types.Reading{}, err
	}

	log := logging.GetFromContext(ctx)

	cached, err := svc.cache.GetLatestReading(ctx, device.DeviceID)
	if err == nil {
		if reading, ok := readingFromCache(device, cached); ok {
			return reading, nil
		}
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		log.Warn("failed to read latest reading cache", "device_id", device.DeviceID, "err", err.Error())
	}

	reading, err := svc.storage.GetLatestReading(ctx, storage.WithDeviceID(device.DeviceID), storage.WithTenants(tenants))
	if err != nil {
		return types.Reading{}, err
	}

	err = svc.cache.SetLatestReading(ctx, reading)
	if err != nil {
		log.Warn("failed to backfill latest reading cache", "device_id", device.DeviceID, "err", err.Error())
	}

	return reading, nil
}

// RegisterIngestError bumps the error counter for the device behind a
// rejected payload. Best effort, unknown device keys are ignored.
func (svc *telemetrySvc) RegisterIngestError(ctx context.Context, deviceKey string) {
	device, err := svc.storage.GetDevice(ctx, storage.WithDeviceKey(deviceKey))
	if err != nil {
		return
	}

	err = svc.storage.RegisterError(ctx, device.DeviceID)
	if err != nil {
		logging.GetFromContext(ctx).Warn("failed to register device error", "device_id", device.DeviceID, "err", err.Error())
	}
}

// GetRecent serves the bounded recent readings list from the cache and falls
// back to the durable store when the list has expired.
func (svc *telemetrySvc) GetRecent(ctx context.Context, deviceID string, tenants []string) ([]types.Reading, error) {
	device, err := svc.storage.GetDevice(ctx, storage.WithDeviceID(deviceID), storage.WithTenants(tenants))
	if err != nil {
		return nil, err
	}

	log := logging.GetFromContext(ctx)

	cached, err := svc.cache.GetRecentReadings(ctx, device.DeviceID)
	if err != nil {
		log.Warn("failed to read recent readings cache", "device_id", device.DeviceID, "err", err.Error())
	}
	if len(cached) > 0 {
		return cached, nil
	}

	result, err := svc.storage.QueryReadings(ctx,
		storage.WithDeviceID(device.DeviceID), storage.WithTenants(tenants),
		storage.WithSortBy("time"), storage.WithSortDesc(true),
		storage.WithLimit(cache.RecentReadingsMax))
	if err != nil {
		return nil, err
	}

	return result.Data, nil
}

func (svc *telemetrySvc) GetTimeSeries(ctx context.Context, deviceID, channel string, from, to time.Time, interval time.Duration, tenants []string) ([]types.TimeSeriesPoint, error) {
	device, err := svc.storage.GetDevice(ctx, storage.WithDeviceID(deviceID), storage.WithTenants(tenants))
	if err != nil {
		return nil, err
	}

	return svc.storage.QueryTimeSeries(ctx, device.DeviceID, channel, from, to, interval, tenants)
}

func (svc *telemetrySvc) GetStatistics(ctx context.Context, deviceID, channel string, from, to time.Time, tenants []string) (types.Statistics, error) {
	device, err := svc.storage.GetDevice(ctx, storage.WithDeviceID(deviceID), storage.WithTenants(tenants))
	if err != nil {
		return types.Statistics{}, err
	}

	return svc.storage.GetStatistics(ctx, device.DeviceID, channel, from, to, tenants)
}

func (svc *telemetrySvc) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return svc.storage.DeleteReadingsOlderThan(ctx, age)
}

func (svc *telemetrySvc) DeleteByDevice(ctx context.Context, deviceID string, tenants []string) (int64, error) {
	device, err := svc.storage.GetDevice(ctx, storage.WithDeviceID(deviceID), storage.WithTenants(tenants))
	if err != nil {
		return 0, err
	}

	return svc.storage.DeleteReadingsByDevice(ctx, device.DeviceID)
}

// prepare stamps identity and timestamp onto an incoming reading and
// promotes well known channels from the open-ended payload.
func prepare(reading types.Reading, device types.Device) types.Reading {
	reading.ID = uuid.NewString()
	reading.DeviceID = device.DeviceID
	reading.Tenant = device.Tenant

	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now().UTC()
	}

	return promoteChannels(reading)
}

// promoteChannels lifts well known channels out of the open-ended payload
// into their typed fields.
func promoteChannels(reading types.Reading) types.Reading {
	promote := func(channel string, target **float64) {
		if *target != nil {
			return
		}
		if v, ok := reading.Values[channel]; ok {
			if f, ok := v.(float64); ok {
				value := f
				*target = &value
			}
		}
	}

	promote("temperature", &reading.Temperature)
	promote("humidity", &reading.Humidity)
	promote("pressure", &reading.Pressure)
	promote("batteryLevel", &reading.BatteryLevel)
	promote("signalStrength", &reading.SignalStrength)
	promote("latitude", &reading.Latitude)
	promote("longitude", &reading.Longitude)

	return reading
}

// readingFromCache rebuilds a reading from the per-device latest hash so
// that a cache hit has the same shape as the durable fallback.
func readingFromCache(device types.Device, cached map[string]string) (types.Reading, bool) {
	ts, err := time.Parse(time.RFC3339Nano, cached["timestamp"])
	if err != nil {
		return types.Reading{}, false
	}

	reading := types.Reading{
		ID:        cached["id"],
		DeviceID:  device.DeviceID,
		Tenant:    device.Tenant,
		Timestamp: ts,
		Values:    map[string]any{},
	}

	for channel, raw := range cached {
		if channel == "id" || channel == "timestamp" {
			continue
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			continue
		}
		reading.Values[channel] = value
	}

	return promoteChannels(reading), true
}
