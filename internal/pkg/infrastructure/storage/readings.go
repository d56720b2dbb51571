package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/iot-telemetry/pkg/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// promoted channels that have their own indexed column
var channelColumns = map[string]string{
	"temperature":    "temperature",
	"humidity":       "humidity",
	"pressure":       "pressure",
	"batteryLevel":   "battery_level",
	"signalStrength": "signal_strength",
}

var ErrUnknownChannel = errors.New("unknown telemetry channel")

func readingArgs(r types.Reading) pgx.NamedArgs {
	payload, _ := json.Marshal(r.Values)
	metadata, _ := json.Marshal(r.Metadata)

	args := pgx.NamedArgs{
		"reading_id":      r.ID,
		"device_id":       r.DeviceID,
		"tenant":          r.Tenant,
		"time":            r.Timestamp.UTC(),
		"payload":         string(payload),
		"temperature":     r.Temperature,
		"humidity":        r.Humidity,
		"pressure":        r.Pressure,
		"battery_level":   r.BatteryLevel,
		"signal_strength": r.SignalStrength,
		"metadata":        string(metadata),
	}

	if r.Latitude != nil && r.Longitude != nil {
		args["lat"] = *r.Latitude
		args["lon"] = *r.Longitude
	} else {
		args["lat"] = nil
		args["lon"] = nil
	}

	return args
}

const insertReadingSQL = `
	INSERT INTO readings (reading_id, device_id, tenant, time, payload, temperature, humidity, pressure, battery_level, signal_strength, location, metadata)
	VALUES (@reading_id, @device_id, @tenant, @time, @payload, @temperature, @humidity, @pressure, @battery_level, @signal_strength,
		CASE WHEN @lon::numeric IS NULL THEN NULL ELSE point(@lon,@lat) END, @metadata)
`

func (s *Storage) AddReading(ctx context.Context, reading types.Reading) (types.Reading, error) {
	if reading.ID == "" {
		reading.ID = uuid.NewString()
	}

	_, err := s.pool.Exec(ctx, insertReadingSQL, readingArgs(reading))
	if err != nil {
		return types.Reading{}, fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
	}

	return reading, nil
}

// AddReadings persists a batch in a single round trip.
func (s *Storage) AddReadings(ctx context.Context, readings []types.Reading) ([]types.Reading, error) {
	batch := &pgx.Batch{}

	for i := range readings {
		if readings[i].ID == "" {
			readings[i].ID = uuid.NewString()
		}
		batch.Queue(insertReadingSQL, readingArgs(readings[i]))
	}

	err := s.pool.SendBatch(ctx, batch).Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
	}

	return readings, nil
}

func scanReading(row pgx.Row) (types.Reading, error) {
	var readingID, deviceID, tenant string
	var ts time.Time
	var payload, metadata []byte
	var temperature, humidity, pressure, batteryLevel, signalStrength *float64

	err := row.Scan(&readingID, &deviceID, &tenant, &ts, &payload,
		&temperature, &humidity, &pressure, &batteryLevel, &signalStrength, &metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Reading{}, ErrNoRows
		}
		return types.Reading{}, err
	}

	reading := types.Reading{
		ID:             readingID,
		DeviceID:       deviceID,
		Tenant:         tenant,
		Timestamp:      ts,
		Temperature:    temperature,
		Humidity:       humidity,
		Pressure:       pressure,
		BatteryLevel:   batteryLevel,
		SignalStrength: signalStrength,
	}

	var errs []error
	errs = append(errs, json.Unmarshal(payload, &reading.Values))
	if len(metadata) > 0 {
		errs = append(errs, json.Unmarshal(metadata, &reading.Metadata))
	}

	return reading, errors.Join(errs...)
}

func (s *Storage) GetLatestReading(ctx context.Context, conditions ...ConditionFunc) (types.Reading, error) {
	condition := &Condition{}
	for _, f := range conditions {
		f(condition)
	}

	args := condition.NamedArgs()
	where := condition.Where()

	query := fmt.Sprintf(`
		SELECT reading_id, device_id, tenant, time, payload, temperature, humidity, pressure, battery_level, signal_strength, metadata
		FROM readings
		WHERE %s
		ORDER BY time DESC
		LIMIT 1
	`, where)

	return scanReading(s.pool.QueryRow(ctx, query, args))
}

func (s *Storage) QueryReadings(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.Reading], error) {
	condition := &Condition{}
	for _, f := range conditions {
		f(condition)
	}

	if condition.sortBy == "" {
		condition.sortBy = "time"
		condition.sortOrder = "DESC"
	}

	args := condition.NamedArgs()
	where := condition.Where()

	query := fmt.Sprintf(`
		SELECT reading_id, device_id, tenant, time, payload, temperature, humidity, pressure, battery_level, signal_strength, metadata, count(*) OVER () AS count
		FROM readings
		WHERE %s
		ORDER BY %s %s
		%s
	`, where, condition.SortBy(), condition.SortOrder(), condition.OffsetLimit())

	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return types.Collection[types.Reading]{}, err
	}
	defer rows.Close()

	var count int64
	readings := make([]types.Reading, 0)

	for rows.Next() {
		var readingID, deviceID, tenant string
		var ts time.Time
		var payload, metadata []byte
		var temperature, humidity, pressure, batteryLevel, signalStrength *float64

		err = rows.Scan(&readingID, &deviceID, &tenant, &ts, &payload,
			&temperature, &humidity, &pressure, &batteryLevel, &signalStrength, &metadata, &count)
		if err != nil {
			return types.Collection[types.Reading]{}, err
		}

		reading := types.Reading{
			ID:             readingID,
			DeviceID:       deviceID,
			Tenant:         tenant,
			Timestamp:      ts,
			Temperature:    temperature,
			Humidity:       humidity,
			Pressure:       pressure,
			BatteryLevel:   batteryLevel,
			SignalStrength: signalStrength,
		}
		json.Unmarshal(payload, &reading.Values)
		if len(metadata) > 0 {
			json.Unmarshal(metadata, &reading.Metadata)
		}

		readings = append(readings, reading)
	}

	return types.Collection[types.Reading]{
		Data:       readings,
		Count:      uint64(len(readings)),
		Offset:     uint64(condition.Offset()),
		Limit:      uint64(condition.Limit()),
		TotalCount: uint64(count),
	}, nil
}

// QueryTimeSeries buckets the average of one promoted channel over the
// requested interval.
func (s *Storage) QueryTimeSeries(ctx context.Context, deviceID, channel string, from, to time.Time, interval time.Duration, tenants []string) ([]types.TimeSeriesPoint, error) {
	column, ok := channelColumns[channel]
	if !ok {
		return nil, ErrUnknownChannel
	}

	condition := &Condition{}
	WithDeviceID(deviceID)(condition)
	WithTenants(tenants)(condition)
	WithTimeRange(from, to)(condition)

	args := condition.NamedArgs()
	args["interval"] = int64(interval.Seconds())

	query := fmt.Sprintf(`
		SELECT to_timestamp(floor(extract(epoch FROM time) / @interval) * @interval) AS bucket, avg(%s) AS value
		FROM readings
		WHERE %s AND %s IS NOT NULL
		GROUP BY bucket
		ORDER BY bucket ASC
	`, column, condition.Where(), column)

	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return nil, err
	}

	var bucket time.Time
	var value float64
	points := make([]types.TimeSeriesPoint, 0)

	_, err = pgx.ForEachRow(rows, []any{&bucket, &value}, func() error {
		points = append(points, types.TimeSeriesPoint{Timestamp: bucket, Value: value})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return points, nil
}

func (s *Storage) GetStatistics(ctx context.Context, deviceID, channel string, from, to time.Time, tenants []string) (types.Statistics, error) {
	column, ok := channelColumns[channel]
	if !ok {
		return types.Statistics{}, ErrUnknownChannel
	}

	condition := &Condition{}
	WithDeviceID(deviceID)(condition)
	WithTenants(tenants)(condition)
	WithTimeRange(from, to)(condition)

	query := fmt.Sprintf(`
		SELECT count(%s), coalesce(min(%s), 0), coalesce(max(%s), 0), coalesce(avg(%s), 0)
		FROM readings
		WHERE %s
	`, column, column, column, column, condition.Where())

	stats := types.Statistics{Channel: channel}

	err := s.pool.QueryRow(ctx, query, condition.NamedArgs()).Scan(&stats.Count, &stats.Min, &stats.Max, &stats.Average)
	if err != nil {
		return types.Statistics{}, err
	}

	return stats, nil
}

// DeleteReadingsOlderThan enforces the retention window.
func (s *Storage) DeleteReadingsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM readings WHERE time < @cutoff
	`, pgx.NamedArgs{"cutoff": time.Now().UTC().Add(-age)})
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

func (s *Storage) DeleteReadingsByDevice(ctx context.Context, deviceID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM readings WHERE device_id = @device_id
	`, pgx.NamedArgs{"device_id": deviceID})
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}
