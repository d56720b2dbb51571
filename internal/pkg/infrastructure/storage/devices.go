package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/iot-telemetry/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

func (s *Storage) AddDevice(ctx context.Context, device types.Device) error {
	if device.Tenant == "" {
		return ErrMissingTenant
	}

	args := pgx.NamedArgs{
		"device_id":   device.DeviceID,
		"device_key":  device.DeviceKey,
		"name":        device.Name,
		"description": device.Description,
		"active":      device.Active,
		"lat":         device.Location.Latitude,
		"lon":         device.Location.Longitude,
		"tenant":      device.Tenant,
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (device_id, device_key, name, description, active, location, tenant)
		VALUES (@device_id, @device_key, @name, @description, @active, point(@lon,@lat), @tenant)
	`, args)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
	}

	return nil
}

func (s *Storage) GetDevice(ctx context.Context, conditions ...ConditionFunc) (types.Device, error) {
	condition := &Condition{}
	for _, f := range conditions {
		f(condition)
	}

	args := condition.NamedArgs()
	where := condition.Where()

	var deviceID, deviceKey, tenant string
	var name, description *string
	var active bool
	var location pgtype.Point
	var messageCount, errorCount int64
	var lastSeen, lastActivity *time.Time

	query := fmt.Sprintf(`
		SELECT device_id, device_key, name, description, active, location, tenant, message_count, error_count, last_seen, last_activity
		FROM devices
		WHERE %s
	`, where)

	err := s.pool.QueryRow(ctx, query, args).Scan(
		&deviceID, &deviceKey, &name, &description, &active, &location, &tenant,
		&messageCount, &errorCount, &lastSeen, &lastActivity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Device{}, ErrDeviceNotFound
		}
		return types.Device{}, err
	}

	device := types.Device{
		DeviceID:     deviceID,
		DeviceKey:    deviceKey,
		Active:       active,
		Tenant:       tenant,
		MessageCount: messageCount,
		ErrorCount:   errorCount,
		Location: types.Location{
			Latitude:  location.P.Y,
			Longitude: location.P.X,
		},
	}

	if name != nil {
		device.Name = *name
	}
	if description != nil {
		device.Description = *description
	}
	if lastSeen != nil {
		device.LastSeen = *lastSeen
	}
	if lastActivity != nil {
		device.LastActivity = *lastActivity
	}

	return device, nil
}

// RegisterActivity increments the device message counter and refreshes the
// last seen / last activity timestamps of an accepted reading.
func (s *Storage) RegisterActivity(ctx context.Context, deviceID string, seenAt time.Time) error {
	args := pgx.NamedArgs{
		"device_id": deviceID,
		"seen_at":   seenAt.UTC(),
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET message_count = message_count + 1, last_seen = @seen_at, last_activity = @seen_at, modified_on = CURRENT_TIMESTAMP
		WHERE device_id = @device_id
	`, args)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

func (s *Storage) RegisterError(ctx context.Context, deviceID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET error_count = error_count + 1, last_activity = CURRENT_TIMESTAMP, modified_on = CURRENT_TIMESTAMP
		WHERE device_id = @device_id
	`, pgx.NamedArgs{"device_id": deviceID})
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

func (s *Storage) GetTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT DISTINCT tenant FROM devices")
	if err != nil {
		return nil, err
	}

	var tenant string
	tenants := make([]string, 0)

	_, err = pgx.ForEachRow(rows, []any{&tenant}, func() error {
		tenants = append(tenants, tenant)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return tenants, nil
}
