package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/iot-telemetry/pkg/types"
	"github.com/go-redis/redis/v8"
)

// TTLs and bounds for the derived cache mirrors. The durable store is
// authoritative; every entry here is safe to lose.
const (
	LatestReadingTTL    = 5 * time.Minute
	RecentReadingsTTL   = time.Hour
	RecentReadingsMax   = 100
	ActiveAlarmsTTL     = 7 * 24 * time.Hour
	NotificationPrefTTL = 5 * time.Minute
)

var ErrCacheMiss = errors.New("cache miss")

func latestReadingKey(deviceID string) string {
	return fmt.Sprintf("device:%s:telemetry:latest", deviceID)
}

func recentReadingsKey(deviceID string) string {
	return fmt.Sprintf("telemetry:%s:recent", deviceID)
}

func deviceStateKey(deviceID string) string {
	return fmt.Sprintf("device:%s:state", deviceID)
}

func activeAlarmsKey(tenant string) string {
	return fmt.Sprintf("tenant:%s:active_alarms", tenant)
}

func alarmStatsKey(day time.Time) string {
	return fmt.Sprintf("stats:alarms:%s", day.UTC().Format("2006-01-02"))
}

func deviceAlarmStatsKey(deviceID string) string {
	return fmt.Sprintf("stats:device:%s:alarms", deviceID)
}

func notificationPrefsKey(tenant string) string {
	return fmt.Sprintf("tenant:%s:notification_prefs", tenant)
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Cache struct {
	client *redis.Client
}

func New(ctx context.Context, config Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, err
	}

	return &Cache{client: client}, nil
}

func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// SetLatestReading mirrors the most recent value per channel into the
// per-device latest hash.
func (c *Cache) SetLatestReading(ctx context.Context, reading types.Reading) error {
	fields := map[string]interface{}{
		"id":        reading.ID,
		"timestamp": reading.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	for channel, value := range reading.Values {
		b, err := json.Marshal(value)
		if err != nil {
			continue
		}
		fields[channel] = string(b)
	}

	key := latestReadingKey(reading.DeviceID)

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, LatestReadingTTL)
	_, err := pipe.Exec(ctx)

	return err
}

func (c *Cache) GetLatestReading(ctx context.Context, deviceID string) (map[string]string, error) {
	values, err := c.client.HGetAll(ctx, latestReadingKey(deviceID)).Result()
	if err != nil {
		return nil, err
	}

	if len(values) == 0 {
		return nil, ErrCacheMiss
	}

	return values, nil
}

// PushRecentReading prepends to the bounded recent-readings list and
// refreshes its TTL.
func (c *Cache) PushRecentReading(ctx context.Context, reading types.Reading) error {
	b, err := json.Marshal(reading)
	if err != nil {
		return err
	}

	key := recentReadingsKey(reading.DeviceID)

	pipe := c.client.Pipeline()
	pipe.LPush(ctx, key, string(b))
	pipe.LTrim(ctx, key, 0, RecentReadingsMax-1)
	pipe.Expire(ctx, key, RecentReadingsTTL)
	_, err = pipe.Exec(ctx)

	return err
}

func (c *Cache) GetRecentReadings(ctx context.Context, deviceID string) ([]types.Reading, error) {
	items, err := c.client.LRange(ctx, recentReadingsKey(deviceID), 0, RecentReadingsMax-1).Result()
	if err != nil {
		return nil, err
	}

	readings := make([]types.Reading, 0, len(items))
	for _, item := range items {
		var r types.Reading
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			continue
		}
		readings = append(readings, r)
	}

	return readings, nil
}

func (c *Cache) SetDeviceLastSeen(ctx context.Context, deviceID string, ts time.Time) error {
	return c.client.HSet(ctx, deviceStateKey(deviceID), "lastSeen", ts.UTC().Format(time.RFC3339Nano)).Err()
}

// SetActiveAlarm writes or refreshes an entry in the per-tenant active-alarm
// hash.
func (c *Cache) SetActiveAlarm(ctx context.Context, tenant, alarmID string, snapshot []byte) error {
	key := activeAlarmsKey(tenant)

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, alarmID, string(snapshot))
	pipe.Expire(ctx, key, ActiveAlarmsTTL)
	_, err := pipe.Exec(ctx)

	return err
}

func (c *Cache) RemoveActiveAlarm(ctx context.Context, tenant, alarmID string) error {
	return c.client.HDel(ctx, activeAlarmsKey(tenant), alarmID).Err()
}

func (c *Cache) GetActiveAlarms(ctx context.Context, tenant string) (map[string]string, error) {
	return c.client.HGetAll(ctx, activeAlarmsKey(tenant)).Result()
}

// IncrementAlarmCounters bumps the per-day and per-device severity counters.
func (c *Cache) IncrementAlarmCounters(ctx context.Context, deviceID string, severity types.Severity, day time.Time) error {
	pipe := c.client.Pipeline()
	pipe.HIncrBy(ctx, alarmStatsKey(day), string(severity), 1)
	pipe.HIncrBy(ctx, deviceAlarmStatsKey(deviceID), string(severity), 1)
	_, err := pipe.Exec(ctx)

	return err
}

func (c *Cache) GetAlarmCounters(ctx context.Context, day time.Time) (map[string]string, error) {
	return c.client.HGetAll(ctx, alarmStatsKey(day)).Result()
}

func (c *Cache) GetDeviceAlarmCounters(ctx context.Context, deviceID string) (map[string]string, error) {
	return c.client.HGetAll(ctx, deviceAlarmStatsKey(deviceID)).Result()
}

func (c *Cache) SetNotificationPreferences(ctx context.Context, tenant string, prefs types.NotificationPreferences) error {
	b, err := json.Marshal(prefs)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, notificationPrefsKey(tenant), string(b), NotificationPrefTTL).Err()
}

func (c *Cache) GetNotificationPreferences(ctx context.Context, tenant string) (types.NotificationPreferences, error) {
	val, err := c.client.Get(ctx, notificationPrefsKey(tenant)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.NotificationPreferences{}, ErrCacheMiss
		}
		return types.NotificationPreferences{}, err
	}

	var prefs types.NotificationPreferences
	if err := json.Unmarshal([]byte(val), &prefs); err != nil {
		return types.NotificationPreferences{}, err
	}

	return prefs, nil
}
