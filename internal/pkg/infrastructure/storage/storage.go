package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	host     string
	user     string
	password string
	port     string
	dbname   string
	sslmode  string
}

func (c Config) ConnStr() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.user, c.password, c.host, c.port, c.dbname, c.sslmode)
}

func NewConfig(host, user, password, port, dbname, sslmode string) Config {
	return Config{
		host:     host,
		user:     user,
		password: password,
		port:     port,
		dbname:   dbname,
		sslmode:  sslmode,
	}
}

func NewPool(ctx context.Context, config Config) (*pgxpool.Pool, error) {
	p, err := pgxpool.New(ctx, config.ConnStr())
	if err != nil {
		return nil, err
	}

	err = p.Ping(ctx)
	if err != nil {
		return nil, err
	}

	return p, nil
}

var (
	ErrNoRows         = errors.New("no rows in result set")
	ErrDeviceNotFound = errors.New("device not found")
	ErrAlarmNotFound  = errors.New("alarm not found")
	ErrStoreFailed    = errors.New("could not store data")
	ErrMissingTenant  = errors.New("missing tenant information")
	ErrAlreadyApplied = errors.New("change already applied")
)

type Storage struct {
	pool *pgxpool.Pool
}

func NewWithPool(pool *pgxpool.Pool) *Storage {
	return &Storage{pool: pool}
}

func New(ctx context.Context, config Config) (*Storage, error) {
	pool, err := NewPool(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Storage{pool: pool}, nil
}

func (s *Storage) CreateTables(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS devices (
			device_id	TEXT	NOT NULL,
			device_key	TEXT	NOT NULL,
			name		TEXT	NULL,
			description	TEXT	NULL,
			active		BOOLEAN	NOT NULL DEFAULT TRUE,
			location	POINT	NULL,
			tenant		TEXT	NOT NULL,
			message_count	BIGINT	NOT NULL DEFAULT 0,
			error_count	BIGINT	NOT NULL DEFAULT 0,
			last_seen	timestamp with time zone NULL,
			last_activity	timestamp with time zone NULL,
			created_on	timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			modified_on	timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT pkey_devices_unique PRIMARY KEY (device_id),
			CONSTRAINT devices_device_key_unique UNIQUE (device_key)
		);

		CREATE TABLE IF NOT EXISTS readings (
			reading_id	TEXT	NOT NULL,
			device_id	TEXT	NOT NULL,
			tenant		TEXT	NOT NULL,
			time		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			payload		JSONB	NOT NULL,
			temperature	NUMERIC	NULL,
			humidity	NUMERIC	NULL,
			pressure	NUMERIC	NULL,
			battery_level	NUMERIC	NULL,
			signal_strength	NUMERIC	NULL,
			location	POINT	NULL,
			metadata	JSONB	NULL,
			CONSTRAINT pkey_readings_unique PRIMARY KEY (reading_id)
		);

		CREATE TABLE IF NOT EXISTS alarms (
			alarm_id	TEXT	NOT NULL,
			device_id	TEXT	NOT NULL,
			tenant		TEXT	NOT NULL,
			alarm_type	TEXT	NOT NULL,
			severity	TEXT	NOT NULL,
			status		TEXT	NOT NULL DEFAULT 'active',
			rule		JSONB	NOT NULL,
			last_value	NUMERIC	NULL,
			message		TEXT	NULL,
			triggered_at	timestamp with time zone NULL,
			acknowledged_at	timestamp with time zone NULL,
			cleared_at	timestamp with time zone NULL,
			resolved_at	timestamp with time zone NULL,
			escalated_at	timestamp with time zone NULL,
			acknowledged_by	TEXT	NULL,
			resolved_by	TEXT	NULL,
			resolution_note	TEXT	NULL,
			enabled		BOOLEAN	NOT NULL DEFAULT TRUE,
			auto_clear	BOOLEAN	NOT NULL DEFAULT FALSE,
			notifications	JSONB	NULL,
			trigger_count	BIGINT	NOT NULL DEFAULT 0,
			duration	BIGINT	NULL,
			created_on	timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			modified_on	timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT pkey_alarms_unique PRIMARY KEY (alarm_id)
		);

		CREATE TABLE IF NOT EXISTS alarm_history (
			alarm_id	TEXT	NOT NULL,
			device_id	TEXT	NOT NULL,
			tenant		TEXT	NOT NULL,
			severity	TEXT	NOT NULL,
			alarm_type	TEXT	NOT NULL,
			title		TEXT	NULL,
			message		TEXT	NULL,
			time		timestamp with time zone NOT NULL,
			metadata	JSONB	NULL,
			created_on	timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS notification_preferences (
			tenant		TEXT	NOT NULL,
			severity	TEXT	NOT NULL,
			email_enabled	BOOLEAN	NOT NULL DEFAULT TRUE,
			sms_enabled	BOOLEAN	NOT NULL DEFAULT FALSE,
			webhook_enabled	BOOLEAN	NOT NULL DEFAULT FALSE,
			recipients	JSONB	NULL,
			phone_numbers	JSONB	NULL,
			webhook_url	TEXT	NULL,
			CONSTRAINT pkey_notification_preferences PRIMARY KEY (tenant, severity)
		);

		CREATE TABLE IF NOT EXISTS scheduled_escalations (
			alarm_id	TEXT	NOT NULL,
			tenant		TEXT	NOT NULL,
			due_at		timestamp with time zone NOT NULL,
			created_on	timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT pkey_scheduled_escalations PRIMARY KEY (alarm_id)
		);

		CREATE INDEX IF NOT EXISTS readings_device_time_idx ON readings (device_id, time DESC);
		CREATE INDEX IF NOT EXISTS readings_tenant_idx ON readings (tenant);
		CREATE INDEX IF NOT EXISTS alarms_tenant_status_idx ON alarms (tenant, status);
		CREATE INDEX IF NOT EXISTS alarm_history_alarm_idx ON alarm_history (alarm_id, time DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS alarm_history_event_unique_idx ON alarm_history (alarm_id, time);
		CREATE INDEX IF NOT EXISTS scheduled_escalations_due_idx ON scheduled_escalations (due_at);
	`)
	if err != nil {
		return err
	}

	return nil
}

func (s *Storage) Close() {
	s.pool.Close()
}
