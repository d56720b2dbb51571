package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/iot-telemetry/pkg/types"
	"github.com/jackc/pgx/v5"
)

type alarmNotifications struct {
	NotifyByEmail   bool     `json:"notifyByEmail"`
	NotifyBySMS     bool     `json:"notifyBySMS"`
	NotifyByWebhook bool     `json:"notifyByWebhook"`
	Recipients      []string `json:"recipients,omitempty"`
	PhoneNumbers    []string `json:"phoneNumbers,omitempty"`
}

func (s *Storage) AddAlarm(ctx context.Context, alarm types.Alarm) error {
	if alarm.ID == "" {
		return fmt.Errorf("%w: alarm has no id", ErrStoreFailed)
	}
	if alarm.Tenant == "" {
		return ErrMissingTenant
	}

	rule, _ := json.Marshal(alarm.Rule)
	notifications, _ := json.Marshal(alarmNotifications{
		NotifyByEmail:   alarm.NotifyByEmail,
		NotifyBySMS:     alarm.NotifyBySMS,
		NotifyByWebhook: alarm.NotifyByWebhook,
		Recipients:      alarm.Recipients,
		PhoneNumbers:    alarm.PhoneNumbers,
	})

	args := pgx.NamedArgs{
		"alarm_id":      alarm.ID,
		"device_id":     alarm.DeviceID,
		"tenant":        alarm.Tenant,
		"alarm_type":    alarm.Type,
		"severity":      string(alarm.Severity),
		"status":        string(alarm.Status),
		"rule":          string(rule),
		"last_value":    alarm.LastValue,
		"message":       alarm.Message,
		"enabled":       alarm.Enabled,
		"auto_clear":    alarm.AutoClear,
		"notifications": string(notifications),
		"trigger_count": alarm.TriggerCount,
	}

	if !alarm.TriggeredAt.IsZero() {
		args["triggered_at"] = alarm.TriggeredAt.UTC()
	} else {
		args["triggered_at"] = nil
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO alarms (alarm_id, device_id, tenant, alarm_type, severity, status, rule, last_value, message, triggered_at, enabled, auto_clear, notifications, trigger_count)
		VALUES (@alarm_id, @device_id, @tenant, @alarm_type, @severity, @status, @rule, @last_value, @message, @triggered_at, @enabled, @auto_clear, @notifications, @trigger_count)
	`, args)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
	}

	return nil
}

func (s *Storage) GetAlarm(ctx context.Context, conditions ...ConditionFunc) (types.Alarm, error) {
	condition := &Condition{}
	for _, f := range conditions {
		f(condition)
	}

	args := condition.NamedArgs()
	where := condition.Where()

	var alarmID, deviceID, tenant, alarmType, severity, status string
	var rule, notifications []byte
	var lastValue *float64
	var message, acknowledgedBy, resolvedBy, resolutionNote *string
	var triggeredAt, acknowledgedAt, clearedAt, resolvedAt, escalatedAt *time.Time
	var enabled, autoClear bool
	var triggerCount int64
	var duration *int64

	query := fmt.Sprintf(`
		SELECT alarm_id, device_id, tenant, alarm_type, severity, status, rule, last_value, message,
			triggered_at, acknowledged_at, cleared_at, resolved_at, escalated_at,
			acknowledged_by, resolved_by, resolution_note, enabled, auto_clear, notifications, trigger_count, duration
		FROM alarms
		WHERE %s
	`, where)

	err := s.pool.QueryRow(ctx, query, args).Scan(
		&alarmID, &deviceID, &tenant, &alarmType, &severity, &status, &rule, &lastValue, &message,
		&triggeredAt, &acknowledgedAt, &clearedAt, &resolvedAt, &escalatedAt,
		&acknowledgedBy, &resolvedBy, &resolutionNote, &enabled, &autoClear, &notifications, &triggerCount, &duration)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Alarm{}, ErrAlarmNotFound
		}
		return types.Alarm{}, err
	}

	alarm := types.Alarm{
		ID:             alarmID,
		DeviceID:       deviceID,
		Tenant:         tenant,
		Type:           alarmType,
		Severity:       types.Severity(severity),
		Status:         types.AlarmStatus(status),
		LastValue:      lastValue,
		AcknowledgedAt: acknowledgedAt,
		ClearedAt:      clearedAt,
		ResolvedAt:     resolvedAt,
		EscalatedAt:    escalatedAt,
		Enabled:        enabled,
		AutoClear:      autoClear,
		TriggerCount:   triggerCount,
		Duration:       duration,
	}

	if triggeredAt != nil {
		alarm.TriggeredAt = *triggeredAt
	}
	if message != nil {
		alarm.Message = *message
	}
	if acknowledgedBy != nil {
		alarm.AcknowledgedBy = *acknowledgedBy
	}
	if resolvedBy != nil {
		alarm.ResolvedBy = *resolvedBy
	}
	if resolutionNote != nil {
		alarm.ResolutionNote = *resolutionNote
	}

	var errs []error
	errs = append(errs, json.Unmarshal(rule, &alarm.Rule))

	if len(notifications) > 0 {
		var n alarmNotifications
		errs = append(errs, json.Unmarshal(notifications, &n))
		alarm.NotifyByEmail = n.NotifyByEmail
		alarm.NotifyBySMS = n.NotifyBySMS
		alarm.NotifyByWebhook = n.NotifyByWebhook
		alarm.Recipients = n.Recipients
		alarm.PhoneNumbers = n.PhoneNumbers
	}

	return alarm, errors.Join(errs...)
}

func (s *Storage) QueryAlarms(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.Alarm], error) {
	condition := &Condition{}
	for _, f := range conditions {
		f(condition)
	}

	if condition.sortBy == "" {
		condition.sortBy = "triggered_at"
		condition.sortOrder = "DESC"
	}

	args := condition.NamedArgs()
	where := condition.Where()

	query := fmt.Sprintf(`
		SELECT alarm_id, count(*) OVER () AS count
		FROM alarms
		WHERE %s
		ORDER BY %s %s
		%s
	`, where, condition.SortBy(), condition.SortOrder(), condition.OffsetLimit())

	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return types.Collection[types.Alarm]{}, err
	}

	var alarmID string
	var count int64
	ids := make([]string, 0)

	_, err = pgx.ForEachRow(rows, []any{&alarmID, &count}, func() error {
		ids = append(ids, alarmID)
		return nil
	})
	if err != nil {
		return types.Collection[types.Alarm]{}, err
	}

	alarms := make([]types.Alarm, 0, len(ids))
	for _, id := range ids {
		alarm, err := s.GetAlarm(ctx, WithAlarmID(id))
		if err != nil {
			return types.Collection[types.Alarm]{}, err
		}
		alarms = append(alarms, alarm)
	}

	return types.Collection[types.Alarm]{
		Data:       alarms,
		Count:      uint64(len(alarms)),
		Offset:     uint64(condition.Offset()),
		Limit:      uint64(condition.Limit()),
		TotalCount: uint64(count),
	}, nil
}

// TriggerAlarm moves the alarm to active and increments the trigger counter.
// Resolved alarms stay closed, and a redelivered message carrying a trigger
// timestamp the alarm already has is a no-op. Both cases return
// ErrAlreadyApplied so that callers can tell them apart from a missing row.
func (s *Storage) TriggerAlarm(ctx context.Context, alarmID string, value *float64, ts time.Time) error {
	args := pgx.NamedArgs{
		"alarm_id":     alarmID,
		"triggered_at": ts.UTC(),
		"last_value":   value,
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE alarms
		SET status = 'active', triggered_at = @triggered_at, last_value = @last_value,
			acknowledged_at = NULL, cleared_at = NULL, resolved_at = NULL, escalated_at = NULL,
			acknowledged_by = NULL, resolved_by = NULL, resolution_note = NULL, duration = NULL,
			trigger_count = trigger_count + 1, modified_on = CURRENT_TIMESTAMP
		WHERE alarm_id = @alarm_id AND status <> 'resolved'
			AND triggered_at IS DISTINCT FROM @triggered_at
	`, args)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		var status string
		err = s.pool.QueryRow(ctx, `SELECT status FROM alarms WHERE alarm_id = @alarm_id`, args).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAlarmNotFound
			}
			return err
		}
		return ErrAlreadyApplied
	}

	return nil
}

// AcknowledgeAlarm records the acknowledging actor. Only an active alarm is
// affected, so redelivery of the same message is a no-op.
func (s *Storage) AcknowledgeAlarm(ctx context.Context, alarmID, userID string, ts time.Time) error {
	args := pgx.NamedArgs{
		"alarm_id":        alarmID,
		"acknowledged_at": ts.UTC(),
		"acknowledged_by": userID,
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE alarms
		SET status = 'acknowledged', acknowledged_at = @acknowledged_at, acknowledged_by = @acknowledged_by, modified_on = CURRENT_TIMESTAMP
		WHERE alarm_id = @alarm_id AND status = 'active'
	`, args)

	return err
}

// ClearAlarm sets the cleared timestamp and stores the elapsed active
// duration in seconds. Cleared and resolved alarms are left untouched.
func (s *Storage) ClearAlarm(ctx context.Context, alarmID string, ts time.Time) error {
	args := pgx.NamedArgs{
		"alarm_id":   alarmID,
		"cleared_at": ts.UTC(),
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE alarms
		SET status = 'cleared', cleared_at = @cleared_at,
			duration = GREATEST(0, EXTRACT(EPOCH FROM (@cleared_at - triggered_at))::bigint),
			modified_on = CURRENT_TIMESTAMP
		WHERE alarm_id = @alarm_id AND status IN ('active', 'acknowledged')
	`, args)

	return err
}

func (s *Storage) ResolveAlarm(ctx context.Context, alarmID, userID, note string, ts time.Time) error {
	args := pgx.NamedArgs{
		"alarm_id":        alarmID,
		"resolved_at":     ts.UTC(),
		"resolved_by":     userID,
		"resolution_note": note,
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE alarms
		SET status = 'resolved', resolved_at = @resolved_at, resolved_by = @resolved_by, resolution_note = @resolution_note, modified_on = CURRENT_TIMESTAMP
		WHERE alarm_id = @alarm_id AND status IN ('active', 'acknowledged')
	`, args)

	return err
}

// EscalateAlarm forces severity to CRITICAL while keeping status active.
func (s *Storage) EscalateAlarm(ctx context.Context, alarmID string, ts time.Time) error {
	args := pgx.NamedArgs{
		"alarm_id":     alarmID,
		"escalated_at": ts.UTC(),
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE alarms
		SET severity = 'CRITICAL', escalated_at = @escalated_at, modified_on = CURRENT_TIMESTAMP
		WHERE alarm_id = @alarm_id AND status = 'active'
	`, args)

	return err
}

// AddAlarmHistory appends one row per lifecycle event. Rows are never
// updated, and a redelivered event with the same alarm id and timestamp is
// silently dropped.
func (s *Storage) AddAlarmHistory(ctx context.Context, msg types.AlarmLifecycleMessage) error {
	metadata, _ := json.Marshal(msg.Metadata)

	args := pgx.NamedArgs{
		"alarm_id":   msg.ID,
		"device_id":  msg.DeviceID,
		"tenant":     msg.Tenant,
		"severity":   string(msg.Severity),
		"alarm_type": msg.Type,
		"title":      msg.Title,
		"message":    msg.Message,
		"time":       time.UnixMilli(msg.Timestamp).UTC(),
		"metadata":   string(metadata),
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO alarm_history (alarm_id, device_id, tenant, severity, alarm_type, title, message, time, metadata)
		VALUES (@alarm_id, @device_id, @tenant, @severity, @alarm_type, @title, @message, @time, @metadata)
		ON CONFLICT (alarm_id, time) DO NOTHING
	`, args)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStoreFailed, err.Error())
	}

	return nil
}

func (s *Storage) QueryAlarmHistory(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.AlarmLifecycleMessage], error) {
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
		SELECT alarm_id, device_id, tenant, severity, alarm_type, title, message, time, metadata, count(*) OVER () AS count
		FROM alarm_history
		WHERE %s
		ORDER BY %s %s
		%s
	`, where, condition.SortBy(), condition.SortOrder(), condition.OffsetLimit())

	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return types.Collection[types.AlarmLifecycleMessage]{}, err
	}

	var alarmID, deviceID, tenant, severity, alarmType string
	var title, message *string
	var ts time.Time
	var metadata []byte
	var count int64

	history := make([]types.AlarmLifecycleMessage, 0)

	_, err = pgx.ForEachRow(rows, []any{&alarmID, &deviceID, &tenant, &severity, &alarmType, &title, &message, &ts, &metadata, &count}, func() error {
		msg := types.AlarmLifecycleMessage{
			ID:        alarmID,
			DeviceID:  deviceID,
			Tenant:    tenant,
			Severity:  types.Severity(severity),
			Type:      alarmType,
			Timestamp: ts.UnixMilli(),
		}
		if title != nil {
			msg.Title = *title
		}
		if message != nil {
			msg.Message = *message
		}
		if len(metadata) > 0 {
			json.Unmarshal(metadata, &msg.Metadata)
		}

		history = append(history, msg)

		return nil
	})
	if err != nil {
		return types.Collection[types.AlarmLifecycleMessage]{}, err
	}

	return types.Collection[types.AlarmLifecycleMessage]{
		Data:       history,
		Count:      uint64(len(history)),
		Offset:     uint64(condition.Offset()),
		Limit:      uint64(condition.Limit()),
		TotalCount: uint64(count),
	}, nil
}
