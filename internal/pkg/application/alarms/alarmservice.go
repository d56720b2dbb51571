package alarms

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/diwise/iot-telemetry/internal/pkg/application/notifications"
	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/broker"
	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/storage"
	"github.com/diwise/iot-telemetry/pkg/types"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

var ErrAlarmNotFound = storage.ErrAlarmNotFound

type AlarmService interface {
	GetByID(ctx context.Context, alarmID string, tenants []string) (types.Alarm, error)
	Query(ctx context.Context, severity types.Severity, offset, limit int, tenants []string) (types.Collection[types.Alarm], error)
	GetActive(ctx context.Context, tenant string) ([]types.AlarmLifecycleMessage, error)
	GetHistory(ctx context.Context, alarmID string, offset, limit int, tenants []string) (types.Collection[types.AlarmLifecycleMessage], error)
	GetCounters(ctx context.Context, day time.Time, deviceID string) (map[string]string, error)
	Resolve(ctx context.Context, alarmID, userID, note string, tenants []string) error

	HandleCreated(ctx context.Context, msg types.AlarmLifecycleMessage) error
	HandleAcknowledged(ctx context.Context, msg types.AlarmLifecycleMessage) error
	HandleCleared(ctx context.Context, msg types.AlarmLifecycleMessage) error
	HandleEscalated(ctx context.Context, msg types.AlarmLifecycleMessage) error

	RegisterTopicMessageHandlers(sub broker.Subscriber)
}

type AlarmStorage interface {
	GetAlarm(ctx context.Context, conditions ...storage.ConditionFunc) (types.Alarm, error)
	QueryAlarms(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Alarm], error)
	AddAlarm(ctx context.Context, alarm types.Alarm) error

	TriggerAlarm(ctx context.Context, alarmID string, value *float64, ts time.Time) error
	AcknowledgeAlarm(ctx context.Context, alarmID, userID string, ts time.Time) error
	ClearAlarm(ctx context.Context, alarmID string, ts time.Time) error
	ResolveAlarm(ctx context.Context, alarmID, userID, note string, ts time.Time) error
	EscalateAlarm(ctx context.Context, alarmID string, ts time.Time) error

	AddAlarmHistory(ctx context.Context, msg types.AlarmLifecycleMessage) error
	QueryAlarmHistory(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.AlarmLifecycleMessage], error)
}

type AlarmCache interface {
	SetActiveAlarm(ctx context.Context, tenant, alarmID string, snapshot []byte) error
	RemoveActiveAlarm(ctx context.Context, tenant, alarmID string) error
	GetActiveAlarms(ctx context.Context, tenant string) (map[string]string, error)
	IncrementAlarmCounters(ctx context.Context, deviceID string, severity types.Severity, day time.Time) error
	GetAlarmCounters(ctx context.Context, day time.Time) (map[string]string, error)
	GetDeviceAlarmCounters(ctx context.Context, deviceID string) (map[string]string, error)
}

type Armer interface {
	Arm(ctx context.Context, alarmID, tenant string) error
}

type alarmSvc struct {
	storage    AlarmStorage
	cache      AlarmCache
	dispatcher notifications.Dispatcher
	escalator  Armer
}

func New(s AlarmStorage, c AlarmCache, d notifications.Dispatcher, e Armer) AlarmService {
	return alarmSvc{
		storage:    s,
		cache:      c,
		dispatcher: d,
		escalator:  e,
	}
}

func (svc alarmSvc) RegisterTopicMessageHandlers(sub broker.Subscriber) {
	sub.RegisterTopicMessageHandler(types.TopicAlarmsCreated, NewAlarmCreatedHandler(svc))
	sub.RegisterTopicMessageHandler(types.TopicAlarmsAcknowledged, NewAlarmAcknowledgedHandler(svc))
	sub.RegisterTopicMessageHandler(types.TopicAlarmsCleared, NewAlarmClearedHandler(svc))
	sub.RegisterTopicMessageHandler(types.TopicAlarmsEscalated, NewAlarmEscalatedHandler(svc))
}

func (svc alarmSvc) GetByID(ctx context.Context, alarmID string, tenants []string) (types.Alarm, error) {
	alarm, err := svc.storage.GetAlarm(ctx, storage.WithAlarmID(alarmID), storage.WithTenants(tenants))
	if err != nil {
		return types.Alarm{}, err
	}

	return alarm, nil
}

func (svc alarmSvc) Query(ctx context.Context, severity types.Severity, offset, limit int, tenants []string) (types.Collection[types.Alarm], error) {
	conditions := []storage.ConditionFunc{
		storage.WithOffset(offset), storage.WithLimit(limit), storage.WithTenants(tenants),
	}
	if severity != "" {
		conditions = append(conditions, storage.WithSeverity(severity))
	}

	alarms, err := svc.storage.QueryAlarms(ctx, conditions...)
	if err != nil {
		return types.Collection[types.Alarm]{}, err
	}

	return alarms, nil
}

// GetCounters returns the per-day severity counters, or the per-device ones
// when a device id is given. The counters live in the cache only.
func (svc alarmSvc) GetCounters(ctx context.Context, day time.Time, deviceID string) (map[string]string, error) {
	if deviceID != "" {
		return svc.cache.GetDeviceAlarmCounters(ctx, deviceID)
	}
	return svc.cache.GetAlarmCounters(ctx, day)
}

// GetActive serves the open alarms view from the per tenant cache hash and
// falls back to the durable store when the cache is empty or unavailable.
func (svc alarmSvc) GetActive(ctx context.Context, tenant string) ([]types.AlarmLifecycleMessage, error) {
	log := logging.GetFromContext(ctx)

	cached, err := svc.cache.GetActiveAlarms(ctx, tenant)
	if err != nil {
		log.Warn("could not read active alarm cache", "tenant", tenant, "err", err.Error())
	}

	if len(cached) > 0 {
		active := make([]types.AlarmLifecycleMessage, 0, len(cached))
		for _, raw := range cached {
			msg := types.AlarmLifecycleMessage{}
			if err := json.Unmarshal([]byte(raw), &msg); err != nil {
				log.Warn("ignoring malformed alarm snapshot in cache", "tenant", tenant, "err", err.Error())
				continue
			}
			active = append(active, msg)
		}
		return active, nil
	}

	alarms, err := svc.storage.QueryAlarms(ctx, storage.WithTenant(tenant), storage.WithStatus(types.AlarmStatusActive))
	if err != nil {
		return nil, err
	}

	active := make([]types.AlarmLifecycleMessage, 0, len(alarms.Data))
	for _, alarm := range alarms.Data {
		active = append(active, types.NewAlarmLifecycleMessage(alarm, types.Device{DeviceID: alarm.DeviceID}, alarm.TriggeredAt))
	}

	return active, nil
}

func (svc alarmSvc) GetHistory(ctx context.Context, alarmID string, offset, limit int, tenants []string) (types.Collection[types.AlarmLifecycleMessage], error) {
	history, err := svc.storage.QueryAlarmHistory(ctx,
		storage.WithAlarmID(alarmID), storage.WithTenants(tenants),
		storage.WithOffset(offset), storage.WithLimit(limit))
	if err != nil {
		return types.Collection[types.AlarmLifecycleMessage]{}, err
	}

	return history, nil
}

// Resolve marks an alarm as permanently closed by an operator. Resolution is
// terminal and happens over the API, so no lifecycle message is published.
func (svc alarmSvc) Resolve(ctx context.Context, alarmID, userID, note string, tenants []string) error {
	alarm, err := svc.storage.GetAlarm(ctx, storage.WithAlarmID(alarmID), storage.WithTenants(tenants))
	if err != nil {
		return err
	}

	if !alarm.Status.CanTransitionTo(types.AlarmStatusResolved) {
		return ErrInvalidTransition
	}

	err = svc.storage.ResolveAlarm(ctx, alarmID, userID, note, time.Now().UTC())
	if err != nil {
		return err
	}

	err = svc.cache.RemoveActiveAlarm(ctx, alarm.Tenant, alarmID)
	if err != nil {
		logging.GetFromContext(ctx).Warn("could not remove alarm from active alarm cache", "alarm_id", alarmID, "err", err.Error())
	}

	return nil
}

var ErrInvalidTransition = errors.New("invalid alarm status transition")

// HandleCreated processes one alarms.created message. Failures against the
// durable store propagate so that the message is redelivered, cache updates
// are best effort.
func (svc alarmSvc) HandleCreated(ctx context.Context, msg types.AlarmLifecycleMessage) error {
	log := logging.GetFromContext(ctx)
	ts := time.UnixMilli(msg.Timestamp).UTC()

	err := svc.storage.TriggerAlarm(ctx, msg.ID, msg.Value, ts)
	if errors.Is(err, storage.ErrAlreadyApplied) {
		// the alarm is resolved or this exact trigger has already been
		// processed, so a redelivered message must not notify again
		log.Debug("ignoring created message with no effect", "alarm_id", msg.ID)
		return nil
	}
	if err != nil {
		if !errors.Is(err, storage.ErrAlarmNotFound) {
			return err
		}

		// first created message for this rule, create the row
		err = svc.storage.AddAlarm(ctx, alarmFromMessage(msg, ts))
		if err != nil {
			return err
		}
	}

	err = svc.storage.AddAlarmHistory(ctx, msg)
	if err != nil {
		return err
	}

	err = svc.cache.IncrementAlarmCounters(ctx, msg.DeviceID, msg.Severity, ts)
	if err != nil {
		log.Warn("could not update alarm counters", "alarm_id", msg.ID, "err", err.Error())
	}

	svc.refreshActiveAlarmCache(ctx, msg)

	svc.dispatcher.Notify(ctx, msg)

	if msg.Severity == types.SeverityMajor {
		err = svc.escalator.Arm(ctx, msg.ID, msg.Tenant)
		if err != nil {
			return err
		}
	}

	return nil
}

func (svc alarmSvc) HandleAcknowledged(ctx context.Context, msg types.AlarmLifecycleMessage) error {
	ts := time.UnixMilli(msg.Timestamp).UTC()

	err := svc.storage.AcknowledgeAlarm(ctx, msg.ID, msg.UserID, ts)
	if err != nil {
		return err
	}

	err = svc.storage.AddAlarmHistory(ctx, msg)
	if err != nil {
		return err
	}

	svc.removeFromActiveAlarmCache(ctx, msg.Tenant, msg.ID)

	svc.dispatcher.Notify(ctx, msg)

	return nil
}

func (svc alarmSvc) HandleCleared(ctx context.Context, msg types.AlarmLifecycleMessage) error {
	ts := time.UnixMilli(msg.Timestamp).UTC()

	err := svc.storage.ClearAlarm(ctx, msg.ID, ts)
	if err != nil {
		return err
	}

	err = svc.storage.AddAlarmHistory(ctx, msg)
	if err != nil {
		return err
	}

	svc.removeFromActiveAlarmCache(ctx, msg.Tenant, msg.ID)

	svc.dispatcher.Notify(ctx, msg)

	return nil
}

// HandleEscalated forces severity to CRITICAL, keeps the alarm active and
// notifies over both email and SMS regardless of channel preferences.
func (svc alarmSvc) HandleEscalated(ctx context.Context, msg types.AlarmLifecycleMessage) error {
	ts := time.UnixMilli(msg.Timestamp).UTC()

	err := svc.storage.EscalateAlarm(ctx, msg.ID, ts)
	if err != nil {
		return err
	}

	msg.Severity = types.SeverityCritical

	err = svc.storage.AddAlarmHistory(ctx, msg)
	if err != nil {
		return err
	}

	svc.refreshActiveAlarmCache(ctx, msg)

	svc.dispatcher.NotifyUrgent(ctx, msg)

	return nil
}

func (svc alarmSvc) refreshActiveAlarmCache(ctx context.Context, msg types.AlarmLifecycleMessage) {
	snapshot, err := json.Marshal(msg)
	if err != nil {
		return
	}

	err = svc.cache.SetActiveAlarm(ctx, msg.Tenant, msg.ID, snapshot)
	if err != nil {
		logging.GetFromContext(ctx).Warn("could not update active alarm cache", "alarm_id", msg.ID, "err", err.Error())
	}
}

func (svc alarmSvc) removeFromActiveAlarmCache(ctx context.Context, tenant, alarmID string) {
	err := svc.cache.RemoveActiveAlarm(ctx, tenant, alarmID)
	if err != nil {
		logging.GetFromContext(ctx).Warn("could not remove alarm from active alarm cache", "alarm_id", alarmID, "err", err.Error())
	}
}

func alarmFromMessage(msg types.AlarmLifecycleMessage, ts time.Time) types.Alarm {
	alarm := types.Alarm{
		ID:           msg.ID,
		DeviceID:     msg.DeviceID,
		Tenant:       msg.Tenant,
		Type:         msg.Type,
		Severity:     msg.Severity,
		Status:       types.AlarmStatusActive,
		LastValue:    msg.Value,
		Message:      msg.Message,
		TriggeredAt:  ts,
		Enabled:      true,
		TriggerCount: 1,
	}

	alarm.Rule.Name = msg.RuleName
	alarm.Rule.Condition = msg.Condition
	if msg.Threshold != nil {
		alarm.Rule.Threshold = *msg.Threshold
	}

	return alarm
}
