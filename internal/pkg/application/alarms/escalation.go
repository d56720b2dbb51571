package alarms

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/broker"
	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/storage"
	"github.com/diwise/iot-telemetry/pkg/types"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

const (
	DefaultEscalationWindow = 15 * time.Minute
	DefaultPollInterval     = 30 * time.Second
)

// Escalator tracks MAJOR alarms that have not been acknowledged within the
// escalation window and publishes alarms.escalated when the window expires.
// Scheduled escalations are kept in the durable store so pending ones
// survive a restart.
type Escalator interface {
	Arm(ctx context.Context, alarmID, tenant string) error
	Start(ctx context.Context)
	Stop()
}

type EscalationStorage interface {
	AddScheduledEscalation(ctx context.Context, e storage.ScheduledEscalation) error
	GetDueEscalations(ctx context.Context, due time.Time) ([]storage.ScheduledEscalation, error)
	DeleteScheduledEscalation(ctx context.Context, alarmID string) error
	GetAlarm(ctx context.Context, conditions ...storage.ConditionFunc) (types.Alarm, error)
	GetDevice(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error)
}

type escalator struct {
	storage   EscalationStorage
	publisher broker.Publisher

	window       time.Duration
	pollInterval time.Duration

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewEscalator(s EscalationStorage, p broker.Publisher, window, pollInterval time.Duration) Escalator {
	if window <= 0 {
		window = DefaultEscalationWindow
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	return &escalator{
		storage:      s,
		publisher:    p,
		window:       window,
		pollInterval: pollInterval,
		done:         make(chan struct{}),
	}
}

func (e *escalator) Arm(ctx context.Context, alarmID, tenant string) error {
	return e.storage.AddScheduledEscalation(ctx, storage.ScheduledEscalation{
		AlarmID: alarmID,
		Tenant:  tenant,
		DueAt:   time.Now().UTC().Add(e.window),
	})
}

func (e *escalator) Start(ctx context.Context) {
	e.wg.Add(1)
	go backgroundWorker(ctx, e, e.done)
}

// Stop signals the background worker and waits for it to exit. Safe to call
// more than once, and after the context passed to Start has been cancelled.
func (e *escalator) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
}

func backgroundWorker(ctx context.Context, e *escalator, done <-chan struct{}) {
	defer e.wg.Done()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-time.After(e.pollInterval):
			e.checkDueEscalations(ctx)
		}
	}
}

func (e *escalator) checkDueEscalations(ctx context.Context) {
	log := logging.GetFromContext(ctx)

	due, err := e.storage.GetDueEscalations(ctx, time.Now().UTC())
	if err != nil {
		log.Error("could not fetch due escalations", "err", err.Error())
		return
	}

	for _, scheduled := range due {
		err := e.escalate(ctx, scheduled)
		if err != nil {
			// keep the row, it will be retried on the next tick
			log.Error("could not escalate alarm", "alarm_id", scheduled.AlarmID, "err", err.Error())
		}
	}
}

func (e *escalator) escalate(ctx context.Context, scheduled storage.ScheduledEscalation) error {
	log := logging.GetFromContext(ctx)

	alarm, err := e.storage.GetAlarm(ctx, storage.WithAlarmID(scheduled.AlarmID))
	if err != nil {
		if errors.Is(err, storage.ErrAlarmNotFound) {
			return e.storage.DeleteScheduledEscalation(ctx, scheduled.AlarmID)
		}
		return err
	}

	// acknowledged or cleared within the window, nothing to escalate
	if alarm.Status != types.AlarmStatusActive {
		return e.storage.DeleteScheduledEscalation(ctx, scheduled.AlarmID)
	}

	device, err := e.storage.GetDevice(ctx, storage.WithDeviceID(alarm.DeviceID))
	if err != nil {
		log.Warn("could not fetch device for escalation", "device_id", alarm.DeviceID, "err", err.Error())
		device = types.Device{DeviceID: alarm.DeviceID}
	}

	msg := types.NewAlarmLifecycleMessage(alarm, device, time.Now().UTC())

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	err = e.publisher.Publish(ctx, types.TopicAlarmsEscalated, alarm.ID, body)
	if err != nil {
		return err
	}

	log.Info("escalated unacknowledged alarm", "alarm_id", alarm.ID, "tenant", alarm.Tenant)

	return e.storage.DeleteScheduledEscalation(ctx, scheduled.AlarmID)
}
