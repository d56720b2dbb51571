package types

import "time"

// Broker topic names. These are an interop contract shared with the rule
// evaluation services and must not be changed.
const (
	TopicTelemetryRaw       = "telemetry.device.raw"
	TopicAlarmsCreated      = "alarms.created"
	TopicAlarmsAcknowledged = "alarms.acknowledged"
	TopicAlarmsCleared      = "alarms.cleared"
	TopicAlarmsEscalated    = "alarms.escalated"
)

// AlarmLifecycleMessage is the wire payload for an alarm state change. It is
// a flattened projection of the alarm plus device and tenant identity, so
// consumers can update durable and cache mirrors without a synchronous read
// of the store of record.
type AlarmLifecycleMessage struct {
	ID         string            `json:"id"`
	DeviceID   string            `json:"deviceId"`
	DeviceKey  string            `json:"deviceKey"`
	DeviceName string            `json:"deviceName,omitempty"`
	Tenant     string            `json:"tenantId"`
	UserID     string            `json:"userId,omitempty"`
	Severity   Severity          `json:"severity"`
	Type       string            `json:"type"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	RuleName   string            `json:"ruleName,omitempty"`
	Condition  string            `json:"condition,omitempty"`
	Value      *float64          `json:"value,omitempty"`
	Threshold  *float64          `json:"threshold,omitempty"`
	Timestamp  int64             `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (m AlarmLifecycleMessage) ContentType() string {
	return "application/json"
}

// NewAlarmLifecycleMessage maps an alarm and its device onto the wire
// payload. Timestamp is epoch millis.
func NewAlarmLifecycleMessage(alarm Alarm, device Device, ts time.Time) AlarmLifecycleMessage {
	threshold := alarm.Rule.Threshold

	return AlarmLifecycleMessage{
		ID:         alarm.ID,
		DeviceID:   alarm.DeviceID,
		DeviceKey:  device.DeviceKey,
		DeviceName: device.Name,
		Tenant:     alarm.Tenant,
		Severity:   alarm.Severity,
		Type:       alarm.Type,
		Title:      alarm.Rule.Name,
		Message:    alarm.Message,
		RuleName:   alarm.Rule.Name,
		Condition:  alarm.Rule.Condition,
		Value:      alarm.LastValue,
		Threshold:  &threshold,
		Timestamp:  ts.UnixMilli(),
	}
}
