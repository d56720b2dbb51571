package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestAlarmStatusTransitions(t *testing.T) {
	is := is.New(t)

	is.True(AlarmStatusActive.CanTransitionTo(AlarmStatusAcknowledged))
	is.True(AlarmStatusActive.CanTransitionTo(AlarmStatusCleared))
	is.True(AlarmStatusActive.CanTransitionTo(AlarmStatusResolved))

	is.True(AlarmStatusAcknowledged.CanTransitionTo(AlarmStatusCleared))
	is.True(AlarmStatusAcknowledged.CanTransitionTo(AlarmStatusResolved))
	is.True(!AlarmStatusAcknowledged.CanTransitionTo(AlarmStatusActive))

	is.True(!AlarmStatusCleared.CanTransitionTo(AlarmStatusActive))
	is.True(!AlarmStatusCleared.CanTransitionTo(AlarmStatusAcknowledged))
	is.True(!AlarmStatusResolved.CanTransitionTo(AlarmStatusCleared))
	is.True(!AlarmStatusResolved.CanTransitionTo(AlarmStatusResolved))
}

func TestSeverityIsValid(t *testing.T) {
	is := is.New(t)

	for _, s := range []Severity{SeverityInfo, SeverityWarning, SeverityMinor, SeverityMajor, SeverityCritical} {
		is.True(s.IsValid())
	}

	is.True(!Severity("").IsValid())
	is.True(!Severity("critical").IsValid())
	is.True(!Severity("FATAL").IsValid())
}

func TestDefaultNotificationPreferences(t *testing.T) {
	is := is.New(t)

	prefs := DefaultNotificationPreferences("default", SeverityWarning)
	is.Equal("default", prefs.Tenant)
	is.True(prefs.EmailEnabled)
	is.True(!prefs.SMSEnabled)

	prefs = DefaultNotificationPreferences("default", SeverityCritical)
	is.True(prefs.EmailEnabled)
	is.True(prefs.SMSEnabled)
}

func TestAlarmLifecycleMessageJSON(t *testing.T) {
	is := is.New(t)

	value := 82.5
	alarm := Alarm{
		ID:        "alarm-001",
		DeviceID:  "device-001",
		Tenant:    "default",
		Type:      "threshold",
		Severity:  SeverityMajor,
		Status:    AlarmStatusActive,
		LastValue: &value,
		Message:   "temperature above threshold",
	}
	alarm.Rule.Name = "high temperature"
	alarm.Rule.Condition = "gt"
	alarm.Rule.Threshold = 80

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := NewAlarmLifecycleMessage(alarm, Device{DeviceID: "device-001", DeviceKey: "dk-001", Name: "basement sensor"}, ts)

	b, err := json.Marshal(msg)
	is.NoErr(err)

	var decoded map[string]any
	is.NoErr(json.Unmarshal(b, &decoded))

	is.Equal("alarm-001", decoded["id"])
	is.Equal("device-001", decoded["deviceId"])
	is.Equal("dk-001", decoded["deviceKey"])
	is.Equal("default", decoded["tenantId"])
	is.Equal("MAJOR", decoded["severity"])
	is.Equal(float64(ts.UnixMilli()), decoded["timestamp"])
}
