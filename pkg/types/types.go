package types

import (
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityMinor    Severity = "MINOR"
	SeverityMajor    Severity = "MAJOR"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityMinor, SeverityMajor, SeverityCritical:
		return true
	}
	return false
}

type AlarmStatus string

const (
	AlarmStatusActive       AlarmStatus = "active"
	AlarmStatusAcknowledged AlarmStatus = "acknowledged"
	AlarmStatusCleared      AlarmStatus = "cleared"
	AlarmStatusResolved     AlarmStatus = "resolved"
)

// CanTransitionTo reports whether the lifecycle handlers may move an alarm
// from s to next. Cleared and resolved are terminal for these handlers.
func (s AlarmStatus) CanTransitionTo(next AlarmStatus) bool {
	switch s {
	case AlarmStatusActive:
		return next == AlarmStatusAcknowledged || next == AlarmStatusCleared || next == AlarmStatusResolved
	case AlarmStatusAcknowledged:
		return next == AlarmStatusCleared || next == AlarmStatusResolved
	}
	return false
}

type Device struct {
	DeviceID    string   `json:"deviceID"`
	DeviceKey   string   `json:"deviceKey"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Tenant      string   `json:"tenant"`
	Active      bool     `json:"active"`
	Location    Location `json:"location"`

	MessageCount int64     `json:"messageCount"`
	ErrorCount   int64     `json:"errorCount"`
	LastSeen     time.Time `json:"lastSeenAt"`
	LastActivity time.Time `json:"lastActivityAt"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Reading is one timestamped telemetry sample from a device. Values holds
// the open-ended channel payload; the typed fields below are promoted from
// it for indexed querying. Readings are immutable once stored.
type Reading struct {
	ID        string         `json:"id,omitempty"`
	DeviceID  string         `json:"deviceID"`
	Tenant    string         `json:"tenant"`
	Timestamp time.Time      `json:"timestamp"`
	Values    map[string]any `json:"values"`

	Temperature    *float64 `json:"temperature,omitempty"`
	Humidity       *float64 `json:"humidity,omitempty"`
	Pressure       *float64 `json:"pressure,omitempty"`
	BatteryLevel   *float64 `json:"batteryLevel,omitempty"`
	SignalStrength *float64 `json:"signalStrength,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

type AlarmRule struct {
	Name        string   `json:"name,omitempty" yaml:"name"`
	Telemetry   string   `json:"telemetry" yaml:"telemetry"`
	Condition   string   `json:"condition" yaml:"condition"`
	Threshold   float64  `json:"threshold" yaml:"threshold"`
	ThresholdTo *float64 `json:"thresholdTo,omitempty" yaml:"thresholdTo"`
	MinDuration *int     `json:"minDuration,omitempty" yaml:"minDuration"`
}

type Alarm struct {
	ID       string      `json:"id"`
	DeviceID string      `json:"deviceID"`
	Tenant   string      `json:"tenant"`
	Type     string      `json:"type"`
	Severity Severity    `json:"severity"`
	Status   AlarmStatus `json:"status"`

	Rule      AlarmRule `json:"rule"`
	LastValue *float64  `json:"lastValue,omitempty"`
	Message   string    `json:"message,omitempty"`

	TriggeredAt    time.Time  `json:"triggeredAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ClearedAt      *time.Time `json:"clearedAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	EscalatedAt    *time.Time `json:"escalatedAt,omitempty"`

	AcknowledgedBy string `json:"acknowledgedBy,omitempty"`
	ResolvedBy     string `json:"resolvedBy,omitempty"`
	ResolutionNote string `json:"resolutionNote,omitempty"`

	Enabled   bool `json:"enabled"`
	AutoClear bool `json:"autoClear"`

	NotifyByEmail   bool     `json:"notifyByEmail"`
	NotifyBySMS     bool     `json:"notifyBySMS"`
	NotifyByWebhook bool     `json:"notifyByWebhook"`
	Recipients      []string `json:"recipients,omitempty"`
	PhoneNumbers    []string `json:"phoneNumbers,omitempty"`

	TriggerCount int64  `json:"triggerCount"`
	Duration     *int64 `json:"duration,omitempty"`
}

// NotificationPreferences is the per-tenant, per-severity channel setup the
// dispatcher resolves before fanning out.
type NotificationPreferences struct {
	Tenant   string   `json:"tenant"`
	Severity Severity `json:"severity"`

	EmailEnabled   bool     `json:"emailEnabled"`
	SMSEnabled     bool     `json:"smsEnabled"`
	WebhookEnabled bool     `json:"webhookEnabled"`
	Recipients     []string `json:"recipients,omitempty"`
	PhoneNumbers   []string `json:"phoneNumbers,omitempty"`
	WebhookURL     string   `json:"webhookURL,omitempty"`
}

// DefaultNotificationPreferences is what the dispatcher falls back to when
// nothing is configured for a tenant, or the lookup itself fails.
func DefaultNotificationPreferences(tenant string, severity Severity) NotificationPreferences {
	return NotificationPreferences{
		Tenant:       tenant,
		Severity:     severity,
		EmailEnabled: true,
		SMSEnabled:   severity == SeverityCritical,
	}
}

type TimeSeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type Statistics struct {
	Channel string  `json:"channel"`
	Count   int64   `json:"count"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
}

type Collection[T any] struct {
	Data       []T
	Count      uint64
	Offset     uint64
	Limit      uint64
	TotalCount uint64
}
