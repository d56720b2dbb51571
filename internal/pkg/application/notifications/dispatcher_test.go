package notifications

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/cache"
	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/storage"
	"github.com/diwise/iot-telemetry/pkg/types"
)

type preferenceStoreMock struct {
	GetFunc func(ctx context.Context, tenant string, severity types.Severity) (types.NotificationPreferences, error)
}

func (m *preferenceStoreMock) GetNotificationPreferences(ctx context.Context, tenant string, severity types.Severity) (types.NotificationPreferences, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, tenant, severity)
	}
	return types.NotificationPreferences{}, storage.ErrNoRows
}

type preferenceCacheMock struct {
	prefs map[string]types.NotificationPreferences
}

func (m *preferenceCacheMock) GetNotificationPreferences(ctx context.Context, tenant string) (types.NotificationPreferences, error) {
	if p, ok := m.prefs[tenant]; ok {
		return p, nil
	}
	return types.NotificationPreferences{}, cache.ErrCacheMiss
}
func (m *preferenceCacheMock) SetNotificationPreferences(ctx context.Context, tenant string, prefs types.NotificationPreferences) error {
	if m.prefs == nil {
		m.prefs = map[string]types.NotificationPreferences{}
	}
	m.prefs[tenant] = prefs
	return nil
}

type emailSenderMock struct {
	SendFunc   func(ctx context.Context, recipient, subject, body string) error
	recipients []string
}

func (m *emailSenderMock) SendEmail(ctx context.Context, recipient, subject, body string) error {
	m.recipients = append(m.recipients, recipient)
	if m.SendFunc != nil {
		return m.SendFunc(ctx, recipient, subject, body)
	}
	return nil
}

type smsSenderMock struct {
	numbers []string
}

func (m *smsSenderMock) SendSMS(ctx context.Context, phoneNumber, message string) error {
	m.numbers = append(m.numbers, phoneNumber)
	return nil
}

func alarmMsg(severity types.Severity) types.AlarmLifecycleMessage {
	return types.AlarmLifecycleMessage{
		ID:         "alarm-001",
		DeviceID:   "device-001",
		DeviceName: "basement sensor",
		Tenant:     "default",
		Severity:   severity,
		Type:       "threshold",
		Title:      "high temperature",
		Message:    "temperature above threshold",
		Timestamp:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
	}
}

func TestNotifyUsesDefaultsWhenNoPreferencesStored(t *testing.T) {
	is := is.New(t)

	email := &emailSenderMock{}
	sms := &smsSenderMock{}
	c := &preferenceCacheMock{}

	d := New(&preferenceStoreMock{}, c, email, sms)

	d.Notify(context.Background(), alarmMsg(types.SeverityWarning))

	// defaults have email enabled but no recipients configured
	is.Equal(0, len(email.recipients))
	is.Equal(0, len(sms.numbers))

	// defaults are backfilled into the cache
	cached, ok := c.prefs["default"]
	is.True(ok)
	is.True(cached.EmailEnabled)
}

func TestNotifySendsEmailToEveryRecipientOnce(t *testing.T) {
	is := is.New(t)

	email := &emailSenderMock{}

	s := &preferenceStoreMock{
		GetFunc: func(ctx context.Context, tenant string, severity types.Severity) (types.NotificationPreferences, error) {
			return types.NotificationPreferences{
				Tenant:       tenant,
				Severity:     severity,
				EmailEnabled: true,
				Recipients:   []string{"a@example.com", "b@example.com", "a@example.com"},
			}, nil
		},
	}

	d := New(s, &preferenceCacheMock{}, email, &smsSenderMock{})

	d.Notify(context.Background(), alarmMsg(types.SeverityMajor))

	is.Equal([]string{"a@example.com", "b@example.com"}, email.recipients)
}

func TestNotifyFailedRecipientDoesNotBlockOthers(t *testing.T) {
	is := is.New(t)

	email := &emailSenderMock{
		SendFunc: func(ctx context.Context, recipient, subject, body string) error {
			if recipient == "a@example.com" {
				return errors.New("mailbox unavailable")
			}
			return nil
		},
	}

	s := &preferenceStoreMock{
		GetFunc: func(ctx context.Context, tenant string, severity types.Severity) (types.NotificationPreferences, error) {
			return types.NotificationPreferences{
				Tenant:       tenant,
				Severity:     severity,
				EmailEnabled: true,
				Recipients:   []string{"a@example.com", "b@example.com"},
			}, nil
		},
	}

	d := New(s, &preferenceCacheMock{}, email, &smsSenderMock{})

	d.Notify(context.Background(), alarmMsg(types.SeverityMajor))

	is.Equal(2, len(email.recipients))
}

func TestNotifySendsSMSOnlyForCritical(t *testing.T) {
	is := is.New(t)

	prefs := func(ctx context.Context, tenant string, severity types.Severity) (types.NotificationPreferences, error) {
		return types.NotificationPreferences{
			Tenant:       tenant,
			Severity:     severity,
			EmailEnabled: true,
			SMSEnabled:   true,
			PhoneNumbers: []string{"+46700000001"},
		}, nil
	}

	sms := &smsSenderMock{}
	d := New(&preferenceStoreMock{GetFunc: prefs}, &preferenceCacheMock{}, &emailSenderMock{}, sms)

	d.Notify(context.Background(), alarmMsg(types.SeverityMajor))
	is.Equal(0, len(sms.numbers))

	d.Notify(context.Background(), alarmMsg(types.SeverityCritical))
	is.Equal([]string{"+46700000001"}, sms.numbers)
}

func TestNotifyUrgentIgnoresChannelGating(t *testing.T) {
	is := is.New(t)

	prefs := func(ctx context.Context, tenant string, severity types.Severity) (types.NotificationPreferences, error) {
		return types.NotificationPreferences{
			Tenant:       tenant,
			Severity:     severity,
			EmailEnabled: false,
			SMSEnabled:   false,
			Recipients:   []string{"ops@example.com"},
			PhoneNumbers: []string{"+46700000001"},
		}, nil
	}

	email := &emailSenderMock{}
	sms := &smsSenderMock{}

	d := New(&preferenceStoreMock{GetFunc: prefs}, &preferenceCacheMock{}, email, sms)

	d.NotifyUrgent(context.Background(), alarmMsg(types.SeverityCritical))

	is.Equal([]string{"ops@example.com"}, email.recipients)
	is.Equal([]string{"+46700000001"}, sms.numbers)
}

func TestNotifyPostsWebhook(t *testing.T) {
	is := is.New(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		is.Equal("application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := &preferenceStoreMock{
		GetFunc: func(ctx context.Context, tenant string, severity types.Severity) (types.NotificationPreferences, error) {
			return types.NotificationPreferences{
				Tenant:         tenant,
				Severity:       severity,
				WebhookEnabled: true,
				WebhookURL:     srv.URL,
			}, nil
		},
	}

	d := New(s, &preferenceCacheMock{}, &emailSenderMock{}, &smsSenderMock{})

	d.Notify(context.Background(), alarmMsg(types.SeverityMajor))

	is.Equal(int32(1), hits.Load())
}

func TestResolvePreferencesCacheHitMustMatchSeverity(t *testing.T) {
	is := is.New(t)

	storeCalls := 0
	s := &preferenceStoreMock{
		GetFunc: func(ctx context.Context, tenant string, severity types.Severity) (types.NotificationPreferences, error) {
			storeCalls++
			return types.NotificationPreferences{Tenant: tenant, Severity: severity, EmailEnabled: true}, nil
		},
	}
	c := &preferenceCacheMock{
		prefs: map[string]types.NotificationPreferences{
			"default": {Tenant: "default", Severity: types.SeverityWarning, EmailEnabled: true},
		},
	}

	d := New(s, c, &emailSenderMock{}, &smsSenderMock{})

	// cached entry is for WARNING, a MAJOR alarm goes to the store
	d.Notify(context.Background(), alarmMsg(types.SeverityMajor))
	is.Equal(1, storeCalls)

	// now the cache holds MAJOR, so a second MAJOR alarm is a cache hit
	d.Notify(context.Background(), alarmMsg(types.SeverityMajor))
	is.Equal(1, storeCalls)
}
