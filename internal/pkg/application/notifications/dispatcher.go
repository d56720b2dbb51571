package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/cache"
	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/storage"
	"github.com/diwise/iot-telemetry/pkg/types"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/samber/lo"
)

// Dispatcher fans an alarm out to the configured channels. It never returns
// an error: one bad recipient or channel must not block the others, and a
// notification failure must not affect the alarm transition itself.
type Dispatcher interface {
	Notify(ctx context.Context, msg types.AlarmLifecycleMessage)
	NotifyUrgent(ctx context.Context, msg types.AlarmLifecycleMessage)
}

type EmailSender interface {
	SendEmail(ctx context.Context, recipient, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, phoneNumber, message string) error
}

type PreferenceStore interface {
	GetNotificationPreferences(ctx context.Context, tenant string, severity types.Severity) (types.NotificationPreferences, error)
}

type PreferenceCache interface {
	GetNotificationPreferences(ctx context.Context, tenant string) (types.NotificationPreferences, error)
	SetNotificationPreferences(ctx context.Context, tenant string, prefs types.NotificationPreferences) error
}

type dispatcher struct {
	storage PreferenceStore
	cache   PreferenceCache

	email   EmailSender
	sms     SMSSender
	webhook *http.Client
}

func New(s PreferenceStore, c PreferenceCache, email EmailSender, sms SMSSender) Dispatcher {
	return &dispatcher{
		storage: s,
		cache:   c,
		email:   email,
		sms:     sms,
		webhook: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *dispatcher) Notify(ctx context.Context, msg types.AlarmLifecycleMessage) {
	prefs := d.resolvePreferences(ctx, msg.Tenant, msg.Severity)

	if prefs.EmailEnabled {
		d.sendEmails(ctx, prefs.Recipients, msg)
	}

	if prefs.SMSEnabled && msg.Severity == types.SeverityCritical {
		d.sendSMS(ctx, prefs.PhoneNumbers, msg)
	}

	if prefs.WebhookEnabled && prefs.WebhookURL != "" {
		d.postWebhook(ctx, prefs.WebhookURL, msg)
	}
}

// NotifyUrgent bypasses the normal channel gating: escalated alarms go out
// over email and SMS no matter what the tenant has configured.
func (d *dispatcher) NotifyUrgent(ctx context.Context, msg types.AlarmLifecycleMessage) {
	prefs := d.resolvePreferences(ctx, msg.Tenant, msg.Severity)

	d.sendEmails(ctx, prefs.Recipients, msg)
	d.sendSMS(ctx, prefs.PhoneNumbers, msg)

	if prefs.WebhookEnabled && prefs.WebhookURL != "" {
		d.postWebhook(ctx, prefs.WebhookURL, msg)
	}
}

func (d *dispatcher) resolvePreferences(ctx context.Context, tenant string, severity types.Severity) types.NotificationPreferences {
	log := logging.GetFromContext(ctx)

	cached, err := d.cache.GetNotificationPreferences(ctx, tenant)
	if err == nil && cached.Severity == severity {
		return cached
	}
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		log.Warn("failed to read notification preferences cache", "tenant", tenant, "err", err.Error())
	}

	prefs, err := d.storage.GetNotificationPreferences(ctx, tenant, severity)
	if err != nil {
		if !errors.Is(err, storage.ErrNoRows) {
			log.Warn("failed to look up notification preferences, using defaults", "tenant", tenant, "err", err.Error())
		}
		prefs = types.DefaultNotificationPreferences(tenant, severity)
	}

	err = d.cache.SetNotificationPreferences(ctx, tenant, prefs)
	if err != nil {
		log.Warn("failed to cache notification preferences", "tenant", tenant, "err", err.Error())
	}

	return prefs
}

func (d *dispatcher) sendEmails(ctx context.Context, recipients []string, msg types.AlarmLifecycleMessage) {
	log := logging.GetFromContext(ctx)

	subject := fmt.Sprintf("[%s] %s", msg.Severity, msg.Title)
	body := emailBody(msg)

	for _, recipient := range lo.Uniq(recipients) {
		err := d.email.SendEmail(ctx, recipient, subject, body)
		if err != nil {
			logFailure(log, msg.Severity, "email notification failed", "recipient", recipient, "alarm_id", msg.ID, "err", err.Error())
		}
	}
}

func (d *dispatcher) sendSMS(ctx context.Context, phoneNumbers []string, msg types.AlarmLifecycleMessage) {
	log := logging.GetFromContext(ctx)

	text := fmt.Sprintf("%s: %s (%s)", msg.Severity, msg.Title, msg.DeviceName)

	for _, phoneNumber := range lo.Uniq(phoneNumbers) {
		err := d.sms.SendSMS(ctx, phoneNumber, text)
		if err != nil {
			logFailure(log, msg.Severity, "sms notification failed", "phone_number", phoneNumber, "alarm_id", msg.ID, "err", err.Error())
		}
	}
}

func (d *dispatcher) postWebhook(ctx context.Context, url string, msg types.AlarmLifecycleMessage) {
	log := logging.GetFromContext(ctx)

	body, _ := json.Marshal(msg)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		logFailure(log, msg.Severity, "webhook notification failed", "alarm_id", msg.ID, "err", err.Error())
		return
	}
	req.Header.Set("Content-Type", msg.ContentType())

	resp, err := d.webhook.Do(req)
	if err != nil {
		logFailure(log, msg.Severity, "webhook notification failed", "alarm_id", msg.ID, "err", err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logFailure(log, msg.Severity, "webhook notification rejected", "alarm_id", msg.ID, "status", resp.StatusCode)
	}
}

// a failed CRITICAL notification is logged at error level so it can be
// alerted on operationally, everything else is a warning
func logFailure(log *slog.Logger, severity types.Severity, msg string, args ...any) {
	if severity == types.SeverityCritical {
		log.Error(msg, args...)
		return
	}
	log.Warn(msg, args...)
}

func emailBody(msg types.AlarmLifecycleMessage) string {
	body := fmt.Sprintf("Alarm %s on device %s\n\n%s\n\nTriggered at %s",
		msg.Title, msg.DeviceName, msg.Message, time.UnixMilli(msg.Timestamp).UTC().Format(time.RFC3339))

	if msg.Value != nil && msg.Threshold != nil {
		body += fmt.Sprintf("\nValue %v exceeded threshold %v (%s)", *msg.Value, *msg.Threshold, msg.Condition)
	}

	return body
}
