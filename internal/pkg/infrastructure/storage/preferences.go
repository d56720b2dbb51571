package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/diwise/iot-telemetry/pkg/types"
	"github.com/jackc/pgx/v5"
)

func (s *Storage) GetNotificationPreferences(ctx context.Context, tenant string, severity types.Severity) (types.NotificationPreferences, error) {
	args := pgx.NamedArgs{
		"tenant":   tenant,
		"severity": string(severity),
	}

	var emailEnabled, smsEnabled, webhookEnabled bool
	var recipients, phoneNumbers []byte
	var webhookURL *string

	err := s.pool.QueryRow(ctx, `
		SELECT email_enabled, sms_enabled, webhook_enabled, recipients, phone_numbers, webhook_url
		FROM notification_preferences
		WHERE tenant = @tenant AND severity = @severity
	`, args).Scan(&emailEnabled, &smsEnabled, &webhookEnabled, &recipients, &phoneNumbers, &webhookURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NotificationPreferences{}, ErrNoRows
		}
		return types.NotificationPreferences{}, err
	}

	prefs := types.NotificationPreferences{
		Tenant:         tenant,
		Severity:       severity,
		EmailEnabled:   emailEnabled,
		SMSEnabled:     smsEnabled,
		WebhookEnabled: webhookEnabled,
	}

	if len(recipients) > 0 {
		json.Unmarshal(recipients, &prefs.Recipients)
	}
	if len(phoneNumbers) > 0 {
		json.Unmarshal(phoneNumbers, &prefs.PhoneNumbers)
	}
	if webhookURL != nil {
		prefs.WebhookURL = *webhookURL
	}

	return prefs, nil
}

func (s *Storage) SetNotificationPreferences(ctx context.Context, prefs types.NotificationPreferences) error {
	recipients, _ := json.Marshal(prefs.Recipients)
	phoneNumbers, _ := json.Marshal(prefs.PhoneNumbers)

	args := pgx.NamedArgs{
		"tenant":          prefs.Tenant,
		"severity":        string(prefs.Severity),
		"email_enabled":   prefs.EmailEnabled,
		"sms_enabled":     prefs.SMSEnabled,
		"webhook_enabled": prefs.WebhookEnabled,
		"recipients":      string(recipients),
		"phone_numbers":   string(phoneNumbers),
		"webhook_url":     prefs.WebhookURL,
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_preferences (tenant, severity, email_enabled, sms_enabled, webhook_enabled, recipients, phone_numbers, webhook_url)
		VALUES (@tenant, @severity, @email_enabled, @sms_enabled, @webhook_enabled, @recipients, @phone_numbers, @webhook_url)
		ON CONFLICT (tenant, severity) DO UPDATE
		SET email_enabled = @email_enabled, sms_enabled = @sms_enabled, webhook_enabled = @webhook_enabled,
			recipients = @recipients, phone_numbers = @phone_numbers, webhook_url = @webhook_url
	`, args)

	return err
}
