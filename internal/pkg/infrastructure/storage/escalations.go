package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

type ScheduledEscalation struct {
	AlarmID string
	Tenant  string
	DueAt   time.Time
}

// AddScheduledEscalation arms a durable escalation check. Re-arming an
// already armed alarm keeps the earlier due time.
func (s *Storage) AddScheduledEscalation(ctx context.Context, e ScheduledEscalation) error {
	args := pgx.NamedArgs{
		"alarm_id": e.AlarmID,
		"tenant":   e.Tenant,
		"due_at":   e.DueAt.UTC(),
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_escalations (alarm_id, tenant, due_at)
		VALUES (@alarm_id, @tenant, @due_at)
		ON CONFLICT (alarm_id) DO NOTHING
	`, args)

	return err
}

func (s *Storage) GetDueEscalations(ctx context.Context, now time.Time) ([]ScheduledEscalation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT alarm_id, tenant, due_at
		FROM scheduled_escalations
		WHERE due_at <= @now
		ORDER BY due_at ASC
	`, pgx.NamedArgs{"now": now.UTC()})
	if err != nil {
		return nil, err
	}

	var alarmID, tenant string
	var dueAt time.Time

	escalations := make([]ScheduledEscalation, 0)

	_, err = pgx.ForEachRow(rows, []any{&alarmID, &tenant, &dueAt}, func() error {
		escalations = append(escalations, ScheduledEscalation{AlarmID: alarmID, Tenant: tenant, DueAt: dueAt})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return escalations, nil
}

func (s *Storage) DeleteScheduledEscalation(ctx context.Context, alarmID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM scheduled_escalations WHERE alarm_id = @alarm_id
	`, pgx.NamedArgs{"alarm_id": alarmID})

	return err
}
