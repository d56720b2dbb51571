package alarms

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/broker"
	"github.com/diwise/iot-telemetry/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
)

var tracer = otel.Tracer("iot-telemetry/alarms")

// decodeLifecycleMessage unmarshals and validates an incoming lifecycle
// message. Malformed messages are not retriable and should be skipped.
func decodeLifecycleMessage(body []byte, log *slog.Logger) (types.AlarmLifecycleMessage, bool) {
	msg := types.AlarmLifecycleMessage{}

	err := json.Unmarshal(body, &msg)
	if err != nil {
		log.Error("failed to unmarshal message", "err", err.Error())
		return msg, false
	}

	if msg.ID == "" || msg.Tenant == "" {
		log.Error("discarding lifecycle message without id or tenant")
		return msg, false
	}

	return msg, true
}

func NewAlarmCreatedHandler(svc AlarmService) broker.TopicMessageHandler {
	return func(ctx context.Context, itm broker.Message, l *slog.Logger) error {
		var err error

		ctx, span := tracer.Start(ctx, "alarm-created")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, l, ctx)

		msg, ok := decodeLifecycleMessage(itm.Body, log)
		if !ok {
			return nil
		}

		err = svc.HandleCreated(ctx, msg)
		if err != nil {
			log.Error("could not process created alarm", "alarm_id", msg.ID, "err", err.Error())
		}

		return err
	}
}

func NewAlarmAcknowledgedHandler(svc AlarmService) broker.TopicMessageHandler {
	return func(ctx context.Context, itm broker.Message, l *slog.Logger) error {
		var err error

		ctx, span := tracer.Start(ctx, "alarm-acknowledged")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, l, ctx)

		msg, ok := decodeLifecycleMessage(itm.Body, log)
		if !ok {
			return nil
		}

		err = svc.HandleAcknowledged(ctx, msg)
		if err != nil {
			log.Error("could not process acknowledged alarm", "alarm_id", msg.ID, "err", err.Error())
		}

		return err
	}
}

func NewAlarmClearedHandler(svc AlarmService) broker.TopicMessageHandler {
	return func(ctx context.Context, itm broker.Message, l *slog.Logger) error {
		var err error

		ctx, span := tracer.Start(ctx, "alarm-cleared")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, l, ctx)

		msg, ok := decodeLifecycleMessage(itm.Body, log)
		if !ok {
			return nil
		}

		err = svc.HandleCleared(ctx, msg)
		if err != nil {
			log.Error("could not process cleared alarm", "alarm_id", msg.ID, "err", err.Error())
		}

		return err
	}
}

func NewAlarmEscalatedHandler(svc AlarmService) broker.TopicMessageHandler {
	return func(ctx context.Context, itm broker.Message, l *slog.Logger) error {
		var err error

		ctx, span := tracer.Start(ctx, "alarm-escalated")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, l, ctx)

		msg, ok := decodeLifecycleMessage(itm.Body, log)
		if !ok {
			return nil
		}

		err = svc.HandleEscalated(ctx, msg)
		if err != nil {
			log.Error("could not process escalated alarm", "alarm_id", msg.ID, "err", err.Error())
		}

		return err
	}
}
