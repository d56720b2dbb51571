package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/diwise/iot-telemetry/internal/pkg/application/alarms"
	"github.com/diwise/iot-telemetry/internal/pkg/application/telemetry"
	"github.com/diwise/iot-telemetry/internal/pkg/presentation/api/auth"
	"github.com/diwise/iot-telemetry/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("iot-telemetry/api")

func RegisterHandlers(ctx context.Context, router *chi.Mux, svc telemetry.TelemetryService, alarmSvc alarms.AlarmService) (*chi.Mux, error) {

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	log := logging.GetFromContext(ctx)

	router.Route("/api/v0", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireTenants())

			r.Route("/telemetry", func(r chi.Router) {
				r.Post("/{deviceKey}", ingestTelemetryHandler(log, svc))
				r.Post("/{deviceKey}/batch", ingestTelemetryBatchHandler(log, svc))
			})

			r.Route("/devices/{deviceID}/telemetry", func(r chi.Router) {
				r.Get("/latest", getLatestReadingHandler(log, svc))
				r.Get("/recent", getRecentReadingsHandler(log, svc))
				r.Get("/timeseries", getTimeSeriesHandler(log, svc))
				r.Get("/stats", getStatisticsHandler(log, svc))
				r.Delete("/", deleteDeviceTelemetryHandler(log, svc))
			})

			r.Route("/alarms", func(r chi.Router) {
				r.Get("/", queryAlarmsHandler(log, alarmSvc))
				r.Get("/{alarmID}", getAlarmDetailsHandler(log, alarmSvc))
				r.Get("/{alarmID}/history", getAlarmHistoryHandler(log, alarmSvc))
				r.Patch("/{alarmID}", resolveAlarmHandler(log, alarmSvc))
			})

			r.Get("/stats/alarms", getAlarmCountersHandler(log, alarmSvc))
		})
	})

	return router, nil
}

func ingestTelemetryHandler(log *slog.Logger, svc telemetry.TelemetryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "ingest-telemetry")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceKey := chi.URLParam(r, "deviceKey")
		requestLogger = requestLogger.With(slog.String("device_key", deviceKey))

		body, err := io.ReadAll(r.Body)
		if err != nil {
			requestLogger.Error("unable to read body", "err", err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var reading types.Reading
		err = json.Unmarshal(body, &reading)
		if err != nil {
			requestLogger.Error("unable to unmarshal body", "err", err.Error())
			svc.RegisterIngestError(ctx, deviceKey)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		stored, err := svc.Ingest(ctx, deviceKey, reading)
		if errors.Is(err, telemetry.ErrDeviceNotFound) {
			requestLogger.Debug("unknown device key")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("unable to ingest reading", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		b, err := json.Marshal(stored)
		if err != nil {
			requestLogger.Error("unable to marshal reading", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write(b)
	}
}

func ingestTelemetryBatchHandler(log *slog.Logger, svc telemetry.TelemetryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "ingest-telemetry-batch")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceKey := chi.URLParam(r, "deviceKey")
		requestLogger = requestLogger.With(slog.String("device_key", deviceKey))

		body, err := io.ReadAll(r.Body)
		if err != nil {
			requestLogger.Error("unable to read body", "err", err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var readings []types.Reading
		err = json.Unmarshal(body, &readings)
		if err != nil {
			requestLogger.Error("unable to unmarshal body", "err", err.Error())
			svc.RegisterIngestError(ctx, deviceKey)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		stored, err := svc.IngestBatch(ctx, deviceKey, readings)
		if errors.Is(err, telemetry.ErrDeviceNotFound) {
			requestLogger.Debug("unknown device key")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("unable to ingest batch", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		b, err := json.Marshal(stored)
		if err != nil {
			requestLogger.Error("unable to marshal readings", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write(b)
	}
}

func getLatestReadingHandler(log *slog.Logger, svc telemetry.TelemetryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		allowedTenants := auth.GetAllowedTenantsFromContext(r.Context())

		ctx, span := tracer.Start(r.Context(), "get-latest-reading")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")
		requestLogger = requestLogger.With(slog.String("device_id", deviceID))

		reading, err := svc.GetLatest(ctx, deviceID, allowedTenants)
		if errors.Is(err, telemetry.ErrDeviceNotFound) {
			requestLogger.Debug("device not found")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("could not fetch latest reading", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		b, err := json.Marshal(reading)
		if err != nil {
			requestLogger.Error("unable to marshal reading", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	}
}

func getRecentReadingsHandler(log *slog.Logger, svc telemetry.TelemetryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		allowedTenants := auth.GetAllowedTenantsFromContext(r.Context())

		ctx, span := tracer.Start(r.Context(), "get-recent-readings")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")
		requestLogger = requestLogger.With(slog.String("device_id", deviceID))

		readings, err := svc.GetRecent(ctx, deviceID, allowedTenants)
		if errors.Is(err, telemetry.ErrDeviceNotFound) {
			requestLogger.Debug("device not found")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("could not fetch recent readings", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		b, err := json.Marshal(readings)
		if err != nil {
			requestLogger.Error("unable to marshal readings", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	}
}

func deleteDeviceTelemetryHandler(log *slog.Logger, svc telemetry.TelemetryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		allowedTenants := auth.GetAllowedTenantsFromContext(r.Context())

		ctx, span := tracer.Start(r.Context(), "delete-device-telemetry")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")
		requestLogger = requestLogger.With(slog.String("device_id", deviceID))

		deleted, err := svc.DeleteByDevice(ctx, deviceID, allowedTenants)
		if errors.Is(err, telemetry.ErrDeviceNotFound) {
			requestLogger.Debug("device not found")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("could not delete readings", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		requestLogger.Info("deleted device readings", "count", deleted)

		b, _ := json.Marshal(map[string]int64{"deleted": deleted})

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	}
}

func getTimeSeriesHandler(log *slog.Logger, svc telemetry.TelemetryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		allowedTenants := auth.GetAllowedTenantsFromContext(r.Context())

		ctx, span := tracer.Start(r.Context(), "get-timeseries")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")
		requestLogger = requestLogger.With(slog.String("device_id", deviceID))

		channel := r.URL.Query().Get("channel")
		if channel == "" {
			requestLogger.Debug("channel parameter missing")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		from, to, err := timeRangeFromQuery(r)
		if err != nil {
			requestLogger.Error("invalid time range", "err", err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		interval := time.Hour
		if i := r.URL.Query().Get("interval"); i != "" {
			seconds, err := strconv.Atoi(i)
			if err != nil || seconds <= 0 {
				requestLogger.Debug("invalid interval parameter")
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			interval = time.Duration(seconds) * time.Second
		}

		points, err := svc.GetTimeSeries(ctx, deviceID, channel, from, to, interval, allowedTenants)
		if errors.Is(err, telemetry.ErrDeviceNotFound) {
			requestLogger.Debug("device not found")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("could not fetch time series", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		b, err := json.Marshal(points)
		if err != nil {
			requestLogger.Error("unable to marshal time series", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	}
}

func getStatisticsHandler(log *slog.Logger, svc telemetry.TelemetryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		allowedTenants := auth.GetAllowedTenantsFromContext(r.Context())

		ctx, span := tracer.Start(r.Context(), "get-statistics")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")
		requestLogger = requestLogger.With(slog.String("device_id", deviceID))

		channel := r.URL.Query().Get("channel")
		if channel == "" {
			requestLogger.Debug("channel parameter missing")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		from, to, err := timeRangeFromQuery(r)
		if err != nil {
			requestLogger.Error("invalid time range", "err", err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		stats, err := svc.GetStatistics(ctx, deviceID, channel, from, to, allowedTenants)
		if errors.Is(err, telemetry.ErrDeviceNotFound) {
			requestLogger.Debug("device not found")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("could not fetch statistics", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		b, err := json.Marshal(stats)
		if err != nil {
			requestLogger.Error("unable to marshal statistics", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	}
}

func queryAlarmsHandler(log *slog.Logger, svc alarms.AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		allowedTenants := auth.GetAllowedTenantsFromContext(r.Context())

		ctx, span := tracer.Start(r.Context(), "query-alarms")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		if r.URL.Query().Get("active") == "true" {
			tenant := r.URL.Query().Get("tenant")
			if tenant == "" && len(allowedTenants) == 1 {
				tenant = allowedTenants[0]
			}
			if tenant == "" || !lo.Contains(allowedTenants, tenant) {
				requestLogger.Debug("active alarm query with missing or denied tenant")
				w.WriteHeader(http.StatusForbidden)
				return
			}

			active, err := svc.GetActive(ctx, tenant)
			if err != nil {
				requestLogger.Error("unable to fetch active alarms", "err", err.Error())
				w.WriteHeader(http.StatusInternalServerError)
				return
			}

			b, err := json.Marshal(active)
			if err != nil {
				requestLogger.Error("unable to marshal alarms", "err", err.Error())
				w.WriteHeader(http.StatusInternalServerError)
				return
			}

			w.Header().Add("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(b)
			return
		}

		severity := types.Severity(r.URL.Query().Get("severity"))
		if severity != "" && !severity.IsValid() {
			requestLogger.Debug("invalid severity parameter", "severity", string(severity))
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		offset, limit := offsetLimitFromQuery(r)

		collection, err := svc.Query(ctx, severity, offset, limit, allowedTenants)
		if err != nil {
			requestLogger.Error("unable to fetch alarms", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		b, err := json.Marshal(collection)
		if err != nil {
			requestLogger.Error("unable to marshal alarms", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	}
}

func getAlarmCountersHandler(log *slog.Logger, svc alarms.AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-alarm-counters")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		day := time.Now().UTC()
		if d := r.URL.Query().Get("day"); d != "" {
			day, err = time.Parse("2006-01-02", d)
			if err != nil {
				requestLogger.Debug("invalid day parameter", "day", d)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}

		counters, err := svc.GetCounters(ctx, day, r.URL.Query().Get("device"))
		if err != nil {
			requestLogger.Error("could not fetch alarm counters", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		b, err := json.Marshal(counters)
		if err != nil {
			requestLogger.Error("unable to marshal counters", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	}
}

func getAlarmDetailsHandler(log *slog.Logger, svc alarms.AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		allowedTenants := auth.GetAllowedTenantsFromContext(r.Context())

		ctx, span := tracer.Start(r.Context(), "get-alarm")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		alarmID := chi.URLParam(r, "alarmID")
		requestLogger = requestLogger.With(slog.String("alarm_id", alarmID))

		alarm, err := svc.GetByID(ctx, alarmID, allowedTenants)
		if errors.Is(err, alarms.ErrAlarmNotFound) {
			requestLogger.Debug("alarm not found")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("could not fetch alarm", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		b, err := json.Marshal(alarm)
		if err != nil {
			requestLogger.Error("unable to marshal alarm", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	}
}

func getAlarmHistoryHandler(log *slog.Logger, svc alarms.AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		allowedTenants := auth.GetAllowedTenantsFromContext(r.Context())

		ctx, span := tracer.Start(r.Context(), "get-alarm-history")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		alarmID := chi.URLParam(r, "alarmID")
		requestLogger = requestLogger.With(slog.String("alarm_id", alarmID))

		offset, limit := offsetLimitFromQuery(r)

		history, err := svc.GetHistory(ctx, alarmID, offset, limit, allowedTenants)
		if err != nil {
			requestLogger.Error("could not fetch alarm history", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		b, err := json.Marshal(history)
		if err != nil {
			requestLogger.Error("unable to marshal alarm history", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	}
}

func resolveAlarmHandler(log *slog.Logger, svc alarms.AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		allowedTenants := auth.GetAllowedTenantsFromContext(r.Context())

		ctx, span := tracer.Start(r.Context(), "resolve-alarm")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		alarmID := chi.URLParam(r, "alarmID")
		requestLogger = requestLogger.With(slog.String("alarm_id", alarmID))

		b, err := io.ReadAll(r.Body)
		if err != nil {
			requestLogger.Error("unable to read body", "err", err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var patch struct {
			Status string `json:"status"`
			UserID string `json:"userId"`
			Note   string `json:"note"`
		}
		err = json.Unmarshal(b, &patch)
		if err != nil {
			requestLogger.Error("unable to unmarshal body", "err", err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if patch.Status != string(types.AlarmStatusResolved) {
			requestLogger.Debug("unsupported status patch", "status", patch.Status)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		err = svc.Resolve(ctx, alarmID, patch.UserID, patch.Note, allowedTenants)
		if errors.Is(err, alarms.ErrAlarmNotFound) {
			requestLogger.Debug("alarm not found")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if errors.Is(err, alarms.ErrInvalidTransition) {
			requestLogger.Debug("alarm is already closed")
			w.WriteHeader(http.StatusConflict)
			return
		}
		if err != nil {
			requestLogger.Error("unable to resolve alarm", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func timeRangeFromQuery(r *http.Request) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	if f := r.URL.Query().Get("from"); f != "" {
		t, err := time.Parse(time.RFC3339, f)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = t
	}

	if t := r.URL.Query().Get("to"); t != "" {
		ts, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = ts
	}

	return from, to, nil
}

func offsetLimitFromQuery(r *http.Request) (int, int) {
	offset := 0
	limit := 100

	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	return offset, limit
}
