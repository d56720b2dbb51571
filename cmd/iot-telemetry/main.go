package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/diwise/iot-telemetry/internal/pkg/application/alarms"
	"github.com/diwise/iot-telemetry/internal/pkg/application/notifications"
	"github.com/diwise/iot-telemetry/internal/pkg/application/telemetry"
	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/broker"
	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/cache"
	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/router"
	"github.com/diwise/iot-telemetry/internal/pkg/infrastructure/storage"
	"github.com/diwise/iot-telemetry/internal/pkg/presentation/api"
	"github.com/diwise/iot-telemetry/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"go.yaml.in/yaml/v2"
)

const serviceName string = "iot-telemetry"

func defaultFlags() flagMap {
	return flagMap{
		listenAddress: "0.0.0.0",
		servicePort:   "8080",

		configurationFile: "/opt/diwise/config/config.yaml",

		dbHost:     "",
		dbUser:     "",
		dbPassword: "",
		dbPort:     "5432",
		dbName:     "diwise",
		dbSSLMode:  "disable",

		redisAddr:     "localhost:6379",
		redisPassword: "",
		redisDB:       "0",

		kafkaBrokers: "localhost:9092",
		kafkaGroupID: serviceName,
	}
}

func main() {
	ctx, flags := parseExternalConfig(context.Background(), defaultFlags())

	serviceVersion := buildinfo.SourceVersion()
	ctx, logger, cleanup := o11y.Init(ctx, serviceName, serviceVersion, "json")
	defer cleanup()

	cfg := defaultAppConfig()

	if f, err := os.Open(flags[configurationFile]); err == nil {
		cfg, err = parseExternalConfigFile(f)
		exitIf(err, logger, "could not parse configuration file")
	} else {
		logger.Warn("no configuration file found, using defaults", "path", flags[configurationFile])
	}

	err := run(ctx, flags, cfg)
	exitIf(err, logger, "failed to run service")
}

func run(ctx context.Context, flags flagMap, cfg *appConfig) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.GetFromContext(ctx)

	s, err := storage.New(ctx, storage.NewConfig(
		flags[dbHost], flags[dbUser], flags[dbPassword],
		flags[dbPort], flags[dbName], flags[dbSSLMode]))
	if err != nil {
		return err
	}

	err = s.CreateTables(ctx)
	if err != nil {
		return err
	}

	tenants, err := s.GetTenants(ctx)
	if err != nil {
		return err
	}
	log.Info("storage initialized", "tenants", len(tenants))

	redisDatabase, _ := strconv.Atoi(flags[redisDB])
	c, err := cache.New(ctx, cache.Config{
		Addr:     flags[redisAddr],
		Password: flags[redisPassword],
		DB:       redisDatabase,
	})
	if err != nil {
		return err
	}

	brokers := strings.Split(flags[kafkaBrokers], ",")

	err = broker.EnsureTopics(ctx, brokers, cfg.Broker.Partitions,
		types.TopicTelemetryRaw,
		types.TopicAlarmsCreated,
		types.TopicAlarmsAcknowledged,
		types.TopicAlarmsCleared,
		types.TopicAlarmsEscalated)
	if err != nil {
		return err
	}

	publisher := broker.NewKafkaPublisher(broker.Config{Brokers: brokers})
	consumer := broker.NewKafkaConsumer(broker.Config{Brokers: brokers, GroupID: flags[kafkaGroupID]})

	dispatcher := notifications.New(s, c, notifications.NewLogEmailSender(), notifications.NewLogSMSSender())
	escalator := alarms.NewEscalator(s, publisher, cfg.EscalationWindow(), cfg.EscalationPollInterval())

	alarmSvc := alarms.New(s, c, dispatcher, escalator)
	alarmSvc.RegisterTopicMessageHandlers(consumer)

	telemetrySvc := telemetry.New(s, c, publisher)

	consumer.Start(ctx)
	escalator.Start(ctx)

	go retentionWorker(ctx, telemetrySvc, cfg.RetentionMaxAge(), cfg.RetentionCheckInterval())

	r := router.New(serviceName)
	_, err = api.RegisterHandlers(ctx, r, telemetrySvc, alarmSvc)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    net.JoinHostPort(flags[listenAddress], flags[servicePort]),
		Handler: r,
	}

	errs := make(chan error, 1)

	go func() {
		log.Info("starting http server", "addr", srv.Addr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err = <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = srv.Shutdown(shutdownCtx)
	if err != nil {
		log.Error("http server shutdown failed", "err", err.Error())
	}

	escalator.Stop()
	consumer.Stop()
	publisher.Close()
	c.Close()
	s.Close()

	return nil
}

// retentionWorker periodically deletes readings older than the configured
// retention age. Alarms and alarm history are kept indefinitely.
func retentionWorker(ctx context.Context, svc telemetry.TelemetryService, maxAge, interval time.Duration) {
	log := logging.GetFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			deleted, err := svc.DeleteOlderThan(ctx, maxAge)
			if err != nil {
				log.Error("could not delete expired readings", "err", err.Error())
				continue
			}
			if deleted > 0 {
				log.Info("deleted expired readings", "count", deleted)
			}
		}
	}
}

func parseExternalConfigFile(cfgFile io.ReadCloser) (*appConfig, error) {
	defer cfgFile.Close()

	b, err := io.ReadAll(cfgFile)
	if err != nil {
		return nil, err
	}

	cfg := defaultAppConfig()
	err = yaml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseExternalConfig(ctx context.Context, flags flagMap) (context.Context, flagMap) {
	// Allow environment variables to override certain defaults
	envOrDef := env.GetVariableOrDefault

	flags[listenAddress] = envOrDef(ctx, "LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = envOrDef(ctx, "SERVICE_PORT", flags[servicePort])

	flags[dbHost] = envOrDef(ctx, "POSTGRES_HOST", flags[dbHost])
	flags[dbPort] = envOrDef(ctx, "POSTGRES_PORT", flags[dbPort])
	flags[dbName] = envOrDef(ctx, "POSTGRES_DBNAME", flags[dbName])
	flags[dbUser] = envOrDef(ctx, "POSTGRES_USER", flags[dbUser])
	flags[dbPassword] = envOrDef(ctx, "POSTGRES_PASSWORD", flags[dbPassword])
	flags[dbSSLMode] = envOrDef(ctx, "POSTGRES_SSLMODE", flags[dbSSLMode])

	flags[redisAddr] = envOrDef(ctx, "REDIS_ADDR", flags[redisAddr])
	flags[redisPassword] = envOrDef(ctx, "REDIS_PASSWORD", flags[redisPassword])
	flags[redisDB] = envOrDef(ctx, "REDIS_DB", flags[redisDB])

	flags[kafkaBrokers] = envOrDef(ctx, "KAFKA_BROKERS", flags[kafkaBrokers])
	flags[kafkaGroupID] = envOrDef(ctx, "KAFKA_GROUP_ID", flags[kafkaGroupID])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("config", "service configuration file", apply(configurationFile))
	flag.Parse()

	return ctx, flags
}

func exitIf(err error, logger *slog.Logger, msg string, args ...any) {
	if err != nil {
		logger.With(args...).Error(msg, "err", err.Error())
		time.Sleep(2 * time.Second)
		os.Exit(1)
	}
}
