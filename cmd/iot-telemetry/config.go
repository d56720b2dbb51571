package main

import "time"

type flagType int
type flagMap map[flagType]string

const (
	listenAddress flagType = iota
	servicePort

	configurationFile

	dbHost
	dbUser
	dbPassword
	dbPort
	dbName
	dbSSLMode

	redisAddr
	redisPassword
	redisDB

	kafkaBrokers
	kafkaGroupID
)

type appConfig struct {
	Escalation struct {
		WindowSeconds       int `yaml:"windowSeconds"`
		PollIntervalSeconds int `yaml:"pollIntervalSeconds"`
	} `yaml:"escalation"`

	Retention struct {
		MaxAgeDays         int `yaml:"maxAgeDays"`
		CheckIntervalHours int `yaml:"checkIntervalHours"`
	} `yaml:"retention"`

	Broker struct {
		Partitions int `yaml:"partitions"`
	} `yaml:"broker"`
}

func defaultAppConfig() *appConfig {
	cfg := &appConfig{}

	cfg.Escalation.WindowSeconds = 900
	cfg.Escalation.PollIntervalSeconds = 30
	cfg.Retention.MaxAgeDays = 90
	cfg.Retention.CheckIntervalHours = 1
	cfg.Broker.Partitions = 6

	return cfg
}

func (c *appConfig) EscalationWindow() time.Duration {
	return time.Duration(c.Escalation.WindowSeconds) * time.Second
}

func (c *appConfig) EscalationPollInterval() time.Duration {
	return time.Duration(c.Escalation.PollIntervalSeconds) * time.Second
}

func (c *appConfig) RetentionMaxAge() time.Duration {
	return time.Duration(c.Retention.MaxAgeDays) * 24 * time.Hour
}

func (c *appConfig) RetentionCheckInterval() time.Duration {
	return time.Duration(c.Retention.CheckIntervalHours) * time.Hour
}
