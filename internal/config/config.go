package config

import (
	"time"

	"github.com/go-kit/log"

	taskqueue "github.com/Abhay27273/Software-Developer-AgenticAI-sub001"
)

// Config holds all application configuration.
type Config struct {
	Queue  QueueConfig  `mapstructure:"queue" validate:"required"`
	Redis  RedisConfig  `mapstructure:"redis" validate:"required"`
	Log    LogConfig    `mapstructure:"log" validate:"required"`
	Worker WorkerConfig `mapstructure:"worker" validate:"required"`
	UI     UIConfig     `mapstructure:"ui" validate:"required"`
}

// QueueConfig contains the settings of one queue namespace.
type QueueConfig struct {
	// Name namespaces all keys of the queue in the store.
	Name                  string `mapstructure:"name" validate:"required"`
	MaxRetries            int    `mapstructure:"max_retries" validate:"gte=0"`
	TaskTTLSeconds        int    `mapstructure:"task_ttl_seconds" validate:"gt=0"`
	EnableDeadLetterQueue bool   `mapstructure:"enable_dead_letter_queue"`
}

// RedisConfig contains the connection settings of the backing store.
type RedisConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=logfmt json"`
}

// WorkerConfig contains settings of the worker pool.
type WorkerConfig struct {
	Concurrency int           `mapstructure:"concurrency" validate:"gte=1"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"gte=1s"`
	// RecoverOnStart requeues processing tasks at startup.
	RecoverOnStart bool `mapstructure:"recover_on_start"`
}

// UIConfig contains settings of the operator web server.
type UIConfig struct {
	Addr          string        `mapstructure:"addr" validate:"required,hostname_port"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// TaskTTL returns the TTL of task records.
func (c QueueConfig) TaskTTL() time.Duration {
	return time.Duration(c.TaskTTLSeconds) * time.Second
}

// QueueOptions converts the queue settings into queue options.
func (c *Config) QueueOptions(logger log.Logger) []taskqueue.QueueOption {
	return []taskqueue.QueueOption{
		taskqueue.SetLogger(logger),
		taskqueue.SetMaxRetries(c.Queue.MaxRetries),
		taskqueue.SetTaskTTL(c.Queue.TaskTTL()),
		taskqueue.SetDeadLetter(c.Queue.EnableDeadLetterQueue),
	}
}

// ManagerOptions converts the worker settings into manager options.
func (c *Config) ManagerOptions() []taskqueue.ManagerOption {
	return []taskqueue.ManagerOption{
		taskqueue.SetConcurrency(c.Worker.Concurrency),
		taskqueue.SetPollTimeout(c.Worker.PollTimeout),
		taskqueue.SetRecoverOnStart(c.Worker.RecoverOnStart),
	}
}
