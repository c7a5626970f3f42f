package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables, e.g.
// TASKQUEUE_REDIS_URL or TASKQUEUE_QUEUE_MAX_RETRIES.
const EnvPrefix = "TASKQUEUE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue.name", "taskqueue")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.task_ttl_seconds", 86400)
	v.SetDefault("queue.enable_dead_letter_queue", true)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "logfmt")
	v.SetDefault("worker.concurrency", 5)
	v.SetDefault("worker.poll_timeout", "2s")
	v.SetDefault("worker.recover_on_start", false)
	v.SetDefault("ui.addr", "127.0.0.1:12345")
	v.SetDefault("ui.stats_interval", "1s")
}

// Load reads the configuration. If path is not empty, the file is read
// first; environment variables take precedence over its values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return nil, fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
