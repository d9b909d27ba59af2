// Package viperloader loads pipeline configuration from a yaml file and the
// environment, with environment values taking precedence.
package viperloader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/areahq/area-pipeline/internal/config"
)

// Loader reads configuration using viper. A missing config file is not an
// error; environment variables and defaults still apply.
type Loader struct {
	// path is the filesystem path to an optional yaml configuration file.
	path string
}

// New creates a Loader that will consult the given config file path. An empty
// path skips file loading entirely.
func New(path string) *Loader { return &Loader{path: path} }

// Load builds the configuration from defaults, the optional config file, and
// AREA_-prefixed environment variables.
func (l *Loader) Load(ctx context.Context) (*config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AREA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := config.Default()
	l.setDefaults(v, &cfg)

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers defaults so viper can override individual keys from
// the environment without requiring a file.
func (l *Loader) setDefaults(v *viper.Viper, cfg *config.Config) {
	v.SetDefault("api.host", cfg.API.Host)
	v.SetDefault("api.port", cfg.API.Port)
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("stream.backend", string(cfg.Stream.Backend))
	v.SetDefault("stream.name", cfg.Stream.Name)
	v.SetDefault("stream.group", cfg.Stream.Group)
	v.SetDefault("stream.batch_size", cfg.Stream.BatchSize)
	v.SetDefault("stream.poll_timeout", cfg.Stream.PollTimeout)
	v.SetDefault("worker.pool_size", cfg.Worker.PoolSize)
	v.SetDefault("worker.execution_timeout", cfg.Worker.ExecutionTimeout)
}
