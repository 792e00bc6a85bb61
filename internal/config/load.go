package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"workq/internal/backend"
	"workq/internal/periodic"
)

const EnvPrefix = "WORKQ"

var ErrInvalid = errors.New("invalid configuration")

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "console")
	v.SetDefault("server.debug", false)

	v.SetDefault("tasks.app_name", "workq")
	v.SetDefault("tasks.backend.uri", "")
	v.SetDefault("tasks.backend.backend_class", backend.ClassSQL)
	v.SetDefault("tasks.backend.options", map[string]any{})
	v.SetDefault("tasks.queue.name", "default")
	v.SetDefault("tasks.queue.path", "workq-queue.db")
	v.SetDefault("tasks.queue.poll_interval", 250*time.Millisecond)
	v.SetDefault("tasks.workers.count", 1)
	v.SetDefault("tasks.workers.type", "io")
	v.SetDefault("tasks.workers.max_jobs", 3)
	v.SetDefault("tasks.workers.idle_delay", time.Second)
	v.SetDefault("tasks.workers.drain_timeout", 60*time.Second)
	v.SetDefault("tasks.clean_schedule", periodic.DefaultCleanSchedule)
}

// Load reads configuration from defaults, the optional YAML file at path
// and WORKQ_* environment variables, in increasing order of precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return periodic.ValidateCronExpression(fl.Field().String()) == nil
	})
	return validate
}

// Validate checks struct tags and cross-field rules.
func Validate(cfg *Config) error {
	if err := newValidator().Struct(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if class := cfg.Tasks.Backend.BackendClass; class != "" && !slices.Contains(backend.Classes(), class) {
		return fmt.Errorf("%w: unknown backend_class %q", ErrInvalid, class)
	}
	names := make(map[string]bool, len(cfg.Tasks.Schedules))
	for _, s := range cfg.Tasks.Schedules {
		if names[s.Name] {
			return fmt.Errorf("%w: duplicate schedule %q", ErrInvalid, s.Name)
		}
		names[s.Name] = true
	}
	return nil
}
