package config

import (
	"time"

	"workq/internal/backend"
	"workq/internal/periodic"
)

// Config holds all workq configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server" validate:"required"`
	Tasks  TasksConfig  `mapstructure:"tasks" validate:"required"`
}

// ServerConfig configures the host process and its logging.
type ServerConfig struct {
	Addr      string `mapstructure:"addr" validate:"required"`
	LogLevel  string `mapstructure:"log_level" validate:"required,oneof=trace debug info warn error fatal"`
	LogFormat string `mapstructure:"log_format" validate:"required,oneof=console json"`
	Debug     bool   `mapstructure:"debug"`
}

// TasksConfig configures the task subsystem.
type TasksConfig struct {
	AppName       string               `mapstructure:"app_name" validate:"required"`
	Backend       backend.Config       `mapstructure:"backend"`
	Queue         QueueConfig          `mapstructure:"queue" validate:"required"`
	Workers       WorkersConfig        `mapstructure:"workers" validate:"required"`
	CleanSchedule string               `mapstructure:"clean_schedule" validate:"omitempty,cron"`
	Schedules     []periodic.Recurring `mapstructure:"schedules" validate:"dive"`
}

// QueueConfig names the on-host queue shared by the host and its workers.
type QueueConfig struct {
	Name         string        `mapstructure:"name" validate:"required"`
	Path         string        `mapstructure:"path" validate:"required"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

type WorkersConfig struct {
	Count        int           `mapstructure:"count" validate:"gte=0"`
	Type         string        `mapstructure:"type" validate:"required,oneof=io cpu"`
	MaxJobs      int           `mapstructure:"max_jobs" validate:"gt=0"`
	IdleDelay    time.Duration `mapstructure:"idle_delay" validate:"gt=0"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout" validate:"gt=0"`
}
