package config

import "time"

// Settings configures the orchestrator itself. The stack being deployed lives
// in the descriptor file (stasis.yaml), not here.
type Settings struct {
	Project string `mapstructure:"project"`
	File    string `mapstructure:"file" validate:"required"`     // e.g., "stasis.yaml"
	EnvFile string `mapstructure:"env_file" validate:"required"` // e.g., ".env"

	Docker   DockerSettings  `mapstructure:"docker"`
	Timeouts TimeoutSettings `mapstructure:"timeouts"`
	Restart  RestartSettings `mapstructure:"restart"`
	Log      LogSettings     `mapstructure:"log"`
	Metrics  MetricsSettings `mapstructure:"metrics"`
	Export   ExportSettings  `mapstructure:"export"`
}

// DockerSettings selects the engine endpoint.
type DockerSettings struct {
	Host        string `mapstructure:"host"`         // empty means DOCKER_HOST or the default socket
	HelperImage string `mapstructure:"helper_image"` // used for volume export
}

// TimeoutSettings bounds every blocking phase. None of them may be zero.
type TimeoutSettings struct {
	Pull      time.Duration `mapstructure:"pull" validate:"gt=0"`
	Build     time.Duration `mapstructure:"build" validate:"gt=0"`
	Readiness time.Duration `mapstructure:"readiness" validate:"gt=0"`
	Stop      time.Duration `mapstructure:"stop" validate:"gt=0"`
}

// RestartSettings shapes the launcher's restart loop.
type RestartSettings struct {
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
	Backoff    string        `mapstructure:"backoff" validate:"oneof=fixed exponential"`
	Initial    time.Duration `mapstructure:"initial" validate:"gt=0"`
	Max        time.Duration `mapstructure:"max" validate:"gtefield=Initial"`
}

// LogSettings mirrors the slog handler options.
type LogSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// MetricsSettings enables the prometheus endpoint in foreground mode.
type MetricsSettings struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// ExportSettings is consumed by `stasis volume export`.
type ExportSettings struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Region string `mapstructure:"region"`
}
