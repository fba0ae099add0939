package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
	"github.com/spf13/viper"
)

// DefaultSettingsFile is read when present and no --settings flag is given.
const DefaultSettingsFile = "stasis.settings.yaml"

var validate = validator.New(validator.WithRequiredStructEnabled())

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("file", "stasis.yaml")
	v.SetDefault("env_file", ".env")
	v.SetDefault("docker.helper_image", "busybox:1.36")
	v.SetDefault("timeouts.pull", 5*time.Minute)
	v.SetDefault("timeouts.build", 15*time.Minute)
	v.SetDefault("timeouts.readiness", 60*time.Second)
	v.SetDefault("timeouts.stop", 10*time.Second)
	v.SetDefault("restart.max_retries", 3)
	v.SetDefault("restart.backoff", "exponential")
	v.SetDefault("restart.initial", 500*time.Millisecond)
	v.SetDefault("restart.max", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads orchestrator settings into a Settings value.
// filename may be empty, in which case DefaultSettingsFile is used if it exists.
// Values from STASIS_* environment variables and flags already bound to v
// take precedence over the file.
func Load(v *viper.Viper, filename string) (*Settings, error) {
	SetDefaults(v)
	v.SetEnvPrefix("stasis")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := filename != ""
	if !explicit {
		filename = DefaultSettingsFile
	}

	v.SetConfigFile(filename)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
			if explicit {
				return nil, fmt.Errorf("%w: settings file %s not found", ErrInvalidSettings, filename)
			}
		default:
			return nil, fmt.Errorf("%w: error reading settings file: %w", ErrInvalidSettings, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("%w: unable to decode settings: %w", ErrInvalidSettings, err)
	}

	if err := validate.Struct(s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	return &s, nil
}

// ProjectName returns the normalized project name. An explicit setting wins;
// otherwise the descriptor's own name, then the working directory's base name.
func ProjectName(explicit, descriptor, dir string) string {
	for _, candidate := range []string{explicit, descriptor, dir} {
		if name := slug.Make(candidate); name != "" {
			return name
		}
	}
	return "default"
}
