package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading from YAML and Environment variables.
// Priority: Env Vars > YAML > Defaults (the `default` struct tags).
// A missing YAML file is not an error.
type Loader[T any] struct {
	envPrefix  string
	configPath string
	validate   *validator.Validate
}

func NewLoader[T any](envPrefix, configPath string) *Loader[T] {
	return &Loader[T]{
		envPrefix:  envPrefix,
		configPath: configPath,
		validate:   validator.New(),
	}
}

// Path is the YAML file the loader reads, possibly empty.
func (l *Loader[T]) Path() string { return l.configPath }

// Load reads and validates the configuration.
func (l *Loader[T]) Load() (*T, error) {
	// Defaults and env first: envconfig fills unset fields from their default tag.
	var base T
	if err := envconfig.Process(l.envPrefix, &base); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	cfg := base
	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to open config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file: %w", err)
			}
			// YAML overwrote env values too; put those back.
			if err := reapplyEnv(l.envPrefix, &base, &cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := l.validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// reapplyEnv copies every field set through the environment from src to dst.
// Both are walked with envconfig so their variables line up index by index.
func reapplyEnv[T any](prefix string, src, dst *T) error {
	from, err := envconfig.GatherInfo(prefix, src)
	if err != nil {
		return fmt.Errorf("failed to inspect env vars: %w", err)
	}
	to, err := envconfig.GatherInfo(prefix, dst)
	if err != nil {
		return fmt.Errorf("failed to inspect env vars: %w", err)
	}
	for i := range from {
		_, ok := os.LookupEnv(from[i].Key)
		if !ok && from[i].Alt != "" {
			_, ok = os.LookupEnv(from[i].Alt)
		}
		if ok {
			to[i].Field.Set(from[i].Field)
		}
	}
	return nil
}
