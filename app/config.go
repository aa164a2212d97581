package app

import (
	"time"

	"github.com/godamri/helix-auditer/audit"
	"github.com/godamri/helix-auditer/cache"
	"github.com/godamri/helix-auditer/config"
	"github.com/godamri/helix-auditer/crypto"
	"github.com/godamri/helix-auditer/database"
	"github.com/godamri/helix-auditer/log"
	"github.com/godamri/helix-auditer/server/middleware"
)

const (
	AuthNone   = "none"
	AuthHeader = "header"
	AuthJWT    = "jwt"
)

// Config is everything the audit stack needs, loaded from YAML and the environment.
type Config struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"helix-auditer" yaml:"service_name" validate:"required"`

	// ConfigWatchInterval is how often the config file is polled for changes.
	ConfigWatchInterval time.Duration `envconfig:"CONFIG_WATCH_INTERVAL" default:"5s" yaml:"config_watch_interval"`

	Log      log.Config       `yaml:"log"`
	Database database.Config  `yaml:"database"`
	Audit    audit.Config     `yaml:"audit"`
	Sink     audit.SinkConfig `yaml:"sink"`
	Redis    cache.Config     `yaml:"redis"`
	Auth     AuthConfig       `yaml:"auth"`
}

// AuthConfig selects how request middleware identifies the acting user.
type AuthConfig struct {
	Mode string `envconfig:"AUTH_MODE" default:"none" yaml:"mode" validate:"oneof=none header jwt"`

	Header middleware.TrustedHeaderConfig `yaml:"header"`

	// JWTSecret verifies HMAC tokens. When empty, JWKS is used.
	JWTSecret string            `envconfig:"AUTH_JWT_SECRET" yaml:"jwt_secret"`
	JWKS      crypto.JWKSConfig `yaml:"jwks"`
}

// LoadConfig reads path (optional) and the environment into a validated Config.
// The returned loader re-reads the same sources on reload.
func LoadConfig(path string) (*Config, *config.Loader[Config], error) {
	loader := config.NewLoader[Config]("", path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}
