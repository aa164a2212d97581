package audit

import "slices"

// Config holds the process-wide auditing defaults.
// Entity types copy what they need at registration time.
type Config struct {
	// CurrentUserAccessor names the value that resolves the acting user.
	CurrentUserAccessor string `envconfig:"AUDIT_CURRENT_USER_ACCESSOR" default:"current_user" yaml:"current_user_accessor" validate:"required"`

	// AdditionalInfoAccessor names the value that resolves free-form context (ip, user agent, ...).
	AdditionalInfoAccessor string `envconfig:"AUDIT_ADDITIONAL_INFO_ACCESSOR" default:"additional_info" yaml:"additional_info_accessor"`

	// ResourceOwnerAccessor names the value that resolves the owning resource. Empty disables it.
	ResourceOwnerAccessor string `envconfig:"AUDIT_RESOURCE_OWNER_ACCESSOR" default:"" yaml:"resource_owner_accessor"`

	// RecordType is the name of the audit record type records are written as.
	RecordType string `envconfig:"AUDIT_RECORD_TYPE" default:"AuditLog" yaml:"record_type" validate:"required"`

	// Enabled toggles capture globally. Read at capture time.
	Enabled bool `envconfig:"AUDIT_ENABLED" default:"true" yaml:"enabled"`

	// DefaultIgnoredColumns are never tracked unless named in an "only" list.
	DefaultIgnoredColumns []string `envconfig:"AUDIT_DEFAULT_IGNORED_COLUMNS" default:"id,lock_version,created_at,updated_at,created_on,updated_on" yaml:"default_ignored_columns"`

	// MaxRetries bounds how many times a capture is re-run after losing a version race.
	MaxRetries int `envconfig:"AUDIT_MAX_RETRIES" default:"3" yaml:"max_retries" validate:"gte=0,lte=20"`
}

// DefaultConfig mirrors the envconfig defaults for callers that do not load the environment.
func DefaultConfig() Config {
	return Config{
		CurrentUserAccessor:    "current_user",
		AdditionalInfoAccessor: "additional_info",
		RecordType:             "AuditLog",
		Enabled:                true,
		DefaultIgnoredColumns:  []string{"id", "lock_version", "created_at", "updated_at", "created_on", "updated_on"},
		MaxRetries:             3,
	}
}

func (c Config) clone() Config {
	c.DefaultIgnoredColumns = slices.Clone(c.DefaultIgnoredColumns)
	return c
}

// SinkConfig controls the asynchronous record sink.
type SinkConfig struct {
	// BufferSize is the size of the async channel.
	BufferSize int `envconfig:"AUDIT_SINK_BUFFER_SIZE" default:"1024" yaml:"buffer_size"`

	// BlockOnFull determines the strategy when buffer is full.
	// TRUE: Blocks the capture until the record is queued.
	// FALSE: Drops the record from the sink (the store already has it).
	BlockOnFull bool `envconfig:"AUDIT_SINK_BLOCK_ON_FULL" default:"false" yaml:"block_on_full"`

	// JSONLines enables the async JSON-lines sink.
	JSONLines bool `envconfig:"AUDIT_SINK_JSON_LINES" default:"false" yaml:"json_lines"`

	// KafkaBrokers enables the Kafka sink when set.
	KafkaBrokers []string `envconfig:"AUDIT_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaTopic   string   `envconfig:"AUDIT_KAFKA_TOPIC" default:"system.audit.records" yaml:"kafka_topic"`
}
