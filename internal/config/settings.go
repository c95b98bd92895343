package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// DefaultAllowlistURL is the published AWS address-range document.
const DefaultAllowlistURL = "https://ip-ranges.amazonaws.com/ip-ranges.json"

// Settings are process-level options read from the environment.
type Settings struct {
	ConfigPath        string        `env:"BUILDFLEET_CONFIG" envDefault:"buildfleet.yaml"`
	Listen            string        `env:"BUILDFLEET_LISTEN" envDefault:":8111"`
	LogDir            string        `env:"BUILDFLEET_LOG_DIR"`
	LogRetentionDays  int           `env:"BUILDFLEET_LOG_RETENTION_DAYS" envDefault:"14"`
	PoolSize          int64         `env:"BUILDFLEET_POOL_SIZE" envDefault:"8"`
	RetentionInterval time.Duration `env:"BUILDFLEET_RETENTION_INTERVAL" envDefault:"1m"`
	AllowlistURL      string        `env:"BUILDFLEET_ALLOWLIST_URL" envDefault:"https://ip-ranges.amazonaws.com/ip-ranges.json"`
	AllowlistTTL      time.Duration `env:"BUILDFLEET_ALLOWLIST_TTL" envDefault:"24h"`
	// AgentSecret is a secret reference for the HMAC key behind per-agent
	// secrets. Empty generates a key per process.
	AgentSecret string `env:"BUILDFLEET_AGENT_SECRET"`
}

// LoadSettings parses settings from environ (os.Environ() form).
func LoadSettings(environ []string) (*Settings, error) {
	var s Settings
	if err := env.ParseWithOptions(&s, env.Options{
		Environment: env.ToMap(environ),
	}); err != nil {
		return nil, err
	}
	return &s, nil
}
