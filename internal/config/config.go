// Package config loads and validates cloud definitions.
//
// A CloudConfig is an immutable value: it is copied on assignment and the
// With* methods return modified copies, so a running cloud swaps whole
// configurations instead of mutating fields in place.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names a build-service implementation.
type Backend string

const (
	BackendCodeBuild Backend = "codebuild"
	BackendDocker    Backend = "docker"
)

// Defaults applied by WithDefaults.
const (
	DefaultConnectTimeout = 180 * time.Second
	DefaultMaxAgents      = 50
	DefaultProtocols      = "JNLP4-connect"
	DefaultCooldown       = 5 * time.Second
	DefaultIdleTimeout    = time.Minute
	DefaultGraceDelay     = 500 * time.Millisecond
)

// CloudConfig is one cloud definition: which build project backs it, which
// label it serves and how its workers phone home.
type CloudConfig struct {
	Name         string  `yaml:"name,omitempty"`
	Project      string  `yaml:"project"`
	CredentialID string  `yaml:"credential_id,omitempty"` // IAM role ARN; empty uses the default chain
	Region       string  `yaml:"region,omitempty"`
	Label        string  `yaml:"label"`
	Backend      Backend `yaml:"backend,omitempty"`

	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	// Unset limits take their defaults; an explicit zero is honored.
	MaxAgents   *int           `yaml:"max_agents,omitempty"`
	Cooldown    *time.Duration `yaml:"cooldown,omitempty"`
	IdleTimeout *time.Duration `yaml:"idle_timeout,omitempty"`
	GraceDelay  *time.Duration `yaml:"grace_delay,omitempty"`
	SingleTask  *bool          `yaml:"single_task,omitempty"`

	DockerImage          string `yaml:"docker_image"`
	ImagePullCredentials string `yaml:"image_pull_credentials,omitempty"` // CODEBUILD or SERVICE_ROLE
	ComputeType          string `yaml:"compute_type"`
	EnvironmentType      string `yaml:"environment_type"`
	BuildSpec            string `yaml:"build_spec,omitempty"`
	Privileged           *bool  `yaml:"privileged,omitempty"`

	VerifySourceIP bool      `yaml:"verify_source_ip,omitempty"`
	Handshake      Handshake `yaml:"handshake,omitempty"`
}

// Handshake holds the parameters injected into a worker so it can connect
// back. Direct, WebSocket and the default reverse-connect mode are mutually
// exclusive; Direct wins over WebSocket.
type Handshake struct {
	URL                   string `yaml:"url,omitempty"`
	Direct                string `yaml:"direct,omitempty"`
	WebSocket             bool   `yaml:"websocket,omitempty"`
	Tunnel                string `yaml:"tunnel,omitempty"`
	Protocols             string `yaml:"protocols,omitempty"`
	NoKeepAlive           bool   `yaml:"no_keep_alive,omitempty"`
	NoReconnect           *bool  `yaml:"no_reconnect,omitempty"`
	DisableCertValidation bool   `yaml:"disable_cert_validation,omitempty"`
	// ProxyCredentials is a secret reference resolving to "user:password".
	ProxyCredentials string `yaml:"proxy_credentials,omitempty"`
	// Identity is the controller's public identity, required in direct mode.
	Identity string `yaml:"identity,omitempty"`
}

// ReconnectDisabled reports whether workers are told not to reconnect (default true).
func (h Handshake) ReconnectDisabled() bool {
	return h.NoReconnect == nil || *h.NoReconnect
}

// PrivilegedMode reports whether jobs run privileged (default true).
func (c CloudConfig) PrivilegedMode() bool {
	return c.Privileged == nil || *c.Privileged
}

// SingleTaskMode reports whether a worker is shut down after its first task (default true).
func (c CloudConfig) SingleTaskMode() bool {
	return c.SingleTask == nil || *c.SingleTask
}

// AgentLimit is the local worker ceiling. Zero disables provisioning.
func (c CloudConfig) AgentLimit() int {
	if c.MaxAgents == nil {
		return DefaultMaxAgents
	}
	return *c.MaxAgents
}

// CooldownWindow is the minimum time between nonzero provisions.
func (c CloudConfig) CooldownWindow() time.Duration {
	return durationOr(c.Cooldown, DefaultCooldown)
}

// IdleLimit is how long a connected worker may sit idle before eviction.
func (c CloudConfig) IdleLimit() time.Duration {
	return durationOr(c.IdleTimeout, DefaultIdleTimeout)
}

// GracePeriod is the delay before a single-task worker is removed.
func (c CloudConfig) GracePeriod() time.Duration {
	return durationOr(c.GraceDelay, DefaultGraceDelay)
}

func durationOr(d *time.Duration, def time.Duration) time.Duration {
	if d == nil {
		return def
	}
	return *d
}

// WithDefaults returns a copy with unset fields replaced by defaults.
func (c CloudConfig) WithDefaults() CloudConfig {
	if c.Name == "" && c.Label != "" {
		c.Name = "cbc-" + c.Label
	}
	if c.Backend == "" {
		c.Backend = BackendCodeBuild
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Handshake.Protocols == "" {
		c.Handshake.Protocols = DefaultProtocols
	}
	return c
}

// WithMaxAgents returns a copy with the local worker ceiling replaced.
func (c CloudConfig) WithMaxAgents(n int) CloudConfig {
	c.MaxAgents = &n
	return c
}

// WithConnectTimeout returns a copy with the handshake timeout replaced.
func (c CloudConfig) WithConnectTimeout(d time.Duration) CloudConfig {
	c.ConnectTimeout = d
	return c
}

// WithCooldown returns a copy with the provisioning cooldown replaced.
func (c CloudConfig) WithCooldown(d time.Duration) CloudConfig {
	c.Cooldown = &d
	return c
}

// WithIdleTimeout returns a copy with the idle eviction threshold replaced.
func (c CloudConfig) WithIdleTimeout(d time.Duration) CloudConfig {
	c.IdleTimeout = &d
	return c
}

// WithGraceDelay returns a copy with the single-task grace delay replaced.
func (c CloudConfig) WithGraceDelay(d time.Duration) CloudConfig {
	c.GraceDelay = &d
	return c
}

// Validate reports every problem in c, joined. Call it on a value that has
// been through WithDefaults.
func (c CloudConfig) Validate() error {
	var errs []error
	fail := func(field, reason string) {
		errs = append(errs, &Error{Cloud: c.Name, Field: field, Reason: reason})
	}

	required := []struct{ field, value string }{
		{"project", c.Project},
		{"label", c.Label},
		{"docker_image", c.DockerImage},
		{"compute_type", c.ComputeType},
		{"environment_type", c.EnvironmentType},
	}
	for _, r := range required {
		if r.value == "" {
			fail(r.field, "is required")
		}
	}

	switch c.Backend {
	case BackendCodeBuild:
		if c.Region == "" {
			fail("region", "is required for the codebuild backend")
		}
	case BackendDocker:
	default:
		fail("backend", fmt.Sprintf("unknown backend %q", c.Backend))
	}

	if c.ConnectTimeout <= 0 {
		fail("connect_timeout", "must be positive")
	}
	if c.AgentLimit() < 0 {
		fail("max_agents", "must not be negative")
	}
	nonNegative := []struct {
		field string
		value time.Duration
	}{
		{"cooldown", c.CooldownWindow()},
		{"idle_timeout", c.IdleLimit()},
		{"grace_delay", c.GracePeriod()},
	}
	for _, d := range nonNegative {
		if d.value < 0 {
			fail(d.field, "must not be negative")
		}
	}
	switch c.ImagePullCredentials {
	case "", "CODEBUILD", "SERVICE_ROLE":
	default:
		fail("image_pull_credentials", "must be CODEBUILD or SERVICE_ROLE")
	}
	if err := ValidateBuildSpec(c.BuildSpec); err != nil {
		fail("build_spec", err.Error())
	}
	if c.Handshake.URL != "" {
		if u, err := url.Parse(c.Handshake.URL); err != nil || u.Scheme == "" || u.Host == "" {
			fail("handshake.url", "must be an absolute URL")
		}
	}
	if c.Handshake.Direct != "" && c.Handshake.Identity == "" {
		fail("handshake.identity", "is required in direct mode")
	}

	return errors.Join(errs...)
}

// ValidateBuildSpec checks that spec is well-formed YAML. An empty spec is
// valid: the project's own build spec is used.
func ValidateBuildSpec(spec string) error {
	if spec == "" {
		return nil
	}
	var doc any
	if err := yaml.Unmarshal([]byte(spec), &doc); err != nil {
		return fmt.Errorf("malformed YAML: %w", err)
	}
	return nil
}

// File is the on-disk configuration: a list of clouds.
type File struct {
	Clouds []CloudConfig `yaml:"clouds"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a configuration document.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if len(f.Clouds) == 0 {
		return nil, &Error{Field: "clouds", Reason: "at least one cloud is required"}
	}

	seen := make(map[string]bool, len(f.Clouds))
	var errs []error
	for i, c := range f.Clouds {
		c = c.WithDefaults()
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[c.Name] {
			errs = append(errs, &Error{Cloud: c.Name, Field: "name", Reason: "is not unique"})
		}
		seen[c.Name] = true
		f.Clouds[i] = c
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &f, nil
}
