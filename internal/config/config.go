// Package config loads the keyattest YAML configuration file.
//
// Example:
//
//	trustAnchors:
//	  - /etc/keyattest/google-root.pem
//	policy: "security-level>=tee, boot-state=verified, os-patch-level>=2023-01"
//	revocation:
//	  mode: hard-fail
//	  statusList: /var/lib/keyattest/status.json
//	logging:
//	  debug: false
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/kacy/key-attestation/policy"
	"github.com/kacy/key-attestation/revocation"
)

// Config is the keyattest configuration.
type Config struct {
	// TrustAnchors are PEM files holding root certificates or public keys.
	TrustAnchors []string `yaml:"trustAnchors"`

	// Policy is a policy expression, see policy.Parse.
	Policy string `yaml:"policy"`

	Revocation RevocationConfig `yaml:"revocation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// RevocationConfig selects the revocation status source. At most one of
// StatusList, Redis and Badger may be set; with none, no serial is revoked.
type RevocationConfig struct {
	// Mode is "hard-fail" (default) or "soft-fail".
	Mode string `yaml:"mode"`

	// StatusList is a status list JSON file in Google's format.
	StatusList string `yaml:"statusList"`

	Redis  *RedisConfig  `yaml:"redis"`
	Badger *BadgerConfig `yaml:"badger"`
}

// RedisConfig points at a Redis-backed status store.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// BadgerConfig points at a Badger-backed status store.
type BadgerConfig struct {
	Path       string        `yaml:"path"`
	GCInterval time.Duration `yaml:"gcInterval"`
}

// LoggingConfig controls diagnostic logging.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML configuration. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var allErrors field.ErrorList

	anchors := field.NewPath("trustAnchors")
	if len(c.TrustAnchors) == 0 {
		allErrors = append(allErrors, field.Required(anchors, "at least one trust anchor is required"))
	}
	for i, path := range c.TrustAnchors {
		if path == "" {
			allErrors = append(allErrors, field.Required(anchors.Index(i), "path is required"))
		}
	}

	if c.Policy != "" {
		if _, err := policy.Parse(c.Policy); err != nil {
			allErrors = append(allErrors, field.Invalid(field.NewPath("policy"), c.Policy, err.Error()))
		}
	}

	allErrors = append(allErrors, c.Revocation.validate(field.NewPath("revocation"))...)

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

// Validate checks the revocation section alone, for commands that need no
// trust anchors.
func (r *RevocationConfig) Validate() error {
	if allErrors := r.validate(field.NewPath("revocation")); len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

func (r *RevocationConfig) validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	if _, err := revocation.ParseMode(r.Mode); err != nil {
		allErrors = append(allErrors, field.NotSupported(path.Child("mode"), r.Mode, []string{"hard-fail", "soft-fail"}))
	}

	sources := 0
	if r.StatusList != "" {
		sources++
	}
	if r.Redis != nil {
		sources++
		if r.Redis.Address == "" {
			allErrors = append(allErrors, field.Required(path.Child("redis", "address"), "address is required"))
		}
		if r.Redis.DB < 0 {
			allErrors = append(allErrors, field.Invalid(path.Child("redis", "db"), r.Redis.DB, "must not be negative"))
		}
	}
	if r.Badger != nil {
		sources++
		if r.Badger.Path == "" {
			allErrors = append(allErrors, field.Required(path.Child("badger", "path"), "path is required"))
		}
		if r.Badger.GCInterval < 0 {
			allErrors = append(allErrors, field.Invalid(path.Child("badger", "gcInterval"), r.Badger.GCInterval.String(), "must not be negative"))
		}
	}
	if sources > 1 {
		allErrors = append(allErrors, field.Forbidden(path, "statusList, redis and badger are mutually exclusive"))
	}
	return allErrors
}

// PolicySet parses Policy. An empty expression yields an empty set.
func (c *Config) PolicySet() (policy.Set, error) {
	if c.Policy == "" {
		return policy.Set{}, nil
	}
	return policy.Parse(c.Policy)
}

// RevocationMode parses Revocation.Mode.
func (c *Config) RevocationMode() (revocation.Mode, error) {
	return revocation.ParseMode(c.Revocation.Mode)
}
