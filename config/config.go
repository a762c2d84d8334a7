// Package config provides environment-variable loading helpers and the
// Validator the cli package uses to check its resolved configuration. That
// configuration itself is a plain struct in cli, assembled from Cobra
// flags and Viper and threaded through every constructor explicitly (no
// package-level mutable singleton — see SPEC_FULL.md REDESIGN FLAGS).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig loads configuration values from environment variables under an
// optional prefix, with typed getters and fail-fast Must* variants.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates a loader for environment variables named
// "<prefix>_<KEY>" (or bare "<KEY>" when prefix is empty).
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix == "" {
		return key
	}
	return ec.prefix + "_" + key
}

// GetString retrieves a string value with a fallback default.
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		return value
	}
	return defaultValue
}

// MustGetString retrieves a required string value or panics.
func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return value
}

// GetInt retrieves an integer value with a fallback default.
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetBool retrieves a boolean value with a fallback default.
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value with a fallback default.
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Validator accumulates configuration validation errors so every problem
// is reported at once rather than one fail-fast panic at a time.
type Validator struct {
	errors []string
}

// NewValidator creates an empty Validator.
func NewValidator() *Validator {
	return &Validator{errors: make([]string, 0)}
}

// RequireString records an error if value is empty.
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequirePositiveInt records an error if value is not positive.
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequireOneOf records an error if value is not one of allowed.
func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

// ExactlyOneOf records an error unless exactly one of the named flags is
// true; used for the info-queue "exactly one" rule.
func (v *Validator) ExactlyOneOf(description string, flags map[string]bool) {
	var set []string
	for name, on := range flags {
		if on {
			set = append(set, name)
		}
	}
	if len(set) != 1 {
		v.errors = append(v.errors, fmt.Sprintf("exactly one of %s must be set, got %v", description, set))
	}
}

// IsValid reports whether no errors have been recorded.
func (v *Validator) IsValid() bool { return len(v.errors) == 0 }

// Err returns a combined error, or nil if the validator is valid.
func (v *Validator) Err() error {
	if v.IsValid() {
		return nil
	}
	return fmt.Errorf("configuration invalid: %s", strings.Join(v.errors, "; "))
}
