// Package config provides workflow policy configuration loading.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aerodesk/charterflow/pkg/models"
)

// Policy gathers the orchestration knobs: retry caps, backoff, per-role call
// timeouts and the waiting-stage dwell bound.
type Policy struct {
	// MaxRetries caps transient-failure retries per role per instance.
	MaxRetries int

	// RetryBackoff is the initial backoff before a retry; doubled per
	// attempt by the engine.
	RetryBackoff time.Duration

	// CallTimeout bounds a single external collaborator call.
	CallTimeout time.Duration

	// CallTimeouts overrides CallTimeout per role.
	CallTimeouts map[models.Role]time.Duration

	// WaitDwell bounds how long an instance may sit in a waiting stage
	// before it is failed with a timeout reason.
	WaitDwell time.Duration

	// VisibilityTimeout is how long a dequeued-but-unacked task stays
	// invisible before the broker redelivers it.
	VisibilityTimeout time.Duration

	// SweepSchedule is the cron spec for the dwell/rebuild sweeper.
	SweepSchedule string
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		RetryBackoff:      30 * time.Second,
		CallTimeout:       60 * time.Second,
		WaitDwell:         72 * time.Hour,
		VisibilityTimeout: 5 * time.Minute,
		SweepSchedule:     "@every 1m",
	}
}

// rawPolicy is the YAML wire form. Durations are Go duration strings
// ("30s", "72h"); absent fields keep their defaults.
type rawPolicy struct {
	MaxRetries        *int                   `yaml:"max_retries"`
	RetryBackoff      string                 `yaml:"retry_backoff"`
	CallTimeout       string                 `yaml:"call_timeout"`
	CallTimeouts      map[models.Role]string `yaml:"call_timeouts"`
	WaitDwell         string                 `yaml:"wait_dwell"`
	VisibilityTimeout string                 `yaml:"visibility_timeout"`
	SweepSchedule     string                 `yaml:"sweep_schedule"`
}

// LoadPolicy loads policy from a YAML file, applying it over the defaults.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	var raw rawPolicy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy YAML: %w", err)
	}

	policy := DefaultPolicy()

	if raw.MaxRetries != nil {
		policy.MaxRetries = *raw.MaxRetries
	}

	if raw.SweepSchedule != "" {
		policy.SweepSchedule = raw.SweepSchedule
	}

	durations := []struct {
		value  string
		target *time.Duration
	}{
		{raw.RetryBackoff, &policy.RetryBackoff},
		{raw.CallTimeout, &policy.CallTimeout},
		{raw.WaitDwell, &policy.WaitDwell},
		{raw.VisibilityTimeout, &policy.VisibilityTimeout},
	}

	for _, d := range durations {
		if d.value == "" {
			continue
		}

		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return Policy{}, fmt.Errorf("invalid duration %q in policy: %w", d.value, err)
		}

		*d.target = parsed
	}

	if len(raw.CallTimeouts) > 0 {
		policy.CallTimeouts = make(map[models.Role]time.Duration, len(raw.CallTimeouts))

		for role, value := range raw.CallTimeouts {
			parsed, err := time.ParseDuration(value)
			if err != nil {
				return Policy{}, fmt.Errorf("invalid duration %q for role %s: %w", value, role, err)
			}

			policy.CallTimeouts[role] = parsed
		}
	}

	return policy, nil
}

// LoadPolicyOrDefault falls back to defaults when no file is configured. A
// configured path that cannot be loaded is an error: silently running on
// default retry caps and dwell bounds is worse than not starting.
func LoadPolicyOrDefault(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}

	return LoadPolicy(path)
}

// RoleTimeout resolves the call timeout for a role.
func (p Policy) RoleTimeout(role models.Role) time.Duration {
	if timeout, ok := p.CallTimeouts[role]; ok {
		return timeout
	}

	return p.CallTimeout
}
