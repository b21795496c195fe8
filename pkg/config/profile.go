package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/qrgov/pkg/limiter"
	"github.com/Mindburn-Labs/qrgov/pkg/lock"
	"github.com/Mindburn-Labs/qrgov/pkg/retry"
)

// Profile tunes locking, commit retries and scan throttling.
type Profile struct {
	Lock          LockProfile    `yaml:"lock"`
	CommitRetry   retry.Policy   `yaml:"commit_retry"`
	ScanRateLimit limiter.Policy `yaml:"scan_rate_limit"`
}

// LockProfile configures entity locks.
type LockProfile struct {
	// Timeout bounds the wait for the in-process lock.
	Timeout time.Duration `yaml:"timeout"`
	// TTL is the lease of a Redis lock.
	TTL   time.Duration `yaml:"ttl"`
	Retry retry.Policy  `yaml:"retry"`
}

// DefaultProfile is used when no profile file is configured.
func DefaultProfile() Profile {
	return Profile{
		Lock: LockProfile{
			Timeout: lock.DefaultTimeout,
			TTL:     10 * time.Second,
			Retry:   retry.Policy{Base: 10 * time.Millisecond, Max: 200 * time.Millisecond, MaxJitter: 10 * time.Millisecond, MaxAttempts: 40},
		},
		CommitRetry:   retry.DefaultPolicy,
		ScanRateLimit: limiter.Policy{RPM: 120, Burst: 20},
	}
}

// LoadProfile overlays the YAML file at path onto DefaultProfile. Keys the
// file omits keep their defaults.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("load profile %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("profile %q: %w", path, err)
	}
	return p, nil
}

// ApplyEnv applies the environment's overrides to p.
func (p *Profile) ApplyEnv(c *Config) {
	if c.ScanRateLimitRPM > 0 {
		p.ScanRateLimit.RPM = c.ScanRateLimitRPM
	}
	if c.ScanRateLimitBurst > 0 {
		p.ScanRateLimit.Burst = c.ScanRateLimitBurst
	}
}

// Validate rejects settings that would disable a bound.
func (p Profile) Validate() error {
	var errs []error
	if p.Lock.Timeout <= 0 {
		errs = append(errs, errors.New("lock.timeout must be positive"))
	}
	if p.Lock.TTL <= 0 {
		errs = append(errs, errors.New("lock.ttl must be positive"))
	}
	for name, r := range map[string]retry.Policy{"lock.retry": p.Lock.Retry, "commit_retry": p.CommitRetry} {
		if r.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("%s.max_attempts must be at least 1", name))
		}
		if r.Base <= 0 || r.Max < r.Base {
			errs = append(errs, fmt.Errorf("%s needs 0 < base <= max", name))
		}
	}
	if p.ScanRateLimit.RPM <= 0 || p.ScanRateLimit.Burst <= 0 {
		errs = append(errs, errors.New("scan_rate_limit.rpm and burst must be positive"))
	}
	return errors.Join(errs...)
}
