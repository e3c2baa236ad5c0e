package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var validStrategies = map[string]struct{}{
	"last-write-wins": {},
	"server-wins":     {},
	"client-wins":     {},
	"field-merge":     {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	if err := c.validateNetwork(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.MaxRetries < 0 {
		return errors.New("queue.max_retries must not be negative")
	}
	if c.Queue.TimeoutSeconds <= 0 {
		return errors.New("queue.timeout_seconds must be positive")
	}
	if c.Queue.FailedRetentionDays < 0 {
		return errors.New("queue.failed_retention_days must not be negative")
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.IntervalSeconds < 0 {
		return errors.New("sync.interval_seconds must not be negative")
	}
	if len(c.Sync.Domains) > 0 && c.Sync.BaseURL == "" {
		return errors.New("sync.base_url must be set when sync domains are configured")
	}
	if c.Sync.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Sync.BaseURL); err != nil {
			return fmt.Errorf("sync.base_url is not a valid URL: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(c.Sync.Domains))
	for _, domain := range c.Sync.Domains {
		if domain.Name == "" {
			return errors.New("sync.domains entries require a name")
		}
		if _, dup := seen[domain.Name]; dup {
			return fmt.Errorf("sync.domains contains duplicate name %q", domain.Name)
		}
		seen[domain.Name] = struct{}{}
		if domain.Path == "" {
			return fmt.Errorf("sync domain %q requires a path", domain.Name)
		}
		if _, ok := validStrategies[domain.Strategy]; !ok {
			return fmt.Errorf("sync domain %q has unknown strategy %q", domain.Name, domain.Strategy)
		}
	}
	return nil
}

func (c *Config) validateNetwork() error {
	if c.Network.ProbeURL != "" {
		if _, err := url.ParseRequestURI(c.Network.ProbeURL); err != nil {
			return fmt.Errorf("network.probe_url is not a valid URL: %w", err)
		}
	}
	if c.Network.ProbeIntervalSeconds <= 0 {
		return errors.New("network.probe_interval_seconds must be positive")
	}
	if c.Network.ProbeTimeoutSeconds <= 0 {
		return errors.New("network.probe_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
