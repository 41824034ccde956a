// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-core-stack/ratecontrol/errors"
	"github.com/go-core-stack/ratecontrol/tokens"
)

// ApplyEnvOverrides folds RATECONTROL_* variables from the given
// environment into the config. Unknown variables are ignored, a
// malformed value is an error rather than a silent fallback. Pass
// os.Environ() for the process environment.
func (c *Config) ApplyEnvOverrides(environ []string) error {
	values := envMap(environ)
	if value, ok := values["RATECONTROL_TOKEN_CONTROL_ENABLED"]; ok {
		parsed, err := parseBoolEnv("RATECONTROL_TOKEN_CONTROL_ENABLED", value)
		if err != nil {
			return err
		}
		c.TokenControlEnabled = parsed
	}
	if err := c.applyTierEnv(values, "RATECONTROL_PREMIUM_PLUS", tokens.TierPremiumPlus); err != nil {
		return err
	}
	if err := c.applyTierEnv(values, "RATECONTROL_PREMIUM", tokens.TierPremium); err != nil {
		return err
	}
	if value, ok := values["RATECONTROL_SWEEP_INTERVAL_SECONDS"]; ok {
		parsed, err := parseSecondsEnv("RATECONTROL_SWEEP_INTERVAL_SECONDS", value)
		if err != nil {
			return err
		}
		c.SweepInterval = parsed
	}
	if value, ok := values["RATECONTROL_IDLE_THRESHOLD_SECONDS"]; ok {
		parsed, err := parseSecondsEnv("RATECONTROL_IDLE_THRESHOLD_SECONDS", value)
		if err != nil {
			return err
		}
		c.IdleThreshold = parsed
	}
	if value, ok := values["RATECONTROL_COST_RULES"]; ok {
		var rules []CostRule
		if err := json.Unmarshal([]byte(value), &rules); err != nil {
			return errors.Wrapf(errors.InvalidArgument, "invalid value for RATECONTROL_COST_RULES: %s", err)
		}
		c.CostRules = rules
	}
	if value, ok := values["RATECONTROL_STANDARD_WINDOW_SECONDS"]; ok {
		parsed, err := parseSecondsEnv("RATECONTROL_STANDARD_WINDOW_SECONDS", value)
		if err != nil {
			return err
		}
		c.Standard.Window = parsed
	}
	if value, ok := values["RATECONTROL_STANDARD_MAX_REQUESTS"]; ok {
		parsed, err := parseIntEnv("RATECONTROL_STANDARD_MAX_REQUESTS", value)
		if err != nil {
			return err
		}
		c.Standard.MaxRequests = parsed
	}
	if value, ok := values["RATECONTROL_STANDARD_MESSAGE"]; ok {
		c.Standard.Message = value
	}
	if value, ok := values["RATECONTROL_AUDIT_MODE"]; ok {
		c.Audit.Mode = value
	}
	if value, ok := values["RATECONTROL_AUDIT_MEMORY_LIMIT"]; ok {
		parsed, err := parseIntEnv("RATECONTROL_AUDIT_MEMORY_LIMIT", value)
		if err != nil {
			return err
		}
		c.Audit.MemoryLimit = int(parsed)
	}
	if value, ok := values["RATECONTROL_AUDIT_MONGO_URI"]; ok {
		c.Audit.MongoUri = value
	}
	if value, ok := values["RATECONTROL_AUDIT_MONGO_DATABASE"]; ok {
		c.Audit.MongoDatabase = value
	}
	if value, ok := values["RATECONTROL_AUDIT_MONGO_COLLECTION"]; ok {
		c.Audit.MongoCollection = value
	}
	if value, ok := values["RATECONTROL_AUDIT_RETAIN_DAYS"]; ok {
		parsed, err := parseIntEnv("RATECONTROL_AUDIT_RETAIN_DAYS", value)
		if err != nil {
			return err
		}
		c.Audit.RetainDays = int(parsed)
	}
	if value, ok := values["RATECONTROL_REDIS_ENABLED"]; ok {
		parsed, err := parseBoolEnv("RATECONTROL_REDIS_ENABLED", value)
		if err != nil {
			return err
		}
		c.Redis.Enabled = parsed
	}
	if value, ok := values["RATECONTROL_REDIS_ADDR"]; ok {
		c.Redis.Addr = value
	}
	if value, ok := values["RATECONTROL_REDIS_PASSWORD"]; ok {
		c.Redis.Password = value
	}
	if value, ok := values["RATECONTROL_REDIS_DB"]; ok {
		parsed, err := parseIntEnv("RATECONTROL_REDIS_DB", value)
		if err != nil {
			return err
		}
		c.Redis.DB = int(parsed)
	}
	if value, ok := values["RATECONTROL_LISTEN_ADDR"]; ok {
		c.ListenAddr = value
	}
	return nil
}

// applyTierEnv folds the _MAX_TOKENS, _REFILL_RATE,
// _REFILL_INTERVAL_SECONDS and _BURST_LIMIT variables under the given
// prefix into one tier
func (c *Config) applyTierEnv(values map[string]string, prefix, tier string) error {
	spec := c.Tiers[tier]
	touched := false
	if value, ok := values[prefix+"_MAX_TOKENS"]; ok {
		parsed, err := parseIntEnv(prefix+"_MAX_TOKENS", value)
		if err != nil {
			return err
		}
		spec.MaxTokens = parsed
		touched = true
	}
	if value, ok := values[prefix+"_REFILL_RATE"]; ok {
		parsed, err := parseIntEnv(prefix+"_REFILL_RATE", value)
		if err != nil {
			return err
		}
		spec.RefillRate = parsed
		touched = true
	}
	if value, ok := values[prefix+"_REFILL_INTERVAL_SECONDS"]; ok {
		parsed, err := parseSecondsEnv(prefix+"_REFILL_INTERVAL_SECONDS", value)
		if err != nil {
			return err
		}
		spec.RefillInterval = parsed
		touched = true
	}
	if value, ok := values[prefix+"_BURST_LIMIT"]; ok {
		parsed, err := parseIntEnv(prefix+"_BURST_LIMIT", value)
		if err != nil {
			return err
		}
		spec.BurstLimit = parsed
		touched = true
	}
	if touched {
		if c.Tiers == nil {
			c.Tiers = map[string]tokens.TierSpec{}
		}
		c.Tiers[tier] = spec
	}
	return nil
}

func envMap(environ []string) map[string]string {
	values := make(map[string]string)
	for _, entry := range environ {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		values[key] = parts[1]
	}
	return values
}

func parseBoolEnv(name, value string) (bool, error) {
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, errors.Wrapf(errors.InvalidArgument, "invalid value %q for %s", value, name)
	}
	return parsed, nil
}

func parseIntEnv(name, value string) (int64, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(errors.InvalidArgument, "invalid value %q for %s", value, name)
	}
	return parsed, nil
}

func parseSecondsEnv(name, value string) (time.Duration, error) {
	parsed, err := parseIntEnv(name, value)
	if err != nil {
		return 0, err
	}
	return time.Duration(parsed) * time.Second, nil
}
