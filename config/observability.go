package config

import "strings"

// ObservabilityConfig groups telemetry settings.
type ObservabilityConfig struct {
	Metrics ObservabilityMetricsConfig
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.Metrics.Sanitize()
}

// ObservabilityMetricsConfig points the StatsD client at an agent.
// Metric names are "<prefix>.<name>", e.g. sopline.pipeline.stage.duration.
type ObservabilityMetricsConfig struct {
	Enabled       bool   `env:"METRICS_ENABLED"`
	StatsdAddress string `env:"METRICS_STATSD_ADDRESS" envDefault:"127.0.0.1:8125"`
	Prefix        string `env:"METRICS_PREFIX"         envDefault:"sopline"`
}

// Sanitize trims the address and prefix; a blank address turns metrics off.
func (c *ObservabilityMetricsConfig) Sanitize() {
	c.StatsdAddress = strings.TrimSpace(c.StatsdAddress)
	c.Prefix = strings.Trim(strings.TrimSpace(c.Prefix), ".")
	c.Enabled = c.Enabled && c.StatsdAddress != ""
}

// IsEnabled reports whether a StatsD client should be built.
func (c *ObservabilityMetricsConfig) IsEnabled() bool {
	return c.Enabled && c.StatsdAddress != ""
}
