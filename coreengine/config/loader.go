package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "MAILPIPE"

// Load reads configuration from defaults, the optional YAML file at path and
// the environment, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it on Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("execution.timeout", d.Execution.Timeout)
	v.SetDefault("execution.poll_interval", d.Execution.PollInterval)
	v.SetDefault("execution.max_retries", d.Execution.MaxRetries)
	v.SetDefault("execution.max_poll_backoff", d.Execution.MaxPollBackoff)

	v.SetDefault("routing.confidence_threshold", d.Routing.ConfidenceThreshold)
	v.SetDefault("routing.high_risk_keywords", d.Routing.HighRiskKeywords)
	v.SetDefault("routing.review_base_url", d.Routing.ReviewBaseURL)

	for name, stage := range d.Stages.ByName() {
		prefix := "stages." + name + "."
		v.SetDefault(prefix+"provider", stage.Provider)
		v.SetDefault(prefix+"model", stage.Model)
		v.SetDefault(prefix+"timeout", stage.Timeout)
		v.SetDefault(prefix+"url", stage.URL)
	}

	for name, tool := range map[string]ToolConfig{
		"task":         d.Tools.Task,
		"calendar":     d.Tools.Calendar,
		"notification": d.Tools.Notification,
	} {
		prefix := "tools." + name + "."
		v.SetDefault(prefix+"enabled", tool.Enabled)
		v.SetDefault(prefix+"url", tool.URL)
		v.SetDefault(prefix+"rate_per_second", tool.RatePerSecond)
		v.SetDefault(prefix+"burst", tool.Burst)
	}
	v.SetDefault("tools.review_url", d.Tools.ReviewURL)
	v.SetDefault("tools.timeout", d.Tools.Timeout)

	v.SetDefault("engine.mode", d.Engine.Mode)
	v.SetDefault("engine.url", d.Engine.URL)
	v.SetDefault("engine.request_timeout", d.Engine.RequestTimeout)
	v.SetDefault("engine.max_parallel", d.Engine.MaxParallel)

	v.SetDefault("events.queue_size", d.Events.QueueSize)
	v.SetDefault("events.nats_url", d.Events.NATSURL)
	v.SetDefault("events.subject_prefix", d.Events.SubjectPrefix)

	v.SetDefault("storage.ledger_path", d.Storage.LedgerPath)
	v.SetDefault("storage.history_path", d.Storage.HistoryPath)
	v.SetDefault("storage.history_window", d.Storage.HistoryWindow)
	v.SetDefault("storage.history_limit", d.Storage.HistoryLimit)
	v.SetDefault("storage.retention", d.Storage.Retention)
	v.SetDefault("storage.retention_schedule", d.Storage.RetentionSchedule)

	v.SetDefault("server.grpc_addr", d.Server.GRPCAddr)
	v.SetDefault("server.http_addr", d.Server.HTTPAddr)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)

	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
}
