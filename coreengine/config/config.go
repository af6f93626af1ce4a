// Package config holds mailpipe runtime configuration.
//
// Values come from three layers, lowest precedence first: built-in defaults,
// an optional YAML file, and MAILPIPE_* environment variables. There is no
// package-level instance; the loaded *Config is injected where needed.
package config

import (
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Execution ExecutionConfig `mapstructure:"execution" yaml:"execution"`
	Routing   RoutingConfig   `mapstructure:"routing" yaml:"routing"`
	Stages    StagesConfig    `mapstructure:"stages" yaml:"stages"`
	Tools     ToolsConfig     `mapstructure:"tools" yaml:"tools"`
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

// ExecutionConfig bounds graph execution and monitoring.
type ExecutionConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"min=30s,max=1h"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"min=10ms"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries" validate:"min=1,max=10"`
	// MaxPollBackoff caps the stretched poll interval after consecutive poll errors.
	MaxPollBackoff time.Duration `mapstructure:"max_poll_backoff" yaml:"max_poll_backoff" validate:"gtefield=PollInterval"`
}

// RoutingConfig drives the decision router gates.
type RoutingConfig struct {
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold" validate:"min=0.5,max=1"`
	// HighRiskKeywords is a comma-separated list matched case-insensitively.
	HighRiskKeywords string `mapstructure:"high_risk_keywords" yaml:"high_risk_keywords"`
	ReviewBaseURL    string `mapstructure:"review_base_url" yaml:"review_base_url"`
}

// Keywords returns the parsed, lowercased high-risk keyword list.
func (r RoutingConfig) Keywords() []string {
	parts := strings.Split(r.HighRiskKeywords, ",")
	keywords := make([]string, 0, len(parts))
	for _, p := range parts {
		if k := strings.ToLower(strings.TrimSpace(p)); k != "" {
			keywords = append(keywords, k)
		}
	}
	return keywords
}

// StageConfig configures one classification stage's executor.
type StageConfig struct {
	Provider string        `mapstructure:"provider" yaml:"provider"`
	Model    string        `mapstructure:"model" yaml:"model"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"min=1s"`
	URL      string        `mapstructure:"url" yaml:"url"`
}

// StagesConfig has one entry per known stage so each is addressable from the
// environment (MAILPIPE_STAGES_SYNTHESIS_MODEL and so on).
type StagesConfig struct {
	Classification     StageConfig `mapstructure:"classification" yaml:"classification"`
	DocumentAnalysis   StageConfig `mapstructure:"document_analysis" yaml:"document_analysis"`
	DeadlineExtraction StageConfig `mapstructure:"deadline_extraction" yaml:"deadline_extraction"`
	TaskExtraction     StageConfig `mapstructure:"task_extraction" yaml:"task_extraction"`
	Synthesis          StageConfig `mapstructure:"synthesis" yaml:"synthesis"`
}

// ByName returns the stage settings keyed by stage name.
func (s StagesConfig) ByName() map[string]StageConfig {
	return map[string]StageConfig{
		"classification":      s.Classification,
		"document_analysis":   s.DocumentAnalysis,
		"deadline_extraction": s.DeadlineExtraction,
		"task_extraction":     s.TaskExtraction,
		"synthesis":           s.Synthesis,
	}
}

// ToolConfig configures one external action tool.
type ToolConfig struct {
	Enabled       bool    `mapstructure:"enabled" yaml:"enabled"`
	URL           string  `mapstructure:"url" yaml:"url"`
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second" validate:"gte=0"`
	Burst         int     `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
}

// ToolsConfig groups the action tools and the review queue.
type ToolsConfig struct {
	Task         ToolConfig    `mapstructure:"task" yaml:"task"`
	Calendar     ToolConfig    `mapstructure:"calendar" yaml:"calendar"`
	Notification ToolConfig    `mapstructure:"notification" yaml:"notification"`
	ReviewURL    string        `mapstructure:"review_url" yaml:"review_url"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"min=1s"`
}

// EngineConfig selects the workflow engine backend.
type EngineConfig struct {
	Mode           string        `mapstructure:"mode" yaml:"mode" validate:"oneof=http local"`
	URL            string        `mapstructure:"url" yaml:"url" validate:"required_if=Mode http"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" validate:"min=1s"`
	MaxParallel    int           `mapstructure:"max_parallel" yaml:"max_parallel" validate:"gte=0"`
}

// EventsConfig configures lifecycle event delivery.
type EventsConfig struct {
	QueueSize     int    `mapstructure:"queue_size" yaml:"queue_size" validate:"min=1"`
	NATSURL       string `mapstructure:"nats_url" yaml:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// StorageConfig locates durable state. Empty paths keep state in memory.
type StorageConfig struct {
	LedgerPath    string        `mapstructure:"ledger_path" yaml:"ledger_path"`
	HistoryPath   string        `mapstructure:"history_path" yaml:"history_path"`
	HistoryWindow time.Duration `mapstructure:"history_window" yaml:"history_window"`
	HistoryLimit  int           `mapstructure:"history_limit" yaml:"history_limit" validate:"min=1"`
	// Retention trims persisted terminal executions. Zero disables it.
	Retention         time.Duration `mapstructure:"retention" yaml:"retention"`
	RetentionSchedule string        `mapstructure:"retention_schedule" yaml:"retention_schedule"`
}

// ServerConfig sets listen addresses.
type ServerConfig struct {
	GRPCAddr string `mapstructure:"grpc_addr" yaml:"grpc_addr" validate:"required"`
	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr" validate:"required"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json console"`
	File   string `mapstructure:"file" yaml:"file"`
}

// TracingConfig configures OTLP export. An empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Execution: ExecutionConfig{
			Timeout:        300 * time.Second,
			PollInterval:   5 * time.Second,
			MaxRetries:     3,
			MaxPollBackoff: 20 * time.Second,
		},
		Routing: RoutingConfig{
			ConfidenceThreshold: 0.9,
			HighRiskKeywords:    "fire,lawsuit,inspection,deadline,urgent,overdue",
			ReviewBaseURL:       "http://localhost:8080/review",
		},
		Stages: StagesConfig{
			Classification:     StageConfig{Provider: "ollama", Model: "llama3.2:8b-instruct", Timeout: 15 * time.Second},
			DocumentAnalysis:   StageConfig{Provider: "openai", Model: "gpt-4o", Timeout: 30 * time.Second},
			DeadlineExtraction: StageConfig{Provider: "ollama", Model: "llama3.2:8b-instruct", Timeout: 15 * time.Second},
			TaskExtraction:     StageConfig{Provider: "ollama", Model: "llama3.2:8b-instruct", Timeout: 15 * time.Second},
			Synthesis:          StageConfig{Provider: "anthropic", Model: "claude-sonnet-4", Timeout: 30 * time.Second},
		},
		Tools: ToolsConfig{
			Task:         ToolConfig{Enabled: true, RatePerSecond: 5, Burst: 5},
			Calendar:     ToolConfig{Enabled: true, RatePerSecond: 5, Burst: 5},
			Notification: ToolConfig{Enabled: true, RatePerSecond: 1, Burst: 3},
			Timeout:      10 * time.Second,
		},
		Engine: EngineConfig{
			Mode:           "http",
			URL:            "http://localhost:12345",
			RequestTimeout: 10 * time.Second,
		},
		Events: EventsConfig{
			QueueSize:     256,
			SubjectPrefix: "mailpipe",
		},
		Storage: StorageConfig{
			HistoryWindow:     90 * 24 * time.Hour,
			HistoryLimit:      5,
			Retention:         0,
			RetentionSchedule: "@every 1h",
		},
		Server: ServerConfig{
			GRPCAddr: ":50051",
			HTTPAddr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "mailpipe",
			SampleRatio: 1,
		},
	}
}
