package domain

import (
	"fmt"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines infrastructure choices
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Risk scoring
	Risk RiskConfig `json:"risk"`

	// Verification workflow
	Verification VerificationConfig `json:"verification"`

	// Compliance screening
	Compliance ComplianceConfig `json:"compliance"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// RiskConfig holds scoring thresholds and toggles.
type RiskConfig struct {
	Thresholds RiskThresholds `json:"thresholds"`

	// AutoBlock flags transactions for blocking when a triggered rule
	// carries a block/freeze action.
	AutoBlock bool `json:"autoBlock"`

	// RequireMFAHighRisk adds an MFA requirement flag for high-risk analyses.
	RequireMFAHighRisk bool `json:"requireMfaHighRisk"`

	// ProfileRingSize bounds the usual-locations/devices/hours rings.
	ProfileRingSize int `json:"profileRingSize"`

	// DefaultVelocityWindow bounds velocity comparators without an
	// explicit window, in seconds.
	DefaultVelocityWindow int `json:"defaultVelocityWindow"`
}

// VerificationConfig holds workflow orchestration settings.
type VerificationConfig struct {
	// WorkflowTimeout is the time a workflow has to reach a terminal state.
	WorkflowTimeout time.Duration `json:"workflowTimeout"`

	// MaxStepRetries bounds automatic retries per step.
	MaxStepRetries int `json:"maxStepRetries"`

	// RetryDelay is the fixed delay before a failed step is retried.
	RetryDelay time.Duration `json:"retryDelay"`

	// SweepInterval is how often the monitor loop scans for expired workflows.
	SweepInterval time.Duration `json:"sweepInterval"`
}

// ComplianceConfig selects which screening categories run after
// workflow completion.
type ComplianceConfig struct {
	EnabledChecks []ComplianceType `json:"enabledChecks"`

	// RemediationWindow is how long violations get before remediation is due.
	RemediationWindow time.Duration `json:"remediationWindow"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory LRU.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis.
	TierPro Tier = "pro"
)

// DefaultConfig returns a Community tier configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Risk: RiskConfig{
			Thresholds: RiskThresholds{
				Medium:   30,
				High:     60,
				Critical: 95,
			},
			AutoBlock:             false,
			RequireMFAHighRisk:    true,
			ProfileRingSize:       10,
			DefaultVelocityWindow: 3600,
		},
		Verification: VerificationConfig{
			WorkflowTimeout: 30 * time.Minute,
			MaxStepRetries:  3,
			RetryDelay:      5 * time.Second,
			SweepInterval:   30 * time.Second,
		},
		Compliance: ComplianceConfig{
			EnabledChecks: []ComplianceType{
				ComplianceAML,
				ComplianceKYC,
				ComplianceSanctions,
				ComplianceGeo,
			},
			RemediationWindow: 72 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a Pro tier configuration.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate rejects configurations that would corrupt scoring or
// orchestration. Called at startup; a non-nil error must prevent boot.
func (c *Config) Validate() error {
	t := c.Risk.Thresholds
	if t.Medium <= 0 || t.Medium >= 100 {
		return fmt.Errorf("%w: medium threshold %v out of range (0,100)", ErrConfiguration, t.Medium)
	}
	if t.High <= t.Medium {
		return fmt.Errorf("%w: high threshold %v must exceed medium %v", ErrConfiguration, t.High, t.Medium)
	}
	if t.Critical <= t.High {
		return fmt.Errorf("%w: critical threshold %v must exceed high %v", ErrConfiguration, t.Critical, t.High)
	}
	if t.Critical > 100 {
		return fmt.Errorf("%w: critical threshold %v exceeds max score 100", ErrConfiguration, t.Critical)
	}
	if c.Verification.WorkflowTimeout <= 0 {
		return fmt.Errorf("%w: workflow timeout must be positive", ErrConfiguration)
	}
	if c.Verification.MaxStepRetries < 0 {
		return fmt.Errorf("%w: max step retries must be non-negative", ErrConfiguration)
	}
	for _, ct := range c.Compliance.EnabledChecks {
		switch ct {
		case ComplianceAML, ComplianceKYC, ComplianceSanctions, ComplianceGeo:
		default:
			return fmt.Errorf("%w: unknown compliance check type %q", ErrConfiguration, ct)
		}
	}
	return nil
}
