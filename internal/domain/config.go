package domain

import (
	"fmt"
	"time"
)

// ScoringConfig is the full configuration surface of the detection engine.
// Every threshold the engine applies is a policy value; none of them has a
// statistically validated derivation, so all are overridable.
type ScoringConfig struct {
	// Tier 1 rule thresholds
	VolumeZThreshold        float64 `json:"volumeZThreshold"`        // rule fires when z exceeds this
	VolumeSeverityDivisor   float64 `json:"volumeSeverityDivisor"`   // severity = min(1, z/divisor)
	FrequencyRatioThreshold float64 `json:"frequencyRatioThreshold"` // fires when ratio is below this
	HoldingsPctThreshold    float64 `json:"holdingsPctThreshold"`    // fires when percent sold exceeds this
	ClusterMinSellers       int     `json:"clusterMinSellers"`
	ClusterWindowDays       int     `json:"clusterWindowDays"`
	ClusterSeverityDivisor  float64 `json:"clusterSeverityDivisor"` // severity = min(1, count/divisor)

	// Composite blending policy
	Tier1Weight    float64 `json:"tier1Weight"`
	Tier2Weight    float64 `json:"tier2Weight"`
	BoostFactor    float64 `json:"boostFactor"` // applied when >= 2 distinct rules fire
	RoleMultiplier float64 `json:"roleMultiplier"`
	PlanDiscount   float64 `json:"planDiscount"`

	TierCutPoints TierCutPoints `json:"tierCutPoints"`

	// Tier 2 model settings
	MinHistoryForML int     `json:"minHistoryForML"` // hard precondition, not a soft degradation
	ForestTrees     int     `json:"forestTrees"`
	Contamination   float64 `json:"contamination"`
	ForestSubsample int     `json:"forestSubsample"`
	ForestSeed      int64   `json:"forestSeed"`
}

// DefaultScoringConfig returns the stock policy values.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		VolumeZThreshold:        2.0,
		VolumeSeverityDivisor:   4.0,
		FrequencyRatioThreshold: 0.25,
		HoldingsPctThreshold:    0.20,
		ClusterMinSellers:       3,
		ClusterWindowDays:       14,
		ClusterSeverityDivisor:  10.0,
		Tier1Weight:             0.6,
		Tier2Weight:             0.4,
		BoostFactor:             1.2,
		RoleMultiplier:          1.5,
		PlanDiscount:            0.5,
		TierCutPoints:           DefaultTierCutPoints(),
		MinHistoryForML:         10,
		ForestTrees:             100,
		Contamination:           0.1,
		ForestSubsample:         256,
		ForestSeed:              42,
	}
}

// Validate rejects configurations the engine cannot score with.
func (c ScoringConfig) Validate() error {
	if c.VolumeSeverityDivisor <= 0 || c.ClusterSeverityDivisor <= 0 {
		return fmt.Errorf("severity divisors must be positive")
	}
	if c.Tier1Weight < 0 || c.Tier2Weight < 0 {
		return fmt.Errorf("blend weights must be non-negative")
	}
	if c.ClusterWindowDays <= 0 {
		return fmt.Errorf("cluster window must be positive, got %d", c.ClusterWindowDays)
	}
	if c.MinHistoryForML < 2 {
		return fmt.Errorf("minimum history for ML must be at least 2, got %d", c.MinHistoryForML)
	}
	if c.ForestTrees <= 0 {
		return fmt.Errorf("forest must have at least one tree")
	}
	if c.Contamination <= 0 || c.Contamination >= 0.5 {
		return fmt.Errorf("contamination must be in (0, 0.5), got %f", c.Contamination)
	}
	return c.TierCutPoints.Validate()
}

// ClusterWindow returns the lookback window as a duration.
func (c ScoringConfig) ClusterWindow() time.Duration {
	return time.Duration(c.ClusterWindowDays) * 24 * time.Hour
}

// Profile selects the deployment wiring.
type Profile string

const (
	// ProfileStandalone runs on SQLite, an in-process LRU cache and a
	// channel bus. The default.
	ProfileStandalone Profile = "standalone"

	// ProfileCluster runs on PostgreSQL, Redis and NATS.
	ProfileCluster Profile = "cluster"
)

// Config holds the complete Merlin service configuration.
type Config struct {
	Server  ServerConfig `json:"server"`
	Profile Profile      `json:"profile"`

	Scoring ScoringConfig `json:"scoring"`

	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
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
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// DefaultConfig returns the standalone configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Profile: ProfileStandalone,
		Scoring: DefaultScoringConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./merlin.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     15 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "merlin",
		},
	}
}

// ClusterConfig returns the multi-node configuration.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Profile = ProfileCluster
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "merlin",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
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
