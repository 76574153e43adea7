// Package config loads the static engine configuration: evaluator backends,
// retry policy, severity thresholds, rubric weights, reliability tables and
// benchmarks. The loaded Config is treated as immutable for a run.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Availability AvailabilityConfig `yaml:"availability"`
	Consensus    ConsensusConfig    `yaml:"consensus"`
	Evaluators   []EvaluatorConfig  `yaml:"evaluators" ignored:"true"`
}

// ServerConfig holds HTTP service settings.
type ServerConfig struct {
	Host           string        `envconfig:"CONSENSUS_HOST" yaml:"host"`
	Port           int           `envconfig:"CONSENSUS_PORT" yaml:"port"`
	DataDir        string        `envconfig:"CONSENSUS_DATA_DIR" yaml:"data_dir"`
	RedisAddr      string        `envconfig:"CONSENSUS_REDIS_ADDR" yaml:"redis_addr"`
	RedisPassword  string        `envconfig:"CONSENSUS_REDIS_PASSWORD" yaml:"redis_password"`
	ReviewerSecret string        `envconfig:"CONSENSUS_REVIEWER_SECRET" yaml:"reviewer_secret"`
	CORSOrigins    []string      `envconfig:"CONSENSUS_CORS_ORIGINS" yaml:"cors_origins"`
	RequestTimeout time.Duration `envconfig:"CONSENSUS_REQUEST_TIMEOUT" yaml:"request_timeout"`
	AlertWebhook   string        `envconfig:"CONSENSUS_ALERT_WEBHOOK" yaml:"alert_webhook"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"CONSENSUS_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"CONSENSUS_LOG_FORMAT" yaml:"format"`
}

// DispatchConfig holds per-evaluator retry and fan-out settings.
type DispatchConfig struct {
	MaxRetries      int           `envconfig:"CONSENSUS_MAX_RETRIES" yaml:"max_retries"`
	BaseDelay       time.Duration `envconfig:"CONSENSUS_BASE_DELAY" yaml:"base_delay"`
	MaxDelay        time.Duration `envconfig:"CONSENSUS_MAX_DELAY" yaml:"max_delay"`
	Jitter          float64       `envconfig:"CONSENSUS_JITTER" yaml:"jitter"`
	AttemptTimeout  time.Duration `envconfig:"CONSENSUS_ATTEMPT_TIMEOUT" yaml:"attempt_timeout"`
	PairConcurrency int           `envconfig:"CONSENSUS_PAIR_CONCURRENCY" yaml:"pair_concurrency"`
}

// AvailabilityConfig holds the tracker thresholds and probe cadence.
type AvailabilityConfig struct {
	DegradedAfter int           `envconfig:"CONSENSUS_DEGRADED_AFTER" yaml:"degraded_after"`
	DownAfter     int           `envconfig:"CONSENSUS_DOWN_AFTER" yaml:"down_after"`
	ProbeInterval time.Duration `envconfig:"CONSENSUS_PROBE_INTERVAL" yaml:"probe_interval"`
	ProbeTimeout  time.Duration `envconfig:"CONSENSUS_PROBE_TIMEOUT" yaml:"probe_timeout"`
}

// ThresholdConfig holds the lower bound of each severity band in score points.
type ThresholdConfig struct {
	Medium   float64 `envconfig:"CONSENSUS_THRESHOLD_MEDIUM" yaml:"medium"`
	High     float64 `envconfig:"CONSENSUS_THRESHOLD_HIGH" yaml:"high"`
	Critical float64 `envconfig:"CONSENSUS_THRESHOLD_CRITICAL" yaml:"critical"`
}

// EvidenceWeights is the rationale quality rubric.
type EvidenceWeights struct {
	Examples     float64 `yaml:"examples"`
	References   float64 `yaml:"references"`
	Technical    float64 `yaml:"technical"`
	Impact       float64 `yaml:"impact"`
	Quantitative float64 `yaml:"quantitative"`
}

// MediationWeights combine the expert mediation factors.
type MediationWeights struct {
	Reliability float64 `yaml:"reliability"`
	Evidence    float64 `yaml:"evidence"`
	Benchmark   float64 `yaml:"benchmark"`
}

// ConsensusConfig holds conflict classification and resolution settings.
type ConsensusConfig struct {
	Thresholds         ThresholdConfig               `yaml:"thresholds"`
	Evidence           EvidenceWeights               `yaml:"evidence" ignored:"true"`
	DominanceRatio     float64                       `envconfig:"CONSENSUS_DOMINANCE_RATIO" yaml:"dominance_ratio"`
	Mediation          MediationWeights              `yaml:"mediation" ignored:"true"`
	TieMargin          float64                       `envconfig:"CONSENSUS_TIE_MARGIN" yaml:"tie_margin"`
	DefaultReliability float64                       `envconfig:"CONSENSUS_DEFAULT_RELIABILITY" yaml:"default_reliability"`
	Reliability        map[string]map[string]float64 `yaml:"reliability" ignored:"true"`
	Benchmarks         map[string]float64            `yaml:"benchmarks" ignored:"true"`
	ReviewWindow       time.Duration                 `envconfig:"CONSENSUS_REVIEW_WINDOW" yaml:"review_window"`
}

// EvaluatorConfig describes one scoring backend.
type EvaluatorConfig struct {
	ID                string        `yaml:"id"`
	Kind              string        `yaml:"kind"`
	Endpoint          string        `yaml:"endpoint"`
	APIKey            string        `yaml:"api_key"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Model             string        `yaml:"model"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Timeout           time.Duration `yaml:"timeout"`
}

// Load loads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	// Optional .env for local development
	_ = godotenv.Load()

	cfg := &Config{}
	setDefaults(cfg)

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	for i := range cfg.Evaluators {
		ev := &cfg.Evaluators[i]
		if ev.APIKey == "" && ev.APIKeyEnv != "" {
			ev.APIKey = os.Getenv(ev.APIKeyEnv)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// Default returns the built-in defaults with no evaluators configured.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	cfg.Server = ServerConfig{
		Host:           "0.0.0.0",
		Port:           8080,
		DataDir:        "./data",
		CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
		RequestTimeout: 10 * time.Minute,
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "json",
	}

	cfg.Dispatch = DispatchConfig{
		MaxRetries:      3,
		BaseDelay:       2 * time.Second,
		MaxDelay:        30 * time.Second,
		Jitter:          0.2,
		AttemptTimeout:  60 * time.Second,
		PairConcurrency: 4,
	}

	cfg.Availability = AvailabilityConfig{
		DegradedAfter: 3,
		DownAfter:     5,
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}

	cfg.Consensus = ConsensusConfig{
		Thresholds: ThresholdConfig{
			Medium:   0.5,
			High:     1.0,
			Critical: 2.0,
		},
		Evidence: EvidenceWeights{
			Examples:     0.3,
			References:   0.2,
			Technical:    0.2,
			Impact:       0.15,
			Quantitative: 0.15,
		},
		DominanceRatio: 0.2,
		Mediation: MediationWeights{
			Reliability: 0.4,
			Evidence:    0.35,
			Benchmark:   0.25,
		},
		TieMargin:          0.05,
		DefaultReliability: 0.5,
		Reliability:        map[string]map[string]float64{},
		Benchmarks:         map[string]float64{},
		ReviewWindow:       72 * time.Hour,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	d := c.Dispatch
	if d.MaxRetries < 0 {
		errs = append(errs, "max_retries must not be negative")
	}
	if d.BaseDelay <= 0 || d.MaxDelay < d.BaseDelay {
		errs = append(errs, "base_delay must be positive and not exceed max_delay")
	}
	if d.Jitter < 0 || d.Jitter >= 1 {
		errs = append(errs, "jitter must be in [0, 1)")
	}
	if d.AttemptTimeout <= 0 {
		errs = append(errs, "attempt_timeout must be positive")
	}
	if d.PairConcurrency < 1 {
		errs = append(errs, "pair_concurrency must be positive")
	}

	a := c.Availability
	if a.DegradedAfter < 1 || a.DownAfter <= a.DegradedAfter {
		errs = append(errs, "degraded_after must be positive and less than down_after")
	}
	if a.ProbeInterval <= 0 || a.ProbeTimeout <= 0 {
		errs = append(errs, "probe_interval and probe_timeout must be positive")
	}

	cs := c.Consensus
	t := cs.Thresholds
	if !(t.Medium > 0 && t.Medium < t.High && t.High < t.Critical) {
		errs = append(errs, "thresholds must satisfy 0 < medium < high < critical")
	}
	for name, w := range map[string]float64{
		"evidence.examples":     cs.Evidence.Examples,
		"evidence.references":   cs.Evidence.References,
		"evidence.technical":    cs.Evidence.Technical,
		"evidence.impact":       cs.Evidence.Impact,
		"evidence.quantitative": cs.Evidence.Quantitative,
		"mediation.reliability": cs.Mediation.Reliability,
		"mediation.evidence":    cs.Mediation.Evidence,
		"mediation.benchmark":   cs.Mediation.Benchmark,
		"dominance_ratio":       cs.DominanceRatio,
		"tie_margin":            cs.TieMargin,
	} {
		if w < 0 || w > 1 {
			errs = append(errs, fmt.Sprintf("%s must be between 0 and 1", name))
		}
	}
	if math.Abs(cs.Mediation.Reliability+cs.Mediation.Evidence+cs.Mediation.Benchmark-1) > 1e-9 {
		errs = append(errs, "mediation weights must sum to 1")
	}
	if cs.DefaultReliability <= 0 || cs.DefaultReliability > 1 {
		errs = append(errs, "default_reliability must be in (0, 1]")
	}
	for ev, perCriterion := range cs.Reliability {
		for crit, w := range perCriterion {
			if w <= 0 || w > 1 {
				errs = append(errs, fmt.Sprintf("reliability[%s][%s] must be in (0, 1]", ev, crit))
			}
		}
	}
	for crit, v := range cs.Benchmarks {
		if v < types.MinScore || v > types.MaxScore {
			errs = append(errs, fmt.Sprintf("benchmarks[%s] must be within [0, 10]", crit))
		}
	}
	if cs.ReviewWindow <= 0 {
		errs = append(errs, "review_window must be positive")
	}

	seen := make(map[string]bool, len(c.Evaluators))
	for i, ev := range c.Evaluators {
		if ev.ID == "" {
			errs = append(errs, fmt.Sprintf("evaluators[%d].id is required", i))
			continue
		}
		if seen[ev.ID] {
			errs = append(errs, fmt.Sprintf("duplicate evaluator id: %s", ev.ID))
		}
		seen[ev.ID] = true
		if ev.Kind != "http" {
			errs = append(errs, fmt.Sprintf("evaluator %s: unsupported kind %q (must be http)", ev.ID, ev.Kind))
		}
		if ev.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("evaluator %s: endpoint is required", ev.ID))
		}
		if ev.RequestsPerMinute < 0 {
			errs = append(errs, fmt.Sprintf("evaluator %s: requests_per_minute must not be negative", ev.ID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// EvaluatorIDs returns the configured evaluators in declaration order.
func (c *Config) EvaluatorIDs() []types.EvaluatorID {
	ids := make([]types.EvaluatorID, len(c.Evaluators))
	for i, ev := range c.Evaluators {
		ids[i] = types.EvaluatorID(ev.ID)
	}
	return ids
}

// ReliabilityOf returns the static weight of an evaluator for a criterion,
// falling back to DefaultReliability.
func (c *ConsensusConfig) ReliabilityOf(evaluator types.EvaluatorID, criterion types.CriterionID) float64 {
	if perCriterion, ok := c.Reliability[string(evaluator)]; ok {
		if w, ok := perCriterion[string(criterion)]; ok {
			return w
		}
		if w, ok := perCriterion["*"]; ok {
			return w
		}
	}
	return c.DefaultReliability
}

// Benchmark returns the expected value for a criterion, if configured.
func (c *ConsensusConfig) Benchmark(criterion types.CriterionID) (float64, bool) {
	v, ok := c.Benchmarks[string(criterion)]
	return v, ok
}
