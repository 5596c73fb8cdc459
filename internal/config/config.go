package config

import "time"

type Config struct {
	ConfigVersion int            `yaml:"configVersion"`
	Model         ModelConfig    `yaml:"model"`
	Fusion        FusionConfig   `yaml:"fusion"`
	Ensemble      EnsembleConfig `yaml:"ensemble"`
	Pipeline      PipelineConfig `yaml:"pipeline"`
	Rules         []Rule         `yaml:"rules"`
	DisabledRules []string       `yaml:"disabledRules"`
	RulesFile     string         `yaml:"rulesFile"`
	WatchRules    bool           `yaml:"watchRules"`
	Logging       LoggingConfig  `yaml:"logging"`
	Metrics       MetricsConfig  `yaml:"metrics"`
	Server        ServerConfig   `yaml:"server"`
	Review        ReviewConfig   `yaml:"review"`

	baseDir string `yaml:"-"`
}

type ModelConfig struct {
	// Path to the model artifact. Empty runs heuristics only.
	Path string `yaml:"path"`
}

type FusionConfig struct {
	HeuristicWeight   float64 `yaml:"heuristicWeight"`
	ModelWeight       float64 `yaml:"modelWeight"`
	VetoScore         float64 `yaml:"vetoScore"`
	GrayZoneThreshold float64 `yaml:"grayZoneThreshold"`
}

type EnsembleConfig struct {
	Aggregate        string  `yaml:"aggregate"`
	Disagreement     string  `yaml:"disagreement"`
	AnomalyThreshold float64 `yaml:"anomalyThreshold"`
	// Members selects artifact members by name. Empty uses all of them.
	Members []string `yaml:"members"`
}

type PipelineConfig struct {
	Workers          int `yaml:"workers"`
	FeatureCacheSize int `yaml:"featureCacheSize"`
	SummaryTop       int `yaml:"summaryTop"`
}

type Rule struct {
	ID         string    `yaml:"id"`
	Category   string    `yaml:"category"`
	Weight     float64   `yaml:"weight"`
	Critical   bool      `yaml:"critical"`
	Target     string    `yaml:"target"`
	Header     string    `yaml:"header"`
	Transforms []string  `yaml:"transforms"`
	Match      RuleMatch `yaml:"match"`
}

type RuleMatch struct {
	Type         string   `yaml:"type"`
	Pattern      string   `yaml:"pattern"`
	Patterns     []string `yaml:"patterns"`
	PatternsFile string   `yaml:"patternsFile"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	VerdictLog string `yaml:"verdictLog"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type ServerConfig struct {
	Listen       string          `yaml:"listen"`
	MaxBodyBytes int64           `yaml:"maxBodyBytes"`
	ReadTimeout  time.Duration   `yaml:"readTimeout"`
	RateLimit    RateLimitConfig `yaml:"rateLimit"`
}

type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// Key is "ip" or "ip_path".
	Key   string  `yaml:"key"`
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ReviewConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

const (
	AggregateMean   = "mean"
	AggregateMedian = "median"
	AggregateMax    = "max"

	DisagreementVariance = "variance"
	DisagreementVote     = "vote"
)

// Default returns a complete configuration. Load overlays the file on it.
func Default() *Config {
	return &Config{
		ConfigVersion: 1,
		Fusion: FusionConfig{
			HeuristicWeight:   0.5,
			ModelWeight:       0.5,
			VetoScore:         0.9,
			GrayZoneThreshold: 0.5,
		},
		Ensemble: EnsembleConfig{
			Aggregate:        AggregateMean,
			Disagreement:     DisagreementVote,
			AnomalyThreshold: 0.5,
		},
		Pipeline: PipelineConfig{
			FeatureCacheSize: 1024,
			SummaryTop:       5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9090"},
		Server: ServerConfig{
			Listen:       "127.0.0.1:8080",
			MaxBodyBytes: 1 << 20,
			ReadTimeout:  10 * time.Second,
			RateLimit:    RateLimitConfig{Key: "ip", RPS: 50, Burst: 100},
		},
	}
}

func (c *Config) BaseDir() string {
	return c.baseDir
}

func (c *Config) ResolvePath(path string) string {
	return c.resolvePath(path)
}
