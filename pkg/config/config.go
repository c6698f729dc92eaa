// Package config loads training settings from flags, a config file and
// ABBERT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read, e.g. ABBERT_BATCH_SIZE.
const EnvPrefix = "ABBERT"

// Train stores the configuration of a training run. Keys are the flag names
// of the train command.
type Train struct {
	// Model is the hub repository the config and vocabulary come from.
	Model    string `mapstructure:"model"`
	ModelDir string `mapstructure:"model-dir"`
	HubToken string `mapstructure:"hub-token"`
	CacheDir string `mapstructure:"cache-dir"`
	// Pretrained starts from the hub weights instead of a fresh model.
	Pretrained bool `mapstructure:"pretrained"`

	TrainFile string `mapstructure:"train-file"`
	EvalFile  string `mapstructure:"eval-file"`

	RunName     string `mapstructure:"run-name"`
	Project     string `mapstructure:"project"`
	OutputDir   string `mapstructure:"output-dir"`
	LoggingDir  string `mapstructure:"logging-dir"`
	TrackingDir string `mapstructure:"tracking-dir"`
	NoTracking  bool   `mapstructure:"no-tracking"`
	ResumeFrom  string `mapstructure:"resume-from"`

	Epochs         int     `mapstructure:"epochs"`
	BatchSize      int     `mapstructure:"batch-size"`
	EvalBatchSize  int     `mapstructure:"eval-batch-size"`
	LearningRate   float64 `mapstructure:"learning-rate"`
	WarmupSteps    int     `mapstructure:"warmup-steps"`
	WeightDecay    float64 `mapstructure:"weight-decay"`
	MaxGradNorm    float64 `mapstructure:"max-grad-norm"`
	BlockSize      int     `mapstructure:"block-size"`
	MLMProbability float64 `mapstructure:"mlm-probability"`
	ShortSeqProb   float64 `mapstructure:"short-seq-prob"`
	NSPProbability float64 `mapstructure:"nsp-probability"`
	LoggingSteps   int     `mapstructure:"logging-steps"`
	Seed           int64   `mapstructure:"seed"`

	// Model overrides; zero keeps the hub config value.
	NumLayers        int `mapstructure:"num-layers"`
	HiddenSize       int `mapstructure:"hidden-size"`
	NumHeads         int `mapstructure:"num-heads"`
	IntermediateSize int `mapstructure:"intermediate-size"`
}

// Defaults holds the default of every key.
var Defaults = map[string]any{
	"model":           "Rostlab/prot_bert_bfd",
	"run-name":        "paired_mlm_nsp",
	"project":         "paired_model_nsp_mlm_protbert",
	"tracking-dir":    "runs",
	"epochs":          10,
	"batch-size":      16,
	"eval-batch-size": 16,
	"learning-rate":   1e-5,
	"warmup-steps":    500,
	"weight-decay":    0.01,
	"max-grad-norm":   1.0,
	"block-size":      128,
	"mlm-probability": 0.15,
	"short-seq-prob":  0.1,
	"nsp-probability": 0.5,
	"logging-steps":   10,
	"seed":            42,
}

// New returns a viper instance with the defaults set and the environment
// bound.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range Defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// the hub's own variable works too
	_ = v.BindEnv("hub-token", EnvPrefix+"_HUB_TOKEN", "HF_TOKEN")
	return v
}

// Load binds flags (when given), reads configFile (when given) and decodes
// the result. Flags set on the command line win over the environment, which
// wins over the file, which wins over the defaults.
func Load(v *viper.Viper, flags *pflag.FlagSet, configFile string) (*Train, error) {
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}
	var cfg Train
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "./" + cfg.RunName
	}
	if cfg.LoggingDir == "" {
		cfg.LoggingDir = "./" + cfg.RunName + "_logging"
	}
	return &cfg, cfg.Validate()
}

// Validate checks the settings a run cannot start without.
func (c *Train) Validate() error {
	switch {
	case c.TrainFile == "":
		return errors.New("train-file is required")
	case c.EvalFile == "":
		return errors.New("eval-file is required")
	case c.Model == "" && c.ModelDir == "" && c.ResumeFrom == "":
		return errors.New("one of model, model-dir or resume-from is required")
	case c.Epochs <= 0:
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.BatchSize <= 0 || c.EvalBatchSize <= 0:
		return fmt.Errorf("batch sizes must be positive, got %d and %d", c.BatchSize, c.EvalBatchSize)
	case c.LearningRate <= 0:
		return fmt.Errorf("learning-rate must be positive, got %v", c.LearningRate)
	case c.WarmupSteps < 0:
		return fmt.Errorf("warmup-steps must not be negative, got %d", c.WarmupSteps)
	case c.BlockSize < 5:
		return fmt.Errorf("block-size %d cannot hold a sequence pair", c.BlockSize)
	case c.MLMProbability < 0 || c.MLMProbability > 1:
		return fmt.Errorf("mlm-probability %v outside [0,1]", c.MLMProbability)
	case c.NSPProbability < 0 || c.NSPProbability > 1:
		return fmt.Errorf("nsp-probability %v outside [0,1]", c.NSPProbability)
	case c.ShortSeqProb < 0 || c.ShortSeqProb > 1:
		return fmt.Errorf("short-seq-prob %v outside [0,1]", c.ShortSeqProb)
	case c.LoggingSteps <= 0:
		return fmt.Errorf("logging-steps must be positive, got %d", c.LoggingSteps)
	}
	return nil
}
