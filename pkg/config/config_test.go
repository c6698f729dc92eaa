package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests loading the training configuration
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	suite.tempDir = suite.T().TempDir()
}

func (suite *ConfigTestSuite) writeConfig(content string) string {
	path := filepath.Join(suite.tempDir, "train.yaml")
	require.NoError(suite.T(), os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (suite *ConfigTestSuite) TestDefaults() {
	v := New()
	v.Set("train-file", "train.txt")
	v.Set("eval-file", "eval.txt")
	cfg, err := Load(v, nil, "")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), "Rostlab/prot_bert_bfd", cfg.Model)
	assert.Equal(suite.T(), 10, cfg.Epochs)
	assert.Equal(suite.T(), 16, cfg.BatchSize)
	assert.Equal(suite.T(), 16, cfg.EvalBatchSize)
	assert.Equal(suite.T(), 1e-5, cfg.LearningRate)
	assert.Equal(suite.T(), 500, cfg.WarmupSteps)
	assert.Equal(suite.T(), 0.01, cfg.WeightDecay)
	assert.Equal(suite.T(), 128, cfg.BlockSize)
	assert.Equal(suite.T(), 0.15, cfg.MLMProbability)
	assert.Equal(suite.T(), 0.5, cfg.NSPProbability)
	assert.Equal(suite.T(), int64(42), cfg.Seed)
	assert.Equal(suite.T(), "./paired_mlm_nsp", cfg.OutputDir)
	assert.Equal(suite.T(), "./paired_mlm_nsp_logging", cfg.LoggingDir)
}

func (suite *ConfigTestSuite) TestConfigFile() {
	path := suite.writeConfig(`
train-file: data/train.txt
eval-file: data/eval.txt
batch-size: 4
learning-rate: 0.0003
run-name: light
output-dir: out
`)
	cfg, err := Load(New(), nil, path)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "data/train.txt", cfg.TrainFile)
	assert.Equal(suite.T(), 4, cfg.BatchSize)
	assert.Equal(suite.T(), 3e-4, cfg.LearningRate)
	assert.Equal(suite.T(), "out", cfg.OutputDir)
	assert.Equal(suite.T(), "./light_logging", cfg.LoggingDir)
}

func (suite *ConfigTestSuite) TestPrecedence() {
	path := suite.writeConfig("train-file: a.txt\neval-file: b.txt\nbatch-size: 4\nepochs: 3\nwarmup-steps: 7\n")
	suite.T().Setenv("ABBERT_BATCH_SIZE", "8")
	suite.T().Setenv("ABBERT_EPOCHS", "5")
	suite.T().Setenv("HF_TOKEN", "hf_secret")

	flags := pflag.NewFlagSet("train", pflag.ContinueOnError)
	flags.Int("epochs", 10, "")
	flags.Int("warmup-steps", 500, "")
	require.NoError(suite.T(), flags.Parse([]string{"--epochs", "2"}))

	cfg, err := Load(New(), flags, path)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 2, cfg.Epochs, "flag wins")
	assert.Equal(suite.T(), 8, cfg.BatchSize, "environment wins over file")
	assert.Equal(suite.T(), 7, cfg.WarmupSteps, "unset flag falls back to file")
	assert.Equal(suite.T(), "hf_secret", cfg.HubToken)
}

func (suite *ConfigTestSuite) TestBadFile() {
	path := suite.writeConfig("train-file: [unterminated\n")
	_, err := Load(New(), nil, path)
	assert.Error(suite.T(), err)
}

func (suite *ConfigTestSuite) TestValidate() {
	valid := func() *Train {
		v := New()
		v.Set("train-file", "train.txt")
		v.Set("eval-file", "eval.txt")
		cfg, err := Load(v, nil, "")
		require.NoError(suite.T(), err)
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(c *Train)
	}{
		{"no train file", func(c *Train) { c.TrainFile = "" }},
		{"no eval file", func(c *Train) { c.EvalFile = "" }},
		{"no model", func(c *Train) { c.Model = "" }},
		{"zero epochs", func(c *Train) { c.Epochs = 0 }},
		{"zero batch", func(c *Train) { c.EvalBatchSize = 0 }},
		{"zero learning rate", func(c *Train) { c.LearningRate = 0 }},
		{"negative warmup", func(c *Train) { c.WarmupSteps = -1 }},
		{"tiny block", func(c *Train) { c.BlockSize = 4 }},
		{"mlm probability", func(c *Train) { c.MLMProbability = 1.5 }},
		{"nsp probability", func(c *Train) { c.NSPProbability = -0.1 }},
		{"short seq probability", func(c *Train) { c.ShortSeqProb = 2 }},
		{"logging steps", func(c *Train) { c.LoggingSteps = 0 }},
	}
	for _, tt := range tests {
		suite.Run(tt.name, func() {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(suite.T(), cfg.Validate())
		})
	}

	cfg := valid()
	cfg.Model = ""
	cfg.ModelDir = "local"
	assert.NoError(suite.T(), cfg.Validate())
}
