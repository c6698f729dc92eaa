package bert

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/conneroisu/abbert/pkg/safetensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "model")
	m := newTiny(t, "gelu")
	require.NoError(t, m.Save(dir))

	loaded, missing, err := Load(dir, 99)
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Equal(t, m.Config, loaded.Config)
	assert.Equal(t, m.Weights(), loaded.Weights())

	f, err := safetensors.Open(filepath.Join(dir, WeightsFile))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, "pt", f.Metadata()["format"])
	info, ok := f.Info("bert.encoder.layer.1.attention.self.value.weight")
	require.True(t, ok)
	assert.Equal(t, []int{8, 8}, info.Shape)
	_, ok = f.Info("cls.predictions.decoder.weight")
	assert.False(t, ok)
}

func TestLoadInitialisesMissingHeads(t *testing.T) {
	dir := t.TempDir()
	m := newTiny(t, "gelu")
	require.NoError(t, m.Config.Save(filepath.Join(dir, ConfigFile)))

	var kept []safetensors.Tensor
	for _, ts := range namedTensors(&m.Params, m.Config) {
		if ts.Name != "bert.pooler.dense.weight" && ts.Name != "cls.seq_relationship.weight" {
			kept = append(kept, ts)
		}
	}
	require.NoError(t, safetensors.Write(filepath.Join(dir, WeightsFile), kept, nil))

	loaded, missing, err := Load(dir, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bert.pooler.dense.weight", "cls.seq_relationship.weight"}, missing)
	assert.Equal(t, m.Params.WordEmbed.data, loaded.Params.WordEmbed.data)
	assert.NotEqual(t, m.Params.PoolerW.data, loaded.Params.PoolerW.data)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Load(dir, 0)
	assert.Error(t, err)

	cfg := tinyConfig()
	require.NoError(t, cfg.Save(filepath.Join(dir, ConfigFile)))
	_, _, err = Load(dir, 0)
	assert.Error(t, err)

	require.NoError(t, safetensors.Write(filepath.Join(dir, WeightsFile), []safetensors.Tensor{
		{Name: "something.else", Shape: []int{2}, Data: []float32{1, 2}},
	}, nil))
	_, _, err = Load(dir, 0)
	assert.ErrorContains(t, err, "no BERT weights")
}

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"vocab_size": 30, "hidden_size": 16, "num_attention_heads": 4}`), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.HiddenSize)
	assert.Equal(t, 12, cfg.NumHiddenLayers)
	assert.Equal(t, "gelu", cfg.HiddenAct)
	assert.Equal(t, 1e-12, cfg.LayerNormEps)

	require.NoError(t, os.WriteFile(path, []byte(`{"hidden_size": 10, "num_attention_heads": 4}`), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"hidden_act": "relu"}`), 0o644))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "relu")
}
