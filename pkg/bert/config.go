package bert

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the hub config.json of a BERT model.
type Config struct {
	ModelType     string   `json:"model_type,omitempty"`
	Architectures []string `json:"architectures,omitempty"`
	// VocabSize is the size of the vocabulary.
	VocabSize int `json:"vocab_size"`
	// HiddenSize is the number of channels of every layer.
	HiddenSize int `json:"hidden_size"`
	// NumHiddenLayers is the number of encoder layers.
	NumHiddenLayers int `json:"num_hidden_layers"`
	// NumAttentionHeads is the number of attention heads in each layer.
	NumAttentionHeads int `json:"num_attention_heads"`
	// IntermediateSize is the width of the feed-forward layers.
	IntermediateSize int `json:"intermediate_size"`
	// HiddenAct is "gelu" (erf) or "gelu_new" (tanh approximation).
	HiddenAct string `json:"hidden_act"`
	// Dropout probabilities are carried for compatibility; training runs without dropout.
	HiddenDropoutProb         float64 `json:"hidden_dropout_prob"`
	AttentionProbsDropoutProb float64 `json:"attention_probs_dropout_prob"`
	// MaxPositionEmbeddings is the maximum sequence length.
	MaxPositionEmbeddings int `json:"max_position_embeddings"`
	// TypeVocabSize is the number of token types (segments).
	TypeVocabSize int `json:"type_vocab_size"`
	// InitializerRange is the standard deviation of the weight initialisation.
	InitializerRange float64 `json:"initializer_range"`
	LayerNormEps     float64 `json:"layer_norm_eps"`
	PadTokenID       int     `json:"pad_token_id"`
}

// DefaultConfig returns the defaults a hub config.json falls back to.
func DefaultConfig() Config {
	return Config{
		ModelType:             "bert",
		Architectures:         []string{"BertForPreTraining"},
		VocabSize:             30,
		HiddenSize:            768,
		NumHiddenLayers:       12,
		NumAttentionHeads:     12,
		IntermediateSize:      3072,
		HiddenAct:             "gelu",
		MaxPositionEmbeddings: 512,
		TypeVocabSize:         2,
		InitializerRange:      0.02,
		LayerNormEps:          1e-12,
	}
}

// LoadConfig reads a config.json file. Keys missing from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Save writes the config as indented JSON.
func (c Config) Save(path string) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}

// Validate checks that the dimensions describe a buildable model.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	case c.HiddenSize <= 0:
		return fmt.Errorf("hidden_size must be positive, got %d", c.HiddenSize)
	case c.NumHiddenLayers <= 0:
		return fmt.Errorf("num_hidden_layers must be positive, got %d", c.NumHiddenLayers)
	case c.NumAttentionHeads <= 0 || c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("hidden_size %d is not divisible by %d attention heads", c.HiddenSize, c.NumAttentionHeads)
	case c.IntermediateSize <= 0:
		return fmt.Errorf("intermediate_size must be positive, got %d", c.IntermediateSize)
	case c.MaxPositionEmbeddings <= 0:
		return fmt.Errorf("max_position_embeddings must be positive, got %d", c.MaxPositionEmbeddings)
	case c.TypeVocabSize <= 0:
		return fmt.Errorf("type_vocab_size must be positive, got %d", c.TypeVocabSize)
	case c.PadTokenID < 0 || c.PadTokenID >= c.VocabSize:
		return fmt.Errorf("pad_token_id %d outside vocabulary", c.PadTokenID)
	}
	switch c.HiddenAct {
	case "gelu", "gelu_new", "gelu_pytorch_tanh":
	default:
		return fmt.Errorf("unsupported hidden_act %q", c.HiddenAct)
	}
	return nil
}
