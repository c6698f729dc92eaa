package bert

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/conneroisu/abbert/pkg/safetensors"
)

const (
	// ConfigFile is the name of the model config inside a model directory.
	ConfigFile = "config.json"
	// WeightsFile is the name of the weights inside a model directory.
	WeightsFile = "model.safetensors"
)

// namedTensors lists the parameters of p under their hub names. Stacked
// layer tensors are split per layer and the fused QKV projection into its
// query, key and value parts. The decoder weight is tied to the word
// embeddings and not listed.
func namedTensors(p *ParameterTensors, cfg Config) []safetensors.Tensor {
	C, I := cfg.HiddenSize, cfg.IntermediateSize
	ts := []safetensors.Tensor{
		{Name: "bert.embeddings.word_embeddings.weight", Shape: p.WordEmbed.dims, Data: p.WordEmbed.data},
		{Name: "bert.embeddings.position_embeddings.weight", Shape: p.PosEmbed.dims, Data: p.PosEmbed.data},
		{Name: "bert.embeddings.token_type_embeddings.weight", Shape: p.TypeEmbed.dims, Data: p.TypeEmbed.data},
		{Name: "bert.embeddings.LayerNorm.weight", Shape: p.EmbLnW.dims, Data: p.EmbLnW.data},
		{Name: "bert.embeddings.LayerNorm.bias", Shape: p.EmbLnB.dims, Data: p.EmbLnB.data},
	}
	for l := 0; l < cfg.NumHiddenLayers; l++ {
		w := p.layer(l, cfg)
		prefix := fmt.Sprintf("bert.encoder.layer.%d.", l)
		for i, name := range []string{"query", "key", "value"} {
			ts = append(ts,
				safetensors.Tensor{Name: prefix + "attention.self." + name + ".weight", Shape: []int{C, C}, Data: w.qkvw[i*C*C : (i+1)*C*C]},
				safetensors.Tensor{Name: prefix + "attention.self." + name + ".bias", Shape: []int{C}, Data: w.qkvb[i*C : (i+1)*C]},
			)
		}
		ts = append(ts,
			safetensors.Tensor{Name: prefix + "attention.output.dense.weight", Shape: []int{C, C}, Data: w.attoutw},
			safetensors.Tensor{Name: prefix + "attention.output.dense.bias", Shape: []int{C}, Data: w.attoutb},
			safetensors.Tensor{Name: prefix + "attention.output.LayerNorm.weight", Shape: []int{C}, Data: w.attlnw},
			safetensors.Tensor{Name: prefix + "attention.output.LayerNorm.bias", Shape: []int{C}, Data: w.attlnb},
			safetensors.Tensor{Name: prefix + "intermediate.dense.weight", Shape: []int{I, C}, Data: w.interw},
			safetensors.Tensor{Name: prefix + "intermediate.dense.bias", Shape: []int{I}, Data: w.interb},
			safetensors.Tensor{Name: prefix + "output.dense.weight", Shape: []int{C, I}, Data: w.outw},
			safetensors.Tensor{Name: prefix + "output.dense.bias", Shape: []int{C}, Data: w.outb},
			safetensors.Tensor{Name: prefix + "output.LayerNorm.weight", Shape: []int{C}, Data: w.outlnw},
			safetensors.Tensor{Name: prefix + "output.LayerNorm.bias", Shape: []int{C}, Data: w.outlnb},
		)
	}
	return append(ts,
		safetensors.Tensor{Name: "bert.pooler.dense.weight", Shape: p.PoolerW.dims, Data: p.PoolerW.data},
		safetensors.Tensor{Name: "bert.pooler.dense.bias", Shape: p.PoolerB.dims, Data: p.PoolerB.data},
		safetensors.Tensor{Name: "cls.predictions.transform.dense.weight", Shape: p.HeadW.dims, Data: p.HeadW.data},
		safetensors.Tensor{Name: "cls.predictions.transform.dense.bias", Shape: p.HeadB.dims, Data: p.HeadB.data},
		safetensors.Tensor{Name: "cls.predictions.transform.LayerNorm.weight", Shape: p.HeadLnW.dims, Data: p.HeadLnW.data},
		safetensors.Tensor{Name: "cls.predictions.transform.LayerNorm.bias", Shape: p.HeadLnB.dims, Data: p.HeadLnB.data},
		safetensors.Tensor{Name: "cls.predictions.bias", Shape: p.DecoderB.dims, Data: p.DecoderB.data},
		safetensors.Tensor{Name: "cls.seq_relationship.weight", Shape: p.SeqRelW.dims, Data: p.SeqRelW.data},
		safetensors.Tensor{Name: "cls.seq_relationship.bias", Shape: p.SeqRelB.dims, Data: p.SeqRelB.data},
	)
}

// Save writes config.json and model.safetensors into dir, creating it.
func (m *BertForPreTraining) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	if err := m.Config.Save(filepath.Join(dir, ConfigFile)); err != nil {
		return fmt.Errorf("failed to write model config: %w", err)
	}
	meta := map[string]string{"format": "pt"}
	if err := safetensors.Write(filepath.Join(dir, WeightsFile), namedTensors(&m.Params, m.Config), meta); err != nil {
		return fmt.Errorf("failed to write model weights: %w", err)
	}
	return nil
}

// Load reads a model saved by Save or downloaded from the hub.
//
// Weights missing from the file are initialised as New would with seed, so
// a masked-LM-only checkpoint gets fresh pooler and next sentence heads.
// The names of the initialised tensors are returned.
func Load(dir string, seed uint64) (*BertForPreTraining, []string, error) {
	cfg, err := LoadConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, nil, err
	}
	m, err := newEmpty(cfg)
	if err != nil {
		return nil, nil, err
	}
	m.initWeights(seed)
	f, err := safetensors.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	var missing []string
	for _, t := range namedTensors(&m.Params, cfg) {
		if _, ok := f.Info(t.Name); !ok {
			missing = append(missing, t.Name)
			continue
		}
		if err := f.ReadInto(t.Name, t.Data); err != nil {
			return nil, nil, err
		}
	}
	if len(missing) == len(namedTensors(&m.Params, cfg)) {
		return nil, nil, fmt.Errorf("%s holds no BERT weights", WeightsFile)
	}
	return m, missing, nil
}
