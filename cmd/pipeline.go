package cmd

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/abbert/pkg/amino"
	"github.com/conneroisu/abbert/pkg/bert"
	"github.com/conneroisu/abbert/pkg/config"
	"github.com/conneroisu/abbert/pkg/data"
	"github.com/conneroisu/abbert/pkg/hub"
	"github.com/spf13/pflag"
)

// registerTrainFlags adds the flags shared by train and check.
func registerTrainFlags(fs *pflag.FlagSet) {
	d := config.Defaults
	fs.String("config", "", "YAML config file")
	fs.StringP("model", "m", d["model"].(string), "Hub repository of the model config and vocabulary")
	fs.String("model-dir", "", "Local directory with config.json and vocab.txt (skips the hub)")
	fs.String("hub-token", "", "Hub access token (also HF_TOKEN)")
	fs.String("cache-dir", "", "Hub cache directory")
	fs.Bool("pretrained", false, "Start from the hub weights instead of a fresh model")
	fs.String("train-file", "", "Paired heavy[SEP]light training records")
	fs.String("eval-file", "", "Paired heavy[SEP]light evaluation records")
	fs.String("run-name", d["run-name"].(string), "Run name")
	fs.String("project", d["project"].(string), "Tracking project")
	fs.String("output-dir", "", "Checkpoint directory (default ./<run-name>)")
	fs.String("logging-dir", "", "Logging directory (default ./<run-name>_logging)")
	fs.String("tracking-dir", d["tracking-dir"].(string), "Directory of tracked runs")
	fs.Bool("no-tracking", false, "Disable run tracking")
	fs.String("resume-from", "", "Checkpoint directory to resume from")
	fs.Int("epochs", d["epochs"].(int), "Number of training epochs")
	fs.IntP("batch-size", "b", d["batch-size"].(int), "Training batch size")
	fs.Int("eval-batch-size", d["eval-batch-size"].(int), "Evaluation batch size")
	fs.Float64P("learning-rate", "r", d["learning-rate"].(float64), "Peak learning rate")
	fs.Int("warmup-steps", d["warmup-steps"].(int), "Linear warmup steps")
	fs.Float64P("weight-decay", "w", d["weight-decay"].(float64), "AdamW weight decay")
	fs.Float64("max-grad-norm", d["max-grad-norm"].(float64), "Gradient clipping norm")
	fs.Int("block-size", d["block-size"].(int), "Maximum tokens per example")
	fs.Float64("mlm-probability", d["mlm-probability"].(float64), "Fraction of tokens selected for masking")
	fs.Float64("short-seq-prob", d["short-seq-prob"].(float64), "Probability of a shorter target length")
	fs.Float64("nsp-probability", d["nsp-probability"].(float64), "Probability of a NotNext pair")
	fs.Int("logging-steps", d["logging-steps"].(int), "Interval of detailed step logging")
	fs.Int64P("seed", "s", int64(d["seed"].(int)), "Seed for initialisation, pairing and masking")
	fs.Int("num-layers", 0, "Override num_hidden_layers")
	fs.Int("hidden-size", 0, "Override hidden_size")
	fs.Int("num-heads", 0, "Override num_attention_heads")
	fs.Int("intermediate-size", 0, "Override intermediate_size")
}

// pipeline holds everything a run is built from.
type pipeline struct {
	cfg         *config.Train
	tok         *amino.VocabTokenizer
	model       *bert.BertForPreTraining
	train, eval data.Examples
	trainLoader *data.DataLoader
	evalLoader  *data.DataLoader
}

// modelSource resolves the directory the config and vocabulary are read from.
func modelSource(ctx context.Context, cfg *config.Train) (*hub.Files, error) {
	if cfg.ResumeFrom != "" {
		return hub.Fetch(ctx, "", hub.Options{LocalDir: cfg.ResumeFrom, Weights: true})
	}
	return hub.Fetch(ctx, cfg.Model, hub.Options{
		Token:    cfg.HubToken,
		CacheDir: cfg.CacheDir,
		LocalDir: cfg.ModelDir,
		Weights:  cfg.Pretrained,
	})
}

// buildModel creates a fresh model from the hub config, or loads weights
// when resuming or starting from a pretrained model.
func buildModel(cfg *config.Train, files *hub.Files, vocabSize int) (*bert.BertForPreTraining, error) {
	seed := uint64(cfg.Seed)
	if files.WeightsPath == "" && (cfg.Pretrained || cfg.ResumeFrom != "") {
		return nil, fmt.Errorf("no %s in %s", bert.WeightsFile, files.Dir())
	}
	if files.WeightsPath != "" {
		model, missing, err := bert.Load(files.Dir(), seed)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			log.Warn("initialised weights missing from checkpoint", "count", len(missing), "names", missing)
		}
		if model.Config.VocabSize != vocabSize {
			return nil, fmt.Errorf("checkpoint vocabulary of %d does not match tokenizer vocabulary of %d", model.Config.VocabSize, vocabSize)
		}
		return model, nil
	}
	bcfg, err := bert.LoadConfig(files.ConfigPath)
	if err != nil {
		return nil, err
	}
	bcfg.VocabSize = vocabSize
	for _, o := range []struct {
		value int
		dst   *int
	}{
		{cfg.NumLayers, &bcfg.NumHiddenLayers},
		{cfg.HiddenSize, &bcfg.HiddenSize},
		{cfg.NumHeads, &bcfg.NumAttentionHeads},
		{cfg.IntermediateSize, &bcfg.IntermediateSize},
	} {
		if o.value > 0 {
			*o.dst = o.value
		}
	}
	if bcfg.HiddenDropoutProb > 0 || bcfg.AttentionProbsDropoutProb > 0 {
		log.Warn("dropout is not applied",
			"hidden_dropout_prob", bcfg.HiddenDropoutProb,
			"attention_probs_dropout_prob", bcfg.AttentionProbsDropoutProb)
	}
	return bert.New(bcfg, seed)
}

// buildPipeline loads the tokenizer, model and datasets of cfg.
func buildPipeline(ctx context.Context, cfg *config.Train) (*pipeline, error) {
	files, err := modelSource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tok, err := amino.LoadVocabTokenizer(files.VocabPath)
	if err != nil {
		return nil, err
	}
	log.Info("loaded tokenizer", "vocab", files.VocabPath, "vocab_size", tok.VocabSize())
	model, err := buildModel(cfg, files, tok.VocabSize())
	if err != nil {
		return nil, err
	}
	if cfg.BlockSize > model.Config.MaxPositionEmbeddings {
		return nil, fmt.Errorf("block size %d exceeds max_position_embeddings %d", cfg.BlockSize, model.Config.MaxPositionEmbeddings)
	}
	log.Info("model ready",
		"layers", model.Config.NumHiddenLayers,
		"hidden", model.Config.HiddenSize,
		"heads", model.Config.NumAttentionHeads,
		"vocab_size", model.Config.VocabSize,
		"parameters", model.NumParams())

	p := &pipeline{cfg: cfg, tok: tok, model: model}
	for _, split := range []struct {
		name string
		path string
		seed int64
		dst  *data.Examples
	}{
		{"train", cfg.TrainFile, cfg.Seed, &p.train},
		{"eval", cfg.EvalFile, cfg.Seed + 1, &p.eval},
	} {
		records, err := data.LoadPairedRecords(split.path)
		if err != nil {
			return nil, err
		}
		ds, err := data.BuildNSPDataset(records, tok, data.NSPOptions{
			BlockSize:      cfg.BlockSize,
			ShortSeqProb:   cfg.ShortSeqProb,
			NSPProbability: cfg.NSPProbability,
			Seed:           split.seed,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build %s dataset: %w", split.name, err)
		}
		if err := data.CheckInputIDs(ds, tok.VocabSize()); err != nil {
			return nil, fmt.Errorf("%s dataset: %w", split.name, err)
		}
		log.Info("built dataset", "split", split.name, "records", len(records), "examples", ds.Len())
		*split.dst = ds
	}

	trainCollator, err := data.NewMLMCollator(tok, cfg.BlockSize, cfg.MLMProbability, cfg.Seed)
	if err != nil {
		return nil, err
	}
	evalCollator, err := data.NewMLMCollator(tok, cfg.BlockSize, cfg.MLMProbability, cfg.Seed+1)
	if err != nil {
		return nil, err
	}
	// examples are visited in dataset order; NSP pairing already randomises them
	if p.trainLoader, err = data.NewDataLoader(p.train, trainCollator, cfg.BatchSize, false, cfg.Seed); err != nil {
		return nil, fmt.Errorf("train loader: %w", err)
	}
	if p.evalLoader, err = data.NewDataLoader(p.eval, evalCollator, cfg.EvalBatchSize, false, cfg.Seed); err != nil {
		return nil, fmt.Errorf("eval loader: %w", err)
	}
	p.evalLoader.ReseedCollator = true
	return p, nil
}
