// Package bert implements BERT for masked language modelling and next
// sentence prediction on the CPU.
//
// The encoder is post layer norm with bidirectional attention; padded keys
// are masked out. The MLM decoder shares its weight with the word
// embeddings.
package bert

import (
	"fmt"
	"math/rand/v2"

	"github.com/conneroisu/abbert/pkg/data"
	"github.com/conneroisu/abbert/pkg/torch"
	"gonum.org/v1/gonum/stat/distuv"
)

// Output is the result of a forward pass. The logit slices alias the model's
// activations and are overwritten by the next Forward.
type Output struct {
	// Loss is MLMLoss + NSPLoss, or -1 when the batch carried no labels.
	Loss    float32
	MLMLoss float32
	NSPLoss float32
	// MaskedTokens is the number of positions the MLM loss averages over.
	MaskedTokens int
	// PredictionLogits are (B, T, V) token scores.
	PredictionLogits []float32
	// SeqRelationshipLogits are (B, 2) next sentence scores.
	SeqRelationshipLogits []float32

	B, T, V int
}

// Predictions returns the argmax token of every position, (B, T).
func (o Output) Predictions() []int32 {
	out := make([]int32, o.B*o.T)
	torch.Argmax(out, o.PredictionLogits, o.B*o.T, o.V)
	return out
}

// NSPPredictions returns the argmax next sentence class of every example.
func (o Output) NSPPredictions() []int32 {
	out := make([]int32, o.B)
	torch.Argmax(out, o.SeqRelationshipLogits, o.B, 2)
	return out
}

// BertForPreTraining is a BERT encoder with MLM and NSP heads.
type BertForPreTraining struct {
	// Config is the configuration of the model.
	Config Config
	// Params are the parameters of the model.
	Params ParameterTensors
	// Gradients accumulate over Backward calls until ZeroGradient.
	Gradients ParameterTensors
	// Activations of the last forward pass.
	Activations ActivationTensors
	// GradientActivations are scratch space for Backward.
	GradientActivations ActivationTensors
	// BatchSize and SequenceLength of the last forward pass.
	BatchSize      int
	SequenceLength int

	allocB, allocT int
	batch          *data.Batch
	numMasked      int
	hasMLM, hasNSP bool
	gelu           func(out, inp []float32, n int)
	geluBackward   func(dinp, inp, dout []float32, n int)
}

// New creates a model with freshly initialised weights: normal(0,
// initializer_range) for matrices and embeddings, ones for layer norm
// weights, zeros for biases and the padding embedding.
func New(cfg Config, seed uint64) (*BertForPreTraining, error) {
	m, err := newEmpty(cfg)
	if err != nil {
		return nil, err
	}
	m.initWeights(seed)
	return m, nil
}

// newEmpty creates a model with zeroed parameters.
func newEmpty(cfg Config) (*BertForPreTraining, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &BertForPreTraining{Config: cfg}
	if cfg.HiddenAct == "gelu" {
		m.gelu, m.geluBackward = torch.GeluExactForward, torch.GeluExactBackward
	} else {
		m.gelu, m.geluBackward = torch.GeluForward, torch.GeluBackward
	}
	m.Params.Init(cfg)
	return m, nil
}

func (m *BertForPreTraining) initWeights(seed uint64) {
	p := &m.Params
	normal := distuv.Normal{Mu: 0, Sigma: m.Config.InitializerRange, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
	for _, t := range []tensor{
		p.WordEmbed, p.PosEmbed, p.TypeEmbed,
		p.QKVW, p.AttOutW, p.InterW, p.OutW,
		p.PoolerW, p.HeadW, p.SeqRelW,
	} {
		for i := range t.data {
			t.data[i] = float32(normal.Rand())
		}
	}
	for _, t := range []tensor{p.EmbLnW, p.AttLnW, p.OutLnW, p.HeadLnW} {
		for i := range t.data {
			t.data[i] = 1
		}
	}
	C := m.Config.HiddenSize
	clear(p.WordEmbed.data[m.Config.PadTokenID*C : (m.Config.PadTokenID+1)*C])
}

// NumParams returns the number of trainable parameters.
func (m *BertForPreTraining) NumParams() int {
	return m.Params.Len()
}

// Weights returns the flat parameter memory the optimizer updates.
func (m *BertForPreTraining) Weights() []float32 {
	return m.Params.Memory
}

// Grads returns the flat gradient memory, laid out like Weights.
func (m *BertForPreTraining) Grads() []float32 {
	if m.Gradients.Memory == nil {
		m.Gradients.Init(m.Config)
	}
	return m.Gradients.Memory
}

func (m *BertForPreTraining) ensureActivations(B, T int) {
	if m.Activations.Memory != nil && B <= m.allocB && T == m.allocT {
		return
	}
	m.Activations.Init(m.Config, B, T)
	m.GradientActivations = ActivationTensors{}
	m.allocB, m.allocT = B, T
}

func (m *BertForPreTraining) validate(batch *data.Batch) error {
	B, T := batch.Size, batch.SeqLen
	cfg := m.Config
	if B <= 0 || T <= 0 {
		return fmt.Errorf("empty batch (%d x %d)", B, T)
	}
	if T > cfg.MaxPositionEmbeddings {
		return fmt.Errorf("sequence length %d exceeds max_position_embeddings %d", T, cfg.MaxPositionEmbeddings)
	}
	if len(batch.InputIDs) != B*T {
		return fmt.Errorf("batch has %d input ids, want %d", len(batch.InputIDs), B*T)
	}
	for i, id := range batch.InputIDs {
		if id < 0 || int(id) >= cfg.VocabSize {
			return fmt.Errorf("%w: input id %d at position %d, vocab size %d", data.ErrVocabOverflow, id, i, cfg.VocabSize)
		}
	}
	if batch.TokenTypeIDs != nil {
		if len(batch.TokenTypeIDs) != B*T {
			return fmt.Errorf("batch has %d token types, want %d", len(batch.TokenTypeIDs), B*T)
		}
		for i, typ := range batch.TokenTypeIDs {
			if typ < 0 || int(typ) >= cfg.TypeVocabSize {
				return fmt.Errorf("token type %d at position %d outside type vocabulary of %d", typ, i, cfg.TypeVocabSize)
			}
		}
	}
	if batch.AttentionMask != nil && len(batch.AttentionMask) != B*T {
		return fmt.Errorf("batch has %d mask entries, want %d", len(batch.AttentionMask), B*T)
	}
	if batch.Labels != nil {
		if len(batch.Labels) != B*T {
			return fmt.Errorf("batch has %d labels, want %d", len(batch.Labels), B*T)
		}
		for i, l := range batch.Labels {
			if l != torch.IgnoreIndex && (l < 0 || int(l) >= cfg.VocabSize) {
				return fmt.Errorf("%w: label %d at position %d, vocab size %d", data.ErrVocabOverflow, l, i, cfg.VocabSize)
			}
		}
	}
	if batch.NextSentenceLabels != nil {
		if len(batch.NextSentenceLabels) != B {
			return fmt.Errorf("batch has %d next sentence labels, want %d", len(batch.NextSentenceLabels), B)
		}
		for i, l := range batch.NextSentenceLabels {
			if l != data.IsNext && l != data.NotNext {
				return fmt.Errorf("next sentence label %d of example %d is not 0 or 1", l, i)
			}
		}
	}
	return nil
}

// layerInput returns the input of encoder layer l in acts.
func (m *BertForPreTraining) layerInput(acts *ActivationTensors, l, B, T int) []float32 {
	BTC := B * T * m.Config.HiddenSize
	if l == 0 {
		return acts.Embedded.data[:BTC]
	}
	return acts.OutLn.data[(l-1)*BTC : l*BTC]
}

// Forward runs the model over batch. Losses are computed for whichever of
// Labels and NextSentenceLabels the batch carries.
func (m *BertForPreTraining) Forward(batch *data.Batch) (Output, error) {
	if err := m.validate(batch); err != nil {
		return Output{}, err
	}
	cfg := m.Config
	B, T := batch.Size, batch.SeqLen
	C, L, NH, V, I := cfg.HiddenSize, cfg.NumHiddenLayers, cfg.NumAttentionHeads, cfg.VocabSize, cfg.IntermediateSize
	eps := float32(cfg.LayerNormEps)
	m.ensureActivations(B, T)
	m.BatchSize, m.SequenceLength = B, T
	m.batch = batch
	p, acts := &m.Params, &m.Activations

	torch.EncoderForward(acts.EmbSum.data, batch.InputIDs, batch.TokenTypeIDs, p.WordEmbed.data, p.PosEmbed.data, p.TypeEmbed.data, B, T, C)
	torch.LayernormForward(acts.Embedded.data, acts.EmbLnMean.data, acts.EmbLnRstd.data, acts.EmbSum.data, p.EmbLnW.data, p.EmbLnB.data, eps, B, T, C)
	for l := 0; l < L; l++ {
		residual := m.layerInput(acts, l, B, T)
		w := p.layer(l, cfg)
		a := acts.layer(l, B, T, cfg)
		torch.MatmulForward(a.qkv, residual, w.qkvw, w.qkvb, B, T, C, 3*C)
		torch.AttentionForward(a.atty, a.preatt, a.att, a.qkv, batch.AttentionMask, B, T, C, NH)
		torch.MatmulForward(a.attout, a.atty, w.attoutw, w.attoutb, B, T, C, C)
		torch.ResidualForward(a.res1, residual, a.attout, B*T*C)
		torch.LayernormForward(a.attln, a.attlnMean, a.attlnRstd, a.res1, w.attlnw, w.attlnb, eps, B, T, C)
		torch.MatmulForward(a.inter, a.attln, w.interw, w.interb, B, T, C, I)
		m.gelu(a.interAct, a.inter, B*T*I)
		torch.MatmulForward(a.out, a.interAct, w.outw, w.outb, B, T, I, C)
		torch.ResidualForward(a.res2, a.attln, a.out, B*T*C)
		torch.LayernormForward(a.outln, a.outlnMean, a.outlnRstd, a.res2, w.outlnw, w.outlnb, eps, B, T, C)
	}
	seq := m.layerInput(acts, L, B, T)

	// masked language modelling head
	torch.MatmulForward(acts.HeadDense.data, seq, p.HeadW.data, p.HeadB.data, B, T, C, C)
	m.gelu(acts.HeadAct.data, acts.HeadDense.data, B*T*C)
	torch.LayernormForward(acts.HeadLn.data, acts.HeadLnMean.data, acts.HeadLnRstd.data, acts.HeadAct.data, p.HeadLnW.data, p.HeadLnB.data, eps, B, T, C)
	torch.MatmulForward(acts.Logits.data, acts.HeadLn.data, p.WordEmbed.data, p.DecoderB.data, B, T, C, V)
	torch.SoftmaxForward(acts.Probs.data, acts.Logits.data, B, T, V)

	// pooler and next sentence head over the first token
	for b := 0; b < B; b++ {
		copy(acts.Cls.data[b*C:(b+1)*C], seq[b*T*C:b*T*C+C])
	}
	torch.MatmulForward(acts.PoolerPre.data, acts.Cls.data, p.PoolerW.data, p.PoolerB.data, B, 1, C, C)
	torch.TanhForward(acts.Pooled.data, acts.PoolerPre.data, B*C)
	torch.MatmulForward(acts.SeqRelLogits.data, acts.Pooled.data, p.SeqRelW.data, p.SeqRelB.data, B, 1, C, 2)
	torch.SoftmaxForward(acts.SeqRelProbs.data, acts.SeqRelLogits.data, B, 1, 2)

	out := Output{
		Loss:                  -1,
		PredictionLogits:      acts.Logits.data[:B*T*V],
		SeqRelationshipLogits: acts.SeqRelLogits.data[:B*2],
		B:                     B,
		T:                     T,
		V:                     V,
	}
	m.hasMLM = batch.Labels != nil
	m.hasNSP = batch.NextSentenceLabels != nil
	m.numMasked = 0
	if m.hasMLM {
		m.numMasked = torch.CrossEntropyForward(acts.Losses.data, acts.Probs.data, batch.Labels, B, T, V)
		if m.numMasked > 0 {
			var sum float32
			for _, l := range acts.Losses.data[:B*T] {
				sum += l
			}
			out.MLMLoss = sum / float32(m.numMasked)
		}
		out.MaskedTokens = m.numMasked
	}
	if m.hasNSP {
		torch.CrossEntropyForward(acts.SeqRelLosses.data, acts.SeqRelProbs.data, batch.NextSentenceLabels, B, 1, 2)
		var sum float32
		for _, l := range acts.SeqRelLosses.data[:B] {
			sum += l
		}
		out.NSPLoss = sum / float32(B)
	}
	if m.hasMLM || m.hasNSP {
		out.Loss = out.MLMLoss + out.NSPLoss
	}
	return out, nil
}

// Backward accumulates the gradient of the last forward loss into
// Gradients.
func (m *BertForPreTraining) Backward() error {
	if m.batch == nil || (!m.hasMLM && !m.hasNSP) {
		return fmt.Errorf("must forward with labels before backward")
	}
	cfg := m.Config
	B, T := m.BatchSize, m.SequenceLength
	C, L, NH, V, I := cfg.HiddenSize, cfg.NumHiddenLayers, cfg.NumAttentionHeads, cfg.VocabSize, cfg.IntermediateSize
	batch := m.batch
	if m.Gradients.Memory == nil {
		m.Gradients.Init(cfg)
	}
	if m.GradientActivations.Memory == nil {
		m.GradientActivations.Init(cfg, m.allocB, m.allocT)
	}
	clear(m.GradientActivations.Memory)
	p, dp := &m.Params, &m.Gradients
	acts, g := &m.Activations, &m.GradientActivations
	seq := m.layerInput(acts, L, B, T)
	dseq := m.layerInput(g, L, B, T)

	if m.hasMLM && m.numMasked > 0 {
		dloss := 1 / float32(m.numMasked)
		for i, l := range batch.Labels {
			if l != torch.IgnoreIndex {
				g.Losses.data[i] = dloss
			}
		}
		torch.CrossentropySoftmaxBackward(g.Logits.data, g.Losses.data, acts.Probs.data, batch.Labels, B, T, V)
		torch.MatmulBackward(g.HeadLn.data, dp.WordEmbed.data, dp.DecoderB.data, g.Logits.data, acts.HeadLn.data, p.WordEmbed.data, B, T, C, V)
		torch.LayernormBackward(g.HeadAct.data, dp.HeadLnW.data, dp.HeadLnB.data, g.HeadLn.data, acts.HeadAct.data, p.HeadLnW.data, acts.HeadLnMean.data, acts.HeadLnRstd.data, B, T, C)
		m.geluBackward(g.HeadDense.data, acts.HeadDense.data, g.HeadAct.data, B*T*C)
		torch.MatmulBackward(dseq, dp.HeadW.data, dp.HeadB.data, g.HeadDense.data, seq, p.HeadW.data, B, T, C, C)
	}
	if m.hasNSP {
		dloss := 1 / float32(B)
		for i := 0; i < B; i++ {
			g.SeqRelLosses.data[i] = dloss
		}
		torch.CrossentropySoftmaxBackward(g.SeqRelLogits.data, g.SeqRelLosses.data, acts.SeqRelProbs.data, batch.NextSentenceLabels, B, 1, 2)
		torch.MatmulBackward(g.Pooled.data, dp.SeqRelW.data, dp.SeqRelB.data, g.SeqRelLogits.data, acts.Pooled.data, p.SeqRelW.data, B, 1, C, 2)
		torch.TanhBackward(g.PoolerPre.data, acts.Pooled.data, g.Pooled.data, B*C)
		torch.MatmulBackward(g.Cls.data, dp.PoolerW.data, dp.PoolerB.data, g.PoolerPre.data, acts.Cls.data, p.PoolerW.data, B, 1, C, C)
		for b := 0; b < B; b++ {
			dcls := g.Cls.data[b*C : (b+1)*C]
			drow := dseq[b*T*C : b*T*C+C]
			for i := range drow {
				drow[i] += dcls[i]
			}
		}
	}

	for l := L - 1; l >= 0; l-- {
		residual := m.layerInput(acts, l, B, T)
		dresidual := m.layerInput(g, l, B, T)
		w, dw := p.layer(l, cfg), dp.layer(l, cfg)
		a, ga := acts.layer(l, B, T, cfg), g.layer(l, B, T, cfg)
		torch.LayernormBackward(ga.res2, dw.outlnw, dw.outlnb, ga.outln, a.res2, w.outlnw, a.outlnMean, a.outlnRstd, B, T, C)
		torch.ResidualBackward(ga.attln, ga.out, ga.res2, B*T*C)
		torch.MatmulBackward(ga.interAct, dw.outw, dw.outb, ga.out, a.interAct, w.outw, B, T, I, C)
		m.geluBackward(ga.inter, a.inter, ga.interAct, B*T*I)
		torch.MatmulBackward(ga.attln, dw.interw, dw.interb, ga.inter, a.attln, w.interw, B, T, C, I)
		torch.LayernormBackward(ga.res1, dw.attlnw, dw.attlnb, ga.attln, a.res1, w.attlnw, a.attlnMean, a.attlnRstd, B, T, C)
		torch.ResidualBackward(dresidual, ga.attout, ga.res1, B*T*C)
		torch.MatmulBackward(ga.atty, dw.attoutw, dw.attoutb, ga.attout, a.atty, w.attoutw, B, T, C, C)
		torch.AttentionBackward(ga.qkv, ga.preatt, ga.att, ga.atty, a.qkv, a.att, batch.AttentionMask, B, T, C, NH)
		torch.MatmulBackward(dresidual, dw.qkvw, dw.qkvb, ga.qkv, residual, w.qkvw, B, T, C, 3*C)
	}

	torch.LayernormBackward(g.EmbSum.data, dp.EmbLnW.data, dp.EmbLnB.data, g.Embedded.data, acts.EmbSum.data, p.EmbLnW.data, acts.EmbLnMean.data, acts.EmbLnRstd.data, B, T, C)
	torch.EncoderBackward(dp.WordEmbed.data, dp.PosEmbed.data, dp.TypeEmbed.data, g.EmbSum.data, batch.InputIDs, batch.TokenTypeIDs, int32(cfg.PadTokenID), B, T, C)
	return nil
}

// ZeroGradient resets the gradients to zero.
func (m *BertForPreTraining) ZeroGradient() {
	clear(m.Gradients.Memory)
	clear(m.GradientActivations.Memory)
}
