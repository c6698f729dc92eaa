package bert

import (
	"errors"
	"math"
	"testing"

	"github.com/conneroisu/abbert/pkg/data"
	"github.com/conneroisu/abbert/pkg/torch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyConfig() Config {
	cfg := DefaultConfig()
	cfg.VocabSize = 12
	cfg.HiddenSize = 8
	cfg.NumHiddenLayers = 2
	cfg.NumAttentionHeads = 2
	cfg.IntermediateSize = 16
	cfg.MaxPositionEmbeddings = 8
	cfg.InitializerRange = 0.3
	cfg.LayerNormEps = 1e-5
	return cfg
}

// tinyBatch holds two examples of length 6: the second is padded after four
// tokens.
func tinyBatch() *data.Batch {
	const ig = torch.IgnoreIndex
	return &data.Batch{
		Size:               2,
		SeqLen:             6,
		InputIDs:           []int32{2, 5, 4, 3, 7, 3, 2, 8, 3, 3, 0, 0},
		AttentionMask:      []int32{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 0},
		TokenTypeIDs:       []int32{0, 0, 0, 0, 1, 1, 0, 0, 0, 1, 0, 0},
		Labels:             []int32{ig, ig, 9, ig, 7, ig, ig, 10, ig, ig, ig, ig},
		NextSentenceLabels: []int32{data.IsNext, data.NotNext},
	}
}

func newTiny(t *testing.T, act string) *BertForPreTraining {
	t.Helper()
	cfg := tinyConfig()
	cfg.HiddenAct = act
	m, err := New(cfg, 7)
	require.NoError(t, err)
	return m
}

func TestNewInitialisesWeights(t *testing.T) {
	m := newTiny(t, "gelu")
	assert.Equal(t, len(m.Weights()), m.NumParams())
	assert.Len(t, m.Grads(), m.NumParams())
	for _, w := range m.Params.EmbLnW.data {
		assert.Equal(t, float32(1), w)
	}
	C := m.Config.HiddenSize
	for _, w := range m.Params.WordEmbed.data[:C] {
		assert.Zero(t, w)
	}
	nonZero := 0
	for _, w := range m.Params.QKVW.data {
		if w != 0 {
			nonZero++
		}
	}
	assert.Equal(t, len(m.Params.QKVW.data), nonZero)

	other, err := New(m.Config, 7)
	require.NoError(t, err)
	assert.Equal(t, m.Weights(), other.Weights())
}

func TestForwardLosses(t *testing.T) {
	m := newTiny(t, "gelu")
	batch := tinyBatch()
	out, err := m.Forward(batch)
	require.NoError(t, err)
	assert.Equal(t, 3, out.MaskedTokens)
	assert.Greater(t, out.MLMLoss, float32(0))
	assert.Greater(t, out.NSPLoss, float32(0))
	assert.InDelta(t, out.MLMLoss+out.NSPLoss, out.Loss, 1e-6)
	// near-uniform predictions at initialisation
	assert.InDelta(t, math.Log(12), out.MLMLoss, 1.5)
	assert.InDelta(t, math.Log(2), out.NSPLoss, 0.5)
	assert.Len(t, out.Predictions(), 12)
	assert.Len(t, out.NSPPredictions(), 2)

	batch.Labels = nil
	mlmFree, err := m.Forward(batch)
	require.NoError(t, err)
	assert.Zero(t, mlmFree.MaskedTokens)
	assert.InDelta(t, out.NSPLoss, mlmFree.Loss, 1e-6)

	batch.NextSentenceLabels = nil
	unlabelled, err := m.Forward(batch)
	require.NoError(t, err)
	assert.Equal(t, float32(-1), unlabelled.Loss)
	assert.Error(t, m.Backward())
}

func TestForwardIgnoresPaddedTokens(t *testing.T) {
	m := newTiny(t, "gelu_new")
	batch := tinyBatch()
	out, err := m.Forward(batch)
	require.NoError(t, err)
	V := m.Config.VocabSize
	logits := append([]float32(nil), out.PredictionLogits...)
	nsp := append([]float32(nil), out.SeqRelationshipLogits...)

	batch.InputIDs[10], batch.InputIDs[11] = 6, 11
	out, err = m.Forward(batch)
	require.NoError(t, err)
	for p := 0; p < 10; p++ {
		assert.InDeltaSlice(t, logits[p*V:(p+1)*V], out.PredictionLogits[p*V:(p+1)*V], 1e-5, "position %d", p)
	}
	assert.InDeltaSlice(t, nsp, out.SeqRelationshipLogits, 1e-5)
}

func TestForwardRejectsInvalidBatches(t *testing.T) {
	m := newTiny(t, "gelu")
	tests := []struct {
		name   string
		mutate func(b *data.Batch)
	}{
		{"id outside vocabulary", func(b *data.Batch) { b.InputIDs[3] = 12 }},
		{"negative id", func(b *data.Batch) { b.InputIDs[3] = -1 }},
		{"label outside vocabulary", func(b *data.Batch) { b.Labels[2] = 40 }},
		{"token type", func(b *data.Batch) { b.TokenTypeIDs[0] = 2 }},
		{"next sentence label", func(b *data.Batch) { b.NextSentenceLabels[1] = 2 }},
		{"short mask", func(b *data.Batch) { b.AttentionMask = b.AttentionMask[:3] }},
		{"too long", func(b *data.Batch) {
			b.Size, b.SeqLen = 1, 12
			b.NextSentenceLabels = b.NextSentenceLabels[:1]
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := tinyBatch()
			tt.mutate(batch)
			_, err := m.Forward(batch)
			assert.Error(t, err)
		})
	}

	batch := tinyBatch()
	batch.InputIDs[0] = 99
	_, err := m.Forward(batch)
	assert.True(t, errors.Is(err, data.ErrVocabOverflow))
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	for _, act := range []string{"gelu", "gelu_new"} {
		t.Run(act, func(t *testing.T) {
			m := newTiny(t, act)
			batch := tinyBatch()
			_, err := m.Forward(batch)
			require.NoError(t, err)
			require.NoError(t, m.Backward())

			loss := func() float64 {
				out, err := m.Forward(batch)
				require.NoError(t, err)
				return float64(out.Loss)
			}
			p, g := &m.Params, &m.Gradients
			C := m.Config.HiddenSize
			checks := []struct {
				name    string
				w, grad []float32
				idx     []int
			}{
				{"word embedding", p.WordEmbed.data, g.WordEmbed.data, []int{5*C + 1, 9*C + 3, 10*C + 7}},
				{"position embedding", p.PosEmbed.data, g.PosEmbed.data, []int{2, 3*C + 4}},
				{"token type embedding", p.TypeEmbed.data, g.TypeEmbed.data, []int{1, C + 5}},
				{"qkv weight", p.QKVW.data, g.QKVW.data, []int{0, 70, 3*C*C + 100}},
				{"attention output", p.AttOutW.data, g.AttOutW.data, []int{11}},
				{"intermediate weight", p.InterW.data, g.InterW.data, []int{17, 200}},
				{"output layer norm", p.OutLnW.data, g.OutLnW.data, []int{3, C + 2}},
				{"pooler weight", p.PoolerW.data, g.PoolerW.data, []int{9}},
				{"seq relationship bias", p.SeqRelB.data, g.SeqRelB.data, []int{0, 1}},
				{"decoder bias", p.DecoderB.data, g.DecoderB.data, []int{7, 9, 10}},
				{"head layer norm bias", p.HeadLnB.data, g.HeadLnB.data, []int{4}},
			}
			const eps = 1e-2
			for _, c := range checks {
				for _, i := range c.idx {
					orig := c.w[i]
					c.w[i] = orig + eps
					plus := loss()
					c.w[i] = orig - eps
					minus := loss()
					c.w[i] = orig
					numeric := (plus - minus) / (2 * eps)
					assert.InDelta(t, numeric, float64(c.grad[i]), 2e-2+5e-2*math.Abs(numeric), "%s[%d]", c.name, i)
				}
			}
		})
	}
}

func TestBackwardSkipsPaddingEmbedding(t *testing.T) {
	m := newTiny(t, "gelu")
	_, err := m.Forward(tinyBatch())
	require.NoError(t, err)
	require.NoError(t, m.Backward())
	C := m.Config.HiddenSize
	for _, v := range m.Gradients.WordEmbed.data[:C] {
		assert.Zero(t, v)
	}
}

func TestGradientsAccumulateUntilZeroed(t *testing.T) {
	m := newTiny(t, "gelu")
	batch := tinyBatch()
	_, err := m.Forward(batch)
	require.NoError(t, err)
	require.NoError(t, m.Backward())
	once := append([]float32(nil), m.Grads()...)

	_, err = m.Forward(batch)
	require.NoError(t, err)
	require.NoError(t, m.Backward())
	for i := range once {
		assert.InDelta(t, 2*once[i], m.Grads()[i], 1e-4)
	}

	m.ZeroGradient()
	for _, v := range m.Grads() {
		require.Zero(t, v)
	}
}

func TestSmallerBatchReusesActivations(t *testing.T) {
	m := newTiny(t, "gelu")
	batch := tinyBatch()
	_, err := m.Forward(batch)
	require.NoError(t, err)
	memory := &m.Activations.Memory[0]

	single := &data.Batch{
		Size:               1,
		SeqLen:             6,
		InputIDs:           batch.InputIDs[:6],
		AttentionMask:      batch.AttentionMask[:6],
		TokenTypeIDs:       batch.TokenTypeIDs[:6],
		Labels:             batch.Labels[:6],
		NextSentenceLabels: batch.NextSentenceLabels[:1],
	}
	out, err := m.Forward(single)
	require.NoError(t, err)
	assert.Same(t, memory, &m.Activations.Memory[0])
	assert.Equal(t, 2, out.MaskedTokens)
	require.NoError(t, m.Backward())
}
