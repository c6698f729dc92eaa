package data

import (
	"fmt"
	"math/rand"

	"github.com/conneroisu/abbert/pkg/amino"
	"github.com/conneroisu/abbert/pkg/torch"
	"github.com/gomlx/go-huggingface/tokenizers/api"
)

// Batch is a collated, padded batch ready for the model. Every per-token
// slice is laid out (Size, SeqLen).
type Batch struct {
	Size   int
	SeqLen int
	// InputIDs are the (possibly masked) input ids.
	InputIDs []int32
	// AttentionMask is 1 for real tokens and 0 for padding.
	AttentionMask []int32
	// TokenTypeIDs hold the segment of every position.
	TokenTypeIDs []int32
	// Labels hold the original id at masked positions and torch.IgnoreIndex elsewhere.
	Labels []int32
	// NextSentenceLabels has one entry per example, or is nil when the
	// examples carry no next-sentence label.
	NextSentenceLabels []int32
}

// Row returns the input ids of example i.
func (b *Batch) Row(i int) []int32 {
	return b.InputIDs[i*b.SeqLen : (i+1)*b.SeqLen]
}

// MLMCollator pads examples to a fixed length and applies BERT masking.
type MLMCollator struct {
	vocab       amino.Vocabulary
	seqLen      int
	probability float64
	seed        int64
	rng         *rand.Rand

	pad, mask int32
	regular   []int32
}

// NewMLMCollator returns a collator padding to seqLen that selects each
// maskable token with the given probability. Of the selected tokens 80% are
// replaced by [MASK], 10% by a random regular token and 10% kept.
func NewMLMCollator(vocab amino.Vocabulary, seqLen int, probability float64, seed int64) (*MLMCollator, error) {
	if probability < 0 || probability > 1 {
		return nil, fmt.Errorf("mask probability %v outside [0,1]", probability)
	}
	c := &MLMCollator{
		vocab:       vocab,
		seqLen:      seqLen,
		probability: probability,
		seed:        seed,
		rng:         rand.New(rand.NewSource(seed)),
		pad:         amino.MustSpecial(vocab, api.TokPad),
		mask:        amino.MustSpecial(vocab, api.TokMask),
	}
	for id := int32(0); id < int32(vocab.VocabSize()); id++ {
		if !vocab.IsSpecial(id) {
			c.regular = append(c.regular, id)
		}
	}
	if len(c.regular) == 0 {
		return nil, fmt.Errorf("vocabulary has no regular tokens")
	}
	return c, nil
}

// Reseed restarts the masking stream from the seed the collator was built with.
func (c *MLMCollator) Reseed() {
	c.rng = rand.New(rand.NewSource(c.seed))
}

// Collate builds a batch from examples.
func (c *MLMCollator) Collate(examples []Example) (*Batch, error) {
	B, T := len(examples), c.seqLen
	batch := &Batch{
		Size:          B,
		SeqLen:        T,
		InputIDs:      make([]int32, B*T),
		AttentionMask: make([]int32, B*T),
		TokenTypeIDs:  make([]int32, B*T),
		Labels:        make([]int32, B*T),
	}
	withNSP := false
	for _, ex := range examples {
		if ex.NextSentenceLabel != NoLabel {
			withNSP = true
		}
	}
	if withNSP {
		batch.NextSentenceLabels = make([]int32, B)
	}
	for b, ex := range examples {
		if len(ex.InputIDs) > T {
			return nil, fmt.Errorf("example of %d tokens does not fit sequence length %d", len(ex.InputIDs), T)
		}
		if withNSP {
			if ex.NextSentenceLabel == NoLabel {
				return nil, fmt.Errorf("example %d lacks a next sentence label", b)
			}
			batch.NextSentenceLabels[b] = ex.NextSentenceLabel
		}
		row := b * T
		for t := 0; t < T; t++ {
			batch.Labels[row+t] = torch.IgnoreIndex
			if t >= len(ex.InputIDs) {
				batch.InputIDs[row+t] = c.pad
				continue
			}
			batch.AttentionMask[row+t] = 1
			if ex.TokenTypeIDs != nil {
				batch.TokenTypeIDs[row+t] = ex.TokenTypeIDs[t]
			}
			batch.InputIDs[row+t] = c.maskToken(ex.InputIDs[t], &batch.Labels[row+t])
		}
	}
	return batch, nil
}

// maskToken decides the fate of a single token, recording its label.
func (c *MLMCollator) maskToken(id int32, label *int32) int32 {
	if c.vocab.IsSpecial(id) || c.rng.Float64() >= c.probability {
		return id
	}
	*label = id
	switch r := c.rng.Float64(); {
	case r < 0.8:
		return c.mask
	case r < 0.9:
		return c.regular[c.rng.Intn(len(c.regular))]
	default:
		return id
	}
}
