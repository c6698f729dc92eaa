package data

import (
	"fmt"
	"math/rand"
	"runtime"

	"github.com/conneroisu/abbert/pkg/amino"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/sourcegraph/conc/pool"
)

// NSPOptions configures BuildNSPDataset.
type NSPOptions struct {
	// BlockSize is the maximum length of an example including special tokens.
	BlockSize int
	// ShortSeqProb is the probability of targeting a shorter random length.
	ShortSeqProb float64
	// NSPProbability is the probability of pairing a heavy chain with a light
	// chain from another record.
	NSPProbability float64
	// Seed makes the construction deterministic.
	Seed int64
}

// DefaultNSPOptions returns the settings of the original pretraining runs.
func DefaultNSPOptions() NSPOptions {
	return NSPOptions{
		BlockSize:      128,
		ShortSeqProb:   0.1,
		NSPProbability: 0.5,
		Seed:           42,
	}
}

type encodedRecord struct {
	heavy, light []int32
}

// BuildNSPDataset turns paired records into next-sentence-prediction examples
// of the form [CLS] heavy [SEP] light [SEP].
//
// With probability NSPProbability the light chain is replaced by the light
// chain of a different record and the example is labelled NotNext. Pairs
// longer than the target length are truncated from the longer chain, at a
// random end.
func BuildNSPDataset(records []PairedRecord, tok amino.Vocabulary, opts NSPOptions) (Examples, error) {
	maxTokens := opts.BlockSize - 3
	if maxTokens < 2 {
		return nil, fmt.Errorf("block size %d is too small for a pair", opts.BlockSize)
	}
	cls := amino.MustSpecial(tok, api.TokClassification)
	sep := amino.MustSpecial(tok, api.TokEndOfSentence)

	encoded := make([]encodedRecord, len(records))
	p := pool.New().WithMaxGoroutines(runtime.GOMAXPROCS(0)).WithErrors()
	for i := range records {
		p.Go(func() error {
			enc := encodedRecord{
				heavy: tok.EncodeIDs(records[i].Heavy),
				light: tok.EncodeIDs(records[i].Light),
			}
			if len(enc.heavy) == 0 || len(enc.light) == 0 {
				return fmt.Errorf("record %d encodes to an empty chain", i)
			}
			encoded[i] = enc
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	examples := make(Examples, 0, len(records))
	for i, rec := range encoded {
		target := maxTokens
		if rng.Float64() < opts.ShortSeqProb {
			target = 2 + rng.Intn(maxTokens-1)
		}
		a := append([]int32(nil), rec.heavy...)
		label := IsNext
		var b []int32
		if len(encoded) > 1 && rng.Float64() < opts.NSPProbability {
			j := rng.Intn(len(encoded) - 1)
			if j >= i {
				j++
			}
			b = append([]int32(nil), encoded[j].light...)
			label = NotNext
		} else {
			b = append([]int32(nil), rec.light...)
		}
		a, b = truncatePair(a, b, target, rng)

		ids := make([]int32, 0, len(a)+len(b)+3)
		types := make([]int32, 0, cap(ids))
		ids = append(ids, cls)
		ids = append(ids, a...)
		ids = append(ids, sep)
		for range len(a) + 2 {
			types = append(types, 0)
		}
		ids = append(ids, b...)
		ids = append(ids, sep)
		for range len(b) + 1 {
			types = append(types, 1)
		}
		examples = append(examples, Example{
			InputIDs:          ids,
			TokenTypeIDs:      types,
			NextSentenceLabel: label,
		})
	}
	return examples, nil
}

// truncatePair trims the longer of a and b one token at a time, from the
// front or the back at random, until both fit in target tokens. Each side
// keeps at least one token.
func truncatePair(a, b []int32, target int, rng *rand.Rand) ([]int32, []int32) {
	for len(a)+len(b) > target {
		longer := &a
		if len(b) > len(a) {
			longer = &b
		}
		if len(*longer) <= 1 {
			break
		}
		if rng.Float64() < 0.5 {
			*longer = (*longer)[1:]
		} else {
			*longer = (*longer)[:len(*longer)-1]
		}
	}
	return a, b
}
