package data

import (
	"fmt"

	"github.com/conneroisu/abbert/pkg/amino"
)

// LightChainDataset holds fixed-length tokenized light chains and optional
// per-sequence labels.
type LightChainDataset struct {
	Sequences [][]int32
	Labels    []int32
}

// NewLightChainDataset tokenizes seqs to maxLen ids each.
func NewLightChainDataset(tok *amino.CharTokenizer, seqs []string, maxLen int, labels []int32) (*LightChainDataset, error) {
	if labels != nil && len(labels) != len(seqs) {
		return nil, fmt.Errorf("%d labels for %d sequences", len(labels), len(seqs))
	}
	ids, err := tok.TokenizeAll(seqs, maxLen)
	if err != nil {
		return nil, err
	}
	return &LightChainDataset{Sequences: ids, Labels: labels}, nil
}

// Len returns the number of sequences.
func (d *LightChainDataset) Len() int {
	return len(d.Sequences)
}

// Example returns sequence i. Its padding is stripped so that collators can
// apply their own; the label, if any, becomes the next-sentence label slot.
func (d *LightChainDataset) Example(i int) Example {
	ids := d.Sequences[i]
	end := len(ids)
	for end > 0 && ids[end-1] == amino.PadID {
		end--
	}
	ex := Example{InputIDs: ids[:end], NextSentenceLabel: NoLabel}
	if d.Labels != nil {
		ex.NextSentenceLabel = d.Labels[i]
	}
	return ex
}
