// Package data builds the training examples: paired heavy/light records,
// next-sentence-prediction datasets, masked-LM batches and their loaders.
package data

import "errors"

// NoLabel marks an example without a next-sentence label.
const NoLabel int32 = -1

// Next-sentence labels, in the convention of BERT pretraining.
const (
	// IsNext labels a pair whose light chain is the heavy chain's real partner.
	IsNext int32 = 0
	// NotNext labels a pair whose light chain was drawn from another record.
	NotNext int32 = 1
)

// ErrVocabOverflow is returned when an input id does not fit the vocabulary.
var ErrVocabOverflow = errors.New("input id exceeds vocabulary size")

// Example is a single tokenized training example.
type Example struct {
	// InputIDs include the special tokens and no padding.
	InputIDs []int32
	// TokenTypeIDs hold the segment of every position; nil means segment 0.
	TokenTypeIDs []int32
	// NextSentenceLabel is IsNext, NotNext or NoLabel.
	NextSentenceLabel int32
}

// Dataset is an indexable collection of examples.
type Dataset interface {
	Len() int
	Example(i int) Example
}

// Examples is a Dataset backed by a slice.
type Examples []Example

// Len returns the number of examples.
func (e Examples) Len() int { return len(e) }

// Example returns the i-th example.
func (e Examples) Example(i int) Example { return e[i] }
