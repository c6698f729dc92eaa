package data

import (
	"fmt"
	"io"
	"math/rand"
)

// Collator turns a slice of examples into a batch.
type Collator interface {
	Collate(examples []Example) (*Batch, error)
}

// Reseeder is a collator whose random stream can be restarted.
type Reseeder interface {
	Reseed()
}

// Loader is an interface for data loaders.
type Loader interface {
	Next() (*Batch, error)
	Reset()
	Len() int
}

// DataLoader walks a dataset in batches. The last batch of an epoch may be
// smaller than the batch size.
type DataLoader struct {
	dataset   Dataset
	collator  Collator
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	order     []int
	curPos    int
	// NumBatches is the number of batches per epoch.
	NumBatches int
	// ReseedCollator restarts the collator's random stream on every Reset,
	// so each pass yields the same batches.
	ReseedCollator bool
}

var _ Loader = (*DataLoader)(nil)

// NewDataLoader returns a new DataLoader instance. With shuffle set the
// example order is redrawn on every Reset.
func NewDataLoader(dataset Dataset, collator Collator, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	loader := &DataLoader{
		dataset:    dataset,
		collator:   collator,
		batchSize:  batchSize,
		shuffle:    shuffle,
		rng:        rand.New(rand.NewSource(seed)),
		order:      make([]int, dataset.Len()),
		NumBatches: (dataset.Len() + batchSize - 1) / batchSize,
	}
	for i := range loader.order {
		loader.order[i] = i
	}
	loader.Reset()
	return loader, nil
}

// Len returns the number of batches per epoch.
func (loader *DataLoader) Len() int {
	return loader.NumBatches
}

// Reset rewinds the loader to the beginning of the dataset.
func (loader *DataLoader) Reset() {
	loader.curPos = 0
	if r, ok := loader.collator.(Reseeder); ok && loader.ReseedCollator {
		r.Reseed()
	}
	if loader.shuffle {
		loader.rng.Shuffle(len(loader.order), func(i, j int) {
			loader.order[i], loader.order[j] = loader.order[j], loader.order[i]
		})
	}
}

// Next returns the next batch, or io.EOF once the epoch is exhausted.
func (loader *DataLoader) Next() (*Batch, error) {
	if loader.curPos >= len(loader.order) {
		return nil, io.EOF
	}
	end := min(loader.curPos+loader.batchSize, len(loader.order))
	examples := make([]Example, 0, end-loader.curPos)
	for _, idx := range loader.order[loader.curPos:end] {
		examples = append(examples, loader.dataset.Example(idx))
	}
	loader.curPos = end
	return loader.collator.Collate(examples)
}
