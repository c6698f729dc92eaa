package data

import "fmt"

// CheckInputIDs verifies that every id of the dataset is below vocabSize.
func CheckInputIDs(ds Dataset, vocabSize int) error {
	for i := 0; i < ds.Len(); i++ {
		for _, id := range ds.Example(i).InputIDs {
			if id < 0 || int(id) >= vocabSize {
				return fmt.Errorf("example %d: id %d (vocabulary size %d): %w", i, id, vocabSize, ErrVocabOverflow)
			}
		}
	}
	return nil
}

// CheckBatch verifies that every input id and label of batch is below vocabSize.
func CheckBatch(batch *Batch, vocabSize int) error {
	for i, id := range batch.InputIDs {
		if id < 0 || int(id) >= vocabSize {
			return fmt.Errorf("position %d: id %d (vocabulary size %d): %w", i, id, vocabSize, ErrVocabOverflow)
		}
	}
	for i, id := range batch.Labels {
		if id >= 0 && int(id) >= vocabSize {
			return fmt.Errorf("label at %d: id %d (vocabulary size %d): %w", i, id, vocabSize, ErrVocabOverflow)
		}
	}
	return nil
}
