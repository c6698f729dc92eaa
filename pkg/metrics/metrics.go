// Package metrics scores masked-token predictions.
package metrics

import (
	"fmt"
	"slices"

	"github.com/conneroisu/abbert/pkg/torch"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Result holds accuracy and macro averaged precision, recall and F1.
type Result struct {
	Accuracy  float64
	Precision float64
	Recall    float64
	F1        float64
}

// Fields returns the result keyed the way it is tracked.
func (r Result) Fields() map[string]any {
	return map[string]any{
		"accuracy":  r.Accuracy,
		"precision": r.Precision,
		"recall":    r.Recall,
		"f1":        r.F1,
	}
}

// Compute scores predictions against labels row by row. Positions labelled
// torch.IgnoreIndex are dropped.
func Compute(preds, labels [][]int32) (Result, error) {
	if len(preds) != len(labels) {
		return Result{}, fmt.Errorf("%d prediction rows for %d label rows", len(preds), len(labels))
	}
	var flatPreds, flatLabels []int32
	for i := range labels {
		if len(preds[i]) != len(labels[i]) {
			return Result{}, fmt.Errorf("row %d: %d predictions for %d labels", i, len(preds[i]), len(labels[i]))
		}
		flatPreds = append(flatPreds, preds[i]...)
		flatLabels = append(flatLabels, labels[i]...)
	}
	return ComputeFlat(flatPreds, flatLabels)
}

// ComputeFlat is Compute over flattened predictions and labels.
//
// Precision, recall and F1 are averaged over every class present in the
// kept labels or predictions; a class with an empty denominator scores 0.
func ComputeFlat(preds, labels []int32) (Result, error) {
	if len(preds) != len(labels) {
		return Result{}, fmt.Errorf("%d predictions for %d labels", len(preds), len(labels))
	}
	confusion, classes := Confusion(preds, labels)
	if len(classes) == 0 {
		return Result{}, nil
	}
	k := len(classes)
	total := mat.Sum(confusion)
	var correct float64
	precision := make([]float64, k)
	recall := make([]float64, k)
	f1 := make([]float64, k)
	for c := 0; c < k; c++ {
		tp := confusion.At(c, c)
		correct += tp
		predicted := floats.Sum(mat.Col(nil, c, confusion))
		actual := floats.Sum(mat.Row(nil, c, confusion))
		if predicted > 0 {
			precision[c] = tp / predicted
		}
		if actual > 0 {
			recall[c] = tp / actual
		}
		if precision[c]+recall[c] > 0 {
			f1[c] = 2 * precision[c] * recall[c] / (precision[c] + recall[c])
		}
	}
	n := float64(k)
	return Result{
		Accuracy:  correct / total,
		Precision: floats.Sum(precision) / n,
		Recall:    floats.Sum(recall) / n,
		F1:        floats.Sum(f1) / n,
	}, nil
}

// Confusion counts (label, prediction) pairs over positions not labelled
// torch.IgnoreIndex. Row i and column i of the matrix belong to classes[i];
// rows are true classes. The matrix is nil when nothing is kept.
func Confusion(preds, labels []int32) (*mat.Dense, []int32) {
	var classes []int32
	for i, l := range labels {
		if l == torch.IgnoreIndex {
			continue
		}
		classes = append(classes, l, preds[i])
	}
	if len(classes) == 0 {
		return nil, nil
	}
	slices.Sort(classes)
	classes = slices.Compact(classes)
	index := make(map[int32]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	confusion := mat.NewDense(len(classes), len(classes), nil)
	for i, l := range labels {
		if l == torch.IgnoreIndex {
			continue
		}
		r, c := index[l], index[preds[i]]
		confusion.Set(r, c, confusion.At(r, c)+1)
	}
	return confusion, classes
}

// NSPAccuracy returns the fraction of next sentence predictions matching
// their labels, or 0 for no examples.
func NSPAccuracy(preds, labels []int32) (float64, error) {
	if len(preds) != len(labels) {
		return 0, fmt.Errorf("%d predictions for %d labels", len(preds), len(labels))
	}
	if len(labels) == 0 {
		return 0, nil
	}
	var correct int
	for i := range labels {
		if preds[i] == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels)), nil
}
