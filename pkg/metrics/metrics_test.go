package metrics

import (
	"testing"

	"github.com/conneroisu/abbert/pkg/torch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeMacroAverages(t *testing.T) {
	preds := [][]int32{{1, 2}, {2, 3}}
	labels := [][]int32{{1, 2}, {3, torch.IgnoreIndex}}
	r, err := Compute(preds, labels)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3, r.Accuracy, 1e-9)
	assert.InDelta(t, 0.5, r.Precision, 1e-9)
	assert.InDelta(t, 2.0/3, r.Recall, 1e-9)
	assert.InDelta(t, (1+2.0/3)/3, r.F1, 1e-9)

	fields := r.Fields()
	assert.Equal(t, r.Accuracy, fields["accuracy"])
	assert.Equal(t, r.F1, fields["f1"])
}

func TestComputePerfect(t *testing.T) {
	r, err := ComputeFlat([]int32{5, 6, 7, 9}, []int32{5, 6, 7, torch.IgnoreIndex})
	require.NoError(t, err)
	assert.Equal(t, Result{Accuracy: 1, Precision: 1, Recall: 1, F1: 1}, r)
}

func TestComputeNothingKept(t *testing.T) {
	r, err := ComputeFlat([]int32{1, 2}, []int32{torch.IgnoreIndex, torch.IgnoreIndex})
	require.NoError(t, err)
	assert.Equal(t, Result{}, r)

	r, err = Compute(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{}, r)
}

func TestComputeShapeMismatch(t *testing.T) {
	_, err := Compute([][]int32{{1}}, nil)
	assert.Error(t, err)
	_, err = Compute([][]int32{{1, 2}}, [][]int32{{1}})
	assert.Error(t, err)
	_, err = ComputeFlat([]int32{1}, []int32{1, 2})
	assert.Error(t, err)
}

func TestConfusion(t *testing.T) {
	confusion, classes := Confusion([]int32{4, 4, 8, 0}, []int32{4, 8, 8, torch.IgnoreIndex})
	assert.Equal(t, []int32{4, 8}, classes)
	require.NotNil(t, confusion)
	assert.Equal(t, 1.0, confusion.At(0, 0))
	assert.Equal(t, 1.0, confusion.At(1, 0))
	assert.Equal(t, 1.0, confusion.At(1, 1))
	assert.Equal(t, 0.0, confusion.At(0, 1))
}

func TestNSPAccuracy(t *testing.T) {
	acc, err := NSPAccuracy([]int32{0, 1, 1, 0}, []int32{0, 1, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, acc, 1e-9)

	acc, err = NSPAccuracy(nil, nil)
	require.NoError(t, err)
	assert.Zero(t, acc)

	_, err = NSPAccuracy([]int32{0}, nil)
	assert.Error(t, err)
}
