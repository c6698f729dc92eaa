package data

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/conneroisu/abbert/pkg/amino"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenMatrix(t *testing.T) {
	rows := [][]int32{{2, 5, 3, 0}, {2, 6, 7, 3}}
	var buf bytes.Buffer
	require.NoError(t, WriteTokenMatrix(&buf, rows))
	assert.Equal(t, 3*Int32ByteLen+8*Int32ByteLen, buf.Len())

	got, err := ReadTokenMatrix(&buf)
	require.NoError(t, err)
	assert.Equal(t, rows, got)

	assert.Error(t, WriteTokenMatrix(&buf, [][]int32{{1, 2}, {3}}))
	_, err = ReadTokenMatrix(bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}))
	assert.Error(t, err)
}

func TestReadTokenMatrixRejectsOversizedHeader(t *testing.T) {
	for _, shape := range [][2]int32{{1 << 30, 1 << 30}, {1 << 29, 0}, {3, 4}} {
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, []int32{matrixMagic, shape[0], shape[1]}))
		// only one row of ids follows the header
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, make([]int32, 4)))
		_, err := ReadTokenMatrix(&buf)
		assert.Error(t, err, "%dx%d", shape[0], shape[1])
	}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, []int32{matrixMagic, 0, 1 << 30}))
	rows, err := ReadTokenMatrix(&buf)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestLightChainDataset(t *testing.T) {
	tok := amino.NewCharTokenizer()
	ds, err := NewLightChainDataset(tok, []string{"DIQ", "EIVLT"}, 6, []int32{IsNext, NotNext})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
	assert.Equal(t, []int32{amino.ClsID, 7, 12, 18, amino.SepID, amino.PadID}, ds.Sequences[0])

	ex := ds.Example(0)
	assert.Equal(t, []int32{amino.ClsID, 7, 12, 18, amino.SepID}, ex.InputIDs)
	assert.Equal(t, IsNext, ex.NextSentenceLabel)
	assert.Len(t, ds.Example(1).InputIDs, 6)

	_, err = NewLightChainDataset(tok, []string{"A"}, 6, []int32{0, 1})
	assert.Error(t, err)

	unlabelled, err := NewLightChainDataset(tok, []string{"A"}, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, NoLabel, unlabelled.Example(0).NextSentenceLabel)
}

func TestCheckInputIDs(t *testing.T) {
	ds := Examples{{InputIDs: []int32{2, 5, 3}}, {InputIDs: []int32{2, 30, 3}}}
	assert.NoError(t, CheckInputIDs(ds[:1], 30))
	err := CheckInputIDs(ds, 30)
	assert.True(t, errors.Is(err, ErrVocabOverflow))

	batch := &Batch{Size: 1, SeqLen: 3, InputIDs: []int32{2, 5, 3}, Labels: []int32{-100, 40, -100}}
	assert.ErrorIs(t, CheckBatch(batch, 30), ErrVocabOverflow)
	batch.Labels[1] = 5
	assert.NoError(t, CheckBatch(batch, 30))
}
