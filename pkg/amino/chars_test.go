package amino

import (
	"strings"
	"testing"

	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCharTokenizerVocabulary(t *testing.T) {
	tok := NewCharTokenizer()
	assert.Equal(t, 25, tok.VocabSize())
	for i, aa := range AminoAcids {
		id, ok := tok.TokenID(string(aa))
		require.True(t, ok)
		assert.Equal(t, int32(i+NumSpecial), id)
	}
	for i, special := range SpecialTokens {
		id, ok := tok.TokenID(special)
		require.True(t, ok)
		assert.Equal(t, int32(i), id)
		assert.True(t, tok.IsSpecial(id))
	}
	_, ok := tok.TokenID("B")
	assert.False(t, ok)

	token, err := tok.Token(24)
	require.NoError(t, err)
	assert.Equal(t, "Y", token)
	_, err = tok.Token(25)
	assert.Error(t, err)
}

func TestCharTokenizerTokenize(t *testing.T) {
	tok := NewCharTokenizer()
	ids, err := tok.Tokenize("ACD", 8)
	require.NoError(t, err)
	assert.Equal(t, []int32{ClsID, 5, 6, 7, SepID, PadID, PadID, PadID}, ids)

	ids, err = tok.Tokenize("AXa", 6)
	require.NoError(t, err)
	assert.Equal(t, []int32{ClsID, 5, UnkID, UnkID, SepID, PadID}, ids)

	ids, err = tok.Tokenize("", 3)
	require.NoError(t, err)
	assert.Equal(t, []int32{ClsID, SepID, PadID}, ids)
}

func TestCharTokenizerTruncatesToMaxLen(t *testing.T) {
	tok := NewCharTokenizer()
	ids, err := tok.Tokenize("ACDEFGHIK", 5)
	require.NoError(t, err)
	assert.Len(t, ids, 5)
	assert.Equal(t, []int32{ClsID, 5, 6, 7, SepID}, ids)

	_, err = tok.Tokenize("A", 1)
	assert.Error(t, err)
}

func TestCharTokenizerMultiByteCharacters(t *testing.T) {
	tok := NewCharTokenizer()
	ids, err := tok.Tokenize("Aé", 5)
	require.NoError(t, err)
	assert.Equal(t, []int32{ClsID, 5, UnkID, SepID, PadID}, ids)

	assert.Equal(t, []int32{5, UnkID, UnkID, 6}, tok.EncodeIDs("A€ΩC"))
	assert.Equal(t, []int{int(ClsID), int(UnkID), int(SepID)}, tok.Encode("Ā"))

	// truncation counts characters, not bytes
	ids, err = tok.Tokenize("Aé€C", 4)
	require.NoError(t, err)
	assert.Equal(t, []int32{ClsID, 5, UnkID, SepID}, ids)
}

func TestCharTokenizerTokenizeAllKeepsOrder(t *testing.T) {
	tok := NewCharTokenizer()
	seqs := make([]string, 3*tokenizeChunk+7)
	for i := range seqs {
		seqs[i] = strings.Repeat(string(AminoAcids[i%len(AminoAcids)]), 1+i%5)
	}
	all, err := tok.TokenizeAll(seqs, 10)
	require.NoError(t, err)
	require.Len(t, all, len(seqs))
	for i, seq := range seqs {
		want, err := tok.Tokenize(seq, 10)
		require.NoError(t, err)
		assert.Equal(t, want, all[i], "sequence %d", i)
	}

	_, err = tok.TokenizeAll([]string{"A"}, 1)
	assert.Error(t, err)
}

func TestCharTokenizerRoundTrip(t *testing.T) {
	tok := NewCharTokenizer()
	seq := "DIQMTQSPSSLSASVGDRVTITC"
	ids := tok.Encode(seq)
	assert.Equal(t, int(ClsID), ids[0])
	assert.Equal(t, int(SepID), ids[len(ids)-1])
	assert.Equal(t, seq, tok.Decode(ids))

	padded, err := tok.Tokenize(seq, 40)
	require.NoError(t, err)
	assert.Equal(t, seq, tok.Decode(toInts(padded)))
}

func TestCharTokenizerSpecialTokenID(t *testing.T) {
	tok := NewCharTokenizer()
	for token, want := range map[api.SpecialToken]int32{
		api.TokPad:            PadID,
		api.TokUnknown:        UnkID,
		api.TokClassification: ClsID,
		api.TokEndOfSentence:  SepID,
		api.TokMask:           MaskID,
	} {
		assert.Equal(t, want, MustSpecial(tok, token))
	}
}
