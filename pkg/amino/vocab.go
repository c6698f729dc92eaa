// Package amino tokenizes amino-acid sequences.
//
// Two tokenizers share the same special tokens: CharTokenizer, the fixed
// 25 id vocabulary used for standalone light chains, and VocabTokenizer,
// which reads a hub vocab.txt such as the one published with ProtBERT.
package amino

import (
	"fmt"

	"github.com/gomlx/go-huggingface/tokenizers/api"
)

// AminoAcids are the 20 canonical residues in vocabulary order.
const AminoAcids = "ACDEFGHIKLMNPQRSTVWY"

// Special tokens.
const (
	PadToken  = "[PAD]"
	UnkToken  = "[UNK]"
	ClsToken  = "[CLS]"
	SepToken  = "[SEP]"
	MaskToken = "[MASK]"
)

// Ids of the special tokens in the character vocabulary.
const (
	PadID int32 = iota
	UnkID
	ClsID
	SepID
	MaskID

	// NumSpecial is the number of reserved ids in front of the residues.
	NumSpecial = 5
)

// SpecialTokens lists the special tokens in id order.
var SpecialTokens = []string{PadToken, UnkToken, ClsToken, SepToken, MaskToken}

// Vocabulary is implemented by every tokenizer in this package.
type Vocabulary interface {
	api.Tokenizer
	// EncodeIDs maps text to ids without adding special tokens.
	EncodeIDs(text string) []int32
	// TokenID returns the id of a token, or false if it is not in the vocabulary.
	TokenID(token string) (int32, bool)
	// VocabSize is the number of ids.
	VocabSize() int
	// IsSpecial reports whether id belongs to a special token.
	IsSpecial(id int32) bool
}

// specialFor maps the hub tokenizer enum onto our token strings.
func specialFor(token api.SpecialToken) (string, error) {
	switch token {
	case api.TokPad:
		return PadToken, nil
	case api.TokUnknown:
		return UnkToken, nil
	case api.TokClassification, api.TokBeginningOfSentence:
		return ClsToken, nil
	case api.TokEndOfSentence:
		return SepToken, nil
	case api.TokMask:
		return MaskToken, nil
	default:
		return "", fmt.Errorf("unsupported special token %d", token)
	}
}

// MustSpecial returns the id of a special token, panicking if v does not define it.
func MustSpecial(v Vocabulary, token api.SpecialToken) int32 {
	id, err := v.SpecialTokenID(token)
	if err != nil {
		panic(err)
	}
	return int32(id)
}

func toInts(ids []int32) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
