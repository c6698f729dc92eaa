package amino

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/sourcegraph/conc/pool"
)

// tokenizeChunk is the number of sequences handed to one worker by TokenizeAll.
const tokenizeChunk = 1024

// CharTokenizer maps every character of a sequence to its own id.
//
// The vocabulary is fixed: the five special tokens take ids 0-4 and the
// residues of AminoAcids take ids 5-24.
type CharTokenizer struct {
	ids    [256]int32
	tokens []string
}

var _ Vocabulary = (*CharTokenizer)(nil)

// NewCharTokenizer returns the amino-acid character tokenizer.
func NewCharTokenizer() *CharTokenizer {
	tok := &CharTokenizer{tokens: make([]string, 0, NumSpecial+len(AminoAcids))}
	for i := range tok.ids {
		tok.ids[i] = UnkID
	}
	tok.tokens = append(tok.tokens, SpecialTokens...)
	for i := 0; i < len(AminoAcids); i++ {
		tok.ids[AminoAcids[i]] = int32(NumSpecial + i)
		tok.tokens = append(tok.tokens, AminoAcids[i:i+1])
	}
	return tok
}

// VocabSize returns the number of ids, 25.
func (c *CharTokenizer) VocabSize() int {
	return len(c.tokens)
}

// TokenID returns the id of a residue letter or special token.
func (c *CharTokenizer) TokenID(token string) (int32, bool) {
	for i, special := range SpecialTokens {
		if token == special {
			return int32(i), true
		}
	}
	if len(token) == 1 && c.ids[token[0]] != UnkID {
		return c.ids[token[0]], true
	}
	return UnkID, false
}

// Token returns the token string of id.
func (c *CharTokenizer) Token(id int32) (string, error) {
	if id < 0 || int(id) >= len(c.tokens) {
		return "", fmt.Errorf("id %d outside vocabulary of %d", id, len(c.tokens))
	}
	return c.tokens[id], nil
}

// IsSpecial reports whether id is one of the reserved ids.
func (c *CharTokenizer) IsSpecial(id int32) bool {
	return id >= 0 && id < NumSpecial
}

// EncodeIDs looks every character of seq up, falling back to [UNK].
func (c *CharTokenizer) EncodeIDs(seq string) []int32 {
	out := make([]int32, 0, len(seq))
	for _, r := range seq {
		out = append(out, c.lookup(r))
	}
	return out
}

// lookup returns the id of a single residue character.
func (c *CharTokenizer) lookup(r rune) int32 {
	if r < 0 || int(r) >= len(c.ids) {
		return UnkID
	}
	return c.ids[r]
}

// Encode returns [CLS] + residues + [SEP] without padding.
func (c *CharTokenizer) Encode(text string) []int {
	ids := make([]int32, 0, len(text)+2)
	ids = append(ids, ClsID)
	ids = append(ids, c.EncodeIDs(text)...)
	ids = append(ids, SepID)
	return toInts(ids)
}

// Decode turns ids back into a residue string, dropping [PAD], [CLS] and [SEP].
func (c *CharTokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		switch int32(id) {
		case PadID, ClsID, SepID:
			continue
		}
		tok, err := c.Token(int32(id))
		if err != nil {
			tok = UnkToken
		}
		sb.WriteString(tok)
	}
	return sb.String()
}

// SpecialTokenID returns the id of a special token.
func (c *CharTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	name, err := specialFor(token)
	if err != nil {
		return 0, err
	}
	id, _ := c.TokenID(name)
	return int(id), nil
}

// Tokenize returns exactly maxLen ids: [CLS], one id per residue, [SEP],
// then [PAD] up to maxLen.
//
// Characters beyond maxLen-2 are dropped so the closing [SEP] always fits.
func (c *CharTokenizer) Tokenize(seq string, maxLen int) ([]int32, error) {
	if maxLen < 2 {
		return nil, fmt.Errorf("max length %d cannot hold [CLS] and [SEP]", maxLen)
	}
	out := make([]int32, maxLen)
	out[0] = ClsID
	n := 0
	for _, r := range seq {
		if n == maxLen-2 {
			break
		}
		n++
		out[n] = c.lookup(r)
	}
	out[n+1] = SepID
	// remaining entries are already PadID (0)
	return out, nil
}

// TokenizeAll tokenizes every sequence to maxLen ids, spreading large inputs
// over the available CPUs. The output keeps the input order.
func (c *CharTokenizer) TokenizeAll(seqs []string, maxLen int) ([][]int32, error) {
	out := make([][]int32, len(seqs))
	p := pool.New().WithMaxGoroutines(runtime.GOMAXPROCS(0)).WithErrors()
	for start := 0; start < len(seqs); start += tokenizeChunk {
		end := min(start+tokenizeChunk, len(seqs))
		p.Go(func() error {
			for i := start; i < end; i++ {
				ids, err := c.Tokenize(seqs[i], maxLen)
				if err != nil {
					return fmt.Errorf("sequence %d: %w", i, err)
				}
				out[i] = ids
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
