package amino

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/gomlx/go-huggingface/tokenizers/api"
)

// ProtBertVocab is the vocab.txt shipped with Rostlab/prot_bert_bfd.
var ProtBertVocab = []string{
	PadToken, UnkToken, ClsToken, SepToken, MaskToken,
	"L", "A", "G", "V", "E", "S", "I", "K", "R", "D", "T", "P", "N",
	"Q", "F", "Y", "M", "H", "C", "W", "X", "U", "B", "Z", "O",
}

// wordPattern splits text into bracketed special tokens and runs of
// non-space characters.
var wordPattern = regexp2.MustCompile(`\[[A-Z]+\]|[^\s\[]+|\[`, regexp2.None)

// VocabTokenizer is a whole-token vocabulary tokenizer in the format of a
// BERT vocab.txt: one token per line, the id is the line number.
//
// Text is split on whitespace; runs that are not a single vocabulary token
// are split by longest match, so "QVQL" and "Q V Q L" encode alike.
type VocabTokenizer struct {
	tokens  []string
	ids     map[string]int32
	trie    *trie
	unk     int32
	special map[int32]bool
}

var _ Vocabulary = (*VocabTokenizer)(nil)

// NewVocabTokenizer builds a tokenizer from tokens in id order.
func NewVocabTokenizer(tokens []string) (*VocabTokenizer, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	t, err := newTrie(tokens)
	if err != nil {
		return nil, err
	}
	tok := &VocabTokenizer{
		tokens:  append([]string(nil), tokens...),
		ids:     make(map[string]int32, len(tokens)),
		trie:    t,
		special: map[int32]bool{},
	}
	for i, token := range tokens {
		if _, dup := tok.ids[token]; dup {
			return nil, fmt.Errorf("duplicate token %q at line %d", token, i+1)
		}
		tok.ids[token] = int32(i)
	}
	for _, special := range SpecialTokens {
		id, ok := tok.ids[special]
		if !ok {
			return nil, fmt.Errorf("vocabulary lacks special token %s", special)
		}
		tok.special[id] = true
	}
	tok.unk = tok.ids[UnkToken]
	return tok, nil
}

// LoadVocabTokenizer reads a vocab.txt file.
func LoadVocabTokenizer(path string) (*VocabTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary: %w", err)
	}
	defer f.Close()
	var tokens []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tokens = append(tokens, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocabulary %s: %w", path, err)
	}
	tok, err := NewVocabTokenizer(tokens)
	if err != nil {
		return nil, fmt.Errorf("invalid vocabulary %s: %w", path, err)
	}
	return tok, nil
}

// VocabSize is the number of tokens.
func (v *VocabTokenizer) VocabSize() int {
	return len(v.tokens)
}

// TokenID returns the id of token.
func (v *VocabTokenizer) TokenID(token string) (int32, bool) {
	id, ok := v.ids[token]
	return id, ok
}

// IsSpecial reports whether id is one of the bracketed special tokens.
func (v *VocabTokenizer) IsSpecial(id int32) bool {
	return v.special[id]
}

// EncodeIDs maps text to ids without adding [CLS] or [SEP].
func (v *VocabTokenizer) EncodeIDs(text string) []int32 {
	var out []int32
	m, _ := wordPattern.FindStringMatch(text)
	for m != nil {
		word := m.String()
		if id, ok := v.ids[word]; ok {
			out = append(out, id)
		} else {
			_, ids := v.trie.Tokenize([]byte(word), v.unk)
			out = append(out, ids...)
		}
		m, _ = wordPattern.FindNextMatch(m)
	}
	return out
}

// Encode returns [CLS] + tokens + [SEP].
func (v *VocabTokenizer) Encode(text string) []int {
	ids := v.EncodeIDs(text)
	out := make([]int32, 0, len(ids)+2)
	out = append(out, v.ids[ClsToken])
	out = append(out, ids...)
	out = append(out, v.ids[SepToken])
	return toInts(out)
}

// Decode joins tokens with single spaces, the layout the paired datasets use.
// [PAD] tokens are dropped.
func (v *VocabTokenizer) Decode(ids []int) string {
	pad := v.ids[PadToken]
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if int32(id) == pad {
			continue
		}
		if id < 0 || id >= len(v.tokens) {
			parts = append(parts, UnkToken)
			continue
		}
		parts = append(parts, v.tokens[id])
	}
	return strings.Join(parts, " ")
}

// SpecialTokenID returns the id of a special token.
func (v *VocabTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	name, err := specialFor(token)
	if err != nil {
		return 0, err
	}
	id, ok := v.ids[name]
	if !ok {
		return 0, fmt.Errorf("special token %s not in vocabulary", name)
	}
	return int(id), nil
}

// Save writes vocab.txt, tokenizer_config.json and special_tokens_map.json
// into dir, which must exist.
func (v *VocabTokenizer) Save(dir string) error {
	vocab := strings.Join(v.tokens, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "vocab.txt"), []byte(vocab), 0o644); err != nil {
		return fmt.Errorf("failed to write vocabulary: %w", err)
	}
	specials := map[string]string{
		"pad_token":  PadToken,
		"unk_token":  UnkToken,
		"cls_token":  ClsToken,
		"sep_token":  SepToken,
		"mask_token": MaskToken,
	}
	config := map[string]any{
		"tokenizer_class": "BertTokenizer",
		"do_lower_case":   false,
	}
	for k, s := range specials {
		config[k] = s
	}
	for name, value := range map[string]any{
		"special_tokens_map.json": specials,
		"tokenizer_config.json":   config,
	} {
		data, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}
