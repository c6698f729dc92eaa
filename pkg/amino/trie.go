package amino

import "fmt"

// trie is a byte trie over vocabulary tokens used for longest-match lookup.
type trie struct {
	children map[byte]*trie
	data     int32
	end      bool
}

// newTrie creates a trie holding every token of vocab, keyed by its index.
func newTrie(vocab []string) (*trie, error) {
	t := &trie{children: map[byte]*trie{}}
	for i, word := range vocab {
		if err := t.Insert([]byte(word), int32(i)); err != nil {
			return nil, fmt.Errorf("token %d: %w", i, err)
		}
	}
	return t, nil
}

// Insert inserts a word into the trie.
func (t *trie) Insert(word []byte, data int32) error {
	if len(word) == 0 {
		return fmt.Errorf("zero length word not supported")
	}
	cur := t
	for _, c := range word {
		if cur.children[c] == nil {
			cur.children[c] = &trie{children: map[byte]*trie{}}
		}
		cur = cur.children[c]
	}
	cur.end = true
	cur.data = data
	return nil
}

// Tokenize splits input into the longest vocabulary tokens it can find.
//
// A byte that starts no known token is emitted on its own with the unk id.
func (t *trie) Tokenize(input []byte, unk int32) ([][]byte, []int32) {
	cur := t
	token := unk
	endIdx, next := 1, 0
	split, tokens := make([][]byte, 0), make([]int32, 0)
	for len(input) != 0 {
		switch {
		case next == len(input), cur.children[input[next]] == nil:
			split = append(split, input[:endIdx])
			tokens = append(tokens, token)
			input = input[endIdx:]
			token = unk
			cur = t
			next = 0
			endIdx = 1
		default:
			cur = cur.children[input[next]]
			next++
			if cur.end {
				endIdx = next
				token = cur.data
			}
		}
	}
	return split, tokens
}
