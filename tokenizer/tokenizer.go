// Package tokenizer maps the symbolic NES-music token language onto dense
// vocabulary ids. Wait tokens carry an integer amount (WT_<n>); amounts not
// present in the vocabulary resolve to the nearest registered bucket.
package tokenizer

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

const (
	PadToken = "<pad>"
	EOSToken = "</s>"

	PadID = 0
	EOSID = 1

	waitPrefix = "WT"

	// A usable vocabulary has more than this many entries.
	minVocabSize = 10
)

type Tokenizer struct {
	indexToToken []string
	tokenToIndex map[string]int

	// registered wait amounts, kept sorted so nearest-bucket ties resolve
	// to the smaller amount deterministically
	waitAmts []int
}

// New builds a tokenizer from raw vocabulary lines. Blank lines,
// duplicates and the reserved entries are dropped from the input;
// <pad> and </s> are prepended at ids 0 and 1.
func New(lines []string) (*Tokenizer, error) {
	seen := make(map[string]bool)
	var tokens []string
	for _, ln := range lines {
		tok := strings.TrimSpace(ln)
		if tok == "" || seen[tok] || tok == PadToken || tok == EOSToken {
			continue
		}
		seen[tok] = true
		tokens = append(tokens, tok)
	}
	if len(tokens) <= minVocabSize {
		return nil, fmt.Errorf("vocab has %d distinct tokens, need more than %d", len(tokens), minVocabSize)
	}

	t := &Tokenizer{
		indexToToken: append([]string{PadToken, EOSToken}, tokens...),
		tokenToIndex: make(map[string]int, len(tokens)+2),
	}
	for i, tok := range t.indexToToken {
		t.tokenToIndex[tok] = i
	}
	for _, tok := range t.indexToToken {
		if amt, ok := parseWaitToken(tok); ok {
			t.waitAmts = append(t.waitAmts, amt)
		}
	}
	sort.Ints(t.waitAmts)
	return t, nil
}

// Load reads a newline-delimited vocabulary file.
func Load(path string) (*Tokenizer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vocab %s: %w", path, err)
	}
	tok, err := New(strings.Split(string(raw), "\n"))
	if err != nil {
		return nil, fmt.Errorf("vocab %s: %w", path, err)
	}
	return tok, nil
}

// Save writes the vocabulary back out, one token per line, preserving ids.
// The reserved entries stay implicit: Load prepends them again.
func (t *Tokenizer) Save(path string) error {
	return os.WriteFile(path, []byte(strings.Join(t.indexToToken[2:], "\n")+"\n"), 0o644)
}

func parseWaitToken(tok string) (int, bool) {
	if !strings.HasPrefix(tok, waitPrefix) {
		return 0, false
	}
	parts := strings.SplitN(tok, "_", 2)
	if len(parts) != 2 {
		return 0, false
	}
	amt, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return amt, true
}

// Lookup returns the id of tok. An out-of-vocabulary wait token resolves to
// the registered bucket with the smallest absolute distance; exact ties go
// to the smaller bucket.
func (t *Tokenizer) Lookup(tok string) (int, error) {
	if id, ok := t.tokenToIndex[tok]; ok {
		return id, nil
	}
	amt, ok := parseWaitToken(tok)
	if !ok {
		return 0, fmt.Errorf("token %q is not in the vocabulary and is not a %s_<n> token", tok, waitPrefix)
	}
	if len(t.waitAmts) == 0 {
		return 0, fmt.Errorf("token %q: vocabulary registers no wait amounts", tok)
	}
	closest := t.waitAmts[0]
	best := abs(amt - closest)
	for _, cand := range t.waitAmts[1:] {
		if d := abs(amt - cand); d < best {
			best = d
			closest = cand
		}
	}
	return t.tokenToIndex[fmt.Sprintf("%s_%d", waitPrefix, closest)], nil
}

// Tokenize splits text on single spaces and looks up every token.
// Sequence length is not validated here; the dataset loader enforces it.
func (t *Tokenizer) Tokenize(text string) ([]int, error) {
	words := strings.Split(text, " ")
	ids := make([]int, len(words))
	for i, w := range words {
		id, err := t.Lookup(w)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// Token returns the token string for an id.
func (t *Tokenizer) Token(id int) string {
	if id < 0 || id >= len(t.indexToToken) {
		return ""
	}
	return t.indexToToken[id]
}

func (t *Tokenizer) Size() int {
	return len(t.indexToToken)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
