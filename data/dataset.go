// Package data loads newline-delimited token sequences into fixed-length
// id examples, caching the tokenized result next to the source file.
package data

import (
	"encoding/gob"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/Fraser-Greenlee/T5-VAE/tokenizer"
)

// Dataset is an immutable list of equal-length token-id sequences.
type Dataset struct {
	Examples [][]int
	SeqLen   int
}

// CachePath names the tokenized cache deterministically from the sequence
// length and the source filename.
func CachePath(filePath string, seqLen int) string {
	dir, name := filepath.Split(filePath)
	return filepath.Join(dir, fmt.Sprintf("nes_seq_size_%d_%s", seqLen, name))
}

// Load returns the cached dataset when present (unless overwrite is set),
// otherwise tokenizes the raw corpus and writes the cache.
func Load(tok *tokenizer.Tokenizer, filePath string, seqLen int, overwriteCache bool) (*Dataset, error) {
	cached := CachePath(filePath, seqLen)
	if !overwriteCache {
		if ds, err := loadCache(cached, seqLen); err == nil {
			return ds, nil
		}
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("can't find corpus %s or cache %s: %w", filePath, cached, err)
	}

	var texts []string
	for _, ln := range strings.Split(string(raw), "\n") {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			texts = append(texts, ln)
		}
	}
	rand.Shuffle(len(texts), func(i, j int) { texts[i], texts[j] = texts[j], texts[i] })

	examples := make([][]int, 0, len(texts))
	for _, txt := range texts {
		ids, err := tok.Tokenize(txt)
		if err != nil {
			return nil, fmt.Errorf("tokenizing corpus line: %w", err)
		}
		if len(ids) != seqLen {
			return nil, fmt.Errorf("corpus line tokenizes to %d ids, every line must be exactly %d", len(ids), seqLen)
		}
		examples = append(examples, ids)
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("corpus %s holds no sequences", filePath)
	}

	ds := &Dataset{Examples: examples, SeqLen: seqLen}
	if err := ds.saveCache(cached); err != nil {
		return nil, err
	}
	return ds, nil
}

func loadCache(path string, seqLen int) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var examples [][]int
	if err := gob.NewDecoder(f).Decode(&examples); err != nil {
		return nil, fmt.Errorf("decoding cache %s: %w", path, err)
	}
	for _, ex := range examples {
		if len(ex) != seqLen {
			return nil, fmt.Errorf("cache %s holds a %d-id sequence, expected %d", path, len(ex), seqLen)
		}
	}
	return &Dataset{Examples: examples, SeqLen: seqLen}, nil
}

func (d *Dataset) saveCache(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing cache %s: %w", path, err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(d.Examples); err != nil {
		return fmt.Errorf("encoding cache %s: %w", path, err)
	}
	return nil
}

func (d *Dataset) Len() int { return len(d.Examples) }

// Loader batches a dataset with a fresh shuffle per epoch, deterministic
// given the seed.
type Loader struct {
	ds        *Dataset
	batchSize int
	seed      int64
}

func NewLoader(ds *Dataset, batchSize int, seed int64) *Loader {
	return &Loader{ds: ds, batchSize: batchSize, seed: seed}
}

// NumBatches is the loader length: full batches plus a trailing partial one.
func (l *Loader) NumBatches() int {
	n := l.ds.Len() / l.batchSize
	if l.ds.Len()%l.batchSize != 0 {
		n++
	}
	return n
}

// Batches returns the epoch's shuffled batches of examples.
func (l *Loader) Batches(epoch int) [][][]int {
	rng := rand.New(rand.NewSource(l.seed + int64(epoch)))
	order := rng.Perm(l.ds.Len())

	batches := make([][][]int, 0, l.NumBatches())
	for start := 0; start < len(order); start += l.batchSize {
		end := start + l.batchSize
		if end > len(order) {
			end = len(order)
		}
		batch := make([][]int, 0, end-start)
		for _, idx := range order[start:end] {
			batch = append(batch, l.ds.Examples[idx])
		}
		batches = append(batches, batch)
	}
	return batches
}
