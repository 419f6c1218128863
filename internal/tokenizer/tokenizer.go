// Package tokenizer is the thin text collaborator for smoke-test
// decoding. It is a byte-level vocabulary: not part of the quantization
// math, just enough to turn prompts into ids and generations back into
// readable text.
package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

const FileName = "tokenizer.json"

// Tokenizer maps bytes to token ids and back.
type Tokenizer struct {
	vocab map[string]int
	inv   map[int]string
}

type tokenizerJSON struct {
	Model struct {
		Type  string         `json:"type"`
		Vocab map[string]int `json:"vocab"`
	} `json:"model"`
}

// NewByteLevel builds the 256-entry byte vocabulary.
func NewByteLevel() *Tokenizer {
	t := &Tokenizer{
		vocab: make(map[string]int, 256),
		inv:   make(map[int]string, 256),
	}
	for b := 0; b < 256; b++ {
		tok := string([]byte{byte(b)})
		t.vocab[tok] = b
		t.inv[b] = tok
	}
	return t
}

// Load reads a tokenizer.json from dir. Unknown keys are ignored.
func Load(dir string) (*Tokenizer, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	var doc tokenizerJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("tokenizer: parse %s: %w", FileName, err)
	}
	if len(doc.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer: empty vocab in %s", FileName)
	}
	t := &Tokenizer{
		vocab: doc.Model.Vocab,
		inv:   make(map[int]string, len(doc.Model.Vocab)),
	}
	for tok, id := range t.vocab {
		t.inv[id] = tok
	}
	return t, nil
}

// Save writes tokenizer.json into dir.
func (t *Tokenizer) Save(dir string) error {
	var doc tokenizerJSON
	doc.Model.Type = "ByteLevel"
	doc.Model.Vocab = t.vocab
	data, err := json.Marshal(&doc)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, FileName), data, 0o644)
}

// Size returns the vocabulary size.
func (t *Tokenizer) Size() int { return len(t.vocab) }

// Encode maps text to token ids. Bytes outside the vocabulary map to 0.
func (t *Tokenizer) Encode(text string) []int {
	ids := make([]int, 0, len(text))
	for i := 0; i < len(text); i++ {
		id, ok := t.vocab[string(text[i])]
		if !ok {
			id = 0
		}
		ids = append(ids, id)
	}
	return ids
}

// Decode maps token ids back to text, skipping unknown ids.
func (t *Tokenizer) Decode(ids []int) string {
	out := make([]byte, 0, len(ids))
	for _, id := range ids {
		if tok, ok := t.inv[id]; ok {
			out = append(out, tok...)
		}
	}
	return string(out)
}
