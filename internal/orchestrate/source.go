package orchestrate

import (
	"fmt"
	"math/rand"
)

// CalibSource supplies token batches for calibration and for the export
// verification sample.
type CalibSource interface {
	Batches(n, seqLen int) ([][]int, error)
}

// syntheticSource draws uniform token ids from a seeded generator.
// Useful where no corpus is wired in; the sequential quantizer only
// needs representative activations, not meaningful text.
type syntheticSource struct {
	vocab int
	seed  int64
}

// NewSyntheticSource builds a deterministic token source over the given
// vocabulary.
func NewSyntheticSource(vocab int, seed int64) CalibSource {
	return &syntheticSource{vocab: vocab, seed: seed}
}

func (s *syntheticSource) Batches(n, seqLen int) ([][]int, error) {
	if s.vocab <= 0 {
		return nil, fmt.Errorf("orchestrate: synthetic source needs a positive vocabulary size")
	}
	rng := rand.New(rand.NewSource(s.seed))
	out := make([][]int, n)
	for i := range out {
		batch := make([]int, seqLen)
		for j := range batch {
			batch[j] = rng.Intn(s.vocab)
		}
		out[i] = batch
	}
	return out, nil
}
