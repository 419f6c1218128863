package modelgraph

import (
	"fmt"
	"math"
	"strconv"

	"github.com/aciddelgado/qllm/internal/tensor"
)

// Config describes the causal LM architecture. Field tags follow the
// usual config.json naming so checkpoints interoperate with the loader.
type Config struct {
	VocabSize        int `json:"vocab_size"`
	HiddenSize       int `json:"hidden_size"`
	IntermediateSize int `json:"intermediate_size"`
	NumBlocks        int `json:"num_hidden_layers"`
}

// Attention is single-head causal self attention over a growing KV cache.
// The projection fields are Module-typed so surgery can swap them for
// packed layers.
type Attention struct {
	QProj, KProj, VProj, OProj Module

	dim    int
	keys   [][]float32
	values [][]float32
}

func NewAttention(dim int) *Attention {
	return &Attention{
		QProj: NewLinear(dim, dim, false),
		KProj: NewLinear(dim, dim, false),
		VProj: NewLinear(dim, dim, false),
		OProj: NewLinear(dim, dim, false),
		dim:   dim,
	}
}

func (a *Attention) NamedChildren() []Child {
	return []Child{
		{"q_proj", a.QProj},
		{"k_proj", a.KProj},
		{"v_proj", a.VProj},
		{"o_proj", a.OProj},
	}
}

func (a *Attention) ReplaceChild(name string, m Module) error {
	switch name {
	case "q_proj":
		a.QProj = m
	case "k_proj":
		a.KProj = m
	case "v_proj":
		a.VProj = m
	case "o_proj":
		a.OProj = m
	default:
		return &NotFoundError{Name: name}
	}
	return nil
}

// Reset clears the KV cache.
func (a *Attention) Reset() {
	a.keys = a.keys[:0]
	a.values = a.values[:0]
}

func (a *Attention) Forward(x []float32) ([]float32, error) {
	q, err := forwardLayer(a.QProj, x)
	if err != nil {
		return nil, err
	}
	k, err := forwardLayer(a.KProj, x)
	if err != nil {
		return nil, err
	}
	v, err := forwardLayer(a.VProj, x)
	if err != nil {
		return nil, err
	}
	a.keys = append(a.keys, k)
	a.values = append(a.values, v)

	scale := float32(1 / math.Sqrt(float64(a.dim)))
	scores := make([]float32, len(a.keys))
	for i, ki := range a.keys {
		scores[i] = tensor.Dot(q, ki) * scale
	}
	tensor.Softmax(scores)

	ctx := make([]float32, a.dim)
	for i, vi := range a.values {
		w := scores[i]
		for j, vv := range vi {
			ctx[j] += w * vv
		}
	}
	return forwardLayer(a.OProj, ctx)
}

// MLP is a two-layer feed-forward block with SiLU activation.
type MLP struct {
	UpProj, DownProj Module
}

func NewMLP(dim, inner int) *MLP {
	return &MLP{
		UpProj:   NewLinear(dim, inner, false),
		DownProj: NewLinear(inner, dim, false),
	}
}

func (m *MLP) NamedChildren() []Child {
	return []Child{
		{"up_proj", m.UpProj},
		{"down_proj", m.DownProj},
	}
}

func (m *MLP) ReplaceChild(name string, mod Module) error {
	switch name {
	case "up_proj":
		m.UpProj = mod
	case "down_proj":
		m.DownProj = mod
	default:
		return &NotFoundError{Name: name}
	}
	return nil
}

func (m *MLP) Forward(x []float32) ([]float32, error) {
	h, err := forwardLayer(m.UpProj, x)
	if err != nil {
		return nil, err
	}
	for i, v := range h {
		h[i] = v / (1 + float32(math.Exp(float64(-v)))) // SiLU
	}
	return forwardLayer(m.DownProj, h)
}

// Block is a pre-norm transformer decoder block.
type Block struct {
	InputNorm *RMSNorm
	Attn      *Attention
	PostNorm  *RMSNorm
	MLP       *MLP
}

func NewBlock(dim, inner int) *Block {
	return &Block{
		InputNorm: NewRMSNorm(dim),
		Attn:      NewAttention(dim),
		PostNorm:  NewRMSNorm(dim),
		MLP:       NewMLP(dim, inner),
	}
}

func (b *Block) NamedChildren() []Child {
	return []Child{
		{"input_norm", b.InputNorm},
		{"attn", b.Attn},
		{"post_norm", b.PostNorm},
		{"mlp", b.MLP},
	}
}

func (b *Block) Forward(x []float32) ([]float32, error) {
	h, err := b.InputNorm.Forward(x)
	if err != nil {
		return nil, err
	}
	h, err = b.Attn.Forward(h)
	if err != nil {
		return nil, err
	}
	res := make([]float32, len(x))
	for i := range x {
		res[i] = x[i] + h[i]
	}
	h, err = b.PostNorm.Forward(res)
	if err != nil {
		return nil, err
	}
	h, err = b.MLP.Forward(h)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i] += h[i]
	}
	return res, nil
}

// BlockList names blocks by decimal index, e.g. "blocks.3".
type BlockList []*Block

func (bl BlockList) NamedChildren() []Child {
	children := make([]Child, len(bl))
	for i, b := range bl {
		children[i] = Child{Name: strconv.Itoa(i), Module: b}
	}
	return children
}

// CausalLM is the decoder-only model the pipeline quantizes. It exposes
// single-token autoregressive inference over per-block KV caches.
type CausalLM struct {
	Cfg    Config
	Embed  *Embedding
	Blocks BlockList
	Norm   *RMSNorm
	LMHead *Linear
}

// New builds a model with deterministic random weights for the given seed.
func New(cfg Config, seed int64) (*CausalLM, error) {
	if cfg.VocabSize <= 0 || cfg.HiddenSize <= 0 || cfg.IntermediateSize <= 0 || cfg.NumBlocks <= 0 {
		return nil, fmt.Errorf("modelgraph: invalid config %+v", cfg)
	}
	m := &CausalLM{
		Cfg:    cfg,
		Embed:  NewEmbedding(cfg.VocabSize, cfg.HiddenSize),
		Norm:   NewRMSNorm(cfg.HiddenSize),
		LMHead: NewLinear(cfg.HiddenSize, cfg.VocabSize, false),
	}
	s := seed
	next := func() int64 { s += 7919; return s }
	tensor.FillRand(&m.Embed.W, next())
	tensor.FillRand(&m.LMHead.W, next())
	for i := 0; i < cfg.NumBlocks; i++ {
		b := NewBlock(cfg.HiddenSize, cfg.IntermediateSize)
		for _, proj := range []*Linear{
			b.Attn.QProj.(*Linear), b.Attn.KProj.(*Linear),
			b.Attn.VProj.(*Linear), b.Attn.OProj.(*Linear),
			b.MLP.UpProj.(*Linear), b.MLP.DownProj.(*Linear),
		} {
			tensor.FillRand(&proj.W, next())
		}
		m.Blocks = append(m.Blocks, b)
	}
	return m, nil
}

func (m *CausalLM) NamedChildren() []Child {
	return []Child{
		{"embed_tokens", m.Embed},
		{"blocks", m.Blocks},
		{"norm", m.Norm},
		{"lm_head", m.LMHead},
	}
}

// Reset clears all KV caches.
func (m *CausalLM) Reset() {
	for _, b := range m.Blocks {
		b.Attn.Reset()
	}
}

// ForwardToken advances the model by one token and returns the logits
// for the next token.
func (m *CausalLM) ForwardToken(id int) ([]float32, error) {
	x, err := m.Embed.Lookup(id)
	if err != nil {
		return nil, err
	}
	for _, b := range m.Blocks {
		x, err = b.Forward(x)
		if err != nil {
			return nil, err
		}
	}
	x, err = m.Norm.Forward(x)
	if err != nil {
		return nil, err
	}
	return m.LMHead.Forward(x)
}

// GreedyGenerate feeds the prompt and extends it with maxNew argmax
// tokens. It returns the full sequence including the prompt.
func GreedyGenerate(m *CausalLM, prompt []int, maxNew int) ([]int, error) {
	if len(prompt) == 0 {
		return nil, fmt.Errorf("modelgraph: empty prompt")
	}
	m.Reset()
	var logits []float32
	var err error
	for _, id := range prompt {
		logits, err = m.ForwardToken(id)
		if err != nil {
			return nil, err
		}
	}
	seq := append([]int(nil), prompt...)
	for i := 0; i < maxNew; i++ {
		next := tensor.Argmax(logits)
		seq = append(seq, next)
		logits, err = m.ForwardToken(next)
		if err != nil {
			return nil, err
		}
	}
	return seq, nil
}
