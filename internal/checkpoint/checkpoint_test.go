package checkpoint

import (
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/aciddelgado/qllm/internal/calibrate"
	"github.com/aciddelgado/qllm/internal/device"
	"github.com/aciddelgado/qllm/internal/logger"
	"github.com/aciddelgado/qllm/internal/modelgraph"
	"github.com/aciddelgado/qllm/internal/tokenizer"
	"github.com/aciddelgado/qllm/pkg/quant"
)

func testModel(t *testing.T) *modelgraph.CausalLM {
	t.Helper()
	m, err := modelgraph.New(modelgraph.Config{
		VocabSize: 32, HiddenSize: 8, IntermediateSize: 16, NumBlocks: 2,
	}, 5)
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	return m
}

func TestSafetensorsRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "weights.safetensors")
	tensors := []Tensor{
		F32Tensor("a.weight", []int{2, 3}, []float32{1, 2, 3, 4, 5, 6}),
		U32Tensor("a.qweight", []int{2, 1}, []uint32{0xDEADBEEF, 7}),
		I32Tensor("a.qzeros", []int{2}, []int32{-3, 8}),
	}
	if err := WriteTensors(path, tensors); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadTensors(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("tensor count: got %d want 3", len(got))
	}
	f, err := got["a.weight"].F32()
	if err != nil {
		t.Fatalf("f32: %v", err)
	}
	if f[0] != 1 || f[5] != 6 {
		t.Fatalf("f32 payload mismatch: %v", f)
	}
	u, err := got["a.qweight"].U32()
	if err != nil {
		t.Fatalf("u32: %v", err)
	}
	if u[0] != 0xDEADBEEF {
		t.Fatalf("u32 payload mismatch: %x", u[0])
	}
	z, err := got["a.qzeros"].I32()
	if err != nil {
		t.Fatalf("i32: %v", err)
	}
	if z[0] != -3 {
		t.Fatalf("i32 payload mismatch: %v", z)
	}
	if _, err := got["a.weight"].U32(); err == nil {
		t.Fatal("dtype mismatch not detected")
	}
}

func TestQuantInfoJSONFlatLayout(t *testing.T) {
	t.Parallel()

	qi := &QuantInfo{
		Method: "rtn",
		Layers: map[string]LayerQuant{
			"blocks.0.attn.q_proj": {WBits: 4, GroupSize: 8},
		},
	}
	data, err := json.Marshal(qi)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// On disk the document is flat: layer entries and method side by side.
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal flat: %v", err)
	}
	if _, ok := flat["method"]; !ok {
		t.Fatal("missing method key")
	}
	if _, ok := flat["blocks.0.attn.q_proj"]; !ok {
		t.Fatal("missing layer key")
	}

	var back QuantInfo
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Method != "rtn" || back.Layers["blocks.0.attn.q_proj"].WBits != 4 {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestQuantInfoToleratesUnknownKeys(t *testing.T) {
	t.Parallel()

	doc := `{"method":"rtn","future_flag":true,"layer.x":{"wbits":3,"groupsize":-1,"extra":"ignored"}}`
	var qi QuantInfo
	if err := json.Unmarshal([]byte(doc), &qi); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if qi.Method != "rtn" {
		t.Fatalf("method: %q", qi.Method)
	}
	if lq := qi.Layers["layer.x"]; lq.WBits != 3 || lq.GroupSize != -1 {
		t.Fatalf("layer record: %+v", lq)
	}
}

func TestSaveLoadPretrained(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := testModel(t)
	tok := tokenizer.NewByteLevel()

	if err := Save(dir, m, tok, nil, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, _, err := LoadPretrained(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Weight-identical models generate identical sequences.
	a, err := modelgraph.GreedyGenerate(m, []int{1, 2, 3}, 4)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := modelgraph.GreedyGenerate(loaded, []int{1, 2, 3}, 4)
	if err != nil {
		t.Fatalf("generate loaded: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("sequence diverged at %d: %v vs %v", i, a, b)
		}
	}
}

func TestSaveLoadQuantized(t *testing.T) {
	t.Parallel()

	quiet := logger.Text(io.Discard, slog.LevelError)
	m := testModel(t)
	strat, _ := calibrate.ForMethod("rtn")
	seq := calibrate.New(quiet, strat, 4, 8)
	params, err := seq.Quantize(m, [][]int{{1, 2, 3}}, device.CPU())
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}

	qi := &QuantInfo{Method: "rtn", Layers: map[string]LayerQuant{}}
	qc := &QuantConfig{ZeroPoint: true, QGroupSize: 8, WBit: 4, Version: "GPTQ"}
	for name, p := range params {
		lin, err := modelgraph.Get(m, name)
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		l := lin.(*modelgraph.Linear)
		pl, err := quant.NewPackedLinear(quant.ModeGPTQ, 4, 8, l.InDim(), l.OutDim(), false)
		if err != nil {
			t.Fatalf("new packed: %v", err)
		}
		if err := pl.Pack(l.W.Data, p); err != nil {
			t.Fatalf("pack: %v", err)
		}
		if err := modelgraph.Replace(m, name, pl); err != nil {
			t.Fatalf("replace: %v", err)
		}
		qi.Layers[name] = LayerQuant{WBits: 4, GroupSize: 8}
	}

	dir := t.TempDir()
	if err := Save(dir, m, tokenizer.NewByteLevel(), qi, qc); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, _, qiBack, qcBack, err := LoadQuantized(dir)
	if err != nil {
		t.Fatalf("load quantized: %v", err)
	}
	if qiBack.Method != "rtn" || qcBack.WBit != 4 {
		t.Fatalf("metadata round trip: %+v %+v", qiBack, qcBack)
	}

	m.Reset()
	want, err := m.ForwardToken(3)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	loaded.Reset()
	got, err := loaded.ForwardToken(3)
	if err != nil {
		t.Fatalf("forward loaded: %v", err)
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-5 {
			t.Fatalf("logit %d: got %f want %f", i, got[i], want[i])
		}
	}

	mod, err := modelgraph.Get(loaded, "blocks.1.mlp.down_proj")
	if err != nil {
		t.Fatalf("get packed: %v", err)
	}
	if _, ok := mod.(*quant.PackedLinear); !ok {
		t.Fatalf("expected packed layer, got %T", mod)
	}
}
