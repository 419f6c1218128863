package modelgraph

import (
	"errors"
	"reflect"
	"sort"
	"testing"
)

func testModel(t *testing.T) *CausalLM {
	t.Helper()
	m, err := New(Config{VocabSize: 16, HiddenSize: 8, IntermediateSize: 12, NumBlocks: 2}, 3)
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	return m
}

func TestFindLayersLinearOnly(t *testing.T) {
	t.Parallel()

	m := testModel(t)
	found := FindLayers(m, IsLinear)

	// 6 projections per block plus lm_head; the embedding must not match.
	want := []string{
		"blocks.0.attn.q_proj", "blocks.0.attn.k_proj", "blocks.0.attn.v_proj", "blocks.0.attn.o_proj",
		"blocks.0.mlp.up_proj", "blocks.0.mlp.down_proj",
		"blocks.1.attn.q_proj", "blocks.1.attn.k_proj", "blocks.1.attn.v_proj", "blocks.1.attn.o_proj",
		"blocks.1.mlp.up_proj", "blocks.1.mlp.down_proj",
		"lm_head",
	}
	sort.Strings(want)
	got := make([]string, 0, len(found))
	for name := range found {
		got = append(got, name)
	}
	sort.Strings(got)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("found layers mismatch:\n got %v\nwant %v", got, want)
	}
	if _, ok := found["embed_tokens"]; ok {
		t.Fatal("embedding matched the linear selector")
	}

	// Idempotent: a second traversal yields the identical set.
	again := FindLayers(m, IsLinear)
	if len(again) != len(found) {
		t.Fatalf("second traversal found %d layers, want %d", len(again), len(found))
	}
	for name := range found {
		if _, ok := again[name]; !ok {
			t.Fatalf("second traversal missing %s", name)
		}
	}
}

func TestFindLayersEmptyMatch(t *testing.T) {
	t.Parallel()

	m := testModel(t)
	found := FindLayers(m, func(Module) bool { return false })
	if len(found) != 0 {
		t.Fatalf("expected empty map, got %d entries", len(found))
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	m := testModel(t)
	_, err := Get(m, "blocks.9.attn.q_proj")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestReplaceEnforcesShape(t *testing.T) {
	t.Parallel()

	m := testModel(t)

	// Same-shape replacement succeeds and is visible via Get.
	repl := NewLinear(8, 8, false)
	if err := Replace(m, "blocks.0.attn.q_proj", repl); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := Get(m, "blocks.0.attn.q_proj")
	if err != nil {
		t.Fatalf("get after replace: %v", err)
	}
	if got != Module(repl) {
		t.Fatal("replacement not installed in graph")
	}

	// Mismatched shape is rejected.
	bad := NewLinear(4, 8, false)
	if err := Replace(m, "blocks.0.attn.k_proj", bad); err == nil {
		t.Fatal("expected shape mismatch error")
	}

	// Unknown name is a NotFoundError.
	var nf *NotFoundError
	if err := Replace(m, "blocks.0.attn.zz_proj", repl); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestForwardTokenDeterministic(t *testing.T) {
	t.Parallel()

	a := testModel(t)
	b := testModel(t)

	seq, err := GreedyGenerate(a, []int{1, 2, 3}, 5)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	seq2, err := GreedyGenerate(b, []int{1, 2, 3}, 5)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !reflect.DeepEqual(seq, seq2) {
		t.Fatalf("generation not deterministic: %v vs %v", seq, seq2)
	}
	if len(seq) != 8 {
		t.Fatalf("sequence length: got %d want 8", len(seq))
	}
}

func TestCaptureHookSeesInputs(t *testing.T) {
	t.Parallel()

	m := testModel(t)
	q := m.Blocks[0].Attn.QProj.(*Linear)
	var captured [][]float32
	q.SetCapture(func(x []float32) { captured = append(captured, x) })

	if _, err := m.ForwardToken(1); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(captured) != 1 {
		t.Fatalf("capture count: got %d want 1", len(captured))
	}
	if len(captured[0]) != 8 {
		t.Fatalf("captured width: got %d want 8", len(captured[0]))
	}

	q.SetCapture(nil)
	if _, err := m.ForwardToken(2); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(captured) != 1 {
		t.Fatal("capture hook fired after removal")
	}
}
