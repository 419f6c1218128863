package tokenizer

import (
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	tok := NewByteLevel()
	text := "compared with awq, gptq is"
	ids := tok.Encode(text)
	if len(ids) != len(text) {
		t.Fatalf("id count: got %d want %d", len(ids), len(text))
	}
	if got := tok.Decode(ids); got != text {
		t.Fatalf("round trip: got %q want %q", got, text)
	}
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tok := NewByteLevel()
	if err := tok.Save(dir); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Size() != tok.Size() {
		t.Fatalf("vocab size: got %d want %d", loaded.Size(), tok.Size())
	}
	text := "hello"
	if got := loaded.Decode(loaded.Encode(text)); got != text {
		t.Fatalf("round trip after load: got %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for missing tokenizer.json")
	}
}
