package prompt

import "testing"

func TestBuilderOrdering(t *testing.T) {
	b := NewBuilder()
	b.Add(Block{ID: "low", Priority: 1, Content: "low"})
	b.Add(Block{ID: "high", Priority: 10, Content: "high"})
	b.Add(Block{ID: "mid", Priority: 5, Content: "mid"})

	got := b.Build()
	expected := "high\n\nmid\n\nlow"
	if got != expected {
		t.Fatalf("unexpected build: %q", got)
	}
}

func TestBuilderSkipsEmptyBlocks(t *testing.T) {
	b := NewBuilder()
	b.Add(Block{ID: "blank", Priority: 10, Content: "   "})
	b.Add(Block{ID: "real", Priority: 1, Content: "real"})

	if got := b.Build(); got != "real" {
		t.Fatalf("unexpected build: %q", got)
	}
}

func TestBuilderTiesBreakByID(t *testing.T) {
	b := NewBuilder()
	b.Add(Block{ID: "b", Priority: 5, Content: "second"})
	b.Add(Block{ID: "a", Priority: 5, Content: "first"})

	if got := b.Build(); got != "first\n\nsecond" {
		t.Fatalf("unexpected build: %q", got)
	}
}
