package extract

import (
	"errors"
	"testing"
)

func TestExtract_SingleBlock(t *testing.T) {
	src := "Let me compute that.\n\n```python\n  print(2 + 2)\n\n```\n"
	blocks, err := Extract(src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0] != "print(2 + 2)" {
		t.Errorf("block = %q, want %q", blocks[0], "print(2 + 2)")
	}
}

func TestExtract_NoBlocks(t *testing.T) {
	blocks, err := Extract("Could you clarify which file you mean?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 0 {
		t.Errorf("expected no blocks, got %v", blocks)
	}
}

func TestExtract_LanguageTags(t *testing.T) {
	src := "```py\na = 1\n```\n\n```bash\nrm -rf /\n```\n\n```\nb = 2\n```\n\n```Python3\nc = 3\n```\n\n```javascript\nconsole.log(1)\n```\n"
	blocks, err := Extract(src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"a = 1", "b = 2", "c = 3"}
	if len(blocks) != len(want) {
		t.Fatalf("blocks = %v, want %v", blocks, want)
	}
	for i := range want {
		if blocks[i] != want[i] {
			t.Errorf("blocks[%d] = %q, want %q", i, blocks[i], want[i])
		}
	}
}

func TestExtract_TildeFenceAndInfoString(t *testing.T) {
	src := "~~~python title=demo\nx = [i for i in range(3)]\nprint(x)\n~~~\n"
	blocks, err := Extract(src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 1 || blocks[0] != "x = [i for i in range(3)]\nprint(x)" {
		t.Errorf("unexpected blocks: %q", blocks)
	}
}

func TestExtract_IndentedCodeIgnored(t *testing.T) {
	src := "Example:\n\n    print('not fenced')\n\nDone."
	blocks, err := Extract(src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 0 {
		t.Errorf("indented code must not be extracted, got %v", blocks)
	}
}

func TestExtract_EmptyBlockSkipped(t *testing.T) {
	blocks, err := Extract("```python\n\n   \n```\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 0 {
		t.Errorf("expected empty block to be skipped, got %v", blocks)
	}
}

func TestExtract_UnterminatedFence(t *testing.T) {
	_, err := Extract("Here you go:\n\n```python\nprint('oops')\n")
	if !errors.Is(err, ErrMalformedMarkdown) {
		t.Fatalf("expected ErrMalformedMarkdown, got %v", err)
	}
}

func TestExtract_UnterminatedEmptyFence(t *testing.T) {
	_, err := Extract("```python")
	if !errors.Is(err, ErrMalformedMarkdown) {
		t.Fatalf("expected ErrMalformedMarkdown, got %v", err)
	}
}

func TestExtract_Deterministic(t *testing.T) {
	src := "```python\nprint(1)\n```\ntext\n```python\nprint(2)\n```"
	first, err := Extract(src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _ := Extract(src)
		if len(again) != len(first) || again[0] != first[0] || again[1] != first[1] {
			t.Fatalf("run %d differs: %v vs %v", i, again, first)
		}
	}
}

func TestFinalAnswer(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{"call style", "done. FINAL(4)", "4", true},
		{"call style spaced", "FINAL(  the answer is 42  )", "the answer is 42", true},
		{"call style multiline", "FINAL(line one\nline two)", "line one\nline two", true},
		{"line style", "FINAL: Paris\nmore text", "Paris", true},
		{"prose style", "After checking,\nFinal Answer: blue whale\n", "blue whale", true},
		{"case insensitive", "final(yes)", "yes", true},
		{"call wins over line", "FINAL: a\nFINAL(b)", "b", true},
		{"none", "I need to run more code.", "", false},
		{"empty call", "FINAL()", "", false},
		{"blank call", "FINAL(   )", "", false},
		{"instruction mentions final()", "Use final() to finish.", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FinalAnswer(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("answer = %q, want %q", got, tt.want)
			}
		})
	}
}
