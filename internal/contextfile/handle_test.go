package contextfile

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func writeFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "context.txt")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func openText(t *testing.T, content string) *Handle {
	t.Helper()
	h, err := Open(writeFile(t, []byte(content)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.txt"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpen_Directory(t *testing.T) {
	_, err := Open(t.TempDir())
	if !errors.Is(err, ErrNotRegular) {
		t.Fatalf("expected ErrNotRegular, got %v", err)
	}
}

func TestOpen_FIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipe")
	if err := unix.Mkfifo(path, 0o600); err != nil {
		t.Skipf("mkfifo unavailable: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := Open(path)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrNotRegular) {
			t.Fatalf("expected ErrNotRegular, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Open blocked on a FIFO with no writer")
	}
}

func TestOpen_KernelPseudoFiles(t *testing.T) {
	for _, path := range []string{"/proc/self/environ", "/proc/self/status", "/sys/kernel/hostname"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		h, err := Open(path)
		if err == nil {
			h.Close()
			t.Errorf("Open(%s) succeeded, want rejection", path)
			continue
		}
		if !errors.Is(err, ErrNotRegular) {
			t.Errorf("Open(%s) = %v, want ErrNotRegular", path, err)
		}
	}
}

func TestOpen_SymlinkIntoProc(t *testing.T) {
	if _, err := os.Stat("/proc/self/environ"); err != nil {
		t.Skip("no procfs")
	}
	link := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.Symlink("/proc/self/environ", link); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if _, err := Open(link); !errors.Is(err, ErrNotRegular) {
		t.Fatalf("expected ErrNotRegular through symlink, got %v", err)
	}
}

func TestOpen_EmptyFile(t *testing.T) {
	h, err := Open(writeFile(t, nil))
	if err != nil {
		t.Fatalf("an empty regular file is valid context: %v", err)
	}
	defer h.Close()
	if h.Size() != 0 {
		t.Errorf("size = %d", h.Size())
	}
}

func TestOpen_NullByteInHeader(t *testing.T) {
	for _, pos := range []int{0, 100, 8191} {
		content := []byte(strings.Repeat("a", 9000))
		content[pos] = 0
		_, err := Open(writeFile(t, content))
		if !errors.Is(err, ErrBinary) {
			t.Errorf("null at %d: expected ErrBinary, got %v", pos, err)
		}
	}
}

func TestOpen_ControlCharDensity(t *testing.T) {
	// 10% control characters.
	var b strings.Builder
	for i := 0; i < 1000; i++ {
		if i%10 == 0 {
			b.WriteByte(0x01)
		} else {
			b.WriteByte('x')
		}
	}
	_, err := Open(writeFile(t, []byte(b.String())))
	if !errors.Is(err, ErrBinary) {
		t.Fatalf("expected ErrBinary, got %v", err)
	}
}

func TestOpen_TextSizes(t *testing.T) {
	for _, n := range []int{0, 1, 8192, 100_000} {
		content := strings.Repeat("line of text\n", n/13+1)[:n]
		h := openText(t, content)
		if h.Size() != int64(n) {
			t.Errorf("size = %d, want %d", h.Size(), n)
		}
	}
}

func TestRead_ClampsAndDecodes(t *testing.T) {
	h := openText(t, "hello world")

	tests := []struct {
		start, length int64
		want          string
	}{
		{0, 5, "hello"},
		{6, 100, "world"},
		{-3, 5, "hello"},
		{11, 5, ""},
		{50, 5, ""},
		{0, 0, ""},
		{2, math.MaxInt64, "llo world"},
		{math.MaxInt64, math.MaxInt64, ""},
	}
	for _, tt := range tests {
		got, err := h.Read(tt.start, tt.length)
		if err != nil {
			t.Fatalf("Read(%d,%d): %v", tt.start, tt.length, err)
		}
		if got != tt.want {
			t.Errorf("Read(%d,%d) = %q, want %q", tt.start, tt.length, got, tt.want)
		}
	}
}

func TestRead_EmbeddedBinaryAfterHeader(t *testing.T) {
	content := []byte(strings.Repeat("t", 10_000))
	content[9_500] = 0
	h, err := Open(writeFile(t, content))
	if err != nil {
		t.Fatalf("header is text, Open should succeed: %v", err)
	}
	defer h.Close()

	if _, err := h.Read(9_000, 1_000); !errors.Is(err, ErrBinary) {
		t.Fatalf("expected ErrBinary on read, got %v", err)
	}
	if _, err := h.Read(0, 100); err != nil {
		t.Fatalf("clean range should read: %v", err)
	}
}

func TestReadWindow_Bounds(t *testing.T) {
	content := strings.Repeat("0123456789", 100) // 1000 bytes
	h := openText(t, content)

	for _, tc := range []struct{ offset, radius int64 }{
		{0, 50}, {10, 50}, {500, 50}, {990, 50}, {1000, 50}, {2000, 10}, {500, 0},
	} {
		got, err := h.ReadWindow(tc.offset, tc.radius)
		if err != nil {
			t.Fatalf("ReadWindow(%d,%d): %v", tc.offset, tc.radius, err)
		}
		start := max(0, tc.offset-tc.radius)
		remaining := max(0, int64(len(content))-start)
		wantLen := min(2*tc.radius, remaining)
		if int64(len(got)) != wantLen {
			t.Errorf("ReadWindow(%d,%d) len = %d, want %d", tc.offset, tc.radius, len(got), wantLen)
		}
		if wantLen > 0 && got != content[start:start+wantLen] {
			t.Errorf("ReadWindow(%d,%d) returned wrong bytes", tc.offset, tc.radius)
		}
	}
}

func TestReadWindow_HugeRadius(t *testing.T) {
	content := strings.Repeat("0123456789", 10)
	h := openText(t, content)

	for _, tc := range []struct{ offset, radius int64 }{
		{5, math.MaxInt64/2 + 1},
		{5, math.MaxInt64},
		{math.MinInt64, 10},
		{math.MaxInt64, math.MaxInt64},
	} {
		got, err := h.ReadWindow(tc.offset, tc.radius)
		if err != nil {
			t.Fatalf("ReadWindow(%d,%d): %v", tc.offset, tc.radius, err)
		}
		want := content
		if tc.radius == 10 {
			want = content[:20]
		}
		if tc.offset == math.MaxInt64 {
			want = content
		}
		if got != want {
			t.Errorf("ReadWindow(%d,%d) = %d bytes, want %d", tc.offset, tc.radius, len(got), len(want))
		}
	}
}

func TestSnippetHeadTail(t *testing.T) {
	h := openText(t, "abcdefghijklmnopqrstuvwxyz")

	if got, _ := h.Snippet(10, 4); got != "ijkl" {
		t.Errorf("Snippet = %q, want ijkl", got)
	}
	if got, _ := h.Head(3); got != "abc" {
		t.Errorf("Head = %q, want abc", got)
	}
	if got, _ := h.Tail(3); got != "xyz" {
		t.Errorf("Tail = %q, want xyz", got)
	}
	if got, _ := h.Tail(100); got != "abcdefghijklmnopqrstuvwxyz" {
		t.Errorf("Tail beyond size = %q", got)
	}
}

func TestSearch(t *testing.T) {
	h := openText(t, "Alpha beta\nGAMMA alpha\ndelta ALPHA\n")

	matches, err := h.Search("alpha", 10, true)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	if matches[0].Offset != 0 || matches[1].Offset != 17 {
		t.Errorf("unexpected offsets: %+v", matches)
	}

	sensitive, _ := h.Search("alpha", 10, false)
	if len(sensitive) != 1 || sensitive[0].Text != "alpha" {
		t.Errorf("case-sensitive search = %+v", sensitive)
	}

	limited, _ := h.Search("alpha", 2, true)
	if len(limited) != 2 {
		t.Errorf("max results not honored: %d", len(limited))
	}
}

func TestSearch_InvalidPattern(t *testing.T) {
	h := openText(t, "text")
	if _, err := h.Search("([", 10, true); !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}
}

func TestSearch_EmptyFile(t *testing.T) {
	h := openText(t, "")
	matches, err := h.Search("x", 10, true)
	if err != nil {
		t.Fatalf("Search on empty file: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected no matches, got %v", matches)
	}
}

func TestLines(t *testing.T) {
	h := openText(t, "one\ntwo\nthree\nfour\n")

	var got []Line
	for line, err := range h.Lines(2) {
		if err != nil {
			t.Fatalf("Lines: %v", err)
		}
		got = append(got, line)
		if line.Number == 3 {
			break
		}
	}
	if len(got) != 2 || got[0] != (Line{2, "two"}) || got[1] != (Line{3, "three"}) {
		t.Errorf("unexpected lines: %+v", got)
	}
}

func TestLines_BinaryLine(t *testing.T) {
	content := []byte(strings.Repeat("text line\n", 1000) + "bad\x00line\n")
	h, err := Open(writeFile(t, content))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	var sawErr error
	for _, err := range h.Lines(1) {
		if err != nil {
			sawErr = err
		}
	}
	if !errors.Is(sawErr, ErrBinary) {
		t.Fatalf("expected ErrBinary from iterator, got %v", sawErr)
	}
}

func TestLines_CRLFAndNoTrailingNewline(t *testing.T) {
	h := openText(t, "alpha\r\n\nomega")

	var got []Line
	for line, err := range h.Lines(1) {
		if err != nil {
			t.Fatalf("Lines: %v", err)
		}
		got = append(got, line)
	}
	want := []Line{{1, "alpha"}, {2, ""}, {3, "omega"}}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestLines_TooLong(t *testing.T) {
	h := openText(t, "short\n"+strings.Repeat("x", maxLineBytes+10)+"\n")

	var lines int
	var sawErr error
	for _, err := range h.Lines(1) {
		if err != nil {
			sawErr = err
			break
		}
		lines++
	}
	if lines != 1 || sawErr == nil {
		t.Fatalf("lines=%d err=%v, want 1 line then an error", lines, sawErr)
	}
}

func TestLines_ConcurrentClose(t *testing.T) {
	h, err := Open(writeFile(t, []byte(strings.Repeat("some context line\n", 50_000))))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var wg sync.WaitGroup
	started := make(chan struct{})
	wg.Go(func() {
		first := true
		for _, err := range h.Lines(1) {
			if first {
				close(started)
				first = false
			}
			if err != nil {
				if !errors.Is(err, ErrClosed) {
					t.Errorf("expected ErrClosed mid-iteration, got %v", err)
				}
				return
			}
		}
	})
	<-started
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()
}

func TestSearchLines_Context(t *testing.T) {
	h := openText(t, "a\nb\nneedle 1\nc\nd\nneedle 2\ne\n")

	matches, err := h.SearchLines("NEEDLE", 10, 1)
	if err != nil {
		t.Fatalf("SearchLines: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	first := matches[0]
	if first.Line.Number != 3 || first.Line.Text != "needle 1" {
		t.Errorf("first match = %+v", first.Line)
	}
	if len(first.Before) != 1 || first.Before[0] != "b" {
		t.Errorf("before = %v, want [b]", first.Before)
	}
	if len(first.After) != 1 || first.After[0] != "c" {
		t.Errorf("after = %v, want [c]", first.After)
	}
	if matches[1].Line.Number != 6 || matches[1].After[0] != "e" {
		t.Errorf("second match = %+v", matches[1])
	}
}

func TestClose_Idempotent(t *testing.T) {
	h, err := Open(writeFile(t, []byte("content")))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := h.Search("content", 1, false); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := h.Read(0, 3); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after Close: expected ErrClosed, got %v", err)
	}
}
