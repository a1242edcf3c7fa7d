// Package extract turns model responses into executable code segments and
// terminal answers. Parsing is structural: only properly fenced code blocks
// found by the markdown AST are returned, never regex-scraped fragments.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ErrMalformedMarkdown is returned when a fenced block is opened but never closed.
var ErrMalformedMarkdown = errors.New("malformed markdown")

// pythonTags are the fence languages accepted as runnable code.
var pythonTags = map[string]bool{
	"":        true,
	"python":  true,
	"py":      true,
	"python3": true,
}

// finalPatterns are tried in order; the first match wins.
var finalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)FINAL\s*\(\s*(.*?)\s*\)`),
	regexp.MustCompile(`(?is)FINAL\s*:\s*(.+?)(?:\n|$)`),
	regexp.MustCompile(`(?is)Final\s+Answer\s*:\s*(.+?)(?:\n|$)`),
}

var parser = goldmark.New().Parser()

// Extract returns the trimmed bodies of every Python fenced code block in
// src, in document order. Blocks tagged with another language are ignored.
func Extract(src string) ([]string, error) {
	source := []byte(src)
	doc := parser.Parse(text.NewReader(source))

	var blocks []string
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fence, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		if !fenceClosed(fence, source) {
			return ast.WalkStop, fmt.Errorf("%w: unterminated code fence", ErrMalformedMarkdown)
		}

		lang := strings.ToLower(string(fence.Language(source)))
		if !pythonTags[lang] {
			return ast.WalkSkipChildren, nil
		}

		var body bytes.Buffer
		lines := fence.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			body.Write(seg.Value(source))
		}
		if code := strings.TrimSpace(body.String()); code != "" {
			blocks = append(blocks, code)
		}
		return ast.WalkSkipChildren, nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// fenceClosed reports whether a closing fence follows the block's content.
// The parser closes an unterminated fence at end of input, so a block whose
// content runs to the end of the document with nothing after it was never
// closed.
func fenceClosed(fence *ast.FencedCodeBlock, source []byte) bool {
	var end int
	switch lines := fence.Lines(); {
	case lines.Len() > 0:
		end = lines.At(lines.Len() - 1).Stop
	case fence.Info != nil:
		end = fence.Info.Segment.Stop
		if nl := bytes.IndexByte(source[end:], '\n'); nl >= 0 {
			end += nl + 1
		} else {
			end = len(source)
		}
	default:
		// Empty fence without an info string: nothing to run either way.
		return true
	}
	if end > len(source) {
		end = len(source)
	}
	return len(bytes.TrimSpace(source[end:])) > 0
}

// FinalAnswer looks for a terminal-answer marker: FINAL(...), FINAL: ...,
// or Final Answer: ... (case-insensitive). It returns the trimmed capture
// of the first marker found; an empty capture is not an answer.
func FinalAnswer(s string) (string, bool) {
	for _, re := range finalPatterns {
		if m := re.FindStringSubmatch(s); m != nil {
			answer := strings.TrimSpace(m[1])
			return answer, answer != ""
		}
	}
	return "", false
}
