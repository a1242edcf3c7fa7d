package contextfile

import (
	"bytes"
	"fmt"
	"iter"
	"runtime/debug"
	"strings"
)

// maxLineBytes bounds a single line; longer lines end the iteration with an error.
const maxLineBytes = 1 << 20

// Line is one line of the context file. Number is 1-based.
type Line struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// LineMatch is a line-oriented search hit with surrounding context.
type LineMatch struct {
	Line   Line     `json:"line"`
	Before []string `json:"before,omitempty"`
	After  []string `json:"after,omitempty"`
}

// Lines streams the file line by line starting at startLine (1-based).
// Iteration stops after yielding a non-nil error. Each line is copied out of
// the mapping under the read lock, so a concurrent Close ends the iteration
// with ErrClosed.
func (h *Handle) Lines(startLine int) iter.Seq2[Line, error] {
	return func(yield func(Line, error) bool) {
		var pos int64
		for no := 1; pos < h.size; no++ {
			raw, next, err := h.line(pos, no >= startLine)
			if err != nil {
				yield(Line{}, err)
				return
			}
			pos = next
			if no < startLine {
				continue
			}
			if bytes.IndexByte(raw, 0) >= 0 {
				yield(Line{}, fmt.Errorf("%w: null byte on line %d", ErrBinary, no))
				return
			}
			if !yield(Line{Number: no, Text: strings.ToValidUTF8(string(raw), "�")}, nil) {
				return
			}
		}
	}
}

// line returns the line beginning at pos without its terminator, and the
// offset of the following line. The text is only copied when keep is set.
func (h *Handle) line(pos int64, keep bool) ([]byte, int64, error) {
	data, release, err := h.view()
	if err != nil {
		return nil, 0, err
	}
	defer release()
	return nextLine(data, pos, keep)
}

func nextLine(data []byte, pos int64, keep bool) (out []byte, next int64, err error) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("page fault scanning context file at offset %d: %v", pos, r)
		}
	}()

	rest := data[pos:]
	i := bytes.IndexByte(rest[:min(len(rest), maxLineBytes+1)], '\n')
	switch {
	case i >= 0:
		next = pos + int64(i) + 1
	case len(rest) > maxLineBytes:
		return nil, 0, fmt.Errorf("scanning context file: line at offset %d exceeds %d bytes", pos, maxLineBytes)
	default:
		i = len(rest)
		next = int64(len(data))
	}
	if keep {
		out = bytes.Clone(bytes.TrimSuffix(rest[:i], []byte{'\r'}))
	}
	return out, next, nil
}

// SearchLines returns up to maxResults lines matching pattern
// (case-insensitive), each with contextLines lines before and after.
func (h *Handle) SearchLines(pattern string, maxResults, contextLines int) ([]LineMatch, error) {
	re, err := compile(pattern, true)
	if err != nil {
		return nil, err
	}
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	if contextLines < 0 {
		contextLines = 0
	}

	var (
		results []LineMatch
		window  []string // the last contextLines lines seen
		open    []int    // indexes into results still collecting After lines
	)
	for line, err := range h.Lines(1) {
		if err != nil {
			return nil, err
		}

		still := open[:0]
		for _, idx := range open {
			results[idx].After = append(results[idx].After, line.Text)
			if len(results[idx].After) < contextLines {
				still = append(still, idx)
			}
		}
		open = still

		if len(results) < maxResults && re.MatchString(line.Text) {
			results = append(results, LineMatch{
				Line:   line,
				Before: append([]string(nil), window...),
			})
			if contextLines > 0 {
				open = append(open, len(results)-1)
			}
		} else if len(results) >= maxResults && len(open) == 0 {
			break
		}

		if contextLines > 0 {
			window = append(window, line.Text)
			if len(window) > contextLines {
				window = window[1:]
			}
		}
	}
	return results, nil
}
