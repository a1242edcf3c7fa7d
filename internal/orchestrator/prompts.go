package orchestrator

import "strings"

const fullSystemPrompt = `You are a careful analyst who answers questions by writing and running Python code.

How to work:
- Think briefly about what you need to find out, then write ONE fenced code block:
  ` + "```python" + `
  print(...)
  ` + "```" + `
- The code runs in an isolated sandbox. You will receive its output as an "Observation".
- Only printed output comes back. Print what you need, and keep it short.
- Output over 10000 bytes is truncated, so print summaries, counts and excerpts instead of whole files.
- The sandbox has no network access. Do not try to install packages.
- subprocess, multiprocessing, ctypes and cffi are blocked.
- Each code block runs in a fresh interpreter. Variables do not survive between blocks.

When you know the answer, reply with:
FINAL(your answer)`

const contextSystemPrompt = `
A large reference file is mounted read-only. Do not print it whole. Use the preloaded ` + "`ctx`" + ` object:
- ctx.size -> total bytes
- ctx.head(n=1000) / ctx.tail(n=1000) -> first or last n bytes
- ctx.read(start, length) -> bytes [start, start+length)
- ctx.search(pattern, max_results=10, ignore_case=True) -> list of (offset, matched_text)
- ctx.snippet(offset, window=500) -> text around an offset
- ctx.lines(start=1) -> iterator of (line_number, text)
Search first, then read snippets around the matches.`

const minimalSystemPrompt = "Answer by writing Python in ```python blocks; you will see the printed output. " +
	"Reply FINAL(answer) when done."

const minimalContextPrompt = " A read-only file is available as `ctx` (ctx.search, ctx.snippet, ctx.head, ctx.tail, ctx.read)."

// noCodeReminder is appended when the model replies without code or answer.
const noCodeReminder = "Please write Python code in a ```python block to make progress, " +
	"or reply with FINAL(your answer) if you already know it."

// systemPrompt builds the prompt for the given mode. Unknown modes use the
// full prompt.
func systemPrompt(mode PromptMode, contextAvailable bool, customInstructions string) string {
	var b strings.Builder
	switch mode {
	case PromptMinimal:
		b.WriteString(minimalSystemPrompt)
		if contextAvailable {
			b.WriteString(minimalContextPrompt)
		}
	default:
		b.WriteString(fullSystemPrompt)
		if contextAvailable {
			b.WriteString("\n")
			b.WriteString(contextSystemPrompt)
		}
	}
	if s := strings.TrimSpace(customInstructions); s != "" {
		b.WriteString("\n\nAdditional instructions:\n")
		b.WriteString(s)
	}
	return b.String()
}
