package security

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
)

const (
	// minFingerprintLen is the shortest context line treated as identifying.
	minFingerprintLen = 32
	// maxFilterPasses bounds re-scanning until the output is stable.
	maxFilterPasses = 4
)

// Leak kinds reported in findings and redaction markers.
const (
	KindContext = "context"
)

// secretPattern is a named detector. When the expression has a capture
// group only the group is redacted, keeping the key name visible.
type secretPattern struct {
	kind string
	re   *regexp.Regexp
}

var defaultSecretPatterns = []secretPattern{
	{"private_key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?(?:-----END [A-Z ]*PRIVATE KEY-----|\z)`)},
	{"aws_access_key", regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"api_key", regexp.MustCompile(`\bsk-(?:ant-|proj-)?[A-Za-z0-9_\-]{20,}`)},
	{"slack_token", regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9\-]{10,}`)},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}`)},
	{"bearer_token", regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9_\-.=+/]{20,})`)},
	{"credential", regexp.MustCompile(`(?i)\b(?:api[_-]?key|access[_-]?token|auth[_-]?token|secret[_-]?key|client[_-]?secret|password|passwd|token|secret)\b["']?\s*[:=]\s*["']?([^\s"',;\[][^\s"',;]{7,})`)},
}

// Finding is one suspected leak. Offsets refer to the text of the pass that
// found it; the matched content itself is never recorded.
type Finding struct {
	Kind  string `json:"kind"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// EgressFilter scans sandbox output for text copied from the mounted
// context and for secret-shaped strings.
type EgressFilter struct {
	fingerprints []string
	patterns     []secretPattern
	raiseOnLeak  bool
	logger       *slog.Logger
}

// NewEgressFilter builds a filter. contextSample is the leading slice of the
// mounted context file; an empty sample disables context-copy detection.
func NewEgressFilter(contextSample string, raiseOnLeak bool, logger *slog.Logger) *EgressFilter {
	return &EgressFilter{
		fingerprints: fingerprints(contextSample),
		patterns:     defaultSecretPatterns,
		raiseOnLeak:  raiseOnLeak,
		logger:       logger,
	}
}

// fingerprints splits the sample into identifying chunks. Lines of at most
// twice the minimum length are kept whole; longer lines are cut into
// aligned chunks so any copy of 2*minFingerprintLen-1 bytes or more
// contains at least one of them.
func fingerprints(sample string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, line := range strings.Split(sample, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case len(line) < minFingerprintLen:
		case len(line) <= 2*minFingerprintLen:
			add(line)
		default:
			for i := 0; i+minFingerprintLen <= len(line); i += minFingerprintLen {
				add(line[i : i+minFingerprintLen])
			}
		}
	}
	return out
}

// Filter returns text with every finding redacted. It never modifies its
// input. With raiseOnLeak set, any finding fails the call with ErrDataLeak
// and no text is returned. Filtering already-filtered text is a no-op.
func (f *EgressFilter) Filter(text string) (string, []Finding, error) {
	var all []Finding
	out := text
	for pass := 0; pass < maxFilterPasses; pass++ {
		findings := f.scan(out)
		if len(findings) == 0 {
			break
		}
		all = append(all, findings...)
		if f.raiseOnLeak {
			f.logger.Warn("egress leak blocked",
				slog.Int("findings", len(findings)),
				slog.String("kinds", strings.Join(kinds(findings), ",")),
			)
			return "", all, fmt.Errorf("%w: %s", ErrDataLeak, strings.Join(kinds(findings), ", "))
		}
		out = redact(out, findings)
	}
	if len(all) > 0 {
		f.logger.Warn("egress output redacted",
			slog.Int("findings", len(all)),
			slog.String("kinds", strings.Join(kinds(all), ",")),
		)
	}
	return out, all, nil
}

// FilterAsync runs Filter on a separate goroutine so a large scan never
// blocks the caller's event loop. It returns early with ctx.Err() if the
// context ends first; the scan itself is side-effect free.
func (f *EgressFilter) FilterAsync(ctx context.Context, text string) (string, []Finding, error) {
	type result struct {
		text     string
		findings []Finding
		err      error
	}
	done := make(chan result, 1)
	go func() {
		out, findings, err := f.Filter(text)
		done <- result{out, findings, err}
	}()
	select {
	case r := <-done:
		return r.text, r.findings, r.err
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (f *EgressFilter) scan(text string) []Finding {
	var findings []Finding
	for _, fp := range f.fingerprints {
		for from := 0; ; {
			i := strings.Index(text[from:], fp)
			if i < 0 {
				break
			}
			start := from + i
			findings = append(findings, Finding{Kind: KindContext, Start: start, End: start + len(fp)})
			from = start + len(fp)
		}
	}
	for _, p := range f.patterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if len(loc) >= 4 && loc[2] >= 0 {
				start, end = loc[2], loc[3]
			}
			findings = append(findings, Finding{Kind: p.kind, Start: start, End: end})
		}
	}
	return merge(findings)
}

// merge sorts findings and folds overlapping or touching spans together,
// keeping the kind of the earliest span.
func merge(findings []Finding) []Finding {
	if len(findings) < 2 {
		return findings
	}
	slices.SortFunc(findings, func(a, b Finding) int {
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return b.End - a.End
	})
	out := findings[:1]
	for _, fd := range findings[1:] {
		last := &out[len(out)-1]
		if fd.Start <= last.End {
			last.End = max(last.End, fd.End)
			continue
		}
		out = append(out, fd)
	}
	return out
}

func redact(text string, findings []Finding) string {
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, fd := range findings {
		b.WriteString(text[prev:fd.Start])
		b.WriteString("[REDACTED:" + fd.Kind + "]")
		prev = fd.End
	}
	b.WriteString(text[prev:])
	return b.String()
}

func kinds(findings []Finding) []string {
	var out []string
	for _, fd := range findings {
		if !slices.Contains(out, fd.Kind) {
			out = append(out, fd.Kind)
		}
	}
	return out
}
