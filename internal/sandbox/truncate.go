package sandbox

import (
	"fmt"
	"io"
)

const (
	truncateHead = 1000
	truncateTail = 3000

	// maxCaptureBytes caps what is read from a container stream into host
	// memory, before the display truncation is applied.
	maxCaptureBytes = 1 << 20
)

// truncateOutput keeps the first and last bytes of s when it is longer than
// limit, with a marker carrying the number of bytes dropped.
func truncateOutput(s string, limit int) string {
	if limit <= 0 || len(s) <= limit || len(s) <= truncateHead+truncateTail {
		return s
	}
	dropped := len(s) - truncateHead - truncateTail
	return fmt.Sprintf("%s\n... [TRUNCATED %d bytes] ...\n%s", s[:truncateHead], dropped, s[len(s)-truncateTail:])
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining <= 0 {
		return n, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
