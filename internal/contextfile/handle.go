// Package contextfile provides bounded, memory-mapped access to the single
// large reference file an agent run may consult.
//
// A Handle never reads the whole file into memory: searches scan the
// read-only mapping and reads copy only the requested window. Every read is
// re-validated for binary content because a file can look textual in its
// header but carry an embedded binary payload further in.
package contextfile

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// sampleSize is how much of the file is inspected at open time.
	sampleSize = 8192
	// binaryThreshold is the control-character density above which a sample is binary.
	binaryThreshold = 0.05

	defaultMaxResults = 10
)

var (
	ErrNotFound       = errors.New("context file not found")
	ErrNotRegular     = errors.New("context path is not a regular file")
	ErrBinary         = errors.New("context file contains binary data")
	ErrInvalidPattern = errors.New("invalid search pattern")
	ErrClosed         = errors.New("context handle is closed")
)

// pseudoFS lists kernel filesystems whose files report a size that does not
// match their content.
var pseudoFS = []string{"/proc", "/sys"}

// Match is a single search hit.
type Match struct {
	Offset int64  `json:"offset"`
	Text   string `json:"text"`
}

// Handle is a read-only view over one text file.
//
// The mapping is created on first use and released by Close. Handle is safe
// for concurrent readers; Close waits for in-flight reads.
type Handle struct {
	path string
	size int64

	mu     sync.RWMutex
	fd     int
	data   []byte
	mapped bool
	closed bool
}

// Open validates path and returns a Handle. The file must exist, be a
// regular file outside /proc and /sys and look like text in its first 8 KB.
func Open(path string) (h *Handle, err error) {
	if resolved, err := filepath.EvalSymlinks(path); err == nil && onPseudoFS(resolved) {
		return nil, fmt.Errorf("%w: %s is a kernel pseudo-file", ErrNotRegular, path)
	}

	// O_NONBLOCK keeps a FIFO from blocking the open; it is rejected below.
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("opening context file %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			unix.Close(fd)
		}
	}()

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return nil, fmt.Errorf("stating context file %s: %w", path, err)
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFREG {
		return nil, fmt.Errorf("%w: %s", ErrNotRegular, path)
	}
	if stat.Size == 0 {
		var peek [1]byte
		if n, _ := unix.Pread(fd, peek[:], 0); n > 0 {
			return nil, fmt.Errorf("%w: %s reports size 0 but has content", ErrNotRegular, path)
		}
	}

	sample := make([]byte, min(int64(sampleSize), stat.Size))
	n, err := unix.Pread(fd, sample, 0)
	if err != nil {
		return nil, fmt.Errorf("sampling context file %s: %w", path, err)
	}
	if looksBinary(sample[:n]) {
		return nil, fmt.Errorf("%w: %s", ErrBinary, path)
	}

	return &Handle{path: path, size: stat.Size, fd: fd}, nil
}

// Path returns the file path the handle was opened with.
func (h *Handle) Path() string { return h.path }

// Size returns the file length in bytes.
func (h *Handle) Size() int64 { return h.size }

// SizeMB returns the file length in mebibytes.
func (h *Handle) SizeMB() float64 { return float64(h.size) / (1024 * 1024) }

// Close releases the mapping and the file descriptor. It is safe to call
// more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	var firstErr error
	if h.data != nil {
		if err := unix.Munmap(h.data); err != nil {
			firstErr = fmt.Errorf("unmapping context file: %w", err)
		}
		h.data = nil
	}
	if err := unix.Close(h.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing context file: %w", err)
	}
	h.fd = -1
	return firstErr
}

// view returns the mapped bytes with the read lock held. Callers must
// invoke release when done.
func (h *Handle) view() (data []byte, release func(), err error) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	if h.mapped {
		return h.data, h.mu.RUnlock, nil
	}
	h.mu.RUnlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if !h.mapped {
		// Zero-length mappings are rejected by the kernel.
		if h.size > 0 {
			data, err := unix.Mmap(h.fd, 0, int(h.size), unix.PROT_READ, unix.MAP_SHARED)
			if err != nil {
				h.mu.Unlock()
				return nil, nil, fmt.Errorf("memory-mapping context file: %w", err)
			}
			h.data = data
		}
		h.mapped = true
	}
	h.mu.Unlock()

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	return h.data, h.mu.RUnlock, nil
}

// Read returns up to length bytes starting at start, clamped to the file
// bounds. Invalid UTF-8 is replaced rather than rejected.
func (h *Handle) Read(start, length int64) (string, error) {
	if start < 0 {
		start = 0
	}
	if length <= 0 || start >= h.size {
		return "", nil
	}
	end := start + min(length, h.size-start)

	data, release, err := h.view()
	if err != nil {
		return "", err
	}
	defer release()

	chunk, err := copyRange(data, start, end)
	if err != nil {
		return "", err
	}
	if bytes.IndexByte(chunk, 0) >= 0 {
		return "", fmt.Errorf("%w: null byte in range [%d, %d)", ErrBinary, start, end)
	}
	return strings.ToValidUTF8(string(chunk), "�"), nil
}

// ReadWindow returns the 2*radius bytes centred on offset.
func (h *Handle) ReadWindow(offset, radius int64) (string, error) {
	if radius < 0 {
		radius = 0
	}
	offset = max(offset, 0)
	width := int64(math.MaxInt64)
	if radius <= math.MaxInt64/2 {
		width = 2 * radius
	}
	return h.Read(max(0, offset-radius), width)
}

// Snippet returns a window of the given total width around offset.
func (h *Handle) Snippet(offset, window int64) (string, error) {
	return h.ReadWindow(offset, window/2)
}

// Head returns the first n bytes.
func (h *Handle) Head(n int64) (string, error) {
	return h.Read(0, n)
}

// Tail returns the last n bytes.
func (h *Handle) Tail(n int64) (string, error) {
	return h.Read(max(0, h.size-n), n)
}

// Search scans the mapped file for pattern and returns up to maxResults
// matches in file order.
func (h *Handle) Search(pattern string, maxResults int, ignoreCase bool) ([]Match, error) {
	re, err := compile(pattern, ignoreCase)
	if err != nil {
		return nil, err
	}
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	data, release, err := h.view()
	if err != nil {
		return nil, err
	}
	defer release()

	locs, err := findAll(re, data, maxResults)
	if err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(locs))
	for _, loc := range locs {
		text := data[loc[0]:loc[1]]
		if bytes.IndexByte(text, 0) >= 0 {
			return nil, fmt.Errorf("%w: null byte in match at offset %d", ErrBinary, loc[0])
		}
		matches = append(matches, Match{
			Offset: int64(loc[0]),
			Text:   strings.ToValidUTF8(string(text), "�"),
		})
	}
	return matches, nil
}

func compile(pattern string, ignoreCase bool) (*regexp.Regexp, error) {
	if ignoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return re, nil
}

// looksBinary reports whether sample has a null byte or too many control
// characters. Tab, newline, vertical tab, form feed and carriage return
// are text.
func looksBinary(sample []byte) bool {
	if len(sample) == 0 {
		return false
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return true
	}
	control := 0
	for _, b := range sample {
		if b <= 8 || (b >= 14 && b <= 31) {
			control++
		}
	}
	return float64(control)/float64(len(sample)) > binaryThreshold
}

// copyRange copies data[start:end], converting a page fault on the mapping
// (file truncated underneath us, I/O error) into an error instead of a crash.
func copyRange(data []byte, start, end int64) (out []byte, err error) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("page fault reading context file at offset %d: %v", start, r)
		}
	}()
	out = make([]byte, end-start)
	copy(out, data[start:end])
	return out, nil
}

func onPseudoFS(path string) bool {
	for _, root := range pseudoFS {
		if path == root || strings.HasPrefix(path, root+"/") {
			return true
		}
	}
	return false
}

func findAll(re *regexp.Regexp, data []byte, n int) (locs [][]int, err error) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("page fault scanning context file: %v", r)
		}
	}()
	return re.FindAllIndex(data, n), nil
}
