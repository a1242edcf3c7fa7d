package sandbox

import "strings"

const (
	scriptMountPath  = "/tmp/script.py"
	contextMountPath = "/mnt/context"

	// contextEnv overrides the accessor path for runners without a mount.
	contextEnv = "SANDLOOP_CONTEXT"
)

// importGuard blocks modules that would let the script spawn processes or
// call into native code.
const importGuard = `import sys
import os

_blocked_modules = {'subprocess', 'multiprocessing', 'ctypes', 'cffi'}


class _ImportBlocker:
    def find_spec(self, name, path=None, target=None):
        root = name.split('.', 1)[0]
        if root in _blocked_modules:
            raise ImportError(f"Module '{name}' is blocked for security reasons")
        return None


sys.meta_path.insert(0, _ImportBlocker())
for _name in list(sys.modules):
    if _name.split('.', 1)[0] in _blocked_modules:
        del sys.modules[_name]
`

// contextAccessor gives the script bounded access to the mounted context
// file as ctx, so it never has to load the whole file into memory.
const contextAccessor = `
class ContextHandle:
    def __init__(self, path="/mnt/context"):
        if not os.path.exists(path):
            raise FileNotFoundError(f"Context file not found at {path}")
        self.path = path
        self._size = os.path.getsize(path)

    @property
    def size(self):
        return self._size

    def read(self, start, length):
        start = max(0, min(start, self._size))
        with open(self.path, "rb") as f:
            f.seek(start)
            return f.read(max(0, length)).decode("utf-8", errors="replace")

    def read_window(self, offset, radius=500):
        return self.read(max(0, offset - radius), radius * 2)

    def snippet(self, offset, window=500):
        return self.read_window(offset, window // 2)

    def head(self, n=1000):
        return self.read(0, n)

    def tail(self, n=1000):
        return self.read(max(0, self._size - n), n)

    def search(self, pattern, max_results=10, ignore_case=True):
        import re
        flags = re.IGNORECASE if ignore_case else 0
        rx = re.compile(pattern, flags)
        matches = []
        offset = 0
        with open(self.path, "rb") as f:
            for raw in f:
                line = raw.decode("utf-8", errors="replace")
                for m in rx.finditer(line):
                    matches.append((offset + m.start(), m.group()))
                    if len(matches) >= max_results:
                        return matches
                offset += len(raw)
        return matches

    def lines(self, start=1):
        with open(self.path, "r", encoding="utf-8", errors="replace") as f:
            for no, line in enumerate(f, 1):
                if no >= start:
                    yield no, line.rstrip("\n")


ctx = ContextHandle(os.environ.get("SANDLOOP_CONTEXT", "/mnt/context"))
`

// buildScript assembles the program run inside the container: the import
// guard, the context accessor when a context is mounted, then the user code.
func buildScript(code string, withContext bool) string {
	var b strings.Builder
	b.Grow(len(importGuard) + len(contextAccessor) + len(code) + 64)
	b.WriteString(importGuard)
	if withContext {
		b.WriteString(contextAccessor)
	}
	b.WriteString("\n# user code\n")
	b.WriteString(code)
	if !strings.HasSuffix(code, "\n") {
		b.WriteByte('\n')
	}
	return b.String()
}
