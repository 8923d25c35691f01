package progress

import (
	"strings"
	"sync"
)

// DefaultTailSize is how many helper lines are kept for error reports.
const DefaultTailSize = 200

// Tail keeps the most recent lines of a stream, evicting the oldest.
type Tail struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func NewTail(size int) *Tail {
	if size <= 0 {
		size = DefaultTailSize
	}
	return &Tail{lines: make([]string, size)}
}

func (t *Tail) Push(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

func (t *Tail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.len()
}

func (t *Tail) len() int {
	if t.full {
		return len(t.lines)
	}
	return t.next
}

// Lines returns the retained lines, oldest first.
func (t *Tail) Lines() []string {
	return t.Last(-1)
}

// Last returns up to n of the newest lines, oldest first. A negative n returns
// everything retained.
func (t *Tail) Last(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := t.len()
	if n < 0 || n > size {
		n = size
	}

	out := make([]string, 0, n)
	first := t.next - n
	if first < 0 {
		first += len(t.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, t.lines[(first+i)%len(t.lines)])
	}
	return out
}

func (t *Tail) Contains(substr string) bool {
	for _, line := range t.Lines() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}
