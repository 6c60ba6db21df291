package bias

import "sync"

// HistoryCapacity bounds the number of adjustments retained per symbol.
const HistoryCapacity = 10

// History is a fixed-capacity ring of recent adjustments. When full, the
// oldest entry is overwritten.
type History struct {
	mu    sync.Mutex
	buf   [HistoryCapacity]Adjustment
	start int
	size  int
}

func NewHistory(entries ...Adjustment) *History {
	h := &History{}
	for _, e := range entries {
		h.Push(e)
	}
	return h
}

func (h *History) Push(a Adjustment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size < HistoryCapacity {
		h.buf[(h.start+h.size)%HistoryCapacity] = a
		h.size++
		return
	}
	h.buf[h.start] = a
	h.start = (h.start + 1) % HistoryCapacity
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Last returns up to n most recent entries, oldest first.
func (h *History) Last(n int) []Adjustment {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]Adjustment, n)
	offset := h.size - n
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.start+offset+i)%HistoryCapacity]
	}
	return out
}

// Snapshot returns every retained entry, oldest first.
func (h *History) Snapshot() []Adjustment {
	return h.Last(HistoryCapacity)
}
