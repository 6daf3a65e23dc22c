package formsteps

import (
	"net/url"
	"sync"
)

// Navigator persists the current step name. An empty name means no step has
// been recorded.
type Navigator interface {
	Current() string
	Push(name string)
	Clear()
}

// MemoryHistory is an in-process back/forward stack.
type MemoryHistory struct {
	mu      sync.Mutex
	entries []string
	pos     int
}

// NewMemoryHistory starts a history at initial, which may be empty.
func NewMemoryHistory(initial string) *MemoryHistory {
	return &MemoryHistory{entries: []string{initial}}
}

// Current implements Navigator.
func (h *MemoryHistory) Current() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries[h.pos]
}

// Push implements Navigator. Forward entries are discarded.
func (h *MemoryHistory) Push(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries[:h.pos+1], name)
	h.pos = len(h.entries) - 1
}

// Clear implements Navigator by pushing an empty entry.
func (h *MemoryHistory) Clear() {
	h.Push("")
}

// Back moves one entry back and reports whether it moved.
func (h *MemoryHistory) Back() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pos == 0 {
		return false
	}
	h.pos--
	return true
}

// Forward moves one entry forward and reports whether it moved.
func (h *MemoryHistory) Forward() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pos >= len(h.entries)-1 {
		return false
	}
	h.pos++
	return true
}

// Len returns the number of history entries.
func (h *MemoryHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// QueryParam stores the step name in a URL query parameter.
type QueryParam struct {
	mu    sync.Mutex
	u     url.URL
	param string
}

// NewQueryParam tracks param on a copy of u. An empty param defaults to "step".
func NewQueryParam(u *url.URL, param string) *QueryParam {
	if param == "" {
		param = "step"
	}
	q := &QueryParam{param: param}
	if u != nil {
		q.u = *u
	}
	return q
}

// Current implements Navigator.
func (q *QueryParam) Current() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.u.Query().Get(q.param)
}

// Push implements Navigator.
func (q *QueryParam) Push(name string) {
	q.set(name)
}

// Clear implements Navigator.
func (q *QueryParam) Clear() {
	q.set("")
}

// URL returns the current location.
func (q *QueryParam) URL() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.u.String()
}

func (q *QueryParam) set(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	values := q.u.Query()
	if name == "" {
		values.Del(q.param)
	} else {
		values.Set(q.param, name)
	}
	q.u.RawQuery = values.Encode()
}

var (
	_ Navigator = (*MemoryHistory)(nil)
	_ Navigator = (*QueryParam)(nil)
)
