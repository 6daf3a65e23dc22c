package formsteps

import "sync"

// Kind tags the variant held by a Value.
type Kind int

const (
	KindAbsent Kind = iota
	KindPresent
	KindPending
)

// Value is one form entry: absent, present with data, or pending on a task.
type Value struct {
	kind    Kind
	data    any
	pending *Pending
}

// Absent returns the empty value.
func Absent() Value {
	return Value{}
}

// Present wraps data. A nil data is treated as Absent.
func Present(data any) Value {
	if data == nil {
		return Value{}
	}
	return Value{kind: KindPresent, data: data}
}

// PendingValue wraps an unresolved task.
func PendingValue(p *Pending) Value {
	if p == nil {
		return Value{}
	}
	return Value{kind: KindPending, pending: p}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind {
	return v.kind
}

// Data returns the present data, or nil.
func (v Value) Data() any {
	return v.data
}

// Pending returns the pending handle, or nil.
func (v Value) Pending() *Pending {
	return v.pending
}

// Empty reports whether the value fails a required check.
func (v Value) Empty() bool {
	switch v.kind {
	case KindPresent:
		switch data := v.data.(type) {
		case string:
			return data == ""
		case []byte:
			return len(data) == 0
		case bool:
			return !data
		}
		return false
	case KindPending:
		return false
	default:
		return true
	}
}

// String returns the present data when it is a string.
func (v Value) String() string {
	s, _ := v.data.(string)
	return s
}

// Values maps field names to values.
type Values map[string]Value

// Patch is a set of per-key overwrites.
type Patch map[string]Value

// Get returns the value for key, Absent when missing.
func (vs Values) Get(key string) Value {
	if vs == nil {
		return Value{}
	}
	return vs[key]
}

// Merge returns a copy of vs with every key in patch overwritten. Keys absent
// from patch are carried over unchanged.
func (vs Values) Merge(patch Patch) Values {
	next := make(Values, len(vs)+len(patch))
	for key, value := range vs {
		next[key] = value
	}
	for key, value := range patch {
		next[key] = value
	}
	return next
}

// Clone returns a shallow copy.
func (vs Values) Clone() Values {
	return vs.Merge(nil)
}

// HasPending reports whether any value is still pending. A settled handle
// counts until its result has been merged back in.
func (vs Values) HasPending() bool {
	for _, value := range vs {
		if value.kind == KindPending {
			return true
		}
	}
	return false
}

// Pending is a deferred value resolved once by a background task.
type Pending struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// NewPending returns an unresolved handle.
func NewPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Go runs fn in a goroutine and resolves the returned handle with its result.
func Go(fn func() (any, error)) *Pending {
	p := NewPending()
	go func() {
		value, err := fn()
		p.Resolve(value, err)
	}()
	return p
}

// Resolve settles the handle. Later calls are ignored.
func (p *Pending) Resolve(value any, err error) {
	p.once.Do(func() {
		p.value = value
		p.err = err
		close(p.done)
	})
}

// Done is closed once the handle settles.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether Resolve has been called.
func (p *Pending) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value and error. It must only be called after Done.
func (p *Pending) Result() (any, error) {
	<-p.done
	return p.value, p.err
}
