package inference

import "sync"

// ModelHandle is a versioned, reference-counted slot for a loaded model.
// Requests take a Lease at start and keep using that version until they
// release it; Swap only affects leases taken afterwards. A replaced version
// is retired once its last lease is released.
type ModelHandle struct {
	mu       sync.Mutex
	current  *version
	seq      uint64
	onRetire func(Model)
}

type version struct {
	model   Model
	seq     uint64
	refs    int
	retired bool
}

// Lease pins one model version for the duration of a request
type Lease struct {
	h    *ModelHandle
	v    *version
	once sync.Once
}

// NewModelHandle creates an empty handle. onRetire is called, outside the
// handle's lock, for every replaced model once nothing uses it any more.
func NewModelHandle(onRetire func(Model)) *ModelHandle {
	return &ModelHandle{onRetire: onRetire}
}

// Acquire returns a lease on the current version, or nil when no model is loaded
func (h *ModelHandle) Acquire() *Lease {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current == nil {
		return nil
	}
	h.current.refs++
	return &Lease{h: h, v: h.current}
}

// Swap publishes m as the current version and returns its version number
func (h *ModelHandle) Swap(m Model) uint64 {
	h.mu.Lock()
	h.seq++
	old := h.current
	h.current = &version{model: m, seq: h.seq}
	seq := h.seq

	var drained Model
	if old != nil {
		old.retired = true
		if old.refs == 0 {
			drained = old.model
		}
	}
	h.mu.Unlock()

	h.retire(drained)
	return seq
}

// Current peeks at the loaded model without pinning it
func (h *ModelHandle) Current() (Model, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current == nil {
		return nil, 0
	}
	return h.current.model, h.current.seq
}

// Loaded reports whether a model is present
func (h *ModelHandle) Loaded() bool {
	m, _ := h.Current()
	return m != nil
}

func (h *ModelHandle) retire(m Model) {
	if m != nil && h.onRetire != nil {
		h.onRetire(m)
	}
}

// Model returns the pinned model
func (l *Lease) Model() Model {
	return l.v.model
}

// Version returns the pinned version number
func (l *Lease) Version() uint64 {
	return l.v.seq
}

// Release unpins the version. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.h.mu.Lock()
		l.v.refs--
		var drained Model
		if l.v.retired && l.v.refs == 0 {
			drained = l.v.model
		}
		l.h.mu.Unlock()

		l.h.retire(drained)
	})
}
