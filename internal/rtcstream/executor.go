package rtcstream

import (
	"slices"
	"sync"
)

// executor runs posted tasks one at a time, in posting order. A goroutine
// drains the queue while there is work and exits once it is empty, so an
// idle session holds no goroutine.
type executor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

// post enqueues fn. It never blocks and never runs fn on the caller's
// goroutine.
func (x *executor) post(fn func()) {
	x.mu.Lock()
	x.queue = append(x.queue, fn)
	if x.running {
		x.mu.Unlock()
		return
	}
	x.running = true
	x.mu.Unlock()

	go x.drain()
}

func (x *executor) drain() {
	for {
		x.mu.Lock()
		if len(x.queue) == 0 {
			x.running = false
			x.mu.Unlock()
			return
		}
		fn := x.queue[0]
		x.queue[0] = nil
		x.queue = x.queue[1:]
		x.mu.Unlock()

		fn()
	}
}

// hooks is a list of observers for one event.
type hooks[T any] struct {
	mu  sync.Mutex
	fns []func(T)
}

func (h *hooks[T]) add(fn func(T)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

func (h *hooks[T]) emit(v T) {
	h.mu.Lock()
	fns := slices.Clone(h.fns)
	h.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (h *hooks[T]) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fns)
}

func (h *hooks[T]) clear() {
	h.mu.Lock()
	h.fns = nil
	h.mu.Unlock()
}

// signal is a hooks list for events without a payload.
type signal struct {
	hooks[struct{}]
}

func (s *signal) on(fn func()) {
	if fn == nil {
		return
	}
	s.add(func(struct{}) { fn() })
}

func (s *signal) fire() { s.emit(struct{}{}) }
