package engine

import "sync"

// ChannelEvents latches data channel notifications until handlers are
// registered. Engines embed it in their RawChannel implementations: the
// engine calls Open/Close/Error/Message as things happen, consumers call
// the On* registration methods whenever they get around to it.
type ChannelEvents struct {
	deliverMu sync.Mutex // orders message delivery against backlog flushes

	mu        sync.Mutex
	opened    bool
	closed    bool
	onOpen    func()
	onClose   func()
	onError   func(error)
	onMessage func(Message)
	errs      []error
	backlog   []Message
}

// OnOpen registers fn, invoking it at once if the channel already opened.
func (e *ChannelEvents) OnOpen(fn func()) {
	e.mu.Lock()
	e.onOpen = fn
	fire := e.opened && !e.closed
	e.mu.Unlock()

	if fire && fn != nil {
		fn()
	}
}

// OnClose registers fn, invoking it at once if the channel already closed.
func (e *ChannelEvents) OnClose(fn func()) {
	e.mu.Lock()
	e.onClose = fn
	fire := e.closed
	e.mu.Unlock()

	if fire && fn != nil {
		fn()
	}
}

// OnError registers fn and hands it any errors reported before registration.
func (e *ChannelEvents) OnError(fn func(error)) {
	e.mu.Lock()
	e.onError = fn
	pending := e.errs
	e.errs = nil
	e.mu.Unlock()

	if fn != nil {
		for _, err := range pending {
			fn(err)
		}
	}
}

// OnMessage registers fn and flushes the messages buffered so far, in order.
func (e *ChannelEvents) OnMessage(fn func(Message)) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	e.mu.Lock()
	e.onMessage = fn
	backlog := e.backlog
	e.backlog = nil
	e.mu.Unlock()

	if fn != nil {
		for _, msg := range backlog {
			fn(msg)
		}
	}
}

// Open marks the channel open. Only the first call has an effect.
func (e *ChannelEvents) Open() {
	e.mu.Lock()
	if e.opened || e.closed {
		e.mu.Unlock()
		return
	}
	e.opened = true
	fn := e.onOpen
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Close marks the channel closed. Only the first call has an effect.
func (e *ChannelEvents) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	fn := e.onClose
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Error reports err to the registered handler, or keeps it until one is.
func (e *ChannelEvents) Error(err error) {
	e.mu.Lock()
	fn := e.onError
	if fn == nil {
		e.errs = append(e.errs, err)
	}
	e.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

// Message delivers msg to the registered handler, or buffers it.
func (e *ChannelEvents) Message(msg Message) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	e.mu.Lock()
	fn := e.onMessage
	if fn == nil {
		e.backlog = append(e.backlog, msg)
	}
	e.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
}

// IsOpen reports whether Open was called and Close was not.
func (e *ChannelEvents) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened && !e.closed
}

// IsClosed reports whether Close was called.
func (e *ChannelEvents) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
