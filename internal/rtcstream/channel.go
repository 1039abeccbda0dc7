package rtcstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/rtcstream/internal/engine"
	"github.com/1ureka/rtcstream/internal/util"
)

// DefaultLabel names channels whose label is empty.
const DefaultLabel = "channel"

const (
	highWaterMark = 1 << 20   // WaitWritable blocks above this many buffered bytes
	lowWaterMark  = 256 << 10 // buffered-amount-low threshold
	drainPoll     = 50 * time.Millisecond
)

// Channel is a ByteStream over one data channel. Its events run on the
// executor of the session that owns it.
type Channel struct {
	label string
	exec  *executor
	log   util.Logger

	mu         sync.Mutex
	socket     engine.RawChannel
	encoding   string
	codec      textCodec
	opened     bool
	terminated bool
	backlog    []Chunk // received before the first data observer

	drain chan struct{}

	onData   hooks[Chunk]
	onError  hooks[error]
	onFinish signal
	onEnd    signal
	onClose  signal
}

var _ ByteStream = (*Channel)(nil)

func newChannel(raw engine.RawChannel, exec *executor, log util.Logger) *Channel {
	c := &Channel{
		label:    channelLabel(raw),
		exec:     exec,
		log:      log,
		socket:   raw,
		encoding: EncodingBuffer,
		drain:    make(chan struct{}, 1),
	}

	raw.SetBufferedAmountLowThreshold(lowWaterMark)
	raw.OnBufferedAmountLow(func() {
		select {
		case c.drain <- struct{}{}:
		default:
		}
	})
	return c
}

func channelLabel(raw engine.RawChannel) string {
	if l := raw.Label(); l != "" {
		return l
	}
	return DefaultLabel
}

// Label returns the channel label.
func (c *Channel) Label() string { return c.label }

// Open reports whether the underlying data channel is attached and open.
func (c *Channel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket != nil && c.socket.ReadyState() == engine.ChannelStateOpen
}

// Closed reports whether the terminal events have fired.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// SetEncoding changes the read encoding of emitted chunks. Unknown names are
// ignored and reported with false.
func (c *Channel) SetEncoding(name string) bool {
	codec, ok := lookupEncoding(name)
	if !ok {
		return false
	}
	c.mu.Lock()
	c.encoding, c.codec = name, codec
	c.mu.Unlock()
	return true
}

// Encoding returns the current read encoding.
func (c *Channel) Encoding() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoding
}

// Write sends p as one binary message. A send failure raises ErrSendFailed
// on the channel and ends it.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()
	if socket == nil {
		return 0, ErrNotConnected
	}

	if err := socket.Send(p); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrSendFailed, c.label, err)

		c.mu.Lock()
		if c.socket == socket {
			c.socket = nil
		}
		c.mu.Unlock()

		c.exec.post(func() {
			emitError(&c.onError, c.log, err)
			socket.Close()
			c.terminate()
		})
		return 0, err
	}

	util.Stats.AddSent(len(p))
	return len(p), nil
}

// WriteString sends s as UTF-8 bytes.
func (c *Channel) WriteString(s string) (int, error) {
	return c.Write([]byte(s))
}

// WriteText encodes s with the named encoding and sends it.
func (c *Channel) WriteText(s, encoding string) (int, error) {
	codec, ok := lookupEncoding(encoding)
	if !ok {
		return 0, fmt.Errorf("unknown encoding %q", encoding)
	}
	if codec == nil {
		return c.WriteString(s)
	}
	p, err := codec.encode(s)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", encoding, err)
	}
	return c.Write(p)
}

// Send writes v: bytes and strings as-is, anything else as JSON.
func (c *Channel) Send(v any) error {
	var err error
	switch v := v.(type) {
	case []byte:
		_, err = c.Write(v)
	case string:
		_, err = c.WriteString(v)
	default:
		p, merr := json.Marshal(v)
		if merr != nil {
			return merr
		}
		_, err = c.Write(p)
	}
	return err
}

// EndWith writes p, if non-empty, and ends the channel.
func (c *Channel) EndWith(p []byte) error {
	if len(p) > 0 {
		if _, err := c.Write(p); err != nil {
			return err
		}
	}
	return c.End()
}

// End closes the data channel. The terminal events fire once the engine
// reports the close, or right away if the channel never opened.
func (c *Channel) End() error {
	c.mu.Lock()
	socket := c.socket
	c.socket = nil
	c.mu.Unlock()

	if socket == nil {
		c.exec.post(c.terminate)
		return nil
	}

	opened := socket.ReadyState() == engine.ChannelStateOpen
	err := socket.Close()
	if !opened {
		c.exec.post(c.terminate)
	}
	return err
}

// BufferedAmount returns the number of bytes queued by the engine.
func (c *Channel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket == nil {
		return 0
	}
	return c.socket.BufferedAmount()
}

// WaitWritable blocks while the engine holds more than highWaterMark
// buffered bytes for this channel.
func (c *Channel) WaitWritable(ctx context.Context) error {
	for {
		c.mu.Lock()
		socket := c.socket
		c.mu.Unlock()
		if socket == nil {
			return ErrNotConnected
		}
		if socket.BufferedAmount() <= highWaterMark {
			return nil
		}

		select {
		case <-c.drain:
		case <-time.After(drainPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OnData registers a data observer. Chunks received before the first one
// was registered are delivered to it, in order, on the executor.
func (c *Channel) OnData(fn func(Chunk)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.onData.add(fn)
	pending := len(c.backlog) > 0
	c.mu.Unlock()

	if pending {
		c.exec.post(c.flushBacklog)
	}
}

func (c *Channel) OnError(fn func(error)) { c.onError.add(fn) }
func (c *Channel) OnFinish(fn func())     { c.onFinish.on(fn) }
func (c *Channel) OnEnd(fn func())        { c.onEnd.on(fn) }
func (c *Channel) OnClose(fn func())      { c.onClose.on(fn) }

// receive runs on the executor for every inbound message.
func (c *Channel) receive(msg engine.Message) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	p := normalizePayload(msg)
	chunk := chunkOf(p, c.encoding, c.codec)
	held := len(c.backlog) > 0 || c.onData.len() == 0
	if held {
		c.backlog = append(c.backlog, chunk)
	}
	c.mu.Unlock()

	util.Stats.AddRecv(len(p))
	if !held {
		c.onData.emit(chunk)
	}
}

// flushBacklog hands the chunks held for a late data observer to it. It runs
// on the executor, so chunks received meanwhile queue behind the backlog.
func (c *Channel) flushBacklog() {
	c.mu.Lock()
	backlog := c.backlog
	c.backlog = nil
	c.mu.Unlock()

	for _, chunk := range backlog {
		c.onData.emit(chunk)
	}
}

// markOpen records that the channel reached open. It reports false when the
// channel already ended.
func (c *Channel) markOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated || c.socket == nil {
		return false
	}
	c.opened = true
	util.Stats.AddChannel()
	return true
}

// detach forgets the data channel after the engine reported it closed.
func (c *Channel) detach() {
	c.mu.Lock()
	c.socket = nil
	c.mu.Unlock()
}

// terminate fires finish, end and close once and drops every observer.
func (c *Channel) terminate() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	opened := c.opened
	c.backlog = nil
	c.mu.Unlock()

	c.log.Debug("channel %q ended", c.label)
	if opened {
		util.Stats.RemoveChannel()
	}

	c.onFinish.fire()
	c.onEnd.fire()
	c.onClose.fire()

	c.onData.clear()
	c.onError.clear()
	c.onFinish.clear()
	c.onEnd.clear()
	c.onClose.clear()
}

// boxedBuffer is the JSON form some peers use to ship binary data as text.
type boxedBuffer struct {
	Type string `json:"type"`
	Data []int  `json:"data"`
}

// normalizePayload turns an inbound message into bytes. Text messages that
// hold a boxed buffer are unboxed.
func normalizePayload(msg engine.Message) []byte {
	if !msg.IsString {
		return msg.Data
	}

	trimmed := bytes.TrimSpace(msg.Data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return msg.Data
	}

	var box boxedBuffer
	if err := json.Unmarshal(trimmed, &box); err != nil || box.Type != "Buffer" || box.Data == nil {
		return msg.Data
	}

	out := make([]byte, len(box.Data))
	for i, v := range box.Data {
		if v < 0 || v > 255 {
			return msg.Data
		}
		out[i] = byte(v)
	}
	return out
}
