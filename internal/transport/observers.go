package transport

import (
	"sync"

	"github.com/1ureka/rtcstream/internal/rtcstream"
	"github.com/1ureka/rtcstream/internal/util"
)

// Observers holds the data, end and error listeners of a stream. Embedding
// it provides the registration half of rtcstream.ByteStream.
type Observers struct {
	mu      sync.Mutex
	onData  []func(rtcstream.Chunk)
	onEnd   []func()
	onError []func(error)
}

func (o *Observers) OnData(fn func(rtcstream.Chunk)) {
	o.mu.Lock()
	o.onData = append(o.onData, fn)
	o.mu.Unlock()
}

func (o *Observers) OnEnd(fn func()) {
	o.mu.Lock()
	o.onEnd = append(o.onEnd, fn)
	o.mu.Unlock()
}

func (o *Observers) OnError(fn func(error)) {
	o.mu.Lock()
	o.onError = append(o.onError, fn)
	o.mu.Unlock()
}

// EmitData passes one received frame to the data listeners.
func (o *Observers) EmitData(frame []byte) {
	o.mu.Lock()
	handlers := append([]func(rtcstream.Chunk){}, o.onData...)
	o.mu.Unlock()

	chunk := rtcstream.Chunk{Data: frame, Encoding: rtcstream.EncodingBuffer}
	for _, fn := range handlers {
		fn(chunk)
	}
}

// EmitEnd notifies the end listeners. Callers guarantee a single call.
func (o *Observers) EmitEnd() {
	o.mu.Lock()
	handlers := append([]func(){}, o.onEnd...)
	o.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

// EmitError reports err to the error listeners, or logs it when there are
// none.
func (o *Observers) EmitError(err error) {
	o.mu.Lock()
	handlers := append([]func(error){}, o.onError...)
	o.mu.Unlock()

	if len(handlers) == 0 {
		util.LogWarning("signaling transport: %v", err)
		return
	}
	for _, fn := range handlers {
		fn(err)
	}
}
