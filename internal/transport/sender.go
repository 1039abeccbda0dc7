package transport

import (
	"context"
	"fmt"

	"github.com/1ureka/rtcstream/internal/envelope"
)

const sendBufferSize = 64 // outgoing frame channel capacity

// sender is a goroutine-based frame writer that serializes all writes to a
// single connection.
type sender struct {
	inbox chan []byte
}

// newSender creates a sender and starts the background loop. The loop exits
// when ctx is cancelled or a write fails.
func newSender(ctx context.Context, w *envelope.FrameWriter, onErr func(error)) *sender {
	s := &sender{
		inbox: make(chan []byte, sendBufferSize),
	}

	go s.loop(ctx, w, onErr)

	return s
}

// loop is the single-writer goroutine.
func (s *sender) loop(ctx context.Context, w *envelope.FrameWriter, onErr func(error)) {
	for {
		select {
		case frame := <-s.inbox:
			if err := w.WriteFrame(frame); err != nil {
				if ctx.Err() == nil {
					onErr(fmt.Errorf("write frame: %w", err))
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a frame for transmission. It blocks if the internal buffer
// is full and reports false when ctx is already cancelled.
func (s *sender) send(ctx context.Context, frame []byte) bool {
	select {
	case s.inbox <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}
