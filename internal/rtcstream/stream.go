package rtcstream

import (
	"errors"

	"github.com/1ureka/rtcstream/internal/util"
)

// ByteStream is the duplex stream shape shared by sessions, data channels
// and transports.
type ByteStream interface {
	// Write queues p for delivery to the other side.
	Write(p []byte) (int, error)
	// End closes the stream. It is idempotent.
	End() error

	OnData(fn func(Chunk))
	OnEnd(fn func())
	OnError(fn func(error))
}

// Pipe connects a and b in both directions: data emitted by one is written
// to the other, and ending either ends the other.
func Pipe(a, b ByteStream) {
	forward(a, b)
	forward(b, a)
}

func forward(src, dst ByteStream) {
	src.OnData(func(c Chunk) {
		if _, err := dst.Write(c.Data); err != nil && !errors.Is(err, ErrNotConnected) {
			util.LogDebug("pipe: write failed: %v", err)
		}
	})
	src.OnEnd(func() {
		dst.End()
	})
}
