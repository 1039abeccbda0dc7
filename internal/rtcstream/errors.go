package rtcstream

import (
	"errors"

	"github.com/1ureka/rtcstream/internal/envelope"
	"github.com/1ureka/rtcstream/internal/util"
)

var (
	// ErrMalformedEnvelope is raised when an inbound signaling frame cannot
	// be decoded or its payload has the wrong shape. The session ends.
	ErrMalformedEnvelope = envelope.ErrMalformedEnvelope

	// ErrUnknownICEState is raised when a remote candidate arrives while the
	// ICE connection is in a state that cannot accept it. The session ends.
	ErrUnknownICEState = errors.New("unknown ICE connection state")

	// ErrSendFailed wraps a failure of the engine to send on a data
	// channel. The channel ends.
	ErrSendFailed = errors.New("send failed")

	// ErrNotConnected is returned when writing to a session or channel that
	// has already ended.
	ErrNotConnected = errors.New("not connected")

	// ErrInvalidChannel wraps a failure of the engine to create a data
	// channel.
	ErrInvalidChannel = errors.New("invalid data channel")
)

// emitError delivers err to its observers. An error nobody observes is
// fatal and panics on the emitting goroutine.
func emitError(h *hooks[error], scope util.Logger, err error) {
	if h.len() == 0 {
		scope.Error("unhandled error: %v", err)
		panic(err)
	}
	scope.Debug("error: %v", err)
	h.emit(err)
}
