package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtcstream/internal/rtcstream"
	"github.com/1ureka/rtcstream/internal/transport"
)

const writeWait = 10 * time.Second

// WSStream carries signaling over a WebSocket, one envelope per text
// message.
type WSStream struct {
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	startOnce sync.Once
	endOnce   sync.Once

	transport.Observers
}

var _ rtcstream.ByteStream = (*WSStream)(nil)

// NewWSStream wraps conn. Reading starts with Start, after the stream has
// been wired to its consumer.
func NewWSStream(ctx context.Context, conn *websocket.Conn) *WSStream {
	sCtx, sCancel := context.WithCancel(ctx)
	s := &WSStream{conn: conn, ctx: sCtx, cancel: sCancel}

	// Parent context cancelled → end the stream.
	go func() {
		<-sCtx.Done()
		s.End()
	}()

	return s
}

// Start begins reading messages. Calls after the first are no-ops.
func (s *WSStream) Start() {
	s.startOnce.Do(func() { go s.watch() })
}

// Done returns a channel that is closed when the stream has ended.
func (s *WSStream) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Write sends p as one text message.
func (s *WSStream) Write(p []byte) (int, error) {
	if s.ctx.Err() != nil {
		return 0, rtcstream.ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, fmt.Errorf("write WS message: %w", err)
	}
	return len(p), nil
}

// End sends a close frame, closes the connection and notifies end observers
// once.
func (s *WSStream) End() error {
	var err error
	s.endOnce.Do(func() {
		s.cancel()

		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		err = s.conn.Close()
		s.EmitEnd()
	})
	return err
}

// watch reads messages until the connection closes.
func (s *WSStream) watch() {
	for {
		typ, p, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) && s.ctx.Err() == nil {
				s.EmitError(fmt.Errorf("read WS message: %w", err))
			}
			s.End()
			return
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		s.EmitData(p)
	}
}
