// Package transport adapts reliable byte connections into signaling streams
// for rtcstream sessions.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/1ureka/rtcstream/internal/envelope"
	"github.com/1ureka/rtcstream/internal/rtcstream"
	"github.com/1ureka/rtcstream/internal/util"
)

// ConnStream carries newline-delimited signaling frames over a net.Conn.
// Each Write is one frame and each frame read is emitted as one chunk.
//
// Its lifecycle is governed by the connection and the context passed at
// construction time: whichever ends first ends the stream.
type ConnStream struct {
	conn   net.Conn
	sender *sender

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	endOnce   sync.Once

	Observers
}

var _ rtcstream.ByteStream = (*ConnStream)(nil)

// NewConnStream wraps conn. Reading starts with Start, after the stream has
// been wired to its consumer.
func NewConnStream(ctx context.Context, conn net.Conn) *ConnStream {
	sCtx, sCancel := context.WithCancel(ctx)

	s := &ConnStream{
		conn:   conn,
		ctx:    sCtx,
		cancel: sCancel,
	}
	s.sender = newSender(sCtx, envelope.NewFrameWriter(conn), s.EmitError)

	// Parent context cancelled → end the stream.
	go func() {
		<-sCtx.Done()
		s.End()
	}()

	return s
}

// Dial connects to addr and wraps the connection.
func Dial(ctx context.Context, addr string) (*ConnStream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	util.LogDebug("signaling connection to %s established", conn.RemoteAddr())
	return NewConnStream(ctx, conn), nil
}

// Accept listens on addr, waits for a single peer and wraps its connection.
// The listener is closed before returning.
func Accept(ctx context.Context, addr string, onListen func(net.Addr)) (*ConnStream, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	defer ln.Close()

	if onListen != nil {
		onListen(ln.Addr())
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	util.LogDebug("signaling peer connected from %s", conn.RemoteAddr())
	return NewConnStream(ctx, conn), nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start begins reading frames. Calls after the first are no-ops.
func (s *ConnStream) Start() {
	s.startOnce.Do(func() { go s.readLoop() })
}

// Done returns a channel that is closed when the stream has ended.
func (s *ConnStream) Done() <-chan struct{} {
	return s.ctx.Done()
}

// End closes the connection and notifies end observers once.
func (s *ConnStream) End() error {
	var err error
	s.endOnce.Do(func() {
		s.cancel()
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}

		s.EmitEnd()
	})
	return err
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Write queues p as one frame.
func (s *ConnStream) Write(p []byte) (int, error) {
	if s.ctx.Err() != nil {
		return 0, rtcstream.ErrNotConnected
	}
	if bytes.IndexByte(p, '\n') >= 0 {
		return 0, errors.New("frame contains a newline")
	}
	frame := append([]byte(nil), p...)
	if !s.sender.send(s.ctx, frame) {
		return 0, rtcstream.ErrNotConnected
	}
	return len(p), nil
}

func (s *ConnStream) readLoop() {
	r := envelope.NewFrameReader(s.conn)
	for {
		frame, err := r.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.EmitError(fmt.Errorf("read frame: %w", err))
			}
			s.End()
			return
		}

		s.EmitData(frame)
	}
}
