package bridge

import (
	"context"
	"net"
	"sync"

	"github.com/1ureka/rtcstream/internal/rtcstream"
	"github.com/1ureka/rtcstream/internal/util"
)

// Tuning constants.
const (
	maxChunkSize    = 16 * 1024 // bytes per channel write
	inboxBufferSize = 64        // per-socket inbound chunk capacity
)

// Socket holds the complete lifecycle state for one forwarded connection.
type Socket struct {
	// Identity
	label string

	// Lifecycle
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	remoteOnce sync.Once
	remoteDone chan struct{}

	// Communication
	ch    *rtcstream.Channel
	inbox chan []byte // fed by the channel's data events

	// TCP side
	mu      sync.Mutex
	tcpConn net.Conn
}

// newSocket creates a Socket without a TCP connection (used by host mode).
// The channel's events are wired immediately so no data is lost while the
// target is being dialed.
func newSocket(parentCtx context.Context, ch *rtcstream.Channel) *Socket {
	ctx, cancel := context.WithCancel(parentCtx)
	s := &Socket{
		label:      ch.Label(),
		ctx:        ctx,
		cancel:     cancel,
		remoteDone: make(chan struct{}),
		ch:         ch,
		inbox:      make(chan []byte, inboxBufferSize),
	}

	// Runs on the session executor; a full inbox stalls it until the TCP
	// side catches up.
	ch.OnData(func(c rtcstream.Chunk) {
		select {
		case s.inbox <- c.Data:
		case <-s.ctx.Done():
		}
	})
	ch.OnEnd(s.markRemoteDone)
	ch.OnError(func(err error) {
		util.LogDebug("[%s] channel error: %v", s.label, err)
	})
	if ch.Closed() {
		s.markRemoteDone()
	}

	return s
}

// newSocketWithConn creates a Socket with an already-established TCP connection
// (used by client mode, where the local TCP accept happens first).
func newSocketWithConn(parentCtx context.Context, ch *rtcstream.Channel, conn net.Conn) *Socket {
	s := newSocket(parentCtx, ch)
	s.tcpConn = conn
	return s
}

func (s *Socket) markRemoteDone() {
	s.remoteOnce.Do(func() { close(s.remoteDone) })
}

func (s *Socket) conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpConn
}

// ---------------------------------------------------------------------------
// Host-side entry point
// ---------------------------------------------------------------------------

// runAsHost dials targetAddr and forwards data both ways until either side
// closes.
func (s *Socket) runAsHost(targetAddr string) {
	defer s.cleanup()

	var d net.Dialer
	conn, err := d.DialContext(s.ctx, "tcp", targetAddr)
	if err != nil {
		util.LogWarning("[%s] TCP dial failed: %v", s.label, err)
		return
	}
	s.mu.Lock()
	s.tcpConn = conn
	s.mu.Unlock()
	util.LogDebug("[%s] TCP connected to %s", s.label, targetAddr)

	go s.pumpTCPToChannel()
	s.pumpChannelToTCP()
}

// ---------------------------------------------------------------------------
// Client-side entry point
// ---------------------------------------------------------------------------

// runAsClient forwards data both ways on an accepted connection until either
// side closes.
func (s *Socket) runAsClient() {
	defer s.cleanup()

	go s.pumpTCPToChannel()
	s.pumpChannelToTCP()
}

// ---------------------------------------------------------------------------
// Channel → TCP
// ---------------------------------------------------------------------------

// pumpChannelToTCP writes inbound chunks to the TCP connection. Once the
// channel ends, chunks already queued are flushed before returning.
func (s *Socket) pumpChannelToTCP() {
	for {
		select {
		case p := <-s.inbox:
			if !s.writeTCP(p) {
				return
			}
		case <-s.remoteDone:
			for {
				select {
				case p := <-s.inbox:
					if !s.writeTCP(p) {
						return
					}
				default:
					util.LogDebug("[%s] channel closed", s.label)
					return
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Socket) writeTCP(p []byte) bool {
	if _, err := s.conn().Write(p); err != nil {
		util.LogDebug("[%s] TCP write error: %v", s.label, err)
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// TCP → Channel
// ---------------------------------------------------------------------------

// pumpTCPToChannel reads from the TCP connection and writes to the channel,
// waiting while the channel's send buffer is above its high-water mark.
// It uses a blocking Read; cleanup() closes the TCP connection to unblock it.
func (s *Socket) pumpTCPToChannel() {
	defer s.cleanup()

	conn := s.conn()
	buf := make([]byte, maxChunkSize)
	for {
		n, err := conn.Read(buf)

		if n > 0 {
			if werr := s.ch.WaitWritable(s.ctx); werr != nil {
				return
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if _, werr := s.ch.Write(payload); werr != nil {
				return
			}
		}

		if err != nil {
			select {
			case <-s.ctx.Done():
				// Already shutting down.
			default:
				util.LogDebug("[%s] TCP read ended: %v", s.label, err)
			}
			return
		}
	}
}

// cleanup consolidates all shutdown actions behind sync.Once so that
// regardless of which goroutine exits first, resources are released
// exactly once and the peer sees a single channel close.
func (s *Socket) cleanup() {
	s.closeOnce.Do(func() {
		s.cancel()
		if conn := s.conn(); conn != nil {
			conn.Close()
		}
		s.ch.End()
		util.LogDebug("[%s] socket cleanup complete", s.label)
	})
}
