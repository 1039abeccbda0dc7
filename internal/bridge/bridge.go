// Package bridge forwards TCP connections over named channels of an
// rtcstream session. The client side listens locally and opens one channel
// per accepted connection; the host side dials the target for every channel
// it receives.
package bridge

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/rtcstream/internal/rtcstream"
	"github.com/1ureka/rtcstream/internal/util"
)

// DefaultLabel prefixes the channel labels of forwarded connections.
const DefaultLabel = "tcp"

// Options tune a bridge.
type Options struct {
	Label       string        // channel label prefix; DefaultLabel when empty
	OpenTimeout time.Duration // client side: how long a channel may take to open
}

func (o Options) label() string {
	if o.Label == "" {
		return DefaultLabel
	}
	return o.Label
}

// LabelPolicy admits only channels carrying forwarded connections.
func LabelPolicy(prefix string) rtcstream.ChannelPolicy {
	if prefix == "" {
		prefix = DefaultLabel
	}
	return func(label string) bool {
		return strings.HasPrefix(label, prefix+"-")
	}
}

// bridge manages the label route table and auto-cleanup.
// It is unexported; callers use RunAsHost and RunAsClient.
type bridge struct {
	ctx context.Context

	mu     sync.Mutex
	routes map[string]*Socket
}

// newBridge creates an empty bridge bound to the given context.
func newBridge(ctx context.Context) *bridge {
	return &bridge{
		ctx:    ctx,
		routes: make(map[string]*Socket),
	}
}

// register adds a socket to the route table and starts an auto-cleanup
// goroutine that removes the entry when the socket's context is done.
func (b *bridge) register(s *Socket) {
	b.mu.Lock()
	if old, ok := b.routes[s.label]; ok {
		util.LogWarning("[%s] duplicate stream, closing the previous one", s.label)
		go old.cleanup()
	}
	b.routes[s.label] = s
	b.mu.Unlock()
	util.LogDebug("[%s] stream registered (%d active)", s.label, b.active())

	go func() {
		<-s.ctx.Done()
		b.mu.Lock()
		if b.routes[s.label] == s {
			delete(b.routes, s.label)
		}
		b.mu.Unlock()
	}()
}

// active returns the number of live sockets.
func (b *bridge) active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.routes)
}

// sessionDone returns a channel closed when sess ends.
func sessionDone(sess *rtcstream.Session) <-chan struct{} {
	done := make(chan struct{})
	var once sync.Once
	sess.OnEnd(func() { once.Do(func() { close(done) }) })
	if sess.State() == rtcstream.StateClosed {
		once.Do(func() { close(done) })
	}
	return done
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// RunAsHost accepts forwarded connections on sess: every channel whose label
// carries the bridge prefix gets a Socket that dials targetAddr. Channels
// with other labels are closed.
// Blocks until the session ends or ctx is cancelled.
func RunAsHost(ctx context.Context, sess *rtcstream.Session, targetAddr string, opts Options) error {
	b := newBridge(ctx)
	policy := LabelPolicy(opts.label())
	done := sessionDone(sess)

	sess.OnAnyChannel(func(ch *rtcstream.Channel) {
		if !policy(ch.Label()) {
			util.LogDebug("ignoring channel %q", ch.Label())
			ch.End()
			return
		}

		s := newSocket(ctx, ch)
		b.register(s)
		go s.runAsHost(targetAddr)
	})

	util.LogInfo("forwarding incoming streams to %s", targetAddr)

	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// Listen opens the client-side TCP listener on localhost.
func Listen(localPort int) (net.Listener, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", localPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return listener, nil
}

// RunAsClient accepts TCP connections on listener; each accepted connection
// opens a channel on sess and is bridged to it once the channel is open.
// The listener is closed on return.
// Blocks until the session ends or ctx is cancelled.
func RunAsClient(ctx context.Context, sess *rtcstream.Session, listener net.Listener, opts Options) error {
	b := newBridge(ctx)
	done := sessionDone(sess)

	go func() {
		select {
		case <-done:
		case <-ctx.Done():
		}
		listener.Close()
	}()

	util.LogInfo("local service listening on %s", listener.Addr())

	// Accept loop in a separate goroutine so we can also wait on the session.
	acceptErr := make(chan error, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
				case <-done:
				default:
					acceptErr <- fmt.Errorf("accept: %w", err)
				}
				return
			}

			label := util.StreamLabel(opts.label(), util.StreamIDFromConn(conn))
			util.LogDebug("[%s] new connection from %s", label, conn.RemoteAddr())

			go func() {
				r := <-sess.CreateChannel(label, opts.OpenTimeout)
				if r.Channel == nil {
					switch {
					case r.TimedOut:
						util.LogWarning("[%s] channel open timed out", label)
					case r.Err != nil:
						util.LogWarning("[%s] channel open failed: %v", label, r.Err)
					}
					conn.Close()
					return
				}

				s := newSocketWithConn(ctx, r.Channel, conn)
				b.register(s)
				s.runAsClient()
			}()
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	case err := <-acceptErr:
		return err
	}
	return nil
}
