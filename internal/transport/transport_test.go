package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/1ureka/rtcstream/internal/engine/enginetest"
	"github.com/1ureka/rtcstream/internal/rtcstream"
)

func recvWithin[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func TestConnStreamFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1, c2 := net.Pipe()
	a := NewConnStream(ctx, c1)
	b := NewConnStream(ctx, c2)

	frames := make(chan string, 4)
	b.OnData(func(c rtcstream.Chunk) { frames <- string(c.Data) })
	ended := make(chan struct{})
	b.OnEnd(func() { close(ended) })
	a.Start()
	b.Start()

	for _, msg := range []string{`{"type":"offer","data":{}}`, `{"type":"answer","data":{}}`} {
		if _, err := a.Write([]byte(msg)); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if got := recvWithin(t, frames); got != msg {
			t.Fatalf("frame = %q, want %q", got, msg)
		}
	}

	if _, err := a.Write([]byte("two\nlines")); err == nil {
		t.Fatal("Write accepted a frame with a newline")
	}

	a.End()
	recvWithin(t, ended)
	if _, err := a.Write([]byte("late")); !errors.Is(err, rtcstream.ErrNotConnected) {
		t.Fatalf("Write after End = %v", err)
	}
	if err := a.End(); err != nil {
		t.Fatalf("second End = %v", err)
	}
}

func TestConnStreamEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c1, c2 := net.Pipe()
	defer c2.Close()

	s := NewConnStream(ctx, c1)
	ended := make(chan struct{})
	s.OnEnd(func() { close(ended) })
	s.Start()

	cancel()
	recvWithin(t, ended)
	<-s.Done()
}

func TestSessionsOverTCP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrs := make(chan string, 1)
	accepted := make(chan *ConnStream, 1)
	go func() {
		s, err := Accept(ctx, "127.0.0.1:0", func(a net.Addr) { addrs <- a.String() })
		if err != nil {
			t.Errorf("Accept: %v", err)
			close(accepted)
			return
		}
		accepted <- s
	}()

	client, err := Dial(ctx, recvWithin(t, addrs))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server := recvWithin(t, accepted)
	if server == nil {
		t.FailNow()
	}

	network := enginetest.NewNetwork()
	host := rtcstream.New(network.Factory(), server)
	peer := rtcstream.New(network.Factory(), client)
	server.Start()
	client.Start()
	defer host.End()

	got := make(chan string, 1)
	host.OnChannel("greet", func(ch *rtcstream.Channel) {
		ch.SetEncoding("utf8")
		ch.OnData(func(c rtcstream.Chunk) { got <- c.Text })
	})

	r := recvWithin(t, peer.CreateChannel("greet", 2*time.Second))
	if r.Channel == nil {
		t.Fatalf("CreateChannel = %+v", r)
	}
	r.Channel.WriteString("hello over tcp")
	if msg := recvWithin(t, got); msg != "hello over tcp" {
		t.Fatalf("received %q", msg)
	}

	// Ending a session closes its signaling connection, which ends the other.
	peerEnded := make(chan struct{})
	peer.OnEnd(func() { close(peerEnded) })
	host.End()
	recvWithin(t, peerEnded)
}

func TestAcceptCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := Accept(ctx, "127.0.0.1:0", nil)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := recvWithin(t, errs); !errors.Is(err, context.Canceled) {
		t.Fatalf("Accept = %v", err)
	}
}
