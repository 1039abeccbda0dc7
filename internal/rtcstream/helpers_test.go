package rtcstream

import (
	"testing"
	"time"

	"github.com/1ureka/rtcstream/internal/engine"
	"github.com/1ureka/rtcstream/internal/engine/enginetest"
	"github.com/1ureka/rtcstream/internal/envelope"
)

const waitTimeout = 2 * time.Second

// recv waits for one value from ch.
func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}

// eventually polls cond until it holds.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// flush waits until every task posted to s so far has run.
func flush(t *testing.T, s *Session) {
	t.Helper()
	done := make(chan struct{})
	s.exec.post(func() { close(done) })
	recv(t, done)
}

type pair struct {
	net  *enginetest.Network
	a, b *Session
}

// newPair returns two sessions whose signaling is piped together.
func newPair(t *testing.T, opts ...Option) pair {
	t.Helper()
	net := enginetest.NewNetwork()
	a := New(net.Factory(), nil, opts...)
	b := New(net.Factory(), nil, opts...)
	Pipe(a, b)
	t.Cleanup(func() {
		a.End()
		b.End()
	})
	return pair{net: net, a: a, b: b}
}

// rawChannel finds the in-memory channel with label on the given engine.
func rawChannel(t *testing.T, e *enginetest.Engine, label string) *enginetest.Channel {
	t.Helper()
	for _, ch := range e.Channels() {
		if ch.Label() == label {
			return ch
		}
	}
	t.Fatalf("engine %s has no channel %q", e.ID(), label)
	return nil
}

func candidateFrame(t *testing.T, mid string) []byte {
	t.Helper()
	frame, err := envelope.Encode(envelope.TypeICECandidate, enginetest.NewCandidate(mid, "candidate:1 1 udp 1 10.0.0.1 9 typ host"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return frame
}

// envelopeTypes decodes the type of every outbound frame of s.
func envelopeTypes(s *Session) <-chan envelope.Type {
	out := make(chan envelope.Type, 64)
	s.OnData(func(c Chunk) {
		env, err := envelope.Decode(c.Data)
		if err == nil {
			out <- env.Type
		}
	})
	return out
}

func sentCandidates(s *Session) <-chan engine.Candidate {
	out := make(chan engine.Candidate, 64)
	s.OnData(func(c Chunk) {
		env, err := envelope.Decode(c.Data)
		if err != nil || env.Type != envelope.TypeICECandidate {
			return
		}
		var cand engine.Candidate
		if env.Payload(&cand) == nil {
			out <- cand
		}
	})
	return out
}
