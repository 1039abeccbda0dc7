package enginetest

import (
	"testing"

	"github.com/1ureka/rtcstream/internal/engine"
)

func negotiate(t *testing.T, a, b engine.Engine) {
	t.Helper()

	offer, err := a.CreateOffer(engine.Constraints{})
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := a.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription(offer): %v", err)
	}
	if err := b.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription(offer): %v", err)
	}
	answer, err := b.CreateAnswer(engine.Constraints{})
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := b.SetLocalDescription(answer); err != nil {
		t.Fatalf("SetLocalDescription(answer): %v", err)
	}
	if err := a.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription(answer): %v", err)
	}
}

func TestChannelsOpenAfterNegotiation(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Factory()(engine.Config{})
	b, _ := n.Factory()(engine.Config{})

	var remote engine.RawChannel
	b.OnDataChannel(func(ch engine.RawChannel) { remote = ch })

	negotiated := 0
	a.OnNegotiationNeeded(func() { negotiated++ })

	local, err := a.CreateDataChannel("chat")
	if err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	if _, err := a.CreateDataChannel("second"); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	if negotiated != 1 {
		t.Fatalf("negotiation needed fired %d times, want 1", negotiated)
	}
	if local.ReadyState() != engine.ChannelStateConnecting {
		t.Fatalf("channel state before negotiation = %v", local.ReadyState())
	}

	negotiate(t, a, b)

	if remote == nil || remote.Label() != "second" {
		t.Fatalf("remote channel = %v", remote)
	}
	if local.ReadyState() != engine.ChannelStateOpen {
		t.Fatalf("local channel not open")
	}
	if a.ICEConnectionState() != engine.ICEConnectionStateConnected {
		t.Fatalf("ICE state = %s", a.ICEConnectionState())
	}

	var got []string
	b.(*Engine).Channels()[0].OnMessage(func(m engine.Message) { got = append(got, string(m.Data)) })
	if err := local.Send([]byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got) != 1 || got[0] != "hi" {
		t.Fatalf("received %q", got)
	}

	closed := false
	b.(*Engine).Channels()[0].OnClose(func() { closed = true })
	local.Close()
	if !closed {
		t.Fatal("closing one end did not close the other")
	}
}

func TestInvalidTransitions(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Factory()(engine.Config{})

	if err := a.SetRemoteDescription(engine.Description{Type: "answer", SDP: "enginetest answer e1"}); err == nil {
		t.Fatal("answer accepted in stable state")
	}
	if err := a.SetRemoteDescription(engine.Description{Type: "offer", SDP: "garbage"}); err == nil {
		t.Fatal("unparsable offer accepted")
	}
	if _, err := a.CreateAnswer(engine.Constraints{}); err == nil {
		t.Fatal("answer created without remote offer")
	}
}

func TestCandidatesFollowConstraints(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Factory()(engine.Config{})

	var mids []string
	a.OnICECandidate(func(c engine.Candidate) { mids = append(mids, c.Mid()) })

	offer, _ := a.CreateOffer(engine.Constraints{WantVideo: true})
	if err := a.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	if len(mids) != 2 || mids[0] != "data" || mids[1] != "video" {
		t.Fatalf("candidate mids = %v", mids)
	}
	if a.MediaKind("video") != engine.MediaVideo {
		t.Fatalf("MediaKind(video) = %v", a.MediaKind("video"))
	}
}
