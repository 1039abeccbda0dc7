// Package engine defines the peer-connection capability a session drives,
// and provides the pion/webrtc implementation of it.
//
// Sessions never talk to pion directly: they are handed a Factory and only
// use the operations and notifications declared here, so tests can swap in
// an in-memory engine.
package engine

import (
	"errors"
	"time"
)

// ErrClosed is returned by operations on an engine or channel that has been
// closed.
var ErrClosed = errors.New("engine closed")

// SignalingState mirrors the W3C RTCSignalingState values.
type SignalingState int

const (
	SignalingStateStable SignalingState = iota
	SignalingStateHaveLocalOffer
	SignalingStateHaveRemoteOffer
	SignalingStateHaveLocalPranswer
	SignalingStateHaveRemotePranswer
	SignalingStateClosed

	// SignalingStateUnknown is reported for states the engine cannot map.
	// It never advances a session.
	SignalingStateUnknown
)

func (s SignalingState) String() string {
	switch s {
	case SignalingStateStable:
		return "stable"
	case SignalingStateHaveLocalOffer:
		return "have-local-offer"
	case SignalingStateHaveRemoteOffer:
		return "have-remote-offer"
	case SignalingStateHaveLocalPranswer:
		return "have-local-pranswer"
	case SignalingStateHaveRemotePranswer:
		return "have-remote-pranswer"
	case SignalingStateClosed:
		return "closed"
	}
	return "unknown"
}

// ICEConnectionState mirrors the W3C RTCIceConnectionState values.
type ICEConnectionState int

const (
	ICEConnectionStateNew ICEConnectionState = iota
	ICEConnectionStateChecking
	ICEConnectionStateConnected
	ICEConnectionStateCompleted
	ICEConnectionStateDisconnected
	ICEConnectionStateFailed
	ICEConnectionStateClosed
)

func (s ICEConnectionState) String() string {
	switch s {
	case ICEConnectionStateNew:
		return "new"
	case ICEConnectionStateChecking:
		return "checking"
	case ICEConnectionStateConnected:
		return "connected"
	case ICEConnectionStateCompleted:
		return "completed"
	case ICEConnectionStateDisconnected:
		return "disconnected"
	case ICEConnectionStateFailed:
		return "failed"
	case ICEConnectionStateClosed:
		return "closed"
	}
	return "unknown"
}

// MediaKind is the kind of media line an ICE candidate belongs to.
type MediaKind int

const (
	MediaUnknown MediaKind = iota
	MediaAudio
	MediaVideo
	MediaData
)

func (k MediaKind) String() string {
	switch k {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	case MediaData:
		return "data"
	}
	return "unknown"
}

// ChannelState mirrors the W3C RTCDataChannelState values.
type ChannelState int

const (
	ChannelStateConnecting ChannelState = iota
	ChannelStateOpen
	ChannelStateClosing
	ChannelStateClosed
)

// Description is a session description. It marshals to the same JSON as
// RTCSessionDescriptionInit.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is an ICE candidate. It marshals to the same JSON as
// RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Mid returns the media stream identification tag, or "" when absent.
func (c Candidate) Mid() string {
	if c.SDPMid == nil {
		return ""
	}
	return *c.SDPMid
}

// Constraints select which media a session offers to receive.
type Constraints struct {
	WantAudio bool
	WantVideo bool
}

// ICEServer is one STUN or TURN server.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Options are engine tunables that are inherited by nested sessions.
type Options struct {
	// UDPPortMin and UDPPortMax restrict the local ports used for ICE. Zero
	// means any port.
	UDPPortMin uint16 `yaml:"udpPortMin,omitempty"`
	UDPPortMax uint16 `yaml:"udpPortMax,omitempty"`

	// DisconnectedTimeout and FailedTimeout tune ICE liveness checks. Zero
	// keeps the engine default.
	DisconnectedTimeout time.Duration `yaml:"disconnectedTimeout,omitempty"`
	FailedTimeout       time.Duration `yaml:"failedTimeout,omitempty"`

	// IPv4Only restricts gathering to udp4 candidates.
	IPv4Only bool `yaml:"ipv4Only,omitempty"`

	// Loopback also gathers candidates on loopback interfaces.
	Loopback bool `yaml:"loopback,omitempty"`
}

// Config is everything needed to instantiate one engine.
type Config struct {
	ICEServers []ICEServer
	Options    Options
}

// Message is one inbound data channel message as delivered by the engine.
type Message struct {
	IsString bool
	Data     []byte
}

// Track is a remote media track announced by the engine.
type Track interface {
	ID() string
	StreamID() string
	Kind() MediaKind
}

// RawChannel is a data channel owned by an engine. Handlers registered after
// the corresponding event has already happened are invoked immediately
// (open) or receive the buffered backlog (messages), so registering from a
// different goroutine than the engine's never loses events.
type RawChannel interface {
	Label() string
	ReadyState() ChannelState
	Send(data []byte) error
	Close() error

	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(threshold uint64)
	OnBufferedAmountLow(fn func())

	OnOpen(fn func())
	OnClose(fn func())
	OnError(fn func(error))
	OnMessage(fn func(Message))
}

// Engine is one peer connection. Operations are synchronous; notifications
// may be delivered on any goroutine.
type Engine interface {
	CreateOffer(c Constraints) (Description, error)
	CreateAnswer(c Constraints) (Description, error)
	SetLocalDescription(d Description) error
	SetRemoteDescription(d Description) error
	AddICECandidate(c Candidate) error
	CreateDataChannel(label string) (RawChannel, error)

	SignalingState() SignalingState
	ICEConnectionState() ICEConnectionState

	// MediaKind resolves the media line identified by mid.
	MediaKind(mid string) MediaKind

	Close() error

	OnSignalingStateChange(fn func(SignalingState))
	OnICECandidate(fn func(Candidate))
	OnDataChannel(fn func(RawChannel))
	OnNegotiationNeeded(fn func())
	OnTrack(fn func(Track))
}

// Factory creates engines. A session calls it lazily, once per engine
// instance.
type Factory func(cfg Config) (Engine, error)
