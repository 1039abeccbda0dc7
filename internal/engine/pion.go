package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// pion's own ICE defaults, used when only one timeout is overridden.
const (
	defaultDisconnectedTimeout = 5 * time.Second
	defaultFailedTimeout       = 25 * time.Second
	defaultKeepaliveInterval   = 2 * time.Second
)

// NewPionFactory returns a Factory creating pion/webrtc PeerConnections.
func NewPionFactory() Factory {
	return func(cfg Config) (Engine, error) {
		return newPionEngine(cfg)
	}
}

// pionEngine adapts a *webrtc.PeerConnection to the Engine interface.
type pionEngine struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	channels map[*pionChannel]struct{} // open or opening, dropped on close
}

func newPionEngine(cfg Config) (*pionEngine, error) {
	se, err := settingEngine(cfg.Options)
	if err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("create PeerConnection: %w", err)
	}

	return &pionEngine{pc: pc, channels: make(map[*pionChannel]struct{})}, nil
}

func settingEngine(opts Options) (webrtc.SettingEngine, error) {
	var se webrtc.SettingEngine

	if opts.UDPPortMin != 0 || opts.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return se, fmt.Errorf("set UDP port range %d-%d: %w", opts.UDPPortMin, opts.UDPPortMax, err)
		}
	}

	if opts.DisconnectedTimeout > 0 || opts.FailedTimeout > 0 {
		disconnected, failed := opts.DisconnectedTimeout, opts.FailedTimeout
		if disconnected <= 0 {
			disconnected = defaultDisconnectedTimeout
		}
		if failed <= 0 {
			failed = defaultFailedTimeout
		}
		se.SetICETimeouts(disconnected, failed, defaultKeepaliveInterval)
	}

	if opts.IPv4Only {
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	if opts.Loopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return se, nil
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer adds a recvonly transceiver for each wanted media kind that has
// none yet, then generates the offer.
func (e *pionEngine) CreateOffer(c Constraints) (Description, error) {
	if c.WantAudio {
		if err := e.ensureTransceiver(webrtc.RTPCodecTypeAudio); err != nil {
			return Description{}, err
		}
	}
	if c.WantVideo {
		if err := e.ensureTransceiver(webrtc.RTPCodecTypeVideo); err != nil {
			return Description{}, err
		}
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, err
	}
	return fromPionDescription(offer), nil
}

// CreateAnswer generates an answer. Media lines are dictated by the remote
// offer, so the constraints only matter for the offering side.
func (e *pionEngine) CreateAnswer(Constraints) (Description, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, err
	}
	return fromPionDescription(answer), nil
}

func (e *pionEngine) SetLocalDescription(d Description) error {
	return e.pc.SetLocalDescription(toPionDescription(d))
}

func (e *pionEngine) SetRemoteDescription(d Description) error {
	return e.pc.SetRemoteDescription(toPionDescription(d))
}

func (e *pionEngine) AddICECandidate(c Candidate) error {
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (e *pionEngine) ensureTransceiver(kind webrtc.RTPCodecType) error {
	for _, t := range e.pc.GetTransceivers() {
		if t.Kind() == kind {
			return nil
		}
	}

	_, err := e.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add %s transceiver: %w", kind, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

func (e *pionEngine) SignalingState() SignalingState {
	return fromPionSignalingState(e.pc.SignalingState())
}

func (e *pionEngine) ICEConnectionState() ICEConnectionState {
	return fromPionICEState(e.pc.ICEConnectionState())
}

// MediaKind resolves mid against the transceivers. Browsers of the plan-b
// era tag candidates with the literal kind instead of a numeric mid.
func (e *pionEngine) MediaKind(mid string) MediaKind {
	switch mid {
	case "audio":
		return MediaAudio
	case "video":
		return MediaVideo
	case "data":
		return MediaData
	}

	for _, t := range e.pc.GetTransceivers() {
		if t.Mid() != mid {
			continue
		}
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			return MediaAudio
		case webrtc.RTPCodecTypeVideo:
			return MediaVideo
		}
	}
	return MediaUnknown
}

func (e *pionEngine) Close() error {
	err := e.pc.Close()

	e.mu.Lock()
	channels := e.channels
	e.channels = make(map[*pionChannel]struct{})
	e.mu.Unlock()

	// pion does not always report OnClose for channels torn down with the
	// association, so make sure consumers see it.
	for ch := range channels {
		ch.events.Close()
	}
	return err
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

func (e *pionEngine) OnSignalingStateChange(fn func(SignalingState)) {
	e.pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		fn(fromPionSignalingState(s))
	})
}

// OnICECandidate drops the nil candidate pion uses to signal the end of
// gathering.
func (e *pionEngine) OnICECandidate(fn func(Candidate)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (e *pionEngine) OnDataChannel(fn func(RawChannel)) {
	e.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(e.wrap(dc))
	})
}

func (e *pionEngine) OnNegotiationNeeded(fn func()) {
	e.pc.OnNegotiationNeeded(fn)
}

func (e *pionEngine) OnTrack(fn func(Track)) {
	e.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(pionTrack{track})
	})
}

// ---------------------------------------------------------------------------
// Data channels
// ---------------------------------------------------------------------------

// CreateDataChannel creates an ordered, reliable data channel.
func (e *pionEngine) CreateDataChannel(label string) (RawChannel, error) {
	dc, err := e.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return e.wrap(dc), nil
}

func (e *pionEngine) wrap(dc *webrtc.DataChannel) *pionChannel {
	ch := &pionChannel{dc: dc}

	// Register pion handlers immediately so nothing fires before the
	// session gets around to subscribing.
	dc.OnOpen(ch.events.Open)
	dc.OnClose(func() {
		e.forget(ch)
		ch.events.Close()
	})
	dc.OnError(ch.events.Error)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		ch.events.Message(Message{IsString: msg.IsString, Data: msg.Data})
	})

	e.mu.Lock()
	e.channels[ch] = struct{}{}
	e.mu.Unlock()

	return ch
}

func (e *pionEngine) forget(ch *pionChannel) {
	e.mu.Lock()
	delete(e.channels, ch)
	e.mu.Unlock()
}

// pionChannel adapts *webrtc.DataChannel to RawChannel.
type pionChannel struct {
	dc     *webrtc.DataChannel
	events ChannelEvents
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) ReadyState() ChannelState {
	switch c.dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return ChannelStateOpen
	case webrtc.DataChannelStateClosing:
		return ChannelStateClosing
	case webrtc.DataChannelStateClosed:
		return ChannelStateClosed
	default:
		return ChannelStateConnecting
	}
}

func (c *pionChannel) Send(data []byte) error { return c.dc.Send(data) }
func (c *pionChannel) Close() error           { return c.dc.Close() }

func (c *pionChannel) BufferedAmount() uint64 { return c.dc.BufferedAmount() }
func (c *pionChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.dc.SetBufferedAmountLowThreshold(threshold)
}
func (c *pionChannel) OnBufferedAmountLow(fn func()) { c.dc.OnBufferedAmountLow(fn) }

func (c *pionChannel) OnOpen(fn func())           { c.events.OnOpen(fn) }
func (c *pionChannel) OnClose(fn func())          { c.events.OnClose(fn) }
func (c *pionChannel) OnError(fn func(error))     { c.events.OnError(fn) }
func (c *pionChannel) OnMessage(fn func(Message)) { c.events.OnMessage(fn) }

// pionTrack adapts *webrtc.TrackRemote to Track.
type pionTrack struct {
	track *webrtc.TrackRemote
}

func (t pionTrack) ID() string       { return t.track.ID() }
func (t pionTrack) StreamID() string { return t.track.StreamID() }
func (t pionTrack) Kind() MediaKind {
	switch t.track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		return MediaAudio
	case webrtc.RTPCodecTypeVideo:
		return MediaVideo
	}
	return MediaUnknown
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func fromPionDescription(d webrtc.SessionDescription) Description {
	return Description{Type: d.Type.String(), SDP: d.SDP}
}

func toPionDescription(d Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromPionSignalingState(s webrtc.SignalingState) SignalingState {
	switch s {
	case webrtc.SignalingStateStable:
		return SignalingStateStable
	case webrtc.SignalingStateHaveLocalOffer:
		return SignalingStateHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return SignalingStateHaveRemoteOffer
	case webrtc.SignalingStateHaveLocalPranswer:
		return SignalingStateHaveLocalPranswer
	case webrtc.SignalingStateHaveRemotePranswer:
		return SignalingStateHaveRemotePranswer
	case webrtc.SignalingStateClosed:
		return SignalingStateClosed
	default:
		return SignalingStateUnknown
	}
}

func fromPionICEState(s webrtc.ICEConnectionState) ICEConnectionState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return ICEConnectionStateChecking
	case webrtc.ICEConnectionStateConnected:
		return ICEConnectionStateConnected
	case webrtc.ICEConnectionStateCompleted:
		return ICEConnectionStateCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return ICEConnectionStateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ICEConnectionStateFailed
	case webrtc.ICEConnectionStateClosed:
		return ICEConnectionStateClosed
	default:
		return ICEConnectionStateNew
	}
}
