// Package enginetest provides an in-memory engine for exercising sessions
// without real networking.
//
// Engines created from the same Network find each other through the
// descriptions they exchange: an offer carries the offerer's ID, applying it
// on another engine links the two, and once both sides are stable the link
// is considered connected and data channels open in pairs.
package enginetest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/1ureka/rtcstream/internal/engine"
)

// Network links the engines created by its Factory. All engine state is
// guarded by the network mutex so that linked engines never lock each other
// in different orders.
type Network struct {
	mu       sync.Mutex
	nextID   int
	engines  []*Engine
	byID     map[string]*Engine
	onCreate func(*Engine)
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{byID: make(map[string]*Engine)}
}

// OnCreate registers fn to run for every engine right after it is created,
// before the session sees it.
func (n *Network) OnCreate(fn func(*Engine)) {
	n.mu.Lock()
	n.onCreate = fn
	n.mu.Unlock()
}

// Factory returns an engine.Factory bound to this network.
func (n *Network) Factory() engine.Factory {
	return func(cfg engine.Config) (engine.Engine, error) {
		n.mu.Lock()
		n.nextID++
		e := &Engine{
			net:   n,
			id:    "e" + strconv.Itoa(n.nextID),
			cfg:   cfg,
			media: map[string]engine.MediaKind{"audio": engine.MediaAudio, "video": engine.MediaVideo, "data": engine.MediaData},
		}
		n.engines = append(n.engines, e)
		n.byID[e.id] = e
		hook := n.onCreate
		n.mu.Unlock()

		if hook != nil {
			hook(e)
		}
		return e, nil
	}
}

// Engines returns the engines created so far, in creation order.
func (n *Network) Engines() []*Engine {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Engine(nil), n.engines...)
}

// Engine is an in-memory engine.Engine.
type Engine struct {
	net *Network
	id  string
	cfg engine.Config

	// Everything below is guarded by net.mu.
	signaling engine.SignalingState
	ice       engine.ICEConnectionState
	iceForced bool
	closed    bool
	connected bool
	peer      *Engine
	media     map[string]engine.MediaKind

	wantAudio, wantVideo bool
	negotiationFired     bool

	pending  []*Channel
	channels []*Channel
	added    []engine.Candidate
	offers   int
	answers  int

	failSetRemote error
	failSetLocal  error
	failCreate    error

	onSignaling   func(engine.SignalingState)
	onCandidate   func(engine.Candidate)
	onDataChannel func(engine.RawChannel)
	onNegotiation func()
	onTrack       func(engine.Track)
}

var _ engine.Engine = (*Engine)(nil)

// ID identifies the engine inside its network.
func (e *Engine) ID() string { return e.id }

// Config returns the configuration the engine was created with.
func (e *Engine) Config() engine.Config { return e.cfg }

// ---------------------------------------------------------------------------
// Descriptions
// ---------------------------------------------------------------------------

func (e *Engine) CreateOffer(c engine.Constraints) (engine.Description, error) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()

	if e.closed {
		return engine.Description{}, engine.ErrClosed
	}
	e.offers++
	e.wantAudio, e.wantVideo = c.WantAudio, c.WantVideo
	sdp := fmt.Sprintf("enginetest offer %s audio=%t video=%t", e.id, c.WantAudio, c.WantVideo)
	return engine.Description{Type: "offer", SDP: sdp}, nil
}

func (e *Engine) CreateAnswer(engine.Constraints) (engine.Description, error) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()

	if e.closed {
		return engine.Description{}, engine.ErrClosed
	}
	if e.signaling != engine.SignalingStateHaveRemoteOffer {
		return engine.Description{}, fmt.Errorf("create answer in state %s", e.signaling)
	}
	e.answers++
	return engine.Description{Type: "answer", SDP: "enginetest answer " + e.id}, nil
}

func (e *Engine) SetLocalDescription(d engine.Description) error {
	e.net.mu.Lock()
	if err := e.failSetLocal; err != nil {
		e.net.mu.Unlock()
		return err
	}
	if e.closed {
		e.net.mu.Unlock()
		return engine.ErrClosed
	}

	switch {
	case d.Type == "offer" && e.signaling == engine.SignalingStateStable:
		e.signaling = engine.SignalingStateHaveLocalOffer
	case d.Type == "answer" && e.signaling == engine.SignalingStateHaveRemoteOffer:
		e.signaling = engine.SignalingStateStable
	default:
		state := e.signaling
		e.net.mu.Unlock()
		return fmt.Errorf("set local %s in state %s", d.Type, state)
	}

	state := e.signaling
	candidates := e.gatherLocked()
	fire := e.connectLocked()
	onSignaling, onCandidate := e.onSignaling, e.onCandidate
	e.net.mu.Unlock()

	if onSignaling != nil {
		onSignaling(state)
	}
	if onCandidate != nil {
		for _, c := range candidates {
			onCandidate(c)
		}
	}
	fire()
	return nil
}

func (e *Engine) SetRemoteDescription(d engine.Description) error {
	e.net.mu.Lock()
	if err := e.failSetRemote; err != nil {
		e.net.mu.Unlock()
		return err
	}
	if e.closed {
		e.net.mu.Unlock()
		return engine.ErrClosed
	}

	fields := strings.Fields(d.SDP)
	if len(fields) < 3 || fields[0] != "enginetest" || fields[1] != d.Type {
		e.net.mu.Unlock()
		return fmt.Errorf("unparsable %s description", d.Type)
	}
	peer, ok := e.net.byID[fields[2]]
	if !ok {
		e.net.mu.Unlock()
		return fmt.Errorf("unknown engine %s", fields[2])
	}

	switch {
	case d.Type == "offer" && e.signaling == engine.SignalingStateStable:
		e.signaling = engine.SignalingStateHaveRemoteOffer
		e.wantAudio = strings.Contains(d.SDP, "audio=true")
		e.wantVideo = strings.Contains(d.SDP, "video=true")
	case d.Type == "answer" && e.signaling == engine.SignalingStateHaveLocalOffer:
		e.signaling = engine.SignalingStateStable
	default:
		state := e.signaling
		e.net.mu.Unlock()
		return fmt.Errorf("set remote %s in state %s", d.Type, state)
	}

	e.peer = peer
	if e.ice == engine.ICEConnectionStateNew && !e.iceForced {
		e.ice = engine.ICEConnectionStateChecking
	}
	state := e.signaling
	fire := e.connectLocked()
	onSignaling := e.onSignaling
	e.net.mu.Unlock()

	if onSignaling != nil {
		onSignaling(state)
	}
	fire()
	return nil
}

// gatherLocked produces one host candidate per media line of the current
// negotiation.
func (e *Engine) gatherLocked() []engine.Candidate {
	mids := []string{"data"}
	if e.wantAudio {
		mids = append(mids, "audio")
	}
	if e.wantVideo {
		mids = append(mids, "video")
	}

	out := make([]engine.Candidate, 0, len(mids))
	for i, mid := range mids {
		out = append(out, NewCandidate(mid, fmt.Sprintf("candidate:%s%d 1 udp 2130706431 127.0.0.1 %d typ host", e.id, i, 50000+i)))
	}
	return out
}

// connectLocked links the engine with its peer once both are stable. The
// returned function fires the resulting notifications and must be called
// without the lock held.
func (e *Engine) connectLocked() func() {
	p := e.peer
	if e.connected || p == nil || p.peer != e ||
		e.signaling != engine.SignalingStateStable || p.signaling != engine.SignalingStateStable {
		return func() {}
	}

	e.connected, p.connected = true, true
	e.ice, p.ice = engine.ICEConnectionStateConnected, engine.ICEConnectionStateConnected

	var opens []func()
	for _, ch := range e.pending {
		if ch.state == engine.ChannelStateConnecting {
			opens = append(opens, e.linkLocked(ch))
		}
	}
	for _, ch := range p.pending {
		if ch.state == engine.ChannelStateConnecting {
			opens = append(opens, p.linkLocked(ch))
		}
	}
	e.pending, p.pending = nil, nil

	return func() {
		for _, open := range opens {
			open()
		}
	}
}

// linkLocked creates the remote end of local channel ch.
func (e *Engine) linkLocked(ch *Channel) func() {
	p := e.peer
	remote := &Channel{engine: p, label: ch.label, peer: ch}
	ch.peer = remote
	p.channels = append(p.channels, remote)
	onDataChannel := p.onDataChannel

	return func() {
		if onDataChannel != nil {
			onDataChannel(remote)
		}
		remote.open()
		ch.open()
	}
}

func (e *Engine) AddICECandidate(c engine.Candidate) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()

	if e.closed {
		return engine.ErrClosed
	}
	e.added = append(e.added, c)
	return nil
}

// ---------------------------------------------------------------------------
// Data channels
// ---------------------------------------------------------------------------

func (e *Engine) CreateDataChannel(label string) (engine.RawChannel, error) {
	e.net.mu.Lock()
	if err := e.failCreate; err != nil {
		e.net.mu.Unlock()
		return nil, err
	}
	if e.closed {
		e.net.mu.Unlock()
		return nil, engine.ErrClosed
	}

	ch := &Channel{engine: e, label: label}
	e.channels = append(e.channels, ch)

	var fire func()
	var negotiate func()
	if e.connected {
		fire = e.linkLocked(ch)
	} else {
		e.pending = append(e.pending, ch)
		if !e.negotiationFired {
			e.negotiationFired = true
			negotiate = e.onNegotiation
		}
	}
	e.net.mu.Unlock()

	if negotiate != nil {
		negotiate()
	}
	if fire != nil {
		fire()
	}
	return ch, nil
}

// Channels returns every channel of this engine, local and remote.
func (e *Engine) Channels() []*Channel {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return append([]*Channel(nil), e.channels...)
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

func (e *Engine) SignalingState() engine.SignalingState {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.signaling
}

func (e *Engine) ICEConnectionState() engine.ICEConnectionState {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.ice
}

func (e *Engine) MediaKind(mid string) engine.MediaKind {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.media[mid]
}

// Close closes the engine and every channel it owns, without a signaling
// notification, like a browser's RTCPeerConnection.close().
func (e *Engine) Close() error {
	e.net.mu.Lock()
	if e.closed {
		e.net.mu.Unlock()
		return nil
	}
	e.closed = true
	e.signaling = engine.SignalingStateClosed
	e.ice = engine.ICEConnectionStateClosed
	channels := append([]*Channel(nil), e.channels...)
	e.net.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	return nil
}

// Terminate closes the engine as if the connection died underneath it,
// reporting the closed signaling state.
func (e *Engine) Terminate() {
	e.net.mu.Lock()
	onSignaling := e.onSignaling
	e.net.mu.Unlock()

	e.Close()
	if onSignaling != nil {
		onSignaling(engine.SignalingStateClosed)
	}
}

// NotifySignaling reports st to the signaling observer without changing the
// engine's own state.
func (e *Engine) NotifySignaling(st engine.SignalingState) {
	e.net.mu.Lock()
	onSignaling := e.onSignaling
	e.net.mu.Unlock()

	if onSignaling != nil {
		onSignaling(st)
	}
}

// SetICEState forces the ICE connection state.
func (e *Engine) SetICEState(s engine.ICEConnectionState) {
	e.net.mu.Lock()
	e.ice = s
	e.iceForced = true
	e.net.mu.Unlock()
}

// AddedCandidates returns the remote candidates applied so far.
func (e *Engine) AddedCandidates() []engine.Candidate {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return append([]engine.Candidate(nil), e.added...)
}

// Offers returns how many offers were created.
func (e *Engine) Offers() int {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.offers
}

// Answers returns how many answers were created.
func (e *Engine) Answers() int {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.answers
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.closed
}

// FailSetRemoteDescription makes SetRemoteDescription return err.
func (e *Engine) FailSetRemoteDescription(err error) {
	e.net.mu.Lock()
	e.failSetRemote = err
	e.net.mu.Unlock()
}

// FailSetLocalDescription makes SetLocalDescription return err.
func (e *Engine) FailSetLocalDescription(err error) {
	e.net.mu.Lock()
	e.failSetLocal = err
	e.net.mu.Unlock()
}

// FailCreateDataChannel makes CreateDataChannel return err.
func (e *Engine) FailCreateDataChannel(err error) {
	e.net.mu.Lock()
	e.failCreate = err
	e.net.mu.Unlock()
}

// AddRemoteTrack announces a remote track.
func (e *Engine) AddRemoteTrack(id, streamID string, kind engine.MediaKind) {
	e.net.mu.Lock()
	onTrack := e.onTrack
	e.net.mu.Unlock()

	if onTrack != nil {
		onTrack(Track{id: id, streamID: streamID, kind: kind})
	}
}

// EmitCandidate reports a local candidate as if it had just been gathered.
func (e *Engine) EmitCandidate(c engine.Candidate) {
	e.net.mu.Lock()
	onCandidate := e.onCandidate
	e.net.mu.Unlock()

	if onCandidate != nil {
		onCandidate(c)
	}
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

func (e *Engine) OnSignalingStateChange(fn func(engine.SignalingState)) {
	e.net.mu.Lock()
	e.onSignaling = fn
	e.net.mu.Unlock()
}

func (e *Engine) OnICECandidate(fn func(engine.Candidate)) {
	e.net.mu.Lock()
	e.onCandidate = fn
	e.net.mu.Unlock()
}

func (e *Engine) OnDataChannel(fn func(engine.RawChannel)) {
	e.net.mu.Lock()
	e.onDataChannel = fn
	e.net.mu.Unlock()
}

func (e *Engine) OnNegotiationNeeded(fn func()) {
	e.net.mu.Lock()
	e.onNegotiation = fn
	e.net.mu.Unlock()
}

func (e *Engine) OnTrack(fn func(engine.Track)) {
	e.net.mu.Lock()
	e.onTrack = fn
	e.net.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Channel
// ---------------------------------------------------------------------------

// Channel is an in-memory engine.RawChannel. Messages sent on one end are
// delivered synchronously, in order, to the other end.
type Channel struct {
	engine *Engine
	label  string
	events engine.ChannelEvents

	// Guarded by engine.net.mu.
	peer     *Channel
	state    engine.ChannelState
	failSend error
	sent     int
}

var _ engine.RawChannel = (*Channel)(nil)

func (c *Channel) Label() string { return c.label }

func (c *Channel) ReadyState() engine.ChannelState {
	c.engine.net.mu.Lock()
	defer c.engine.net.mu.Unlock()
	return c.state
}

func (c *Channel) open() {
	c.engine.net.mu.Lock()
	if c.state != engine.ChannelStateConnecting {
		c.engine.net.mu.Unlock()
		return
	}
	c.state = engine.ChannelStateOpen
	c.engine.net.mu.Unlock()

	c.events.Open()
}

// Send delivers data to the other end.
func (c *Channel) Send(data []byte) error {
	c.engine.net.mu.Lock()
	if err := c.failSend; err != nil {
		c.engine.net.mu.Unlock()
		return err
	}
	if c.state != engine.ChannelStateOpen || c.peer == nil {
		c.engine.net.mu.Unlock()
		return errors.New("data channel is not open")
	}
	c.sent += len(data)
	peer := c.peer
	c.engine.net.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	peer.events.Message(engine.Message{Data: buf})
	return nil
}

// Close closes both ends.
func (c *Channel) Close() error {
	c.engine.net.mu.Lock()
	ends := []*Channel{c}
	if c.peer != nil {
		ends = append(ends, c.peer)
	}
	for _, end := range ends {
		end.state = engine.ChannelStateClosed
	}
	c.engine.net.mu.Unlock()

	for _, end := range ends {
		end.events.Close()
	}
	return nil
}

func (c *Channel) BufferedAmount() uint64 { return 0 }
func (c *Channel) SetBufferedAmountLowThreshold(uint64) {}
func (c *Channel) OnBufferedAmountLow(func()) {}
func (c *Channel) OnOpen(fn func()) { c.events.OnOpen(fn) }
func (c *Channel) OnClose(fn func()) { c.events.OnClose(fn) }
func (c *Channel) OnError(fn func(error)) { c.events.OnError(fn) }
func (c *Channel) OnMessage(fn func(engine.Message)) { c.events.OnMessage(fn) }

// Deliver injects msg as if it had arrived from the other end.
func (c *Channel) Deliver(msg engine.Message) { c.events.Message(msg) }

// Fail reports err on the channel.
func (c *Channel) Fail(err error) { c.events.Error(err) }

// FailSends makes every subsequent Send return err.
func (c *Channel) FailSends(err error) {
	c.engine.net.mu.Lock()
	c.failSend = err
	c.engine.net.mu.Unlock()
}

// BytesSent returns the number of bytes sent from this end.
func (c *Channel) BytesSent() int {
	c.engine.net.mu.Lock()
	defer c.engine.net.mu.Unlock()
	return c.sent
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// Track is an in-memory engine.Track.
type Track struct {
	id, streamID string
	kind         engine.MediaKind
}

func (t Track) ID() string { return t.id }
func (t Track) StreamID() string { return t.streamID }
func (t Track) Kind() engine.MediaKind { return t.kind }

// NewCandidate returns a candidate tagged with mid.
func NewCandidate(mid, candidate string) engine.Candidate {
	var index uint16
	return engine.Candidate{Candidate: candidate, SDPMid: &mid, SDPMLineIndex: &index}
}
