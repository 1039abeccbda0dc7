// Package rtcstream negotiates named byte-stream channels between two peers
// over a WebRTC peer connection, using any reliable byte stream for
// signaling.
package rtcstream

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/1ureka/rtcstream/internal/engine"
	"github.com/1ureka/rtcstream/internal/envelope"
	"github.com/1ureka/rtcstream/internal/util"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures a Session.
type Option func(*Session)

// WithChannelPolicy sets which unsolicited channel labels a generic channel
// observer admits.
func WithChannelPolicy(p ChannelPolicy) Option {
	return func(s *Session) { s.policy = p }
}

// WithEngineOptions sets the engine tuning used when the engine is created.
func WithEngineOptions(o engine.Options) Option {
	return func(s *Session) { s.options = o }
}

// WithICEServers appends ICE servers.
func WithICEServers(servers ...engine.ICEServer) Option {
	return func(s *Session) {
		for _, srv := range servers {
			srv.URLs = append([]string(nil), srv.URLs...)
			s.iceServers = append(s.iceServers, srv)
		}
	}
}

// WithID overrides the session ID used in log lines.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session drives one peer connection through signaling envelopes and hands
// out named channels. It is a ByteStream: Write takes inbound signaling
// frames and OnData yields outbound ones.
//
// All engine notifications, inbound frames, timers and API calls run on the
// session's executor, one at a time.
type Session struct {
	id      string
	log     util.Logger
	factory engine.Factory
	exec    *executor
	ended   atomic.Bool

	mu          sync.Mutex
	state       State
	constraints engine.Constraints
	iceServers  []engine.ICEServer
	options     engine.Options
	policy      ChannelPolicy
	handlers    map[string]func(*Channel)
	encoding    string
	codec       textCodec

	// Executor-only fields.
	eng           engine.Engine
	prevSignaling engine.SignalingState
	negotiating   bool
	connected     bool
	closed        bool
	pending       map[string][]*pendingOpen
	channels      map[*Channel]struct{}

	onOpen    signal
	onFinish  signal
	onEnd     signal
	onClose   signal
	onError   hooks[error]
	onData    hooks[Chunk]
	onChannel hooks[*Channel]
	onMedia   hooks[*Session]
	onStream  hooks[engine.Track]
	onState   hooks[State]
}

var _ ByteStream = (*Session)(nil)

// New returns an idle session whose engine is built by factory on first
// use. When transport is non-nil the two are piped together.
func New(factory engine.Factory, transport ByteStream, opts ...Option) *Session {
	s := &Session{
		id:       util.NewSessionID(),
		factory:  factory,
		exec:     &executor{},
		policy:   AcceptAll,
		handlers: make(map[string]func(*Channel)),
		encoding: EncodingBuffer,
		pending:  make(map[string][]*pendingOpen),
		channels: make(map[*Channel]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = util.Scoped(s.id)

	if transport != nil {
		Pipe(transport, s)
	}
	return s
}

// ID returns the session ID used in log lines.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Constraints returns the current media constraints.
func (s *Session) Constraints() engine.Constraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.constraints
}

// ICEServers returns a copy of the configured ICE servers.
func (s *Session) ICEServers() []engine.ICEServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyServers(s.iceServers)
}

// UseAudio sets whether offers and answers request audio.
func (s *Session) UseAudio(on bool) {
	s.mu.Lock()
	s.constraints.WantAudio = on
	s.mu.Unlock()
}

// UseVideo sets whether offers and answers request video.
func (s *Session) UseVideo(on bool) {
	s.mu.Lock()
	s.constraints.WantVideo = on
	s.mu.Unlock()
}

// AddStun appends a STUN server. The stun: scheme is added when missing.
// Servers added after the engine exists are not applied to it.
func (s *Session) AddStun(url string) {
	s.addICEServer(withScheme(url, "stun:", "stuns:"), "", "")
}

// AddTurn appends a TURN server with credentials. The turn: scheme is added
// when missing.
func (s *Session) AddTurn(url, username, credential string) {
	s.addICEServer(withScheme(url, "turn:", "turns:"), username, credential)
}

func (s *Session) addICEServer(url, username, credential string) {
	if url == "" {
		return
	}
	s.mu.Lock()
	s.iceServers = append(s.iceServers, engine.ICEServer{
		URLs:       []string{url},
		Username:   username,
		Credential: credential,
	})
	s.mu.Unlock()
}

func withScheme(url string, scheme string, alternates ...string) string {
	if url == "" || strings.HasPrefix(url, scheme) {
		return url
	}
	for _, alt := range alternates {
		if strings.HasPrefix(url, alt) {
			return url
		}
	}
	return scheme + url
}

func copyServers(in []engine.ICEServer) []engine.ICEServer {
	out := make([]engine.ICEServer, len(in))
	for i, srv := range in {
		srv.URLs = append([]string(nil), srv.URLs...)
		out[i] = srv
	}
	return out
}

// SetEncoding changes the encoding of outbound signaling chunks. Unknown
// names are ignored and reported with false.
func (s *Session) SetEncoding(name string) bool {
	codec, ok := lookupEncoding(name)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.encoding, s.codec = name, codec
	s.mu.Unlock()
	return true
}

func (s *Session) OnOpen(fn func())               { s.onOpen.on(fn) }
func (s *Session) OnFinish(fn func())             { s.onFinish.on(fn) }
func (s *Session) OnEnd(fn func())                { s.onEnd.on(fn) }
func (s *Session) OnClose(fn func())              { s.onClose.on(fn) }
func (s *Session) OnError(fn func(error))         { s.onError.add(fn) }
func (s *Session) OnData(fn func(Chunk))          { s.onData.add(fn) }
func (s *Session) OnAnyChannel(fn func(*Channel)) { s.onChannel.add(fn) }
func (s *Session) OnMedia(fn func(*Session))      { s.onMedia.add(fn) }
func (s *Session) OnStream(fn func(engine.Track)) { s.onStream.add(fn) }
func (s *Session) OnStateChange(fn func(State))   { s.onState.add(fn) }

// Write hands one inbound signaling frame to the session.
func (s *Session) Write(p []byte) (int, error) {
	if s.ended.Load() {
		return 0, ErrNotConnected
	}
	frame := append([]byte(nil), p...)
	s.exec.post(func() { s.receive(frame) })
	return len(p), nil
}

// End tears the session down. It is idempotent.
func (s *Session) End() error {
	s.ended.Store(true)
	s.exec.post(s.teardown)
	return nil
}

// ---------------------------------------------------------------------------
// Executor-side
// ---------------------------------------------------------------------------

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()

	if prev != st {
		s.log.Debug("state %s -> %s", prev, st)
		s.onState.emit(st)
	}
}

// fail raises err on the session and ends it.
func (s *Session) fail(err error) {
	if s.closed {
		return
	}
	emitError(&s.onError, s.log, err)
	s.teardown()
}

// ensureEngine returns the session's engine, creating it on first use.
func (s *Session) ensureEngine() (engine.Engine, error) {
	if s.eng != nil {
		return s.eng, nil
	}
	if s.closed {
		return nil, ErrNotConnected
	}

	s.mu.Lock()
	cfg := engine.Config{ICEServers: copyServers(s.iceServers), Options: s.options}
	s.mu.Unlock()

	eng, err := s.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	eng.OnSignalingStateChange(func(st engine.SignalingState) {
		s.exec.post(func() { s.observeSignaling(eng, st) })
	})
	eng.OnICECandidate(func(c engine.Candidate) {
		s.exec.post(func() { s.sendCandidate(eng, c) })
	})
	eng.OnDataChannel(func(raw engine.RawChannel) {
		s.exec.post(func() { s.acceptChannel(eng, raw) })
	})
	eng.OnNegotiationNeeded(func() {
		s.exec.post(func() {
			if s.eng == eng {
				s.createOffer()
			}
		})
	})
	eng.OnTrack(func(t engine.Track) {
		s.exec.post(func() {
			if s.eng == eng {
				s.onStream.emit(t)
			}
		})
	})

	s.eng = eng
	s.prevSignaling = eng.SignalingState()
	s.log.Debug("engine created with %d ICE servers", len(cfg.ICEServers))
	return eng, nil
}

// observeSignaling advances the state machine on a signaling state change.
// It is fed both by engine notifications and by sampling after local
// operations, so repeated states are ignored.
func (s *Session) observeSignaling(eng engine.Engine, st engine.SignalingState) {
	if s.eng != eng || s.closed || st == s.prevSignaling {
		return
	}
	if st == engine.SignalingStateUnknown {
		s.log.Warning("ignoring unknown signaling state")
		return
	}
	prev := s.prevSignaling
	s.prevSignaling = st
	s.log.Debug("signaling %s -> %s", prev, st)

	switch st {
	case engine.SignalingStateStable:
		s.negotiating = false
		if !s.connected {
			s.connected = true
			s.setState(StateConnected)
			s.onOpen.fire()
		}
	case engine.SignalingStateHaveLocalOffer,
		engine.SignalingStateHaveRemoteOffer,
		engine.SignalingStateHaveLocalPranswer,
		engine.SignalingStateHaveRemotePranswer:
		if !s.negotiating {
			s.negotiating = true
			if !s.connected {
				s.setState(StateConnecting)
			}
		}
	case engine.SignalingStateClosed:
		s.teardown()
	}
}

// createOffer starts a negotiation unless one is already in flight.
func (s *Session) createOffer() {
	if s.closed || s.negotiating {
		return
	}
	eng, err := s.ensureEngine()
	if err != nil {
		s.fail(err)
		return
	}

	s.negotiating = true
	if !s.connected {
		s.setState(StateConnecting)
	}

	desc, err := eng.CreateOffer(s.Constraints())
	if err != nil {
		s.fail(fmt.Errorf("create offer: %w", err))
		return
	}
	s.applyLocal(eng, desc)
}

func (s *Session) createAnswer(eng engine.Engine) {
	desc, err := eng.CreateAnswer(s.Constraints())
	if err != nil {
		s.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	s.applyLocal(eng, desc)
}

// applyLocal applies desc and sends it as an offer or answer depending on
// the resulting signaling state.
func (s *Session) applyLocal(eng engine.Engine, desc engine.Description) {
	if err := eng.SetLocalDescription(desc); err != nil {
		s.fail(fmt.Errorf("set local %s: %w", desc.Type, err))
		return
	}

	st := eng.SignalingState()
	typ := envelope.TypeAnswer
	if st == engine.SignalingStateHaveLocalOffer {
		typ = envelope.TypeOffer
	}
	s.send(typ, desc)
	s.observeSignaling(eng, st)
}

func (s *Session) applyRemote(desc engine.Description) {
	eng, err := s.ensureEngine()
	if err != nil {
		s.fail(err)
		return
	}
	if err := eng.SetRemoteDescription(desc); err != nil {
		s.fail(fmt.Errorf("set remote %s: %w", desc.Type, err))
		return
	}

	st := eng.SignalingState()
	s.observeSignaling(eng, st)
	if st == engine.SignalingStateHaveRemoteOffer && !s.closed {
		s.createAnswer(eng)
	}
}

// send encodes and emits one outbound envelope.
func (s *Session) send(t envelope.Type, payload any) {
	frame, err := envelope.Encode(t, payload)
	if err != nil {
		s.fail(fmt.Errorf("encode %s: %w", t, err))
		return
	}

	s.mu.Lock()
	name, codec := s.encoding, s.codec
	s.mu.Unlock()

	util.Stats.AddEnvelopeOut()
	s.onData.emit(chunkOf(frame, name, codec))
}

func (s *Session) sendCandidate(eng engine.Engine, c engine.Candidate) {
	if s.eng != eng || s.closed || s.filtered(eng, c) {
		return
	}
	s.send(envelope.TypeICECandidate, c)
}

// filtered reports whether c belongs to an audio or video line that the
// current constraints do not want.
func (s *Session) filtered(eng engine.Engine, c engine.Candidate) bool {
	want := s.Constraints()
	switch eng.MediaKind(c.Mid()) {
	case engine.MediaAudio:
		return !want.WantAudio
	case engine.MediaVideo:
		return !want.WantVideo
	default:
		return false
	}
}

// receive dispatches one inbound signaling frame.
func (s *Session) receive(frame []byte) {
	if s.closed {
		return
	}
	util.Stats.AddEnvelopeIn()

	env, err := envelope.Decode(frame)
	if err != nil {
		s.fail(err)
		return
	}

	switch env.Type {
	case envelope.TypeOffer:
		desc, err := decodeDescription(env, "offer")
		if err != nil {
			s.fail(err)
			return
		}
		s.applyRemote(desc)

	case envelope.TypeAnswer:
		desc, err := decodeDescription(env, "answer", "pranswer")
		if err != nil {
			s.fail(err)
			return
		}
		s.applyRemote(desc)

	case envelope.TypeICECandidate:
		c, err := decodeCandidate(env)
		if err != nil {
			s.fail(err)
			return
		}
		s.addCandidate(c)

	default:
		s.log.Warning("unknown envelope type %q", env.Type)
		s.teardown()
	}
}

func decodeDescription(env envelope.Envelope, types ...string) (engine.Description, error) {
	var desc engine.Description
	if err := env.Payload(&desc); err != nil {
		return desc, err
	}
	for _, t := range types {
		if desc.Type == t && desc.SDP != "" {
			return desc, nil
		}
	}
	return desc, fmt.Errorf("%w: %s payload has type %q", ErrMalformedEnvelope, env.Type, desc.Type)
}

func decodeCandidate(env envelope.Envelope) (engine.Candidate, error) {
	var raw struct {
		Candidate *string `json:"candidate"`
	}
	if err := env.Payload(&raw); err != nil {
		return engine.Candidate{}, err
	}
	if raw.Candidate == nil {
		return engine.Candidate{}, fmt.Errorf("%w: candidate missing", ErrMalformedEnvelope)
	}

	var c engine.Candidate
	if err := env.Payload(&c); err != nil {
		return c, err
	}
	return c, nil
}

func (s *Session) addCandidate(c engine.Candidate) {
	eng, err := s.ensureEngine()
	if err != nil {
		s.fail(err)
		return
	}

	switch st := eng.ICEConnectionState(); st {
	case engine.ICEConnectionStateNew,
		engine.ICEConnectionStateChecking,
		engine.ICEConnectionStateConnected:
		if s.filtered(eng, c) {
			return
		}
		if err := eng.AddICECandidate(c); err != nil {
			s.fail(fmt.Errorf("add ICE candidate: %w", err))
		}
	case engine.ICEConnectionStateCompleted:
	default:
		s.fail(fmt.Errorf("%w: %s", ErrUnknownICEState, st))
	}
}

// teardown closes the engine, ends every channel, resolves pending opens
// and fires the terminal events. Only the first call has an effect.
func (s *Session) teardown() {
	if s.closed {
		return
	}
	s.closed = true
	s.ended.Store(true)

	if s.eng != nil {
		if err := s.eng.Close(); err != nil {
			s.log.Debug("engine close: %v", err)
		}
		s.eng = nil
	}

	for ch := range s.channels {
		ch.End()
	}
	s.channels = nil

	for _, opens := range s.pending {
		for _, p := range opens {
			p.resolve(OpenResult{})
		}
	}
	s.pending = nil

	s.setState(StateClosed)
	s.onFinish.fire()
	s.onEnd.fire()
	s.onClose.fire()

	s.onOpen.clear()
	s.onFinish.clear()
	s.onEnd.clear()
	s.onClose.clear()
	s.onError.clear()
	s.onData.clear()
	s.onChannel.clear()
	s.onMedia.clear()
	s.onStream.clear()
	s.onState.clear()
}
