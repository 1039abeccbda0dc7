package rtcstream

import (
	"fmt"
	"time"

	"github.com/1ureka/rtcstream/internal/engine"
)

// MediaLabel is the reserved channel label that carries the signaling of a
// nested media session.
const MediaLabel = "_media"

// ChannelPolicy decides whether a generic channel observer admits an
// unsolicited channel with the given label.
type ChannelPolicy func(label string) bool

// AcceptAll admits every label.
func AcceptAll(string) bool { return true }

// AllowList admits only the given labels.
func AllowList(labels ...string) ChannelPolicy {
	allowed := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		allowed[l] = struct{}{}
	}
	return func(label string) bool {
		_, ok := allowed[label]
		return ok
	}
}

// OpenResult is the outcome of CreateChannel. Channel is set on success,
// TimedOut on expiry, Err when the engine refused the channel. All fields
// are empty when the channel closed or the session ended first.
type OpenResult struct {
	Channel  *Channel
	TimedOut bool
	Err      error
}

// MediaResult is the outcome of CreateMedia.
type MediaResult struct {
	Session  *Session
	TimedOut bool
	Err      error
}

// pendingOpen tracks one local open until its single outcome is delivered.
type pendingOpen struct {
	label   string
	timer   *time.Timer
	deliver func(OpenResult)
	done    bool
}

func (p *pendingOpen) resolve(r OpenResult) {
	if p.done {
		return
	}
	p.done = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.deliver(r)
}

// OnChannel registers the handler for channels opened with label, replacing
// any previous one.
func (s *Session) OnChannel(label string, fn func(*Channel)) {
	s.mu.Lock()
	if fn == nil {
		delete(s.handlers, label)
	} else {
		s.handlers[label] = fn
	}
	s.mu.Unlock()
}

// OffChannel removes the handler for label.
func (s *Session) OffChannel(label string) {
	s.OnChannel(label, nil)
}

func (s *Session) handler(label string) func(*Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[label]
}

// CreateChannel opens a channel with label. The returned channel receives
// exactly one result and is then closed. A non-positive timeout waits until
// the channel opens, closes or the session ends.
func (s *Session) CreateChannel(label string, timeout time.Duration) <-chan OpenResult {
	out := make(chan OpenResult, 1)
	s.exec.post(func() {
		s.openChannel(label, timeout, func(r OpenResult) {
			out <- r
			close(out)
		})
	})
	return out
}

// CreateMedia opens the reserved media channel and runs a nested session
// over it with audio and video enabled. The nested session is also passed
// to OnMedia observers.
func (s *Session) CreateMedia(timeout time.Duration) <-chan MediaResult {
	out := make(chan MediaResult, 1)
	s.exec.post(func() {
		s.openChannel(MediaLabel, timeout, func(r OpenResult) {
			res := MediaResult{TimedOut: r.TimedOut, Err: r.Err}
			if r.Channel != nil {
				res.Session = s.nested(r.Channel)
				s.onMedia.emit(res.Session)
			}
			out <- res
			close(out)
		})
	})
	return out
}

func (s *Session) openChannel(label string, timeout time.Duration, deliver func(OpenResult)) {
	if s.closed {
		deliver(OpenResult{Err: ErrNotConnected})
		return
	}
	eng, err := s.ensureEngine()
	if err != nil {
		deliver(OpenResult{Err: err})
		s.fail(err)
		return
	}

	raw, err := eng.CreateDataChannel(label)
	if err != nil {
		err = fmt.Errorf("%w: %q: %w", ErrInvalidChannel, label, err)
		deliver(OpenResult{Err: err})
		emitError(&s.onError, s.log, err)
		return
	}

	p := &pendingOpen{label: channelLabel(raw), deliver: deliver}
	s.pending[p.label] = append(s.pending[p.label], p)

	ch := s.adopt(raw, p)
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			s.exec.post(func() { s.expire(p, ch) })
		})
	}

	if !s.negotiating && !s.connected {
		s.createOffer()
	}
}

// expire resolves p as timed out and force-closes its channel.
func (s *Session) expire(p *pendingOpen, ch *Channel) {
	if p.done {
		return
	}
	s.log.Debug("channel %q timed out", p.label)
	s.dropPending(p)
	ch.End()
	p.resolve(OpenResult{TimedOut: true})
}

func (s *Session) dropPending(p *pendingOpen) {
	opens := s.pending[p.label]
	for i, q := range opens {
		if q == p {
			opens = append(opens[:i], opens[i+1:]...)
			break
		}
	}
	if len(opens) == 0 {
		delete(s.pending, p.label)
	} else {
		s.pending[p.label] = opens
	}
}

// acceptChannel applies the acceptance policy to a channel the remote peer
// opened.
func (s *Session) acceptChannel(eng engine.Engine, raw engine.RawChannel) {
	label := channelLabel(raw)
	if s.eng != eng || s.closed || !s.admits(label) {
		s.log.Debug("rejecting channel %q", label)
		raw.Close()
		return
	}
	s.adopt(raw, nil)
}

func (s *Session) admits(label string) bool {
	if s.handler(label) != nil || len(s.pending[label]) > 0 {
		return true
	}
	if label == MediaLabel {
		return s.onMedia.len() > 0
	}
	s.mu.Lock()
	policy := s.policy
	s.mu.Unlock()
	return s.onChannel.len() > 0 && policy(label)
}

// adopt wraps raw and tracks it until it closes. p is nil for channels the
// remote peer opened.
func (s *Session) adopt(raw engine.RawChannel, p *pendingOpen) *Channel {
	ch := newChannel(raw, s.exec, s.log)
	s.channels[ch] = struct{}{}

	// Open is registered before messages so a latched open is queued first.
	raw.OnOpen(func() {
		s.exec.post(func() { s.channelOpened(ch, p) })
	})
	raw.OnClose(func() {
		s.exec.post(func() { s.channelClosed(ch, p) })
	})
	raw.OnError(func(err error) {
		s.exec.post(func() {
			if !ch.Closed() {
				emitError(&ch.onError, ch.log, err)
			}
		})
	})
	raw.OnMessage(func(msg engine.Message) {
		s.exec.post(func() { ch.receive(msg) })
	})
	return ch
}

func (s *Session) channelOpened(ch *Channel, p *pendingOpen) {
	if p != nil && p.done {
		return
	}
	if s.closed || !ch.markOpen() {
		return
	}
	s.log.Debug("channel %q open", ch.label)

	if p != nil {
		s.dropPending(p)
	}

	if ch.label == MediaLabel {
		if p != nil {
			p.resolve(OpenResult{Channel: ch})
			return
		}
		s.onMedia.emit(s.nested(ch))
		return
	}

	// Local opens report through their result only.
	if p != nil {
		p.resolve(OpenResult{Channel: ch})
		return
	}
	s.onChannel.emit(ch)
	if h := s.handler(ch.label); h != nil {
		h(ch)
	}
}

func (s *Session) channelClosed(ch *Channel, p *pendingOpen) {
	if p != nil && !p.done {
		if !s.closed {
			s.dropPending(p)
		}
		p.resolve(OpenResult{})
	}
	if !s.closed {
		delete(s.channels, ch)
	}
	ch.detach()
	ch.terminate()
}

// nested builds the media session carried over ch. It inherits the ICE
// servers, engine options and channel policy.
func (s *Session) nested(ch *Channel) *Session {
	s.mu.Lock()
	servers := copyServers(s.iceServers)
	opts, policy := s.options, s.policy
	s.mu.Unlock()

	m := New(s.factory, nil,
		WithID(s.id+"/media"),
		WithICEServers(servers...),
		WithEngineOptions(opts),
		WithChannelPolicy(policy),
	)
	m.UseAudio(true)
	m.UseVideo(true)
	Pipe(ch, m)
	return m
}
