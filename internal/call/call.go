package call

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"duocall/native/internal/domain"
	"duocall/native/internal/media"

	pion "github.com/pion/webrtc/v4"
)

// EventKind identifies a call event.
type EventKind int

const (
	EventJoined EventKind = iota
	EventLeft
	EventLocalStream
	EventRemoteTrack
	EventConnectionState
	EventPeerHello
	EventPeerBye
)

// TrackInfo describes a remote track.
type TrackInfo struct {
	ID    string
	Kind  string
	Codec string
}

// Event is published to Options.OnEvent. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind    EventKind
	RoomID  string
	Stream  domain.LocalStream
	Track   TrackInfo
	State   pion.PeerConnectionState
	Control domain.ControlMessage
}

// Summary describes the last call.
type Summary struct {
	RoomID   string
	Duration time.Duration
	Tracks   []media.TrackStats
}

type statsReporter interface {
	Stats() []media.TrackStats
}

// resetter is implemented by sinks that keep per-call state.
type resetter interface {
	Reset()
}

// Options wires a Call to its collaborators.
type Options struct {
	Signaler    domain.Signaler
	NewPeer     domain.PeerFactory
	Devices     domain.MediaDevices
	Constraints domain.Constraints
	// Remote receives every remote track. If it also reports
	// []media.TrackStats they are included in Summary. A Reset method is
	// called on every join.
	Remote  domain.TrackSink
	OnEvent func(Event)
	Logger  *slog.Logger
}

// Call coordinates the signaling and WebRTC flows of one participant.
// It implements domain.Handler.
type Call struct {
	signal      domain.Signaler
	newPeer     domain.PeerFactory
	devices     domain.MediaDevices
	constraints domain.Constraints
	remote      domain.TrackSink
	onEvent     func(Event)
	log         *slog.Logger

	mu      sync.Mutex
	roomID  string
	joined  bool
	gen     uint64
	peer    domain.Peer
	stream  domain.LocalStream
	started time.Time
	ended   time.Time
}

func New(opts Options) *Call {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Call{
		signal:      opts.Signaler,
		newPeer:     opts.NewPeer,
		devices:     opts.Devices,
		constraints: opts.Constraints,
		remote:      opts.Remote,
		onEvent:     opts.OnEvent,
		log:         logger.With("component", "call"),
	}
}

// Mount registers the inbound signaling handlers.
func (c *Call) Mount() {
	c.signal.Subscribe(c)
}

// Unmount removes the inbound signaling handlers.
func (c *Call) Unmount() {
	c.signal.Unsubscribe()
}

// RoomID returns the room of the current or last call.
func (c *Call) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Call) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// StartCall joins roomID and sends an offer to whoever else is in it.
// Failures after the join leave the call joined; Leave resets it.
func (c *Call) StartCall(ctx context.Context, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ErrEmptyRoomID
	}

	log := c.log.With("room", roomID)
	log.Info("joining room")
	if err := c.signal.JoinRoom(roomID); err != nil {
		return &Error{Op: "join room", Err: err}
	}

	c.mu.Lock()
	oldPeer, oldStream := c.peer, c.stream
	c.gen++
	gen := c.gen
	c.roomID = roomID
	c.joined = true
	c.peer, c.stream = nil, nil
	c.started, c.ended = time.Now(), time.Time{}
	c.mu.Unlock()

	c.release(oldPeer, oldStream)
	if r, ok := c.remote.(resetter); ok {
		r.Reset()
	}
	c.emit(Event{Kind: EventJoined, RoomID: roomID})

	peer, err := c.newPeer()
	if err != nil {
		return &Error{Op: "create peer", Err: err}
	}
	c.wirePeer(peer, gen, roomID)
	if !c.install(gen, func() { c.peer = peer }) {
		peer.Close()
		return ErrSuperseded
	}

	stream, err := c.devices.GetUserMedia(ctx, c.constraints)
	if err != nil {
		return &Error{Op: "get user media", Err: err, Details: constraintsString(c.constraints)}
	}
	if !c.install(gen, func() { c.stream = stream }) {
		stream.Stop()
		return ErrSuperseded
	}
	c.emit(Event{Kind: EventLocalStream, RoomID: roomID, Stream: stream})

	if err := peer.AddStream(stream); err != nil {
		return &Error{Op: "add stream", Err: err}
	}
	offer, err := peer.CreateOffer()
	if err != nil {
		return &Error{Op: "create offer", Err: err}
	}
	log.Debug("sending offer")
	if err := c.signal.SendOffer(roomID, offer); err != nil {
		return &Error{Op: "send offer", Err: err}
	}
	return nil
}

// install runs set under the lock if gen is still the current join.
func (c *Call) install(gen uint64, set func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || !c.joined {
		return false
	}
	set()
	return true
}

func (c *Call) wirePeer(peer domain.Peer, gen uint64, roomID string) {
	peer.OnICECandidate(func(candidate domain.ICECandidatePayload) {
		if !c.current(gen) {
			return
		}
		if err := c.signal.SendICECandidate(roomID, candidate); err != nil {
			c.log.Warn("send ice candidate", "err", err)
		}
	})

	peer.OnTrack(func(track *pion.TrackRemote) {
		info := TrackInfo{ID: track.ID(), Kind: track.Kind().String(), Codec: track.Codec().MimeType}
		c.log.Info("remote track", "track", info.ID, "kind", info.Kind, "codec", info.Codec)
		if c.remote != nil {
			c.remote.Attach(track)
		}
		c.emit(Event{Kind: EventRemoteTrack, RoomID: roomID, Track: info})
	})

	peer.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		if !c.current(gen) {
			return
		}
		c.log.Info("connection state", "state", state.String())
		c.emit(Event{Kind: EventConnectionState, RoomID: roomID, State: state})
	})

	peer.OnControl(func(msg domain.ControlMessage) {
		switch msg.Type {
		case domain.ControlHello:
			c.log.Info("peer hello", "name", msg.Name, "version", msg.Version)
			c.emit(Event{Kind: EventPeerHello, RoomID: roomID, Control: msg})
		case domain.ControlBye:
			c.log.Info("peer left")
			c.emit(Event{Kind: EventPeerBye, RoomID: roomID, Control: msg})
		}
	})
}

func (c *Call) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined && c.gen == gen
}

// Leave resets the call to not joined and releases the peer connection and
// local media. The other participant is told with a bye.
func (c *Call) Leave() {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	peer, stream := c.peer, c.stream
	roomID := c.roomID
	c.joined = false
	c.gen++
	c.peer, c.stream = nil, nil
	c.ended = time.Now()
	c.mu.Unlock()

	c.log.Info("leaving room", "room", roomID)
	if peer != nil {
		if err := peer.SendControl(domain.ControlMessage{Type: domain.ControlBye}); err != nil {
			c.log.Debug("send bye", "err", err)
		}
	}
	c.release(peer, stream)
	c.emit(Event{Kind: EventLeft, RoomID: roomID})
}

func (c *Call) release(peer domain.Peer, stream domain.LocalStream) {
	if peer != nil {
		if err := peer.Close(); err != nil {
			c.log.Warn("close peer", "err", err)
		}
	}
	if stream != nil {
		stream.Stop()
	}
}

// active returns the peer and room of the current join, or a nil peer.
func (c *Call) active() (domain.Peer, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return nil, ""
	}
	return c.peer, c.roomID
}

func (c *Call) OnOffer(msg domain.OfferMessage) {
	peer, roomID := c.active()
	if peer == nil {
		return
	}
	c.log.Info("received offer", "sender", msg.Sender)

	answer, err := peer.AcceptOffer(msg.Offer)
	if errors.Is(err, domain.ErrOfferCollision) {
		c.log.Info("ignoring colliding offer", "sender", msg.Sender)
		return
	}
	if err != nil {
		c.log.Warn("accept offer", "sender", msg.Sender, "err", err)
		return
	}
	if err := c.signal.SendAnswer(roomID, answer); err != nil {
		c.log.Warn("send answer", "err", err)
	}
}

func (c *Call) OnAnswer(msg domain.AnswerMessage) {
	peer, _ := c.active()
	if peer == nil {
		return
	}
	c.log.Info("received answer", "sender", msg.Sender)

	if err := peer.SetRemoteAnswer(msg.Answer); err != nil {
		c.log.Warn("set remote answer", "sender", msg.Sender, "err", err)
	}
}

func (c *Call) OnICECandidate(msg domain.ICECandidateMessage) {
	peer, _ := c.active()
	if peer == nil {
		return
	}
	if err := peer.AddICECandidate(msg.Candidate); err != nil {
		c.log.Warn("add ice candidate", "sender", msg.Sender, "err", err)
	}
}

// Summary reports the current or last call.
func (c *Call) Summary() Summary {
	c.mu.Lock()
	s := Summary{RoomID: c.roomID}
	switch {
	case c.started.IsZero():
	case c.ended.IsZero():
		s.Duration = time.Since(c.started)
	default:
		s.Duration = c.ended.Sub(c.started)
	}
	c.mu.Unlock()

	if r, ok := c.remote.(statsReporter); ok {
		s.Tracks = r.Stats()
	}
	return s
}

func (c *Call) emit(e Event) {
	if c.onEvent != nil {
		c.onEvent(e)
	}
}

func constraintsString(cs domain.Constraints) string {
	var kinds []string
	if cs.Video {
		kinds = append(kinds, "video")
	}
	if cs.Audio {
		kinds = append(kinds, "audio")
	}
	if len(kinds) == 0 {
		return "no media"
	}
	return strings.Join(kinds, "+")
}

// IsSetupError reports whether err came from a failed join step rather than
// an invalid request.
func IsSetupError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
