package webrtc

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"duocall/native/internal/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	pion "github.com/pion/webrtc/v4"
)

var ErrControlNotOpen = errors.New("control channel not open")

// controlFlushTimeout bounds how long Close waits for a pending bye.
const controlFlushTimeout = time.Second

// APIOptions configures the pion API shared by every peer connection.
type APIOptions struct {
	// Net replaces the host network, e.g. with a vnet for tests.
	Net transport.Net
	// LoggerFactory routes pion's internal logging.
	LoggerFactory logging.LoggerFactory
}

// NewAPI builds a pion API with the default codecs, NACK, RTCP reports and
// periodic keyframe requests.
func NewAPI(opts APIOptions) (*pion.API, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := pion.ConfigureNack(m, i); err != nil {
		return nil, fmt.Errorf("configure nack: %w", err)
	}
	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(pli)

	se := pion.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	), nil
}

// Config describes a single peer connection.
type Config struct {
	ICEServers         []pion.ICEServer
	ICETransportPolicy pion.ICETransportPolicy
	// Name and Version are announced to the other participant on the
	// control channel.
	Name    string
	Version string
	Logger  *slog.Logger
	// KeepLoopback keeps 127.0.0.1 and ::1 candidates.
	KeepLoopback bool
}

// Peer wraps a pion PeerConnection and its control DataChannel.
// It implements domain.Peer.
type Peer struct {
	api *pion.API
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	pc          *pion.PeerConnection
	control     *pion.DataChannel
	drained     chan struct{}
	stream      domain.LocalStream
	remoteSet   bool
	pending     []pion.ICECandidateInit
	onState     func(pion.PeerConnectionState)
	onControl   func(domain.ControlMessage)
	onCandidate func(domain.ICECandidatePayload)
	onTrack     func(*pion.TrackRemote)
}

// NewFactory returns a domain.PeerFactory creating peers on api.
func NewFactory(api *pion.API, cfg Config) domain.PeerFactory {
	return func() (domain.Peer, error) {
		return NewPeer(api, cfg)
	}
}

// NewPeer creates a PeerConnection with a negotiated control channel.
func NewPeer(api *pion.API, cfg Config) (*Peer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Peer{
		api: api,
		cfg: cfg,
		log: logger.With("component", "webrtc"),
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect creates a PeerConnection and makes it current. Callbacks of a
// replaced connection are ignored.
func (p *Peer) connect() error {
	pc, err := p.api.NewPeerConnection(pion.Configuration{
		ICEServers:         p.cfg.ICEServers,
		ICETransportPolicy: p.cfg.ICETransportPolicy,
		BundlePolicy:       pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	negotiated := true
	id := controlChannelID
	dc, err := pc.CreateDataChannel(controlLabel, &pion.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return fmt.Errorf("create control channel: %w", err)
	}
	drained := make(chan struct{}, 1)

	dc.SetBufferedAmountLowThreshold(0)
	dc.OnBufferedAmountLow(func() {
		select {
		case drained <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		p.log.Debug("control channel opened")
		err := p.SendControl(domain.ControlMessage{
			Type:    domain.ControlHello,
			Name:    p.cfg.Name,
			Version: p.cfg.Version,
		})
		if err != nil {
			p.log.Warn("send hello", "err", err)
		}
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		cm, err := decodeControl(msg.Data)
		if err != nil {
			p.log.Warn("dropping control message", "err", err)
			return
		}
		p.mu.Lock()
		fn := p.onControl
		p.mu.Unlock()
		if fn != nil {
			fn(cm)
		}
	})

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.Debug("ICE connection state", "state", state.String())
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.mu.Lock()
		fn, current := p.onState, p.pc == pc
		p.mu.Unlock()
		if !current {
			return
		}
		p.log.Info("peer connection state", "state", state.String())
		if fn != nil {
			fn(state)
		}
	})
	pc.OnICECandidate(func(c *pion.ICECandidate) {
		p.mu.Lock()
		send, current := p.onCandidate, p.pc == pc
		p.mu.Unlock()
		if !current || send == nil {
			return
		}
		p.forwardCandidate(c, send)
	})
	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		p.mu.Lock()
		attach, current := p.onTrack, p.pc == pc
		p.mu.Unlock()
		if !current || attach == nil {
			return
		}
		codec := track.Codec()
		p.log.Info("remote track", "kind", track.Kind().String(), "codec", codec.MimeType, "pt", codec.PayloadType)
		attach(track)
	})

	p.mu.Lock()
	p.pc, p.control, p.drained = pc, dc, drained
	p.remoteSet = false
	p.mu.Unlock()
	return nil
}

func (p *Peer) conn() *pion.PeerConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc
}

// AddStream sends every track of stream and makes sure one audio and one
// video section is always negotiated.
func (p *Peer) AddStream(stream domain.LocalStream) error {
	p.mu.Lock()
	p.stream = stream
	p.mu.Unlock()
	return addStream(p.conn(), stream)
}

func addStream(pc *pion.PeerConnection, stream domain.LocalStream) error {
	have := map[pion.RTPCodecType]bool{}
	for _, track := range stream.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		have[track.Kind()] = true
		go drainRTCP(sender)
	}

	for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		_, err := pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// drainRTCP reads incoming RTCP so the interceptors see it.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// OnICECandidate registers the callback for locally discovered ICE candidates.
func (p *Peer) OnICECandidate(send func(domain.ICECandidatePayload)) {
	p.mu.Lock()
	p.onCandidate = send
	p.mu.Unlock()
}

func (p *Peer) forwardCandidate(c *pion.ICECandidate, send func(domain.ICECandidatePayload)) {
	if c == nil {
		p.log.Debug("ICE gathering complete")
		return
	}

	init := c.ToJSON()
	if !p.cfg.KeepLoopback && isLoopback(init.Candidate) {
		p.log.Debug("filtering loopback ICE candidate")
		return
	}

	p.log.Debug("local ICE candidate", "candidate", init.Candidate)
	send(domain.ICECandidatePayload{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	})
}

// OnTrack registers the callback for remote tracks.
func (p *Peer) OnTrack(attach func(*pion.TrackRemote)) {
	p.mu.Lock()
	p.onTrack = attach
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(fn func(pion.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) OnControl(fn func(domain.ControlMessage)) {
	p.mu.Lock()
	p.onControl = fn
	p.mu.Unlock()
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer() (domain.SDPPayload, error) {
	pc := p.conn()
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}

	p.log.Debug("local offer set")
	return toPayload(pc.LocalDescription(), offer), nil
}

// AcceptOffer applies a remote offer and returns the local answer.
//
// When both sides offered at once the offer with the greater SDP wins: the
// losing remote offer gets domain.ErrOfferCollision, while a winning one
// replaces the PeerConnection with a fresh one carrying the same stream and
// callbacks, since pion cannot roll back a local offer.
func (p *Peer) AcceptOffer(offer domain.SDPPayload) (domain.SDPPayload, error) {
	pc := p.conn()
	if pc.SignalingState() == pion.SignalingStateHaveLocalOffer {
		if local := pc.LocalDescription(); local != nil && local.SDP > offer.SDP {
			p.log.Info("offer collision, keeping local offer")
			return domain.SDPPayload{}, domain.ErrOfferCollision
		}
		p.log.Info("offer collision, replacing peer connection")
		if err := p.replace(); err != nil {
			return domain.SDPPayload{}, err
		}
	}

	if err := p.setRemote(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return domain.SDPPayload{}, err
	}

	pc = p.conn()
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}

	p.log.Debug("local answer set")
	return toPayload(pc.LocalDescription(), answer), nil
}

// replace swaps in a new PeerConnection. Queued remote candidates are kept
// since they belong to the offer about to be applied.
func (p *Peer) replace() error {
	p.mu.Lock()
	old, oldControl, stream := p.pc, p.control, p.stream
	p.mu.Unlock()

	if err := p.connect(); err != nil {
		return err
	}
	if stream != nil {
		if err := addStream(p.conn(), stream); err != nil {
			return err
		}
	}

	oldControl.Close()
	if err := old.Close(); err != nil {
		p.log.Debug("close replaced peer connection", "err", err)
	}
	return nil
}

// SetRemoteAnswer applies the answer to our offer.
func (p *Peer) SetRemoteAnswer(answer domain.SDPPayload) error {
	return p.setRemote(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: answer.SDP})
}

func (p *Peer) setRemote(desc pion.SessionDescription) error {
	pc := p.conn()
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.log.Debug("remote description set", "type", desc.Type.String())

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			p.log.Warn("add queued ICE candidate", "err", err)
		}
	}
	return nil
}

// AddICECandidate adds a remote candidate, queueing it until a remote
// description exists.
func (p *Peer) AddICECandidate(candidate domain.ICECandidatePayload) error {
	if candidate.Candidate == "" {
		return nil
	}
	init := pion.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		p.log.Debug("queued remote ICE candidate")
		return nil
	}
	pc := p.pc
	p.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	p.log.Debug("added remote ICE candidate")
	return nil
}

// SendControl sends msg on the control channel.
func (p *Peer) SendControl(msg domain.ControlMessage) error {
	p.mu.Lock()
	dc := p.control
	p.mu.Unlock()

	if dc.ReadyState() != pion.DataChannelStateOpen {
		return ErrControlNotOpen
	}
	data, err := encodeControl(msg)
	if err != nil {
		return err
	}
	return dc.Send(data)
}

// ConnectionState reports the current peer connection state.
func (p *Peer) ConnectionState() pion.PeerConnectionState {
	return p.conn().ConnectionState()
}

// Close waits up to controlFlushTimeout for queued control messages to be
// acknowledged, then shuts down the control channel and the PeerConnection.
func (p *Peer) Close() error {
	p.mu.Lock()
	pc, dc, drained := p.pc, p.control, p.drained
	p.mu.Unlock()

	if dc.ReadyState() == pion.DataChannelStateOpen {
		flushControl(dc, drained, controlFlushTimeout)
	}
	dc.Close()
	return pc.Close()
}

// flushControl blocks until dc has no buffered data or timeout passes.
func flushControl(dc *pion.DataChannel, drained <-chan struct{}, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for dc.BufferedAmount() > 0 {
		select {
		case <-drained:
		case <-deadline.C:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
	return true
}

func toPayload(desc *pion.SessionDescription, fallback pion.SessionDescription) domain.SDPPayload {
	if desc == nil {
		desc = &fallback
	}
	return domain.SDPPayload{Type: desc.Type.String(), SDP: desc.SDP}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
