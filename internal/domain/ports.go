package domain

import (
	"context"
	"errors"

	pion "github.com/pion/webrtc/v4"
)

// ErrOfferCollision is returned by Peer.AcceptOffer when both sides offered
// at once and the remote offer loses the tie-break. The remote side answers
// our offer instead.
var ErrOfferCollision = errors.New("offer collision, keeping local offer")

// Signaler sends call actions to the relay and delivers inbound events.
type Signaler interface {
	JoinRoom(roomID string) error
	SendOffer(roomID string, offer SDPPayload) error
	SendAnswer(roomID string, answer SDPPayload) error
	SendICECandidate(roomID string, candidate ICECandidatePayload) error
	Subscribe(h Handler)
	Unsubscribe()
}

// Handler receives inbound signaling events.
type Handler interface {
	OnOffer(msg OfferMessage)
	OnAnswer(msg AnswerMessage)
	OnICECandidate(msg ICECandidateMessage)
}

// Peer manages the WebRTC peer connection.
type Peer interface {
	AddStream(stream LocalStream) error
	OnICECandidate(send func(candidate ICECandidatePayload))
	OnTrack(attach func(track *pion.TrackRemote))
	OnConnectionStateChange(fn func(state pion.PeerConnectionState))
	OnControl(fn func(msg ControlMessage))
	CreateOffer() (SDPPayload, error)
	AcceptOffer(offer SDPPayload) (SDPPayload, error)
	SetRemoteAnswer(answer SDPPayload) error
	AddICECandidate(candidate ICECandidatePayload) error
	SendControl(msg ControlMessage) error
	Close() error
}

// PeerFactory creates a fresh peer connection for every join.
type PeerFactory func() (Peer, error)

// Constraints selects which kinds of local media to capture.
type Constraints struct {
	Video bool
	Audio bool
}

// MediaDevices grants access to local capture devices.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c Constraints) (LocalStream, error)
}

// LocalStream is a set of captured local tracks.
type LocalStream interface {
	ID() string
	Tracks() []pion.TrackLocal
	Stop()
}

// TrackSink renders a remote track.
type TrackSink interface {
	Attach(track *pion.TrackRemote)
}
