package signal

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"duocall/native/internal/domain"
	"duocall/native/internal/relay"
)

// Relay event names.
const (
	EventJoinRoom            = "join-room"
	EventOffer               = "offer"
	EventAnswer              = "answer"
	EventICECandidate        = "ice-candidate"
	EventReceiveOffer        = "receive-offer"
	EventReceiveAnswer       = "receive-answer"
	EventReceiveICECandidate = "receive-ice-candidate"
)

// Relay is the part of the relay client used for signaling.
type Relay interface {
	Emit(event string, args ...any) error
	On(event string, h relay.Handler)
	Off(event string)
}

// Client maps call actions onto relay events. It implements domain.Signaler.
type Client struct {
	relay Relay
	log   *slog.Logger
}

// NewClient creates a signaling client on top of an already configured relay.
func NewClient(r Relay, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{relay: r, log: logger.With("component", "signal")}
}

func (c *Client) JoinRoom(roomID string) error {
	return c.emit(EventJoinRoom, roomID)
}

func (c *Client) SendOffer(roomID string, offer domain.SDPPayload) error {
	return c.emit(EventOffer, domain.OfferMessage{RoomID: roomID, Offer: offer})
}

func (c *Client) SendAnswer(roomID string, answer domain.SDPPayload) error {
	return c.emit(EventAnswer, domain.AnswerMessage{RoomID: roomID, Answer: answer})
}

func (c *Client) SendICECandidate(roomID string, candidate domain.ICECandidatePayload) error {
	return c.emit(EventICECandidate, domain.ICECandidateMessage{RoomID: roomID, Candidate: candidate})
}

func (c *Client) emit(event string, payload any) error {
	c.log.Debug(">>>", "event", event)
	if err := c.relay.Emit(event, payload); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Subscribe routes the inbound signaling events to h. Malformed payloads are
// logged and dropped.
func (c *Client) Subscribe(h domain.Handler) {
	c.relay.On(EventReceiveOffer, func(args []json.RawMessage) {
		var msg domain.OfferMessage
		if !c.decode(EventReceiveOffer, args, &msg) {
			return
		}
		if msg.Offer.SDP == "" {
			c.log.Warn("dropping offer without sdp", "sender", msg.Sender)
			return
		}
		h.OnOffer(msg)
	})

	c.relay.On(EventReceiveAnswer, func(args []json.RawMessage) {
		var msg domain.AnswerMessage
		if !c.decode(EventReceiveAnswer, args, &msg) {
			return
		}
		if msg.Answer.SDP == "" {
			c.log.Warn("dropping answer without sdp", "sender", msg.Sender)
			return
		}
		h.OnAnswer(msg)
	})

	c.relay.On(EventReceiveICECandidate, func(args []json.RawMessage) {
		var msg domain.ICECandidateMessage
		if !c.decode(EventReceiveICECandidate, args, &msg) {
			return
		}
		h.OnICECandidate(msg)
	})
}

// Unsubscribe removes the handlers installed by Subscribe.
func (c *Client) Unsubscribe() {
	c.relay.Off(EventReceiveOffer)
	c.relay.Off(EventReceiveAnswer)
	c.relay.Off(EventReceiveICECandidate)
}

func (c *Client) decode(event string, args []json.RawMessage, v any) bool {
	c.log.Debug("<<<", "event", event)
	if len(args) == 0 {
		c.log.Warn("dropping event without payload", "event", event)
		return false
	}
	if err := json.Unmarshal(args[0], v); err != nil {
		c.log.Warn("dropping malformed event", "event", event, "err", err)
		return false
	}
	return true
}
