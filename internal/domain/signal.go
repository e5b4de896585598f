package domain

// SDPPayload is the JSON structure for SDP offer/answer messages. It matches
// the browser RTCSessionDescriptionInit shape.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages. It
// matches the browser RTCIceCandidateInit shape.
type ICECandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// OfferMessage carries a session offer through the relay.
// Outbound messages set RoomID, inbound messages set Sender.
type OfferMessage struct {
	RoomID string     `json:"roomId,omitempty"`
	Offer  SDPPayload `json:"offer"`
	Sender string     `json:"sender,omitempty"`
}

// AnswerMessage carries a session answer through the relay.
type AnswerMessage struct {
	RoomID string     `json:"roomId,omitempty"`
	Answer SDPPayload `json:"answer"`
	Sender string     `json:"sender,omitempty"`
}

// ICECandidateMessage carries a single trickled candidate through the relay.
type ICECandidateMessage struct {
	RoomID    string              `json:"roomId,omitempty"`
	Candidate ICECandidatePayload `json:"candidate"`
	Sender    string              `json:"sender,omitempty"`
}
