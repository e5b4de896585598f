package domain

// Control message types exchanged on the peer-to-peer control channel.
const (
	ControlHello = "hello"
	ControlBye   = "bye"
)

// ControlMessage is a call-control notice sent directly between peers.
// Name and Version are only set on hello.
type ControlMessage struct {
	Type    string
	Name    string
	Version string
}
