package webrtc

import (
	"fmt"

	"duocall/native/internal/domain"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	controlLabel     = "control"
	controlChannelID = uint16(0)
)

// controlMessage is the wire envelope of the control data channel.
type controlMessage struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
}

// helloPayload identifies the client on the other end of the call.
type helloPayload struct {
	Name    string `msgpack:"name"`
	Version string `msgpack:"version"`
}

func encodeControl(msg domain.ControlMessage) ([]byte, error) {
	env := controlMessage{Type: msg.Type}
	switch msg.Type {
	case domain.ControlHello:
		b, err := msgpack.Marshal(helloPayload{Name: msg.Name, Version: msg.Version})
		if err != nil {
			return nil, err
		}
		env.Payload = b
	case domain.ControlBye:
	default:
		return nil, fmt.Errorf("unknown control message %q", msg.Type)
	}
	return msgpack.Marshal(env)
}

func decodeControl(data []byte) (domain.ControlMessage, error) {
	var env controlMessage
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return domain.ControlMessage{}, fmt.Errorf("decode control message: %w", err)
	}

	msg := domain.ControlMessage{Type: env.Type}
	switch env.Type {
	case domain.ControlHello:
		var hello helloPayload
		if len(env.Payload) > 0 {
			if err := msgpack.Unmarshal(env.Payload, &hello); err != nil {
				return domain.ControlMessage{}, fmt.Errorf("decode hello: %w", err)
			}
		}
		msg.Name = hello.Name
		msg.Version = hello.Version
	case domain.ControlBye:
	default:
		return domain.ControlMessage{}, fmt.Errorf("unknown control message %q", env.Type)
	}
	return msg, nil
}
