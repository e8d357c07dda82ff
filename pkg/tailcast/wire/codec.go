// Package wire defines the JSON envelope exchanged with clients and the
// codec that turns update events into broadcast frames.
//
// Frames use short field names for efficiency. Event frames have no "k"
// field and are identified by the presence of "d"; control frames carry
// a kind:
//
//	{"k":"h","tok":"..."}   client -> server handshake
//	{"k":"a"}               server -> client acknowledgment
//	{"k":"n","e":"..."}     server -> client error
//	{"seq":7,"d":{...}}     server -> client event
package wire

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/tailcast/tailcast/pkg/tailcast/source"
)

// Message kind constants for the "k" field.
const (
	// Client to server
	MessageKindHandshake = "h"

	// Server to client
	MessageKindAck  = "a" // positive acknowledgment
	MessageKindNack = "n" // negative acknowledgment (error response)

	// Event frames have no "k" field; they are identified by the
	// presence of the "d" (data) field.
	MessageKindEvent = ""
)

// Message is the JSON structure for frames in both directions.
type Message struct {
	Kind  string `json:"k,omitempty"`   // message kind (see MessageKind constants)
	Token string `json:"tok,omitempty"` // auth token (handshake only)
	Seq   uint64 `json:"seq,omitempty"` // event sequence number, starts at 1
	Data  any    `json:"d,omitempty"`   // event payload
	Error string `json:"e,omitempty"`   // error message (used with NACK)
}

// Codec encodes update events into broadcast frames. Each event is
// encoded exactly once per broadcast and stamped with a monotonically
// increasing sequence number so clients can detect gaps.
type Codec struct {
	seq atomic.Uint64
}

// NewCodec creates a codec with the sequence counter at zero.
func NewCodec() *Codec {
	return &Codec{}
}

// Encode converts one entry into an event frame. Structured entries
// are sent as an object of their fields (key-sorted), raw entries as a
// single string. An error here is a programming-contract violation,
// not a runtime condition to recover from.
func (c *Codec) Encode(entry source.Entry) ([]byte, error) {
	var data any
	if entry.IsStructured() {
		fields := make(map[string]string, len(entry.Fields))
		for _, f := range entry.Fields {
			fields[f.Key] = f.Value
		}
		data = fields
	} else {
		data = string(entry.Raw)
	}

	frame, err := json.Marshal(Message{
		Seq:  c.seq.Add(1),
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode event frame: %w", err)
	}
	return frame, nil
}

// Decode parses one inbound client frame.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode client frame: %w", err)
	}
	return msg, nil
}

// EncodeControl marshals a server-originated control frame.
func EncodeControl(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode control frame: %w", err)
	}
	return data, nil
}

// Ack returns an encoded positive acknowledgment frame.
func Ack() []byte {
	data, _ := json.Marshal(Message{Kind: MessageKindAck})
	return data
}

// Nack returns an encoded error frame with the given message.
func Nack(errMsg string) []byte {
	data, _ := json.Marshal(Message{Kind: MessageKindNack, Error: errMsg})
	return data
}
