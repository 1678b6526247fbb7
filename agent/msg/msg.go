// Package msg defines the envelope that carries requests and responses
// between the two participants of a payment relationship. Each message
// multiplexes named sub-protocol payloads, one of which usually carries
// the primary application packet.
package msg

import (
	"encoding/gob"
	"io"
)

type Type int

const (
	TypeRequest  Type = 10
	TypeResponse Type = 11
)

// KeyPacket is the sub-protocol key carrying the primary application
// packet.
const KeyPacket = "packet"

// KeyPaymentDetails is the reserved sub-protocol key used to exchange
// settlement payment details. Requests carrying it are intercepted by
// the agent and never reach the application data handler.
const KeyPaymentDetails = "get_payment_details"

// ProtocolEntry is one named sub-protocol payload within a message.
type ProtocolEntry struct {
	Key  string
	Data []byte
}

// ProtocolData is the ordered set of sub-protocol payloads carried by a
// message.
type ProtocolData []ProtocolEntry

// Get returns the payload for the given key and whether the key is
// present.
func (d ProtocolData) Get(key string) ([]byte, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Data, true
		}
	}
	return nil, false
}

// Has reports whether the given key is present.
func (d ProtocolData) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// With returns a copy of the protocol data with the given entry
// appended.
func (d ProtocolData) With(key string, data []byte) ProtocolData {
	entries := make(ProtocolData, 0, len(d)+1)
	entries = append(entries, d...)
	entries = append(entries, ProtocolEntry{Key: key, Data: data})
	return entries
}

// Message is the wire envelope. Responses carry the RequestID of the
// request they answer. Error is set on responses that report a
// protocol-level failure instead of protocol data.
type Message struct {
	Type         Type
	RequestID    uint64
	Error        string
	ProtocolData ProtocolData
}

type Encoder = gob.Encoder

func NewEncoder(w io.Writer) *Encoder {
	return gob.NewEncoder(w)
}

type Decoder = gob.Decoder

func NewDecoder(r io.Reader) *Decoder {
	return gob.NewDecoder(r)
}
