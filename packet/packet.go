// Package packet decodes and classifies the packets relayed through the
// agent's data path. The agent only needs to know a packet's kind and
// declared amount to do its accounting, the rest of the packet is opaque
// application payload passed through untouched.
package packet

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/big"
)

// Kind identifies the settlement-relevant classification of a packet.
type Kind byte

const (
	KindUnknown Kind = 0
	KindPrepare Kind = 1
	KindFulfill Kind = 2
	KindReject  Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindPrepare:
		return "prepare"
	case KindFulfill:
		return "fulfill"
	case KindReject:
		return "reject"
	}
	return "unknown"
}

// CodeInsufficientBalance is the standardized temporary-error code used
// when rejecting a prepare from an account that already owes value.
const CodeInsufficientBalance = "T04"

// Packet is a decoded packet. Amount is set for prepares and declares
// the value the sender is asking to have reserved. Code, TriggeredBy
// and Message are set for rejects. Data is the opaque application
// payload.
type Packet struct {
	Kind        Kind
	Amount      *big.Int
	Code        string
	TriggeredBy string
	Message     string
	Data        []byte
}

// NewPrepare builds a prepare packet declaring the given amount.
func NewPrepare(amount *big.Int, data []byte) Packet {
	return Packet{Kind: KindPrepare, Amount: amount, Data: data}
}

// NewFulfill builds a fulfill packet.
func NewFulfill(data []byte) Packet {
	return Packet{Kind: KindFulfill, Data: data}
}

// NewReject builds a terminal rejection addressed as coming from
// triggeredBy.
func NewReject(code string, triggeredBy string, message string) Packet {
	return Packet{Kind: KindReject, Code: code, TriggeredBy: triggeredBy, Message: message}
}

// body is the gob-encoded portion of a packet following the kind byte.
type body struct {
	Amount      *big.Int
	Code        string
	TriggeredBy string
	Message     string
	Data        []byte
}

// Classify returns the kind of an encoded packet without decoding it.
// Empty or unrecognized packets classify as KindUnknown.
func Classify(data []byte) Kind {
	if len(data) == 0 {
		return KindUnknown
	}
	k := Kind(data[0])
	switch k {
	case KindPrepare, KindFulfill, KindReject:
		return k
	}
	return KindUnknown
}

// Encode encodes the packet as a kind byte followed by a gob body.
func (p Packet) Encode() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.WriteByte(byte(p.Kind))
	err := gob.NewEncoder(&buf).Encode(body{
		Amount:      p.Amount,
		Code:        p.Code,
		TriggeredBy: p.TriggeredBy,
		Message:     p.Message,
		Data:        p.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s packet: %w", p.Kind, err)
	}
	return buf.Bytes(), nil
}

// Decode decodes an encoded packet.
func Decode(data []byte) (Packet, error) {
	k := Classify(data)
	if k == KindUnknown {
		return Packet{}, fmt.Errorf("decoding packet: unrecognized packet")
	}
	b := body{}
	err := gob.NewDecoder(bytes.NewReader(data[1:])).Decode(&b)
	if err != nil {
		return Packet{}, fmt.Errorf("decoding %s packet: %w", k, err)
	}
	return Packet{
		Kind:        k,
		Amount:      b.Amount,
		Code:        b.Code,
		TriggeredBy: b.TriggeredBy,
		Message:     b.Message,
		Data:        b.Data,
	}, nil
}
