package wire

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which logical stream an envelope belongs to.
type Kind string

const (
	// KindWelcome is sent by the relay to a joining peer. Payload is a JSON array of peer ids already in the room.
	KindWelcome Kind = "welcome"
	// KindHello announces a peer. Broadcast on join, targeted when replying to another hello.
	KindHello Kind = "hello"
	// KindSync carries an opaque document sync message.
	KindSync Kind = "sync"
	// KindPresence carries an opaque presence record.
	KindPresence Kind = "presence"
	// KindLeave is sent by the relay when a peer disconnects.
	KindLeave Kind = "leave"
)

// Envelope is the unit exchanged over the relay. The relay routes on Room, From and To and never looks at Payload.
type Envelope struct {
	Kind    Kind   `json:"kind"`
	Room    string `json:"room"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

func (e Envelope) Broadcast() bool {
	return e.To == ""
}

func Encode(e Envelope) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return raw, nil
}

func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("failed to decode envelope: %w", err)
	}
	switch e.Kind {
	case KindWelcome, KindHello, KindSync, KindPresence, KindLeave:
	default:
		return e, fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	if e.Room == "" {
		return e, fmt.Errorf("envelope has no room")
	}
	return e, nil
}

// Welcome builds the relay's greeting for a joining peer.
func Welcome(room, to string, roster []string) (Envelope, error) {
	if roster == nil {
		roster = []string{}
	}
	payload, err := json.Marshal(roster)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode roster: %w", err)
	}
	return Envelope{Kind: KindWelcome, Room: room, To: to, Payload: payload}, nil
}

// Roster decodes the peer list carried by a welcome envelope.
func (e Envelope) Roster() ([]string, error) {
	var roster []string
	if err := json.Unmarshal(e.Payload, &roster); err != nil {
		return nil, fmt.Errorf("failed to decode roster: %w", err)
	}
	return roster, nil
}
