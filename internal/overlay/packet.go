package overlay

import (
	"encoding/json"
	"fmt"
)

// Probe is the wire shape of a probe/response handshake packet: auth is a
// sealed {sid: A} addressed to B, sig covers A‖B, content is an
// end-to-end encrypted payload (may be a handshake greeting).
type Probe struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	RouteID    string `json:"route_id"`
	RevID      string `json:"rev_id"`
	TargetHash string `json:"target_hash"`
	Auth       string `json:"auth"`
	Sig        string `json:"sig"`
	Content    string `json:"content"`
	Metric     int    `json:"metric"`
	TTL        int    `json:"ttl"`
}

// Data is the wire shape of a forwarded payload. No endpoint identity rides
// along; route_id alone determines the next hop, and only the terminus can
// decrypt content.
type Data struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	RouteID string `json:"route_id"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
}

// Packet is a tagged union over the two wire payload kinds. Exactly one of
// Probe or Data is set on a value produced by ParsePacket.
type Packet struct {
	Probe *Probe
	Data  *Data
}

// ID returns the packet's id regardless of its concrete kind.
func (p *Packet) ID() string {
	switch {
	case p.Probe != nil:
		return p.Probe.ID
	case p.Data != nil:
		return p.Data.ID
	default:
		return ""
	}
}

// Marshal re-serializes whichever variant is set.
func (p *Packet) Marshal() ([]byte, error) {
	switch {
	case p.Probe != nil:
		return json.Marshal(p.Probe)
	case p.Data != nil:
		return json.Marshal(p.Data)
	default:
		return nil, fmt.Errorf("overlay: packet has no payload set")
	}
}

// ParsePacket reads the `type` discriminator and unmarshals into the
// matching variant. An unrecognized type is reported as an error so the
// caller can silently drop it.
func ParsePacket(raw []byte) (*Packet, error) {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return nil, err
	}
	switch peek.Type {
	case "PROBE":
		var p Probe
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return &Packet{Probe: &p}, nil
	case "DATA":
		var d Data
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return &Packet{Data: &d}, nil
	default:
		return nil, fmt.Errorf("overlay: unknown packet type %q", peek.Type)
	}
}
