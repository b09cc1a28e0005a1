package proto

import (
	"encoding/json"
	"fmt"
)

// Link-level messages exchanged by the network transport before packets
// start flowing. They never reach the node.
const (
	MsgTypeBeacon = "beacon"
	MsgTypeInvite = "invite"
	MsgTypeAccept = "accept"

	ServiceName = "securechat"

	MaxBeaconSize  = 1 << 10
	MaxLinkMsgSize = 2 << 10
	MaxChatSize    = 256 << 10
)

type BeaconMsg struct {
	Type    string `json:"type"`
	Service string `json:"service"`
	PeerID  string `json:"peer_id"`
	Name    string `json:"name"`
	Port    int    `json:"port"`
}

type InviteMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
}

type AcceptMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
}

func EncodeBeaconMsg(m BeaconMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeBeacon
	}
	if m.Service == "" {
		m.Service = ServiceName
	}
	return json.Marshal(m)
}

func DecodeBeaconMsg(data []byte) (BeaconMsg, error) {
	if len(data) > MaxBeaconSize {
		return BeaconMsg{}, fmt.Errorf("%w: beacon %d bytes", ErrFrameSize, len(data))
	}
	var m BeaconMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return BeaconMsg{}, err
	}
	if m.Type != MsgTypeBeacon {
		return BeaconMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.Service != ServiceName {
		return BeaconMsg{}, fmt.Errorf("foreign service: %q", m.Service)
	}
	if m.PeerID == "" || m.Port <= 0 || m.Port > 65535 {
		return BeaconMsg{}, fmt.Errorf("%w: beacon fields", ErrInvalidPacket)
	}
	return m, nil
}

func EncodeInviteMsg(m InviteMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeInvite
	}
	return json.Marshal(m)
}

func DecodeInviteMsg(data []byte) (InviteMsg, error) {
	var m InviteMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return InviteMsg{}, err
	}
	if m.Type != MsgTypeInvite {
		return InviteMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.PeerID == "" {
		return InviteMsg{}, fmt.Errorf("%w: invite without peer id", ErrInvalidPacket)
	}
	return m, nil
}

func EncodeAcceptMsg(m AcceptMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeAccept
	}
	return json.Marshal(m)
}

func DecodeAcceptMsg(data []byte) (AcceptMsg, error) {
	var m AcceptMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return AcceptMsg{}, err
	}
	if m.Type != MsgTypeAccept {
		return AcceptMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.PeerID == "" {
		return AcceptMsg{}, fmt.Errorf("%w: accept without peer id", ErrInvalidPacket)
	}
	return m, nil
}

// MaxSizeForType caps frames that exceed the soft limit passed to
// ReadFrameWithTypeCap. Zero means no frame of that type may be larger
// than the soft limit, which is what keeps control packets under
// SoftMaxFrameSize.
func MaxSizeForType(t string) int {
	switch t {
	case string(KindChat):
		return MaxChatSize
	case MsgTypeInvite, MsgTypeAccept:
		return MaxLinkMsgSize
	default:
		return 0
	}
}
