// Package transport moves opaque payloads between devices on the local
// network. Discovery, pairing and delivery outcomes arrive as Events on a
// single ordered channel per transport.
package transport

import (
	"errors"
	"time"
)

var (
	ErrNotConnected = errors.New("peer not connected")
	ErrClosed       = errors.New("transport closed")
	ErrQueueFull    = errors.New("send queue full")
	ErrUnknownPeer  = errors.New("unknown peer")
)

// PeerID identifies one running instance of the application. It changes on
// every start.
type PeerID string

// Peer is a remote endpoint as the transport sees it. Name is the advertised
// display name, which is the owner's email once onboarded and empty before.
type Peer struct {
	ID   PeerID
	Name string
}

type SessionState int

const (
	NotConnected SessionState = iota
	Connecting
	Connected
)

func (s SessionState) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	PeerDiscovered EventKind = iota + 1
	PeerLost
	InvitationReceived
	SessionStateChanged
	DataReceived
)

func (k EventKind) String() string {
	switch k {
	case PeerDiscovered:
		return "peer_discovered"
	case PeerLost:
		return "peer_lost"
	case InvitationReceived:
		return "invitation_received"
	case SessionStateChanged:
		return "session_state_changed"
	case DataReceived:
		return "data_received"
	default:
		return "unknown"
	}
}

// Event is one notification from the transport. State is set for
// SessionStateChanged, Data for DataReceived.
type Event struct {
	Kind  EventKind
	Peer  Peer
	State SessionState
	Data  []byte
}

// Transport is the delivery primitive the node runs on. Delivery between one
// pair of connected peers is reliable and ordered; nothing is promised across
// pairs. No method blocks on the network.
type Transport interface {
	Self() PeerID
	SetDisplayName(name string)
	StartAdvertising() error
	StartBrowsing() error
	// Invite asks p for a session. The outcome arrives as SessionStateChanged.
	Invite(p Peer, timeout time.Duration) error
	// Accept answers an InvitationReceived from id.
	Accept(id PeerID) error
	// Send enqueues data for every listed peer. Peers without a live session
	// are skipped and reported with ErrNotConnected.
	Send(data []byte, to ...PeerID) error
	Events() <-chan Event
	Close() error
}
