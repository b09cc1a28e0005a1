package transport

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type linkKey struct{ a, b PeerID }

func newLinkKey(a, b PeerID) linkKey {
	if b < a {
		a, b = b, a
	}
	return linkKey{a, b}
}

type inviteKey struct{ from, to PeerID }

// MemoryNetwork connects MemoryTransports inside one process. It honours the
// same contract as the LAN transport and is what the node tests run on.
type MemoryNetwork struct {
	mu      sync.Mutex
	members map[PeerID]*MemoryTransport
	links   map[linkKey]bool
	invites map[inviteKey]*time.Timer
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		members: make(map[PeerID]*MemoryTransport),
		links:   make(map[linkKey]bool),
		invites: make(map[inviteKey]*time.Timer),
	}
}

// Join adds a transport with the given id, or a random one when id is empty.
func (n *MemoryNetwork) Join(id PeerID) *MemoryTransport {
	if id == "" {
		id = PeerID(uuid.NewString())
	}
	t := &MemoryTransport{net: n, id: id, events: newEventQueue()}
	n.mu.Lock()
	n.members[id] = t
	n.mu.Unlock()
	return t
}

// Disconnect tears down the session between a and b, as a radio loss would.
func (n *MemoryNetwork) Disconnect(a, b PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unlinkLocked(a, b)
}

// Rediscover announces id again to every browsing member, as a peer coming
// back into range would be.
func (n *MemoryNetwork) Rediscover(id PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t := n.members[id]; t != nil && t.advertising && !t.closed {
		t.announceLocked()
	}
}

// Connected reports whether a and b currently share a session.
func (n *MemoryNetwork) Connected(a, b PeerID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[newLinkKey(a, b)]
}

func (n *MemoryNetwork) unlinkLocked(a, b PeerID) {
	key := newLinkKey(a, b)
	if !n.links[key] {
		return
	}
	delete(n.links, key)
	ta, tb := n.members[a], n.members[b]
	if ta != nil && tb != nil {
		ta.events.push(Event{Kind: SessionStateChanged, Peer: tb.peerLocked(), State: NotConnected})
		tb.events.push(Event{Kind: SessionStateChanged, Peer: ta.peerLocked(), State: NotConnected})
	}
}

type MemoryTransport struct {
	net         *MemoryNetwork
	id          PeerID
	events      *eventQueue
	name        string
	advertising bool
	browsing    bool
	closed      bool
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) Self() PeerID { return t.id }

func (t *MemoryTransport) Events() <-chan Event { return t.events.out }

func (t *MemoryTransport) peerLocked() Peer {
	return Peer{ID: t.id, Name: t.name}
}

func (t *MemoryTransport) SetDisplayName(name string) {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if t.name == name {
		return
	}
	t.name = name
	if t.advertising && !t.closed {
		t.announceLocked()
	}
}

func (t *MemoryTransport) announceLocked() {
	for id, other := range t.net.members {
		if id == t.id || other.closed || !other.browsing {
			continue
		}
		other.events.push(Event{Kind: PeerDiscovered, Peer: t.peerLocked()})
	}
}

func (t *MemoryTransport) StartAdvertising() error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.advertising {
		return nil
	}
	t.advertising = true
	t.announceLocked()
	return nil
}

func (t *MemoryTransport) StartBrowsing() error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.browsing {
		return nil
	}
	t.browsing = true
	for id, other := range n.members {
		if id == t.id || other.closed || !other.advertising {
			continue
		}
		t.events.push(Event{Kind: PeerDiscovered, Peer: other.peerLocked()})
	}
	return nil
}

func (t *MemoryTransport) Invite(p Peer, timeout time.Duration) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	target := n.members[p.ID]
	if target == nil || target.closed || p.ID == t.id {
		return ErrUnknownPeer
	}
	if n.links[newLinkKey(t.id, p.ID)] {
		return nil
	}
	key := inviteKey{from: t.id, to: p.ID}
	if _, ok := n.invites[key]; ok {
		return nil
	}
	n.invites[key] = time.AfterFunc(timeout, func() { n.expireInvite(key) })
	t.events.push(Event{Kind: SessionStateChanged, Peer: target.peerLocked(), State: Connecting})
	target.events.push(Event{Kind: InvitationReceived, Peer: t.peerLocked()})
	return nil
}

func (n *MemoryNetwork) expireInvite(key inviteKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.invites[key]; !ok {
		return
	}
	delete(n.invites, key)
	from, to := n.members[key.from], n.members[key.to]
	if from == nil || from.closed || n.links[newLinkKey(key.from, key.to)] {
		return
	}
	peer := Peer{ID: key.to}
	if to != nil {
		peer = to.peerLocked()
	}
	from.events.push(Event{Kind: SessionStateChanged, Peer: peer, State: NotConnected})
}

func (t *MemoryTransport) Accept(id PeerID) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	key := inviteKey{from: id, to: t.id}
	timer, ok := n.invites[key]
	if !ok {
		return ErrUnknownPeer
	}
	timer.Stop()
	delete(n.invites, key)
	inviter := n.members[id]
	if inviter == nil || inviter.closed {
		return ErrNotConnected
	}
	link := newLinkKey(id, t.id)
	if n.links[link] {
		return nil
	}
	if back, ok := n.invites[inviteKey{from: t.id, to: id}]; ok {
		back.Stop()
		delete(n.invites, inviteKey{from: t.id, to: id})
	}
	n.links[link] = true
	inviter.events.push(Event{Kind: SessionStateChanged, Peer: t.peerLocked(), State: Connected})
	t.events.push(Event{Kind: SessionStateChanged, Peer: inviter.peerLocked(), State: Connected})
	return nil
}

func (t *MemoryTransport) Send(data []byte, to ...PeerID) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	var missing bool
	for _, id := range to {
		target := n.members[id]
		if target == nil || !n.links[newLinkKey(t.id, id)] {
			missing = true
			continue
		}
		payload := append([]byte(nil), data...)
		target.events.push(Event{Kind: DataReceived, Peer: t.peerLocked(), Data: payload})
	}
	if missing {
		return ErrNotConnected
	}
	return nil
}

func (t *MemoryTransport) Close() error {
	n := t.net
	n.mu.Lock()
	if t.closed {
		n.mu.Unlock()
		return nil
	}
	for id := range n.members {
		if id != t.id {
			n.unlinkLocked(t.id, id)
		}
	}
	for key, timer := range n.invites {
		if key.from == t.id || key.to == t.id {
			timer.Stop()
			delete(n.invites, key)
		}
	}
	if t.advertising {
		for id, other := range n.members {
			if id != t.id && !other.closed && other.browsing {
				other.events.push(Event{Kind: PeerLost, Peer: t.peerLocked()})
			}
		}
	}
	t.closed = true
	delete(n.members, t.id)
	n.mu.Unlock()
	t.events.close()
	return nil
}
