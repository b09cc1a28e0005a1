// Package peer tracks one connection record per remote endpoint and derives
// the connected roster from them.
package peer

import (
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"securechat/internal/debuglog"
	"securechat/internal/transport"
)

const DefaultInviteTimeout = 10 * time.Second

type State int

const (
	Discovered State = iota
	Invited
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Invited:
		return "invited"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type Connection struct {
	ID    transport.PeerID `json:"id"`
	Name  string           `json:"name"`
	State State            `json:"state"`
	Since time.Time        `json:"since"`
}

// Inviter is the part of the transport the manager drives.
type Inviter interface {
	Invite(p transport.Peer, timeout time.Duration) error
	Accept(id transport.PeerID) error
}

// Manager is not safe for concurrent use. The node's event loop owns it.
type Manager struct {
	tr            Inviter
	inviteTimeout time.Duration
	log           *zap.Logger
	now           func() time.Time
	conns         map[transport.PeerID]*Connection
	onConnected   func(Connection)
}

func NewManager(tr Inviter, inviteTimeout time.Duration, log *zap.Logger) *Manager {
	if inviteTimeout <= 0 {
		inviteTimeout = DefaultInviteTimeout
	}
	return &Manager{
		tr:            tr,
		inviteTimeout: inviteTimeout,
		log:           debuglog.OrNop(log),
		now:           time.Now,
		conns:         make(map[transport.PeerID]*Connection),
	}
}

// OnConnected registers fn to run after a session becomes Connected and the
// roster already lists it.
func (m *Manager) OnConnected(fn func(Connection)) {
	m.onConnected = fn
}

func (m *Manager) set(p transport.Peer, s State) *Connection {
	c, ok := m.conns[p.ID]
	if !ok {
		c = &Connection{ID: p.ID}
		m.conns[p.ID] = c
	}
	if p.Name != "" {
		c.Name = p.Name
	}
	if c.State != s || c.Since.IsZero() {
		c.State = s
		c.Since = m.now()
	}
	return c
}

// HandleDiscovered invites a newly seen endpoint. A rediscovered endpoint
// whose previous connection ended gets a fresh connection record.
func (m *Manager) HandleDiscovered(p transport.Peer) {
	if c, ok := m.conns[p.ID]; ok && (c.State == Connected || c.State == Invited) {
		if p.Name != "" {
			c.Name = p.Name
		}
		return
	}
	delete(m.conns, p.ID)
	c := m.set(p, Discovered)
	m.log.Debug("peer discovered", zap.String("peer", string(p.ID)), zap.String("name", p.Name))
	if err := m.tr.Invite(p, m.inviteTimeout); err != nil {
		m.log.Info("invite failed", zap.String("peer", string(p.ID)), zap.Error(err))
		return
	}
	c.State = Invited
}

// HandleInvitation accepts every invitation.
func (m *Manager) HandleInvitation(p transport.Peer) {
	if c, ok := m.conns[p.ID]; !ok || c.State != Connected {
		m.set(p, Invited)
	}
	if err := m.tr.Accept(p.ID); err != nil {
		m.log.Info("accept failed", zap.String("peer", string(p.ID)), zap.Error(err))
	}
}

// HandleState applies a session state change and reports whether the
// connected roster changed.
func (m *Manager) HandleState(p transport.Peer, s transport.SessionState) bool {
	switch s {
	case transport.Connecting:
		if c, ok := m.conns[p.ID]; ok && c.State == Connected {
			return false
		}
		m.set(p, Invited)
		return false
	case transport.Connected:
		prev, ok := m.conns[p.ID]
		was := ok && prev.State == Connected
		c := m.set(p, Connected)
		if was {
			return false
		}
		m.log.Info("peer connected", zap.String("peer", string(p.ID)), zap.String("name", c.Name))
		if m.onConnected != nil {
			m.onConnected(*c)
		}
		return true
	default:
		c, ok := m.conns[p.ID]
		if !ok {
			return false
		}
		was := c.State == Connected
		c.State = Disconnected
		c.Since = m.now()
		if was {
			m.log.Info("peer disconnected", zap.String("peer", string(p.ID)), zap.String("name", c.Name))
		}
		return was
	}
}

// HandleLost forgets the endpoint and reports whether it was connected.
func (m *Manager) HandleLost(p transport.Peer) bool {
	c, ok := m.conns[p.ID]
	if !ok {
		return false
	}
	delete(m.conns, p.ID)
	m.log.Debug("peer lost", zap.String("peer", string(p.ID)), zap.String("name", c.Name))
	return c.State == Connected
}

// Rename records the display name a peer revealed after connecting.
func (m *Manager) Rename(id transport.PeerID, name string) bool {
	c, ok := m.conns[id]
	if !ok || name == "" || c.Name == name {
		return false
	}
	c.Name = name
	return c.State == Connected
}

func (m *Manager) Name(id transport.PeerID) string {
	if c, ok := m.conns[id]; ok {
		return c.Name
	}
	return ""
}

// Resolve finds the connected endpoint advertising name.
func (m *Manager) Resolve(name string) (transport.PeerID, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	var found []transport.PeerID
	for id, c := range m.conns {
		if c.State == Connected && c.Name == name {
			found = append(found, id)
		}
	}
	if len(found) == 0 {
		return "", false
	}
	slices.Sort(found)
	return found[0], true
}

func (m *Manager) ConnectedIDs() []transport.PeerID {
	out := make([]transport.PeerID, 0, len(m.conns))
	for id, c := range m.conns {
		if c.State == Connected {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// ConnectedNames is the connected roster: the display names of connected
// peers, sorted, without blanks.
func (m *Manager) ConnectedNames() []string {
	out := make([]string, 0, len(m.conns))
	for _, c := range m.conns {
		if c.State == Connected && c.Name != "" {
			out = append(out, c.Name)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (m *Manager) Connections() []Connection {
	out := make([]Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b Connection) int {
		if n := strings.Compare(a.Name, b.Name); n != 0 {
			return n
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}
