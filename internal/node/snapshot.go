package node

import (
	"slices"
	"strings"

	"securechat/internal/crypto"
	"securechat/internal/models"
	"securechat/internal/peer"
	"securechat/internal/router"
)

// Snapshot is an immutable view of the node state, published after every
// event-loop step.
type Snapshot struct {
	Version     uint64                    `json:"version"`
	Onboarded   bool                      `json:"onboarded"`
	Profile     models.UserProfile        `json:"profile"`
	Fingerprint string                    `json:"fingerprint"`
	Connected   []string                  `json:"connected"`
	Connections []peer.Connection         `json:"connections"`
	Roster      []models.UserProfile      `json:"roster"`
	Broadcast   []router.Entry            `json:"broadcast"`
	Private     map[string][]router.Entry `json:"private"`
	Unread      []string                  `json:"unread"`
	Focus       string                    `json:"focus"`
	// PendingChecks counts email checks still waiting on peers.
	PendingChecks int `json:"pending_checks"`
}

// User is one row of the user list.
type User struct {
	Profile models.UserProfile `json:"profile"`
	Online  bool               `json:"online"`
	Unread  bool               `json:"unread"`
}

// Users lists known peers other than this device, sorted by first name.
func (s Snapshot) Users() []User {
	out := make([]User, 0, len(s.Roster))
	for _, p := range s.Roster {
		if s.Onboarded && p.Email == s.Profile.Email {
			continue
		}
		out = append(out, User{
			Profile: p,
			Online:  slices.Contains(s.Connected, p.Email),
			Unread:  slices.Contains(s.Unread, p.Email),
		})
	}
	slices.SortStableFunc(out, func(a, b User) int {
		if c := strings.Compare(a.Profile.FirstName, b.Profile.FirstName); c != 0 {
			return c
		}
		return strings.Compare(a.Profile.Email, b.Profile.Email)
	})
	return out
}

// Conversation returns the private log with email.
func (s Snapshot) Conversation(email string) []router.Entry {
	return s.Private[email]
}

// ResolveSender renders "First Last • Department" for a message. The
// sender is matched by key fingerprint first, then by full name; unknown
// senders fall back to the declared name.
func (s Snapshot) ResolveSender(msg models.SignedMessage) string {
	if len(msg.SenderPublicKey) > 0 {
		fp := crypto.Fingerprint(msg.SenderPublicKey)
		for _, p := range s.Roster {
			if len(p.PublicKey) > 0 && crypto.Fingerprint(p.PublicKey) == fp {
				return label(p)
			}
		}
	}
	for _, p := range s.Roster {
		if p.FullName() == msg.SenderName {
			return label(p)
		}
	}
	return msg.SenderName
}

func label(p models.UserProfile) string {
	return p.FullName() + " • " + p.Department
}

func (n *Node) buildSnapshot() *Snapshot {
	n.version++
	s := &Snapshot{
		Version:     n.version,
		Fingerprint: n.id.Fingerprint(),
		Connected:   n.peers.ConnectedNames(),
		Connections: n.peers.Connections(),
		Roster:      n.onboard.Roster(),
		Broadcast:   n.router.Broadcast(),
		Private:     n.router.Private(),
		Unread:      n.router.Unread(),
		Focus:       n.router.Focus(),

		PendingChecks: n.onboard.Pending(),
	}
	if self, ok := n.onboard.Self(); ok {
		s.Onboarded = true
		s.Profile = self
	}
	return s
}

// Snapshot returns the latest published state.
func (n *Node) Snapshot() Snapshot {
	return *n.snap.Load()
}

func (n *Node) publish() {
	s := n.buildSnapshot()
	n.snap.Store(s)
	n.subMu.Lock()
	defer n.subMu.Unlock()
	for _, ch := range n.subs {
		offer(ch, *s)
	}
}

// offer replaces any unread snapshot in ch with s.
func offer(ch chan Snapshot, s Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Subscribe returns a channel carrying the latest snapshot. Slow readers
// only see the newest state. The channel closes when the node stops or
// cancel is called.
func (n *Node) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	n.subMu.Lock()
	id := n.nextSub
	n.nextSub++
	select {
	case <-n.done:
		close(ch)
		n.subMu.Unlock()
		return ch, func() {}
	default:
	}
	n.subs[id] = ch
	ch <- *n.snap.Load()
	n.subMu.Unlock()
	return ch, func() {
		n.subMu.Lock()
		defer n.subMu.Unlock()
		if c, ok := n.subs[id]; ok {
			close(c)
			delete(n.subs, id)
		}
	}
}
