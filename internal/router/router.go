// Package router keeps the broadcast and private conversations, the unread
// set and the focused conversation.
package router

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"securechat/internal/debuglog"
	"securechat/internal/identity"
	"securechat/internal/models"
	"securechat/internal/proto"
	"securechat/internal/transport"
)

var (
	ErrNoSuchPeer   = errors.New("no connected peer with that email")
	ErrEmptyMessage = errors.New("empty message")
	ErrNoProfile    = errors.New("no local profile")
	// ErrMessageTooLarge means the signed chat packet would not fit in a
	// chat frame and the peer would drop it.
	ErrMessageTooLarge = errors.New("message too large")
)

type Signer interface {
	Sign(text, senderName string) (models.SignedMessage, error)
}

type Outbox interface {
	Send(p proto.Packet, to ...transport.PeerID)
}

// Peers resolves emails to connected endpoints.
type Peers interface {
	Resolve(email string) (transport.PeerID, bool)
	ConnectedIDs() []transport.PeerID
}

// Entry is one logged message. Verified is computed once, when the entry is
// appended.
type Entry struct {
	Message  models.SignedMessage `json:"message"`
	Verified bool                 `json:"verified"`
	Outgoing bool                 `json:"outgoing"`
	At       time.Time            `json:"at"`
}

// Delivery describes where an inbound chat landed.
type Delivery struct {
	Private  bool
	Peer     string
	Verified bool
	Unread   bool
}

// Router is not safe for concurrent use. The node's event loop owns it.
type Router struct {
	signer Signer
	out    Outbox
	peers  Peers
	known  func(email string) bool
	log    *zap.Logger
	now    func() time.Time

	sender    string
	broadcast []Entry
	private   map[string][]Entry
	unread    map[string]bool
	focus     string
}

func New(signer Signer, out Outbox, peers Peers, known func(string) bool, log *zap.Logger) *Router {
	if known == nil {
		known = func(string) bool { return false }
	}
	return &Router{
		signer:  signer,
		out:     out,
		peers:   peers,
		known:   known,
		log:     debuglog.OrNop(log),
		now:     time.Now,
		private: make(map[string][]Entry),
		unread:  make(map[string]bool),
	}
}

// SetSender sets the display name stamped on outgoing messages.
func (r *Router) SetSender(name string) {
	r.sender = name
}

func checkText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if len(text) > proto.MaxChatSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(text))
	}
	return nil
}

// chat signs text and returns the packet once its encoding is known to fit
// in a chat frame.
func (r *Router) chat(text string, audience proto.Audience) (proto.Chat, error) {
	if err := checkText(text); err != nil {
		return proto.Chat{}, err
	}
	if r.sender == "" {
		return proto.Chat{}, ErrNoProfile
	}
	msg, err := r.signer.Sign(text, r.sender)
	if err != nil {
		return proto.Chat{}, fmt.Errorf("sign message: %w", err)
	}
	p := proto.Chat{Audience: audience, Message: msg}
	data, err := proto.Encode(p)
	if err != nil {
		return proto.Chat{}, err
	}
	if len(data) > proto.MaxChatSize {
		return proto.Chat{}, fmt.Errorf("%w: %d bytes encoded", ErrMessageTooLarge, len(data))
	}
	return p, nil
}

// SendBroadcast signs text and sends it to every connected peer. With no
// peers connected it does nothing and reports sent=false.
func (r *Router) SendBroadcast(text string) (bool, error) {
	if err := checkText(text); err != nil {
		return false, err
	}
	peers := r.peers.ConnectedIDs()
	if len(peers) == 0 {
		return false, nil
	}
	p, err := r.chat(text, proto.AudienceBroadcast)
	if err != nil {
		return false, err
	}
	r.out.Send(p, peers...)
	r.broadcast = append(r.broadcast, Entry{Message: p.Message, Verified: true, Outgoing: true, At: r.now()})
	return true, nil
}

// SendPrivate signs text and sends it to the connected peer with email to.
// When that peer is not connected the message is dropped and ErrNoSuchPeer
// returned; nothing is queued.
func (r *Router) SendPrivate(text, to string) error {
	to = strings.TrimSpace(to)
	if err := checkText(text); err != nil {
		return err
	}
	id, ok := r.peers.Resolve(to)
	if !ok {
		r.log.Info("private message dropped", zap.String("to", to))
		return fmt.Errorf("%w: %s", ErrNoSuchPeer, to)
	}
	p, err := r.chat(text, proto.AudiencePrivate)
	if err != nil {
		return err
	}
	r.out.Send(p, id)
	r.private[to] = append(r.private[to], Entry{Message: p.Message, Verified: true, Outgoing: true, At: r.now()})
	return nil
}

// Deliver logs an inbound chat from peer. An explicit audience decides the
// conversation; without one, a peer that already has a private log or a
// roster entry is treated as a private sender.
func (r *Router) Deliver(peer string, chat proto.Chat) Delivery {
	verified := identity.Verify(chat.Message)
	if !verified {
		r.log.Warn("invalid signature",
			zap.String("peer", peer),
			zap.String("sender", chat.Message.SenderName),
			zap.Stringer("id", chat.Message.ID))
	}
	entry := Entry{Message: chat.Message, Verified: verified, At: r.now()}
	if !r.isPrivate(peer, chat.Audience) {
		r.broadcast = append(r.broadcast, entry)
		return Delivery{Peer: peer, Verified: verified}
	}
	r.private[peer] = append(r.private[peer], entry)
	d := Delivery{Private: true, Peer: peer, Verified: verified}
	if r.focus != peer {
		r.unread[peer] = true
		d.Unread = true
	}
	return d
}

func (r *Router) isPrivate(peer string, audience proto.Audience) bool {
	if peer == "" {
		return false
	}
	switch audience {
	case proto.AudiencePrivate:
		return true
	case proto.AudienceBroadcast:
		return false
	}
	if _, ok := r.private[peer]; ok {
		return true
	}
	return r.known(peer)
}

// SetFocus opens the conversation with email, or closes it when email is
// empty. Opening clears that peer's unread flag.
func (r *Router) SetFocus(email string) {
	r.focus = strings.TrimSpace(email)
	if r.focus != "" {
		delete(r.unread, r.focus)
	}
}

func (r *Router) Focus() string { return r.focus }

func (r *Router) Broadcast() []Entry {
	return slices.Clip(r.broadcast)
}

// Private returns the private logs. The slices share backing arrays with
// the router but are clipped, so appends never show through.
func (r *Router) Private() map[string][]Entry {
	out := make(map[string][]Entry, len(r.private))
	for k, v := range r.private {
		out[k] = slices.Clip(v)
	}
	return out
}

func (r *Router) Unread() []string {
	return slices.Sorted(maps.Keys(r.unread))
}
