// Package node wires transport, peer manager, onboarding coordinator and
// router together. Every mutation runs on one event-loop goroutine; readers
// get immutable snapshots.
package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"securechat/internal/debuglog"
	"securechat/internal/identity"
	"securechat/internal/metrics"
	"securechat/internal/models"
	"securechat/internal/onboarding"
	"securechat/internal/peer"
	"securechat/internal/proto"
	"securechat/internal/router"
	"securechat/internal/transport"
)

var (
	ErrClosed           = errors.New("node closed")
	ErrAlreadyOnboarded = errors.New("profile already set up")
	ErrNotOnboarded     = errors.New("no profile yet")
)

// ProfileStore persists the local profile. Load returns (nil, nil) when
// there is none.
type ProfileStore interface {
	Save(ctx context.Context, p models.UserProfile) error
	Load(ctx context.Context) (*models.UserProfile, error)
	Clear(ctx context.Context) error
}

type Options struct {
	Transport     transport.Transport
	Identity      *identity.Identity
	Profiles      ProfileStore
	InviteTimeout time.Duration
	CheckTimeout  time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

type Node struct {
	tr       transport.Transport
	id       *identity.Identity
	profiles ProfileStore
	log      *zap.Logger
	metrics  *metrics.Metrics

	peers   *peer.Manager
	onboard *onboarding.Coordinator
	router  *router.Router

	cmds    chan func()
	done    chan struct{}
	running atomic.Bool
	version uint64

	snap    atomic.Pointer[Snapshot]
	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

func New(opts Options) (*Node, error) {
	if opts.Transport == nil {
		return nil, errors.New("node: transport required")
	}
	if opts.Identity == nil {
		return nil, errors.New("node: identity required")
	}
	if opts.Profiles == nil {
		return nil, errors.New("node: profile store required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	n := &Node{
		tr:       opts.Transport,
		id:       opts.Identity,
		profiles: opts.Profiles,
		log:      debuglog.OrNop(opts.Logger),
		metrics:  opts.Metrics,
		cmds:     make(chan func()),
		done:     make(chan struct{}),
		subs:     make(map[int]chan Snapshot),
	}
	out := outbox{n}
	n.peers = peer.NewManager(n.tr, opts.InviteTimeout, n.log)
	n.onboard = onboarding.New(out, n.schedule, opts.CheckTimeout, n.log)
	n.router = router.New(n.id, out, n.peers, n.onboard.Known, n.log)
	n.peers.OnConnected(func(peer.Connection) {
		n.onboard.Broadcast(n.peers.ConnectedIDs())
	})

	saved, err := n.profiles.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if saved != nil {
		p := *saved
		p.PublicKey = n.id.PublicKey()
		if err := p.Validate(); err != nil {
			n.log.Warn("ignoring stored profile", zap.Error(err))
		} else {
			n.install(p)
		}
	}
	n.publish()
	return n, nil
}

func (n *Node) install(p models.UserProfile) {
	n.onboard.SetSelf(p)
	n.router.SetSender(p.FullName())
	n.tr.SetDisplayName(p.Email)
}

// Run starts discovery and processes events until ctx ends or the
// transport closes. The transport is closed on return.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return errors.New("node: already running")
	}
	defer func() {
		close(n.done)
		if err := n.tr.Close(); err != nil {
			n.log.Warn("transport close", zap.Error(err))
		}
		n.subMu.Lock()
		for id, ch := range n.subs {
			close(ch)
			delete(n.subs, id)
		}
		n.subMu.Unlock()
	}()
	if err := n.tr.StartAdvertising(); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}
	if err := n.tr.StartBrowsing(); err != nil {
		return fmt.Errorf("start browsing: %w", err)
	}
	n.log.Info("node running", zap.String("peer_id", string(n.tr.Self())), zap.String("fingerprint", n.id.Fingerprint()))
	events := n.tr.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n.handle(ev)
			n.publish()
		case fn := <-n.cmds:
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (n *Node) Done() <-chan struct{} { return n.done }

// do runs fn on the event loop and returns once the resulting snapshot is
// published.
func (n *Node) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case n.cmds <- func() {
		fn()
		n.publish()
		close(finished)
	}:
	case <-n.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn for the event loop without waiting.
func (n *Node) post(fn func()) {
	select {
	case n.cmds <- func() {
		fn()
		n.publish()
	}:
	case <-n.done:
	}
}

func (n *Node) schedule(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, func() { n.post(fn) })
	return func() { t.Stop() }
}

type outbox struct{ n *Node }

func (o outbox) Send(p proto.Packet, to ...transport.PeerID) {
	n := o.n
	if len(to) == 0 {
		return
	}
	data, err := proto.Encode(p)
	if err != nil {
		n.log.Error("encode packet", zap.String("type", string(p.Kind())), zap.Error(err))
		return
	}
	if limit := max(proto.SoftMaxFrameSize, proto.MaxSizeForType(string(p.Kind()))); len(data) > limit {
		n.metrics.IncDropByReason("oversize")
		n.log.Warn("packet exceeds frame cap", zap.String("type", string(p.Kind())), zap.Int("size", len(data)), zap.Int("limit", limit))
		return
	}
	if err := n.tr.Send(data, to...); err != nil {
		n.metrics.IncDropByReason("send")
		if debuglog.RateLimited("send:"+string(p.Kind()), 5*time.Second) {
			n.log.Info("send failed", zap.String("type", string(p.Kind())), zap.Int("peers", len(to)), zap.Error(err))
		}
	}
}

func (n *Node) handle(ev transport.Event) {
	switch ev.Kind {
	case transport.PeerDiscovered:
		n.peers.HandleDiscovered(ev.Peer)
	case transport.PeerLost:
		if n.peers.HandleLost(ev.Peer) {
			n.metrics.SetCurrentPeers(len(n.peers.ConnectedIDs()))
		}
	case transport.InvitationReceived:
		n.peers.HandleInvitation(ev.Peer)
	case transport.SessionStateChanged:
		if n.peers.HandleState(ev.Peer, ev.State) {
			n.metrics.SetCurrentPeers(len(n.peers.ConnectedIDs()))
		}
	case transport.DataReceived:
		n.receive(ev.Peer, ev.Data)
	}
}

func (n *Node) receive(from transport.Peer, data []byte) {
	pkt, err := proto.Decode(data)
	if err != nil {
		n.metrics.IncDropByReason("decode")
		if debuglog.RateLimited("decode:"+string(from.ID), 5*time.Second) {
			n.log.Info("dropping undecodable payload", zap.String("peer", string(from.ID)), zap.Int("bytes", len(data)), zap.Error(err))
		}
		return
	}
	n.metrics.IncRecvByType(string(pkt.Kind()))
	switch m := pkt.(type) {
	case proto.CheckEmail:
		n.onboard.HandleCheck(from.ID, m)
	case proto.EmailCheckResponse:
		n.onboard.HandleResponse(from.ID, m)
	case proto.UpdateUserInfo:
		p, err := n.onboard.HandleUpdate(from.ID, m)
		if err != nil {
			n.metrics.IncDropByReason("profile")
			n.log.Warn("rejected profile", zap.String("peer", string(from.ID)), zap.String("email", m.Profile.Email), zap.Error(err))
			return
		}
		if n.peers.Rename(from.ID, p.Email) {
			n.metrics.SetCurrentPeers(len(n.peers.ConnectedIDs()))
		}
	case proto.Chat:
		sender := n.peers.Name(from.ID)
		if sender == "" {
			sender = from.Name
		}
		d := n.router.Deliver(sender, m)
		if !d.Verified {
			n.metrics.IncInvalidSignature()
		}
		if d.Private {
			n.metrics.IncRecvPrivate()
		} else {
			n.metrics.IncRecvBroadcast()
		}
	}
}

// Onboard validates and stores the local profile, then announces it. The
// profile's public key is always this process's key.
func (n *Node) Onboard(ctx context.Context, p models.UserProfile) error {
	p.Email = strings.TrimSpace(p.Email)
	p, err := p.WithDetails(p.FirstName, p.LastName, p.Department)
	if err != nil {
		return err
	}
	p.PublicKey = n.id.PublicKey()
	if err := p.Validate(); err != nil {
		return err
	}
	var opErr error
	err = n.do(ctx, func() {
		if _, ok := n.onboard.Self(); ok {
			opErr = ErrAlreadyOnboarded
			return
		}
		if opErr = n.profiles.Save(ctx, p); opErr != nil {
			return
		}
		n.install(p)
		n.onboard.Broadcast(n.peers.ConnectedIDs())
		n.log.Info("onboarded", zap.String("email", p.Email))
	})
	if err != nil {
		return err
	}
	return opErr
}

// UpdateProfile changes the editable fields of the local profile and
// rebroadcasts it. Email and public key never change.
func (n *Node) UpdateProfile(ctx context.Context, first, last, department string) error {
	var opErr error
	err := n.do(ctx, func() {
		self, ok := n.onboard.Self()
		if !ok {
			opErr = ErrNotOnboarded
			return
		}
		updated, err := self.WithDetails(first, last, department)
		if err != nil {
			opErr = err
			return
		}
		if opErr = n.profiles.Save(ctx, updated); opErr != nil {
			return
		}
		n.install(updated)
		n.onboard.Broadcast(n.peers.ConnectedIDs())
	})
	if err != nil {
		return err
	}
	return opErr
}

// CheckEmailUniqueness asks the connected peers whether email is in use.
// It answers false at once when no peer is connected, and never waits past
// the check deadline.
func (n *Node) CheckEmailUniqueness(ctx context.Context, email string) (bool, error) {
	res := make(chan onboarding.Result, 1)
	err := n.do(ctx, func() {
		n.onboard.Check(email, n.peers.ConnectedIDs(), func(r onboarding.Result) {
			n.metrics.RecordCheck(metrics.CheckRecord{
				Email:    r.Email,
				Taken:    r.Taken,
				Replies:  r.Replies,
				Expected: r.Expected,
				TimedOut: r.TimedOut,
			})
			res <- r
		})
	})
	if err != nil {
		return false, err
	}
	select {
	case r := <-res:
		return r.Taken, nil
	case <-n.done:
		return false, ErrClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// SendBroadcast sends text to every connected peer. It does nothing when
// no peer is connected.
func (n *Node) SendBroadcast(ctx context.Context, text string) error {
	var opErr error
	err := n.do(ctx, func() {
		var sent bool
		sent, opErr = n.router.SendBroadcast(text)
		if sent {
			n.metrics.IncSentBroadcast()
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// SendPrivate sends text to the connected peer with the given email. A
// disconnected peer yields router.ErrNoSuchPeer and the message is dropped.
func (n *Node) SendPrivate(ctx context.Context, text, email string) error {
	var opErr error
	err := n.do(ctx, func() {
		opErr = n.router.SendPrivate(text, email)
		if opErr == nil {
			n.metrics.IncSentPrivate()
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// SetFocus marks the conversation with email as open. An empty email
// closes it.
func (n *Node) SetFocus(ctx context.Context, email string) error {
	return n.do(ctx, func() { n.router.SetFocus(email) })
}

func (n *Node) Metrics() metrics.Snapshot {
	return n.metrics.Snapshot()
}

// ResolveSender renders who sent msg using the current roster.
func (n *Node) ResolveSender(msg models.SignedMessage) string {
	return n.Snapshot().ResolveSender(msg)
}

func (n *Node) Identity() *identity.Identity { return n.id }
