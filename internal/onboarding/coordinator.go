// Package onboarding runs the cooperative email uniqueness check and keeps
// the roster of profiles peers have declared.
package onboarding

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"securechat/internal/debuglog"
	"securechat/internal/models"
	"securechat/internal/proto"
	"securechat/internal/transport"
)

const DefaultCheckTimeout = time.Second

var (
	ErrOwnEmail   = errors.New("profile claims this device's email")
	ErrKeyChanged = errors.New("public key differs from the known one")
)

// Outbox sends one packet to the listed peers.
type Outbox interface {
	Send(p proto.Packet, to ...transport.PeerID)
}

// Scheduler runs fn after d on the caller's serialized path and returns a
// function that cancels it.
type Scheduler func(d time.Duration, fn func()) (cancel func())

// Result is the outcome of one uniqueness check. Peers that never answered
// count as "not taken".
type Result struct {
	Email    string
	Taken    bool
	Replies  int
	Expected int
	TimedOut bool
}

type check struct {
	email    string
	expected map[transport.PeerID]bool
	replied  map[transport.PeerID]bool
	done     func(Result)
	cancel   func()
}

// Coordinator is not safe for concurrent use. The node's event loop owns it.
type Coordinator struct {
	out      Outbox
	schedule Scheduler
	timeout  time.Duration
	log      *zap.Logger
	newID    func() string

	self    *models.UserProfile
	known   map[string]models.UserProfile
	pending map[string]*check
}

func New(out Outbox, schedule Scheduler, timeout time.Duration, log *zap.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &Coordinator{
		out:      out,
		schedule: schedule,
		timeout:  timeout,
		log:      debuglog.OrNop(log),
		newID:    uuid.NewString,
		known:    make(map[string]models.UserProfile),
		pending:  make(map[string]*check),
	}
}

// Check asks peers whether email is taken and calls done exactly once: on the
// first "taken" reply, once every addressed peer answered, or at the
// deadline. With no peers done runs before Check returns.
func (c *Coordinator) Check(email string, peers []transport.PeerID, done func(Result)) {
	email = strings.TrimSpace(email)
	if len(peers) == 0 {
		c.log.Info("email check without peers, assuming available", zap.String("email", email))
		done(Result{Email: email})
		return
	}
	id := c.newID()
	chk := &check{
		email:    email,
		expected: make(map[transport.PeerID]bool, len(peers)),
		replied:  make(map[transport.PeerID]bool, len(peers)),
		done:     done,
	}
	for _, p := range peers {
		chk.expected[p] = true
	}
	c.pending[id] = chk
	c.out.Send(proto.CheckEmail{RequestID: id, Email: email}, peers...)
	chk.cancel = c.schedule(c.timeout, func() { c.expire(id) })
	c.log.Debug("email check sent", zap.String("email", email), zap.Int("peers", len(chk.expected)))
}

func (c *Coordinator) expire(id string) {
	chk, ok := c.pending[id]
	if !ok {
		return
	}
	c.log.Info("email check deadline reached",
		zap.String("email", chk.email),
		zap.Int("replies", len(chk.replied)),
		zap.Int("expected", len(chk.expected)))
	c.finish(id, false, true)
}

func (c *Coordinator) finish(id string, taken, timedOut bool) {
	chk := c.pending[id]
	delete(c.pending, id)
	if chk.cancel != nil && !timedOut {
		chk.cancel()
	}
	chk.done(Result{
		Email:    chk.email,
		Taken:    taken,
		Replies:  len(chk.replied),
		Expected: len(chk.expected),
		TimedOut: timedOut,
	})
}

// HandleResponse counts a reply. Replies from peers the check did not
// address, and repeated replies, are ignored.
func (c *Coordinator) HandleResponse(from transport.PeerID, m proto.EmailCheckResponse) {
	chk, ok := c.pending[m.RequestID]
	if !ok || !chk.expected[from] || chk.replied[from] {
		c.log.Debug("ignoring email check reply", zap.String("peer", string(from)), zap.String("request", m.RequestID))
		return
	}
	chk.replied[from] = true
	switch {
	case m.IsTaken:
		c.log.Info("email taken", zap.String("email", chk.email), zap.String("peer", string(from)))
		c.finish(m.RequestID, true, false)
	case len(chk.replied) == len(chk.expected):
		c.finish(m.RequestID, false, false)
	}
}

// HandleCheck answers a peer's check, to that peer only.
func (c *Coordinator) HandleCheck(from transport.PeerID, m proto.CheckEmail) {
	taken := c.IsTaken(m.Email)
	c.out.Send(proto.EmailCheckResponse{RequestID: m.RequestID, IsTaken: taken}, from)
}

// IsTaken reports whether email is this device's email or a known peer's.
// Emails compare case-insensitively.
func (c *Coordinator) IsTaken(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" {
		return false
	}
	if c.self != nil && strings.EqualFold(c.self.Email, email) {
		return true
	}
	for k := range c.known {
		if strings.EqualFold(k, email) {
			return true
		}
	}
	return false
}

func (c *Coordinator) Pending() int { return len(c.pending) }

// SetSelf installs the local profile and adds it to the roster.
func (c *Coordinator) SetSelf(p models.UserProfile) {
	c.self = &p
	c.known[p.Email] = p
}

func (c *Coordinator) Self() (models.UserProfile, bool) {
	if c.self == nil {
		return models.UserProfile{}, false
	}
	return *c.self, true
}

// Broadcast sends the local profile to peers. Before onboarding there is
// nothing to send.
func (c *Coordinator) Broadcast(peers []transport.PeerID) {
	if c.self == nil || len(peers) == 0 {
		return
	}
	c.out.Send(proto.UpdateUserInfo{Profile: *c.self}, peers...)
}

// HandleUpdate upserts a peer's declared profile, last writer wins. A
// profile claiming this device's email, or changing a known public key, is
// rejected.
func (c *Coordinator) HandleUpdate(from transport.PeerID, m proto.UpdateUserInfo) (models.UserProfile, error) {
	p := m.Profile
	if c.self != nil && p.Email == c.self.Email {
		return models.UserProfile{}, ErrOwnEmail
	}
	if old, ok := c.known[p.Email]; ok && len(old.PublicKey) > 0 && !bytes.Equal(old.PublicKey, p.PublicKey) {
		return models.UserProfile{}, ErrKeyChanged
	}
	c.known[p.Email] = p
	c.log.Debug("profile upserted", zap.String("peer", string(from)), zap.String("email", p.Email))
	return p, nil
}

func (c *Coordinator) Known(email string) bool {
	_, ok := c.known[email]
	return ok
}

// Roster returns every known profile, this device's included, sorted by
// email.
func (c *Coordinator) Roster() []models.UserProfile {
	out := make([]models.UserProfile, 0, len(c.known))
	for _, p := range c.known {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b models.UserProfile) int {
		return strings.Compare(a.Email, b.Email)
	})
	return out
}
