package onboarding

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/internal/models"
	"securechat/internal/proto"
	"securechat/internal/transport"
)

type sent struct {
	packet proto.Packet
	to     []transport.PeerID
}

type recorder struct{ sent []sent }

func (r *recorder) Send(p proto.Packet, to ...transport.PeerID) {
	r.sent = append(r.sent, sent{packet: p, to: to})
}

// manualClock collects scheduled callbacks so a test can fire them.
type manualClock struct {
	timers []*manualTimer
}

type manualTimer struct {
	d         time.Duration
	fn        func()
	cancelled bool
}

func (c *manualClock) schedule(d time.Duration, fn func()) func() {
	t := &manualTimer{d: d, fn: fn}
	c.timers = append(c.timers, t)
	return func() { t.cancelled = true }
}

func (c *manualClock) fireAll() {
	for _, t := range c.timers {
		if !t.cancelled {
			t.fn()
		}
	}
}

func newCoordinator() (*Coordinator, *recorder, *manualClock) {
	out := &recorder{}
	clock := &manualClock{}
	c := New(out, clock.schedule, 0, nil)
	n := 0
	c.newID = func() string {
		n++
		return fmt.Sprintf("req-%d", n)
	}
	return c, out, clock
}

func profile(email string, key ...byte) models.UserProfile {
	return models.UserProfile{FirstName: "F", LastName: "L", Email: email, Department: "D", PublicKey: key}
}

func TestCheckWithoutPeersResolvesImmediately(t *testing.T) {
	c, out, clock := newCoordinator()
	var got *Result
	c.Check("a@x", nil, func(r Result) { got = &r })
	require.NotNil(t, got)
	assert.False(t, got.Taken)
	assert.Empty(t, out.sent)
	assert.Empty(t, clock.timers)
}

func TestCheckShortCircuitsOnTaken(t *testing.T) {
	c, out, clock := newCoordinator()
	var results []Result
	c.Check("b@x", []transport.PeerID{"p1", "p2", "p3"}, func(r Result) { results = append(results, r) })
	require.Len(t, out.sent, 1)
	assert.Equal(t, proto.CheckEmail{RequestID: "req-1", Email: "b@x"}, out.sent[0].packet)
	assert.Equal(t, []transport.PeerID{"p1", "p2", "p3"}, out.sent[0].to)
	require.Len(t, clock.timers, 1)
	assert.Equal(t, DefaultCheckTimeout, clock.timers[0].d)

	c.HandleResponse("p2", proto.EmailCheckResponse{RequestID: "req-1", IsTaken: true})
	require.Len(t, results, 1)
	assert.True(t, results[0].Taken)
	assert.False(t, results[0].TimedOut)
	assert.True(t, clock.timers[0].cancelled)

	// late replies and the deadline do not resolve twice
	c.HandleResponse("p1", proto.EmailCheckResponse{RequestID: "req-1"})
	clock.fireAll()
	assert.Len(t, results, 1)
	assert.Zero(t, c.Pending())
}

func TestCheckResolvesWhenAllReplied(t *testing.T) {
	c, _, clock := newCoordinator()
	var results []Result
	c.Check("b@x", []transport.PeerID{"p1", "p2"}, func(r Result) { results = append(results, r) })
	c.HandleResponse("p1", proto.EmailCheckResponse{RequestID: "req-1"})
	c.HandleResponse("p1", proto.EmailCheckResponse{RequestID: "req-1"})
	assert.Empty(t, results, "duplicate reply must not count twice")
	c.HandleResponse("p9", proto.EmailCheckResponse{RequestID: "req-1"})
	assert.Empty(t, results, "reply from unaddressed peer must not count")
	c.HandleResponse("p2", proto.EmailCheckResponse{RequestID: "req-1"})
	require.Len(t, results, 1)
	assert.Equal(t, Result{Email: "b@x", Replies: 2, Expected: 2}, results[0])
	assert.True(t, clock.timers[0].cancelled)
}

func TestCheckDeadlineUsesRepliesSoFar(t *testing.T) {
	c, _, clock := newCoordinator()
	var results []Result
	c.Check("b@x", []transport.PeerID{"p1", "p2"}, func(r Result) { results = append(results, r) })
	c.HandleResponse("p1", proto.EmailCheckResponse{RequestID: "req-1"})
	clock.fireAll()
	require.Len(t, results, 1)
	assert.Equal(t, Result{Email: "b@x", Replies: 1, Expected: 2, TimedOut: true}, results[0])
}

func TestUnanimousVetoRegardlessOfOrder(t *testing.T) {
	for takenAt := 0; takenAt < 3; takenAt++ {
		c, _, _ := newCoordinator()
		var result *Result
		peers := []transport.PeerID{"p0", "p1", "p2"}
		c.Check("x@x", peers, func(r Result) { result = &r })
		for i, p := range peers {
			c.HandleResponse(p, proto.EmailCheckResponse{RequestID: "req-1", IsTaken: i == takenAt})
		}
		require.NotNil(t, result)
		assert.True(t, result.Taken, "taken reply at position %d", takenAt)
	}
}

func TestConcurrentChecksAreCorrelated(t *testing.T) {
	c, _, _ := newCoordinator()
	got := map[string]bool{}
	c.Check("one@x", []transport.PeerID{"p1"}, func(r Result) { got[r.Email] = r.Taken })
	c.Check("two@x", []transport.PeerID{"p1"}, func(r Result) { got[r.Email] = r.Taken })
	c.HandleResponse("p1", proto.EmailCheckResponse{RequestID: "req-2", IsTaken: true})
	c.HandleResponse("p1", proto.EmailCheckResponse{RequestID: "req-1", IsTaken: false})
	assert.Equal(t, map[string]bool{"one@x": false, "two@x": true}, got)
}

func TestHandleCheckAnswersRequesterOnly(t *testing.T) {
	c, out, _ := newCoordinator()
	c.SetSelf(profile("me@x", 1))
	_, err := c.HandleUpdate("p2", proto.UpdateUserInfo{Profile: profile("bob@x", 2)})
	require.NoError(t, err)

	cases := map[string]bool{"me@x": true, "ME@X": true, "bob@x": true, "new@x": false}
	for email, want := range cases {
		out.sent = nil
		c.HandleCheck("p7", proto.CheckEmail{RequestID: "r", Email: email})
		require.Len(t, out.sent, 1)
		assert.Equal(t, []transport.PeerID{"p7"}, out.sent[0].to)
		assert.Equal(t, proto.EmailCheckResponse{RequestID: "r", IsTaken: want}, out.sent[0].packet, email)
	}
}

func TestBroadcastProfile(t *testing.T) {
	c, out, _ := newCoordinator()
	c.Broadcast([]transport.PeerID{"p1"})
	assert.Empty(t, out.sent, "nothing to broadcast before onboarding")

	me := profile("me@x", 1)
	c.SetSelf(me)
	c.Broadcast(nil)
	assert.Empty(t, out.sent)
	c.Broadcast([]transport.PeerID{"p1", "p2"})
	require.Len(t, out.sent, 1)
	assert.Equal(t, proto.UpdateUserInfo{Profile: me}, out.sent[0].packet)
	assert.True(t, c.Known("me@x"), "own profile is part of the roster")
}

func TestHandleUpdate(t *testing.T) {
	c, _, _ := newCoordinator()
	c.SetSelf(profile("me@x", 1))

	_, err := c.HandleUpdate("p1", proto.UpdateUserInfo{Profile: profile("me@x", 9)})
	assert.ErrorIs(t, err, ErrOwnEmail)

	bob := profile("bob@x", 2)
	_, err = c.HandleUpdate("p1", proto.UpdateUserInfo{Profile: bob})
	require.NoError(t, err)

	renamed := bob
	renamed.Department = "Sales"
	got, err := c.HandleUpdate("p1", proto.UpdateUserInfo{Profile: renamed})
	require.NoError(t, err)
	assert.Equal(t, "Sales", got.Department)
	assert.True(t, c.Known("bob@x"))

	impostor := profile("bob@x", 3)
	_, err = c.HandleUpdate("p3", proto.UpdateUserInfo{Profile: impostor})
	assert.ErrorIs(t, err, ErrKeyChanged)

	roster := c.Roster()
	require.Len(t, roster, 2)
	assert.Equal(t, "bob@x", roster[0].Email)
	assert.Equal(t, "Sales", roster[0].Department)
	assert.Equal(t, []byte{2}, roster[0].PublicKey)
	assert.Equal(t, "me@x", roster[1].Email)
}
