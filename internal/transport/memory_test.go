package transport

import (
	"errors"
	"testing"
	"time"
)

func nextEvent(t *testing.T, tr Transport) Event {
	t.Helper()
	select {
	case ev, ok := <-tr.Events():
		if !ok {
			t.Fatalf("events closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for event on %s", tr.Self())
	}
	return Event{}
}

func expectEvent(t *testing.T, tr Transport, kind EventKind) Event {
	t.Helper()
	ev := nextEvent(t, tr)
	if ev.Kind != kind {
		t.Fatalf("%s: expected %s, got %s (%+v)", tr.Self(), kind, ev.Kind, ev)
	}
	return ev
}

func pair(t *testing.T) (*MemoryNetwork, *MemoryTransport, *MemoryTransport) {
	t.Helper()
	n := NewMemoryNetwork()
	a := n.Join("a")
	b := n.Join("b")
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	a.SetDisplayName("a@x")
	b.SetDisplayName("b@x")
	return n, a, b
}

func connect(t *testing.T, a, b *MemoryTransport) {
	t.Helper()
	if err := a.StartAdvertising(); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	if err := b.StartBrowsing(); err != nil {
		t.Fatalf("browse: %v", err)
	}
	ev := expectEvent(t, b, PeerDiscovered)
	if ev.Peer.ID != "a" || ev.Peer.Name != "a@x" {
		t.Fatalf("unexpected discovered peer %+v", ev.Peer)
	}
	if err := b.Invite(ev.Peer, time.Second); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if ev := expectEvent(t, b, SessionStateChanged); ev.State != Connecting {
		t.Fatalf("expected connecting, got %s", ev.State)
	}
	inv := expectEvent(t, a, InvitationReceived)
	if inv.Peer.ID != "b" {
		t.Fatalf("unexpected inviter %+v", inv.Peer)
	}
	if err := a.Accept(inv.Peer.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if ev := expectEvent(t, a, SessionStateChanged); ev.State != Connected || ev.Peer.ID != "b" {
		t.Fatalf("a: unexpected %+v", ev)
	}
	if ev := expectEvent(t, b, SessionStateChanged); ev.State != Connected || ev.Peer.ID != "a" {
		t.Fatalf("b: unexpected %+v", ev)
	}
}

func TestMemoryDiscoveryInviteAccept(t *testing.T) {
	n, a, b := pair(t)
	connect(t, a, b)
	if !n.Connected("a", "b") {
		t.Fatalf("expected link")
	}
}

func TestMemorySendOrdered(t *testing.T) {
	_, a, b := pair(t)
	connect(t, a, b)
	for _, msg := range []string{"one", "two", "three"} {
		if err := a.Send([]byte(msg), "b"); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		ev := expectEvent(t, b, DataReceived)
		if string(ev.Data) != want || ev.Peer.ID != "a" || ev.Peer.Name != "a@x" {
			t.Fatalf("unexpected data event %+v", ev)
		}
	}
}

func TestMemorySendCopiesPayload(t *testing.T) {
	_, a, b := pair(t)
	connect(t, a, b)
	buf := []byte("hello")
	if err := a.Send(buf, "b"); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf[0] = 'j'
	if ev := expectEvent(t, b, DataReceived); string(ev.Data) != "hello" {
		t.Fatalf("payload aliased: %q", ev.Data)
	}
}

func TestMemorySendNotConnected(t *testing.T) {
	_, a, _ := pair(t)
	if err := a.Send([]byte("x"), "b"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := a.Send([]byte("x")); err != nil {
		t.Fatalf("send to nobody: %v", err)
	}
}

func TestMemoryDisconnect(t *testing.T) {
	n, a, b := pair(t)
	connect(t, a, b)
	n.Disconnect("a", "b")
	if ev := expectEvent(t, a, SessionStateChanged); ev.State != NotConnected {
		t.Fatalf("a: expected not connected, got %s", ev.State)
	}
	if ev := expectEvent(t, b, SessionStateChanged); ev.State != NotConnected {
		t.Fatalf("b: expected not connected, got %s", ev.State)
	}
	if err := a.Send([]byte("x"), "b"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestMemoryInviteTimeout(t *testing.T) {
	_, a, b := pair(t)
	if err := a.StartAdvertising(); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	if err := b.StartBrowsing(); err != nil {
		t.Fatalf("browse: %v", err)
	}
	ev := expectEvent(t, b, PeerDiscovered)
	if err := b.Invite(ev.Peer, 20*time.Millisecond); err != nil {
		t.Fatalf("invite: %v", err)
	}
	expectEvent(t, b, SessionStateChanged)
	expectEvent(t, a, InvitationReceived)
	if ev := expectEvent(t, b, SessionStateChanged); ev.State != NotConnected {
		t.Fatalf("expected invite to expire, got %s", ev.State)
	}
	if err := a.Accept("b"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected expired invite to be gone, got %v", err)
	}
}

func TestMemoryCrossedInvites(t *testing.T) {
	n, a, b := pair(t)
	for _, tr := range []*MemoryTransport{a, b} {
		if err := tr.StartAdvertising(); err != nil {
			t.Fatalf("advertise: %v", err)
		}
		if err := tr.StartBrowsing(); err != nil {
			t.Fatalf("browse: %v", err)
		}
	}
	expectEvent(t, a, PeerDiscovered)
	expectEvent(t, b, PeerDiscovered)
	if err := a.Invite(Peer{ID: "b"}, time.Second); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := b.Invite(Peer{ID: "a"}, time.Second); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := b.Accept("a"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := a.Accept("b"); err != nil && !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("second accept: %v", err)
	}
	if !n.Connected("a", "b") {
		t.Fatalf("expected single link")
	}
}

func TestMemoryRenameRediscovers(t *testing.T) {
	_, a, b := pair(t)
	if err := a.StartAdvertising(); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	if err := b.StartBrowsing(); err != nil {
		t.Fatalf("browse: %v", err)
	}
	expectEvent(t, b, PeerDiscovered)
	a.SetDisplayName("new@x")
	if ev := expectEvent(t, b, PeerDiscovered); ev.Peer.Name != "new@x" {
		t.Fatalf("expected renamed peer, got %+v", ev.Peer)
	}
}

func TestMemoryCloseReportsLoss(t *testing.T) {
	_, a, b := pair(t)
	connect(t, a, b)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ev := expectEvent(t, b, SessionStateChanged); ev.State != NotConnected {
		t.Fatalf("expected not connected, got %s", ev.State)
	}
	expectEvent(t, b, PeerLost)
	if err := a.Send([]byte("x"), "b"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
