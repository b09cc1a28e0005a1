package transport

import (
	"net"
	"strings"
	"testing"
	"time"

	"securechat/internal/metrics"
	"securechat/internal/proto"
)

func listenLoopback(t *testing.T, id PeerID) *QUICTransport {
	t.Helper()
	return listenLoopbackWith(t, QUICConfig{ID: id})
}

func listenLoopbackWith(t *testing.T, cfg QUICConfig) *QUICTransport {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MulticastAddr = "239.255.42.99:9999"
	tr, err := ListenQUIC(cfg)
	if err != nil {
		t.Fatalf("ListenQUIC: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestDevTLSCertDeterministic(t *testing.T) {
	_, a, err := devTLSCert()
	if err != nil {
		t.Fatalf("devTLSCert: %v", err)
	}
	_, b, err := devTLSCert()
	if err != nil {
		t.Fatalf("devTLSCert: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("dev certificate differs between calls")
	}
	if _, err := clientTLSConfig(false); err != nil {
		t.Fatalf("clientTLSConfig: %v", err)
	}
}

func TestQUICInviteAcceptSend(t *testing.T) {
	a := listenLoopback(t, "aaaa")
	b := listenLoopback(t, "bbbb")
	pairQUIC(t, a, b)

	payload := []byte(`{"type":"chat","v":1}`)
	if err := a.Send(payload, "bbbb"); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := expectEventWithin(t, b, DataReceived, 5*time.Second)
	if string(got.Data) != string(payload) || got.Peer.ID != "aaaa" {
		t.Fatalf("unexpected data %+v", got)
	}
	if err := b.Send([]byte(`{"type":"chat"}`), "aaaa"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	expectEventWithin(t, a, DataReceived, 5*time.Second)
}

// pairQUIC runs the invite handshake from a ("aaaa") to b ("bbbb") over
// loopback and waits until both sides report Connected.
func pairQUIC(t *testing.T, a, b *QUICTransport) {
	t.Helper()
	b.SetDisplayName("b@x")
	a.SetDisplayName("a@x")

	a.handleBeacon(proto.BeaconMsg{PeerID: "bbbb", Name: "b@x", Port: b.Port()}, net.IPv4(127, 0, 0, 1))
	ev := expectEvent(t, a, PeerDiscovered)
	if ev.Peer.Name != "b@x" {
		t.Fatalf("unexpected peer %+v", ev.Peer)
	}
	if err := a.Invite(ev.Peer, 5*time.Second); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if ev := expectEvent(t, a, SessionStateChanged); ev.State != Connecting {
		t.Fatalf("expected connecting, got %s", ev.State)
	}
	inv := expectEventWithin(t, b, InvitationReceived, 5*time.Second)
	if inv.Peer.ID != "aaaa" || inv.Peer.Name != "a@x" {
		t.Fatalf("unexpected inviter %+v", inv.Peer)
	}
	if err := b.Accept("aaaa"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if ev := expectEvent(t, b, SessionStateChanged); ev.State != Connected {
		t.Fatalf("b: expected connected, got %s", ev.State)
	}
	if ev := expectEventWithin(t, a, SessionStateChanged, 5*time.Second); ev.State != Connected || ev.Peer.Name != "b@x" {
		t.Fatalf("a: unexpected %+v", ev)
	}
}

func TestQUICOversizedFrameKeepsSession(t *testing.T) {
	m := metrics.New()
	a := listenLoopback(t, "aaaa")
	b := listenLoopbackWith(t, QUICConfig{ID: "bbbb", Metrics: m})
	pairQUIC(t, a, b)

	huge := []byte(`{"type":"chat","v":1,"audience":"broadcast","message":{"text":"` +
		strings.Repeat("x", 300<<10) + `"}}`)
	if err := a.Send(huge, "bbbb"); err != nil {
		t.Fatalf("send oversized: %v", err)
	}
	small := []byte(`{"type":"chat","v":1}`)
	if err := a.Send(small, "bbbb"); err != nil {
		t.Fatalf("send small: %v", err)
	}
	got := expectEventWithin(t, b, DataReceived, 5*time.Second)
	if string(got.Data) != string(small) {
		t.Fatalf("expected the small frame after the dropped one, got %d bytes", len(got.Data))
	}
	if n := m.Snapshot().DropByReason["frame"]; n != 1 {
		t.Fatalf("expected one frame drop, got %d", n)
	}

	if err := b.Send(small, "aaaa"); err != nil {
		t.Fatalf("session closed after oversized frame: %v", err)
	}
	expectEventWithin(t, a, DataReceived, 5*time.Second)
}

func TestQUICSendRejectsUnframeablePayload(t *testing.T) {
	a := listenLoopback(t, "aaaa")
	b := listenLoopback(t, "bbbb")
	pairQUIC(t, a, b)

	if err := a.Send(make([]byte, proto.MaxFrameSize+1), "bbbb"); err == nil {
		t.Fatalf("expected error for payload above MaxFrameSize")
	}
	small := []byte(`{"type":"chat","v":1}`)
	if err := a.Send(small, "bbbb"); err != nil {
		t.Fatalf("send after rejected payload: %v", err)
	}
	expectEventWithin(t, b, DataReceived, 5*time.Second)
}

func TestQUICSweepForgetsSilentPeers(t *testing.T) {
	a := listenLoopback(t, "aaaa")
	a.handleBeacon(proto.BeaconMsg{PeerID: "cccc", Port: 1234}, net.IPv4(127, 0, 0, 1))
	expectEvent(t, a, PeerDiscovered)
	a.sweep(time.Now().Add(time.Hour))
	if ev := expectEvent(t, a, PeerLost); ev.Peer.ID != "cccc" {
		t.Fatalf("unexpected lost peer %+v", ev.Peer)
	}
}

func TestQUICInviteUnknownPeer(t *testing.T) {
	a := listenLoopback(t, "aaaa")
	if err := a.Invite(Peer{ID: "zzzz"}, time.Second); err != ErrUnknownPeer {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func expectEventWithin(t *testing.T, tr Transport, kind EventKind, d time.Duration) Event {
	t.Helper()
	select {
	case ev := <-tr.Events():
		if ev.Kind != kind {
			t.Fatalf("%s: expected %s, got %s (%+v)", tr.Self(), kind, ev.Kind, ev)
		}
		return ev
	case <-time.After(d):
		t.Fatalf("timeout waiting for %s on %s", kind, tr.Self())
	}
	return Event{}
}
