package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"securechat/internal/debuglog"
	"securechat/internal/metrics"
	"securechat/internal/proto"
)

const (
	defaultBeaconInterval = 2 * time.Second
	defaultQueueSize      = 256
	handshakeTimeout      = 5 * time.Second
	maxConnsPerIP         = 8
)

type QUICConfig struct {
	ID             PeerID
	ListenAddr     string
	MulticastAddr  string
	BeaconInterval time.Duration
	// PeerTTL is how long a silent peer without a session stays discovered.
	PeerTTL   time.Duration
	QueueSize int
	// Insecure skips verification of the remote dev certificate.
	Insecure bool
	Logger   *zap.Logger
	// Metrics counts frames dropped on receive. Nil disables counting.
	Metrics *metrics.Metrics
}

type seenPeer struct {
	peer     Peer
	addr     string
	lastSeen time.Time
}

type pendingInvite struct {
	peer   Peer
	conn   *quic.Conn
	stream *quic.Stream
	ip     string
}

// QUICTransport finds peers through multicast beacons and keeps one QUIC
// stream per paired peer. Payloads travel as length-prefixed frames.
type QUICTransport struct {
	cfg       QUICConfig
	id        PeerID
	log       *zap.Logger
	listener  *quic.Listener
	port      int
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config
	limiter   *ipLimiter
	events    *eventQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	name        string
	beacons     *beaconer
	advertising bool
	browsing    bool
	seen        map[PeerID]*seenPeer
	sessions    map[PeerID]*session
	pending     map[PeerID]*pendingInvite
	dialing     map[PeerID]bool
	closed      bool
}

var _ Transport = (*QUICTransport)(nil)

// ListenQUIC opens the QUIC listener. Discovery starts with
// StartAdvertising and StartBrowsing.
func ListenQUIC(cfg QUICConfig) (*QUICTransport, error) {
	if cfg.ID == "" {
		cfg.ID = PeerID(uuid.NewString())
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = defaultBeaconInterval
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = 3 * cfg.BeaconInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	log := debuglog.OrNop(cfg.Logger).With(zap.String("self", string(cfg.ID)))
	serverTLS, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	clientTLS, err := clientTLSConfig(cfg.Insecure)
	if err != nil {
		return nil, err
	}
	quicConf := &quic.Config{
		KeepAlivePeriod: 5 * time.Second,
		MaxIdleTimeout:  20 * time.Second,
	}
	listener, err := quic.ListenAddr(cfg.ListenAddr, serverTLS, quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	udp, ok := listener.Addr().(*net.UDPAddr)
	if !ok {
		_ = listener.Close()
		return nil, fmt.Errorf("quic listen: unexpected addr %T", listener.Addr())
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &QUICTransport{
		cfg:       cfg,
		id:        cfg.ID,
		log:       log,
		listener:  listener,
		port:      udp.Port,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		quicConf:  quicConf,
		limiter:   newIPLimiter(maxConnsPerIP),
		events:    newEventQueue(),
		ctx:       ctx,
		cancel:    cancel,
		seen:      make(map[PeerID]*seenPeer),
		sessions:  make(map[PeerID]*session),
		pending:   make(map[PeerID]*pendingInvite),
		dialing:   make(map[PeerID]bool),
	}
	log.Info("quic listen ready", zap.String("addr", listener.Addr().String()))
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *QUICTransport) Self() PeerID { return t.id }

func (t *QUICTransport) Port() int { return t.port }

func (t *QUICTransport) Events() <-chan Event { return t.events.out }

func (t *QUICTransport) SetDisplayName(name string) {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
}

func (t *QUICTransport) self() Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Peer{ID: t.id, Name: t.name}
}

func (t *QUICTransport) beaconerLocked() (*beaconer, error) {
	if t.beacons != nil {
		return t.beacons, nil
	}
	b, err := listenBeacons(t.cfg.MulticastAddr, t.log)
	if err != nil {
		return nil, err
	}
	t.beacons = b
	return b, nil
}

func (t *QUICTransport) StartAdvertising() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.advertising {
		return nil
	}
	b, err := t.beaconerLocked()
	if err != nil {
		return err
	}
	t.advertising = true
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		b.advertise(t.ctx, t.cfg.BeaconInterval, func() proto.BeaconMsg {
			self := t.self()
			return proto.BeaconMsg{PeerID: string(self.ID), Name: self.Name, Port: t.port}
		})
	}()
	return nil
}

func (t *QUICTransport) StartBrowsing() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.browsing {
		return nil
	}
	b, err := t.beaconerLocked()
	if err != nil {
		return err
	}
	t.browsing = true
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		b.browse(t.handleBeacon)
	}()
	go func() {
		defer t.wg.Done()
		t.sweepLoop()
	}()
	return nil
}

func (t *QUICTransport) handleBeacon(m proto.BeaconMsg, ip net.IP) {
	id := PeerID(m.PeerID)
	if id == t.id {
		return
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(m.Port))
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	sp, ok := t.seen[id]
	if !ok {
		sp = &seenPeer{peer: Peer{ID: id}}
		t.seen[id] = sp
	}
	sp.lastSeen = time.Now()
	sp.addr = addr
	if ok && sp.peer.Name == m.Name {
		return
	}
	sp.peer.Name = m.Name
	t.log.Debug("peer discovered", zap.String("peer", string(id)), zap.String("name", m.Name), zap.String("addr", addr))
	t.events.push(Event{Kind: PeerDiscovered, Peer: sp.peer})
}

func (t *QUICTransport) sweepLoop() {
	ticker := time.NewTicker(t.cfg.BeaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

// sweep forgets peers that went quiet. A peer with a live session is kept
// until the session itself ends.
func (t *QUICTransport) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sp := range t.seen {
		if now.Sub(sp.lastSeen) < t.cfg.PeerTTL {
			continue
		}
		if _, live := t.sessions[id]; live {
			continue
		}
		delete(t.seen, id)
		t.log.Debug("peer lost", zap.String("peer", string(id)))
		t.events.push(Event{Kind: PeerLost, Peer: sp.peer})
	}
}

// Invite dials p when this instance has the lower id. Otherwise p is
// expected to dial, and the invite only arms the timeout.
func (t *QUICTransport) Invite(p Peer, timeout time.Duration) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if _, ok := t.sessions[p.ID]; ok || t.dialing[p.ID] {
		t.mu.Unlock()
		return nil
	}
	sp, ok := t.seen[p.ID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownPeer
	}
	addr := sp.addr
	peer := sp.peer
	t.dialing[p.ID] = true
	t.mu.Unlock()

	t.events.push(Event{Kind: SessionStateChanged, Peer: peer, State: Connecting})
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if t.id < p.ID {
			t.dial(peer, addr, timeout)
			return
		}
		t.awaitDial(peer, timeout)
	}()
	return nil
}

func (t *QUICTransport) awaitDial(peer Peer, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.ctx.Done():
		return
	case <-timer.C:
	}
	t.mu.Lock()
	delete(t.dialing, peer.ID)
	_, live := t.sessions[peer.ID]
	_, waiting := t.pending[peer.ID]
	t.mu.Unlock()
	if !live && !waiting {
		t.events.push(Event{Kind: SessionStateChanged, Peer: peer, State: NotConnected})
	}
}

func (t *QUICTransport) dial(peer Peer, addr string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()
	err := t.dialOnce(ctx, peer, addr)
	t.mu.Lock()
	delete(t.dialing, peer.ID)
	t.mu.Unlock()
	if err != nil {
		if debuglog.RateLimited("dial:"+string(peer.ID), 10*time.Second) {
			t.log.Info("invite failed", zap.String("peer", string(peer.ID)), zap.Error(err))
		}
		t.events.push(Event{Kind: SessionStateChanged, Peer: peer, State: NotConnected})
	}
}

func (t *QUICTransport) dialOnce(ctx context.Context, peer Peer, addr string) error {
	conn, err := quic.DialAddr(ctx, addr, t.clientTLS, t.quicConf)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return err
	}
	self := t.self()
	inv, err := proto.EncodeInviteMsg(proto.InviteMsg{PeerID: string(self.ID), Name: self.Name})
	if err != nil {
		_ = conn.CloseWithError(0, "encode invite")
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	if err := proto.WriteFrame(stream, inv); err != nil {
		_ = conn.CloseWithError(0, "write invite")
		return err
	}
	frame, err := proto.ReadFrameWithTypeCap(stream, proto.MaxLinkMsgSize, proto.MaxSizeForType)
	if err != nil {
		_ = conn.CloseWithError(0, "read accept")
		return err
	}
	acc, err := proto.DecodeAcceptMsg(frame)
	if err != nil {
		_ = conn.CloseWithError(0, "bad accept")
		return err
	}
	if PeerID(acc.PeerID) != peer.ID {
		_ = conn.CloseWithError(0, "peer mismatch")
		return fmt.Errorf("accept from %s, expected %s", acc.PeerID, peer.ID)
	}
	_ = stream.SetDeadline(time.Time{})
	peer.Name = acc.Name
	t.establish(peer, conn, stream, "")
	return nil
}

func (t *QUICTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Warn("quic accept failed", zap.Error(err))
			}
			return
		}
		ip := remoteIP(conn.RemoteAddr())
		if !t.limiter.acquire(ip) {
			t.log.Debug("connection limit reached", zap.String("ip", ip))
			_ = conn.CloseWithError(0, "too many connections")
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.handleIncoming(conn, ip); err != nil {
				t.limiter.release(ip)
				_ = conn.CloseWithError(0, "handshake failed")
				if debuglog.RateLimited("incoming:"+ip, 10*time.Second) {
					t.log.Debug("incoming handshake failed", zap.String("ip", ip), zap.Error(err))
				}
			}
		}()
	}
}

func (t *QUICTransport) handleIncoming(conn *quic.Conn, ip string) error {
	ctx, cancel := context.WithTimeout(t.ctx, handshakeTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return err
	}
	_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))
	frame, err := proto.ReadFrameWithTypeCap(stream, proto.MaxLinkMsgSize, proto.MaxSizeForType)
	if err != nil {
		return err
	}
	inv, err := proto.DecodeInviteMsg(frame)
	if err != nil {
		return err
	}
	_ = stream.SetReadDeadline(time.Time{})
	peer := Peer{ID: PeerID(inv.PeerID), Name: inv.Name}
	if peer.ID == t.id {
		return errors.New("invite from self")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if old, ok := t.pending[peer.ID]; ok {
		t.limiter.release(old.ip)
		_ = old.conn.CloseWithError(0, "superseded")
	}
	t.pending[peer.ID] = &pendingInvite{peer: peer, conn: conn, stream: stream, ip: ip}
	t.mu.Unlock()
	t.log.Debug("invitation received", zap.String("peer", string(peer.ID)), zap.String("name", peer.Name))
	t.events.push(Event{Kind: InvitationReceived, Peer: peer})
	return nil
}

func (t *QUICTransport) Accept(id PeerID) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	inv, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	self := t.self()
	acc, err := proto.EncodeAcceptMsg(proto.AcceptMsg{PeerID: string(self.ID), Name: self.Name})
	if err == nil {
		err = proto.WriteFrame(inv.stream, acc)
	}
	if err != nil {
		t.limiter.release(inv.ip)
		_ = inv.conn.CloseWithError(0, "accept failed")
		return err
	}
	t.establish(inv.peer, inv.conn, inv.stream, inv.ip)
	return nil
}

func (t *QUICTransport) establish(peer Peer, conn *quic.Conn, stream *quic.Stream, ip string) {
	s := newSession(peer, conn, stream, t.cfg.QueueSize)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		s.close("transport closed")
		return
	}
	old := t.sessions[peer.ID]
	t.sessions[peer.ID] = s
	if sp, ok := t.seen[peer.ID]; ok {
		sp.peer.Name = peer.Name
	}
	t.mu.Unlock()
	if old != nil {
		old.close("replaced")
	}
	t.log.Info("session connected", zap.String("peer", string(peer.ID)), zap.String("name", peer.Name))
	t.events.push(Event{Kind: SessionStateChanged, Peer: peer, State: Connected})

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		s.writeLoop(t.log)
	}()
	go func() {
		defer t.wg.Done()
		err := s.readLoop(func(data []byte) {
			t.events.push(Event{Kind: DataReceived, Peer: s.peer, Data: data})
		}, func(d *proto.DroppedFrameError) {
			if t.cfg.Metrics != nil {
				t.cfg.Metrics.IncDropByReason("frame")
			}
			if debuglog.RateLimited("drop:"+string(peer.ID), 10*time.Second) {
				t.log.Warn("dropped oversized frame",
					zap.String("peer", string(peer.ID)),
					zap.String("type", d.Type),
					zap.Int("size", d.Size))
			}
		})
		s.close("read ended")
		if ip != "" {
			t.limiter.release(ip)
		}
		t.mu.Lock()
		current := t.sessions[peer.ID] == s
		if current {
			delete(t.sessions, peer.ID)
			// The next beacon rediscovers the peer and starts a fresh session.
			delete(t.seen, peer.ID)
		}
		closed := t.closed
		t.mu.Unlock()
		if current && !closed {
			t.log.Info("session ended", zap.String("peer", string(peer.ID)), zap.Error(err))
			t.events.push(Event{Kind: SessionStateChanged, Peer: peer, State: NotConnected})
		}
	}()
}

func (t *QUICTransport) Send(data []byte, to ...PeerID) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	targets := make([]*session, 0, len(to))
	var errs []error
	for _, id := range to {
		s, ok := t.sessions[id]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %w", id, ErrNotConnected))
			continue
		}
		targets = append(targets, s)
	}
	t.mu.Unlock()
	for _, s := range targets {
		if err := s.enqueue(data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.peer.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (t *QUICTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessions := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	pending := make([]*pendingInvite, 0, len(t.pending))
	for _, p := range t.pending {
		pending = append(pending, p)
	}
	b := t.beacons
	t.mu.Unlock()

	t.cancel()
	for _, s := range sessions {
		s.close("shutdown")
	}
	for _, p := range pending {
		_ = p.conn.CloseWithError(0, "shutdown")
	}
	var errs []error
	if b != nil {
		errs = append(errs, b.close())
	}
	errs = append(errs, t.listener.Close())
	t.wg.Wait()
	t.events.close()
	return errors.Join(errs...)
}

func remoteIP(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
