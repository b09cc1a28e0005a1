package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"securechat/internal/debuglog"
	"securechat/internal/proto"
)

// beaconer announces this instance on a multicast group and reports beacons
// heard from others.
type beaconer struct {
	group *net.UDPAddr
	conn  net.PacketConn
	pc    *ipv4.PacketConn
	log   *zap.Logger

	mu     sync.Mutex
	closed bool
}

func listenBeacons(group string, log *zap.Logger) (*beaconer, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group: %w", err)
	}
	if !addr.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", group)
	}
	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", addr.Port))
	if err != nil {
		return nil, fmt.Errorf("listen multicast: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	joined := 0
	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		ifi := ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&ifi, &net.UDPAddr{IP: addr.IP}); err != nil {
			log.Debug("join multicast group failed", zap.String("iface", ifi.Name), zap.Error(err))
			continue
		}
		joined++
	}
	if joined == 0 {
		if err := pc.JoinGroup(nil, &net.UDPAddr{IP: addr.IP}); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("join multicast group: %w", err)
		}
	}
	_ = pc.SetMulticastTTL(1)
	_ = pc.SetMulticastLoopback(true)
	return &beaconer{group: addr, conn: conn, pc: pc, log: log}, nil
}

func (b *beaconer) send(m proto.BeaconMsg) error {
	data, err := proto.EncodeBeaconMsg(m)
	if err != nil {
		return err
	}
	_, err = b.pc.WriteTo(data, nil, b.group)
	return err
}

// advertise sends a beacon every interval until ctx ends.
func (b *beaconer) advertise(ctx context.Context, interval time.Duration, current func() proto.BeaconMsg) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := b.send(current()); err != nil && debuglog.RateLimited("beacon-send", time.Minute) {
			b.log.Warn("beacon send failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// browse delivers every valid beacon with the sender's IP until the socket
// is closed.
func (b *beaconer) browse(handle func(proto.BeaconMsg, net.IP)) {
	buf := make([]byte, proto.MaxBeaconSize+1)
	for {
		n, _, src, err := b.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || b.isClosed() {
				return
			}
			b.log.Debug("beacon read failed", zap.Error(err))
			continue
		}
		m, err := proto.DecodeBeaconMsg(buf[:n])
		if err != nil {
			if debuglog.RateLimited("beacon-decode", time.Minute) {
				b.log.Debug("drop beacon", zap.Error(err))
			}
			continue
		}
		udp, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		handle(m, udp.IP)
	}
}

func (b *beaconer) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *beaconer) close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.conn.Close()
}
