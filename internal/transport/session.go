package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"securechat/internal/debuglog"
	"securechat/internal/proto"
)

// session owns one paired QUIC stream. A single writer goroutine drains out
// so frames from concurrent senders never interleave.
type session struct {
	peer   Peer
	conn   *quic.Conn
	stream *quic.Stream
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func newSession(peer Peer, conn *quic.Conn, stream *quic.Stream, queue int) *session {
	return &session{
		peer:   peer,
		conn:   conn,
		stream: stream,
		out:    make(chan []byte, queue),
		done:   make(chan struct{}),
	}
}

func (s *session) enqueue(data []byte) error {
	if len(data) == 0 || len(data) > proto.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", proto.ErrFrameSize, len(data))
	}
	payload := append([]byte(nil), data...)
	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}
	select {
	case s.out <- payload:
		return nil
	case <-s.done:
		return ErrNotConnected
	default:
		return ErrQueueFull
	}
}

func (s *session) writeLoop(log *zap.Logger) {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.out:
			if err := proto.WriteFrame(s.stream, payload); err != nil {
				if debuglog.RateLimited("write:"+string(s.peer.ID), 10*time.Second) {
					log.Info("session write failed", zap.String("peer", string(s.peer.ID)), zap.Error(err))
				}
				s.close("write failed")
				return
			}
		}
	}
}

// readLoop delivers frames until the stream fails. Frames refused by the
// per-type cap are reported to onDrop and skipped.
func (s *session) readLoop(deliver func([]byte), onDrop func(*proto.DroppedFrameError)) error {
	for {
		frame, err := proto.ReadFrameWithTypeCap(s.stream, proto.SoftMaxFrameSize, proto.MaxSizeForType)
		var dropped *proto.DroppedFrameError
		if errors.As(err, &dropped) {
			if onDrop != nil {
				onDrop(dropped)
			}
			continue
		}
		if err != nil {
			return err
		}
		deliver(frame)
	}
}

func (s *session) close(reason string) {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.CloseWithError(0, reason)
	})
}
