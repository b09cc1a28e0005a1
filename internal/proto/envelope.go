package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	MaxFrameSize = 1 << 20
	// SoftMaxFrameSize is the largest frame read without consulting the
	// per-type cap. Only chat frames may exceed it.
	SoftMaxFrameSize = 8 << 10
	TypeSniffBytes   = 512
)

var (
	ErrFrameSize    = errors.New("invalid frame size")
	ErrEmptyFrame   = errors.New("empty payload")
	ErrFrameDropped = errors.New("frame dropped")
)

// DroppedFrameError reports a frame that was read off the stream and
// discarded because its type does not allow its size. The stream stays
// aligned on the next length prefix.
type DroppedFrameError struct {
	Type string
	Size int
}

func (e *DroppedFrameError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("frame dropped: %d bytes with no readable type", e.Size)
	}
	return fmt.Sprintf("frame dropped: %d bytes too large for type %s", e.Size, e.Type)
}

func (e *DroppedFrameError) Is(target error) bool {
	return target == ErrFrameDropped || target == ErrFrameSize
}

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameSize, len(payload))
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

// ReadFrameWithTypeCap reads one frame. Frames above softMax are only
// accepted when the "type" sniffed from their first bytes allows that size.
// A refused frame is drained and reported as *DroppedFrameError so the
// caller can keep reading.
func ReadFrameWithTypeCap(r io.Reader, softMax int, typeCap func(string) int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameSize, n)
	}
	if softMax <= 0 || int(n) <= softMax {
		payload := make([]byte, int(n))
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}

	prefixLen := min(int(n), TypeSniffBytes)
	prefix := make([]byte, prefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	msgType, ok := extractType(prefix)
	maxSize := 0
	if ok && typeCap != nil {
		maxSize = typeCap(msgType)
	}
	if maxSize <= 0 || int(n) > maxSize {
		if _, err := io.CopyN(io.Discard, r, int64(n)-int64(prefixLen)); err != nil {
			return nil, err
		}
		return nil, &DroppedFrameError{Type: msgType, Size: int(n)}
	}

	payload := make([]byte, int(n))
	copy(payload, prefix)
	if _, err := io.ReadFull(r, payload[len(prefix):]); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		total += n
	}
	return nil
}

func extractType(prefix []byte) (string, bool) {
	var hdr struct {
		Type string `json:"type"`
	}
	dec := json.NewDecoder(bytes.NewReader(prefix))
	if err := dec.Decode(&hdr); err == nil && hdr.Type != "" {
		return hdr.Type, true
	}
	needle := []byte(`"type"`)
	idx := bytes.Index(prefix, needle)
	if idx == -1 {
		return "", false
	}
	rest := prefix[idx+len(needle):]
	colon := bytes.IndexByte(rest, ':')
	if colon == -1 {
		return "", false
	}
	rest = bytes.TrimLeft(rest[colon+1:], " \t\r\n")
	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	rest = rest[1:]
	end := bytes.IndexByte(rest, '"')
	if end == -1 {
		return "", false
	}
	return string(rest[:end]), true
}
