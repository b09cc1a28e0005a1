package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"securechat/internal/models"
)

// Kind is the explicit discriminator carried by every packet on the wire.
type Kind string

const (
	KindCheckEmail         Kind = "check_email"
	KindEmailCheckResponse Kind = "email_check_response"
	KindUpdateUserInfo     Kind = "update_user_info"
	KindChat               Kind = "chat"
)

const WireVersion = 1

var (
	ErrMissingType     = errors.New("missing packet type")
	ErrUnknownType     = errors.New("unknown packet type")
	ErrUnsupportedWire = errors.New("unsupported wire version")
	ErrInvalidPacket   = errors.New("invalid packet")
)

// DecodeError describes a payload that must be dropped. The session that
// carried it stays up.
type DecodeError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Packet is either a control packet (onboarding) or a Chat envelope.
type Packet interface {
	Kind() Kind
}

// CheckEmail asks every connected peer whether Email is already in use.
// RequestID correlates the replies.
type CheckEmail struct {
	RequestID string `json:"request_id"`
	Email     string `json:"email"`
}

type EmailCheckResponse struct {
	RequestID string `json:"request_id"`
	IsTaken   bool   `json:"is_taken"`
}

type UpdateUserInfo struct {
	Profile models.UserProfile `json:"profile"`
}

type Audience string

const (
	AudienceBroadcast Audience = "broadcast"
	AudiencePrivate   Audience = "private"
)

// Chat carries a SignedMessage. An empty Audience leaves the routing
// decision to the receiver's roster rule.
type Chat struct {
	Audience Audience             `json:"audience,omitempty"`
	Message  models.SignedMessage `json:"message"`
}

func (CheckEmail) Kind() Kind         { return KindCheckEmail }
func (EmailCheckResponse) Kind() Kind { return KindEmailCheckResponse }
func (UpdateUserInfo) Kind() Kind     { return KindUpdateUserInfo }
func (Chat) Kind() Kind               { return KindChat }

type header struct {
	Type Kind `json:"type"`
	V    int  `json:"v"`
}

func newHeader(k Kind) header {
	return header{Type: k, V: WireVersion}
}

// Encode serializes p as a single JSON object whose "type" field names the
// variant. The output is deterministic for a given packet.
func Encode(p Packet) ([]byte, error) {
	switch m := p.(type) {
	case CheckEmail:
		return json.Marshal(struct {
			header
			CheckEmail
		}{newHeader(KindCheckEmail), m})
	case EmailCheckResponse:
		return json.Marshal(struct {
			header
			EmailCheckResponse
		}{newHeader(KindEmailCheckResponse), m})
	case UpdateUserInfo:
		return json.Marshal(struct {
			header
			UpdateUserInfo
		}{newHeader(KindUpdateUserInfo), m})
	case Chat:
		return json.Marshal(struct {
			header
			Chat
		}{newHeader(KindChat), m})
	case nil:
		return nil, fmt.Errorf("%w: nil packet", ErrInvalidPacket)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, p)
	}
}

// Decode reads the discriminator first and unmarshals into exactly that
// variant. It never falls back to guessing a shape.
func Decode(data []byte) (Packet, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, &DecodeError{Reason: "malformed json", Err: err}
	}
	if h.Type == "" {
		return nil, &DecodeError{Reason: "no discriminator", Err: ErrMissingType}
	}
	if h.V > WireVersion {
		return nil, &DecodeError{Kind: h.Type, Reason: fmt.Sprintf("version %d", h.V), Err: ErrUnsupportedWire}
	}
	switch h.Type {
	case KindCheckEmail:
		var m CheckEmail
		if err := unmarshalBody(h.Type, data, &m); err != nil {
			return nil, err
		}
		if m.Email == "" {
			return nil, invalid(h.Type, "empty email")
		}
		return m, nil
	case KindEmailCheckResponse:
		var m EmailCheckResponse
		if err := unmarshalBody(h.Type, data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case KindUpdateUserInfo:
		var m UpdateUserInfo
		if err := unmarshalBody(h.Type, data, &m); err != nil {
			return nil, err
		}
		if m.Profile.Email == "" {
			return nil, invalid(h.Type, "profile without email")
		}
		return m, nil
	case KindChat:
		var m Chat
		if err := unmarshalBody(h.Type, data, &m); err != nil {
			return nil, err
		}
		switch m.Audience {
		case "", AudienceBroadcast, AudiencePrivate:
		default:
			return nil, invalid(h.Type, "audience "+string(m.Audience))
		}
		return m, nil
	default:
		return nil, &DecodeError{Kind: h.Type, Reason: "unrecognized discriminator", Err: ErrUnknownType}
	}
}

func unmarshalBody(k Kind, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{Kind: k, Reason: "malformed body", Err: err}
	}
	return nil
}

func invalid(k Kind, reason string) error {
	return &DecodeError{Kind: k, Reason: reason, Err: ErrInvalidPacket}
}
