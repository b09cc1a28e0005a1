// Package identity owns the process signing keypair and produces and checks
// SignedMessage values.
//
// The private key is an ECDSA P-256 scalar. Public keys travel in their
// uncompressed SEC 1 form and signatures as fixed-size r||s, so verification
// needs nothing but the message itself.
package identity

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"securechat/internal/crypto"
	"securechat/internal/models"
)

// KeyName is the credential store entry holding the raw private key.
const KeyName = "securechat_private_key"

const (
	PublicKeySize = 65
	SignatureSize = 64
	scalarSize    = 32
)

var (
	ErrEncoding = errors.New("message text is not valid utf-8")
	ErrSigning  = errors.New("signing failed")
	ErrBadKey   = errors.New("malformed private key")
)

// KeyStore is the secure credential store. Load returns (nil, nil) when no
// value is stored under name.
type KeyStore interface {
	Save(ctx context.Context, name string, data []byte) error
	Load(ctx context.Context, name string) ([]byte, error)
}

type Identity struct {
	priv *ecdsa.PrivateKey
	pub  []byte
}

func (id *Identity) String() string {
	return "Identity{" + id.Fingerprint() + "}"
}

func (id *Identity) GoString() string {
	return "identity.Identity{REDACTED}"
}

func Generate() (*Identity, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return fromPrivate(priv)
}

// FromBytes restores an identity from a raw 32 byte private scalar.
func FromBytes(raw []byte) (*Identity, error) {
	priv, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return fromPrivate(priv)
}

func fromPrivate(priv *ecdsa.PrivateKey) (*Identity, error) {
	pub, err := priv.PublicKey.Bytes()
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv, pub: pub}, nil
}

// LoadOrCreate restores the persisted key or, when none is stored or the
// stored bytes are not a valid key, generates and persists a new one. Store
// errors are returned as is: a vault that cannot be opened must not be
// silently replaced.
func LoadOrCreate(ctx context.Context, ks KeyStore, log *zap.Logger) (*Identity, error) {
	if log == nil {
		log = zap.NewNop()
	}
	raw, err := ks.Load(ctx, KeyName)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	if len(raw) > 0 {
		id, err := FromBytes(raw)
		if err == nil {
			log.Debug("identity restored", zap.String("fingerprint", id.Fingerprint()))
			return id, nil
		}
		log.Warn("stored private key is corrupt, generating a new one", zap.Error(err))
	}
	id, err := Generate()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	b, err := id.priv.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	if err := ks.Save(ctx, KeyName, b); err != nil {
		return nil, fmt.Errorf("persist private key: %w", err)
	}
	log.Info("identity generated", zap.String("fingerprint", id.Fingerprint()))
	return id, nil
}

func (id *Identity) PublicKey() []byte {
	return bytes.Clone(id.pub)
}

func (id *Identity) Fingerprint() string {
	return crypto.Fingerprint(id.pub)
}

// Sign signs exactly the UTF-8 bytes of text.
func (id *Identity) Sign(text, senderName string) (models.SignedMessage, error) {
	if !utf8.ValidString(text) {
		return models.SignedMessage{}, ErrEncoding
	}
	digest := sha256.Sum256([]byte(text))
	r, s, err := ecdsa.Sign(rand.Reader, id.priv, digest[:])
	if err != nil {
		return models.SignedMessage{}, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	sig := make([]byte, SignatureSize)
	r.FillBytes(sig[:scalarSize])
	s.FillBytes(sig[scalarSize:])
	return models.SignedMessage{
		ID:              uuid.New(),
		Text:            text,
		Signature:       sig,
		SenderPublicKey: bytes.Clone(id.pub),
		SenderName:      senderName,
	}, nil
}

// Verify checks m.Signature against m.Text using only m.SenderPublicKey.
// Malformed keys or signatures yield false.
func Verify(m models.SignedMessage) bool {
	if !utf8.ValidString(m.Text) || len(m.Signature) != SignatureSize || len(m.SenderPublicKey) != PublicKeySize {
		return false
	}
	pub, err := ecdsa.ParseUncompressedPublicKey(elliptic.P256(), m.SenderPublicKey)
	if err != nil {
		return false
	}
	r := new(big.Int).SetBytes(m.Signature[:scalarSize])
	s := new(big.Int).SetBytes(m.Signature[scalarSize:])
	digest := sha256.Sum256([]byte(m.Text))
	return ecdsa.Verify(pub, digest[:], r, s)
}
