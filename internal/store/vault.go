package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"securechat/internal/crypto"
)

const (
	saltKey   = "vault_salt"
	checkKey  = "vault_check"
	sealedPfx = "sealed:"
	aadVault  = "securechat-vault-v1"
)

var (
	ErrSealed = errors.New("vault cannot open value (wrong passphrase or tampered)")
	checkText = []byte("securechat vault check")
)

// Vault seals values under a key derived from a passphrase before they reach
// the underlying KV. It is the credential store for the signing key.
type Vault struct {
	kv  KV
	key []byte
}

// OpenVault derives the vault key. The first open stores a random salt and a
// check value; later opens with another passphrase fail with ErrSealed.
func OpenVault(ctx context.Context, kv KV, passphrase []byte) (*Vault, error) {
	salt, err := kv.Get(ctx, saltKey)
	if err != nil {
		return nil, err
	}
	fresh := salt == nil
	if fresh {
		if salt, err = crypto.NewSalt(); err != nil {
			return nil, err
		}
	}
	key, err := crypto.DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	v := &Vault{kv: kv, key: key}
	if fresh {
		if err := kv.Set(ctx, saltKey, salt); err != nil {
			return nil, err
		}
		if err := v.Save(ctx, checkKey, checkText); err != nil {
			return nil, err
		}
		return v, nil
	}
	got, err := v.Load(ctx, checkKey)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(got, checkText) {
		return nil, ErrSealed
	}
	return v, nil
}

func (v *Vault) Save(ctx context.Context, name string, data []byte) error {
	sealed, err := crypto.Seal(v.key, data, crypto.BuildAAD(aadVault, name))
	if err != nil {
		return fmt.Errorf("seal %s: %w", name, err)
	}
	return v.kv.Set(ctx, sealedPfx+name, sealed)
}

// Load returns (nil, nil) when name was never saved.
func (v *Vault) Load(ctx context.Context, name string) ([]byte, error) {
	sealed, err := v.kv.Get(ctx, sealedPfx+name)
	if err != nil || sealed == nil {
		return nil, err
	}
	plain, err := crypto.Open(v.key, sealed, crypto.BuildAAD(aadVault, name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSealed, name)
	}
	return plain, nil
}

func (v *Vault) Delete(ctx context.Context, name string) error {
	return v.kv.Delete(ctx, sealedPfx+name)
}
