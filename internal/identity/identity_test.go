package identity

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKeys struct {
	data    map[string][]byte
	loadErr error
	saves   int
}

func newMemKeys() *memKeys { return &memKeys{data: map[string][]byte{}} }

func (m *memKeys) Save(_ context.Context, name string, data []byte) error {
	m.saves++
	m.data[name] = bytes.Clone(data)
	return nil
}

func (m *memKeys) Load(_ context.Context, name string) ([]byte, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.data[name], nil
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	for _, text := range []string{"hi", "", "olá, tudo bem? 🙂", string(bytes.Repeat([]byte("x"), 4096))} {
		m, err := id.Sign(text, "Ana Lima")
		require.NoError(t, err)
		assert.Equal(t, text, m.Text)
		assert.Equal(t, "Ana Lima", m.SenderName)
		assert.Len(t, m.Signature, SignatureSize)
		assert.Equal(t, id.PublicKey(), m.SenderPublicKey)
		assert.True(t, Verify(m), "text %q", text)
	}
}

func TestSignProducesUniqueIDs(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	a, err := id.Sign("same", "n")
	require.NoError(t, err)
	b, err := id.Sign("same", "n")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSignRejectsInvalidUTF8(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	_, err = id.Sign(string([]byte{0xff, 0xfe}), "n")
	assert.ErrorIs(t, err, ErrEncoding)
}

func TestVerifyDetectsTampering(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	m, err := id.Sign("transfer to bob", "Ana")
	require.NoError(t, err)

	for i := range m.Signature {
		c := m
		c.Signature = bytes.Clone(m.Signature)
		c.Signature[i] ^= 0x01
		assert.False(t, Verify(c), "signature byte %d", i)
	}
	for i := range m.SenderPublicKey {
		c := m
		c.SenderPublicKey = bytes.Clone(m.SenderPublicKey)
		c.SenderPublicKey[i] ^= 0x01
		assert.False(t, Verify(c), "public key byte %d", i)
	}
	text := []byte(m.Text)
	for i := range text {
		c := m
		b := bytes.Clone(text)
		b[i] ^= 0x01
		c.Text = string(b)
		assert.False(t, Verify(c), "text byte %d", i)
	}
}

func TestVerifyRejectsForeignKeyAndGarbage(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	m, err := a.Sign("hi", "A")
	require.NoError(t, err)
	m.SenderPublicKey = b.PublicKey()
	assert.False(t, Verify(m))

	m.SenderPublicKey = []byte("short")
	assert.False(t, Verify(m))
	m.SenderPublicKey = nil
	m.Signature = nil
	assert.False(t, Verify(m))
}

func TestLoadOrCreatePersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	ks := newMemKeys()

	first, err := LoadOrCreate(ctx, ks, nil)
	require.NoError(t, err)
	require.Len(t, ks.data[KeyName], 32)

	second, err := LoadOrCreate(ctx, ks, nil)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey(), second.PublicKey())
	assert.Equal(t, 1, ks.saves)

	m, err := first.Sign("hello", "A")
	require.NoError(t, err)
	assert.Equal(t, second.PublicKey(), m.SenderPublicKey)
}

func TestLoadOrCreateReplacesCorruptKey(t *testing.T) {
	ctx := context.Background()
	ks := newMemKeys()
	ks.data[KeyName] = []byte("not a key")

	id, err := LoadOrCreate(ctx, ks, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ks.saves)

	again, err := LoadOrCreate(ctx, ks, nil)
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey(), again.PublicKey())
}

func TestLoadOrCreateSurfacesStoreErrors(t *testing.T) {
	ks := newMemKeys()
	ks.loadErr = errors.New("vault locked")

	_, err := LoadOrCreate(context.Background(), ks, nil)
	require.Error(t, err)
	assert.Equal(t, 0, ks.saves)
}
