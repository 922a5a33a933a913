package decrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encryptCBC is the inverse operation, used to build test fixtures.
func encryptCBC(t *testing.T, plaintext, key, iv []byte) []byte {
	t.Helper()

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestDeriveIV(t *testing.T) {
	t.Run("from sequence number", func(t *testing.T) {
		iv, err := DeriveIV("", 258)
		require.NoError(t, err)
		want := make([]byte, 16)
		want[14] = 0x01
		want[15] = 0x02
		assert.Equal(t, want, iv)
	})

	t.Run("sequence zero", func(t *testing.T) {
		iv, err := DeriveIV("", 0)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 16), iv)
	})

	t.Run("full hex with prefix", func(t *testing.T) {
		iv, err := DeriveIV("0x000102030405060708090a0b0c0d0e0f", 99)
		require.NoError(t, err)
		assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, iv)
	})

	t.Run("uppercase prefix", func(t *testing.T) {
		iv, err := DeriveIV("0XFF", 0)
		require.NoError(t, err)
		assert.Equal(t, byte(0xFF), iv[15])
	})

	t.Run("short hex is left padded", func(t *testing.T) {
		iv, err := DeriveIV("0x1", 0)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 15), iv[:15])
		assert.Equal(t, byte(0x01), iv[15])
	})

	t.Run("explicit iv wins over sequence", func(t *testing.T) {
		iv, err := DeriveIV("0x2a", 12345)
		require.NoError(t, err)
		assert.Equal(t, byte(0x2a), iv[15])
		assert.Equal(t, make([]byte, 15), iv[:15])
	})

	t.Run("rejects non hex", func(t *testing.T) {
		_, err := DeriveIV("0xzz", 0)
		require.ErrorIs(t, err, ErrBadIV)
	})

	t.Run("rejects oversized", func(t *testing.T) {
		_, err := DeriveIV("0x"+string(bytes.Repeat([]byte{'f'}, 34)), 0)
		require.ErrorIs(t, err, ErrBadIV)
	})
}

func TestAES128CBC(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := bytes.Repeat([]byte{0x11}, 16)
	plaintext := []byte("transport stream payload bytes here")

	t.Run("round trip", func(t *testing.T) {
		ciphertext := encryptCBC(t, plaintext, key, iv)
		got, err := AES128CBC(ciphertext, key, iv)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	})

	t.Run("block aligned plaintext gets full padding block", func(t *testing.T) {
		aligned := bytes.Repeat([]byte{0x47}, 32)
		ciphertext := encryptCBC(t, aligned, key, iv)
		require.Len(t, ciphertext, 48)

		got, err := AES128CBC(ciphertext, key, iv)
		require.NoError(t, err)
		assert.Equal(t, aligned, got)
	})

	t.Run("iv derived from sequence round trip", func(t *testing.T) {
		seqIV, err := DeriveIV("", 42)
		require.NoError(t, err)

		ciphertext := encryptCBC(t, plaintext, key, seqIV)
		got, err := AES128CBC(ciphertext, key, seqIV)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	})

	t.Run("wrong key length", func(t *testing.T) {
		_, err := AES128CBC(make([]byte, 16), []byte("short"), iv)
		require.ErrorIs(t, err, ErrBadKey)
	})

	t.Run("wrong iv length", func(t *testing.T) {
		_, err := AES128CBC(make([]byte, 16), key, []byte("short"))
		require.ErrorIs(t, err, ErrBadIV)
	})

	t.Run("ragged ciphertext", func(t *testing.T) {
		_, err := AES128CBC(make([]byte, 17), key, iv)
		require.ErrorIs(t, err, ErrBadPayload)
	})

	t.Run("empty ciphertext", func(t *testing.T) {
		_, err := AES128CBC(nil, key, iv)
		require.ErrorIs(t, err, ErrBadPayload)
	})

	t.Run("corrupt padding", func(t *testing.T) {
		ciphertext := encryptCBC(t, plaintext, key, iv)
		ciphertext[len(ciphertext)-1] ^= 0xFF
		_, err := AES128CBC(ciphertext, key, iv)
		require.ErrorIs(t, err, ErrBadPadding)
	})
}
