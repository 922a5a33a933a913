// Package decrypt implements AES-128-CBC decryption of HLS media
// segments, including the IV derivation rules from RFC 8216 section
// 4.3.2.4.
package decrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBadKey     = errors.New("invalid key")
	ErrBadIV      = errors.New("invalid iv")
	ErrBadPayload = errors.New("ciphertext is not a whole number of blocks")
	ErrBadPadding = errors.New("invalid pkcs7 padding")
)

// DeriveIV returns the 16-byte IV for a segment. When the playlist
// declares an IV attribute it is parsed as hex (the 0x prefix is
// optional and short values are left-padded with zeros). Otherwise the
// IV is the segment's media sequence number as a big-endian 128-bit
// integer, per RFC 8216.
func DeriveIV(attr string, sequence uint64) ([]byte, error) {
	if attr == "" {
		iv := make([]byte, aes.BlockSize)
		binary.BigEndian.PutUint64(iv[8:], sequence)
		return iv, nil
	}

	s := strings.TrimPrefix(strings.TrimPrefix(attr, "0x"), "0X")
	if len(s) > 2*aes.BlockSize {
		return nil, fmt.Errorf("%w: %q is longer than 128 bits", ErrBadIV, attr)
	}
	// Left-pad to 32 hex digits so short IVs decode to full blocks.
	s = strings.Repeat("0", 2*aes.BlockSize-len(s)) + s

	iv, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadIV, attr, err)
	}
	return iv, nil
}

// AES128CBC decrypts a full segment and strips its PKCS#7 padding.
// The input slice is left untouched.
func AES128CBC(data, key, iv []byte) ([]byte, error) {
	if len(key) != aes.BlockSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadKey, len(key), aes.BlockSize)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadIV, len(iv), aes.BlockSize)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadPayload, len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}

	plaintext := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, data)

	return stripPKCS7(plaintext)
}

// stripPKCS7 removes PKCS#7 padding. Segment ciphertext produced by
// compliant packagers always carries it.
func stripPKCS7(data []byte) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}
