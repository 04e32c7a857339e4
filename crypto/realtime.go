package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"

	"github.com/klauspost/compress/gzip"

	"github.com/zumilabs/zumi-go-sdk/frame"
)

// Realtime blob layout: IV (16) || AAD (16) || ciphertext || GCM tag (16).
const (
	gcmNonceLen = 16
	gcmAADLen   = 16
	gcmTagLen   = 16

	// MinBlobLen is the smallest well-formed realtime blob (empty plaintext).
	MinBlobLen = gcmNonceLen + gcmAADLen + gcmTagLen

	// MaxDecompressed bounds gzip inflation; larger payloads are rejected.
	MaxDecompressed = 5 << 20
)

// RealtimeCipher decrypts realtime gateway payloads. The key arrives
// base64-encoded in the cipher-key handshake and lives only as long as
// the connection that received it.
type RealtimeCipher struct {
	aead cipher.AEAD
}

// NewRealtimeCipher decodes and validates a handshake key. Decoded keys
// must be 16, 24 or 32 bytes; anything else is rejected before use.
func NewRealtimeCipher(key string) (*RealtimeCipher, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode realtime key: %w", err)
	}
	switch len(raw) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: realtime key is %d bytes", ErrKeySize, len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, gcmNonceLen)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return &RealtimeCipher{aead: aead}, nil
}

// Open authenticates and decrypts a realtime blob. The length floor is
// checked before any AEAD work.
func (c *RealtimeCipher) Open(blob []byte) ([]byte, error) {
	if len(blob) < MinBlobLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlobTooShort, len(blob))
	}
	nonce := blob[:gcmNonceLen]
	aad := blob[gcmNonceLen : gcmNonceLen+gcmAADLen]
	ct := blob[gcmNonceLen+gcmAADLen:]

	plain, err := c.aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("crypto: open realtime payload: %w", err)
	}
	return plain, nil
}

// Seal is Open's inverse; the gateway side of the exchange, kept here for
// building fixtures. iv and aad must each be 16 bytes.
func (c *RealtimeCipher) Seal(iv, aad, plaintext []byte) ([]byte, error) {
	if len(iv) != gcmNonceLen || len(aad) != gcmAADLen {
		return nil, fmt.Errorf("crypto: seal: iv and aad must be %d bytes each", gcmNonceLen)
	}
	out := make([]byte, 0, len(iv)+len(aad)+len(plaintext)+gcmTagLen)
	out = append(out, iv...)
	out = append(out, aad...)
	return c.aead.Seal(out, iv, plaintext, aad), nil
}

// OpenEnvelope runs the full decode path for an encrypted data field:
// optional URL-decode, base64 decode, AEAD open, optional gunzip.
func (c *RealtimeCipher) OpenEnvelope(data string, comp frame.Compression) ([]byte, error) {
	if comp == frame.CompressionGzipURL {
		unescaped, err := url.QueryUnescape(data)
		if err != nil {
			return nil, fmt.Errorf("crypto: unescape payload: %w", err)
		}
		data = unescaped
	}
	blob, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode payload: %w", err)
	}
	plain, err := c.Open(blob)
	if err != nil {
		return nil, err
	}
	if comp == frame.CompressionGzip || comp == frame.CompressionGzipURL {
		return Gunzip(plain, MaxDecompressed)
	}
	return plain, nil
}

// Gunzip decompresses data, refusing to inflate beyond limit bytes.
func Gunzip(data []byte, limit int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("crypto: gunzip: %w", err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("crypto: gunzip: %w", err)
	}
	if n > limit {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, limit)
	}
	return buf.Bytes(), nil
}
