package crypto

import (
	"encoding/base64"
	"fmt"
)

// SessionCipher encrypts and decrypts API payloads with the session's
// secret key (AES-256-CBC, base64 text on the wire). Every authenticated
// API call encrypts its parameters through one of these.
type SessionCipher struct {
	key []byte
}

// NewSessionCipher decodes a base64 session secret key, which must decode
// to exactly 32 bytes.
func NewSessionCipher(secretKey string) (*SessionCipher, error) {
	key, err := base64.StdEncoding.DecodeString(secretKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode secret key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: secret key decodes to %d bytes, want 32", ErrKeySize, len(key))
	}
	return &SessionCipher{key: key}, nil
}

// Encrypt encrypts an API payload and returns it base64-encoded.
func (c *SessionCipher) Encrypt(plaintext []byte) (string, error) {
	ct, err := cbcEncrypt(c.key, plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt.
func (c *SessionCipher) Decrypt(data string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode payload: %w", err)
	}
	return cbcDecrypt(c.key, ct)
}
