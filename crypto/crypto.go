// Package crypto implements the three cryptographic surfaces of the Zumi
// protocol: login key derivation and request signing, AES-CBC encryption
// of API payloads, and AES-GCM decryption of realtime gateway payloads.
//
// All CBC encryption uses PKCS7 padding and the protocol's fixed zero IV;
// randomness enters through the per-login extension string instead.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

var (
	ErrKeySize      = errors.New("crypto: invalid key length")
	ErrBlobTooShort = errors.New("crypto: realtime blob too short")
	ErrBadPadding   = errors.New("crypto: bad pkcs7 padding")
	ErrTooLarge     = errors.New("crypto: decompressed payload exceeds limit")
)

// zeroIV is the protocol's fixed CBC initialisation vector.
var zeroIV = make([]byte, aes.BlockSize)

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}

func cbcEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, zeroIV).CryptBlocks(out, padded)
	return out, nil
}

func cbcDecrypt(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBadPadding
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, zeroIV).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, aes.BlockSize)
}
