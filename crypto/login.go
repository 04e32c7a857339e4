package crypto

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// signPrefix is prepended to every signed request per the gateway contract.
const signPrefix = "zsecure"

const extAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewExtension returns a random extension string of 6 to 12 lowercase
// alphanumeric characters. The extension seeds the login key derivation;
// a fresh one is drawn for every login.
func NewExtension() string {
	b := make([]byte, 13)
	rand.Read(b)
	n := 6 + int(b[0]%7)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = extAlphabet[int(b[i+1])%len(extAlphabet)]
	}
	return string(out)
}

// Zcid derives the client identifier from a login extension string: the
// lowercase hex MD5 digest of the extension.
func Zcid(ext string) string { return md5Hex(ext) }

// DeriveLoginKey derives the 32-character AES key for login parameter
// encryption by interleaving the MD5 digest of the extension with the
// zcid, character by character. Deterministic: the same extension always
// yields the same key.
func DeriveLoginKey(ext string) string {
	return interleave(md5Hex(ext), Zcid(ext))
}

// SignRequest computes the signature the gateway verifies on login calls:
// MD5("zsecure" + apiType + <param values concatenated in key order>),
// lowercase hex.
func SignRequest(apiType int, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(signPrefix)
	sb.WriteString(strconv.Itoa(apiType))
	for _, k := range keys {
		sb.WriteString(params[k])
	}
	return md5Hex(sb.String())
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// interleave alternates the first 16 characters of a and b:
// a[0], b[0], a[1], b[1], ... producing 32 characters.
func interleave(a, b string) string {
	var sb strings.Builder
	sb.Grow(32)
	for i := 0; i < 16; i++ {
		sb.WriteByte(a[i])
		sb.WriteByte(b[i])
	}
	return sb.String()
}

// ParamEncoding selects the text encoding of encrypted login parameters.
type ParamEncoding int

const (
	EncodingBase64 ParamEncoding = iota
	EncodingHex
)

// LoginCipher encrypts login parameters with a key from DeriveLoginKey
// (AES-256-CBC over the key's raw UTF-8 bytes).
type LoginCipher struct {
	key []byte
}

// NewLoginCipher wraps a derived 32-character login key.
func NewLoginCipher(key string) (*LoginCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: login key must be 32 chars, got %d", ErrKeySize, len(key))
	}
	return &LoginCipher{key: []byte(key)}, nil
}

// EncryptParam encrypts a parameter value and renders it in the requested
// encoding. Some endpoints expect the hex form uppercased.
func (c *LoginCipher) EncryptParam(plaintext []byte, enc ParamEncoding, uppercase bool) (string, error) {
	ct, err := cbcEncrypt(c.key, plaintext)
	if err != nil {
		return "", err
	}
	var s string
	switch enc {
	case EncodingHex:
		s = hex.EncodeToString(ct)
	default:
		s = base64.StdEncoding.EncodeToString(ct)
	}
	if uppercase {
		s = strings.ToUpper(s)
	}
	return s, nil
}

// DecryptParam reverses EncryptParam. Hex input may be upper or lower case;
// base64 input must be untouched.
func (c *LoginCipher) DecryptParam(s string, enc ParamEncoding) ([]byte, error) {
	var ct []byte
	var err error
	switch enc {
	case EncodingHex:
		ct, err = hex.DecodeString(s)
	default:
		ct, err = base64.StdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("crypto: decode param: %w", err)
	}
	return cbcDecrypt(c.key, ct)
}

// LoginParams is the signed, encrypted query a login request carries.
type LoginParams struct {
	Ext       string // extension seeding the key derivation
	Signature string // signature over the cleartext params
	Encrypted string // base64 AES-CBC blob of the JSON-encoded params
}

// BuildLoginParams draws a fresh extension, signs the cleartext params and
// encrypts their JSON encoding. The HTTP half of login lives behind
// AccountManager; this is the crypto half.
func BuildLoginParams(apiType int, params map[string]string) (LoginParams, error) {
	return buildLoginParams(apiType, NewExtension(), params)
}

func buildLoginParams(apiType int, ext string, params map[string]string) (LoginParams, error) {
	lc, err := NewLoginCipher(DeriveLoginKey(ext))
	if err != nil {
		return LoginParams{}, err
	}
	blob, err := json.Marshal(params)
	if err != nil {
		return LoginParams{}, fmt.Errorf("crypto: marshal params: %w", err)
	}
	enc, err := lc.EncryptParam(blob, EncodingBase64, false)
	if err != nil {
		return LoginParams{}, err
	}
	return LoginParams{
		Ext:       ext,
		Signature: SignRequest(apiType, params),
		Encrypted: enc,
	}, nil
}
