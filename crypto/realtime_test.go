package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"net/url"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/zumilabs/zumi-go-sdk/frame"
)

func testRealtimeCipher(t *testing.T, keyLen int) *RealtimeCipher {
	t.Helper()
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x5a}, keyLen))
	rc, err := NewRealtimeCipher(key)
	if err != nil {
		t.Fatalf("NewRealtimeCipher(%d-byte key): %v", keyLen, err)
	}
	return rc
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestNewRealtimeCipherKeySizes(t *testing.T) {
	for _, n := range []int{16, 24, 32} {
		testRealtimeCipher(t, n)
	}
	for _, n := range []int{0, 15, 20, 33} {
		key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, n))
		if _, err := NewRealtimeCipher(key); !errors.Is(err, ErrKeySize) {
			t.Errorf("%d-byte key: expected ErrKeySize, got %v", n, err)
		}
	}
	if _, err := NewRealtimeCipher("!!not base64!!"); err == nil {
		t.Error("expected error for invalid base64 key")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	rc := testRealtimeCipher(t, 32)
	iv := bytes.Repeat([]byte{0x11}, 16)
	aad := bytes.Repeat([]byte{0x22}, 16)
	plaintext := []byte(`{"message":"hello","fromId":"u-1"}`)

	blob, err := rc.Seal(iv, aad, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(blob) != MinBlobLen+len(plaintext) {
		t.Errorf("blob length: got %d, want %d", len(blob), MinBlobLen+len(plaintext))
	}

	got, err := rc.Open(blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip: got %q, want %q", got, plaintext)
	}
}

func TestSealOpenEmptyPlaintext(t *testing.T) {
	rc := testRealtimeCipher(t, 16)
	iv := bytes.Repeat([]byte{3}, 16)
	aad := bytes.Repeat([]byte{4}, 16)

	blob, err := rc.Seal(iv, aad, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(blob) != MinBlobLen {
		t.Errorf("empty blob length: got %d, want %d", len(blob), MinBlobLen)
	}
	got, err := rc.Open(blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty plaintext, got %q", got)
	}
}

func TestSealValidatesLengths(t *testing.T) {
	rc := testRealtimeCipher(t, 32)
	if _, err := rc.Seal(make([]byte, 12), make([]byte, 16), nil); err == nil {
		t.Error("expected error for short iv")
	}
	if _, err := rc.Seal(make([]byte, 16), make([]byte, 8), nil); err == nil {
		t.Error("expected error for short aad")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	rc := testRealtimeCipher(t, 32)
	iv := bytes.Repeat([]byte{0x11}, 16)
	aad := bytes.Repeat([]byte{0x22}, 16)
	blob, err := rc.Seal(iv, aad, []byte("authenticated payload"))
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]int{
		"nonce":      0,
		"aad":        gcmNonceLen + 3,
		"ciphertext": gcmNonceLen + gcmAADLen + 2,
		"tag":        len(blob) - 1,
	}
	for name, idx := range cases {
		tampered := append([]byte(nil), blob...)
		tampered[idx] ^= 0x01
		if _, err := rc.Open(tampered); err == nil {
			t.Errorf("%s tamper: expected authentication failure", name)
		}
	}
}

func TestOpenTooShort(t *testing.T) {
	rc := testRealtimeCipher(t, 32)
	for _, n := range []int{0, 1, 47} {
		if _, err := rc.Open(make([]byte, n)); !errors.Is(err, ErrBlobTooShort) {
			t.Errorf("%d-byte blob: expected ErrBlobTooShort, got %v", n, err)
		}
	}
	// Exactly at the floor: long enough, but unauthenticated garbage.
	if _, err := rc.Open(make([]byte, MinBlobLen)); errors.Is(err, ErrBlobTooShort) {
		t.Error("48-byte blob should pass the length check")
	}
}

func TestOpenEnvelope(t *testing.T) {
	rc := testRealtimeCipher(t, 32)
	iv := bytes.Repeat([]byte{0x33}, 16)
	aad := bytes.Repeat([]byte{0x44}, 16)
	plaintext := []byte(`[{"messageId":"m-1","body":"hi"}]`)

	seal := func(data []byte) string {
		blob, err := rc.Seal(iv, aad, data)
		if err != nil {
			t.Fatal(err)
		}
		return base64.StdEncoding.EncodeToString(blob)
	}

	got, err := rc.OpenEnvelope(seal(plaintext), frame.CompressionNone)
	if err != nil {
		t.Fatalf("plain envelope: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("plain envelope: got %q", got)
	}

	got, err = rc.OpenEnvelope(seal(gzipBytes(t, plaintext)), frame.CompressionGzip)
	if err != nil {
		t.Fatalf("gzip envelope: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("gzip envelope: got %q", got)
	}

	escaped := url.QueryEscape(seal(gzipBytes(t, plaintext)))
	got, err = rc.OpenEnvelope(escaped, frame.CompressionGzipURL)
	if err != nil {
		t.Fatalf("url+gzip envelope: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("url+gzip envelope: got %q", got)
	}
}

func TestOpenEnvelopeBadInput(t *testing.T) {
	rc := testRealtimeCipher(t, 32)
	if _, err := rc.OpenEnvelope("!!not base64!!", frame.CompressionNone); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := rc.OpenEnvelope("%zz", frame.CompressionGzipURL); err == nil {
		t.Error("expected error for invalid url escape")
	}
}

func TestOpenEnvelopeInflationLimit(t *testing.T) {
	rc := testRealtimeCipher(t, 32)
	iv := bytes.Repeat([]byte{0x55}, 16)
	aad := bytes.Repeat([]byte{0x66}, 16)

	// Compresses to a few KB but inflates past the cap.
	huge := gzipBytes(t, make([]byte, MaxDecompressed+1))
	blob, err := rc.Seal(iv, aad, huge)
	if err != nil {
		t.Fatal(err)
	}
	data := base64.StdEncoding.EncodeToString(blob)
	if _, err := rc.OpenEnvelope(data, frame.CompressionGzip); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

func TestGunzip(t *testing.T) {
	payload := []byte("typing notification body")
	got, err := Gunzip(gzipBytes(t, payload), 1<<20)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip: got %q", got)
	}

	if _, err := Gunzip([]byte("not gzip at all"), 1<<20); err == nil {
		t.Error("expected error for non-gzip input")
	}

	big := gzipBytes(t, make([]byte, 2048))
	if _, err := Gunzip(big, 1024); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
	if _, err := Gunzip(big, 2048); err != nil {
		t.Errorf("at-limit payload: %v", err)
	}
}
