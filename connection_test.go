package zumi

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"

	"github.com/zumilabs/zumi-go-sdk/crypto"
	"github.com/zumilabs/zumi-go-sdk/frame"
	"github.com/zumilabs/zumi-go-sdk/wire"
)

// gatewayHarness stands in for the chat gateway: the connection's dial
// seam hands it one end of a pipe, and tests speak the server side of
// the WebSocket protocol on the other.
type gatewayHarness struct {
	t      *testing.T
	conn   *Connection
	events <-chan Event
	conns  chan net.Conn
	frames chan RealtimeEvent

	dials     atomic.Int32
	failDials atomic.Bool
}

func newGatewayHarness(t *testing.T, cfg WSConfig) *gatewayHarness {
	t.Helper()
	h := &gatewayHarness{
		t:      t,
		conns:  make(chan net.Conn, 8),
		frames: make(chan RealtimeEvent, 32),
	}

	d := NewDispatcher(testLogger(t))
	events, cancelEvents := d.Subscribe(32)
	h.events = events

	c := NewConnection(ConnectionConfig{
		AccountID: "acct-1",
		WS:        cfg,
		Events:    d,
		Handler:   func(ev RealtimeEvent) { h.frames <- ev },
		Logger:    testLogger(t),
	})
	c.dial = func(ctx context.Context, endpoint string, header http.Header) (net.Conn, error) {
		h.dials.Add(1)
		if h.failDials.Load() {
			return nil, errors.New("gateway unreachable")
		}
		client, server := net.Pipe()
		h.conns <- server
		return client, nil
	}
	h.conn = c

	t.Cleanup(func() {
		c.Close()
		cancelEvents()
		for {
			select {
			case sc := <-h.conns:
				sc.Close()
			default:
				return
			}
		}
	})
	return h
}

func (h *gatewayHarness) accept() net.Conn {
	h.t.Helper()
	select {
	case sc := <-h.conns:
		return sc
	case <-time.After(3 * time.Second):
		h.t.Fatal("timed out waiting for a dial")
		return nil
	}
}

func (h *gatewayHarness) expectNoFrame(d time.Duration) {
	h.t.Helper()
	select {
	case ev := <-h.frames:
		h.t.Fatalf("unexpected delivery: %+v", ev)
	case <-time.After(d):
	}
}

func (h *gatewayHarness) nextFrame() RealtimeEvent {
	h.t.Helper()
	select {
	case ev := <-h.frames:
		return ev
	case <-time.After(3 * time.Second):
		h.t.Fatal("timed out waiting for a delivery")
		return RealtimeEvent{}
	}
}

func serverSend(t *testing.T, conn net.Conn, cmd uint16, subCmd uint8, payload any) {
	t.Helper()
	data, err := frame.Encode(frame.Header{Version: frame.Version, Cmd: cmd, SubCmd: subCmd}, payload)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := wsutil.WriteServerBinary(conn, data); err != nil {
		t.Fatalf("server send: %v", err)
	}
}

func serverRecv(t *testing.T, conn net.Conn) frame.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := wsutil.ReadClientBinary(conn)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	f, err := frame.Decode(data)
	if err != nil {
		t.Fatalf("decode client frame: %v", err)
	}
	return f
}

func serverSendClose(t *testing.T, conn net.Conn, code ws.StatusCode, reason string) {
	t.Helper()
	f := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
	if err := ws.WriteFrame(conn, f); err != nil {
		t.Fatalf("send close frame: %v", err)
	}
}

var testRealtimeKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))

func sendCipherKey(t *testing.T, conn net.Conn) {
	t.Helper()
	serverSend(t, conn, frame.CmdCipherKey, 1, wire.CipherKeyPayload{Key: testRealtimeKey})
}

// connectReady walks the connection through dial and handshake and
// returns the server side of the live link.
func (h *gatewayHarness) connectReady(opts ConnectOptions) net.Conn {
	h.t.Helper()
	if err := h.conn.Connect(context.Background(), testSession(), opts); err != nil {
		h.t.Fatalf("Connect: %v", err)
	}
	server := h.accept()
	sendCipherKey(h.t, server)
	waitEvent(h.t, h.events, EventReady)
	return server
}

func gzipCompress(t *testing.T, data []byte) []byte {
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

// sealEnvelope builds the encrypted data field the way the gateway does:
// gzip, AEAD-seal, base64.
func sealEnvelope(t *testing.T, plaintext []byte) string {
	t.Helper()
	rc, err := crypto.NewRealtimeCipher(testRealtimeKey)
	if err != nil {
		t.Fatal(err)
	}
	iv := bytes.Repeat([]byte{0x01}, 16)
	aad := bytes.Repeat([]byte{0x02}, 16)
	blob, err := rc.Seal(iv, aad, gzipCompress(t, plaintext))
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(blob)
}

// --- Tests ---

func TestConnectReadyFlow(t *testing.T) {
	h := newGatewayHarness(t, WSConfig{})

	if err := h.conn.Connect(context.Background(), testSession(), ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, h.events, EventConnected)
	if got := h.conn.State(); got != StateConnected {
		t.Fatalf("state after connect = %s, want connected", got)
	}

	if err := h.conn.Connect(context.Background(), testSession(), ConnectOptions{}); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect = %v, want ErrAlreadyConnected", err)
	}

	server := h.accept()
	sendCipherKey(t, server)
	waitEvent(t, h.events, EventReady)
	if got := h.conn.State(); got != StateReady {
		t.Fatalf("state after handshake = %s, want ready", got)
	}
}

func TestConnectValidatesSession(t *testing.T) {
	h := newGatewayHarness(t, WSConfig{})

	if err := h.conn.Connect(context.Background(), nil, ConnectOptions{}); err == nil {
		t.Error("nil session accepted")
	}
	if err := h.conn.Connect(context.Background(), &Session{}, ConnectOptions{}); err == nil {
		t.Error("session without endpoints accepted")
	}
	if got := h.dials.Load(); got != 0 {
		t.Errorf("dials = %d, want 0", got)
	}
}

func TestConnectDialFailure(t *testing.T) {
	h := newGatewayHarness(t, WSConfig{})
	h.failDials.Store(true)

	err := h.conn.Connect(context.Background(), testSession(), ConnectOptions{Reconnect: true})
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("Connect = %v, want NetworkError", err)
	}
	if !Retryable(err) {
		t.Error("dial failure should be retryable")
	}
	// A synchronous connect failure reports to the caller and stands
	// down instead of starting the retry engine.
	time.Sleep(100 * time.Millisecond)
	if got := h.conn.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
	if got := h.dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestSendFrameLifecycle(t *testing.T) {
	h := newGatewayHarness(t, WSConfig{})

	if err := h.conn.SendFrame([]byte("x")); !errors.Is(err, ErrNotReady) {
		t.Fatalf("SendFrame while disconnected = %v, want ErrNotReady", err)
	}

	if err := h.conn.Connect(context.Background(), testSession(), ConnectOptions{}); err != nil {
		t.Fatal(err)
	}
	server := h.accept()

	// Connected but the cipher key has not arrived yet.
	if err := h.conn.SendFrame([]byte("x")); !errors.Is(err, ErrNotReady) {
		t.Fatalf("SendFrame before handshake = %v, want ErrNotReady", err)
	}

	sendCipherKey(t, server)
	waitEvent(t, h.events, EventReady)

	data, err := frame.Encode(
		frame.Header{Version: frame.Version, Cmd: frame.CmdOldMessagesUser, SubCmd: 1},
		wire.NewHistoryRequest("evt-99"),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.conn.SendFrame(data); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	got := serverRecv(t, server)
	if got.Cmd != frame.CmdOldMessagesUser || got.SubCmd != 1 {
		t.Fatalf("server saw cmd %d/%d", got.Cmd, got.SubCmd)
	}
	if got.Payload["lastId"] != "evt-99" {
		t.Errorf("payload = %v", got.Payload)
	}
	if _, ok := got.Payload["preIds"].([]any); !ok {
		t.Errorf("preIds did not marshal as an array: %v", got.Payload["preIds"])
	}
}

func TestKeepalivePing(t *testing.T) {
	h := newGatewayHarness(t, WSConfig{KeepAlive: 40 * time.Millisecond})
	server := h.connectReady(ConnectOptions{})

	before := time.Now().Add(-time.Minute).UnixMilli()
	got := serverRecv(t, server)
	if got.Cmd != frame.CmdPing || got.SubCmd != 1 {
		t.Fatalf("first client frame = cmd %d/%d, want ping", got.Cmd, got.SubCmd)
	}
	id, ok := got.Payload["eventId"].(float64)
	if !ok || int64(id) < before {
		t.Errorf("ping eventId = %v, want a recent unix-millisecond clock", got.Payload["eventId"])
	}
}

func TestDuplicateClosesWithoutReconnect(t *testing.T) {
	h := newGatewayHarness(t, WSConfig{
		Retry: ConnRetryConfig{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	server := h.connectReady(ConnectOptions{Reconnect: true})

	serverSend(t, server, frame.CmdDuplicate, 0, map[string]any{})

	waitEvent(t, h.events, EventDuplicate)
	ev := waitEvent(t, h.events, EventDisconnected)
	if ev.Reason != ReasonDuplicate {
		t.Fatalf("reason = %s, want duplicate", ev.Reason)
	}

	// Duplicate means another client owns the link now: reconnecting
	// would just start a takeover fight.
	time.Sleep(150 * time.Millisecond)
	if got := h.dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if got := h.conn.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
}

func TestDuplicateCloseFrameNoReconnect(t *testing.T) {
	h := newGatewayHarness(t, WSConfig{
		Retry: ConnRetryConfig{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	server := h.connectReady(ConnectOptions{Reconnect: true})

	// The takeover can also arrive as a close frame naming the reason
	// instead of a cmd 3000 payload.
	serverSendClose(t, server, 4003, "duplicate")
	go io.Copy(io.Discard, server)

	ev := waitEvent(t, h.events, EventDisconnected)
	if ev.Reason != ReasonDuplicate || ev.Code != 4003 {
		t.Fatalf("disconnected reason=%s code=%d, want duplicate/4003", ev.Reason, ev.Code)
	}

	time.Sleep(150 * time.Millisecond)
	if got := h.dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if got := h.conn.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
}

func TestLinkLossReconnects(t *testing.T) {
	h := newGatewayHarness(t, WSConfig{
		Retry: ConnRetryConfig{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	server := h.connectReady(ConnectOptions{Reconnect: true})

	server.Close()
	ev := waitEvent(t, h.events, EventDisconnected)
	if ev.Reason != ReasonNetworkError {
		t.Fatalf("reason = %s, want network_error", ev.Reason)
	}

	server2 := h.accept()
	sendCipherKey(t, server2)
	waitEvent(t, h.events, EventReady)

	if got := h.dials.Load(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestReconnectHaltsAfterBudget(t *testing.T) {
	h := newGatewayHarness(t, WSConfig{
		Retry: ConnRetryConfig{
			BaseDelay:              5 * time.Millisecond,
			MaxDelay:               20 * time.Millisecond,
			MaxAttemptsPerEndpoint: 1,
			MaxTotalAttempts:       2,
		},
	})
	server := h.connectReady(ConnectOptions{Reconnect: true})

	h.failDials.Store(true)
	server.Close()

	waitEvent(t, h.events, EventDisconnected)
	ev := waitEvent(t, h.events, EventError)
	var terr *TerminalRetryError
	if !errors.As(ev.Err, &terr) {
		t.Fatalf("error event carried %v, want TerminalRetryError", ev.Err)
	}
	if terr.Attempts != 2 {
		t.Errorf("halted after %d attempts, want 2", terr.Attempts)
	}

	time.Sleep(100 * time.Millisecond)
	if got := h.conn.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
	// One successful dial plus the two budgeted retry attempts.
	if got := h.dials.Load(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}
}

func TestCloseFrameMapping(t *testing.T) {
	cases := []struct {
		name       string
		code       ws.StatusCode
		text       string
		wantReason CloseReason
		wantCode   int
	}{
		{"normal closure", ws.StatusNormalClosure, "", ReasonNormal, 1000},
		{"named expiry reason", 4001, "auth_error", ReasonAuthError, 4001},
		{"session expired text", 4002, "session_expired", ReasonSessionExpired, 4002},
		{"duplicate text", 4003, "duplicate", ReasonDuplicate, 4003},
		{"unnamed code", 4400, "maintenance", ReasonNetworkError, 4400},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newGatewayHarness(t, WSConfig{})
			server := h.connectReady(ConnectOptions{})

			serverSendClose(t, server, tc.code, tc.text)
			// Drain the close echo so the pipe never blocks the reader.
			go io.Copy(io.Discard, server)

			ev := waitEvent(t, h.events, EventDisconnected)
			if ev.Reason != tc.wantReason || ev.Code != tc.wantCode {
				t.Fatalf("disconnected reason=%s code=%d, want %s/%d",
					ev.Reason, ev.Code, tc.wantReason, tc.wantCode)
			}
		})
	}
}

func TestEncryptedDeliveryAndReplayDrop(t *testing.T) {
	h := newGatewayHarness(t, WSConfig{})
	server := h.connectReady(ConnectOptions{})

	plaintext := []byte(`{"msgId":"m-1","content":"hello"}`)
	envelope := map[string]any{"data": sealEnvelope(t, plaintext), "encrypt": 1}

	serverSend(t, server, frame.CmdMessageUser, 0, envelope)
	ev := h.nextFrame()
	if ev.Type != frame.EventMessage || ev.Thread != frame.ThreadUser {
		t.Fatalf("delivered %s/%s, want message/user", ev.Type, ev.Thread)
	}
	if !bytes.Equal(ev.Data, plaintext) {
		t.Fatalf("data = %s", ev.Data)
	}
	if gjson.GetBytes(ev.Data, "content").String() != "hello" {
		t.Fatalf("decrypted content = %s", ev.Data)
	}

	// The gateway replays the same message after a hiccup; the second
	// copy is dropped.
	serverSend(t, server, frame.CmdMessageUser, 0, envelope)
	h.expectNoFrame(150 * time.Millisecond)

	// A different message id flows through.
	serverSend(t, server, frame.CmdMessageUser, 0, map[string]any{
		"data": map[string]any{"msgId": "m-2"},
	})
	ev = h.nextFrame()
	if gjson.GetBytes(ev.Data, "msgId").String() != "m-2" {
		t.Fatalf("inline data = %s", ev.Data)
	}
}

func TestUndecryptableEventDroppedLinkSurvives(t *testing.T) {
	h := newGatewayHarness(t, WSConfig{})
	server := h.connectReady(ConnectOptions{})

	serverSend(t, server, frame.CmdMessageUser, 0, map[string]any{
		"data": "!!! not base64 !!!", "encrypt": 1,
	})
	h.expectNoFrame(150 * time.Millisecond)
	if got := h.conn.State(); got != StateReady {
		t.Fatalf("state = %s, want ready after dropping one bad event", got)
	}

	serverSend(t, server, frame.CmdControl, 0, map[string]any{"act": "refresh"})
	ev := h.nextFrame()
	if ev.Type != frame.EventControl || ev.Payload["act"] != "refresh" {
		t.Fatalf("delivered %+v", ev)
	}
}

func TestEncryptedEventBeforeKeyDropped(t *testing.T) {
	h := newGatewayHarness(t, WSConfig{})
	if err := h.conn.Connect(context.Background(), testSession(), ConnectOptions{}); err != nil {
		t.Fatal(err)
	}
	server := h.accept()

	plaintext := []byte(`{"msgId":"m-early"}`)
	envelope := map[string]any{"data": sealEnvelope(t, plaintext), "encrypt": 1}
	serverSend(t, server, frame.CmdMessageUser, 0, envelope)
	h.expectNoFrame(150 * time.Millisecond)

	sendCipherKey(t, server)
	waitEvent(t, h.events, EventReady)
	serverSend(t, server, frame.CmdMessageUser, 0, envelope)
	ev := h.nextFrame()
	if !bytes.Equal(ev.Data, plaintext) {
		t.Fatalf("data = %s", ev.Data)
	}
}

func TestUnknownEncryptTypeDropped(t *testing.T) {
	h := newGatewayHarness(t, WSConfig{})
	server := h.connectReady(ConnectOptions{})

	serverSend(t, server, frame.CmdMessageUser, 0, map[string]any{
		"data": sealEnvelope(t, []byte(`{}`)), "encrypt": 9,
	})
	h.expectNoFrame(150 * time.Millisecond)
	if got := h.conn.State(); got != StateReady {
		t.Fatalf("state = %s, want ready", got)
	}
}

func TestInvalidCipherKeyTriggersReconnect(t *testing.T) {
	h := newGatewayHarness(t, WSConfig{
		Retry: ConnRetryConfig{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	if err := h.conn.Connect(context.Background(), testSession(), ConnectOptions{Reconnect: true}); err != nil {
		t.Fatal(err)
	}
	server := h.accept()

	serverSend(t, server, frame.CmdCipherKey, 1, wire.CipherKeyPayload{Key: "tooShort"})

	ev := waitEvent(t, h.events, EventDisconnected)
	if ev.Reason != ReasonInvalidCipherKey {
		t.Fatalf("reason = %s, want invalid_cipher_key", ev.Reason)
	}

	// A fresh key on the new link completes the handshake.
	server2 := h.accept()
	sendCipherKey(t, server2)
	waitEvent(t, h.events, EventReady)
}

func TestExplicitDisconnect(t *testing.T) {
	h := newGatewayHarness(t, WSConfig{
		Retry: ConnRetryConfig{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	h.connectReady(ConnectOptions{Reconnect: true})

	if err := h.conn.ExplicitDisconnect(); err != nil {
		t.Fatalf("ExplicitDisconnect: %v", err)
	}
	ev := waitEvent(t, h.events, EventDisconnected)
	if ev.Reason != ReasonExplicit {
		t.Fatalf("reason = %s, want explicit", ev.Reason)
	}

	time.Sleep(150 * time.Millisecond)
	if got := h.dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1 (no auto redial)", got)
	}

	// A manual Connect is still allowed afterwards.
	if err := h.conn.Connect(context.Background(), testSession(), ConnectOptions{}); err != nil {
		t.Fatalf("Connect after explicit disconnect: %v", err)
	}
	h.accept()
}

func TestCloseIsTerminal(t *testing.T) {
	h := newGatewayHarness(t, WSConfig{})
	h.connectReady(ConnectOptions{})

	if err := h.conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitEvent(t, h.events, EventClosed)

	if err := h.conn.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
	if err := h.conn.SendFrame([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendFrame after Close = %v, want ErrClosed", err)
	}
	if err := h.conn.Connect(context.Background(), testSession(), ConnectOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect after Close = %v, want ErrClosed", err)
	}
}
