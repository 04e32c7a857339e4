// Package zumi implements the realtime transport core of the Zumi chat
// SDK. It dials the chat gateway over WebSocket, completes the cipher-key
// handshake, decodes and decrypts inbound frames, keeps the link alive,
// and rotates across gateway endpoints with backoff when it drops. Model
// mapping and persistence stay outside: the package hands callers decoded
// realtime events plus per-account lifecycle notifications.
package zumi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/zumilabs/zumi-go-sdk/crypto"
	"github.com/zumilabs/zumi-go-sdk/frame"
	"github.com/zumilabs/zumi-go-sdk/retry"
	"github.com/zumilabs/zumi-go-sdk/wire"
)

// ConnState is the connection's lifecycle position.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReady
	StateBackingOff
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateBackingOff:
		return "backing_off"
	default:
		return "disconnected"
	}
}

// ConnectOptions tunes one Connect call.
type ConnectOptions struct {
	// Reconnect enables automatic redial after non-deliberate drops.
	Reconnect bool
}

// RealtimeEvent is one decoded inbound gateway event.
type RealtimeEvent struct {
	Type   frame.EventType
	Thread frame.ThreadType
	Cmd    uint16
	SubCmd uint8

	// Payload is the decoded frame body.
	Payload map[string]any

	// Data is the decrypted+decompressed content of the payload's data
	// field, or its raw JSON when the gateway sent it in the clear.
	// Nil when the event carries no data field.
	Data []byte
}

// FrameHandler receives decoded realtime events. It runs on the
// connection's own goroutine: hand off anything slow.
type FrameHandler func(RealtimeEvent)

const (
	dialTimeout  = 15 * time.Second
	sendBufSize  = 64
	frameBufSize = 64
)

var errSendBufferFull = errors.New("send buffer full")
var errConnectAborted = errors.New("connect aborted")

type dialFunc func(ctx context.Context, endpoint string, header http.Header) (net.Conn, error)

// ConnectionConfig wires one Connection.
type ConnectionConfig struct {
	AccountID string
	WS        WSConfig
	Cookies   CookieStore
	Events    *Dispatcher
	Handler   FrameHandler
	Logger    *slog.Logger
}

// Connection drives one account's gateway link as a single-goroutine
// actor: every state change happens on its run loop, and the exported
// methods are synchronous commands into that loop.
type Connection struct {
	account string
	connID  string
	cfg     WSConfig
	cookies CookieStore
	events  *Dispatcher
	handler FrameHandler
	log     *slog.Logger
	rng     *rand.Rand
	dial    dialFunc

	cmds        chan connCmd
	dialResults chan dialResult
	done        chan struct{}

	// dedup outlives link generations: reconnect replay is exactly the
	// case it exists for.
	dedup *frame.DedupWindow

	state atomic.Int32
}

// NewConnection builds the connection and starts its loop. Close frees
// it.
func NewConnection(cfg ConnectionConfig) *Connection {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	connID := uuid.NewString()
	c := &Connection{
		account:     cfg.AccountID,
		connID:      connID,
		cfg:         normalizeWS(cfg.WS),
		cookies:     cfg.Cookies,
		events:      cfg.Events,
		handler:     cfg.Handler,
		log:         log.With("account", cfg.AccountID, "conn_id", connID),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		dial:        gatewayDial,
		cmds:        make(chan connCmd),
		dialResults: make(chan dialResult, 4),
		done:        make(chan struct{}),
		dedup:       frame.NewDedupWindow(),
	}
	go c.run()
	return c
}

func normalizeWS(cfg WSConfig) WSConfig {
	def := DefaultConfig().WS
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if cfg.Retry.MaxAttemptsPerEndpoint <= 0 {
		cfg.Retry.MaxAttemptsPerEndpoint = def.Retry.MaxAttemptsPerEndpoint
	}
	if cfg.Retry.MaxTotalAttempts <= 0 {
		cfg.Retry.MaxTotalAttempts = def.Retry.MaxTotalAttempts
	}
	return cfg
}

// Connect dials the endpoint at the current rotation index and completes
// the WebSocket upgrade. Legal only from Disconnected. The cipher-key
// handshake continues asynchronously; subscribe for the ready event.
func (c *Connection) Connect(ctx context.Context, session *Session, opts ConnectOptions) error {
	if session == nil || len(session.WSEndpoints) == 0 {
		return errors.New("zumi: session has no gateway endpoints")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return c.do(connCmd{kind: cmdConnect, ctx: ctx, session: session, opts: opts})
}

// Disconnect tears the link down with reason normal. No auto-reconnect
// follows a deliberate close.
func (c *Connection) Disconnect() error {
	return c.do(connCmd{kind: cmdDisconnect})
}

// ExplicitDisconnect is Disconnect plus a permanent auto-reconnect
// disable for this instance.
func (c *Connection) ExplicitDisconnect() error {
	return c.do(connCmd{kind: cmdDisconnect, explicit: true})
}

// SendFrame writes one binary message. Legal only while Ready.
func (c *Connection) SendFrame(payload []byte) error {
	return c.do(connCmd{kind: cmdSendFrame, payload: payload})
}

// Close stops the actor permanently and emits closed.
func (c *Connection) Close() error {
	return c.do(connCmd{kind: cmdClose})
}

// State is a lock-free snapshot for observers; the loop owns the truth.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// --- Command plumbing ---

type connCmdKind int

const (
	cmdConnect connCmdKind = iota
	cmdDisconnect
	cmdSendFrame
	cmdClose
)

type connCmd struct {
	kind     connCmdKind
	ctx      context.Context
	session  *Session
	opts     ConnectOptions
	payload  []byte
	explicit bool
	reply    chan error
}

type dialResult struct {
	id   int
	conn net.Conn
	err  error
}

func (c *Connection) do(cmd connCmd) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// --- Actor loop ---

// linkGen is one transport generation: a socket plus its reader and
// writer goroutines. Closing the closed channel detaches both without
// racing the loop.
type linkGen struct {
	conn   net.Conn
	frames chan []byte
	sends  chan []byte
	errs   chan error
	closed chan struct{}
}

func newLinkGen(conn net.Conn) *linkGen {
	return &linkGen{
		conn:   conn,
		frames: make(chan []byte, frameBufSize),
		sends:  make(chan []byte, sendBufSize),
		errs:   make(chan error, 2),
		closed: make(chan struct{}),
	}
}

func (g *linkGen) read() {
	for {
		data, err := wsutil.ReadServerBinary(g.conn)
		if err != nil {
			select {
			case g.errs <- err:
			case <-g.closed:
			}
			return
		}
		select {
		case g.frames <- data:
		case <-g.closed:
			return
		}
	}
}

func (g *linkGen) write() {
	for {
		select {
		case data := <-g.sends:
			if err := wsutil.WriteClientBinary(g.conn, data); err != nil {
				select {
				case g.errs <- err:
				case <-g.closed:
				}
				return
			}
		case <-g.closed:
			return
		}
	}
}

func (g *linkGen) shutdown() {
	close(g.closed)
	g.conn.Close()
}

type loopState struct {
	state       ConnState
	session     *Session
	opts        ConnectOptions
	noReconnect bool

	gen    *linkGen
	cipher *crypto.RealtimeCipher

	retrySt    retry.State
	dialID     int
	dialCancel context.CancelFunc
	connectRep chan error

	keepalive *time.Ticker
	reconnect *time.Timer
}

func (c *Connection) run() {
	defer close(c.done)
	st := &loopState{state: StateDisconnected}

	for {
		var frames chan []byte
		var errs chan error
		if st.gen != nil {
			frames = st.gen.frames
			errs = st.gen.errs
		}
		var keepaliveC, reconnectC <-chan time.Time
		if st.keepalive != nil {
			keepaliveC = st.keepalive.C
		}
		if st.reconnect != nil {
			reconnectC = st.reconnect.C
		}

		select {
		case cmd := <-c.cmds:
			if c.handleCmd(st, cmd) {
				return
			}
		case res := <-c.dialResults:
			c.handleDialResult(st, res)
		case data := <-frames:
			c.handleFrame(st, data)
		case err := <-errs:
			c.handleLinkError(st, err)
		case <-keepaliveC:
			c.sendPing(st)
		case <-reconnectC:
			st.reconnect = nil
			c.redial(st)
		}
	}
}

func (c *Connection) setState(st *loopState, s ConnState) {
	st.state = s
	c.state.Store(int32(s))
}

func (c *Connection) emit(ev Event) {
	if c.events != nil {
		c.events.Publish(ev)
	}
}

func (c *Connection) handleCmd(st *loopState, cmd connCmd) (exit bool) {
	switch cmd.kind {
	case cmdConnect:
		if st.state != StateDisconnected {
			cmd.reply <- ErrAlreadyConnected
			return false
		}
		st.session = cmd.session
		st.opts = cmd.opts
		fresh := c.freshRetryState(len(cmd.session.WSEndpoints))
		fresh.EndpointIndex = st.retrySt.EndpointIndex % len(cmd.session.WSEndpoints)
		st.retrySt = fresh
		st.connectRep = cmd.reply
		c.setState(st, StateConnecting)
		c.startDial(st, cmd.ctx)

	case cmdDisconnect:
		if cmd.explicit {
			st.noReconnect = true
		}
		if st.state == StateDisconnected {
			cmd.reply <- nil
			return false
		}
		reason := ReasonNormal
		if cmd.explicit {
			reason = ReasonExplicit
		}
		c.teardown(st, reason, 0, false)
		cmd.reply <- nil

	case cmdSendFrame:
		if st.state != StateReady || st.gen == nil {
			cmd.reply <- ErrNotReady
			return false
		}
		select {
		case st.gen.sends <- cmd.payload:
			cmd.reply <- nil
		default:
			cmd.reply <- &NetworkError{Op: "send", Err: errSendBufferFull}
		}

	case cmdClose:
		if st.state != StateDisconnected {
			c.teardown(st, ReasonNormal, 0, false)
		} else {
			c.clearTimers(st)
		}
		c.emit(newEvent(EventClosed, c.account))
		c.log.Info("connection closed")
		cmd.reply <- nil
		return true
	}
	return false
}

func (c *Connection) freshRetryState(endpoints int) retry.State {
	return retry.State{
		BaseDelay:              c.cfg.Retry.BaseDelay,
		MaxDelay:               c.cfg.Retry.MaxDelay,
		MaxAttemptsPerEndpoint: c.cfg.Retry.MaxAttemptsPerEndpoint,
		MaxTotalAttempts:       c.cfg.Retry.MaxTotalAttempts,
		TotalEndpoints:         endpoints,
	}
}

// --- Dialing ---

func (c *Connection) startDial(st *loopState, ctx context.Context) {
	st.dialID++
	id := st.dialID
	endpoint := st.session.WSEndpoints[st.retrySt.EndpointIndex%len(st.session.WSEndpoints)]

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	st.dialCancel = cancel
	c.log.Info("dialing gateway", "endpoint", endpoint, "attempt", st.retrySt.CurrentAttempt)
	go c.dialWorker(dialCtx, id, endpoint)
}

func (c *Connection) dialWorker(ctx context.Context, id int, endpoint string) {
	header := http.Header{}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}
	if c.cfg.UserAgent != "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cookies != nil {
		origin := c.cfg.Origin
		if origin == "" {
			origin = endpoint
		}
		cookie, err := c.cookies.CookieString(c.account, origin)
		if err != nil {
			c.deliverDialResult(dialResult{id: id, err: fmt.Errorf("cookie for %s: %w", endpoint, err)})
			return
		}
		if cookie != "" {
			header.Set("Cookie", cookie)
		}
	}

	conn, err := c.dial(ctx, endpoint, header)
	c.deliverDialResult(dialResult{id: id, conn: conn, err: err})
}

func (c *Connection) deliverDialResult(res dialResult) {
	select {
	case c.dialResults <- res:
	case <-c.done:
		if res.conn != nil {
			res.conn.Close()
		}
	}
}

// bufferedConn replays bytes the dialer buffered past the upgrade
// response before reading from the socket again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	if b.r != nil {
		if b.r.Buffered() > 0 {
			return b.r.Read(p)
		}
		b.r = nil
	}
	return b.Conn.Read(p)
}

func gatewayDial(ctx context.Context, endpoint string, header http.Header) (net.Conn, error) {
	d := ws.Dialer{
		Timeout: dialTimeout,
		Header:  ws.HandshakeHeaderHTTP(header),
	}
	conn, br, _, err := d.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if br != nil {
		conn = &bufferedConn{Conn: conn, r: br}
	}
	return conn, nil
}

func (c *Connection) handleDialResult(st *loopState, res dialResult) {
	if res.id != st.dialID || st.state != StateConnecting {
		// A dial we already walked away from.
		if res.conn != nil {
			res.conn.Close()
		}
		return
	}
	if st.dialCancel != nil {
		st.dialCancel()
		st.dialCancel = nil
	}

	if res.err != nil {
		err := &NetworkError{Op: "dial", Err: res.err}
		if st.connectRep != nil {
			// Synchronous connect: report and stand down.
			c.setState(st, StateDisconnected)
			st.connectRep <- err
			st.connectRep = nil
			return
		}
		c.log.Warn("redial failed", "error", res.err)
		c.scheduleRetry(st)
		return
	}

	st.gen = newLinkGen(res.conn)
	go st.gen.read()
	go st.gen.write()
	c.setState(st, StateConnected)
	c.emit(newEvent(EventConnected, c.account))
	c.log.Info("connected to gateway")
	if st.connectRep != nil {
		st.connectRep <- nil
		st.connectRep = nil
	}
}

// --- Inbound frames ---

func (c *Connection) handleFrame(st *loopState, data []byte) {
	f, err := frame.Decode(data)
	if err != nil {
		c.log.Debug("dropping undecodable frame", "error", err, "bytes", len(data))
		return
	}

	ev, thread := frame.Route(f.Cmd, f.SubCmd)
	switch ev {
	case frame.EventCipherKey:
		c.installCipherKey(st, f)
	case frame.EventPing:
		c.log.Debug("keepalive echo")
	case frame.EventDuplicate:
		c.log.Warn("another session took over the gateway link")
		c.emit(newEvent(EventDuplicate, c.account))
		c.teardown(st, ReasonDuplicate, 0, false)
	case frame.EventUnknown:
		c.log.Debug("ignoring unroutable frame", "cmd", f.Cmd, "sub_cmd", f.SubCmd)
	default:
		c.deliver(st, f, ev, thread)
	}
}

func (c *Connection) installCipherKey(st *loopState, f frame.Frame) {
	key := gjson.GetBytes(f.Raw, "key").String()
	rc, err := crypto.NewRealtimeCipher(key)
	if err != nil {
		c.log.Error("cipher key rejected", "error", err)
		c.teardown(st, ReasonInvalidCipherKey, 0, true)
		return
	}

	st.cipher = rc
	if st.state == StateReady {
		// Gateway re-keyed us; nothing else changes.
		c.log.Info("cipher key replaced")
		return
	}
	c.setState(st, StateReady)
	st.retrySt = retry.Reset(st.retrySt)
	st.keepalive = time.NewTicker(c.cfg.KeepAlive)
	c.emit(newEvent(EventReady, c.account))
	c.log.Info("gateway link ready")
}

func (c *Connection) deliver(st *loopState, f frame.Frame, ev frame.EventType, thread frame.ThreadType) {
	out := RealtimeEvent{
		Type:    ev,
		Thread:  thread,
		Cmd:     f.Cmd,
		SubCmd:  f.SubCmd,
		Payload: f.Payload,
	}

	if frame.NeedsDecryption(ev) && len(f.Raw) > 0 {
		dataField := gjson.GetBytes(f.Raw, "data")
		switch {
		case !dataField.Exists():
			// Nothing to decrypt; the body speaks for itself.
		case dataField.Type == gjson.String:
			if st.cipher == nil {
				c.log.Warn("encrypted event before cipher key, dropping", "type", ev)
				return
			}
			encrypt := gjson.GetBytes(f.Raw, "encrypt")
			comp, ok := frame.CompressionFromEncrypt(int(encrypt.Int()))
			if !ok {
				c.log.Warn("unknown encrypt type, dropping event",
					"type", ev, "encrypt", encrypt.Raw)
				return
			}
			plain, err := st.cipher.OpenEnvelope(dataField.String(), comp)
			if err != nil {
				cerr := &CryptoError{Op: "open event payload", Err: err}
				c.log.Warn("dropping undecryptable event", "type", ev, "error", cerr)
				return
			}
			out.Data = plain
		default:
			// Cleartext object or array sent inline.
			out.Data = []byte(dataField.Raw)
		}
	}

	if (ev == frame.EventMessage || ev == frame.EventReaction) && len(out.Data) > 0 {
		if id := gjson.GetBytes(out.Data, "msgId"); id.Exists() {
			if c.dedup.IsDuplicate(id.String()) {
				c.log.Debug("dropping replayed event", "type", ev, "msg_id", id.String())
				return
			}
		}
	}

	if c.handler != nil {
		c.handler(out)
	}
}

// --- Keepalive ---

func (c *Connection) sendPing(st *loopState) {
	if st.state != StateReady || st.gen == nil {
		return
	}
	data, err := frame.Encode(
		frame.Header{Version: frame.Version, Cmd: frame.CmdPing, SubCmd: 1},
		wire.PingPayload{EventID: time.Now().UnixMilli()},
	)
	if err != nil {
		c.log.Warn("encode ping", "error", err)
		return
	}
	select {
	case st.gen.sends <- data:
	default:
		// The read side notices real socket death; a full buffer is
		// only worth a log line.
		c.log.Warn("ping dropped, send buffer full")
	}
}

// --- Teardown and reconnection ---

func (c *Connection) handleLinkError(st *loopState, err error) {
	reason, code := closeReasonFor(err)
	c.log.Warn("gateway link lost", "error", err, "reason", reason, "code", code)
	// A duplicate close means another session owns the link now;
	// redialing would only steal it back.
	worthy := reason != ReasonNormal && reason != ReasonDuplicate
	c.teardown(st, reason, code, worthy)
}

func closeReasonFor(err error) (CloseReason, int) {
	var ce wsutil.ClosedError
	if errors.As(err, &ce) {
		code := int(ce.Code)
		if ce.Code == ws.StatusNormalClosure {
			return ReasonNormal, code
		}
		if r := CloseReason(ce.Reason); r.SessionExpiry() {
			// The gateway named the reason in the close frame.
			return r, code
		}
		return ReasonNetworkError, code
	}
	return ReasonNetworkError, 0
}

func (c *Connection) clearTimers(st *loopState) {
	if st.keepalive != nil {
		st.keepalive.Stop()
		st.keepalive = nil
	}
	if st.reconnect != nil {
		if !st.reconnect.Stop() {
			select {
			case <-st.reconnect.C:
			default:
			}
		}
		st.reconnect = nil
	}
	if st.dialCancel != nil {
		st.dialCancel()
		st.dialCancel = nil
	}
}

// teardown moves the loop to Disconnected: socket closed, volatile
// cipher key cleared, timers stopped, the disconnected event emitted.
// When worthy and permitted, the retry engine schedules the next dial.
func (c *Connection) teardown(st *loopState, reason CloseReason, code int, reconnectWorthy bool) {
	c.clearTimers(st)
	if st.connectRep != nil {
		st.connectRep <- &NetworkError{Op: "connect", Err: errConnectAborted}
		st.connectRep = nil
	}
	if st.gen != nil {
		st.gen.shutdown()
		st.gen = nil
	}
	st.cipher = nil
	c.setState(st, StateDisconnected)

	ev := newEvent(EventDisconnected, c.account)
	ev.Reason = reason
	ev.Code = code
	c.emit(ev)

	if reconnectWorthy && st.opts.Reconnect && !st.noReconnect && st.session != nil {
		c.scheduleRetry(st)
	}
}

func (c *Connection) scheduleRetry(st *loopState) {
	d := retry.Next(st.retrySt, c.rng)
	if d.Halt {
		terr := &TerminalRetryError{Reason: d.Reason, Attempts: st.retrySt.CurrentAttempt}
		c.log.Error("giving up on reconnects", "reason", d.Reason, "attempts", st.retrySt.CurrentAttempt)
		st.retrySt = c.freshRetryState(len(st.session.WSEndpoints))
		c.setState(st, StateDisconnected)
		ev := newEvent(EventError, c.account)
		ev.Err = terr
		c.emit(ev)
		return
	}
	st.retrySt = d.State
	c.setState(st, StateBackingOff)
	st.reconnect = time.NewTimer(d.Delay)
	c.log.Info("reconnect scheduled",
		"delay", d.Delay,
		"attempt", d.State.CurrentAttempt,
		"endpoint_index", d.State.EndpointIndex)
}

func (c *Connection) redial(st *loopState) {
	if st.state != StateBackingOff {
		return
	}
	c.setState(st, StateConnecting)
	c.startDial(st, context.Background())
}
